package commit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/giovaniif/stock-reservations/domain/reservation"
	"github.com/giovaniif/stock-reservations/infra/metrics"
	"github.com/giovaniif/stock-reservations/infra/tracing"
	"github.com/giovaniif/stock-reservations/protocols"
)

const (
	maxRounds            = 3
	markDecrementRetries = 3
)

type Commit struct {
	repository reservation.Repository
	catalog    protocols.Catalog
	publisher  protocols.EventPublisher
	clock      protocols.Clock
}

func NewCommit(repository reservation.Repository, catalog protocols.Catalog, publisher protocols.EventPublisher, clock protocols.Clock) *Commit {
	return &Commit{
		repository: repository,
		catalog:    catalog,
		publisher:  publisher,
		clock:      clock,
	}
}

type Input struct {
	TenantId  string
	PieceId   string
	VariantId string
	SessionId string
}

func (i Input) Unit() reservation.StockUnit {
	return reservation.StockUnit{TenantId: i.TenantId, PieceId: i.PieceId, VariantId: i.VariantId}
}

type Output struct {
	Reservation *reservation.Reservation
	// AlreadyCommitted is set when an earlier call had finished the commit.
	AlreadyCommitted bool
}

// Commit turns the session's hold on the unit into a sale and decrements
// on-hand stock exactly once.
func (c *Commit) Commit(ctx context.Context, input Input) (out Output, err error) {
	unit := input.Unit()
	if err := unit.Validate(); err != nil {
		return Output{}, err
	}
	if strings.TrimSpace(input.SessionId) == "" {
		return Output{}, reservation.ErrMissingSession
	}

	ctx, span := tracing.StartSpan(ctx, "reservation.commit",
		attribute.String("tenant.id", unit.TenantId),
		attribute.String("piece.id", unit.PieceId),
		attribute.String("variant.id", unit.VariantId),
	)
	defer span.End()
	logger := zerolog.Ctx(ctx).With().Str("unit", unit.String()).Str("session_id", input.SessionId).Logger()
	defer func() {
		metrics.TransitionOutcomes.WithLabelValues("commit", outcome(out, err)).Inc()
		tracing.RecordError(span, err)
	}()

	for round := 0; round < maxRounds; round++ {
		res, err := c.repository.FindBySession(ctx, input.SessionId, unit)
		if errors.Is(err, reservation.ErrNotFound) {
			return Output{}, err
		}
		if err != nil {
			return Output{}, fmt.Errorf("find reservation: %w", err)
		}

		switch res.State {
		case reservation.StateCommitted:
			if res.StockDecremented {
				return Output{Reservation: res, AlreadyCommitted: true}, nil
			}
			logger.Warn().Str("reservation_id", res.Id).Msg("retrying unconfirmed stock decrement")
			if err := c.decrement(ctx, logger, res); err != nil {
				return Output{}, err
			}
			return Output{Reservation: res, AlreadyCommitted: true}, nil

		case reservation.StateReleased, reservation.StateExpired:
			conflict := &reservation.ConflictError{ReservationId: res.Id, Current: res.State, Requested: reservation.StateCommitted}
			logger.Error().Err(conflict).Str("reservation_id", res.Id).Msg("commit against a hold that no longer exists")
			return Output{}, conflict

		case reservation.StateActive:
			now := c.clock.Now()
			if !res.IsLiveAt(now) {
				ok, err := c.repository.Transition(ctx, res, reservation.StateExpired, now)
				if err != nil {
					return Output{}, fmt.Errorf("expire lapsed hold: %w", err)
				}
				if !ok {
					continue
				}
				c.publish(ctx, logger, protocols.EventExpired, res)
				conflict := &reservation.ConflictError{ReservationId: res.Id, Current: reservation.StateExpired, Requested: reservation.StateCommitted}
				logger.Error().Err(conflict).Str("reservation_id", res.Id).Msg("commit arrived after the hold expired")
				return Output{}, conflict
			}

			ok, err := c.repository.Transition(ctx, res, reservation.StateCommitted, now)
			if err != nil {
				return Output{}, fmt.Errorf("commit reservation: %w", err)
			}
			if !ok {
				continue
			}
			logger.Info().Str("reservation_id", res.Id).Int64("quantity", res.Quantity).Msg("reservation committed")
			c.publish(ctx, logger, protocols.EventCommitted, res)
			if err := c.decrement(ctx, logger, res); err != nil {
				return Output{}, err
			}
			return Output{Reservation: res}, nil

		default:
			return Output{}, fmt.Errorf("reservation %s has unknown state %q", res.Id, res.State)
		}
	}
	return Output{}, fmt.Errorf("commit: %w", reservation.ErrVersionConflict)
}

// decrement applies the on-hand decrement for a committed reservation and
// records it. Until MarkDecremented succeeds the reservation keeps holding, so
// a failure here never frees stock that was sold.
func (c *Commit) decrement(ctx context.Context, logger zerolog.Logger, res *reservation.Reservation) error {
	ok, err := c.catalog.DecrementOnHandStock(ctx, res.Unit, res.Quantity)
	if errors.Is(err, reservation.ErrPieceNotFound) {
		logger.Error().Err(err).Str("reservation_id", res.Id).Msg("catalog no longer knows a committed unit")
		return err
	}
	if err != nil {
		logger.Error().Err(err).Str("reservation_id", res.Id).Msg("stock decrement failed, commit will retry it")
		return fmt.Errorf("%w: decrement on-hand stock: %v", reservation.ErrCatalogUnavailable, err)
	}
	if !ok {
		logger.Error().Str("reservation_id", res.Id).Int64("quantity", res.Quantity).Msg("catalog refused decrement for a committed reservation")
		return &reservation.InsufficientStockError{Unit: res.Unit, Requested: res.Quantity}
	}

	for attempt := 1; ; attempt++ {
		err = c.repository.MarkDecremented(ctx, res)
		if err == nil || attempt == markDecrementRetries || ctx.Err() != nil {
			break
		}
	}
	if err != nil {
		logger.Error().Err(err).Str("reservation_id", res.Id).Msg("stock decremented but not recorded")
		return fmt.Errorf("record decrement: %w", err)
	}
	return nil
}

func (c *Commit) publish(ctx context.Context, logger zerolog.Logger, eventType string, res *reservation.Reservation) {
	if err := c.publisher.Publish(ctx, protocols.NewReservationEvent(eventType, res, c.clock.Now())); err != nil {
		logger.Warn().Err(err).Str("reservation_id", res.Id).Msg("failed to publish reservation event")
	}
}

func outcome(out Output, err error) string {
	switch {
	case err == nil && out.AlreadyCommitted:
		return metrics.OutcomeNoop
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, reservation.ErrNotFound):
		return metrics.OutcomeNotFound
	case errors.Is(err, reservation.ErrConflictingTerminalState):
		return metrics.OutcomeConflict
	default:
		return metrics.OutcomeError
	}
}
