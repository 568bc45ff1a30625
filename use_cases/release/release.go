package release

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

const maxRounds = 3

type Release struct {
	repository reservation.Repository
	publisher  protocols.EventPublisher
	clock      protocols.Clock
}

func NewRelease(repository reservation.Repository, publisher protocols.EventPublisher, clock protocols.Clock) *Release {
	return &Release{
		repository: repository,
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
	// Reservation is nil when the session never held the unit.
	Reservation *reservation.Reservation
	Released    bool
}

// Release returns the session's hold on the unit to the pool. Missing and
// already released or expired holds are a no-op. A committed reservation
// cannot be released.
func (r *Release) Release(ctx context.Context, input Input) (out Output, err error) {
	unit := input.Unit()
	if err := unit.Validate(); err != nil {
		return Output{}, err
	}
	if strings.TrimSpace(input.SessionId) == "" {
		return Output{}, reservation.ErrMissingSession
	}

	ctx, span := tracing.StartSpan(ctx, "reservation.release",
		attribute.String("tenant.id", unit.TenantId),
		attribute.String("piece.id", unit.PieceId),
		attribute.String("variant.id", unit.VariantId),
	)
	defer span.End()
	logger := zerolog.Ctx(ctx).With().Str("unit", unit.String()).Str("session_id", input.SessionId).Logger()
	defer func() {
		metrics.TransitionOutcomes.WithLabelValues("release", outcome(out, err)).Inc()
		tracing.RecordError(span, err)
	}()

	for round := 0; round < maxRounds; round++ {
		res, err := r.repository.FindBySession(ctx, input.SessionId, unit)
		if errors.Is(err, reservation.ErrNotFound) {
			return Output{}, nil
		}
		if err != nil {
			return Output{}, fmt.Errorf("find reservation: %w", err)
		}

		switch res.State {
		case reservation.StateReleased, reservation.StateExpired:
			return Output{Reservation: res}, nil
		case reservation.StateCommitted:
			conflict := &reservation.ConflictError{ReservationId: res.Id, Current: res.State, Requested: reservation.StateReleased}
			logger.Error().Err(conflict).Str("reservation_id", res.Id).Msg("release requested for a committed reservation")
			return Output{Reservation: res}, conflict
		case reservation.StateActive:
			now := r.clock.Now()
			ok, err := r.repository.Transition(ctx, res, reservation.StateReleased, now)
			if err != nil {
				return Output{}, fmt.Errorf("release reservation: %w", err)
			}
			if !ok {
				continue
			}
			logger.Info().Str("reservation_id", res.Id).Int64("quantity", res.Quantity).Msg("reservation released")
			if err := r.publisher.Publish(ctx, protocols.NewReservationEvent(protocols.EventReleased, res, now)); err != nil {
				logger.Warn().Err(err).Str("reservation_id", res.Id).Msg("failed to publish reservation event")
			}
			return Output{Reservation: res, Released: true}, nil
		default:
			return Output{}, fmt.Errorf("reservation %s has unknown state %q", res.Id, res.State)
		}
	}
	return Output{}, fmt.Errorf("release: %w", reservation.ErrVersionConflict)
}

func outcome(out Output, err error) string {
	switch {
	case err == nil && out.Released:
		return metrics.OutcomeOK
	case err == nil:
		return metrics.OutcomeNoop
	case errors.Is(err, reservation.ErrConflictingTerminalState):
		return metrics.OutcomeConflict
	default:
		return metrics.OutcomeError
	}
}
