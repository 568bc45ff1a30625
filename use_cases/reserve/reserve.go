package reserve

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/giovaniif/stock-reservations/domain/reservation"
	"github.com/giovaniif/stock-reservations/infra/metrics"
	"github.com/giovaniif/stock-reservations/infra/tracing"
	"github.com/giovaniif/stock-reservations/protocols"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = 10 * time.Millisecond
)

type Options struct {
	MaxAttempts int
	BaseDelay   time.Duration
	DefaultTTL  time.Duration
}

type Reserve struct {
	repository  reservation.Repository
	catalog     protocols.Catalog
	publisher   protocols.EventPublisher
	sleeper     protocols.Sleeper
	clock       protocols.Clock
	newId       func() string
	maxAttempts int
	baseDelay   time.Duration
	defaultTTL  time.Duration
}

func NewReserve(repository reservation.Repository, catalog protocols.Catalog, publisher protocols.EventPublisher, sleeper protocols.Sleeper, clock protocols.Clock, options Options) *Reserve {
	if options.MaxAttempts <= 0 {
		options.MaxAttempts = DefaultMaxAttempts
	}
	if options.BaseDelay <= 0 {
		options.BaseDelay = DefaultBaseDelay
	}
	if options.DefaultTTL <= 0 {
		options.DefaultTTL = reservation.DefaultTTL
	}
	return &Reserve{
		repository:  repository,
		catalog:     catalog,
		publisher:   publisher,
		sleeper:     sleeper,
		clock:       clock,
		newId:       uuid.NewString,
		maxAttempts: options.MaxAttempts,
		baseDelay:   options.BaseDelay,
		defaultTTL:  options.DefaultTTL,
	}
}

type Input struct {
	TenantId  string
	PieceId   string
	VariantId string
	SessionId string
	Quantity  int64
	TTL       time.Duration
}

func (i Input) Unit() reservation.StockUnit {
	return reservation.StockUnit{TenantId: i.TenantId, PieceId: i.PieceId, VariantId: i.VariantId}
}

func (r *Reserve) validate(input Input) (time.Duration, error) {
	if err := input.Unit().Validate(); err != nil {
		return 0, err
	}
	if strings.TrimSpace(input.SessionId) == "" {
		return 0, reservation.ErrMissingSession
	}
	if input.Quantity <= 0 {
		return 0, reservation.ErrInvalidQuantity
	}
	if input.TTL < 0 {
		return 0, reservation.ErrInvalidTTL
	}
	if input.TTL == 0 {
		return r.defaultTTL, nil
	}
	return input.TTL, nil
}

func (r *Reserve) Reserve(ctx context.Context, input Input) (res *reservation.Reservation, err error) {
	ttl, err := r.validate(input)
	if err != nil {
		return nil, err
	}
	unit := input.Unit()

	ctx, span := tracing.StartSpan(ctx, "reservation.reserve",
		attribute.String("tenant.id", unit.TenantId),
		attribute.String("piece.id", unit.PieceId),
		attribute.String("variant.id", unit.VariantId),
		attribute.Int64("quantity", input.Quantity),
	)
	defer span.End()
	logger := zerolog.Ctx(ctx).With().Str("unit", unit.String()).Str("session_id", input.SessionId).Logger()

	defer func() {
		metrics.ReserveOutcomes.WithLabelValues(outcome(err)).Inc()
		if err != nil && !errors.Is(err, reservation.ErrInsufficientStock) {
			tracing.RecordError(span, err)
		}
	}()

	if unit.HasVariant() {
		found, err := r.catalog.ResolveVariant(ctx, unit.TenantId, unit.PieceId, unit.VariantId)
		if err != nil {
			logger.Error().Err(err).Msg("variant lookup failed")
			return nil, fmt.Errorf("%w: resolve variant: %v", reservation.ErrCatalogUnavailable, err)
		}
		if !found {
			return nil, reservation.ErrVariantNotFound
		}
	}

	operation := func() (*reservation.Reservation, error) {
		return r.attempt(ctx, logger, unit, input, ttl)
	}
	retriable := func(err error) bool {
		if errors.Is(err, reservation.ErrVersionConflict) {
			metrics.ReserveConflicts.Inc()
			logger.Debug().Msg("reserve lost a concurrent write, retrying")
			return true
		}
		return false
	}
	res, err = RetryWithBackoff(operation, r.sleeper, r.maxAttempts, r.baseDelay, retriable)()
	if err != nil {
		return nil, err
	}

	logger.Info().Str("reservation_id", res.Id).Int64("quantity", res.Quantity).Time("expires_at", res.ExpiresAt).Msg("stock reserved")
	if err := r.publisher.Publish(ctx, protocols.NewReservationEvent(protocols.EventReserved, res, res.CreatedAt)); err != nil {
		logger.Warn().Err(err).Str("reservation_id", res.Id).Msg("failed to publish reservation event")
	}
	return res, nil
}

func (r *Reserve) attempt(ctx context.Context, logger zerolog.Logger, unit reservation.StockUnit, input Input, ttl time.Duration) (*reservation.Reservation, error) {
	now := r.clock.Now()
	snapshot, err := r.repository.Snapshot(ctx, unit, now)
	if err != nil {
		return nil, fmt.Errorf("read holds: %w", err)
	}
	onHand, err := r.catalog.GetOnHandStock(ctx, unit)
	if err != nil {
		if errors.Is(err, reservation.ErrPieceNotFound) {
			return nil, err
		}
		logger.Error().Err(err).Msg("on-hand lookup failed")
		return nil, fmt.Errorf("%w: get on-hand stock: %v", reservation.ErrCatalogUnavailable, err)
	}
	available := onHand - snapshot.Held
	if available < input.Quantity {
		return nil, &reservation.InsufficientStockError{Unit: unit, Requested: input.Quantity, Available: max(available, 0)}
	}

	res := reservation.New(r.newId(), unit, input.SessionId, input.Quantity, now, ttl)
	err = r.repository.InsertIfUnchanged(ctx, res, snapshot.Version)
	if errors.Is(err, reservation.ErrActiveReservationExists) {
		reclaimed, reclaimErr := r.reclaimLapsedHold(ctx, logger, unit, input.SessionId, now)
		if reclaimErr != nil {
			return nil, reclaimErr
		}
		if !reclaimed {
			return nil, err
		}
		// An expired hold was not part of the snapshot, so the version still applies.
		err = r.repository.InsertIfUnchanged(ctx, res, snapshot.Version)
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// reclaimLapsedHold expires the session's active hold when its TTL has already
// passed but the sweeper has not reached it yet.
func (r *Reserve) reclaimLapsedHold(ctx context.Context, logger zerolog.Logger, unit reservation.StockUnit, sessionId string, now time.Time) (bool, error) {
	existing, err := r.repository.FindBySession(ctx, sessionId, unit)
	if errors.Is(err, reservation.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("find existing hold: %w", err)
	}
	if existing.State != reservation.StateActive || existing.IsLiveAt(now) {
		return false, nil
	}
	ok, err := r.repository.Transition(ctx, existing, reservation.StateExpired, now)
	if err != nil {
		return false, fmt.Errorf("expire lapsed hold: %w", err)
	}
	if ok {
		logger.Info().Str("reservation_id", existing.Id).Msg("expired lapsed hold before re-reserving")
		metrics.TransitionOutcomes.WithLabelValues("expire", metrics.OutcomeOK).Inc()
		if err := r.publisher.Publish(ctx, protocols.NewReservationEvent(protocols.EventExpired, existing, now)); err != nil {
			logger.Warn().Err(err).Str("reservation_id", existing.Id).Msg("failed to publish reservation event")
		}
	}
	return true, nil
}

func outcome(err error) string {
	switch {
	case err == nil:
		return metrics.OutcomeOK
	case errors.Is(err, reservation.ErrInsufficientStock):
		return metrics.OutcomeInsufficient
	case errors.Is(err, reservation.ErrVersionConflict), errors.Is(err, reservation.ErrActiveReservationExists):
		return metrics.OutcomeConflict
	default:
		return metrics.OutcomeError
	}
}
