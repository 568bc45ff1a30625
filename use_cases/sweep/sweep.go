package sweep

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/giovaniif/stock-reservations/domain/reservation"
	"github.com/giovaniif/stock-reservations/infra/metrics"
	"github.com/giovaniif/stock-reservations/infra/tracing"
	"github.com/giovaniif/stock-reservations/protocols"
)

const (
	DefaultInterval  = time.Minute
	DefaultBatchSize = 100
)

type Options struct {
	Interval  time.Duration
	BatchSize int
}

// Sweeper expires active holds whose TTL has passed. Several sweepers may run
// against the same store; the conditional transition lets exactly one of them
// (or a racing Commit/Release) win each reservation.
type Sweeper struct {
	repository reservation.Repository
	publisher  protocols.EventPublisher
	clock      protocols.Clock
	interval   time.Duration
	batchSize  int
	logger     zerolog.Logger
}

func NewSweeper(repository reservation.Repository, publisher protocols.EventPublisher, clock protocols.Clock, options Options, logger zerolog.Logger) *Sweeper {
	if options.Interval <= 0 {
		options.Interval = DefaultInterval
	}
	if options.BatchSize <= 0 {
		options.BatchSize = DefaultBatchSize
	}
	return &Sweeper{
		repository: repository,
		publisher:  publisher,
		clock:      clock,
		interval:   options.Interval,
		batchSize:  options.BatchSize,
		logger:     logger.With().Str("component", "sweeper").Logger(),
	}
}

// Run sweeps once immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	s.logger.Info().Dur("interval", s.interval).Int("batch_size", s.batchSize).Msg("sweeper started")
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error().Err(err).Msg("sweep pass failed")
		}
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("sweeper stopped")
			return nil
		case <-ticker.C:
		}
	}
}

type Result struct {
	Expired int
	Skipped int
	Failed  int
}

// SweepOnce expires everything that was due at the start of the pass. Rows that
// fail are logged and left for the next pass.
func (s *Sweeper) SweepOnce(ctx context.Context) (Result, error) {
	ctx, span := tracing.StartSpan(ctx, "reservation.sweep")
	defer span.End()
	start := time.Now()
	defer func() { metrics.SweepDuration.Observe(time.Since(start).Seconds()) }()

	now := s.clock.Now()
	var result Result
	for ctx.Err() == nil {
		batch, err := s.repository.ListExpired(ctx, now, s.batchSize)
		if err != nil {
			tracing.RecordError(span, err)
			return result, fmt.Errorf("list expired reservations: %w", err)
		}
		progressed := 0
		for _, res := range batch {
			ok, err := s.repository.Transition(ctx, res, reservation.StateExpired, now)
			if err != nil {
				result.Failed++
				metrics.TransitionOutcomes.WithLabelValues("expire", metrics.OutcomeError).Inc()
				s.logger.Error().Err(err).Str("reservation_id", res.Id).Str("unit", res.Unit.String()).Msg("failed to expire reservation")
				continue
			}
			progressed++
			if !ok {
				result.Skipped++
				metrics.TransitionOutcomes.WithLabelValues("expire", metrics.OutcomeNoop).Inc()
				continue
			}
			result.Expired++
			metrics.SweepExpired.Inc()
			metrics.TransitionOutcomes.WithLabelValues("expire", metrics.OutcomeOK).Inc()
			if err := s.publisher.Publish(ctx, protocols.NewReservationEvent(protocols.EventExpired, res, now)); err != nil {
				s.logger.Warn().Err(err).Str("reservation_id", res.Id).Msg("failed to publish reservation event")
			}
		}
		if len(batch) < s.batchSize || progressed == 0 {
			break
		}
	}
	if result.Expired > 0 || result.Failed > 0 {
		s.logger.Info().Int("expired", result.Expired).Int("skipped", result.Skipped).Int("failed", result.Failed).Msg("sweep pass finished")
	}
	return result, ctx.Err()
}
