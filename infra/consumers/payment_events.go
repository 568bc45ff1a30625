package consumers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/giovaniif/stock-reservations/domain/reservation"
	"github.com/giovaniif/stock-reservations/infra/tracing"
	"github.com/giovaniif/stock-reservations/protocols"
	"github.com/giovaniif/stock-reservations/use_cases/checkout"
)

const (
	PaymentSucceeded = "succeeded"
	PaymentFailed    = "failed"

	defaultMaxAttempts = 5
	defaultRetryDelay  = time.Second
)

var errMalformed = errors.New("malformed payment event")

// PaymentOutcomeEvent is published by the payment provider integration.
type PaymentOutcomeEvent struct {
	Type           string `json:"type"`
	TenantId       string `json:"tenantId"`
	SessionId      string `json:"sessionId"`
	IdempotencyKey string `json:"idempotencyKey"`
}

// MessageReader is the subset of *kafka.Reader the consumer needs.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type PaymentHandler interface {
	ConfirmPayment(ctx context.Context, tenantId, sessionId, idempotencyKey string) (checkout.Result, error)
	FailPayment(ctx context.Context, tenantId, sessionId string) (checkout.Result, error)
}

type Options struct {
	MaxAttempts int
	RetryDelay  time.Duration
}

// PaymentEventsConsumer drives the checkout bridge from payment outcomes. The
// offset is committed once a message is handled or given up on. Every event
// that reached the checkout gets a session level outcome published with the
// per-line results, so failed lines are visible downstream.
type PaymentEventsConsumer struct {
	reader      MessageReader
	handler     PaymentHandler
	publisher   protocols.EventPublisher
	clock       protocols.Clock
	logger      zerolog.Logger
	maxAttempts int
	retryDelay  time.Duration
}

func NewKafkaReader(brokers []string, topic, groupId string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		Topic:    topic,
		GroupID:  groupId,
		MinBytes: 1,
		MaxBytes: 10e6,
		MaxWait:  500 * time.Millisecond,
	})
}

func NewPaymentEventsConsumer(reader MessageReader, handler PaymentHandler, publisher protocols.EventPublisher, clock protocols.Clock, logger zerolog.Logger, options Options) *PaymentEventsConsumer {
	if options.MaxAttempts <= 0 {
		options.MaxAttempts = defaultMaxAttempts
	}
	if options.RetryDelay <= 0 {
		options.RetryDelay = defaultRetryDelay
	}
	return &PaymentEventsConsumer{
		reader:      reader,
		handler:     handler,
		publisher:   publisher,
		clock:       clock,
		logger:      logger.With().Str("component", "payment-consumer").Logger(),
		maxAttempts: options.MaxAttempts,
		retryDelay:  options.RetryDelay,
	}
}

// Run consumes until ctx is cancelled.
func (c *PaymentEventsConsumer) Run(ctx context.Context) error {
	c.logger.Info().Msg("payment consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info().Msg("payment consumer stopped")
				return nil
			}
			c.logger.Error().Err(err).Msg("could not fetch message, retrying")
			if !sleep(ctx, c.retryDelay) {
				return nil
			}
			continue
		}

		c.process(ctx, msg)

		if err := c.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			c.logger.Error().Err(err).Int64("offset", msg.Offset).Msg("failed to commit offset")
		}
	}
}

func (c *PaymentEventsConsumer) Close() error {
	return c.reader.Close()
}

func (c *PaymentEventsConsumer) process(parent context.Context, msg kafka.Message) {
	ctx := tracing.Extract(parent, msg.Headers)
	ctx, span := tracing.StartSpan(ctx, "payment.consume")
	defer span.End()

	logger := c.logger.With().Int("partition", msg.Partition).Int64("offset", msg.Offset).Logger()
	ctx = logger.WithContext(ctx)

	var event PaymentOutcomeEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		logger.Error().Err(err).Msg("skipping undecodable payment event")
		return
	}
	logger = logger.With().Str("type", event.Type).Str("tenant_id", event.TenantId).Str("session_id", event.SessionId).Logger()

	var outcome *checkout.Result
	defer func() {
		if outcome != nil {
			c.publishOutcome(ctx, event, *outcome)
		}
	}()

	for attempt := 1; ; attempt++ {
		result, retry, err := c.handle(ctx, event)
		if result != nil {
			outcome = result
		}
		if err == nil {
			return
		}
		if !retry {
			tracing.RecordError(span, err)
			logger.Error().Err(err).Msg("payment event not applied")
			return
		}
		if attempt >= c.maxAttempts {
			tracing.RecordError(span, err)
			logger.Error().Err(err).Int("attempts", attempt).Msg("giving up on payment event")
			return
		}
		logger.Warn().Err(err).Int("attempt", attempt).Msg("payment event failed, retrying")
		if !sleep(ctx, c.retryDelay*time.Duration(attempt)) {
			return
		}
	}
}

// handle applies one event and reports whether a failure is worth retrying.
// The result is nil when the checkout did not return one.
func (c *PaymentEventsConsumer) handle(ctx context.Context, event PaymentOutcomeEvent) (*checkout.Result, bool, error) {
	var (
		result checkout.Result
		err    error
	)
	switch event.Type {
	case PaymentSucceeded:
		result, err = c.handler.ConfirmPayment(ctx, event.TenantId, event.SessionId, event.IdempotencyKey)
	case PaymentFailed:
		result, err = c.handler.FailPayment(ctx, event.TenantId, event.SessionId)
	default:
		return nil, false, fmt.Errorf("%w: unknown type %q", errMalformed, event.Type)
	}
	if err != nil {
		return nil, retriable(err), err
	}
	for _, line := range result.Lines {
		if line.Code != "" && retriableCode(line.Code) {
			return &result, true, fmt.Errorf("line %s/%s: %s", line.PieceId, line.VariantId, line.Error)
		}
	}
	if !result.Complete {
		zerolog.Ctx(ctx).Warn().Interface("lines", result.Lines).Msg("payment event applied with failed lines")
	}
	return &result, false, nil
}

func (c *PaymentEventsConsumer) publishOutcome(ctx context.Context, event PaymentOutcomeEvent, result checkout.Result) {
	eventType := protocols.EventCheckoutConfirmed
	if event.Type == PaymentFailed {
		eventType = protocols.EventCheckoutReleased
	}
	lines := make([]protocols.EventLine, 0, len(result.Lines))
	for _, l := range result.Lines {
		lines = append(lines, protocols.EventLine{
			PieceId:       l.PieceId,
			VariantId:     l.VariantId,
			Quantity:      l.Quantity,
			ReservationId: l.ReservationId,
			State:         l.State,
			Code:          l.Code,
		})
	}
	outcome := protocols.NewCheckoutEvent(eventType, event.TenantId, event.SessionId, result.Complete, lines, c.clock.Now())
	if err := c.publisher.Publish(ctx, outcome); err != nil {
		zerolog.Ctx(ctx).Error().Err(err).Str("event", eventType).Msg("failed to publish checkout outcome")
	}
}

func retriable(err error) bool {
	return !reservation.IsValidation(err) &&
		!errors.Is(err, checkout.ErrMissingIdempotencyKey) &&
		!errors.Is(err, checkout.ErrNoReservationsForSession)
}

func retriableCode(code string) bool {
	switch code {
	case "catalog_unavailable", "contention", "internal":
		return true
	}
	return false
}

func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
