package gateways

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/giovaniif/stock-reservations/protocols"
)

// EventPublisherLog writes lifecycle events to the logger. Used when no broker
// is configured.
type EventPublisherLog struct {
	logger zerolog.Logger
}

func NewEventPublisherLog(logger zerolog.Logger) *EventPublisherLog {
	return &EventPublisherLog{logger: logger.With().Str("component", "events").Logger()}
}

func (p *EventPublisherLog) Publish(ctx context.Context, event protocols.ReservationEvent) error {
	p.logger.Info().
		Str("event", event.Type).
		Str("reservation_id", event.ReservationId).
		Str("tenant_id", event.TenantId).
		Str("piece_id", event.PieceId).
		Str("variant_id", event.VariantId).
		Str("session_id", event.SessionId).
		Int64("quantity", event.Quantity).
		Str("state", event.State).
		Int("lines", len(event.Lines)).
		Msg("reservation event")
	return nil
}
