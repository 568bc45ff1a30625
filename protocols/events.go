package protocols

import (
	"context"
	"time"

	"github.com/giovaniif/stock-reservations/domain/reservation"
)

const (
	EventReserved  = "reservation.reserved"
	EventCommitted = "reservation.committed"
	EventReleased  = "reservation.released"
	EventExpired   = "reservation.expired"

	// Session level outcomes of a payment event, one per applied event.
	EventCheckoutConfirmed = "checkout.confirmed"
	EventCheckoutReleased  = "checkout.released"

	CheckoutComplete   = "complete"
	CheckoutIncomplete = "incomplete"
)

type ReservationEvent struct {
	Type          string    `json:"type"`
	ReservationId string    `json:"reservationId,omitempty"`
	TenantId      string    `json:"tenantId"`
	PieceId       string    `json:"pieceId,omitempty"`
	VariantId     string    `json:"variantId,omitempty"`
	SessionId     string    `json:"sessionId"`
	Quantity      int64     `json:"quantity,omitempty"`
	State         string    `json:"state"`
	OccurredAt    time.Time `json:"occurredAt"`
	// Lines is only set on checkout events.
	Lines []EventLine `json:"lines,omitempty"`
}

// EventLine is the outcome of one cart line in a checkout event. Code is empty
// when the line succeeded.
type EventLine struct {
	PieceId       string `json:"pieceId"`
	VariantId     string `json:"variantId,omitempty"`
	Quantity      int64  `json:"quantity"`
	ReservationId string `json:"reservationId,omitempty"`
	State         string `json:"state,omitempty"`
	Code          string `json:"code,omitempty"`
}

// PartitionKey keeps the events of one stock unit, or of one checkout
// session, in order on a partitioned broker.
func (e ReservationEvent) PartitionKey() string {
	if e.PieceId == "" {
		return e.TenantId + "/session/" + e.SessionId
	}
	return e.TenantId + "/" + e.PieceId + "/" + e.VariantId
}

func NewReservationEvent(eventType string, r *reservation.Reservation, at time.Time) ReservationEvent {
	return ReservationEvent{
		Type:          eventType,
		ReservationId: r.Id,
		TenantId:      r.Unit.TenantId,
		PieceId:       r.Unit.PieceId,
		VariantId:     r.Unit.VariantId,
		SessionId:     r.SessionId,
		Quantity:      r.Quantity,
		State:         string(r.State),
		OccurredAt:    at,
	}
}

func NewCheckoutEvent(eventType, tenantId, sessionId string, complete bool, lines []EventLine, at time.Time) ReservationEvent {
	state := CheckoutIncomplete
	if complete {
		state = CheckoutComplete
	}
	return ReservationEvent{
		Type:       eventType,
		TenantId:   tenantId,
		SessionId:  sessionId,
		State:      state,
		OccurredAt: at,
		Lines:      lines,
	}
}

// EventPublisher announces reservation lifecycle changes. Publishing happens
// after the ledger write and never undoes it.
type EventPublisher interface {
	Publish(ctx context.Context, event ReservationEvent) error
}
