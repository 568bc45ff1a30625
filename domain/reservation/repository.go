package reservation

import (
	"context"
	"time"
)

// Repository is the reservation ledger. Every mutation is a conditional write;
// implementations never hold a lock spanning more than one stock unit.
type Repository interface {
	// Snapshot returns the quantity held against unit at now and the unit's
	// current version.
	Snapshot(ctx context.Context, unit StockUnit, now time.Time) (UnitSnapshot, error)
	// InsertIfUnchanged stores r only if the unit version still equals
	// expectedVersion, returning ErrVersionConflict otherwise. It returns
	// ErrActiveReservationExists when the session already has an active
	// reservation on the unit.
	InsertIfUnchanged(ctx context.Context, r *Reservation, expectedVersion int64) error
	// FindBySession returns the most recent reservation of sessionId on unit.
	FindBySession(ctx context.Context, sessionId string, unit StockUnit) (*Reservation, error)
	ListBySession(ctx context.Context, tenantId, sessionId string) ([]*Reservation, error)
	// Transition moves r from active to the given terminal state. Committing
	// requires r to be unexpired at at and expiring requires the opposite.
	// It reports false, without error, when the stored reservation no longer
	// satisfies the condition. On success r is updated in place.
	Transition(ctx context.Context, r *Reservation, to State, at time.Time) (bool, error)
	// MarkDecremented records the confirmed on-hand decrement of a committed
	// reservation and bumps the unit version.
	MarkDecremented(ctx context.Context, r *Reservation) error
	// ListExpired returns active reservations whose ExpiresAt is not after now,
	// oldest first.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Reservation, error)
}
