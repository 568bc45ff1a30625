package reservation

import (
	"errors"
	"fmt"
)

var (
	ErrInsufficientStock        = errors.New("insufficient stock")
	ErrCatalogUnavailable       = errors.New("catalog unavailable")
	ErrVariantNotFound          = errors.New("variant not found")
	ErrPieceNotFound            = errors.New("piece not found in catalog")
	ErrConflictingTerminalState = errors.New("reservation is in a conflicting terminal state")
	ErrNotFound                 = errors.New("reservation not found")
	ErrActiveReservationExists  = errors.New("session already holds an active reservation for this stock unit")
	ErrVersionConflict          = errors.New("stock unit changed concurrently")

	ErrMissingTenant   = errors.New("tenant id is required")
	ErrMissingPiece    = errors.New("piece id is required")
	ErrMissingSession  = errors.New("session id is required")
	ErrInvalidQuantity = errors.New("quantity must be positive")
	ErrInvalidTTL      = errors.New("ttl must be positive")
)

// InsufficientStockError is the expected outcome of a reserve that does not fit.
type InsufficientStockError struct {
	Unit      StockUnit
	Requested int64
	Available int64
}

func (e *InsufficientStockError) Error() string {
	return fmt.Sprintf("insufficient stock for %s: requested %d, available %d", e.Unit, e.Requested, e.Available)
}

func (e *InsufficientStockError) Is(target error) bool {
	return target == ErrInsufficientStock
}

// ConflictError carries the state that blocked a commit or release.
type ConflictError struct {
	ReservationId string
	Current       State
	Requested     State
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("reservation %s is %s, cannot become %s", e.ReservationId, e.Current, e.Requested)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrConflictingTerminalState
}

// IsValidation reports whether err is caused by bad caller input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrMissingTenant) ||
		errors.Is(err, ErrMissingPiece) ||
		errors.Is(err, ErrMissingSession) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidTTL)
}

// Code returns a stable machine-readable name for err, or "internal".
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrCatalogUnavailable):
		return "catalog_unavailable"
	case errors.Is(err, ErrVariantNotFound):
		return "variant_not_found"
	case errors.Is(err, ErrPieceNotFound):
		return "piece_not_found"
	case errors.Is(err, ErrConflictingTerminalState):
		return "conflicting_terminal_state"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrActiveReservationExists):
		return "active_reservation_exists"
	case errors.Is(err, ErrVersionConflict):
		return "contention"
	case IsValidation(err):
		return "invalid_request"
	default:
		return "internal"
	}
}
