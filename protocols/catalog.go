package protocols

import (
	"context"

	"github.com/giovaniif/stock-reservations/domain/reservation"
)

// Catalog owns authoritative on-hand stock. Errors other than
// reservation.ErrPieceNotFound are treated as the catalog being unavailable.
type Catalog interface {
	// GetOnHandStock returns reservation.ErrPieceNotFound when the catalog does
	// not know the unit.
	GetOnHandStock(ctx context.Context, unit reservation.StockUnit) (int64, error)
	// DecrementOnHandStock reports false when on-hand stock is lower than quantity.
	DecrementOnHandStock(ctx context.Context, unit reservation.StockUnit, quantity int64) (bool, error)
	ResolveVariant(ctx context.Context, tenantId, pieceId, variantId string) (bool, error)
}
