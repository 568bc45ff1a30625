package gateways

import (
	"context"
	"errors"
	"sync"

	"github.com/giovaniif/stock-reservations/domain/reservation"
)

var ErrCatalogDown = errors.New("catalog is down")

// CatalogGatewayMemory keeps on-hand stock in process. Unknown units have zero stock.
type CatalogGatewayMemory struct {
	mutex    sync.RWMutex
	onHand   map[string]int64
	variants map[string]struct{}
	failing  bool
}

func NewCatalogGatewayMemory() *CatalogGatewayMemory {
	return &CatalogGatewayMemory{
		onHand:   make(map[string]int64),
		variants: make(map[string]struct{}),
	}
}

func (c *CatalogGatewayMemory) SetOnHand(unit reservation.StockUnit, quantity int64) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.onHand[unit.Key()] = quantity
	if unit.HasVariant() {
		c.variants[unit.Key()] = struct{}{}
	}
}

func (c *CatalogGatewayMemory) AddVariant(tenantId, pieceId, variantId string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	unit := reservation.StockUnit{TenantId: tenantId, PieceId: pieceId, VariantId: variantId}
	c.variants[unit.Key()] = struct{}{}
}

// SetFailing makes every call fail until it is reset.
func (c *CatalogGatewayMemory) SetFailing(failing bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.failing = failing
}

func (c *CatalogGatewayMemory) GetOnHandStock(ctx context.Context, unit reservation.StockUnit) (int64, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if c.failing {
		return 0, ErrCatalogDown
	}
	return c.onHand[unit.Key()], nil
}

func (c *CatalogGatewayMemory) DecrementOnHandStock(ctx context.Context, unit reservation.StockUnit, quantity int64) (bool, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.failing {
		return false, ErrCatalogDown
	}
	current := c.onHand[unit.Key()]
	if current < quantity {
		return false, nil
	}
	c.onHand[unit.Key()] = current - quantity
	return true, nil
}

func (c *CatalogGatewayMemory) ResolveVariant(ctx context.Context, tenantId, pieceId, variantId string) (bool, error) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	if c.failing {
		return false, ErrCatalogDown
	}
	unit := reservation.StockUnit{TenantId: tenantId, PieceId: pieceId, VariantId: variantId}
	_, ok := c.variants[unit.Key()]
	return ok, nil
}
