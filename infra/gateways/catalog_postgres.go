package gateways

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/giovaniif/stock-reservations/domain/reservation"
)

// CatalogGatewayPostgres reads on-hand stock from the stock_units table when
// the catalog shares the engine's database. Base stock uses an empty variant_id.
// A unit without a row is unknown to the catalog, not out of stock.
type CatalogGatewayPostgres struct {
	db *sql.DB
}

func NewCatalogGatewayPostgres(db *sql.DB) *CatalogGatewayPostgres {
	return &CatalogGatewayPostgres{db: db}
}

func (c *CatalogGatewayPostgres) GetOnHandStock(ctx context.Context, unit reservation.StockUnit) (int64, error) {
	var onHand int64
	err := c.db.QueryRowContext(ctx,
		`SELECT on_hand FROM stock_units WHERE tenant_id = $1 AND piece_id = $2 AND variant_id = $3`,
		unit.TenantId, unit.PieceId, unit.VariantId,
	).Scan(&onHand)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("select on_hand %s: %w", unit, reservation.ErrPieceNotFound)
	}
	if err != nil {
		return 0, fmt.Errorf("select on_hand: %w", err)
	}
	return onHand, nil
}

func (c *CatalogGatewayPostgres) DecrementOnHandStock(ctx context.Context, unit reservation.StockUnit, quantity int64) (bool, error) {
	res, err := c.db.ExecContext(ctx,
		`UPDATE stock_units SET on_hand = on_hand - $4, updated_at = now()
		 WHERE tenant_id = $1 AND piece_id = $2 AND variant_id = $3 AND on_hand >= $4`,
		unit.TenantId, unit.PieceId, unit.VariantId, quantity,
	)
	if err != nil {
		return false, fmt.Errorf("decrement on_hand: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("decrement on_hand: %w", err)
	}
	return n == 1, nil
}

func (c *CatalogGatewayPostgres) ResolveVariant(ctx context.Context, tenantId, pieceId, variantId string) (bool, error) {
	var exists bool
	err := c.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM stock_units WHERE tenant_id = $1 AND piece_id = $2 AND variant_id = $3)`,
		tenantId, pieceId, variantId,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("resolve variant: %w", err)
	}
	return exists, nil
}

// SetOnHand upserts a stock_units row. Used for seeding.
func (c *CatalogGatewayPostgres) SetOnHand(ctx context.Context, unit reservation.StockUnit, quantity int64) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO stock_units (tenant_id, piece_id, variant_id, on_hand) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant_id, piece_id, variant_id) DO UPDATE SET on_hand = EXCLUDED.on_hand, updated_at = now()`,
		unit.TenantId, unit.PieceId, unit.VariantId, quantity,
	)
	if err != nil {
		return fmt.Errorf("upsert stock unit: %w", err)
	}
	return nil
}
