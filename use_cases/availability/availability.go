package availability

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/giovaniif/stock-reservations/domain/reservation"
	"github.com/giovaniif/stock-reservations/protocols"
)

// Availability derives sellable stock on read. The figure is advisory;
// Reserve is the only gate.
type Availability struct {
	repository reservation.Repository
	catalog    protocols.Catalog
	clock      protocols.Clock
	group      singleflight.Group
}

func NewAvailability(repository reservation.Repository, catalog protocols.Catalog, clock protocols.Clock) *Availability {
	return &Availability{
		repository: repository,
		catalog:    catalog,
		clock:      clock,
	}
}

type Output struct {
	OnHand    int64
	Held      int64
	Available int64
}

func (a *Availability) GetAvailableStock(ctx context.Context, unit reservation.StockUnit) (Output, error) {
	if err := unit.Validate(); err != nil {
		return Output{}, err
	}
	v, err, shared := a.group.Do(unit.Key(), func() (any, error) {
		return a.compute(ctx, unit)
	})
	if err != nil {
		return Output{}, err
	}
	if shared {
		zerolog.Ctx(ctx).Debug().Str("unit", unit.String()).Msg("availability read shared with a concurrent caller")
	}
	return v.(Output), nil
}

func (a *Availability) compute(ctx context.Context, unit reservation.StockUnit) (Output, error) {
	snapshot, err := a.repository.Snapshot(ctx, unit, a.clock.Now())
	if err != nil {
		return Output{}, fmt.Errorf("read holds: %w", err)
	}
	onHand, err := a.catalog.GetOnHandStock(ctx, unit)
	if err != nil {
		if errors.Is(err, reservation.ErrPieceNotFound) {
			return Output{}, err
		}
		return Output{}, fmt.Errorf("%w: get on-hand stock: %v", reservation.ErrCatalogUnavailable, err)
	}
	return Output{
		OnHand:    onHand,
		Held:      snapshot.Held,
		Available: max(onHand-snapshot.Held, 0),
	}, nil
}
