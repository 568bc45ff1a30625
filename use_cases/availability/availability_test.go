package availability

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/giovaniif/stock-reservations/domain/reservation"
	"github.com/giovaniif/stock-reservations/infra/gateways"
	"github.com/giovaniif/stock-reservations/infra/repositories"
)

var now = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

type blockingCatalog struct {
	*gateways.CatalogGatewayMemory
	calls   atomic.Int32
	release chan struct{}
}

func (c *blockingCatalog) GetOnHandStock(ctx context.Context, unit reservation.StockUnit) (int64, error) {
	c.calls.Add(1)
	<-c.release
	return c.CatalogGatewayMemory.GetOnHandStock(ctx, unit)
}

func insert(t *testing.T, repo reservation.Repository, r *reservation.Reservation) {
	t.Helper()
	snap, err := repo.Snapshot(context.Background(), r.Unit, now)
	if err != nil {
		t.Fatal(err)
	}
	if err := repo.InsertIfUnchanged(context.Background(), r, snap.Version); err != nil {
		t.Fatal(err)
	}
}

func TestGetAvailableStock(t *testing.T) {
	repo := repositories.NewReservationRepositoryMemory()
	catalog := gateways.NewCatalogGatewayMemory()
	unit := reservation.StockUnit{TenantId: "t1", PieceId: "p1"}
	catalog.SetOnHand(unit, 10)

	insert(t, repo, reservation.New("r1", unit, "s1", 3, now, time.Minute))
	insert(t, repo, reservation.New("r2", unit, "s2", 4, now.Add(-time.Hour), time.Minute))

	uc := NewAvailability(repo, catalog, fixedClock{now})
	out, err := uc.GetAvailableStock(context.Background(), unit)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if out.OnHand != 10 || out.Held != 3 || out.Available != 7 {
		t.Fatalf("unexpected output: %+v", out)
	}
}

func TestGetAvailableStock_NeverNegative(t *testing.T) {
	repo := repositories.NewReservationRepositoryMemory()
	catalog := gateways.NewCatalogGatewayMemory()
	unit := reservation.StockUnit{TenantId: "t1", PieceId: "p1"}
	catalog.SetOnHand(unit, 5)
	insert(t, repo, reservation.New("r1", unit, "s1", 5, now, time.Minute))
	catalog.SetOnHand(unit, 2)

	out, err := NewAvailability(repo, catalog, fixedClock{now}).GetAvailableStock(context.Background(), unit)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if out.Available != 0 {
		t.Fatalf("expected 0 available, got %d", out.Available)
	}
}

func TestGetAvailableStock_TenantIsolation(t *testing.T) {
	repo := repositories.NewReservationRepositoryMemory()
	catalog := gateways.NewCatalogGatewayMemory()
	mine := reservation.StockUnit{TenantId: "a", PieceId: "p1", VariantId: "v"}
	theirs := reservation.StockUnit{TenantId: "b", PieceId: "p1", VariantId: "v"}
	catalog.SetOnHand(mine, 5)
	catalog.SetOnHand(theirs, 5)
	insert(t, repo, reservation.New("r1", theirs, "s1", 5, now, time.Minute))

	out, err := NewAvailability(repo, catalog, fixedClock{now}).GetAvailableStock(context.Background(), mine)
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if out.Available != 5 {
		t.Fatalf("expected tenant a to be unaffected, got %d", out.Available)
	}
}

func TestGetAvailableStock_CatalogFailure(t *testing.T) {
	catalog := gateways.NewCatalogGatewayMemory()
	catalog.SetFailing(true)
	uc := NewAvailability(repositories.NewReservationRepositoryMemory(), catalog, fixedClock{now})

	_, err := uc.GetAvailableStock(context.Background(), reservation.StockUnit{TenantId: "t1", PieceId: "p1"})
	if !errors.Is(err, reservation.ErrCatalogUnavailable) {
		t.Fatalf("expected ErrCatalogUnavailable, got %v", err)
	}
}

type unknownPieceCatalog struct {
	*gateways.CatalogGatewayMemory
}

func (c unknownPieceCatalog) GetOnHandStock(ctx context.Context, unit reservation.StockUnit) (int64, error) {
	return 0, reservation.ErrPieceNotFound
}

func TestGetAvailableStock_UnknownPiece(t *testing.T) {
	uc := NewAvailability(repositories.NewReservationRepositoryMemory(), unknownPieceCatalog{gateways.NewCatalogGatewayMemory()}, fixedClock{now})

	_, err := uc.GetAvailableStock(context.Background(), reservation.StockUnit{TenantId: "t1", PieceId: "p1"})
	if !errors.Is(err, reservation.ErrPieceNotFound) {
		t.Fatalf("expected ErrPieceNotFound, got %v", err)
	}
	if errors.Is(err, reservation.ErrCatalogUnavailable) {
		t.Fatalf("unknown piece must not look like a catalog outage")
	}
}

func TestGetAvailableStock_Validation(t *testing.T) {
	uc := NewAvailability(repositories.NewReservationRepositoryMemory(), gateways.NewCatalogGatewayMemory(), fixedClock{now})
	_, err := uc.GetAvailableStock(context.Background(), reservation.StockUnit{PieceId: "p1"})
	if !errors.Is(err, reservation.ErrMissingTenant) {
		t.Fatalf("expected ErrMissingTenant, got %v", err)
	}
}

func TestGetAvailableStock_CollapsesConcurrentReads(t *testing.T) {
	catalog := &blockingCatalog{CatalogGatewayMemory: gateways.NewCatalogGatewayMemory(), release: make(chan struct{})}
	unit := reservation.StockUnit{TenantId: "t1", PieceId: "p1"}
	catalog.SetOnHand(unit, 4)
	uc := NewAvailability(repositories.NewReservationRepositoryMemory(), catalog, fixedClock{now})

	const readers = 8
	var (
		wg      sync.WaitGroup
		started sync.WaitGroup
	)
	started.Add(readers)
	results := make([]int64, readers)
	for i := 0; i < readers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			started.Done()
			out, err := uc.GetAvailableStock(context.Background(), unit)
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = out.Available
		}(i)
	}
	started.Wait()
	// Let the readers pile up on the in-flight call.
	for catalog.calls.Load() == 0 {
		time.Sleep(time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	close(catalog.release)
	wg.Wait()

	for i, v := range results {
		if v != 4 {
			t.Fatalf("reader %d saw %d", i, v)
		}
	}
	if calls := catalog.calls.Load(); calls >= readers {
		t.Fatalf("expected concurrent reads to share catalog calls, got %d calls", calls)
	}
}
