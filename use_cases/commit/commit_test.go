package commit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/giovaniif/stock-reservations/domain/reservation"
	"github.com/giovaniif/stock-reservations/infra/gateways"
	"github.com/giovaniif/stock-reservations/infra/repositories"
	"github.com/giovaniif/stock-reservations/protocols"
)

var now = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type mutableClock struct{ at time.Time }

func (c *mutableClock) Now() time.Time { return c.at }

type countingCatalog struct {
	*gateways.CatalogGatewayMemory
	decrements int
}

func (c *countingCatalog) DecrementOnHandStock(ctx context.Context, unit reservation.StockUnit, quantity int64) (bool, error) {
	c.decrements++
	return c.CatalogGatewayMemory.DecrementOnHandStock(ctx, unit, quantity)
}

type flakyMarkRepository struct {
	reservation.Repository
	failures int
}

func (r *flakyMarkRepository) MarkDecremented(ctx context.Context, res *reservation.Reservation) error {
	if r.failures > 0 {
		r.failures--
		return errors.New("connection reset")
	}
	return r.Repository.MarkDecremented(ctx, res)
}

type fixture struct {
	repo      *repositories.ReservationRepositoryMemory
	catalog   *countingCatalog
	publisher *gateways.EventPublisherMemory
	clock     *mutableClock
	unit      reservation.StockUnit
	uc        *Commit
}

func newFixture(t *testing.T, onHand int64) *fixture {
	t.Helper()
	f := &fixture{
		repo:      repositories.NewReservationRepositoryMemory(),
		catalog:   &countingCatalog{CatalogGatewayMemory: gateways.NewCatalogGatewayMemory()},
		publisher: gateways.NewEventPublisherMemory(),
		clock:     &mutableClock{at: now},
		unit:      reservation.StockUnit{TenantId: "t1", PieceId: "p1", VariantId: "blue"},
	}
	f.catalog.SetOnHand(f.unit, onHand)
	f.uc = NewCommit(f.repo, f.catalog, f.publisher, f.clock)
	return f
}

func (f *fixture) hold(t *testing.T, id string, qty int64) *reservation.Reservation {
	t.Helper()
	snap, err := f.repo.Snapshot(context.Background(), f.unit, now)
	if err != nil {
		t.Fatal(err)
	}
	r := reservation.New(id, f.unit, "s1", qty, now, 10*time.Minute)
	if err := f.repo.InsertIfUnchanged(context.Background(), r, snap.Version); err != nil {
		t.Fatal(err)
	}
	return r
}

func (f *fixture) input() Input {
	return Input{TenantId: f.unit.TenantId, PieceId: f.unit.PieceId, VariantId: f.unit.VariantId, SessionId: "s1"}
}

func (f *fixture) onHand(t *testing.T) int64 {
	t.Helper()
	v, err := f.catalog.GetOnHandStock(context.Background(), f.unit)
	if err != nil {
		t.Fatal(err)
	}
	return v
}

func TestCommit_Success(t *testing.T) {
	f := newFixture(t, 5)
	f.hold(t, "r1", 2)
	f.clock.at = now.Add(time.Minute)

	out, err := f.uc.Commit(context.Background(), f.input())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if out.AlreadyCommitted || out.Reservation.State != reservation.StateCommitted || !out.Reservation.StockDecremented {
		t.Fatalf("unexpected output: %+v", out.Reservation)
	}
	if got := f.onHand(t); got != 3 {
		t.Fatalf("expected on-hand 3, got %d", got)
	}
	snap, _ := f.repo.Snapshot(context.Background(), f.unit, f.clock.at)
	if snap.Held != 0 {
		t.Fatalf("expected no holds after decrement, got %d", snap.Held)
	}
	events := f.publisher.Events()
	if len(events) != 1 || events[0].Type != protocols.EventCommitted {
		t.Fatalf("expected one committed event, got %+v", events)
	}
}

func TestCommit_IsIdempotent(t *testing.T) {
	f := newFixture(t, 5)
	f.hold(t, "r1", 2)

	if _, err := f.uc.Commit(context.Background(), f.input()); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	out, err := f.uc.Commit(context.Background(), f.input())
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if !out.AlreadyCommitted {
		t.Fatalf("expected second commit to report AlreadyCommitted")
	}
	if f.catalog.decrements != 1 || f.onHand(t) != 3 {
		t.Fatalf("expected exactly one decrement, got %d (on-hand %d)", f.catalog.decrements, f.onHand(t))
	}
}

func TestCommit_NotFound(t *testing.T) {
	f := newFixture(t, 5)
	_, err := f.uc.Commit(context.Background(), f.input())
	if !errors.Is(err, reservation.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCommit_AfterReleaseConflicts(t *testing.T) {
	f := newFixture(t, 5)
	r := f.hold(t, "r1", 2)
	if _, err := f.repo.Transition(context.Background(), r, reservation.StateReleased, now); err != nil {
		t.Fatal(err)
	}

	_, err := f.uc.Commit(context.Background(), f.input())
	if !errors.Is(err, reservation.ErrConflictingTerminalState) {
		t.Fatalf("expected ErrConflictingTerminalState, got %v", err)
	}
	if f.catalog.decrements != 0 {
		t.Fatalf("expected no decrement")
	}
}

func TestCommit_AfterExpiryConflictsAndExpires(t *testing.T) {
	f := newFixture(t, 5)
	f.hold(t, "r1", 2)
	f.clock.at = now.Add(10 * time.Minute)

	_, err := f.uc.Commit(context.Background(), f.input())
	var conflict *reservation.ConflictError
	if !errors.As(err, &conflict) || conflict.Current != reservation.StateExpired {
		t.Fatalf("expected conflict with expired hold, got %v", err)
	}
	found, _ := f.repo.FindBySession(context.Background(), "s1", f.unit)
	if found.State != reservation.StateExpired {
		t.Fatalf("expected lapsed hold to be expired, got %s", found.State)
	}
	if f.catalog.decrements != 0 {
		t.Fatalf("expected no decrement")
	}
	events := f.publisher.Events()
	if len(events) != 1 || events[0].Type != protocols.EventExpired {
		t.Fatalf("expected one expired event, got %+v", events)
	}
}

func TestCommit_CatalogFailureKeepsHoldAndRetries(t *testing.T) {
	f := newFixture(t, 5)
	f.hold(t, "r1", 2)
	f.catalog.SetFailing(true)

	_, err := f.uc.Commit(context.Background(), f.input())
	if !errors.Is(err, reservation.ErrCatalogUnavailable) {
		t.Fatalf("expected ErrCatalogUnavailable, got %v", err)
	}
	// Past the TTL the committed hold still counts until the decrement lands.
	snap, _ := f.repo.Snapshot(context.Background(), f.unit, now.Add(time.Hour))
	if snap.Held != 2 {
		t.Fatalf("expected committed hold to keep holding, got %d", snap.Held)
	}

	f.catalog.SetFailing(false)
	f.clock.at = now.Add(time.Hour)
	out, err := f.uc.Commit(context.Background(), f.input())
	if err != nil {
		t.Fatalf("expected retry to succeed, got %v", err)
	}
	if !out.Reservation.StockDecremented || f.onHand(t) != 3 {
		t.Fatalf("expected decrement on retry, on-hand %d", f.onHand(t))
	}
}

func TestCommit_RetriesRecordingTheDecrement(t *testing.T) {
	f := newFixture(t, 5)
	f.hold(t, "r1", 2)
	repo := &flakyMarkRepository{Repository: f.repo, failures: 2}
	uc := NewCommit(repo, f.catalog, f.publisher, f.clock)

	out, err := uc.Commit(context.Background(), f.input())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if !out.Reservation.StockDecremented || f.catalog.decrements != 1 {
		t.Fatalf("expected one recorded decrement, got %d", f.catalog.decrements)
	}
}

func TestCommit_CatalogRefusesDecrement(t *testing.T) {
	f := newFixture(t, 5)
	f.hold(t, "r1", 2)
	f.catalog.SetOnHand(f.unit, 1)

	_, err := f.uc.Commit(context.Background(), f.input())
	if !errors.Is(err, reservation.ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	found, _ := f.repo.FindBySession(context.Background(), "s1", f.unit)
	if found.State != reservation.StateCommitted || found.StockDecremented {
		t.Fatalf("expected committed, undecremented reservation, got %+v", found)
	}
}

type vanishedCatalog struct {
	*gateways.CatalogGatewayMemory
}

func (c vanishedCatalog) DecrementOnHandStock(ctx context.Context, unit reservation.StockUnit, quantity int64) (bool, error) {
	return false, reservation.ErrPieceNotFound
}

func TestCommit_UnknownPieceKeepsHold(t *testing.T) {
	f := newFixture(t, 5)
	f.hold(t, "r1", 2)
	uc := NewCommit(f.repo, vanishedCatalog{f.catalog.CatalogGatewayMemory}, f.publisher, f.clock)

	_, err := uc.Commit(context.Background(), f.input())
	if !errors.Is(err, reservation.ErrPieceNotFound) {
		t.Fatalf("expected ErrPieceNotFound, got %v", err)
	}
	found, _ := f.repo.FindBySession(context.Background(), "s1", f.unit)
	if found.State != reservation.StateCommitted || found.StockDecremented {
		t.Fatalf("expected committed, undecremented reservation, got %+v", found)
	}
}

func TestCommit_Validation(t *testing.T) {
	f := newFixture(t, 5)
	in := f.input()
	in.TenantId = ""
	if _, err := f.uc.Commit(context.Background(), in); !errors.Is(err, reservation.ErrMissingTenant) {
		t.Fatalf("expected ErrMissingTenant, got %v", err)
	}
	in = f.input()
	in.SessionId = ""
	if _, err := f.uc.Commit(context.Background(), in); !errors.Is(err, reservation.ErrMissingSession) {
		t.Fatalf("expected ErrMissingSession, got %v", err)
	}
}

func TestCommit_TenantIsolation(t *testing.T) {
	f := newFixture(t, 5)
	f.hold(t, "r1", 2)
	in := f.input()
	in.TenantId = "t2"

	if _, err := f.uc.Commit(context.Background(), in); !errors.Is(err, reservation.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for another tenant, got %v", err)
	}
	if f.catalog.decrements != 0 {
		t.Fatalf("expected no decrement")
	}
}
