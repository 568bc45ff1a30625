package sweep

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/giovaniif/stock-reservations/domain/reservation"
	"github.com/giovaniif/stock-reservations/infra/gateways"
	"github.com/giovaniif/stock-reservations/infra/repositories"
	"github.com/giovaniif/stock-reservations/protocols"
)

var now = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time { return c.at }

type failingRepository struct {
	reservation.Repository
	failIds map[string]bool
}

func (r *failingRepository) Transition(ctx context.Context, res *reservation.Reservation, to reservation.State, at time.Time) (bool, error) {
	if r.failIds[res.Id] {
		return false, errors.New("write timeout")
	}
	return r.Repository.Transition(ctx, res, to, at)
}

var unit = reservation.StockUnit{TenantId: "t1", PieceId: "p1"}

func seed(t *testing.T, repo reservation.Repository, count int, created time.Time, ttl time.Duration) {
	t.Helper()
	for i := 0; i < count; i++ {
		snap, err := repo.Snapshot(context.Background(), unit, created)
		if err != nil {
			t.Fatal(err)
		}
		id := fmt.Sprintf("r-%s-%d", ttl, i)
		r := reservation.New(id, unit, "session-"+id, 1, created, ttl)
		if err := repo.InsertIfUnchanged(context.Background(), r, snap.Version); err != nil {
			t.Fatal(err)
		}
	}
}

func TestSweepOnce_ExpiresDueHoldsInBatches(t *testing.T) {
	repo := repositories.NewReservationRepositoryMemory()
	seed(t, repo, 7, now.Add(-time.Hour), time.Minute)
	seed(t, repo, 2, now, time.Hour)
	publisher := gateways.NewEventPublisherMemory()

	s := NewSweeper(repo, publisher, fixedClock{now}, Options{BatchSize: 3}, zerolog.Nop())
	result, err := s.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.Expired != 7 || result.Failed != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	snap, _ := repo.Snapshot(context.Background(), unit, now)
	if snap.Held != 2 {
		t.Fatalf("expected only live holds left, got %d", snap.Held)
	}
	remaining, _ := repo.ListExpired(context.Background(), now, 100)
	if len(remaining) != 0 {
		t.Fatalf("expected nothing left to expire, got %d", len(remaining))
	}
	events := publisher.Events()
	if len(events) != 7 || events[0].Type != protocols.EventExpired {
		t.Fatalf("expected 7 expired events, got %d", len(events))
	}
}

func TestSweepOnce_IsIdempotent(t *testing.T) {
	repo := repositories.NewReservationRepositoryMemory()
	seed(t, repo, 2, now.Add(-time.Hour), time.Minute)
	s := NewSweeper(repo, gateways.NewEventPublisherMemory(), fixedClock{now}, Options{}, zerolog.Nop())

	if _, err := s.SweepOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	result, err := s.SweepOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.Expired != 0 {
		t.Fatalf("expected second pass to find nothing, got %+v", result)
	}
}

func TestSweepOnce_FailuresAreLeftForNextPass(t *testing.T) {
	memory := repositories.NewReservationRepositoryMemory()
	seed(t, memory, 3, now.Add(-time.Hour), time.Minute)
	repo := &failingRepository{Repository: memory, failIds: map[string]bool{"r-1m0s-1": true}}

	s := NewSweeper(repo, gateways.NewEventPublisherMemory(), fixedClock{now}, Options{BatchSize: 1}, zerolog.Nop())
	result, err := s.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("a single row failure must not fail the pass, got %v", err)
	}
	if result.Failed != 1 {
		t.Fatalf("expected one failure, got %+v", result)
	}

	repo.failIds = nil
	result, err = s.SweepOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	remaining, _ := memory.ListExpired(context.Background(), now, 100)
	if len(remaining) != 0 {
		t.Fatalf("expected the failed row to be expired on a later pass, %d left (%+v)", len(remaining), result)
	}
}

func TestSweepOnce_ConcurrentSweepersExpireEachHoldOnce(t *testing.T) {
	repo := repositories.NewReservationRepositoryMemory()
	seed(t, repo, 50, now.Add(-time.Hour), time.Minute)
	publisher := gateways.NewEventPublisherMemory()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s := NewSweeper(repo, publisher, fixedClock{now}, Options{BatchSize: 10}, zerolog.Nop())
			if _, err := s.SweepOnce(context.Background()); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if got := len(publisher.Events()); got != 50 {
		t.Fatalf("expected each hold to be expired exactly once, got %d events", got)
	}
}

func TestSweepOnce_ListFailure(t *testing.T) {
	repo := &listFailRepository{}
	s := NewSweeper(repo, gateways.NewEventPublisherMemory(), fixedClock{now}, Options{}, zerolog.Nop())
	if _, err := s.SweepOnce(context.Background()); err == nil {
		t.Fatalf("expected error, got nil")
	}
}

type listFailRepository struct {
	reservation.Repository
}

func (r *listFailRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*reservation.Reservation, error) {
	return nil, errors.New("db down")
}

func TestRun_StopsOnCancel(t *testing.T) {
	repo := repositories.NewReservationRepositoryMemory()
	seed(t, repo, 1, now.Add(-time.Hour), time.Minute)
	s := NewSweeper(repo, gateways.NewEventPublisherMemory(), fixedClock{now}, Options{Interval: time.Hour}, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for {
		remaining, _ := repo.ListExpired(context.Background(), now, 10)
		if len(remaining) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected the first pass to run immediately")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("sweeper did not stop")
	}
}

func TestSweepOnce_RedisSkipsPastDanglingIndexEntries(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	repo := repositories.NewReservationRepositoryRedis(client)

	for _, member := range []string{"ghost1@deadbeef", "ghost2@deadbeef", "ghost3@deadbeef"} {
		if _, err := mr.ZAdd("rsv:expiry", float64(now.Add(-2*time.Hour).UnixMilli()), member); err != nil {
			t.Fatal(err)
		}
	}
	seed(t, repo, 1, now.Add(-time.Hour), time.Minute)

	s := NewSweeper(repo, gateways.NewEventPublisherMemory(), fixedClock{now}, Options{BatchSize: 2}, zerolog.Nop())
	result, err := s.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if result.Expired != 1 {
		t.Fatalf("expected the real hold to be expired in one pass, got %+v", result)
	}
	res, err := repo.FindBySession(context.Background(), "session-r-1m0s-0", unit)
	if err != nil {
		t.Fatal(err)
	}
	if res.State != reservation.StateExpired {
		t.Fatalf("expected expired, got %s", res.State)
	}
}
