package repositories

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giovaniif/stock-reservations/domain/reservation"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newReservation(id, session string, unit reservation.StockUnit, qty int64, ttl time.Duration) *reservation.Reservation {
	return reservation.New(id, unit, session, qty, baseTime, ttl)
}

// runRepositoryContract exercises the behaviour every ledger implementation
// shares. newRepo must return an empty repository.
func runRepositoryContract(t *testing.T, newRepo func(t *testing.T) reservation.Repository) {
	ctx := context.Background()
	unit := reservation.StockUnit{TenantId: "t1", PieceId: "p1", VariantId: "v1"}

	t.Run("empty snapshot", func(t *testing.T) {
		repo := newRepo(t)
		snap, err := repo.Snapshot(ctx, unit, baseTime)
		require.NoError(t, err)
		assert.Equal(t, int64(0), snap.Held)
		assert.Equal(t, int64(0), snap.Version)
	})

	t.Run("insert bumps version and counts held", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.InsertIfUnchanged(ctx, newReservation("r1", "s1", unit, 3, time.Minute), 0))

		snap, err := repo.Snapshot(ctx, unit, baseTime)
		require.NoError(t, err)
		assert.Equal(t, int64(3), snap.Held)
		assert.Equal(t, int64(1), snap.Version)

		require.NoError(t, repo.InsertIfUnchanged(ctx, newReservation("r2", "s2", unit, 2, time.Minute), snap.Version))
		snap, err = repo.Snapshot(ctx, unit, baseTime)
		require.NoError(t, err)
		assert.Equal(t, int64(5), snap.Held)
		assert.Equal(t, int64(2), snap.Version)
	})

	t.Run("stale version is rejected", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.InsertIfUnchanged(ctx, newReservation("r1", "s1", unit, 1, time.Minute), 0))

		err := repo.InsertIfUnchanged(ctx, newReservation("r2", "s2", unit, 1, time.Minute), 0)
		assert.ErrorIs(t, err, reservation.ErrVersionConflict)

		snap, err := repo.Snapshot(ctx, unit, baseTime)
		require.NoError(t, err)
		assert.Equal(t, int64(1), snap.Held)
	})

	t.Run("one active reservation per session", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.InsertIfUnchanged(ctx, newReservation("r1", "s1", unit, 1, time.Minute), 0))
		err := repo.InsertIfUnchanged(ctx, newReservation("r2", "s1", unit, 1, time.Minute), 1)
		assert.ErrorIs(t, err, reservation.ErrActiveReservationExists)
	})

	t.Run("expired holds stop counting", func(t *testing.T) {
		repo := newRepo(t)
		require.NoError(t, repo.InsertIfUnchanged(ctx, newReservation("r1", "s1", unit, 4, time.Minute), 0))

		snap, err := repo.Snapshot(ctx, unit, baseTime.Add(time.Minute))
		require.NoError(t, err)
		assert.Equal(t, int64(0), snap.Held)
	})

	t.Run("find by session returns latest", func(t *testing.T) {
		repo := newRepo(t)
		_, err := repo.FindBySession(ctx, "s1", unit)
		assert.ErrorIs(t, err, reservation.ErrNotFound)

		first := newReservation("r1", "s1", unit, 1, time.Minute)
		require.NoError(t, repo.InsertIfUnchanged(ctx, first, 0))
		ok, err := repo.Transition(ctx, first, reservation.StateReleased, baseTime.Add(time.Second))
		require.NoError(t, err)
		require.True(t, ok)

		second := reservation.New("r2", unit, "s1", 2, baseTime.Add(2*time.Second), time.Minute)
		require.NoError(t, repo.InsertIfUnchanged(ctx, second, 1))

		found, err := repo.FindBySession(ctx, "s1", unit)
		require.NoError(t, err)
		assert.Equal(t, "r2", found.Id)
		assert.Equal(t, reservation.StateActive, found.State)
		assert.Equal(t, int64(2), found.Quantity)
	})

	t.Run("commit keeps hold until decremented", func(t *testing.T) {
		repo := newRepo(t)
		r := newReservation("r1", "s1", unit, 3, time.Minute)
		require.NoError(t, repo.InsertIfUnchanged(ctx, r, 0))

		ok, err := repo.Transition(ctx, r, reservation.StateCommitted, baseTime.Add(time.Second))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, reservation.StateCommitted, r.State)
		require.NotNil(t, r.CommittedAt)

		snap, err := repo.Snapshot(ctx, unit, baseTime.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(3), snap.Held)
		assert.Equal(t, int64(2), snap.Version)

		require.NoError(t, repo.MarkDecremented(ctx, r))
		assert.True(t, r.StockDecremented)
		require.NoError(t, repo.MarkDecremented(ctx, r))

		snap, err = repo.Snapshot(ctx, unit, baseTime.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(0), snap.Held)
		assert.Equal(t, int64(3), snap.Version)

		found, err := repo.FindBySession(ctx, "s1", unit)
		require.NoError(t, err)
		assert.True(t, found.StockDecremented)
	})

	t.Run("commit after expiry is refused", func(t *testing.T) {
		repo := newRepo(t)
		r := newReservation("r1", "s1", unit, 1, time.Minute)
		require.NoError(t, repo.InsertIfUnchanged(ctx, r, 0))

		ok, err := repo.Transition(ctx, r, reservation.StateCommitted, baseTime.Add(time.Minute))
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, reservation.StateActive, r.State)
	})

	t.Run("expire before deadline is refused", func(t *testing.T) {
		repo := newRepo(t)
		r := newReservation("r1", "s1", unit, 1, time.Minute)
		require.NoError(t, repo.InsertIfUnchanged(ctx, r, 0))

		ok, err := repo.Transition(ctx, r, reservation.StateExpired, baseTime.Add(30*time.Second))
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = repo.Transition(ctx, r, reservation.StateExpired, baseTime.Add(time.Minute))
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, reservation.StateExpired, r.State)
	})

	t.Run("terminal states are final", func(t *testing.T) {
		repo := newRepo(t)
		r := newReservation("r1", "s1", unit, 1, time.Minute)
		require.NoError(t, repo.InsertIfUnchanged(ctx, r, 0))
		ok, err := repo.Transition(ctx, r, reservation.StateReleased, baseTime)
		require.NoError(t, err)
		require.True(t, ok)

		for _, to := range []reservation.State{reservation.StateCommitted, reservation.StateExpired, reservation.StateReleased} {
			ok, err := repo.Transition(ctx, r, to, baseTime.Add(2*time.Minute))
			require.NoError(t, err)
			assert.False(t, ok, "transition to %s", to)
		}

		err = repo.MarkDecremented(ctx, r)
		assert.ErrorIs(t, err, reservation.ErrConflictingTerminalState)
	})

	t.Run("unknown reservation", func(t *testing.T) {
		repo := newRepo(t)
		ghost := newReservation("ghost", "s1", unit, 1, time.Minute)
		_, err := repo.Transition(ctx, ghost, reservation.StateReleased, baseTime)
		assert.ErrorIs(t, err, reservation.ErrNotFound)
		assert.ErrorIs(t, repo.MarkDecremented(ctx, ghost), reservation.ErrNotFound)
	})

	t.Run("list by session is tenant scoped", func(t *testing.T) {
		repo := newRepo(t)
		other := reservation.StockUnit{TenantId: "t1", PieceId: "p2"}
		foreign := reservation.StockUnit{TenantId: "t2", PieceId: "p1", VariantId: "v1"}
		require.NoError(t, repo.InsertIfUnchanged(ctx, newReservation("r1", "s1", unit, 1, time.Minute), 0))
		require.NoError(t, repo.InsertIfUnchanged(ctx, reservation.New("r2", other, "s1", 2, baseTime.Add(time.Second), time.Minute), 0))
		require.NoError(t, repo.InsertIfUnchanged(ctx, newReservation("r3", "s1", foreign, 5, time.Minute), 0))

		list, err := repo.ListBySession(ctx, "t1", "s1")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "r1", list[0].Id)
		assert.Equal(t, "r2", list[1].Id)

		snap, err := repo.Snapshot(ctx, foreign, baseTime)
		require.NoError(t, err)
		assert.Equal(t, int64(5), snap.Held)
		snap, err = repo.Snapshot(ctx, unit, baseTime)
		require.NoError(t, err)
		assert.Equal(t, int64(1), snap.Held)
	})

	t.Run("list expired", func(t *testing.T) {
		repo := newRepo(t)
		short := newReservation("short", "s1", unit, 1, time.Minute)
		long := newReservation("long", "s2", unit, 1, time.Hour)
		released := newReservation("gone", "s3", unit, 1, time.Minute)
		require.NoError(t, repo.InsertIfUnchanged(ctx, short, 0))
		require.NoError(t, repo.InsertIfUnchanged(ctx, long, 1))
		require.NoError(t, repo.InsertIfUnchanged(ctx, released, 2))
		_, err := repo.Transition(ctx, released, reservation.StateReleased, baseTime)
		require.NoError(t, err)

		expired, err := repo.ListExpired(ctx, baseTime.Add(2*time.Minute), 10)
		require.NoError(t, err)
		require.Len(t, expired, 1)
		assert.Equal(t, "short", expired[0].Id)

		expired, err = repo.ListExpired(ctx, baseTime.Add(2*time.Hour), 1)
		require.NoError(t, err)
		assert.Len(t, expired, 1)
	})

	t.Run("concurrent reservations never exceed stock", func(t *testing.T) {
		repo := newRepo(t)
		const (
			onHand   = 5
			sessions = 10
		)
		var (
			wg      sync.WaitGroup
			granted atomic.Int64
		)
		for i := 0; i < sessions; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				for attempt := 0; attempt < 50; attempt++ {
					snap, err := repo.Snapshot(ctx, unit, baseTime)
					if err != nil {
						t.Error(err)
						return
					}
					if onHand-snap.Held < 1 {
						return
					}
					r := newReservation(fmt.Sprintf("r%d", i), fmt.Sprintf("s%d", i), unit, 1, time.Minute)
					err = repo.InsertIfUnchanged(ctx, r, snap.Version)
					if errors.Is(err, reservation.ErrVersionConflict) {
						continue
					}
					if err != nil {
						t.Error(err)
						return
					}
					granted.Add(1)
					return
				}
			}(i)
		}
		wg.Wait()

		snap, err := repo.Snapshot(ctx, unit, baseTime)
		require.NoError(t, err)
		assert.LessOrEqual(t, snap.Held, int64(onHand))
		assert.Equal(t, granted.Load(), snap.Held)
	})
}
