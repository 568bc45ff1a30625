package repositories

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/giovaniif/stock-reservations/domain/reservation"
)

// ReservationRepositoryMemory keeps one ledger per stock unit, each guarded by
// its own mutex. The registry lock is only held to look ledgers up.
type ReservationRepositoryMemory struct {
	mutex    sync.RWMutex
	ledgers  map[string]*unitLedger
	sessions map[string][]sessionRef
}

type unitLedger struct {
	mutex        sync.Mutex
	version      int64
	reservations []reservation.Reservation
}

type sessionRef struct {
	unitKey string
	id      string
}

func NewReservationRepositoryMemory() *ReservationRepositoryMemory {
	return &ReservationRepositoryMemory{
		ledgers:  make(map[string]*unitLedger),
		sessions: make(map[string][]sessionRef),
	}
}

func sessionKey(tenantId, sessionId string) string {
	return tenantId + "\x00" + sessionId
}

func (r *ReservationRepositoryMemory) ledger(unit reservation.StockUnit, create bool) *unitLedger {
	key := unit.Key()
	r.mutex.RLock()
	l, ok := r.ledgers[key]
	r.mutex.RUnlock()
	if ok || !create {
		return l
	}
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if l, ok = r.ledgers[key]; !ok {
		l = &unitLedger{}
		r.ledgers[key] = l
	}
	return l
}

func (l *unitLedger) find(id string) *reservation.Reservation {
	for i := range l.reservations {
		if l.reservations[i].Id == id {
			return &l.reservations[i]
		}
	}
	return nil
}

func clone(r *reservation.Reservation) *reservation.Reservation {
	c := *r
	if r.CommittedAt != nil {
		t := *r.CommittedAt
		c.CommittedAt = &t
	}
	if r.ReleasedAt != nil {
		t := *r.ReleasedAt
		c.ReleasedAt = &t
	}
	return &c
}

func (r *ReservationRepositoryMemory) Snapshot(ctx context.Context, unit reservation.StockUnit, now time.Time) (reservation.UnitSnapshot, error) {
	l := r.ledger(unit, false)
	if l == nil {
		return reservation.UnitSnapshot{}, nil
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()
	var held int64
	for i := range l.reservations {
		if l.reservations[i].Holds(now) {
			held += l.reservations[i].Quantity
		}
	}
	return reservation.UnitSnapshot{Held: held, Version: l.version}, nil
}

func (r *ReservationRepositoryMemory) InsertIfUnchanged(ctx context.Context, res *reservation.Reservation, expectedVersion int64) error {
	l := r.ledger(res.Unit, true)
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.version != expectedVersion {
		return reservation.ErrVersionConflict
	}
	for i := range l.reservations {
		existing := &l.reservations[i]
		if existing.SessionId == res.SessionId && existing.State == reservation.StateActive {
			return reservation.ErrActiveReservationExists
		}
	}
	l.reservations = append(l.reservations, *clone(res))
	l.version++

	r.mutex.Lock()
	k := sessionKey(res.Unit.TenantId, res.SessionId)
	r.sessions[k] = append(r.sessions[k], sessionRef{unitKey: res.Unit.Key(), id: res.Id})
	r.mutex.Unlock()
	return nil
}

func (r *ReservationRepositoryMemory) FindBySession(ctx context.Context, sessionId string, unit reservation.StockUnit) (*reservation.Reservation, error) {
	l := r.ledger(unit, false)
	if l == nil {
		return nil, reservation.ErrNotFound
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()
	for i := len(l.reservations) - 1; i >= 0; i-- {
		if l.reservations[i].SessionId == sessionId {
			return clone(&l.reservations[i]), nil
		}
	}
	return nil, reservation.ErrNotFound
}

func (r *ReservationRepositoryMemory) ListBySession(ctx context.Context, tenantId, sessionId string) ([]*reservation.Reservation, error) {
	r.mutex.RLock()
	refs := append([]sessionRef(nil), r.sessions[sessionKey(tenantId, sessionId)]...)
	ledgers := make([]*unitLedger, len(refs))
	for i, ref := range refs {
		ledgers[i] = r.ledgers[ref.unitKey]
	}
	r.mutex.RUnlock()

	out := make([]*reservation.Reservation, 0, len(refs))
	for i, ref := range refs {
		l := ledgers[i]
		l.mutex.Lock()
		if found := l.find(ref.id); found != nil {
			out = append(out, clone(found))
		}
		l.mutex.Unlock()
	}
	return out, nil
}

func (r *ReservationRepositoryMemory) Transition(ctx context.Context, res *reservation.Reservation, to reservation.State, at time.Time) (bool, error) {
	l := r.ledger(res.Unit, false)
	if l == nil {
		return false, reservation.ErrNotFound
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()
	stored := l.find(res.Id)
	if stored == nil {
		return false, reservation.ErrNotFound
	}
	if !reservation.CanTransition(stored.State, to) {
		return false, nil
	}
	switch to {
	case reservation.StateCommitted:
		if !stored.ExpiresAt.After(at) {
			return false, nil
		}
		l.version++
	case reservation.StateExpired:
		if stored.ExpiresAt.After(at) {
			return false, nil
		}
	}
	stored.Apply(to, at)
	res.Apply(to, at)
	return true, nil
}

func (r *ReservationRepositoryMemory) MarkDecremented(ctx context.Context, res *reservation.Reservation) error {
	l := r.ledger(res.Unit, false)
	if l == nil {
		return reservation.ErrNotFound
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()
	stored := l.find(res.Id)
	if stored == nil {
		return reservation.ErrNotFound
	}
	if stored.State != reservation.StateCommitted {
		return &reservation.ConflictError{ReservationId: stored.Id, Current: stored.State, Requested: reservation.StateCommitted}
	}
	if !stored.StockDecremented {
		stored.StockDecremented = true
		l.version++
	}
	res.StockDecremented = true
	return nil
}

func (r *ReservationRepositoryMemory) ListExpired(ctx context.Context, now time.Time, limit int) ([]*reservation.Reservation, error) {
	r.mutex.RLock()
	ledgers := make([]*unitLedger, 0, len(r.ledgers))
	for _, l := range r.ledgers {
		ledgers = append(ledgers, l)
	}
	r.mutex.RUnlock()

	var out []*reservation.Reservation
	for _, l := range ledgers {
		l.mutex.Lock()
		for i := range l.reservations {
			res := &l.reservations[i]
			if res.State == reservation.StateActive && !res.ExpiresAt.After(now) {
				out = append(out, clone(res))
			}
		}
		l.mutex.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
