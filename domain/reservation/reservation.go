package reservation

import "time"

const DefaultTTL = 30 * time.Minute

type State string

const (
	StateActive    State = "active"
	StateCommitted State = "committed"
	StateReleased  State = "released"
	StateExpired   State = "expired"
)

func (s State) IsTerminal() bool {
	return s == StateCommitted || s == StateReleased || s == StateExpired
}

func (s State) Valid() bool {
	return s == StateActive || s.IsTerminal()
}

// CanTransition reports whether a reservation may move from one state to
// another. Only active reservations move, and only to a terminal state.
func CanTransition(from, to State) bool {
	return from == StateActive && to.IsTerminal()
}

type Reservation struct {
	Id          string
	Unit        StockUnit
	Quantity    int64
	SessionId   string
	State       State
	CreatedAt   time.Time
	ExpiresAt   time.Time
	CommittedAt *time.Time
	ReleasedAt  *time.Time
	// StockDecremented is set once the catalog confirmed the on-hand
	// decrement for a committed reservation.
	StockDecremented bool
}

func New(id string, unit StockUnit, sessionId string, quantity int64, now time.Time, ttl time.Duration) *Reservation {
	return &Reservation{
		Id:        id,
		Unit:      unit,
		Quantity:  quantity,
		SessionId: sessionId,
		State:     StateActive,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
	}
}

// IsLiveAt reports whether the reservation is an active hold at now.
func (r *Reservation) IsLiveAt(now time.Time) bool {
	return r.State == StateActive && r.ExpiresAt.After(now)
}

// Holds reports whether the reservation still narrows available stock at now.
// A committed reservation keeps holding until its decrement is confirmed.
func (r *Reservation) Holds(now time.Time) bool {
	if r.IsLiveAt(now) {
		return true
	}
	return r.State == StateCommitted && !r.StockDecremented
}

// Apply stamps the terminal state on r. Callers check CanTransition first.
func (r *Reservation) Apply(to State, at time.Time) {
	r.State = to
	switch to {
	case StateCommitted:
		r.CommittedAt = &at
	case StateReleased, StateExpired:
		r.ReleasedAt = &at
	}
}

// UnitSnapshot is the read side of the optimistic reserve: the quantity held
// against a unit and the version the next insert must match.
type UnitSnapshot struct {
	Held    int64
	Version int64
}
