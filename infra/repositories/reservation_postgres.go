package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/giovaniif/stock-reservations/domain/reservation"
)

const uniqueViolation = "23505"

const reservationColumns = `id, tenant_id, piece_id, variant_id, session_id, quantity, state,
	stock_decremented, created_at, expires_at, committed_at, released_at`

// ReservationRepositoryPostgres stores the ledger in Postgres. The optimistic
// check is a compare-and-bump on reservation_units.version; the one active
// reservation per session rule is a partial unique index.
type ReservationRepositoryPostgres struct {
	db *sql.DB
}

func NewReservationRepositoryPostgres(db *sql.DB) *ReservationRepositoryPostgres {
	return &ReservationRepositoryPostgres{db: db}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanReservation(row rowScanner) (*reservation.Reservation, error) {
	var (
		r           reservation.Reservation
		state       string
		committedAt sql.NullTime
		releasedAt  sql.NullTime
	)
	err := row.Scan(&r.Id, &r.Unit.TenantId, &r.Unit.PieceId, &r.Unit.VariantId, &r.SessionId,
		&r.Quantity, &state, &r.StockDecremented, &r.CreatedAt, &r.ExpiresAt, &committedAt, &releasedAt)
	if err != nil {
		return nil, err
	}
	r.State = reservation.State(state)
	if !r.State.Valid() {
		return nil, fmt.Errorf("scan reservation %s: unknown state %q", r.Id, state)
	}
	if committedAt.Valid {
		t := committedAt.Time
		r.CommittedAt = &t
	}
	if releasedAt.Valid {
		t := releasedAt.Time
		r.ReleasedAt = &t
	}
	return &r, nil
}

func (p *ReservationRepositoryPostgres) Snapshot(ctx context.Context, unit reservation.StockUnit, now time.Time) (reservation.UnitSnapshot, error) {
	var snap reservation.UnitSnapshot
	err := p.db.QueryRowContext(ctx, `
		SELECT
			COALESCE((SELECT version FROM reservation_units
				WHERE tenant_id = $1 AND piece_id = $2 AND variant_id = $3), 0),
			COALESCE((SELECT SUM(quantity) FROM reservations
				WHERE tenant_id = $1 AND piece_id = $2 AND variant_id = $3
				AND ((state = 'active' AND expires_at > $4) OR (state = 'committed' AND NOT stock_decremented))), 0)`,
		unit.TenantId, unit.PieceId, unit.VariantId, now,
	).Scan(&snap.Version, &snap.Held)
	if err != nil {
		return reservation.UnitSnapshot{}, fmt.Errorf("snapshot %s: %w", unit, err)
	}
	return snap, nil
}

func (p *ReservationRepositoryPostgres) InsertIfUnchanged(ctx context.Context, r *reservation.Reservation, expectedVersion int64) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = bumpVersion(ctx, tx, r.Unit, &expectedVersion); err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO reservations (id, tenant_id, piece_id, variant_id, session_id, quantity, state,
			stock_decremented, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8, $9)`,
		r.Id, r.Unit.TenantId, r.Unit.PieceId, r.Unit.VariantId, r.SessionId, r.Quantity,
		string(r.State), r.CreatedAt, r.ExpiresAt,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			err = reservation.ErrActiveReservationExists
			return err
		}
		return fmt.Errorf("insert reservation: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// bumpVersion increments the unit version. With a non-nil expected version the
// bump only happens when the stored version still matches.
func bumpVersion(ctx context.Context, tx *sql.Tx, unit reservation.StockUnit, expected *int64) error {
	var (
		res sql.Result
		err error
	)
	switch {
	case expected == nil:
		res, err = tx.ExecContext(ctx, `
			INSERT INTO reservation_units (tenant_id, piece_id, variant_id, version) VALUES ($1, $2, $3, 1)
			ON CONFLICT (tenant_id, piece_id, variant_id) DO UPDATE SET version = reservation_units.version + 1`,
			unit.TenantId, unit.PieceId, unit.VariantId)
	case *expected == 0:
		res, err = tx.ExecContext(ctx, `
			INSERT INTO reservation_units (tenant_id, piece_id, variant_id, version) VALUES ($1, $2, $3, 1)
			ON CONFLICT (tenant_id, piece_id, variant_id) DO NOTHING`,
			unit.TenantId, unit.PieceId, unit.VariantId)
	default:
		res, err = tx.ExecContext(ctx, `
			UPDATE reservation_units SET version = version + 1
			WHERE tenant_id = $1 AND piece_id = $2 AND variant_id = $3 AND version = $4`,
			unit.TenantId, unit.PieceId, unit.VariantId, *expected)
	}
	if err != nil {
		return fmt.Errorf("bump version: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("bump version: %w", err)
	}
	if n == 0 {
		return reservation.ErrVersionConflict
	}
	return nil
}

func (p *ReservationRepositoryPostgres) FindBySession(ctx context.Context, sessionId string, unit reservation.StockUnit) (*reservation.Reservation, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+reservationColumns+` FROM reservations
		WHERE tenant_id = $1 AND piece_id = $2 AND variant_id = $3 AND session_id = $4
		ORDER BY created_at DESC, (state = 'active') DESC
		LIMIT 1`,
		unit.TenantId, unit.PieceId, unit.VariantId, sessionId)
	r, err := scanReservation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, reservation.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find reservation: %w", err)
	}
	return r, nil
}

func (p *ReservationRepositoryPostgres) ListBySession(ctx context.Context, tenantId, sessionId string) ([]*reservation.Reservation, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+reservationColumns+` FROM reservations
		WHERE tenant_id = $1 AND session_id = $2
		ORDER BY created_at, id`,
		tenantId, sessionId)
	if err != nil {
		return nil, fmt.Errorf("list session reservations: %w", err)
	}
	return collect(rows)
}

func (p *ReservationRepositoryPostgres) ListExpired(ctx context.Context, now time.Time, limit int) ([]*reservation.Reservation, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+reservationColumns+` FROM reservations
		WHERE state = 'active' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2`,
		now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired reservations: %w", err)
	}
	return collect(rows)
}

func collect(rows *sql.Rows) ([]*reservation.Reservation, error) {
	defer rows.Close()
	var out []*reservation.Reservation
	for rows.Next() {
		r, err := scanReservation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *ReservationRepositoryPostgres) Transition(ctx context.Context, r *reservation.Reservation, to reservation.State, at time.Time) (ok bool, err error) {
	var query string
	switch to {
	case reservation.StateCommitted:
		query = `UPDATE reservations SET state = 'committed', committed_at = $3
			WHERE id = $1 AND tenant_id = $2 AND state = 'active' AND expires_at > $3`
	case reservation.StateReleased:
		query = `UPDATE reservations SET state = 'released', released_at = $3
			WHERE id = $1 AND tenant_id = $2 AND state = 'active'`
	case reservation.StateExpired:
		query = `UPDATE reservations SET state = 'expired', released_at = $3
			WHERE id = $1 AND tenant_id = $2 AND state = 'active' AND expires_at <= $3`
	default:
		return false, nil
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil || !ok {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx, query, r.Id, r.Unit.TenantId, at)
	if err != nil {
		return false, fmt.Errorf("transition to %s: %w", to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition to %s: %w", to, err)
	}
	if n == 0 {
		var exists bool
		if err = tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM reservations WHERE id = $1 AND tenant_id = $2)`,
			r.Id, r.Unit.TenantId).Scan(&exists); err != nil {
			return false, fmt.Errorf("transition to %s: %w", to, err)
		}
		if !exists {
			err = reservation.ErrNotFound
			return false, err
		}
		return false, nil
	}
	if to == reservation.StateCommitted {
		if err = bumpVersion(ctx, tx, r.Unit, nil); err != nil {
			return false, err
		}
	}
	if err = tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	r.Apply(to, at)
	return true, nil
}

func (p *ReservationRepositoryPostgres) MarkDecremented(ctx context.Context, r *reservation.Reservation) (err error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var (
		state       string
		decremented bool
	)
	err = tx.QueryRowContext(ctx, `SELECT state, stock_decremented FROM reservations
		WHERE id = $1 AND tenant_id = $2 FOR UPDATE`, r.Id, r.Unit.TenantId).Scan(&state, &decremented)
	if errors.Is(err, sql.ErrNoRows) {
		err = reservation.ErrNotFound
		return err
	}
	if err != nil {
		return fmt.Errorf("mark decremented: %w", err)
	}
	if reservation.State(state) != reservation.StateCommitted {
		err = &reservation.ConflictError{ReservationId: r.Id, Current: reservation.State(state), Requested: reservation.StateCommitted}
		return err
	}
	if !decremented {
		if _, err = tx.ExecContext(ctx, `UPDATE reservations SET stock_decremented = TRUE WHERE id = $1`, r.Id); err != nil {
			return fmt.Errorf("mark decremented: %w", err)
		}
		if err = bumpVersion(ctx, tx, r.Unit, nil); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	r.StockDecremented = true
	return nil
}
