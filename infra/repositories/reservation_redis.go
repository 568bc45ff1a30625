package repositories

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/giovaniif/stock-reservations/domain/reservation"
)

const (
	redisPrefix    = "rsv:"
	redisExpiryKey = redisPrefix + "expiry"
)

// Every key of one stock unit shares a hash tag, so each script touches a
// single cluster slot.
var reserveScript = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
if v ~= tonumber(ARGV[1]) then return 0 end
if redis.call('HEXISTS', KEYS[3], ARGV[6]) == 1 then return 2 end
redis.call('HSET', KEYS[5],
  'id', ARGV[2], 'tenant', ARGV[3], 'piece', ARGV[4], 'variant', ARGV[5],
  'session', ARGV[6], 'quantity', ARGV[7], 'state', 'active', 'decremented', '0',
  'created', ARGV[8], 'expires', ARGV[9])
redis.call('HSET', KEYS[2], ARGV[2], ARGV[7] .. ':' .. ARGV[9])
redis.call('HSET', KEYS[3], ARGV[6], ARGV[2])
redis.call('HSET', KEYS[4], ARGV[6], ARGV[2])
redis.call('INCR', KEYS[1])
return 1
`)

var snapshotScript = redis.NewScript(`
local v = tonumber(redis.call('GET', KEYS[1]) or '0')
local now = tonumber(ARGV[1])
local held = 0
local entries = redis.call('HGETALL', KEYS[2])
for i = 1, #entries, 2 do
  local q, exp = string.match(entries[i + 1], '^(%d+):(%w+)$')
  if exp == 'pending' or tonumber(exp) > now then
    held = held + tonumber(q)
  end
end
return {v, held}
`)

var transitionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'state') ~= 'active' then return 0 end
local to = ARGV[1]
local at = tonumber(ARGV[2])
local expires = tonumber(redis.call('HGET', KEYS[1], 'expires'))
if to == 'committed' and expires <= at then return 0 end
if to == 'expired' and expires > at then return 0 end
local id = redis.call('HGET', KEYS[1], 'id')
redis.call('HSET', KEYS[1], 'state', to)
redis.call('HDEL', KEYS[3], redis.call('HGET', KEYS[1], 'session'))
if to == 'committed' then
  redis.call('HSET', KEYS[1], 'committed', ARGV[2])
  redis.call('HSET', KEYS[2], id, redis.call('HGET', KEYS[1], 'quantity') .. ':pending')
  redis.call('INCR', KEYS[4])
else
  redis.call('HSET', KEYS[1], 'released', ARGV[2])
  redis.call('HDEL', KEYS[2], id)
end
return 1
`)

var markDecrementedScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then return -1 end
if redis.call('HGET', KEYS[1], 'state') ~= 'committed' then return 0 end
if redis.call('HGET', KEYS[1], 'decremented') == '1' then return 1 end
redis.call('HSET', KEYS[1], 'decremented', '1')
redis.call('HDEL', KEYS[2], redis.call('HGET', KEYS[1], 'id'))
redis.call('INCR', KEYS[3])
return 1
`)

type ReservationRepositoryRedis struct {
	client redis.UniversalClient
}

func NewReservationRepositoryRedis(client redis.UniversalClient) *ReservationRepositoryRedis {
	return &ReservationRepositoryRedis{client: client}
}

type unitKeys struct {
	tag            string
	version        string
	holds          string
	activeSessions string
	sessions       string
}

func digest(s string) string {
	sum := sha1.Sum([]byte(s))
	return hex.EncodeToString(sum[:])
}

func keysFor(unit reservation.StockUnit) unitKeys {
	tag := digest(unit.Key())
	base := redisPrefix + "{" + tag + "}:"
	return unitKeys{
		tag:            tag,
		version:        base + "version",
		holds:          base + "holds",
		activeSessions: base + "active-sessions",
		sessions:       base + "sessions",
	}
}

func recordKey(tag, id string) string {
	return redisPrefix + "{" + tag + "}:r:" + id
}

func sessionIndexKey(tenantId, sessionId string) string {
	return redisPrefix + "session:" + digest(tenantId+"\x00"+sessionId)
}

func indexMember(tag, id string) string {
	return id + "@" + tag
}

func splitMember(member string) (id, tag string, ok bool) {
	i := strings.LastIndex(member, "@")
	if i < 0 {
		return "", "", false
	}
	return member[:i], member[i+1:], true
}

func (s *ReservationRepositoryRedis) Snapshot(ctx context.Context, unit reservation.StockUnit, now time.Time) (reservation.UnitSnapshot, error) {
	k := keysFor(unit)
	vals, err := snapshotScript.Run(ctx, s.client, []string{k.version, k.holds}, now.UnixMilli()).Int64Slice()
	if err != nil {
		return reservation.UnitSnapshot{}, fmt.Errorf("snapshot %s: %w", unit, err)
	}
	if len(vals) != 2 {
		return reservation.UnitSnapshot{}, fmt.Errorf("snapshot %s: unexpected reply %v", unit, vals)
	}
	return reservation.UnitSnapshot{Version: vals[0], Held: vals[1]}, nil
}

func (s *ReservationRepositoryRedis) InsertIfUnchanged(ctx context.Context, r *reservation.Reservation, expectedVersion int64) error {
	k := keysFor(r.Unit)
	member := indexMember(k.tag, r.Id)

	// Index first: a dangling index entry is skipped on read, a missing one
	// would hide the reservation from the sweeper.
	pipe := s.client.Pipeline()
	pipe.ZAdd(ctx, redisExpiryKey, redis.Z{Score: float64(r.ExpiresAt.UnixMilli()), Member: member})
	pipe.SAdd(ctx, sessionIndexKey(r.Unit.TenantId, r.SessionId), member)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index reservation: %w", err)
	}

	code, err := reserveScript.Run(ctx, s.client,
		[]string{k.version, k.holds, k.activeSessions, k.sessions, recordKey(k.tag, r.Id)},
		expectedVersion, r.Id, r.Unit.TenantId, r.Unit.PieceId, r.Unit.VariantId, r.SessionId,
		r.Quantity, r.CreatedAt.UnixMilli(), r.ExpiresAt.UnixMilli(),
	).Int()
	if err == nil && code == 1 {
		return nil
	}
	s.unindex(ctx, r, member)
	if err != nil {
		return fmt.Errorf("insert reservation: %w", err)
	}
	if code == 2 {
		return reservation.ErrActiveReservationExists
	}
	return reservation.ErrVersionConflict
}

func (s *ReservationRepositoryRedis) unindex(ctx context.Context, r *reservation.Reservation, member string) {
	pipe := s.client.Pipeline()
	pipe.ZRem(ctx, redisExpiryKey, member)
	pipe.SRem(ctx, sessionIndexKey(r.Unit.TenantId, r.SessionId), member)
	_, _ = pipe.Exec(ctx)
}

func (s *ReservationRepositoryRedis) load(ctx context.Context, tag, id string) (*reservation.Reservation, error) {
	fields, err := s.client.HGetAll(ctx, recordKey(tag, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("load reservation %s: %w", id, err)
	}
	if len(fields) == 0 {
		return nil, reservation.ErrNotFound
	}
	return decodeRecord(fields)
}

func decodeRecord(f map[string]string) (*reservation.Reservation, error) {
	quantity, err := strconv.ParseInt(f["quantity"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("decode quantity: %w", err)
	}
	r := &reservation.Reservation{
		Id:               f["id"],
		Unit:             reservation.StockUnit{TenantId: f["tenant"], PieceId: f["piece"], VariantId: f["variant"]},
		SessionId:        f["session"],
		Quantity:         quantity,
		State:            reservation.State(f["state"]),
		StockDecremented: f["decremented"] == "1",
	}
	if !r.State.Valid() {
		return nil, fmt.Errorf("decode reservation %s: unknown state %q", r.Id, f["state"])
	}
	if r.CreatedAt, err = millis(f["created"]); err != nil {
		return nil, err
	}
	if r.ExpiresAt, err = millis(f["expires"]); err != nil {
		return nil, err
	}
	if v, ok := f["committed"]; ok {
		t, err := millis(v)
		if err != nil {
			return nil, err
		}
		r.CommittedAt = &t
	}
	if v, ok := f["released"]; ok {
		t, err := millis(v)
		if err != nil {
			return nil, err
		}
		r.ReleasedAt = &t
	}
	return r, nil
}

func millis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("decode timestamp %q: %w", v, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

func (s *ReservationRepositoryRedis) FindBySession(ctx context.Context, sessionId string, unit reservation.StockUnit) (*reservation.Reservation, error) {
	k := keysFor(unit)
	id, err := s.client.HGet(ctx, k.sessions, sessionId).Result()
	if errors.Is(err, redis.Nil) {
		return nil, reservation.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find reservation: %w", err)
	}
	return s.load(ctx, k.tag, id)
}

func (s *ReservationRepositoryRedis) ListBySession(ctx context.Context, tenantId, sessionId string) ([]*reservation.Reservation, error) {
	members, err := s.client.SMembers(ctx, sessionIndexKey(tenantId, sessionId)).Result()
	if err != nil {
		return nil, fmt.Errorf("list session reservations: %w", err)
	}
	out, _, err := s.loadMembers(ctx, members)
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// loadMembers returns the records behind index members, plus the members
// whose record is missing or unparseable.
func (s *ReservationRepositoryRedis) loadMembers(ctx context.Context, members []string) ([]*reservation.Reservation, []string, error) {
	out := make([]*reservation.Reservation, 0, len(members))
	var dangling []string
	for _, m := range members {
		id, tag, ok := splitMember(m)
		if !ok {
			dangling = append(dangling, m)
			continue
		}
		r, err := s.load(ctx, tag, id)
		if errors.Is(err, reservation.ErrNotFound) {
			dangling = append(dangling, m)
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		out = append(out, r)
	}
	return out, dangling, nil
}

// ListExpired prunes index entries that no longer point at an active record
// and keeps reading until it has limit due holds or the due range is drained.
// An insert indexes with its future deadline, so a due entry without a record
// is never one still being written.
func (s *ReservationRepositoryRedis) ListExpired(ctx context.Context, now time.Time, limit int) ([]*reservation.Reservation, error) {
	var out []*reservation.Reservation
	for {
		members, err := s.client.ZRangeByScore(ctx, redisExpiryKey, &redis.ZRangeBy{
			Min:   "-inf",
			Max:   strconv.FormatInt(now.UnixMilli(), 10),
			Count: int64(limit),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("list expired reservations: %w", err)
		}
		loaded, stale, err := s.loadMembers(ctx, members)
		if err != nil {
			return nil, err
		}
		out = out[:0]
		for _, r := range loaded {
			if r.State == reservation.StateActive {
				out = append(out, r)
			} else {
				stale = append(stale, indexMember(keysFor(r.Unit).tag, r.Id))
			}
		}
		if len(stale) == 0 {
			return out, nil
		}
		if err := s.client.ZRem(ctx, redisExpiryKey, toAny(stale)...).Err(); err != nil {
			return nil, fmt.Errorf("prune expiry index: %w", err)
		}
		if len(members) < limit || len(out) >= limit {
			return out, nil
		}
	}
}

func toAny(members []string) []any {
	out := make([]any, len(members))
	for i, m := range members {
		out[i] = m
	}
	return out
}

func (s *ReservationRepositoryRedis) Transition(ctx context.Context, r *reservation.Reservation, to reservation.State, at time.Time) (bool, error) {
	if !to.IsTerminal() {
		return false, nil
	}
	k := keysFor(r.Unit)
	code, err := transitionScript.Run(ctx, s.client,
		[]string{recordKey(k.tag, r.Id), k.holds, k.activeSessions, k.version},
		string(to), at.UnixMilli(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("transition to %s: %w", to, err)
	}
	switch code {
	case -1:
		return false, reservation.ErrNotFound
	case 0:
		return false, nil
	}
	_ = s.client.ZRem(ctx, redisExpiryKey, indexMember(k.tag, r.Id)).Err()
	r.Apply(to, time.UnixMilli(at.UnixMilli()).UTC())
	return true, nil
}

func (s *ReservationRepositoryRedis) MarkDecremented(ctx context.Context, r *reservation.Reservation) error {
	k := keysFor(r.Unit)
	code, err := markDecrementedScript.Run(ctx, s.client,
		[]string{recordKey(k.tag, r.Id), k.holds, k.version},
	).Int()
	if err != nil {
		return fmt.Errorf("mark decremented: %w", err)
	}
	switch code {
	case -1:
		return reservation.ErrNotFound
	case 0:
		state, _ := s.client.HGet(ctx, recordKey(k.tag, r.Id), "state").Result()
		return &reservation.ConflictError{ReservationId: r.Id, Current: reservation.State(state), Requested: reservation.StateCommitted}
	}
	r.StockDecremented = true
	return nil
}
