package checkout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/giovaniif/stock-reservations/domain/reservation"
	"github.com/giovaniif/stock-reservations/infra/tracing"
	"github.com/giovaniif/stock-reservations/protocols"
	"github.com/giovaniif/stock-reservations/use_cases/commit"
	"github.com/giovaniif/stock-reservations/use_cases/release"
	"github.com/giovaniif/stock-reservations/use_cases/reserve"
)

var (
	ErrNoLines                  = errors.New("checkout has no lines")
	ErrMissingIdempotencyKey    = errors.New("idempotency key is required")
	ErrNoReservationsForSession = errors.New("session holds no reservations")
)

type Reserver interface {
	Reserve(ctx context.Context, input reserve.Input) (*reservation.Reservation, error)
}

type Committer interface {
	Commit(ctx context.Context, input commit.Input) (commit.Output, error)
}

type Releaser interface {
	Release(ctx context.Context, input release.Input) (release.Output, error)
}

// Checkout is the contract the checkout flow drives: reserve when the cart
// enters checkout, commit on payment success, release on failure or
// abandonment. Reservations are always addressed by session and stock unit.
type Checkout struct {
	reserver    Reserver
	committer   Committer
	releaser    Releaser
	repository  reservation.Repository
	idempotency protocols.IdempotencyGateway
	clock       protocols.Clock
}

func NewCheckout(reserver Reserver, committer Committer, releaser Releaser, repository reservation.Repository, idempotency protocols.IdempotencyGateway, clock protocols.Clock) *Checkout {
	return &Checkout{
		reserver:    reserver,
		committer:   committer,
		releaser:    releaser,
		repository:  repository,
		idempotency: idempotency,
		clock:       clock,
	}
}

type Line struct {
	PieceId   string `json:"pieceId"`
	VariantId string `json:"variantId,omitempty"`
	Quantity  int64  `json:"quantity"`
}

type BeginInput struct {
	TenantId  string
	SessionId string
	Lines     []Line
	TTL       time.Duration
}

// LineResult reports the outcome for one cart line. Err is only set on the
// live path; Code and Error survive the idempotency record.
type LineResult struct {
	PieceId       string     `json:"pieceId"`
	VariantId     string     `json:"variantId,omitempty"`
	Quantity      int64      `json:"quantity"`
	ReservationId string     `json:"reservationId,omitempty"`
	State         string     `json:"state,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`
	Available     *int64     `json:"available,omitempty"`
	Code          string     `json:"code,omitempty"`
	Error         string     `json:"error,omitempty"`
	Err           error      `json:"-"`
}

func (l LineResult) Ok() bool {
	return l.Code == ""
}

type Result struct {
	SessionId string       `json:"sessionId"`
	Lines     []LineResult `json:"lines"`
	// Complete is true when every line succeeded.
	Complete bool `json:"complete"`
}

func newResult(sessionId string, lines []LineResult) Result {
	complete := len(lines) > 0
	for _, l := range lines {
		if !l.Ok() {
			complete = false
		}
	}
	return Result{SessionId: sessionId, Lines: lines, Complete: complete}
}

func lineFor(unit reservation.StockUnit, quantity int64, res *reservation.Reservation, err error) LineResult {
	line := LineResult{PieceId: unit.PieceId, VariantId: unit.VariantId, Quantity: quantity}
	if res != nil {
		line.ReservationId = res.Id
		line.State = string(res.State)
		line.Quantity = res.Quantity
		if res.State == reservation.StateActive {
			expiresAt := res.ExpiresAt
			line.ExpiresAt = &expiresAt
		}
	}
	if err != nil {
		line.Err = err
		line.Code = reservation.Code(err)
		line.Error = err.Error()
		var insufficient *reservation.InsufficientStockError
		if errors.As(err, &insufficient) {
			available := insufficient.Available
			line.Available = &available
		}
	}
	return line
}

func validateSession(tenantId, sessionId string) error {
	if strings.TrimSpace(tenantId) == "" {
		return reservation.ErrMissingTenant
	}
	if strings.TrimSpace(sessionId) == "" {
		return reservation.ErrMissingSession
	}
	return nil
}

// BeginCheckout reserves every line. Lines that cannot be reserved are reported
// and the rest stay held, so the cart can show per-line errors before payment.
// A line the session already holds is kept when the quantity matches and
// re-reserved when the cart changed it.
func (c *Checkout) BeginCheckout(ctx context.Context, input BeginInput) (Result, error) {
	if err := validateSession(input.TenantId, input.SessionId); err != nil {
		return Result{}, err
	}
	if len(input.Lines) == 0 {
		return Result{}, ErrNoLines
	}
	ctx, span := tracing.StartSpan(ctx, "checkout.begin",
		attribute.String("tenant.id", input.TenantId),
		attribute.Int("lines", len(input.Lines)),
	)
	defer span.End()
	logger := zerolog.Ctx(ctx).With().Str("session_id", input.SessionId).Logger()

	results := make([]LineResult, 0, len(input.Lines))
	for _, line := range input.Lines {
		unit := reservation.StockUnit{TenantId: input.TenantId, PieceId: line.PieceId, VariantId: line.VariantId}
		res, err := c.reserveLine(ctx, input, line)
		if err != nil {
			logger.Info().Err(err).Str("unit", unit.String()).Msg("checkout line not reserved")
		}
		results = append(results, lineFor(unit, line.Quantity, res, err))
	}
	return newResult(input.SessionId, results), nil
}

func (c *Checkout) reserveLine(ctx context.Context, input BeginInput, line Line) (*reservation.Reservation, error) {
	reserveInput := reserve.Input{
		TenantId:  input.TenantId,
		PieceId:   line.PieceId,
		VariantId: line.VariantId,
		SessionId: input.SessionId,
		Quantity:  line.Quantity,
		TTL:       input.TTL,
	}
	unit := reserveInput.Unit()
	if unit.Validate() == nil {
		existing, err := c.repository.FindBySession(ctx, input.SessionId, unit)
		if err != nil && !errors.Is(err, reservation.ErrNotFound) {
			return nil, fmt.Errorf("find existing hold: %w", err)
		}
		if err == nil && existing.IsLiveAt(c.clock.Now()) {
			if existing.Quantity == line.Quantity {
				return existing, nil
			}
			if _, err := c.releaser.Release(ctx, release.Input{
				TenantId: input.TenantId, PieceId: line.PieceId, VariantId: line.VariantId, SessionId: input.SessionId,
			}); err != nil {
				return nil, err
			}
		}
	}
	return c.reserver.Reserve(ctx, reserveInput)
}

// latestPerUnit keeps the most recent reservation of each stock unit.
func latestPerUnit(list []*reservation.Reservation) []*reservation.Reservation {
	latest := make(map[string]*reservation.Reservation)
	for _, r := range list {
		key := r.Unit.Key()
		if cur, ok := latest[key]; !ok || r.CreatedAt.After(cur.CreatedAt) || (r.CreatedAt.Equal(cur.CreatedAt) && r.State == reservation.StateActive) {
			latest[key] = r
		}
	}
	out := make([]*reservation.Reservation, 0, len(latest))
	for _, r := range latest {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].Unit.Key() < out[j].Unit.Key()
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ConfirmPayment commits every line of the session after the payment provider
// confirmed the charge. Redeliveries with the same idempotency key get the
// recorded result. Lines released by the cart before payment are skipped; an
// expired line is reported as a conflict.
func (c *Checkout) ConfirmPayment(ctx context.Context, tenantId, sessionId, idempotencyKey string) (result Result, err error) {
	if err := validateSession(tenantId, sessionId); err != nil {
		return Result{}, err
	}
	if strings.TrimSpace(idempotencyKey) == "" {
		return Result{}, ErrMissingIdempotencyKey
	}
	ctx, span := tracing.StartSpan(ctx, "checkout.confirm_payment", attribute.String("tenant.id", tenantId))
	defer span.End()
	logger := zerolog.Ctx(ctx).With().Str("session_id", sessionId).Str("idempotency_key", idempotencyKey).Logger()

	key := tenantId + ":" + idempotencyKey
	recorded, err := c.idempotency.ReserveIdempotencyKey(ctx, key)
	if err != nil {
		return Result{}, err
	}
	if recorded != nil {
		logger.Info().Msg("payment confirmation already processed")
		if err := json.Unmarshal(recorded.Payload, &result); err != nil {
			return Result{}, fmt.Errorf("decode recorded result: %w", err)
		}
		return result, nil
	}

	final := false
	defer func() {
		if final {
			payload, marshalErr := json.Marshal(result)
			if marshalErr == nil {
				marshalErr = c.idempotency.MarkSuccess(ctx, key, payload)
			}
			if marshalErr != nil {
				logger.Error().Err(marshalErr).Msg("failed to record payment confirmation")
			}
			return
		}
		if markErr := c.idempotency.MarkFailure(ctx, key); markErr != nil {
			logger.Error().Err(markErr).Msg("failed to free idempotency key")
		}
	}()

	list, err := c.repository.ListBySession(ctx, tenantId, sessionId)
	if err != nil {
		tracing.RecordError(span, err)
		return Result{}, fmt.Errorf("list session reservations: %w", err)
	}
	var lines []LineResult
	retryable := false
	for _, r := range latestPerUnit(list) {
		if r.State == reservation.StateReleased {
			continue
		}
		out, err := c.committer.Commit(ctx, commit.Input{
			TenantId: tenantId, PieceId: r.Unit.PieceId, VariantId: r.Unit.VariantId, SessionId: sessionId,
		})
		res := out.Reservation
		if res == nil {
			res = r
		}
		if err != nil {
			logger.Error().Err(err).Str("unit", r.Unit.String()).Msg("checkout line not committed")
			if !errors.Is(err, reservation.ErrConflictingTerminalState) && !errors.Is(err, reservation.ErrInsufficientStock) {
				retryable = true
			}
		}
		lines = append(lines, lineFor(r.Unit, r.Quantity, res, err))
	}
	if len(lines) == 0 {
		return Result{}, ErrNoReservationsForSession
	}
	result = newResult(sessionId, lines)
	// Lines that failed on a dependency can succeed on redelivery.
	final = !retryable
	return result, nil
}

// FailPayment releases every hold of the session after a declined payment.
func (c *Checkout) FailPayment(ctx context.Context, tenantId, sessionId string) (Result, error) {
	return c.releaseAll(ctx, "checkout.fail_payment", tenantId, sessionId)
}

// Abandon releases every hold of the session when the customer leaves checkout.
func (c *Checkout) Abandon(ctx context.Context, tenantId, sessionId string) (Result, error) {
	return c.releaseAll(ctx, "checkout.abandon", tenantId, sessionId)
}

func (c *Checkout) releaseAll(ctx context.Context, spanName, tenantId, sessionId string) (Result, error) {
	if err := validateSession(tenantId, sessionId); err != nil {
		return Result{}, err
	}
	ctx, span := tracing.StartSpan(ctx, spanName, attribute.String("tenant.id", tenantId))
	defer span.End()
	logger := zerolog.Ctx(ctx).With().Str("session_id", sessionId).Logger()

	list, err := c.repository.ListBySession(ctx, tenantId, sessionId)
	if err != nil {
		tracing.RecordError(span, err)
		return Result{}, fmt.Errorf("list session reservations: %w", err)
	}
	lines := []LineResult{}
	for _, r := range latestPerUnit(list) {
		out, err := c.releaser.Release(ctx, release.Input{
			TenantId: tenantId, PieceId: r.Unit.PieceId, VariantId: r.Unit.VariantId, SessionId: sessionId,
		})
		res := out.Reservation
		if res == nil {
			res = r
		}
		if err != nil {
			logger.Warn().Err(err).Str("unit", r.Unit.String()).Msg("checkout line not released")
		}
		lines = append(lines, lineFor(r.Unit, r.Quantity, res, err))
	}
	return newResult(sessionId, lines), nil
}

// ReleaseLine drops one line's hold, for cart edits during checkout.
func (c *Checkout) ReleaseLine(ctx context.Context, tenantId, sessionId string, line Line) (LineResult, error) {
	if err := validateSession(tenantId, sessionId); err != nil {
		return LineResult{}, err
	}
	unit := reservation.StockUnit{TenantId: tenantId, PieceId: line.PieceId, VariantId: line.VariantId}
	out, err := c.releaser.Release(ctx, release.Input{
		TenantId: tenantId, PieceId: line.PieceId, VariantId: line.VariantId, SessionId: sessionId,
	})
	if err != nil && !errors.Is(err, reservation.ErrConflictingTerminalState) {
		return LineResult{}, err
	}
	return lineFor(unit, line.Quantity, out.Reservation, err), nil
}
