package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/giovaniif/stock-reservations/domain/reservation"
	"github.com/giovaniif/stock-reservations/infra/metrics"
	"github.com/giovaniif/stock-reservations/infra/requestid"
	"github.com/giovaniif/stock-reservations/infra/tracing"
	"github.com/giovaniif/stock-reservations/use_cases/availability"
	"github.com/giovaniif/stock-reservations/use_cases/checkout"
	"github.com/giovaniif/stock-reservations/use_cases/commit"
	"github.com/giovaniif/stock-reservations/use_cases/release"
	"github.com/giovaniif/stock-reservations/use_cases/reserve"
)

const (
	TenantHeader      = "X-Tenant-Id"
	IdempotencyHeader = "Idempotency-Key"

	tenantKey = "tenantId"
)

var (
	errMissingTenantHeader = errors.New(TenantHeader + " header is required")
	errTenantMismatch      = errors.New("tenant does not match " + TenantHeader)
)

type UseCases struct {
	Reserve      *reserve.Reserve
	Commit       *commit.Commit
	Release      *release.Release
	Availability *availability.Availability
	Checkout     *checkout.Checkout
}

// HealthCheck pings one backing service for GET /health.
type HealthCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

type ReserveRequest struct {
	TenantId   string `json:"tenantId"`
	PieceId    string `json:"pieceId"`
	VariantId  string `json:"variantId"`
	SessionId  string `json:"sessionId"`
	Quantity   int64  `json:"quantity"`
	TTLSeconds int64  `json:"ttlSeconds"`
}

type TransitionRequest struct {
	TenantId  string `json:"tenantId"`
	PieceId   string `json:"pieceId"`
	VariantId string `json:"variantId"`
	SessionId string `json:"sessionId"`
}

type BeginCheckoutRequest struct {
	Lines      []checkout.Line `json:"lines"`
	TTLSeconds int64           `json:"ttlSeconds"`
}

type ReservationResponse struct {
	Id               string     `json:"id"`
	TenantId         string     `json:"tenantId"`
	PieceId          string     `json:"pieceId"`
	VariantId        string     `json:"variantId,omitempty"`
	SessionId        string     `json:"sessionId"`
	Quantity         int64      `json:"quantity"`
	State            string     `json:"state"`
	CreatedAt        time.Time  `json:"createdAt"`
	ExpiresAt        time.Time  `json:"expiresAt"`
	CommittedAt      *time.Time `json:"committedAt,omitempty"`
	ReleasedAt       *time.Time `json:"releasedAt,omitempty"`
	StockDecremented bool       `json:"stockDecremented"`
}

func toResponse(r *reservation.Reservation) *ReservationResponse {
	if r == nil {
		return nil
	}
	return &ReservationResponse{
		Id:               r.Id,
		TenantId:         r.Unit.TenantId,
		PieceId:          r.Unit.PieceId,
		VariantId:        r.Unit.VariantId,
		SessionId:        r.SessionId,
		Quantity:         r.Quantity,
		State:            string(r.State),
		CreatedAt:        r.CreatedAt,
		ExpiresAt:        r.ExpiresAt,
		CommittedAt:      r.CommittedAt,
		ReleasedAt:       r.ReleasedAt,
		StockDecremented: r.StockDecremented,
	}
}

// NewRouter mounts the engine routes behind the request id, tracing and
// metrics middleware. Every engine route requires X-Tenant-Id.
func NewRouter(useCases UseCases, checks []HealthCheck, logger zerolog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestid.Middleware(logger), tracing.Middleware(), metrics.Middleware)

	r.GET("/health", health(checks))
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	h := &handlers{useCases: useCases}
	engine := r.Group("/", requireTenant)
	engine.POST("/reservations", h.reserve)
	engine.POST("/reservations/commit", h.commit)
	engine.POST("/reservations/release", h.release)
	engine.GET("/stock/:tenantId/:pieceId/available", h.available)
	engine.POST("/checkout/:sessionId/begin", h.beginCheckout)
	engine.POST("/checkout/:sessionId/confirm", h.confirmPayment)
	engine.POST("/checkout/:sessionId/abandon", h.abandon)
	engine.POST("/checkout/:sessionId/lines/release", h.releaseLine)
	return r
}

func health(checks []HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		status := "healthy"
		code := http.StatusOK
		results := gin.H{}
		for _, check := range checks {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			err := check.Ping(ctx)
			cancel()
			if err != nil {
				status = "degraded"
				code = http.StatusServiceUnavailable
				results[check.Name] = "down"
				continue
			}
			results[check.Name] = "up"
		}
		c.JSON(code, gin.H{"status": status, "checks": results})
	}
}

func requireTenant(c *gin.Context) {
	tenant := c.GetHeader(TenantHeader)
	if tenant == "" {
		writeBadRequest(c, errMissingTenantHeader)
		return
	}
	c.Set(tenantKey, tenant)
	logger := zerolog.Ctx(c.Request.Context()).With().Str("tenant_id", tenant).Logger()
	c.Request = c.Request.WithContext(logger.WithContext(c.Request.Context()))
	c.Next()
}

// tenantFor returns the header tenant, rejecting a different tenant named in
// the body or path.
func tenantFor(c *gin.Context, claimed string) (string, bool) {
	tenant := c.GetString(tenantKey)
	if claimed != "" && claimed != tenant {
		c.AbortWithStatusJSON(http.StatusForbidden, errorResponse{Code: "forbidden", Error: errTenantMismatch.Error()})
		return "", false
	}
	return tenant, true
}

type handlers struct {
	useCases UseCases
}

func (h *handlers) reserve(c *gin.Context) {
	var request ReserveRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeBadRequest(c, err)
		return
	}
	tenant, ok := tenantFor(c, request.TenantId)
	if !ok {
		return
	}
	if request.TTLSeconds < 0 {
		writeError(c, reservation.ErrInvalidTTL)
		return
	}
	res, err := h.useCases.Reserve.Reserve(c.Request.Context(), reserve.Input{
		TenantId:  tenant,
		PieceId:   request.PieceId,
		VariantId: request.VariantId,
		SessionId: request.SessionId,
		Quantity:  request.Quantity,
		TTL:       time.Duration(request.TTLSeconds) * time.Second,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toResponse(res))
}

func (h *handlers) commit(c *gin.Context) {
	var request TransitionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeBadRequest(c, err)
		return
	}
	tenant, ok := tenantFor(c, request.TenantId)
	if !ok {
		return
	}
	out, err := h.useCases.Commit.Commit(c.Request.Context(), commit.Input{
		TenantId:  tenant,
		PieceId:   request.PieceId,
		VariantId: request.VariantId,
		SessionId: request.SessionId,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reservation": toResponse(out.Reservation), "alreadyCommitted": out.AlreadyCommitted})
}

func (h *handlers) release(c *gin.Context) {
	var request TransitionRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeBadRequest(c, err)
		return
	}
	tenant, ok := tenantFor(c, request.TenantId)
	if !ok {
		return
	}
	out, err := h.useCases.Release.Release(c.Request.Context(), release.Input{
		TenantId:  tenant,
		PieceId:   request.PieceId,
		VariantId: request.VariantId,
		SessionId: request.SessionId,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reservation": toResponse(out.Reservation), "released": out.Released})
}

func (h *handlers) available(c *gin.Context) {
	tenant, ok := tenantFor(c, c.Param("tenantId"))
	if !ok {
		return
	}
	unit := reservation.StockUnit{TenantId: tenant, PieceId: c.Param("pieceId"), VariantId: c.Query("variantId")}
	out, err := h.useCases.Availability.GetAvailableStock(c.Request.Context(), unit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"tenantId":  unit.TenantId,
		"pieceId":   unit.PieceId,
		"variantId": unit.VariantId,
		"onHand":    out.OnHand,
		"held":      out.Held,
		"available": out.Available,
	})
}

func (h *handlers) beginCheckout(c *gin.Context) {
	var request BeginCheckoutRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		writeBadRequest(c, err)
		return
	}
	if request.TTLSeconds < 0 {
		writeError(c, reservation.ErrInvalidTTL)
		return
	}
	result, err := h.useCases.Checkout.BeginCheckout(c.Request.Context(), checkout.BeginInput{
		TenantId:  c.GetString(tenantKey),
		SessionId: c.Param("sessionId"),
		Lines:     request.Lines,
		TTL:       time.Duration(request.TTLSeconds) * time.Second,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *handlers) confirmPayment(c *gin.Context) {
	key := c.GetHeader(IdempotencyHeader)
	if key == "" {
		writeError(c, checkout.ErrMissingIdempotencyKey)
		return
	}
	result, err := h.useCases.Checkout.ConfirmPayment(c.Request.Context(), c.GetString(tenantKey), c.Param("sessionId"), key)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *handlers) abandon(c *gin.Context) {
	result, err := h.useCases.Checkout.Abandon(c.Request.Context(), c.GetString(tenantKey), c.Param("sessionId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *handlers) releaseLine(c *gin.Context) {
	var line checkout.Line
	if err := c.ShouldBindJSON(&line); err != nil {
		writeBadRequest(c, err)
		return
	}
	result, err := h.useCases.Checkout.ReleaseLine(c.Request.Context(), c.GetString(tenantKey), c.Param("sessionId"), line)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
