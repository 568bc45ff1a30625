package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/giovaniif/stock-reservations/domain/reservation"
	"github.com/giovaniif/stock-reservations/infra/gateways"
	"github.com/giovaniif/stock-reservations/use_cases/checkout"
)

type errorResponse struct {
	Code      string `json:"code"`
	Error     string `json:"error"`
	Available *int64 `json:"available,omitempty"`
}

func statusFor(err error) int {
	switch {
	case reservation.IsValidation(err),
		errors.Is(err, checkout.ErrNoLines),
		errors.Is(err, checkout.ErrMissingIdempotencyKey):
		return http.StatusBadRequest
	case errors.Is(err, reservation.ErrInsufficientStock),
		errors.Is(err, reservation.ErrConflictingTerminalState),
		errors.Is(err, reservation.ErrActiveReservationExists),
		errors.Is(err, gateways.ErrKeyInFlight):
		return http.StatusConflict
	case errors.Is(err, reservation.ErrNotFound),
		errors.Is(err, checkout.ErrNoReservationsForSession):
		return http.StatusNotFound
	case errors.Is(err, reservation.ErrVariantNotFound),
		errors.Is(err, reservation.ErrPieceNotFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, reservation.ErrCatalogUnavailable),
		errors.Is(err, reservation.ErrVersionConflict):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, checkout.ErrNoLines), errors.Is(err, checkout.ErrMissingIdempotencyKey):
		return "invalid_request"
	case errors.Is(err, checkout.ErrNoReservationsForSession):
		return "not_found"
	case errors.Is(err, gateways.ErrKeyInFlight):
		return "in_flight"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	}
	return reservation.Code(err)
}

func writeError(c *gin.Context, err error) {
	status := statusFor(err)
	body := errorResponse{Code: codeFor(err), Error: err.Error()}
	var insufficient *reservation.InsufficientStockError
	if errors.As(err, &insufficient) {
		available := insufficient.Available
		body.Available = &available
	}
	if status >= http.StatusInternalServerError {
		zerolog.Ctx(c.Request.Context()).Error().Err(err).Int("status", status).Msg("request failed")
		if status == http.StatusInternalServerError {
			body.Error = http.StatusText(status)
		}
	}
	c.AbortWithStatusJSON(status, body)
}

func writeBadRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorResponse{Code: "invalid_request", Error: err.Error()})
}
