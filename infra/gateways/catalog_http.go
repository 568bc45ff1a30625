package gateways

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"github.com/giovaniif/stock-reservations/domain/reservation"
	"github.com/giovaniif/stock-reservations/infra"
)

// CatalogGatewayHttp talks to the external catalog service. Calls go through a
// circuit breaker that opens after consecutive transport or 5xx failures. Reads
// are retried once on a retriable failure; the decrement never is, since the
// catalog may have applied it.
type CatalogGatewayHttp struct {
	httpClient *http.Client
	baseURL    string
	breaker    *gobreaker.CircuitBreaker[catalogResponse]
}

type catalogResponse struct {
	status int
	body   []byte
}

type onHandResponse struct {
	OnHand int64 `json:"onHand"`
}

type decrementRequest struct {
	VariantId string `json:"variantId,omitempty"`
	Quantity  int64  `json:"quantity"`
}

type decrementResponse struct {
	Decremented bool `json:"decremented"`
}

func NewCatalogGatewayHttp(httpClient *http.Client, baseURL string, logger zerolog.Logger) *CatalogGatewayHttp {
	settings := gobreaker.Settings{
		Name:        "catalog",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
		},
	}
	return &CatalogGatewayHttp{
		httpClient: httpClient,
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		breaker:    gobreaker.NewCircuitBreaker[catalogResponse](settings),
	}
}

func (c *CatalogGatewayHttp) piecePath(tenantId, pieceId string) string {
	return fmt.Sprintf("%s/tenants/%s/pieces/%s", c.baseURL, url.PathEscape(tenantId), url.PathEscape(pieceId))
}

func (c *CatalogGatewayHttp) GetOnHandStock(ctx context.Context, unit reservation.StockUnit) (int64, error) {
	endpoint := c.piecePath(unit.TenantId, unit.PieceId) + "/stock"
	if unit.HasVariant() {
		endpoint += "?variantId=" + url.QueryEscape(unit.VariantId)
	}
	resp, err := c.read(ctx, "get_stock", endpoint)
	if err != nil {
		return 0, err
	}
	if resp.status == http.StatusNotFound {
		return 0, fmt.Errorf("catalog get stock %s: %w", unit, reservation.ErrPieceNotFound)
	}
	if resp.status != http.StatusOK {
		return 0, fmt.Errorf("catalog get stock: unexpected status %d", resp.status)
	}
	var body onHandResponse
	if err := json.Unmarshal(resp.body, &body); err != nil {
		return 0, fmt.Errorf("catalog get stock: %w", err)
	}
	return body.OnHand, nil
}

func (c *CatalogGatewayHttp) DecrementOnHandStock(ctx context.Context, unit reservation.StockUnit, quantity int64) (bool, error) {
	payload, err := json.Marshal(decrementRequest{VariantId: unit.VariantId, Quantity: quantity})
	if err != nil {
		return false, err
	}
	resp, err := c.do(ctx, "decrement", http.MethodPost, c.piecePath(unit.TenantId, unit.PieceId)+"/stock/decrement", payload)
	if err != nil {
		return false, err
	}
	switch resp.status {
	case http.StatusOK:
		var body decrementResponse
		if err := json.Unmarshal(resp.body, &body); err != nil {
			return false, fmt.Errorf("catalog decrement: %w", err)
		}
		return body.Decremented, nil
	case http.StatusConflict:
		return false, nil
	case http.StatusNotFound:
		return false, fmt.Errorf("catalog decrement %s: %w", unit, reservation.ErrPieceNotFound)
	default:
		return false, fmt.Errorf("catalog decrement: unexpected status %d", resp.status)
	}
}

func (c *CatalogGatewayHttp) ResolveVariant(ctx context.Context, tenantId, pieceId, variantId string) (bool, error) {
	resp, err := c.read(ctx, "resolve_variant", c.piecePath(tenantId, pieceId)+"/variants/"+url.PathEscape(variantId))
	if err != nil {
		return false, err
	}
	switch resp.status {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("catalog resolve variant: unexpected status %d", resp.status)
	}
}

const readAttempts = 2

func (c *CatalogGatewayHttp) read(ctx context.Context, operation, endpoint string) (catalogResponse, error) {
	var (
		resp catalogResponse
		err  error
	)
	for attempt := 1; attempt <= readAttempts; attempt++ {
		resp, err = c.do(ctx, operation, http.MethodGet, endpoint, nil)
		if !infra.IsRetriable(err) || ctx.Err() != nil {
			break
		}
	}
	return resp, err
}

func (c *CatalogGatewayHttp) do(ctx context.Context, operation, method, endpoint string, payload []byte) (catalogResponse, error) {
	if ctx.Err() != nil {
		return catalogResponse{}, ctx.Err()
	}
	resp, err := c.breaker.Execute(func() (catalogResponse, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
		if err != nil {
			return catalogResponse{}, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		httpResp, err := c.httpClient.Do(req)
		if err != nil {
			return catalogResponse{}, err
		}
		defer httpResp.Body.Close()
		if httpResp.StatusCode >= 500 {
			return catalogResponse{}, infra.StatusError("catalog", operation, httpResp.StatusCode)
		}
		raw, err := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
		if err != nil {
			return catalogResponse{}, err
		}
		return catalogResponse{status: httpResp.StatusCode, body: raw}, nil
	})
	return resp, infra.Classify("catalog", operation, err)
}
