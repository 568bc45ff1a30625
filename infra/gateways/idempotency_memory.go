package gateways

import (
	"context"
	"errors"
	"sync"

	"github.com/giovaniif/stock-reservations/protocols"
)

const (
	statusProcessing = "processing"
	statusSuccess    = "success"
)

var ErrKeyInFlight = errors.New("idempotency key is already being processed")

type IdempotencyGatewayMemory struct {
	mutex           sync.Mutex
	idempotencyKeys map[string]*idempotencyState
}

type idempotencyState struct {
	Status string                          `json:"status"`
	Result *protocols.IdempotencyKeyResult `json:"result,omitempty"`
}

func NewIdempotencyGatewayMemory() *IdempotencyGatewayMemory {
	return &IdempotencyGatewayMemory{
		idempotencyKeys: make(map[string]*idempotencyState),
	}
}

func (g *IdempotencyGatewayMemory) ReserveIdempotencyKey(ctx context.Context, idempotencyKey string) (*protocols.IdempotencyKeyResult, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	g.mutex.Lock()
	defer g.mutex.Unlock()
	if state, exists := g.idempotencyKeys[idempotencyKey]; exists {
		switch state.Status {
		case statusSuccess:
			return state.Result, nil
		case statusProcessing:
			return nil, ErrKeyInFlight
		}
	}
	g.idempotencyKeys[idempotencyKey] = &idempotencyState{Status: statusProcessing}
	return nil, nil
}

func (g *IdempotencyGatewayMemory) MarkFailure(ctx context.Context, idempotencyKey string) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	delete(g.idempotencyKeys, idempotencyKey)
	return nil
}

func (g *IdempotencyGatewayMemory) MarkSuccess(ctx context.Context, idempotencyKey string, payload []byte) error {
	g.mutex.Lock()
	defer g.mutex.Unlock()
	g.idempotencyKeys[idempotencyKey] = &idempotencyState{
		Status: statusSuccess,
		Result: &protocols.IdempotencyKeyResult{Success: true, Payload: payload},
	}
	return nil
}
