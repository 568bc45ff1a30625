package protocols

import "context"

type IdempotencyKeyResult struct {
	Success bool
	Payload []byte
}

// IdempotencyGateway deduplicates retried deliveries of the same request.
// ReserveIdempotencyKey returns the recorded result for a completed key, nil
// for a fresh key, and an error while another delivery is in flight.
type IdempotencyGateway interface {
	ReserveIdempotencyKey(ctx context.Context, idempotencyKey string) (*IdempotencyKeyResult, error)
	MarkFailure(ctx context.Context, idempotencyKey string) error
	MarkSuccess(ctx context.Context, idempotencyKey string, payload []byte) error
}
