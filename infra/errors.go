package infra

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/sony/gobreaker/v2"
)

// Failure classes for calls to collaborating services.
var (
	ErrTimeout     = errors.New("timeout error")
	ErrNetwork     = errors.New("network error")
	ErrCircuitOpen = errors.New("circuit open")
)

// DependencyError is a failed call to a collaborating service, tagged with
// one of the failure classes above.
type DependencyError struct {
	Service   string
	Operation string
	Class     error
	Detail    string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("%s %s: %v: %s", e.Service, e.Operation, e.Class, e.Detail)
}

func (e *DependencyError) Is(target error) bool {
	return target == e.Class
}

// Classify turns the error of a transport call into a DependencyError.
// Deadlines and network timeouts are ErrTimeout, a tripped or saturated
// breaker is ErrCircuitOpen, anything else is ErrNetwork. Errors that are
// already classified pass through.
func Classify(service, operation string, err error) error {
	if err == nil {
		return nil
	}
	var classified *DependencyError
	if errors.As(err, &classified) {
		return err
	}
	class := ErrNetwork
	var netErr net.Error
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		class = ErrCircuitOpen
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		class = ErrTimeout
	}
	return &DependencyError{Service: service, Operation: operation, Class: class, Detail: err.Error()}
}

// StatusError classifies a 5xx answer. 504 counts as a timeout.
func StatusError(service, operation string, status int) error {
	class := ErrNetwork
	if status == 504 {
		class = ErrTimeout
	}
	return &DependencyError{Service: service, Operation: operation, Class: class, Detail: fmt.Sprintf("status %d", status)}
}

// IsRetriable reports whether an immediate retry can succeed: timeouts and
// network failures. An open circuit is not, the breaker rejects until it
// half-opens.
func IsRetriable(err error) bool {
	return err != nil && (errors.Is(err, ErrTimeout) || errors.Is(err, ErrNetwork))
}
