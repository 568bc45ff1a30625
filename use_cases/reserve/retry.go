package reserve

import (
	"math"
	"time"

	"github.com/giovaniif/stock-reservations/protocols"
)

type RetryFunc[T any] func() (T, error)

// RetryWithBackoff retries operation while retriable reports true, sleeping
// baseDelay * 2^attempt between attempts. The last error is returned once
// maxAttempts is reached.
func RetryWithBackoff[T any](operation RetryFunc[T], sleeper protocols.Sleeper, maxAttempts int, baseDelay time.Duration, retriable func(error) bool) RetryFunc[T] {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return func() (T, error) {
		var (
			zero    T
			lastErr error
		)
		for i := 0; i < maxAttempts; i++ {
			val, err := operation()
			if err == nil {
				return val, nil
			}
			lastErr = err
			if !retriable(err) || i == maxAttempts-1 {
				break
			}
			factor := math.Pow(2, float64(i))
			sleeper.Sleep(time.Duration(factor * float64(baseDelay)))
		}
		return zero, lastErr
	}
}
