package resilience

import (
	"math/rand"
	"time"
)

// Backoff computes exponential retry delays with jitter: min(base*factor^attempt, cap) ± 20%.
type Backoff struct {
	Base       time.Duration
	Factor     float64
	Cap        time.Duration
	MaxRetries int
}

// NewReconnectBackoff returns the backoff profile used by the market-data
// reconnection supervisor: 1s base, doubling, 60s ceiling.
func NewReconnectBackoff() Backoff {
	return Backoff{Base: time.Second, Factor: 2, Cap: 60 * time.Second, MaxRetries: 0}
}

// Delay returns the jittered delay for the given zero-based attempt number.
func (b Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Base)
	for i := 0; i < attempt; i++ {
		d *= b.Factor
	}
	capped := time.Duration(d)
	if capped > b.Cap {
		capped = b.Cap
	}

	jitter := 0.8 + rand.Float64()*0.4 // ±20%
	return time.Duration(float64(capped) * jitter)
}

// Retry invokes fn until it succeeds, attempts are exhausted (if MaxRetries >
// 0), or shouldRetry rejects the error. It sleeps Delay(attempt) between
// attempts.
func (b Backoff) Retry(fn func() error, shouldRetry func(error) bool, sleep func(time.Duration)) error {
	var err error
	for attempt := 0; b.MaxRetries == 0 || attempt <= b.MaxRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}
		if b.MaxRetries > 0 && attempt == b.MaxRetries {
			break
		}
		sleep(b.Delay(attempt))
	}
	return err
}
