package archive

import (
	"time"

	"github.com/jpillora/backoff"

	"candleflow/config"
)

// RetryPolicy decides, for a failed attempt, whether to retry and after what
// delay. It holds no transport state so it can be unit-tested without network
// I/O and shared across clients.
type RetryPolicy struct {
	MaxAttempts int
	curve       *backoff.Backoff
}

// NewRetryPolicy builds a policy from the archive retry configuration.
func NewRetryPolicy(cfg config.RetryConfig) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		curve: &backoff.Backoff{
			Min:    cfg.BaseDelay,
			Max:    cfg.MaxDelay,
			Factor: cfg.BackoffMultiplier,
			Jitter: true,
		},
	}
}

// NextDelay returns the delay to wait before retrying after the given failed
// attempt (1-based). ok is false once the attempt budget is exhausted.
func (p RetryPolicy) NextDelay(attempt int) (delay time.Duration, ok bool) {
	if attempt >= p.MaxAttempts {
		return 0, false
	}
	return p.curve.ForAttempt(float64(attempt - 1)), true
}
