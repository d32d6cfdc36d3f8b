package archive

import (
	"testing"
	"time"

	"candleflow/config"
)

func TestRetryPolicyBudget(t *testing.T) {
	p := NewRetryPolicy(config.RetryConfig{
		MaxAttempts:       3,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		BackoffMultiplier: 2,
	})

	if _, ok := p.NextDelay(1); !ok {
		t.Error("attempt 1 should allow a retry")
	}
	if _, ok := p.NextDelay(2); !ok {
		t.Error("attempt 2 should allow a retry")
	}
	if _, ok := p.NextDelay(3); ok {
		t.Error("attempt 3 exhausts the budget")
	}
}

func TestRetryPolicyDelaysBounded(t *testing.T) {
	p := NewRetryPolicy(config.RetryConfig{
		MaxAttempts:       10,
		BaseDelay:         100 * time.Millisecond,
		MaxDelay:          time.Second,
		BackoffMultiplier: 2,
	})

	for attempt := 1; attempt < 10; attempt++ {
		delay, ok := p.NextDelay(attempt)
		if !ok {
			t.Fatalf("attempt %d: budget exhausted early", attempt)
		}
		if delay <= 0 || delay > time.Second {
			t.Errorf("attempt %d: delay %v outside (0, max]", attempt, delay)
		}
	}
}
