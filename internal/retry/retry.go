package retry

import (
	"context"
	"time"

	"github.com/MarcoPoloResearchLab/vault/internal/apperrors"
	"go.uber.org/zap"
)

// Policy configures exponential backoff. Only idempotent operations may be retried.
type Policy struct {
	Attempts int
	Delay    time.Duration
	Backoff  float64
}

// DefaultPolicy retries up to three times starting at one second and doubling.
var DefaultPolicy = Policy{Attempts: 3, Delay: time.Second, Backoff: 2}

// Do runs fn until it succeeds, the attempts are exhausted, ctx is done, or fn returns an
// operational application error, which is never retried.
func Do(ctx context.Context, policy Policy, logger *zap.Logger, operation string, fn func(context.Context) error) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	attempts := policy.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	delay := policy.Delay
	backoff := policy.Backoff
	if backoff < 1 {
		backoff = 1
	}

	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if apperrors.IsOperational(err) || attempt == attempts {
			return err
		}
		logger.Warn("retrying operation",
			zap.String("operation", operation),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return err
		case <-timer.C:
		}
		delay = time.Duration(float64(delay) * backoff)
	}
	return err
}
