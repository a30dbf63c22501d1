package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
)

// Policy retries an operation a fixed number of times with a constant pause
// between attempts. Business errors must not be retried; the Retryable
// predicate separates them from transient faults.
type Policy struct {
	Attempts  int           // total attempts, including the first
	Delay     time.Duration // pause between attempts
	Retryable func(error) bool
}

// New builds a policy with the given attempt budget and delay that retries
// every error except context cancellation.
func New(attempts int, delay time.Duration) Policy {
	return Policy{Attempts: attempts, Delay: delay}
}

// Do runs fn under the policy. The operation label only appears in logs.
func (p Policy) Do(ctx context.Context, op string, fn func() error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var b backoff.BackOff = backoff.NewConstantBackOff(p.Delay)
	b = backoff.WithMaxRetries(b, uint64(attempts-1))
	b = backoff.WithContext(b, ctx)

	wrapped := func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}

	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("op", op).Dur("wait", wait).Msg("⚠️ Retrying after transient error")
	}

	return backoff.RetryNotify(wrapped, b, notify)
}
