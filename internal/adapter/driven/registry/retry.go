package registry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ericfisherdev/regcreds/internal/domain/model"
)

const maxRetryInterval = 2 * time.Second

// retrier runs an API call with a per-attempt timeout, retrying only
// transient failures with exponential backoff.
type retrier struct {
	timeout     time.Duration
	maxAttempts int
	initial     time.Duration
}

func (r retrier) do(ctx context.Context, fn func(ctx context.Context) error) error {
	attempts := r.maxAttempts
	if attempts < 1 {
		attempts = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.initial
	b.MaxInterval = maxRetryInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx)

	return backoff.Retry(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
		defer cancel()

		err := fn(attemptCtx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		if !errors.Is(err, model.ErrAdapterUnavailable) {
			return backoff.Permanent(err)
		}
		return err
	}, policy)
}
