package orchestrator

import (
	"context"
	"log/slog"
	"time"

	"github.com/ShayCichocki/daybreak/internal/orchestrator/policy"
	"github.com/ShayCichocki/daybreak/internal/state"
)

// retrier retries store calls that failed with a retryable StoreError,
// backing off exponentially between attempts.
type retrier struct {
	policy policy.RetryPolicy
	logger *slog.Logger
	// sleep waits for d or until ctx is done.
	sleep func(ctx context.Context, d time.Duration) error
}

func newRetrier(p policy.RetryPolicy, logger *slog.Logger) *retrier {
	return &retrier{policy: p, logger: logger, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// do runs fn until it succeeds, fails with a non-retryable error or the
// attempts are exhausted. The last error is returned.
func (r *retrier) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	interval := r.policy.InitialInterval
	var err error
	for attempt := 1; ; attempt++ {
		err = fn(ctx)
		if err == nil || !state.IsRetryable(err) || attempt >= r.policy.MaxAttempts {
			return err
		}
		r.logger.Warn("retrying store call", "op", op, "attempt", attempt, "backoff", interval, "error", err)
		if serr := r.sleep(ctx, interval); serr != nil {
			return err
		}
		interval = min(interval*2, r.policy.MaxInterval)
	}
}

// retryValue is do for calls returning a value.
func retryValue[T any](ctx context.Context, r *retrier, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	var out T
	err := r.do(ctx, op, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err == nil {
			out = v
		}
		return err
	})
	return out, err
}
