// Package batch runs calls against unreliable endpoints with bounded linear
// retries and tolerates partial failure across a batch of items.
package batch

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Options configures retries and pacing.
type Options struct {
	// MaxAttempts is the total number of tries per item.
	MaxAttempts int
	// BaseDelay is multiplied by the attempt number to get the sleep after a
	// failed attempt.
	BaseDelay time.Duration
	// ItemDelay spaces consecutive items to respect rate limits.
	ItemDelay time.Duration
	// Concurrency above 1 processes items in parallel with that limit.
	Concurrency int
	// Retryable decides whether an error deserves another attempt. Nil
	// retries everything.
	Retryable func(error) bool
}

// DefaultOptions mirrors the route batching defaults: three attempts with
// half a second of base delay and spacing.
func DefaultOptions() Options {
	return Options{
		MaxAttempts: 3,
		BaseDelay:   500 * time.Millisecond,
		ItemDelay:   500 * time.Millisecond,
		Concurrency: 1,
	}
}

// Result is the outcome of one item.
type Result[T, R any] struct {
	Item     T
	Success  bool
	Value    R
	Err      error
	Attempts int
}

// linearBackOff waits base*n after the n-th failure.
type linearBackOff struct {
	base time.Duration
	n    int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.n++
	return b.base * time.Duration(b.n)
}

func (b *linearBackOff) Reset() { b.n = 0 }

// Do runs op until it succeeds, fails permanently or runs out of attempts.
// It returns the value, the number of attempts made and the last error.
func Do[R any](ctx context.Context, op func(ctx context.Context) (R, error), opts Options) (R, int, error) {
	maxAttempts := max(opts.MaxAttempts, 1)

	var (
		value    R
		attempts int
	)
	policy := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{base: opts.BaseDelay}, uint64(maxAttempts-1)),
		ctx,
	)

	err := backoff.RetryNotify(func() error {
		attempts++
		v, err := op(ctx)
		if err != nil {
			if opts.Retryable != nil && !opts.Retryable(err) {
				return backoff.Permanent(err)
			}
			return err
		}
		value = v
		return nil
	}, policy, func(err error, wait time.Duration) {
		log.Warn().
			Err(err).
			Int("attempt", attempts).
			Int("max_attempts", maxAttempts).
			Dur("backoff", wait).
			Msg("🔄 Call failed, retrying")
	})
	if err != nil {
		var zero R
		return zero, attempts, err
	}
	return value, attempts, nil
}

// Call applies op to every item and returns one result per item in input
// order. A failing item never stops the rest of the batch; cancellation marks
// the unprocessed items as failed with the context error.
func Call[T, R any](ctx context.Context, items []T, op func(ctx context.Context, item T) (R, error), opts Options) []Result[T, R] {
	results := make([]Result[T, R], len(items))
	for i, item := range items {
		results[i].Item = item
	}

	runOne := func(i int) {
		value, attempts, err := Do(ctx, func(ctx context.Context) (R, error) {
			return op(ctx, items[i])
		}, opts)
		results[i].Attempts = attempts
		if err != nil {
			results[i].Err = err
			return
		}
		results[i].Success = true
		results[i].Value = value
	}

	cancelFrom := func(i int) {
		for ; i < len(items); i++ {
			results[i].Err = ctx.Err()
		}
	}

	if opts.Concurrency <= 1 {
		for i := range items {
			if i > 0 && !sleep(ctx, opts.ItemDelay) {
				cancelFrom(i)
				break
			}
			if ctx.Err() != nil {
				cancelFrom(i)
				break
			}
			runOne(i)
		}
		return results
	}

	var g errgroup.Group
	g.SetLimit(opts.Concurrency)
	for i := range items {
		if i > 0 && !sleep(ctx, opts.ItemDelay) {
			cancelFrom(i)
			break
		}
		if ctx.Err() != nil {
			cancelFrom(i)
			break
		}
		g.Go(func() error {
			runOne(i)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// sleep waits for d or until ctx is done, reporting whether the full delay
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
