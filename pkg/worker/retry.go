package worker

import (
	"context"
	"errors"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"ouro/pkg/protocol"
)

// RetryPolicy controls how transient runner failures are retried: Attempts
// tries with jittered exponential backoff between Base and Max, then one
// try every SlowInterval until success or cancellation.
type RetryPolicy struct {
	Base         time.Duration
	Max          time.Duration
	Attempts     int
	SlowInterval time.Duration
}

// DefaultRetryPolicy is 2s doubling to 60s for 3 attempts, then every 10s.
var DefaultRetryPolicy = RetryPolicy{
	Base:         2 * time.Second,
	Max:          60 * time.Second,
	Attempts:     3,
	SlowInterval: 10 * time.Second,
}

// slowingBackOff yields fast exponential delays for the first attempts and
// a constant slow delay forever after.
type slowingBackOff struct {
	fast     *backoff.ExponentialBackOff
	slow     time.Duration
	attempts int
	n        int
}

func (p RetryPolicy) backOff() backoff.BackOff {
	fast := backoff.NewExponentialBackOff()
	fast.InitialInterval = p.Base
	fast.MaxInterval = p.Max
	fast.Multiplier = 2
	fast.RandomizationFactor = 0.25
	fast.MaxElapsedTime = 0
	fast.Reset()
	return &slowingBackOff{fast: fast, slow: p.SlowInterval, attempts: p.Attempts}
}

func (b *slowingBackOff) NextBackOff() time.Duration {
	b.n++
	if b.n < b.attempts {
		return b.fast.NextBackOff()
	}
	return b.slow
}

func (b *slowingBackOff) Reset() {
	b.n = 0
	b.fast.Reset()
}

// RunWithRetry runs task through r, retrying only *protocol.TransientError
// failures. onRetry, when set, is called before each wait with the attempt
// number that failed.
func RunWithRetry(ctx context.Context, r TaskRunner, task protocol.Task, emit Emit, policy RetryPolicy, onRetry func(attempt int, wait time.Duration, err error)) (Result, error) {
	var (
		res     Result
		attempt int
	)
	op := func() error {
		attempt++
		out, err := r.Run(ctx, task, emit)
		res.Summary = out.Summary
		res.CostUSD += out.CostUSD
		res.Rounds += out.Rounds
		res.ToolCalls += out.ToolCalls
		res.ToolErrors += out.ToolErrors
		if err == nil {
			return nil
		}
		var transient *protocol.TransientError
		if !errors.As(err, &transient) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		if onRetry != nil {
			onRetry(attempt, wait, err)
		}
	}
	err := backoff.RetryNotify(op, backoff.WithContext(policy.backOff(), ctx), notify)
	return res, err
}
