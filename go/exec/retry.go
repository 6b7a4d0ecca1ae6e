package exec

import (
	"context"

	"github.com/cenkalti/backoff/v4"
)

// WithRetryContext returns a context.Context which causes commands to be
// retried according to the given backoff.BackOff on any failure, including
// timeouts. The policy is consulted once per Run call; output writers see the
// output of every attempt. Only layer this over commands which are safe to
// repeat.
func WithRetryContext(ctx context.Context, b backoff.BackOff) context.Context {
	parent := getCtx(ctx)
	runFn := func(ctx context.Context, c *Command) error {
		op := func() error {
			return parent.runFn(ctx, c)
		}
		return backoff.Retry(op, backoff.WithContext(b, ctx))
	}
	return NewContext(ctx, runFn)
}
