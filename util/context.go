// Package util holds small context helpers shared by the MongoDB and job code.
package util

import (
	"context"
	"time"
)

// WithTimeout runs fn with ctx bounded by dur. A nil ctx is treated as
// [context.Background].
func WithTimeout(ctx context.Context, dur time.Duration, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	timeoutCtx, cancelTimeout := context.WithTimeout(ctx, dur)
	defer cancelTimeout()

	return fn(timeoutCtx)
}

// Sleep pauses for d or until ctx is done, whichever comes first. It returns
// ctx.Err() if ctx ended the wait.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err() //nolint:wrapcheck
	case <-t.C:
		return nil
	}
}
