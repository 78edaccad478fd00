package topo

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/percona/percona-oplogsync-mongodb/errors"
	"github.com/percona/percona-oplogsync-mongodb/log"
)

const (
	DefaultRetryInterval = 5 * time.Second
	DefaultMaxRetries    = 3
)

//nolint:gochecknoglobals
var transientCodes = []int{
	6,     // HostUnreachable
	7,     // HostNotFound
	89,    // NetworkTimeout
	91,    // ShutdownInProgress
	189,   // PrimarySteppedDown
	9001,  // SocketException
	10107, // NotWritablePrimary
	11600, // InterruptedAtShutdown
	11602, // InterruptedDueToReplStateChange
	13435, // NotPrimaryNoSecondaryOk
}

// IsTransient reports whether err is expected to go away on its own.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if mongo.IsNetworkError(err) || mongo.IsTimeout(err) {
		return true
	}

	var se mongo.ServerError
	if !errors.As(err, &se) {
		return false
	}

	for _, code := range transientCodes {
		if se.HasErrorCode(code) {
			return true
		}
	}

	return false
}

// RunWithRetry calls fn until it succeeds, fails with a non-transient error,
// or maxRetries attempts were made. The last error is returned.
func RunWithRetry(
	ctx context.Context,
	fn func(context.Context) error,
	interval time.Duration,
	maxRetries int,
) error {
	var err error

	for attempt := 1; attempt <= maxRetries; attempt++ {
		err = fn(ctx)
		if err == nil || !IsTransient(err) {
			return err
		}

		if attempt == maxRetries {
			break
		}

		log.Ctx(ctx).Debugf("transient error (attempt %d/%d): %v", attempt, maxRetries, err)

		select {
		case <-ctx.Done():
			return ctx.Err() //nolint:wrapcheck
		case <-time.After(interval):
		}
	}

	return err
}
