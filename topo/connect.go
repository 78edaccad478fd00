// Package topo opens MongoDB connections and exposes the source oplog and
// collection access used by sync jobs.
package topo

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/event"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"

	"github.com/percona/percona-oplogsync-mongodb/errors"
	"github.com/percona/percona-oplogsync-mongodb/util"
)

const appName = "percona-oplogsync-mongodb"

// PrimaryChangeFunc is called when the replica set primary moves from prev to
// next. prev is empty for the first primary observed.
type PrimaryChangeFunc func(prev, next string)

type ConnectOptions struct {
	// Timeout bounds the initial ping. The client itself has no operation
	// timeout.
	Timeout time.Duration
	// OnPrimaryChange, if set, is notified about primary changes.
	OnPrimaryChange PrimaryChangeFunc
}

// Connect opens a client to uri and pings the primary, retrying transient
// failures.
func Connect(ctx context.Context, uri string, opts ConnectOptions) (*mongo.Client, error) {
	if uri == "" {
		return nil, errors.New("invalid MongoDB URI")
	}

	copts := options.Client().
		ApplyURI(uri).
		SetAppName(appName).
		SetReadPreference(readpref.Primary())

	if opts.OnPrimaryChange != nil {
		w := &primaryWatcher{onChange: opts.OnPrimaryChange}
		copts.SetServerMonitor(&event.ServerMonitor{
			TopologyDescriptionChanged: w.topologyChanged,
		})
	}

	client, err := mongo.Connect(copts)
	if err != nil {
		return nil, errors.Wrap(err, "connect")
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}

	err = RunWithRetry(ctx, func(ctx context.Context) error {
		return util.WithTimeout(ctx, timeout, func(ctx context.Context) error {
			return client.Ping(ctx, readpref.Primary()) //nolint:wrapcheck
		})
	}, DefaultRetryInterval, DefaultMaxRetries)
	if err != nil {
		_ = client.Disconnect(context.Background())

		return nil, errors.Wrap(err, "ping")
	}

	return client, nil
}

// Disconnect closes the client, bounded by timeout.
func Disconnect(ctx context.Context, client *mongo.Client, timeout time.Duration) error {
	return util.WithTimeout(ctx, timeout, client.Disconnect) //nolint:wrapcheck
}

type primary struct {
	addr       string
	electionID bson.ObjectID
}

// primaryWatcher tracks the replica set primary across topology changes.
type primaryWatcher struct {
	mu       sync.Mutex
	current  primary
	onChange PrimaryChangeFunc
}

func (w *primaryWatcher) topologyChanged(evt *event.TopologyDescriptionChangedEvent) {
	next, ok := findPrimary(evt.NewDescription)
	if !ok {
		return
	}

	w.mu.Lock()
	prev := w.current
	changed := prev.addr != next.addr || prev.electionID != next.electionID
	w.current = next
	w.mu.Unlock()

	if changed {
		w.onChange(prev.addr, next.addr)
	}
}

func findPrimary(desc event.TopologyDescription) (primary, bool) {
	for _, s := range desc.Servers {
		if s.Kind == "RSPrimary" {
			return primary{addr: s.Addr.String(), electionID: s.ElectionID}, true
		}
	}

	return primary{}, false
}
