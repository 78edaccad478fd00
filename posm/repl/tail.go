// Package repl tails the source oplog and applies it to the destination.
package repl

import (
	"context"
	"iter"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/percona-oplogsync-mongodb/checkpoint"
	"github.com/percona/percona-oplogsync-mongodb/config"
	"github.com/percona/percona-oplogsync-mongodb/errors"
	"github.com/percona/percona-oplogsync-mongodb/log"
	"github.com/percona/percona-oplogsync-mongodb/metrics"
	"github.com/percona/percona-oplogsync-mongodb/sel"
)

// ActionRestart is the operator action for a broken tail.
const ActionRestart = "restart the job; it resumes after the last checkpoint"

var ErrTailEnded = errors.New("oplog tail ended")

// Oplog is a tailable reader of the source oplog. A nil document with a nil
// error is an idle tick.
type Oplog interface {
	Tail(ctx context.Context, filter bson.D, maxAwait time.Duration) iter.Seq2[bson.Raw, error]
}

// Options configures a Tailer.
type Options struct {
	JobID string
	// HeartbeatInterval is how often an idle tailer touches the checkpoint.
	// Default: 30s (config.DefaultHeartbeatInterval)
	HeartbeatInterval time.Duration
	// MaxAwaitTime is the server-side wait for new entries.
	// Default: 1s (config.DefaultTailMaxAwaitTime)
	MaxAwaitTime time.Duration
}

// Tailer applies oplog entries strictly in order, one at a time, saving the
// checkpoint after each one.
type Tailer struct {
	oplog   Oplog
	applier *Applier
	store   checkpoint.Store
	set     *sel.Set
	opts    Options
	now     func() time.Time

	lock          sync.Mutex
	startTime     time.Time
	lastAppliedTS bson.Timestamp
	lastHeartbeat time.Time
	entriesRead   int64
	docsWritten   int64
}

// Status represents the status of the tail.
type Status struct {
	StartTime     time.Time
	LastAppliedTS bson.Timestamp
	LastHeartbeat time.Time
	EntriesRead   int64
	DocsWritten   int64
}

//go:inline
func (s *Status) IsStarted() bool {
	return !s.StartTime.IsZero()
}

func NewTailer(
	oplog Oplog,
	applier *Applier,
	store checkpoint.Store,
	set *sel.Set,
	opts Options,
) *Tailer {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = config.DefaultHeartbeatInterval
	}

	if opts.MaxAwaitTime <= 0 {
		opts.MaxAwaitTime = config.DefaultTailMaxAwaitTime
	}

	return &Tailer{
		oplog:   oplog,
		applier: applier,
		store:   store,
		set:     set,
		opts:    opts,
		now:     time.Now,
	}
}

func (t *Tailer) Status() Status {
	t.lock.Lock()
	defer t.lock.Unlock()

	return Status{
		StartTime:     t.startTime,
		LastAppliedTS: t.lastAppliedTS,
		LastHeartbeat: t.lastHeartbeat,
		EntriesRead:   t.entriesRead,
		DocsWritten:   t.docsWritten,
	}
}

// Run tails entries strictly after the timestamp until ctx is done or a fatal
// error occurs. For each entry it applies it, then saves its ts as the
// checkpoint, then reads the next one.
func (t *Tailer) Run(ctx context.Context, after bson.Timestamp) error {
	lg := log.New("repl").With(log.Job(t.opts.JobID))
	ctx = lg.WithContext(ctx)

	t.lock.Lock()
	t.startTime = t.now()
	t.lastAppliedTS = after
	t.lock.Unlock()

	lg.With(log.OpTime(after.T, after.I)).Info("Tailing oplog")

	lastWrite := t.now()

	for raw, err := range t.oplog.Tail(ctx, t.set.OplogQuery(after), t.opts.MaxAwaitTime) {
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err() //nolint:wrapcheck
			}

			return errors.Fatal(errors.Wrap(err, "tail oplog"), ActionRestart)
		}

		if raw == nil {
			if t.now().Sub(lastWrite) >= t.opts.HeartbeatInterval {
				err = t.heartbeat(ctx)
				if err != nil {
					return err
				}

				lastWrite = t.now()
			}

			continue
		}

		metrics.IncEntriesRead(t.opts.JobID)

		entry, err := ParseEntry(raw)
		if err != nil {
			return errors.Fatal(errors.Wrap(err, "parse entry"), ActionRestart)
		}

		if !entry.TS.After(after) {
			return errors.Fatal(
				errors.Errorf("entry %d.%d is not after %d.%d",
					entry.TS.T, entry.TS.I, after.T, after.I),
				ActionRestart)
		}

		written, err := t.applier.Apply(ctx, entry)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err() //nolint:wrapcheck
			}

			return errors.Fatal(
				errors.Wrapf(err, "apply %s on %s at %d.%d", entry.Op, entry.NS, entry.TS.T, entry.TS.I),
				ActionRestart)
		}

		err = t.store.Save(ctx, t.opts.JobID, entry.TS)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err() //nolint:wrapcheck
			}

			return errors.Fatal(errors.Wrap(err, "save checkpoint"), ActionRestart)
		}

		metrics.IncCheckpointWrites(t.opts.JobID)

		after = entry.TS
		lastWrite = t.now()

		t.advance(entry.TS, written)
	}

	if ctx.Err() != nil {
		return ctx.Err() //nolint:wrapcheck
	}

	return errors.Fatal(ErrTailEnded, ActionRestart)
}

func (t *Tailer) heartbeat(ctx context.Context) error {
	err := t.store.Touch(ctx, t.opts.JobID)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err() //nolint:wrapcheck
		}

		return errors.Fatal(errors.Wrap(err, "checkpoint heartbeat"), ActionRestart)
	}

	t.lock.Lock()
	t.lastHeartbeat = t.now()
	t.lock.Unlock()

	metrics.IncCheckpointWrites(t.opts.JobID)
	log.Ctx(ctx).Trace("Checkpoint heartbeat")

	return nil
}

func (t *Tailer) advance(ts bson.Timestamp, written int) {
	t.lock.Lock()
	t.lastAppliedTS = ts
	t.entriesRead++
	t.docsWritten += int64(written)
	t.lock.Unlock()

	now := t.now().Unix()

	var lag uint32
	if now > int64(ts.T) {
		lag = uint32(now - int64(ts.T)) //nolint:gosec
	}

	metrics.SetLagTimeSeconds(t.opts.JobID, lag)
	metrics.SetLastAppliedTimestamp(t.opts.JobID, ts.T)
}
