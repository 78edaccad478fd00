package memdb

import (
	"context"
	"iter"
	"slices"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/percona-oplogsync-mongodb/topo"
)

// Oplog is an append-only list of oplog entries.
type Oplog struct {
	mu      sync.Mutex
	entries []bson.Raw
	clock   bson.Timestamp

	// Idle, if set, is called each time a tail consumer has caught up.
	Idle func()
	// TailErr, if set, is returned by a tail once it has caught up.
	TailErr error
}

func NewOplog() *Oplog {
	return &Oplog{clock: bson.Timestamp{T: uint32(time.Now().Unix())}} //nolint:gosec
}

// NextTS returns a timestamp greater than every appended one.
func (o *Oplog) NextTS() bson.Timestamp {
	o.mu.Lock()
	defer o.mu.Unlock()

	return o.tick()
}

func (o *Oplog) tick() bson.Timestamp {
	o.clock.I++

	return o.clock
}

// Append adds an entry. Its ts must be greater than the last one.
func (o *Oplog) Append(entry bson.Raw) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if ts, ok := entryTS(entry); ok && ts.After(o.clock) {
		o.clock = ts
	}

	o.entries = append(o.entries, entry)
}

// Truncate drops entries older than ts, like a capped collection rolling over.
func (o *Oplog) Truncate(ts bson.Timestamp) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.entries = slices.DeleteFunc(o.entries, func(e bson.Raw) bool {
		t, _ := entryTS(e)

		return t.Before(ts)
	})
}

// Rollback drops entries newer than ts, like a failover discarding writes.
func (o *Oplog) Rollback(ts bson.Timestamp) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.entries = slices.DeleteFunc(o.entries, func(e bson.Raw) bool {
		t, _ := entryTS(e)

		return t.After(ts)
	})
}

func (o *Oplog) Latest(context.Context) (bson.Timestamp, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.entries) == 0 {
		return bson.Timestamp{}, topo.ErrEmptyOplog
	}

	ts, _ := entryTS(o.entries[len(o.entries)-1])

	return ts, nil
}

func (o *Oplog) Oldest(context.Context) (bson.Timestamp, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if len(o.entries) == 0 {
		return bson.Timestamp{}, topo.ErrEmptyOplog
	}

	ts, _ := entryTS(o.entries[0])

	return ts, nil
}

func (o *Oplog) Has(_ context.Context, ts bson.Timestamp) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, e := range o.entries {
		if t, _ := entryTS(e); t.Equal(ts) {
			return true, nil
		}
	}

	return false, nil
}

// Tail yields entries with ts greater than the filter's ts.$gt. Other filter
// fields are ignored. When caught up it yields an idle tick.
func (o *Oplog) Tail(ctx context.Context, filter bson.D, _ time.Duration) iter.Seq2[bson.Raw, error] {
	after := filterAfter(filter)

	return func(yield func(bson.Raw, error) bool) {
		for {
			if err := ctx.Err(); err != nil {
				yield(nil, err)

				return
			}

			next := o.next(after)
			if next != nil {
				after, _ = entryTS(next)

				if !yield(next, nil) {
					return
				}

				continue
			}

			o.mu.Lock()
			idle, tailErr := o.Idle, o.TailErr
			o.mu.Unlock()

			if tailErr != nil {
				yield(nil, tailErr)

				return
			}

			if idle != nil {
				idle()
			}

			if !yield(nil, nil) {
				return
			}

			time.Sleep(time.Millisecond)
		}
	}
}

// SetTailErr sets TailErr while tails may be running.
func (o *Oplog) SetTailErr(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.TailErr = err
}

func (o *Oplog) next(after bson.Timestamp) bson.Raw {
	o.mu.Lock()
	defer o.mu.Unlock()

	for _, e := range o.entries {
		if t, _ := entryTS(e); t.After(after) {
			return e
		}
	}

	return nil
}

func filterAfter(filter bson.D) bson.Timestamp {
	for _, e := range filter {
		if e.Key != "ts" {
			continue
		}

		cond, ok := e.Value.(bson.D)
		if !ok {
			continue
		}

		for _, c := range cond {
			if ts, ok := c.Value.(bson.Timestamp); ok && c.Key == "$gt" {
				return ts
			}
		}
	}

	return bson.Timestamp{}
}

func entryTS(entry bson.Raw) (bson.Timestamp, bool) {
	t, i, ok := entry.Lookup("ts").TimestampOK()

	return bson.Timestamp{T: t, I: i}, ok
}
