package repl_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/percona-oplogsync-mongodb/checkpoint"
	"github.com/percona/percona-oplogsync-mongodb/errors"
	"github.com/percona/percona-oplogsync-mongodb/posm/repl"
	"github.com/percona/percona-oplogsync-mongodb/sel"
	"github.com/percona/percona-oplogsync-mongodb/topo/memdb"
)

const jobID = "users-sync"

type tailFixture struct {
	src   *memdb.Cluster
	dst   *memdb.DB
	store *checkpoint.MemoryStore
	set   *sel.Set
}

func newTailFixture() *tailFixture {
	return &tailFixture{
		src:   memdb.NewCluster("app"),
		dst:   memdb.NewDB(),
		store: checkpoint.NewMemoryStore(),
		set:   sel.NewSet("app", []string{"users"}),
	}
}

func (f *tailFixture) tailer(target repl.Target, opts repl.Options) *repl.Tailer {
	if opts.JobID == "" {
		opts.JobID = jobID
	}

	applier := repl.NewApplier(opts.JobID, f.src.DB, target, f.set)

	return repl.NewTailer(f.src.Oplog, applier, f.store, f.set, opts)
}

// runUntilIdle tails from after until the oplog is drained.
func (f *tailFixture) runUntilIdle(t *testing.T, tl *repl.Tailer, after bson.Timestamp) error {
	t.Helper()

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	f.src.Oplog.Idle = cancel

	return tl.Run(ctx, after)
}

func TestTailAppliesUpdate(t *testing.T) {
	t.Parallel()

	f := newTailFixture()
	f.src.Insert("users", bson.D{{"_id", 7}, {"name", "Alice"}})
	f.dst.Put("users", bson.D{{"_id", 7}, {"name", "Alice"}})

	after, err := f.src.Oplog.Latest(t.Context())
	require.NoError(t, err)
	require.NoError(t, f.store.Save(t.Context(), jobID, after))

	updateTS := f.src.Set("users", 7, bson.D{{"name", "Alicia"}})

	err = f.runUntilIdle(t, f.tailer(f.dst, repl.Options{}), after)
	require.ErrorIs(t, err, context.Canceled)
	assert.False(t, errors.IsFatal(err))

	assert.Equal(t, "Alicia", name(t, f.dst, 7))

	cp, err := f.store.Load(t.Context(), jobID)
	require.NoError(t, err)
	assert.Equal(t, updateTS, cp.AfterTS)
}

func TestTailAppliesInOrderAndCheckpointsEach(t *testing.T) {
	t.Parallel()

	f := newTailFixture()
	after := f.src.Oplog.NextTS()

	var want []bson.Timestamp
	want = append(want, f.src.Insert("users", bson.D{{"_id", 1}, {"name", "a"}}))
	want = append(want, f.src.Set("users", 1, bson.D{{"name", "b"}}))
	want = append(want, f.src.Insert("sessions", bson.D{{"_id", 9}}))
	want = append(want, f.src.Noop(""))
	want = append(want, f.src.Insert("users", bson.D{{"_id", 2}, {"name", "c"}}))
	want = append(want, f.src.Delete("users", 2))
	want = append(want, f.src.Replace("users", bson.D{{"_id", 1}, {"name", "d"}}))

	tl := f.tailer(f.dst, repl.Options{})
	require.ErrorIs(t, f.runUntilIdle(t, tl, after), context.Canceled)

	assert.Equal(t, want, f.store.Saves, "checkpoint after every entry, skipped ones included")
	assert.Equal(t, "d", name(t, f.dst, 1))
	assert.Nil(t, f.dst.Get("users", 2))
	assert.Zero(t, f.dst.Count("sessions"))

	st := tl.Status()
	assert.Equal(t, want[len(want)-1], st.LastAppliedTS)
	assert.Equal(t, int64(len(want)), st.EntriesRead)
}

func TestTailResumesStrictlyAfter(t *testing.T) {
	t.Parallel()

	f := newTailFixture()
	first := f.src.Insert("users", bson.D{{"_id", 1}, {"name", "a"}})
	f.src.Insert("users", bson.D{{"_id", 2}, {"name", "b"}})

	require.ErrorIs(t, f.runUntilIdle(t, f.tailer(f.dst, repl.Options{}), first), context.Canceled)

	assert.Nil(t, f.dst.Get("users", 1), "the checkpoint entry itself is not re-applied")
	assert.Equal(t, "b", name(t, f.dst, 2))
}

func TestTailApplyOpsCheckpointAtOuterTS(t *testing.T) {
	t.Parallel()

	f := newTailFixture()
	after := f.src.Oplog.NextTS()

	txTS := f.src.Oplog.NextTS()
	f.src.Oplog.Append(memdb.ApplyOps(txTS,
		memdb.Op("i", "app.users", bson.D{{"_id", 1}, {"name", "a"}}, nil),
		memdb.Op("i", "app.users", bson.D{{"_id", 2}, {"name", "b"}}, nil),
	))

	require.ErrorIs(t, f.runUntilIdle(t, f.tailer(f.dst, repl.Options{}), after), context.Canceled)

	assert.Equal(t, []bson.Timestamp{txTS}, f.store.Saves)
	assert.Equal(t, 2, f.dst.Count("users"))
}

func TestTailIdleHeartbeat(t *testing.T) {
	t.Parallel()

	f := newTailFixture()
	after := f.src.Insert("users", bson.D{{"_id", 1}})
	f.store.Put(checkpoint.Checkpoint{JobID: jobID, AfterTS: after, UpdatedAt: time.Now().Add(-time.Hour)})

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()

	idle := 0
	f.src.Oplog.Idle = func() {
		idle++
		if idle == 3 {
			cancel()
		}
	}

	tl := f.tailer(f.dst, repl.Options{HeartbeatInterval: time.Nanosecond})
	require.ErrorIs(t, tl.Run(ctx, after), context.Canceled)

	assert.GreaterOrEqual(t, f.store.Touches, 1)
	assert.Empty(t, f.store.Saves, "heartbeat never moves the position")

	cp, err := f.store.Load(t.Context(), jobID)
	require.NoError(t, err)
	assert.Equal(t, after, cp.AfterTS)
	assert.WithinDuration(t, time.Now(), cp.UpdatedAt, time.Minute)
	assert.False(t, tl.Status().LastHeartbeat.IsZero())
}

func TestTailBrokenCursorIsFatal(t *testing.T) {
	t.Parallel()

	f := newTailFixture()
	after := f.src.Oplog.NextTS()
	f.src.Insert("users", bson.D{{"_id", 1}, {"name", "a"}})

	cursorErr := errors.New("cursor killed")
	f.src.Oplog.TailErr = cursorErr

	err := f.tailer(f.dst, repl.Options{}).Run(t.Context(), after)

	require.ErrorIs(t, err, cursorErr)
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, repl.ActionRestart, errors.FatalAction(err))
	assert.Equal(t, 1, f.dst.Count("users"), "entries before the failure are applied")
}

type failingTarget struct {
	*memdb.DB

	err error
}

func (t *failingTarget) DeleteByID(context.Context, string, bson.RawValue) error {
	return t.err
}

func TestTailApplyFailureKeepsCheckpoint(t *testing.T) {
	t.Parallel()

	f := newTailFixture()
	after := f.src.Oplog.NextTS()
	insertTS := f.src.Insert("users", bson.D{{"_id", 1}, {"name", "a"}})
	f.src.Delete("users", 1)
	f.src.Insert("users", bson.D{{"_id", 2}, {"name", "b"}})

	writeErr := errors.New("not primary")
	target := &failingTarget{DB: f.dst, err: writeErr}

	err := f.runUntilIdle(t, f.tailer(target, repl.Options{}), after)

	require.ErrorIs(t, err, writeErr)
	assert.True(t, errors.IsFatal(err))
	assert.Equal(t, []bson.Timestamp{insertTS}, f.store.Saves,
		"the failed entry is not checkpointed")
	assert.Nil(t, f.dst.Get("users", 2), "nothing after the failed entry is applied")
}
