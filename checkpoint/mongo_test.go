//go:build integration

package checkpoint_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/percona-oplogsync-mongodb/checkpoint"
	"github.com/percona/percona-oplogsync-mongodb/topo"
	"github.com/percona/percona-oplogsync-mongodb/topo/topotest"
)

func TestMongoStore(t *testing.T) {
	ctx := t.Context()
	uri := topotest.StartReplicaSet(t)

	client, err := topo.Connect(ctx, uri, topo.ConnectOptions{Timeout: time.Minute})
	require.NoError(t, err)

	t.Cleanup(func() { _ = topo.Disconnect(context.Background(), client, 5*time.Second) })

	s := checkpoint.NewMongoStore(client, "posm_test", "checkpoints", time.Minute)

	_, err = s.Load(ctx, "job")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
	require.ErrorIs(t, s.Touch(ctx, "job"), checkpoint.ErrNotFound)

	ts := bson.Timestamp{T: 1700000000, I: 7}
	require.NoError(t, s.Save(ctx, "job", ts))

	cp, err := s.Load(ctx, "job")
	require.NoError(t, err)
	assert.Equal(t, "job", cp.JobID)
	assert.Equal(t, ts, cp.AfterTS)
	assert.WithinDuration(t, time.Now(), cp.UpdatedAt, time.Minute)

	require.NoError(t, s.Touch(ctx, "job"))
	require.NoError(t, s.Delete(ctx, "job"))

	_, err = s.Load(ctx, "job")
	require.ErrorIs(t, err, checkpoint.ErrNotFound)
}
