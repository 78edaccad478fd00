package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/v2/bson"

	perrors "github.com/percona/percona-oplogsync-mongodb/errors"
	"github.com/percona/percona-oplogsync-mongodb/posm"
	"github.com/percona/percona-oplogsync-mongodb/posm/clone"
	"github.com/percona/percona-oplogsync-mongodb/posm/repl"
)

type staticStatus []posm.Status

func (s staticStatus) Status() []posm.Status { return s }

func TestHandleStatus(t *testing.T) {
	t.Parallel()

	now := time.Now()
	applied := bson.Timestamp{T: uint32(now.Add(-10 * time.Second).Unix()), I: 3} //nolint:gosec

	fatal := perrors.Fatal(errors.New("resume position not found in log"), repl.ActionForceFullCopy)

	srv := newServer(staticStatus{
		{
			JobID:      "users-sync",
			State:      posm.StateTailing,
			StateSince: now,
			StartTS:    bson.Timestamp{T: 1700000000, I: 1},
			Clone: clone.Status{
				CopiedDocuments: 3,
				CopiedSizeBytes: 2048,
				StartTime:       now,
				FinishTime:      now,
			},
			Repl: repl.Status{
				StartTime:     now,
				LastAppliedTS: applied,
				EntriesRead:   5,
				DocsWritten:   4,
			},
		},
		{
			JobID:      "orders-sync",
			State:      posm.StateFatal,
			StateSince: now,
			Err:        fatal,
			Action:     perrors.FatalAction(fatal),
		},
	})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var res statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))

	assert.False(t, res.Ok, "a failed job makes the response not ok")
	require.Len(t, res.Jobs, 2)

	users := res.Jobs[0]
	assert.Equal(t, "users-sync", users.JobID)
	assert.Equal(t, posm.StateTailing, users.State)
	assert.Equal(t, "1700000000.1", users.StartTS)
	assert.Empty(t, users.Err)

	require.NotNil(t, users.Copy)
	assert.EqualValues(t, 3, users.Copy.CopiedDocuments)
	assert.Equal(t, "2.0 kB", users.Copy.CopiedSize)

	require.NotNil(t, users.Tail)
	assert.EqualValues(t, 5, users.Tail.EntriesRead)
	assert.EqualValues(t, 4, users.Tail.DocsWritten)
	require.NotNil(t, users.Tail.LastApplied)
	assert.Equal(t, formatTS(applied.T, applied.I), users.Tail.LastApplied.TS)
	assert.GreaterOrEqual(t, users.Tail.LagTimeSeconds, int64(10))

	orders := res.Jobs[1]
	assert.Equal(t, posm.StateFatal, orders.State)
	assert.Contains(t, orders.Err, "resume position not found in log")
	assert.Equal(t, repl.ActionForceFullCopy, orders.Action)
	assert.Nil(t, orders.Copy)
	assert.Nil(t, orders.Tail)
}

func TestHandleStatusMethodNotAllowed(t *testing.T) {
	t.Parallel()

	srv := newServer(staticStatus{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleMetrics(t *testing.T) {
	t.Parallel()

	srv := newServer(staticStatus{})

	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}
