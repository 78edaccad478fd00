package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/percona/percona-oplogsync-mongodb/config"
)

const jobsYAML = `
jobs:
  - jobId: users-sync
    preCopyDelaySeconds: 5
    source:
      url: mongodb://src:27017
      namespace: app
    destination:
      url: mongodb://dst:27017
    collections: [users, orders]
  - jobId: audit
    forceFullCopy: true
    source:
      url: mongodb://src:27017
      namespace: app
      oplogUrl: mongodb://src-oplog:27017
    destination:
      url: mongodb://dst:27017
      namespace: app_audit
    collections: [events]
`

func TestParseJobs(t *testing.T) {
	t.Parallel()

	jobs, err := config.ParseJobs([]byte(jobsYAML))
	require.NoError(t, err)
	require.Len(t, jobs, 2)

	users := jobs[0]
	assert.Equal(t, "users-sync", users.ID)
	assert.False(t, users.ForceFullCopy)
	assert.Equal(t, 5*time.Second, users.PreCopyDelay())
	assert.Equal(t, "mongodb://src:27017", users.Source.OplogURL, "oplog url defaults to source url")
	assert.Equal(t, "app", users.Destination.Namespace, "destination namespace defaults to source")
	assert.Equal(t, []string{"users", "orders"}, users.Collections)

	audit := jobs[1]
	assert.True(t, audit.ForceFullCopy)
	assert.Equal(t, "mongodb://src-oplog:27017", audit.Source.OplogURL)
	assert.Equal(t, "app_audit", audit.Destination.Namespace)
	assert.Zero(t, audit.PreCopyDelay())
}

func TestParseJobsInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "no jobs",
			yaml:    "jobs: []",
			wantErr: "jobs: must list at least 1 item(s)",
		},
		{
			name: "missing job id",
			yaml: `
jobs:
  - source: {url: mongodb://a, namespace: app}
    destination: {url: mongodb://b}
    collections: [c]`,
			wantErr: "jobs[0].jobId: is required",
		},
		{
			name: "missing source url",
			yaml: `
jobs:
  - jobId: j
    source: {namespace: app}
    destination: {url: mongodb://b}
    collections: [c]`,
			wantErr: "jobs[0].source.url: is required",
		},
		{
			name: "no collections",
			yaml: `
jobs:
  - jobId: j
    source: {url: mongodb://a, namespace: app}
    destination: {url: mongodb://b}`,
			wantErr: "jobs[0].collections: is required",
		},
		{
			name: "duplicate collections",
			yaml: `
jobs:
  - jobId: j
    source: {url: mongodb://a, namespace: app}
    destination: {url: mongodb://b}
    collections: [c, c]`,
			wantErr: "must not contain duplicates",
		},
		{
			name: "empty collection name",
			yaml: `
jobs:
  - jobId: j
    source: {url: mongodb://a, namespace: app}
    destination: {url: mongodb://b}
    collections: [c, ""]`,
			wantErr: "jobs[0].collections[1]: must not be empty",
		},
		{
			name: "system collection",
			yaml: `
jobs:
  - jobId: j
    source: {url: mongodb://a, namespace: app}
    destination: {url: mongodb://b}
    collections: [system.profile]`,
			wantErr: `jobs[0].collections[0]: "system.profile" is not a valid collection name`,
		},
		{
			name: "invalid source namespace",
			yaml: `
jobs:
  - jobId: j
    source: {url: mongodb://a, namespace: my.app}
    destination: {url: mongodb://b}
    collections: [c]`,
			wantErr: `jobs[0].source.namespace: "my.app" is not a valid database name`,
		},
		{
			name: "invalid destination namespace",
			yaml: `
jobs:
  - jobId: j
    source: {url: mongodb://a, namespace: app}
    destination: {url: mongodb://b, namespace: "app copy"}
    collections: [c]`,
			wantErr: `jobs[0].destination.namespace: "app copy" is not a valid database name`,
		},
		{
			name: "url without scheme",
			yaml: `
jobs:
  - jobId: j
    source: {url: "localhost:27017", namespace: app}
    destination: {url: mongodb://b}
    collections: [c]`,
			wantErr: "jobs[0].source.url: must be a mongodb:// or mongodb+srv:// connection string",
		},
		{
			name: "invalid oplog url",
			yaml: `
jobs:
  - jobId: j
    source: {url: mongodb://a, namespace: app, oplogUrl: "http://a"}
    destination: {url: mongodb://b}
    collections: [c]`,
			wantErr: "jobs[0].source.oplogUrl: must be a mongodb:// or mongodb+srv:// connection string",
		},
		{
			name: "negative delay",
			yaml: `
jobs:
  - jobId: j
    preCopyDelaySeconds: -1
    source: {url: mongodb://a, namespace: app}
    destination: {url: mongodb://b}
    collections: [c]`,
			wantErr: "preCopyDelaySeconds: must be at least 0",
		},
		{
			name: "duplicate job ids",
			yaml: `
jobs:
  - jobId: j
    source: {url: mongodb://a, namespace: app}
    destination: {url: mongodb://b}
    collections: [c]
  - jobId: j
    source: {url: mongodb://a, namespace: app}
    destination: {url: mongodb://b}
    collections: [d]`,
			wantErr: `duplicate job id "j"`,
		},
		{
			name: "source equals destination",
			yaml: `
jobs:
  - jobId: j
    source: {url: mongodb://a, namespace: app}
    destination: {url: mongodb://a}
    collections: [c]`,
			wantErr: "source and destination are identical",
		},
		{
			name:    "malformed yaml",
			yaml:    "jobs: [",
			wantErr: "decode",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, err := config.ParseJobs([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadJobs(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "jobs.yaml")
	require.NoError(t, os.WriteFile(path, []byte(jobsYAML), 0o600))

	jobs, err := config.LoadJobs(path)
	require.NoError(t, err)
	assert.Len(t, jobs, 2)

	_, err = config.LoadJobs(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read jobs file")
}
