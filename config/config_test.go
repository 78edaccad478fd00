package config_test

import (
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/percona/percona-oplogsync-mongodb/config"
)

//nolint:paralleltest
func TestLoad(t *testing.T) {
	t.Setenv("POSM_JOBS_FILE", "/tmp/jobs.yaml")
	t.Setenv("POSM_RESUME_WINDOW", "2h")
	t.Setenv("POSM_COPY_BATCH_SIZE", "500")

	cmd := &cobra.Command{Use: "posm"}
	cmd.PersistentFlags().String("log-level", "debug", "")

	cfg, err := config.Load(cmd)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/jobs.yaml", cfg.JobsFile)
	assert.Equal(t, 2*time.Hour, cfg.Tail.ResumeWindow)
	assert.Equal(t, 500, cfg.Copy.BatchSize)
	assert.Equal(t, "debug", cfg.Log.Level)

	assert.Equal(t, config.DefaultServerPort, cfg.Port)
	assert.Equal(t, config.DefaultCheckpointDB, cfg.CheckpointDB)
	assert.Equal(t, config.DefaultHeartbeatInterval, cfg.Tail.HeartbeatInterval)
	assert.Equal(t, config.DefaultTailMaxAwaitTime, cfg.Tail.MaxAwaitTime)
	assert.Equal(t, config.DefaultMongoDBOperationTimeout, cfg.MongoDB.OperationTimeout)
}

//nolint:paralleltest
func TestLoadWithRegisteredFlags(t *testing.T) {
	cmd := &cobra.Command{Use: "posm"}
	config.RegisterFlags(cmd)

	hidden := cmd.Flags().Lookup("tail-max-await-time")
	require.NotNil(t, hidden)
	assert.True(t, hidden.Hidden)

	cfg, err := config.Load(cmd)
	require.NoError(t, err)

	assert.Equal(t, config.DefaultServerPort, cfg.Port)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, config.DefaultCopyBatchSize, cfg.Copy.BatchSize)
	assert.Zero(t, cfg.Tail.ResumeWindow)
	assert.Equal(t, config.DefaultHeartbeatInterval, cfg.Tail.HeartbeatInterval)
	assert.Equal(t, config.DefaultTailMaxAwaitTime, cfg.Tail.MaxAwaitTime)
	assert.Equal(t, config.DefaultMongoDBOperationTimeout, cfg.MongoDB.OperationTimeout)
}

//nolint:paralleltest
func TestLoadWithRegisteredFlagsOverridden(t *testing.T) {
	cmd := &cobra.Command{Use: "posm"}
	config.RegisterFlags(cmd)

	require.NoError(t, cmd.ParseFlags([]string{
		"--tail-max-await-time", "250ms",
		"--resume-window", "1h",
		"--heartbeat-interval", "1m",
	}))

	cfg, err := config.Load(cmd)
	require.NoError(t, err)

	assert.Equal(t, 250*time.Millisecond, cfg.Tail.MaxAwaitTime)
	assert.Equal(t, time.Hour, cfg.Tail.ResumeWindow)
	assert.Equal(t, time.Minute, cfg.Tail.HeartbeatInterval)
}
