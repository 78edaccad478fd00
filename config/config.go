// Package config provides configuration management for POSM using Viper.
package config

import (
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/percona/percona-oplogsync-mongodb/errors"
)

// Config holds all POSM process configuration. Job definitions live in the
// jobs file (see [LoadJobs]).
type Config struct {
	Port         int    `mapstructure:"port"`
	JobsFile     string `mapstructure:"jobs-file"`
	CheckpointDB string `mapstructure:"checkpoint-db"`

	Log LogConfig `mapstructure:",squash"`

	MongoDB MongoDBConfig `mapstructure:",squash"`

	Copy CopyConfig `mapstructure:",squash"`

	Tail TailConfig `mapstructure:",squash"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level   string `mapstructure:"log-level"`
	JSON    bool   `mapstructure:"log-json"`
	NoColor bool   `mapstructure:"log-no-color"`
}

// MongoDBConfig holds MongoDB client configuration.
type MongoDBConfig struct {
	// OperationTimeout bounds connect, ping and checkpoint operations.
	// The copy and tail paths are never bounded by it.
	OperationTimeout time.Duration `mapstructure:"mongodb-operation-timeout"`
}

// CopyConfig holds bulk copy configuration.
type CopyConfig struct {
	// BatchSize is the number of documents written per bulk write.
	BatchSize int `mapstructure:"copy-batch-size"`
}

// TailConfig holds oplog tailing configuration.
type TailConfig struct {
	// ResumeWindow is the longest a job may go without a checkpoint update
	// and still resume from it. 0 disables the check.
	ResumeWindow time.Duration `mapstructure:"resume-window"`
	// HeartbeatInterval is how often an idle tailer refreshes its checkpoint.
	HeartbeatInterval time.Duration `mapstructure:"heartbeat-interval"`
	// MaxAwaitTime is how long the server waits for new oplog entries
	// before an empty getMore returns.
	MaxAwaitTime time.Duration `mapstructure:"tail-max-await-time"`
}

// Load initializes Viper and returns a Config with defaults applied.
func Load(cmd *cobra.Command) (*Config, error) {
	viper.SetEnvPrefix("POSM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	if cmd.PersistentFlags() != nil {
		_ = viper.BindPFlags(cmd.PersistentFlags())
	}

	if cmd.Flags() != nil {
		_ = viper.BindPFlags(cmd.Flags())
	}

	bindEnvVars()

	var cfg Config

	err := viper.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	))
	if err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}

	applyDefaults(&cfg)

	return &cfg, nil
}

func bindEnvVars() {
	_ = viper.BindEnv("port", "POSM_PORT")
	_ = viper.BindEnv("jobs-file", "POSM_JOBS_FILE")
	_ = viper.BindEnv("checkpoint-db", "POSM_CHECKPOINT_DB")

	_ = viper.BindEnv("log-level", "POSM_LOG_LEVEL")
	_ = viper.BindEnv("log-json", "POSM_LOG_JSON")
	_ = viper.BindEnv("log-no-color", "POSM_LOG_NO_COLOR", "NO_COLOR")

	_ = viper.BindEnv("mongodb-operation-timeout", "POSM_MONGODB_OPERATION_TIMEOUT")

	_ = viper.BindEnv("copy-batch-size", "POSM_COPY_BATCH_SIZE")

	_ = viper.BindEnv("resume-window", "POSM_RESUME_WINDOW")
	_ = viper.BindEnv("heartbeat-interval", "POSM_HEARTBEAT_INTERVAL")
	_ = viper.BindEnv("tail-max-await-time", "POSM_TAIL_MAX_AWAIT_TIME")
}

func applyDefaults(cfg *Config) {
	if cfg.Port == 0 {
		cfg.Port = DefaultServerPort
	}

	if cfg.CheckpointDB == "" {
		cfg.CheckpointDB = DefaultCheckpointDB
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}

	if cfg.MongoDB.OperationTimeout == 0 {
		cfg.MongoDB.OperationTimeout = DefaultMongoDBOperationTimeout
	}

	if cfg.Copy.BatchSize == 0 {
		cfg.Copy.BatchSize = DefaultCopyBatchSize
	}

	if cfg.Tail.HeartbeatInterval == 0 {
		cfg.Tail.HeartbeatInterval = DefaultHeartbeatInterval
	}

	if cfg.Tail.MaxAwaitTime == 0 {
		cfg.Tail.MaxAwaitTime = DefaultTailMaxAwaitTime
	}
}
