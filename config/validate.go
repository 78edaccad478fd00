package config

import (
	"github.com/percona/percona-oplogsync-mongodb/errors"
)

// Validate validates the Config for required fields and value ranges.
func Validate(cfg *Config) error {
	port := cfg.Port
	if port == 0 {
		port = DefaultServerPort
	}

	if port <= 1024 || port > 65535 {
		return errors.New("port value is outside the supported range [1024 - 65535]")
	}

	if cfg.JobsFile == "" {
		return errors.New("jobs file is not set")
	}

	if cfg.Copy.BatchSize < 0 || cfg.Copy.BatchSize > MaxCopyBatchSize {
		return errors.Errorf("copy batch size must be within [1 - %d]", MaxCopyBatchSize)
	}

	switch {
	case cfg.Tail.ResumeWindow < 0:
		return errors.New("resume window must not be negative")
	case cfg.Tail.HeartbeatInterval < 0:
		return errors.New("heartbeat interval must not be negative")
	case cfg.Tail.MaxAwaitTime < 0:
		return errors.New("tail max await time must not be negative")
	case cfg.MongoDB.OperationTimeout < 0:
		return errors.New("mongodb operation timeout must not be negative")
	}

	if cfg.Tail.ResumeWindow > 0 && cfg.Tail.HeartbeatInterval >= cfg.Tail.ResumeWindow {
		return errors.New("heartbeat interval must be shorter than the resume window")
	}

	return nil
}
