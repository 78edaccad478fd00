package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/percona/percona-oplogsync-mongodb/errors"
	"github.com/percona/percona-oplogsync-mongodb/validate"
)

// JobsFile is the on-disk jobs definition.
type JobsFile struct {
	Jobs []Job `json:"jobs" validate:"required,min=1,dive" yaml:"jobs"`
}

// Job describes one sync job: a set of collections copied from a source
// database to a destination database and then kept in sync from the oplog.
type Job struct {
	ID string `json:"jobId" validate:"required" yaml:"jobId"`

	// ForceFullCopy ignores an existing checkpoint and starts from a full copy.
	ForceFullCopy bool `json:"forceFullCopy" yaml:"forceFullCopy"`
	// PreCopyDelaySeconds is slept between capturing the start position and
	// starting the copy.
	PreCopyDelaySeconds int `json:"preCopyDelaySeconds" validate:"gte=0" yaml:"preCopyDelaySeconds"`

	Source      SourceConfig      `json:"source"      yaml:"source"`
	Destination DestinationConfig `json:"destination" yaml:"destination"`

	// Collections is the replicated collection set, in copy order.
	Collections []string `json:"collections" validate:"required,min=1,unique,dive,required,collection" yaml:"collections"`
}

type SourceConfig struct {
	URL       string `json:"url"       validate:"required,mongodb_uri" yaml:"url"`
	Namespace string `json:"namespace" validate:"required,database"    yaml:"namespace"`
	// OplogURL connects to the deployment holding local.oplog.rs. Defaults to URL.
	OplogURL string `json:"oplogUrl" validate:"omitempty,mongodb_uri" yaml:"oplogUrl"`
}

type DestinationConfig struct {
	URL string `json:"url" validate:"required,mongodb_uri" yaml:"url"`
	// Namespace defaults to the source namespace.
	Namespace string `json:"namespace" validate:"omitempty,database" yaml:"namespace"`
}

func (j *Job) PreCopyDelay() time.Duration {
	return time.Duration(j.PreCopyDelaySeconds) * time.Second
}

// LoadJobs reads, defaults and validates the jobs file at path.
func LoadJobs(path string) ([]Job, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, errors.Wrap(err, "read jobs file")
	}

	jobs, err := ParseJobs(data)
	if err != nil {
		return nil, errors.Wrapf(err, "jobs file %q", path)
	}

	return jobs, nil
}

// ParseJobs decodes YAML job definitions, fills defaults and validates them.
func ParseJobs(data []byte) ([]Job, error) {
	var f JobsFile

	err := yaml.Unmarshal(data, &f)
	if err != nil {
		return nil, errors.Wrap(err, "decode")
	}

	for i := range f.Jobs {
		job := &f.Jobs[i]

		if job.Source.OplogURL == "" {
			job.Source.OplogURL = job.Source.URL
		}

		if job.Destination.Namespace == "" {
			job.Destination.Namespace = job.Source.Namespace
		}
	}

	err = validate.Struct(&f)
	if err != nil {
		return nil, errors.Wrap(err, "validate")
	}

	seen := make(map[string]bool, len(f.Jobs))

	for _, job := range f.Jobs {
		if seen[job.ID] {
			return nil, errors.Errorf("duplicate job id %q", job.ID)
		}

		seen[job.ID] = true

		if job.Source.URL == job.Destination.URL &&
			job.Source.Namespace == job.Destination.Namespace {
			return nil, errors.Errorf("job %q: source and destination are identical", job.ID)
		}
	}

	return f.Jobs, nil
}
