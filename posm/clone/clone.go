// Package clone copies whole collections from the source to the destination.
package clone

import (
	"context"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/percona-oplogsync-mongodb/config"
	"github.com/percona/percona-oplogsync-mongodb/errors"
	"github.com/percona/percona-oplogsync-mongodb/log"
	"github.com/percona/percona-oplogsync-mongodb/metrics"
)

// ActionRestartCopy is the operator action for a failed copy.
const ActionRestartCopy = "fix the cause and restart the job; the copy is redone from the start"

// Source scans source collections.
type Source interface {
	Documents(ctx context.Context, coll string) iter.Seq2[bson.Raw, error]
}

// Target receives batches of documents.
type Target interface {
	ReplaceBatch(ctx context.Context, coll string, docs []bson.Raw) error
}

// Options configures a Copier.
type Options struct {
	JobID string
	// Database is the source database name, used for logging.
	Database string
	// BatchSize is the number of documents per bulk write.
	// Default: 200 (config.DefaultCopyBatchSize)
	BatchSize int
}

// Copier streams collections from Source into Target in batches of
// upsert-replace writes. It never deletes and never truncates.
type Copier struct {
	source Source
	target Target
	opts   Options

	lock       sync.Mutex
	current    string
	startTime  time.Time
	finishTime time.Time

	copiedDocs atomic.Int64
	copiedSize atomic.Uint64
}

// Status represents the progress of the copy.
type Status struct {
	Collection string // Collection being copied

	CopiedDocuments int64
	CopiedSizeBytes uint64

	StartTime  time.Time
	FinishTime time.Time
}

//go:inline
func (s *Status) IsRunning() bool {
	return !s.StartTime.IsZero() && s.FinishTime.IsZero()
}

func New(source Source, target Target, opts Options) *Copier {
	if opts.BatchSize <= 0 {
		opts.BatchSize = config.DefaultCopyBatchSize
	}

	return &Copier{source: source, target: target, opts: opts}
}

func (c *Copier) Status() Status {
	c.lock.Lock()
	defer c.lock.Unlock()

	return Status{
		Collection:      c.current,
		CopiedDocuments: c.copiedDocs.Load(),
		CopiedSizeBytes: c.copiedSize.Load(),
		StartTime:       c.startTime,
		FinishTime:      c.finishTime,
	}
}

// Copy copies the collections one after another in the given order. Any read
// or write failure is fatal for the job; batches already written stay.
func (c *Copier) Copy(ctx context.Context, colls []string) error {
	lg := log.New("clone").With(log.Job(c.opts.JobID))

	c.lock.Lock()
	c.startTime = time.Now()
	c.finishTime = time.Time{}
	c.lock.Unlock()

	lg.Infof("Starting copy of %d collection(s)", len(colls))

	for _, coll := range colls {
		err := c.copyCollection(ctx, coll)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err() //nolint:wrapcheck
			}

			return errors.Fatal(errors.Wrapf(err, "copy %s.%s", c.opts.Database, coll),
				ActionRestartCopy)
		}
	}

	c.lock.Lock()
	c.current = ""
	c.finishTime = time.Now()
	elapsed := c.finishTime.Sub(c.startTime)
	c.lock.Unlock()

	lg.With(log.Elapsed(elapsed), log.Count(c.copiedDocs.Load())).
		Infof("Copy finished: %s", humanize.Bytes(c.copiedSize.Load()))

	return nil
}

func (c *Copier) copyCollection(ctx context.Context, coll string) error {
	lg := log.New("clone").With(log.Job(c.opts.JobID), log.NS(c.opts.Database, coll))

	c.lock.Lock()
	c.current = coll
	c.lock.Unlock()

	startedAt := time.Now()

	var (
		docs  int64
		size  uint64
		batch = make([]bson.Raw, 0, c.opts.BatchSize)
	)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}

		var batchSize uint64
		for _, doc := range batch {
			batchSize += uint64(len(doc))
		}

		writeStart := time.Now()

		err := c.target.ReplaceBatch(ctx, coll, batch)
		if err != nil {
			return errors.Wrapf(err, "write batch after %d documents", docs)
		}

		metrics.ObserveCopyBatchDuration(c.opts.JobID, time.Since(writeStart))
		metrics.AddCopyDocuments(c.opts.JobID, len(batch), batchSize)

		docs += int64(len(batch))
		size += batchSize
		c.copiedDocs.Add(int64(len(batch)))
		c.copiedSize.Add(batchSize)

		lg.With(log.Count(docs)).Tracef("Batch of %d written", len(batch))

		batch = make([]bson.Raw, 0, c.opts.BatchSize)

		return nil
	}

	lg.Debug("Copying collection")

	for doc, err := range c.source.Documents(ctx, coll) {
		if err != nil {
			return errors.Wrap(err, "read")
		}

		batch = append(batch, doc)
		if len(batch) == c.opts.BatchSize {
			err = flush()
			if err != nil {
				return err
			}
		}
	}

	err := flush()
	if err != nil {
		return err
	}

	lg.With(log.Elapsed(time.Since(startedAt)), log.Count(docs), log.Size(size)).
		Infof("Collection copied: %s", humanize.Bytes(size))

	return nil
}
