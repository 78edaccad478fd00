package repl

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/percona-oplogsync-mongodb/errors"
	"github.com/percona/percona-oplogsync-mongodb/log"
	"github.com/percona/percona-oplogsync-mongodb/metrics"
	"github.com/percona/percona-oplogsync-mongodb/sel"
)

// Target is the destination database.
type Target interface {
	UpsertByID(ctx context.Context, coll string, id bson.RawValue, doc bson.Raw) error
	ReplaceByID(ctx context.Context, coll string, id bson.RawValue, doc bson.Raw) error
	DeleteByID(ctx context.Context, coll string, id bson.RawValue) error
}

// Source is the source database, used to resolve update post-images.
type Source interface {
	FindByID(ctx context.Context, coll string, id bson.RawValue) (bson.Raw, error)
}

// Applier writes oplog entries to the destination, one at a time. Every write
// is keyed by _id so applying an entry twice has the effect of applying it once.
type Applier struct {
	jobID  string
	source Source
	target Target
	set    *sel.Set
}

func NewApplier(jobID string, source Source, target Target, set *sel.Set) *Applier {
	return &Applier{jobID: jobID, source: source, target: target, set: set}
}

// Apply applies the entry. It returns the number of document writes made;
// entries that need no write are logged and skipped.
func (a *Applier) Apply(ctx context.Context, e *Entry) (int, error) {
	if e.IsApplyOps() {
		return a.applyOps(ctx, e)
	}

	lg := log.New("repl").With(
		log.Job(a.jobID),
		log.Str("ns", e.NS),
		log.Op(e.Op.String()),
		log.OpTime(e.TS.T, e.TS.I))

	switch e.Op {
	case OpInsert, OpUpdate, OpDelete:
		if !a.set.HasNS(e.NS) {
			lg.Trace("Namespace not replicated")
			metrics.IncEntriesSkipped(a.jobID, e.Op.String())

			return 0, nil
		}

	case OpCommand:
		lg.Warnf("Command %q is not replicated", e.CommandName())
		metrics.IncEntriesSkipped(a.jobID, e.Op.String())

		return 0, nil

	case OpNoop:
		metrics.IncEntriesSkipped(a.jobID, e.Op.String())

		return 0, nil

	default:
		lg.Warn("Unknown operation type skipped")
		metrics.IncEntriesSkipped(a.jobID, e.Op.String())

		return 0, nil
	}

	coll := e.Coll()
	lg = lg.With(log.ID(e.ID))

	switch e.Op { //nolint:exhaustive
	case OpInsert:
		err := a.target.UpsertByID(ctx, coll, e.ID, e.Doc)
		if err != nil {
			return 0, errors.Wrap(err, "upsert")
		}

	case OpUpdate:
		doc := e.Doc

		if e.IsModifier() {
			var err error

			doc, err = a.source.FindByID(ctx, coll, e.ID)
			if err != nil {
				return 0, errors.Wrap(err, "lookup post-image")
			}

			if doc == nil {
				lg.Debug("Document is gone on the source, update skipped")
				metrics.IncEntriesSkipped(a.jobID, e.Op.String())

				return 0, nil
			}
		}

		err := a.target.ReplaceByID(ctx, coll, e.ID, doc)
		if err != nil {
			return 0, errors.Wrap(err, "replace")
		}

	case OpDelete:
		err := a.target.DeleteByID(ctx, coll, e.ID)
		if err != nil {
			return 0, errors.Wrap(err, "delete")
		}
	}

	metrics.IncEntriesApplied(a.jobID, e.Op.String())
	lg.Info("Applied")

	return 1, nil
}

func (a *Applier) applyOps(ctx context.Context, e *Entry) (int, error) {
	total := 0

	for n, inner := range e.Inner {
		c, err := a.Apply(ctx, inner)
		if err != nil {
			return total, errors.Wrapf(err, "applyOps[%d]", n)
		}

		total += c
	}

	return total, nil
}
