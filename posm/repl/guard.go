package repl

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/percona-oplogsync-mongodb/checkpoint"
	"github.com/percona/percona-oplogsync-mongodb/errors"
	"github.com/percona/percona-oplogsync-mongodb/log"
	"github.com/percona/percona-oplogsync-mongodb/topo"
)

// ActionForceFullCopy is the operator action when a checkpoint cannot be
// resumed from.
const ActionForceFullCopy = "set forceFullCopy for the job or run `posm reset --job <id>` to redo the full copy"

var (
	ErrResumePointNotFound  = errors.New("resume position not found in log")
	ErrResumeWindowExceeded = errors.New("resume window exceeded")
)

// OplogHistory tells which positions the source oplog still holds.
type OplogHistory interface {
	Has(ctx context.Context, ts bson.Timestamp) (bool, error)
	Oldest(ctx context.Context) (bson.Timestamp, error)
}

// Guard checks that a checkpoint can be resumed from before any tailing.
type Guard struct {
	oplog        OplogHistory
	resumeWindow time.Duration
	now          func() time.Time
}

// NewGuard returns a Guard. A zero resumeWindow disables the age check.
func NewGuard(oplog OplogHistory, resumeWindow time.Duration) *Guard {
	return &Guard{oplog: oplog, resumeWindow: resumeWindow, now: time.Now}
}

// Verify fails with a fatal error unless the exact checkpoint position is
// still in the oplog and the checkpoint is recent enough. A missing position
// means the oplog rolled over or the entry was rolled back by a failover;
// either way entries may have been lost and only a full copy is safe.
func (g *Guard) Verify(ctx context.Context, cp *checkpoint.Checkpoint) error {
	ts := cp.AfterTS

	if g.resumeWindow > 0 && !cp.UpdatedAt.IsZero() {
		age := g.now().Sub(cp.UpdatedAt)
		if age > g.resumeWindow {
			return errors.Fatal(
				errors.Wrapf(ErrResumeWindowExceeded,
					"checkpoint %d.%d last updated %s ago (window %s)",
					ts.T, ts.I, age.Truncate(time.Second), g.resumeWindow),
				ActionForceFullCopy)
		}
	}

	found, err := g.oplog.Has(ctx, ts)
	if err != nil {
		return errors.Wrap(err, "lookup resume position")
	}

	if found {
		return nil
	}

	oldest, err := g.oplog.Oldest(ctx)
	if err != nil && !errors.Is(err, topo.ErrEmptyOplog) {
		return errors.Wrap(err, "oldest oplog entry")
	}

	var cause error
	if err != nil || oldest.After(ts) {
		cause = errors.Wrapf(ErrResumePointNotFound,
			"oplog window exceeded: oldest entry %d.%d is newer than checkpoint %d.%d",
			oldest.T, oldest.I, ts.T, ts.I)
	} else {
		cause = errors.Wrapf(ErrResumePointNotFound,
			"entry %d.%d is missing from a retained range; possible rollback after failover",
			ts.T, ts.I)
	}

	return errors.Fatal(cause, ActionForceFullCopy)
}

// FailoverAdvisory logs replica set primary changes of a job's source. A
// change is not an error by itself but may have rolled back entries.
func FailoverAdvisory(jobID string) topo.PrimaryChangeFunc {
	lg := log.New("topo").With(log.Job(jobID))

	return func(prev, next string) {
		if prev == "" {
			lg.Infof("Source primary is %s", next)

			return
		}

		lg.Warnf("Source primary changed from %s to %s; audit the destination for rolled back writes",
			prev, next)
	}
}
