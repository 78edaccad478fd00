/*
Package posm runs oplog sync jobs.

Each job goes through an explicit state machine:

	init -> capturing_startpoint -> waiting -> copying -> tailing
	init -> safety_check -> tailing

A job without a checkpoint (or with forceFullCopy) captures the current oplog
head, copies every collection and saves the captured position. A job with a
checkpoint first verifies that the position is still in the oplog. Both then
tail the oplog from that position. Any fatal error moves the job to the
terminal fatal state.
*/
package posm

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/percona-oplogsync-mongodb/checkpoint"
	"github.com/percona/percona-oplogsync-mongodb/config"
	"github.com/percona/percona-oplogsync-mongodb/errors"
	"github.com/percona/percona-oplogsync-mongodb/log"
	"github.com/percona/percona-oplogsync-mongodb/metrics"
	"github.com/percona/percona-oplogsync-mongodb/posm/clone"
	"github.com/percona/percona-oplogsync-mongodb/posm/repl"
	"github.com/percona/percona-oplogsync-mongodb/util"
)

// State represents the state of a job.
type State string

const (
	StateInit                State = "init"
	StateCapturingStartpoint State = "capturing_startpoint"
	StateWaiting             State = "waiting"
	StateCopying             State = "copying"
	StateSafetyCheck         State = "safety_check"
	StateTailing             State = "tailing"
	// StateFatal is terminal. The job needs operator action.
	StateFatal State = "fatal"
	// StateStopped is terminal. The process is shutting down.
	StateStopped State = "stopped"
)

//nolint:gochecknoglobals
var allStates = []string{
	string(StateInit),
	string(StateCapturingStartpoint),
	string(StateWaiting),
	string(StateCopying),
	string(StateSafetyCheck),
	string(StateTailing),
	string(StateFatal),
	string(StateStopped),
}

type OnStateChangedFunc func(newState State)

// Copier defines the interface for the bulk copy component.
type Copier interface {
	Copy(ctx context.Context, colls []string) error
	Status() clone.Status
}

// Tailer defines the interface for the oplog tail component.
type Tailer interface {
	Run(ctx context.Context, after bson.Timestamp) error
	Status() repl.Status
}

// Guard verifies a checkpoint before resuming from it.
type Guard interface {
	Verify(ctx context.Context, cp *checkpoint.Checkpoint) error
}

// OplogHead returns the newest oplog position.
type OplogHead interface {
	Latest(ctx context.Context) (bson.Timestamp, error)
}

// Components are the collaborators of a job.
type Components struct {
	Store  checkpoint.Store
	Oplog  OplogHead
	Copier Copier
	Guard  Guard
	Tailer Tailer
}

// Status represents the status of a job.
type Status struct {
	JobID      string
	State      State
	StateSince time.Time

	// StartTS is the captured oplog head a full copy started from.
	StartTS bson.Timestamp

	Err    error
	Action string

	Clone clone.Status
	Repl  repl.Status
}

// Job is one sync job. Its state lives on the value.
type Job struct {
	cfg config.Job
	c   Components

	onStateChanged OnStateChangedFunc

	lock       sync.Mutex
	state      State
	stateSince time.Time
	startTS    bson.Timestamp
	err        error
}

func NewJob(cfg config.Job, c Components) *Job {
	return &Job{
		cfg:            cfg,
		c:              c,
		onStateChanged: func(State) {},
		state:          StateInit,
		stateSince:     time.Now(),
	}
}

// SetOnStateChanged sets a callback invoked on every state change. It must be
// set before Run.
func (j *Job) SetOnStateChanged(fn OnStateChangedFunc) {
	j.onStateChanged = fn
}

func (j *Job) ID() string {
	return j.cfg.ID
}

func (j *Job) Status() Status {
	j.lock.Lock()
	defer j.lock.Unlock()

	s := Status{
		JobID:      j.cfg.ID,
		State:      j.state,
		StateSince: j.stateSince,
		StartTS:    j.startTS,
		Err:        j.err,
		Action:     errors.FatalAction(j.err),
	}

	if j.c.Copier != nil {
		s.Clone = j.c.Copier.Status()
	}

	if j.c.Tailer != nil {
		s.Repl = j.c.Tailer.Status()
	}

	return s
}

func (j *Job) setState(ctx context.Context, state State) {
	j.lock.Lock()
	prev := j.state
	j.state = state
	j.stateSince = time.Now()
	j.lock.Unlock()

	metrics.SetJobState(j.cfg.ID, string(state), allStates)
	log.Ctx(ctx).Infof("State %s -> %s", prev, state)

	j.onStateChanged(state)
}

// Run drives the job until ctx is done or the job fails. It returns nil on
// cancellation and the fatal error otherwise.
func (j *Job) Run(ctx context.Context) error {
	lg := log.New("posm").With(log.Job(j.cfg.ID))
	ctx = lg.WithContext(ctx)

	err := j.run(ctx)
	if err == nil {
		return nil
	}

	if ctx.Err() != nil {
		j.setState(ctx, StateStopped)
		lg.Info("Job stopped")

		return nil
	}

	j.lock.Lock()
	j.err = err
	j.lock.Unlock()

	j.setState(ctx, StateFatal)

	if action := errors.FatalAction(err); action != "" {
		lg.With(log.Str("action", action)).Error(err, "Job failed")
	} else {
		lg.Error(err, "Job failed")
	}

	return errors.Wrapf(err, "job %s", j.cfg.ID)
}

func (j *Job) run(ctx context.Context) error {
	lg := log.Ctx(ctx)

	j.setState(ctx, StateInit)

	cp, err := j.c.Store.Load(ctx, j.cfg.ID)
	if err != nil && !errors.Is(err, checkpoint.ErrNotFound) {
		return errors.Wrap(err, "load checkpoint")
	}

	var after bson.Timestamp

	switch {
	case cp == nil:
		lg.Info("No checkpoint found, starting full copy")

		after, err = j.fullCopy(ctx)

	case j.cfg.ForceFullCopy:
		lg.With(log.OpTime(cp.AfterTS.T, cp.AfterTS.I)).
			Warn("forceFullCopy is set, ignoring the checkpoint and starting full copy")

		after, err = j.fullCopy(ctx)

	default:
		j.setState(ctx, StateSafetyCheck)

		err = j.c.Guard.Verify(ctx, cp)
		if err != nil {
			return errors.Wrap(err, "safety check")
		}

		after = cp.AfterTS

		lg.With(log.OpTime(after.T, after.I)).Info("Resume position verified")
	}

	if err != nil {
		return err
	}

	j.setState(ctx, StateTailing)

	return errors.Wrap(j.c.Tailer.Run(ctx, after), "tail")
}

func (j *Job) fullCopy(ctx context.Context) (bson.Timestamp, error) {
	lg := log.Ctx(ctx)

	j.setState(ctx, StateCapturingStartpoint)

	startTS, err := j.c.Oplog.Latest(ctx)
	if err != nil {
		return bson.Timestamp{}, errors.Wrap(err, "capture oplog head")
	}

	j.lock.Lock()
	j.startTS = startTS
	j.lock.Unlock()

	lg.With(log.OpTime(startTS.T, startTS.I)).Info("Captured start position")

	j.setState(ctx, StateWaiting)

	if delay := j.cfg.PreCopyDelay(); delay > 0 {
		lg.Infof("Waiting %s before copy", delay)

		err = util.Sleep(ctx, delay)
		if err != nil {
			return bson.Timestamp{}, err
		}
	}

	j.setState(ctx, StateCopying)

	startedAt := time.Now()

	err = j.c.Copier.Copy(ctx, j.cfg.Collections)
	if err != nil {
		return bson.Timestamp{}, errors.Wrap(err, "copy")
	}

	err = j.c.Store.Save(ctx, j.cfg.ID, startTS)
	if err != nil {
		return bson.Timestamp{}, errors.Wrap(err, "save checkpoint")
	}

	lg.With(log.Elapsed(time.Since(startedAt))).Info("Full copy completed")

	return startTS, nil
}
