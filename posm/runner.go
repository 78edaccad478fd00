package posm

import (
	"context"
	"sync"

	"github.com/percona/percona-oplogsync-mongodb/errors"
	"github.com/percona/percona-oplogsync-mongodb/log"
)

// Runner runs jobs concurrently, one goroutine per job. A failed job does not
// stop the others.
type Runner struct {
	jobs []*Job

	lock   sync.Mutex
	closer func(ctx context.Context) error
}

func NewRunner(jobs ...*Job) *Runner {
	return &Runner{jobs: jobs}
}

// Run blocks until every job has stopped or failed. It returns the joined
// errors of failed jobs.
func (r *Runner) Run(ctx context.Context) error {
	lg := log.New("posm")
	lg.Infof("Starting %d job(s)", len(r.jobs))

	var wg sync.WaitGroup

	errs := make([]error, len(r.jobs))
	for i, job := range r.jobs {
		wg.Go(func() {
			errs[i] = job.Run(ctx)
		})
	}

	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
		}
	}

	if failed != 0 {
		lg.Warnf("%d of %d job(s) failed", failed, len(r.jobs))
	}

	return errors.Join(errs...)
}

// Status returns the status of every job in configuration order.
func (r *Runner) Status() []Status {
	rv := make([]Status, len(r.jobs))
	for i, job := range r.jobs {
		rv[i] = job.Status()
	}

	return rv
}

// Job returns the job with the id or nil.
func (r *Runner) Job(id string) *Job {
	for _, job := range r.jobs {
		if job.ID() == id {
			return job
		}
	}

	return nil
}

// Close releases resources held for the jobs.
func (r *Runner) Close(ctx context.Context) error {
	r.lock.Lock()
	closer := r.closer
	r.closer = nil
	r.lock.Unlock()

	if closer == nil {
		return nil
	}

	return closer(ctx)
}
