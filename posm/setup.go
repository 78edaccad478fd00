package posm

import (
	"context"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/percona/percona-oplogsync-mongodb/checkpoint"
	"github.com/percona/percona-oplogsync-mongodb/config"
	"github.com/percona/percona-oplogsync-mongodb/errors"
	"github.com/percona/percona-oplogsync-mongodb/log"
	"github.com/percona/percona-oplogsync-mongodb/posm/clone"
	"github.com/percona/percona-oplogsync-mongodb/posm/repl"
	"github.com/percona/percona-oplogsync-mongodb/sel"
	"github.com/percona/percona-oplogsync-mongodb/topo"
)

// clientPool shares one client per connection string.
type clientPool struct {
	cfg *config.Config

	mu      sync.Mutex
	clients map[string]*mongo.Client
}

func newClientPool(cfg *config.Config) *clientPool {
	return &clientPool{cfg: cfg, clients: make(map[string]*mongo.Client)}
}

func (p *clientPool) get(ctx context.Context, uri string, onPrimaryChange topo.PrimaryChangeFunc) (*mongo.Client, error) {
	key := uri
	if onPrimaryChange != nil {
		key = "oplog:" + uri
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if c, ok := p.clients[key]; ok {
		return c, nil
	}

	c, err := topo.Connect(ctx, uri, topo.ConnectOptions{
		Timeout:         p.cfg.MongoDB.OperationTimeout,
		OnPrimaryChange: onPrimaryChange,
	})
	if err != nil {
		return nil, err //nolint:wrapcheck
	}

	p.clients[key] = c

	return c, nil
}

func (p *clientPool) close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error

	for key, c := range p.clients {
		err := topo.Disconnect(ctx, c, config.DisconnectTimeout)
		if err != nil {
			errs = append(errs, errors.Wrap(err, "disconnect"))
		}

		delete(p.clients, key)
	}

	return errors.Join(errs...)
}

// Setup connects to every deployment the jobs use and builds a Runner.
// Clients are shared between jobs with the same connection string.
func Setup(ctx context.Context, cfg *config.Config, jobs []config.Job) (*Runner, error) {
	pool := newClientPool(cfg)

	oplogJobs := make(map[string][]string)
	for _, job := range jobs {
		oplogJobs[job.Source.OplogURL] = append(oplogJobs[job.Source.OplogURL], job.ID)
	}

	built := make([]*Job, 0, len(jobs))

	for _, jc := range jobs {
		job, err := buildJob(ctx, cfg, pool, jc, strings.Join(oplogJobs[jc.Source.OplogURL], ","))
		if err != nil {
			_ = pool.close(context.WithoutCancel(ctx))

			return nil, errors.Wrapf(err, "job %s", jc.ID)
		}

		built = append(built, job)
	}

	r := NewRunner(built...)
	r.closer = pool.close

	return r, nil
}

func buildJob(
	ctx context.Context,
	cfg *config.Config,
	pool *clientPool,
	jc config.Job,
	oplogJobIDs string,
) (*Job, error) {
	log.New("posm").With(log.Job(jc.ID)).Debug("Connecting")

	source, err := pool.get(ctx, jc.Source.URL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "source")
	}

	oplogClient, err := pool.get(ctx, jc.Source.OplogURL, repl.FailoverAdvisory(oplogJobIDs))
	if err != nil {
		return nil, errors.Wrap(err, "source oplog")
	}

	target, err := pool.get(ctx, jc.Destination.URL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "destination")
	}

	srcDB := topo.NewDB(source, jc.Source.Namespace)
	dstDB := topo.NewDB(target, jc.Destination.Namespace)
	oplog := topo.NewOplog(oplogClient)
	set := sel.NewSet(jc.Source.Namespace, jc.Collections)

	store := NewCheckpointStore(cfg, target)

	copier := clone.New(srcDB, dstDB, clone.Options{
		JobID:     jc.ID,
		Database:  jc.Source.Namespace,
		BatchSize: cfg.Copy.BatchSize,
	})

	applier := repl.NewApplier(jc.ID, srcDB, dstDB, set)
	tailer := repl.NewTailer(oplog, applier, store, set, repl.Options{
		JobID:             jc.ID,
		HeartbeatInterval: cfg.Tail.HeartbeatInterval,
		MaxAwaitTime:      cfg.Tail.MaxAwaitTime,
	})

	return NewJob(jc, Components{
		Store:  store,
		Oplog:  oplog,
		Copier: copier,
		Guard:  repl.NewGuard(oplog, cfg.Tail.ResumeWindow),
		Tailer: tailer,
	}), nil
}

// NewCheckpointStore returns the checkpoint store on the destination client.
func NewCheckpointStore(cfg *config.Config, target *mongo.Client) *checkpoint.MongoStore {
	return checkpoint.NewMongoStore(target, cfg.CheckpointDB, config.CheckpointCollection,
		cfg.MongoDB.OperationTimeout)
}

// ResetCheckpoint deletes the checkpoint of the job so its next start does a
// full copy.
func ResetCheckpoint(ctx context.Context, cfg *config.Config, jc config.Job) error {
	target, err := topo.Connect(ctx, jc.Destination.URL, topo.ConnectOptions{
		Timeout: cfg.MongoDB.OperationTimeout,
	})
	if err != nil {
		return errors.Wrap(err, "connect destination")
	}

	defer func() {
		_ = topo.Disconnect(context.WithoutCancel(ctx), target, config.DisconnectTimeout)
	}()

	err = NewCheckpointStore(cfg, target).Delete(ctx, jc.ID)
	if err != nil {
		return errors.Wrap(err, "delete checkpoint")
	}

	log.New("posm").With(log.Job(jc.ID)).Info("Checkpoint deleted; the next start does a full copy")

	return nil
}
