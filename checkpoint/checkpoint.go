// Package checkpoint persists the oplog position each sync job has applied.
package checkpoint

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/percona/percona-oplogsync-mongodb/errors"
	"github.com/percona/percona-oplogsync-mongodb/util"
)

// ErrNotFound is returned when a job has no checkpoint.
var ErrNotFound = errors.New("checkpoint not found")

// Checkpoint is the last oplog position applied by a job.
type Checkpoint struct {
	JobID     string         `bson:"_id"       json:"jobId"`
	AfterTS   bson.Timestamp `bson:"afterTs"   json:"afterTs"`
	UpdatedAt time.Time      `bson:"updatedAt" json:"updatedAt"`
}

// Store keeps one checkpoint per job id.
type Store interface {
	// Load returns the checkpoint of the job or [ErrNotFound].
	Load(ctx context.Context, jobID string) (*Checkpoint, error)
	// Save sets the position of the job, creating the checkpoint if needed.
	Save(ctx context.Context, jobID string, ts bson.Timestamp) error
	// Touch refreshes UpdatedAt without moving the position.
	Touch(ctx context.Context, jobID string) error
	// Delete removes the checkpoint. Deleting a missing checkpoint is not an error.
	Delete(ctx context.Context, jobID string) error
}

// MongoStore keeps checkpoints in a MongoDB collection.
type MongoStore struct {
	coll    *mongo.Collection
	timeout time.Duration
	now     func() time.Time
}

func NewMongoStore(client *mongo.Client, db, coll string, timeout time.Duration) *MongoStore {
	return &MongoStore{
		coll:    client.Database(db).Collection(coll),
		timeout: timeout,
		now:     time.Now,
	}
}

func (s *MongoStore) Load(ctx context.Context, jobID string) (*Checkpoint, error) {
	var cp Checkpoint

	err := util.WithTimeout(ctx, s.timeout, func(ctx context.Context) error {
		return s.coll.FindOne(ctx, bson.D{{"_id", jobID}}).Decode(&cp) //nolint:wrapcheck
	})
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, ErrNotFound
		}

		return nil, errors.Wrap(err, "find")
	}

	return &cp, nil
}

func (s *MongoStore) Save(ctx context.Context, jobID string, ts bson.Timestamp) error {
	err := util.WithTimeout(ctx, s.timeout, func(ctx context.Context) error {
		_, err := s.coll.UpdateOne(ctx,
			bson.D{{"_id", jobID}},
			bson.D{{"$set", bson.D{
				{"afterTs", ts},
				{"updatedAt", s.now().UTC()},
			}}},
			options.UpdateOne().SetUpsert(true))

		return err //nolint:wrapcheck
	})

	return errors.Wrap(err, "update")
}

func (s *MongoStore) Touch(ctx context.Context, jobID string) error {
	var res *mongo.UpdateResult

	err := util.WithTimeout(ctx, s.timeout, func(ctx context.Context) error {
		var err error
		res, err = s.coll.UpdateOne(ctx,
			bson.D{{"_id", jobID}},
			bson.D{{"$set", bson.D{{"updatedAt", s.now().UTC()}}}})

		return err //nolint:wrapcheck
	})
	if err != nil {
		return errors.Wrap(err, "update")
	}

	if res.MatchedCount == 0 {
		return ErrNotFound
	}

	return nil
}

func (s *MongoStore) Delete(ctx context.Context, jobID string) error {
	err := util.WithTimeout(ctx, s.timeout, func(ctx context.Context) error {
		_, err := s.coll.DeleteOne(ctx, bson.D{{"_id", jobID}})

		return err //nolint:wrapcheck
	})

	return errors.Wrap(err, "delete")
}

// MemoryStore is an in-process [Store].
type MemoryStore struct {
	mu  sync.Mutex
	cps map[string]Checkpoint
	now func() time.Time

	// Saves records every saved position in order.
	Saves []bson.Timestamp
	// Touches counts Touch calls.
	Touches int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{cps: make(map[string]Checkpoint), now: time.Now}
}

// Put sets a checkpoint as is.
func (s *MemoryStore) Put(cp Checkpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cps[cp.JobID] = cp
}

func (s *MemoryStore) Load(_ context.Context, jobID string) (*Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.cps[jobID]
	if !ok {
		return nil, ErrNotFound
	}

	return &cp, nil
}

func (s *MemoryStore) Save(_ context.Context, jobID string, ts bson.Timestamp) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cps[jobID] = Checkpoint{JobID: jobID, AfterTS: ts, UpdatedAt: s.now()}
	s.Saves = append(s.Saves, ts)

	return nil
}

func (s *MemoryStore) Touch(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, ok := s.cps[jobID]
	if !ok {
		return ErrNotFound
	}

	cp.UpdatedAt = s.now()
	s.cps[jobID] = cp
	s.Touches++

	return nil
}

func (s *MemoryStore) Delete(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.cps, jobID)

	return nil
}
