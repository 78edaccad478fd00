package topo

import (
	"context"
	"iter"
	"slices"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/percona/percona-oplogsync-mongodb/errors"
)

var (
	// ErrEmptyOplog is returned when the oplog has no entries.
	ErrEmptyOplog = errors.New("oplog is empty")
	// ErrCursorClosed is returned when the server closes a tailable cursor.
	ErrCursorClosed = errors.New("oplog cursor closed by server")
)

// Oplog reads the replica set oplog (local.oplog.rs).
type Oplog struct {
	coll *mongo.Collection
}

func NewOplog(client *mongo.Client) *Oplog {
	return &Oplog{coll: client.Database("local").Collection("oplog.rs")}
}

// Latest returns the timestamp of the newest oplog entry.
func (o *Oplog) Latest(ctx context.Context) (bson.Timestamp, error) {
	return o.edge(ctx, -1)
}

// Oldest returns the timestamp of the oldest oplog entry still retained.
func (o *Oplog) Oldest(ctx context.Context) (bson.Timestamp, error) {
	return o.edge(ctx, 1)
}

func (o *Oplog) edge(ctx context.Context, dir int) (bson.Timestamp, error) {
	raw, err := o.coll.FindOne(ctx, bson.D{},
		options.FindOne().
			SetSort(bson.D{{"$natural", dir}}).
			SetProjection(bson.D{{"ts", 1}})).Raw()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return bson.Timestamp{}, ErrEmptyOplog
		}

		return bson.Timestamp{}, errors.Wrap(err, "find")
	}

	t, i, ok := raw.Lookup("ts").TimestampOK()
	if !ok {
		return bson.Timestamp{}, errors.New("oplog entry has no ts")
	}

	return bson.Timestamp{T: t, I: i}, nil
}

// Has reports whether an entry with exactly ts is still in the oplog.
func (o *Oplog) Has(ctx context.Context, ts bson.Timestamp) (bool, error) {
	err := o.coll.FindOne(ctx, bson.D{{"ts", ts}},
		options.FindOne().SetProjection(bson.D{{"ts", 1}})).Err()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return false, nil
		}

		return false, errors.Wrap(err, "find")
	}

	return true, nil
}

// Tail opens a tailable-await cursor over entries matching filter and returns
// them in oplog order. A nil document with a nil error is an idle tick: the
// server had nothing new within maxAwait. The sequence never ends on its own;
// it stops on the first error or when the consumer stops pulling.
func (o *Oplog) Tail(
	ctx context.Context,
	filter bson.D,
	maxAwait time.Duration,
) iter.Seq2[bson.Raw, error] {
	return func(yield func(bson.Raw, error) bool) {
		opts := options.Find().
			SetCursorType(options.TailableAwait).
			SetMaxAwaitTime(maxAwait).
			SetNoCursorTimeout(true)

		cur, err := o.coll.Find(ctx, filter, opts)
		if err != nil {
			yield(nil, errors.Wrap(err, "open cursor"))

			return
		}

		defer func() {
			_ = cur.Close(context.WithoutCancel(ctx))
		}()

		for {
			if cur.TryNext(ctx) {
				if !yield(bson.Raw(slices.Clone(cur.Current)), nil) {
					return
				}

				continue
			}

			err := cur.Err()
			if err != nil {
				yield(nil, errors.Wrap(err, "cursor"))

				return
			}

			if err := ctx.Err(); err != nil {
				yield(nil, err)

				return
			}

			if cur.ID() == 0 {
				yield(nil, ErrCursorClosed)

				return
			}

			if !yield(nil, nil) {
				return
			}
		}
	}
}
