package topo

import (
	"context"
	"iter"
	"slices"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/percona/percona-oplogsync-mongodb/errors"
)

// DB reads and writes documents of one database by _id.
type DB struct {
	db *mongo.Database
}

func NewDB(client *mongo.Client, name string) *DB {
	return &DB{db: client.Database(name)}
}

func (d *DB) Name() string {
	return d.db.Name()
}

// Documents scans the collection in natural (insertion) order.
func (d *DB) Documents(ctx context.Context, coll string) iter.Seq2[bson.Raw, error] {
	return func(yield func(bson.Raw, error) bool) {
		cur, err := d.db.Collection(coll).Find(ctx, bson.D{},
			options.Find().SetSort(bson.D{{"$natural", 1}}))
		if err != nil {
			yield(nil, errors.Wrap(err, "find"))

			return
		}

		defer func() {
			_ = cur.Close(context.WithoutCancel(ctx))
		}()

		for cur.Next(ctx) {
			if !yield(bson.Raw(slices.Clone(cur.Current)), nil) {
				return
			}
		}

		err = cur.Err()
		if err != nil {
			yield(nil, errors.Wrap(err, "cursor"))
		}
	}
}

// ReplaceBatch upsert-replaces every document by its _id in one unordered
// bulk write.
func (d *DB) ReplaceBatch(ctx context.Context, coll string, docs []bson.Raw) error {
	if len(docs) == 0 {
		return nil
	}

	models := make([]mongo.WriteModel, len(docs))

	for i, doc := range docs {
		id, err := doc.LookupErr("_id")
		if err != nil {
			return errors.Errorf("document %d has no _id", i)
		}

		models[i] = mongo.NewReplaceOneModel().
			SetFilter(bson.D{{"_id", id}}).
			SetReplacement(doc).
			SetUpsert(true)
	}

	_, err := d.db.Collection(coll).BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))

	return errors.Wrap(err, "bulk write")
}

// UpsertByID inserts doc, or fully replaces the document with the same _id.
func (d *DB) UpsertByID(ctx context.Context, coll string, id bson.RawValue, doc bson.Raw) error {
	_, err := d.db.Collection(coll).ReplaceOne(ctx, bson.D{{"_id", id}}, doc,
		options.Replace().SetUpsert(true))

	return errors.Wrap(err, "replace one")
}

// ReplaceByID fully replaces the document with the _id. A missing document is
// left missing.
func (d *DB) ReplaceByID(ctx context.Context, coll string, id bson.RawValue, doc bson.Raw) error {
	_, err := d.db.Collection(coll).ReplaceOne(ctx, bson.D{{"_id", id}}, doc)

	return errors.Wrap(err, "replace one")
}

func (d *DB) DeleteByID(ctx context.Context, coll string, id bson.RawValue) error {
	_, err := d.db.Collection(coll).DeleteOne(ctx, bson.D{{"_id", id}})

	return errors.Wrap(err, "delete one")
}

// FindByID returns the document with the _id, or nil if there is none.
func (d *DB) FindByID(ctx context.Context, coll string, id bson.RawValue) (bson.Raw, error) {
	raw, err := d.db.Collection(coll).FindOne(ctx, bson.D{{"_id", id}}).Raw()
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}

		return nil, errors.Wrap(err, "find one")
	}

	return raw, nil
}
