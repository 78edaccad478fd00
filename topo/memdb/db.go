// Package memdb is an in-memory stand-in for the source and destination
// databases and the source oplog.
package memdb

import (
	"context"
	"iter"
	"slices"
	"sync"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/percona-oplogsync-mongodb/errors"
)

type record struct {
	key string
	doc bson.Raw
}

type collection struct {
	records []record
}

func (c *collection) find(key string) int {
	return slices.IndexFunc(c.records, func(r record) bool { return r.key == key })
}

// DB keeps documents per collection in insertion order.
type DB struct {
	mu      sync.Mutex
	colls   map[string]*collection
	batches map[string]int

	// BatchErr, if set, is called before every ReplaceBatch with the
	// 1-based batch number of the collection. A non-nil result fails the
	// batch without writing it.
	BatchErr func(coll string, batch int) error
	// Writes counts single-document writes.
	Writes int
}

func NewDB() *DB {
	return &DB{
		colls:   make(map[string]*collection),
		batches: make(map[string]int),
	}
}

func idKey(id bson.RawValue) string {
	return string(rune(id.Type)) + string(id.Value)
}

func (d *DB) coll(name string) *collection {
	c, ok := d.colls[name]
	if !ok {
		c = &collection{}
		d.colls[name] = c
	}

	return c
}

func (d *DB) upsert(coll string, doc bson.Raw) error {
	id, err := doc.LookupErr("_id")
	if err != nil {
		return errors.New("document has no _id")
	}

	c := d.coll(coll)
	rec := record{key: idKey(id), doc: slices.Clone(doc)}

	if i := c.find(rec.key); i >= 0 {
		c.records[i] = rec
	} else {
		c.records = append(c.records, rec)
	}

	return nil
}

func (d *DB) Documents(ctx context.Context, coll string) iter.Seq2[bson.Raw, error] {
	d.mu.Lock()
	snapshot := slices.Clone(d.coll(coll).records)
	d.mu.Unlock()

	return func(yield func(bson.Raw, error) bool) {
		for _, rec := range snapshot {
			if err := ctx.Err(); err != nil {
				yield(nil, err)

				return
			}

			if !yield(rec.doc, nil) {
				return
			}
		}
	}
}

func (d *DB) ReplaceBatch(_ context.Context, coll string, docs []bson.Raw) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.batches[coll]++

	if d.BatchErr != nil {
		err := d.BatchErr(coll, d.batches[coll])
		if err != nil {
			return err
		}
	}

	for _, doc := range docs {
		err := d.upsert(coll, doc)
		if err != nil {
			return err
		}
	}

	return nil
}

func (d *DB) UpsertByID(_ context.Context, coll string, id bson.RawValue, doc bson.Raw) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.Writes++

	c := d.coll(coll)
	rec := record{key: idKey(id), doc: slices.Clone(doc)}

	if i := c.find(rec.key); i >= 0 {
		c.records[i] = rec
	} else {
		c.records = append(c.records, rec)
	}

	return nil
}

func (d *DB) ReplaceByID(_ context.Context, coll string, id bson.RawValue, doc bson.Raw) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.Writes++

	c := d.coll(coll)
	if i := c.find(idKey(id)); i >= 0 {
		c.records[i].doc = slices.Clone(doc)
	}

	return nil
}

func (d *DB) DeleteByID(_ context.Context, coll string, id bson.RawValue) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.Writes++

	c := d.coll(coll)
	if i := c.find(idKey(id)); i >= 0 {
		c.records = slices.Delete(c.records, i, i+1)
	}

	return nil
}

func (d *DB) FindByID(_ context.Context, coll string, id bson.RawValue) (bson.Raw, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	c := d.coll(coll)
	if i := c.find(idKey(id)); i >= 0 {
		return slices.Clone(c.records[i].doc), nil
	}

	return nil, nil
}

// Put upserts doc into the collection.
func (d *DB) Put(coll string, doc bson.D) {
	raw, err := bson.Marshal(doc)
	if err != nil {
		panic(err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	err = d.upsert(coll, raw)
	if err != nil {
		panic(err)
	}
}

// Get returns the document with the _id or nil.
func (d *DB) Get(coll string, id any) bson.Raw {
	doc, _ := d.FindByID(context.Background(), coll, RawID(id))

	return doc
}

// Count returns the number of documents in the collection.
func (d *DB) Count(coll string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return len(d.coll(coll).records)
}

// Batches returns the number of ReplaceBatch calls for the collection.
func (d *DB) Batches(coll string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.batches[coll]
}

// RawID marshals id the way it is stored in a document _id.
func RawID(id any) bson.RawValue {
	t, data, err := bson.MarshalValue(id)
	if err != nil {
		panic(err)
	}

	return bson.RawValue{Type: t, Value: data}
}
