package memdb

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// Cluster is a source database whose writes are recorded in its oplog.
type Cluster struct {
	Database string
	DB       *DB
	Oplog    *Oplog
}

func NewCluster(database string) *Cluster {
	return &Cluster{Database: database, DB: NewDB(), Oplog: NewOplog()}
}

func (c *Cluster) ns(coll string) string {
	return c.Database + "." + coll
}

// Insert stores doc and logs an insert entry.
func (c *Cluster) Insert(coll string, doc bson.D) bson.Timestamp {
	c.DB.Put(coll, doc)

	ts := c.Oplog.NextTS()
	c.Oplog.Append(Entry(ts, "i", c.ns(coll), doc, nil))

	return ts
}

// Set applies $set to the document and logs an update entry in the $v:2
// diff format.
func (c *Cluster) Set(coll string, id any, fields bson.D) bson.Timestamp {
	cur := c.DB.Get(coll, id)
	if cur != nil {
		var doc bson.D
		if err := bson.Unmarshal(cur, &doc); err != nil {
			panic(err)
		}

		for _, f := range fields {
			replaced := false

			for i := range doc {
				if doc[i].Key == f.Key {
					doc[i].Value = f.Value
					replaced = true
				}
			}

			if !replaced {
				doc = append(doc, f)
			}
		}

		c.DB.Put(coll, doc)
	}

	ts := c.Oplog.NextTS()
	c.Oplog.Append(Entry(ts, "u", c.ns(coll),
		bson.D{{"$v", 2}, {"diff", bson.D{{"u", fields}}}},
		bson.D{{"_id", id}}))

	return ts
}

// Replace replaces the document and logs a replacement update entry.
func (c *Cluster) Replace(coll string, doc bson.D) bson.Timestamp {
	c.DB.Put(coll, doc)

	var id any
	for _, e := range doc {
		if e.Key == "_id" {
			id = e.Value
		}
	}

	ts := c.Oplog.NextTS()
	c.Oplog.Append(Entry(ts, "u", c.ns(coll), doc, bson.D{{"_id", id}}))

	return ts
}

// Delete removes the document and logs a delete entry.
func (c *Cluster) Delete(coll string, id any) bson.Timestamp {
	_ = c.DB.DeleteByID(context.Background(), coll, RawID(id))

	ts := c.Oplog.NextTS()
	c.Oplog.Append(Entry(ts, "d", c.ns(coll), bson.D{{"_id", id}}, nil))

	return ts
}

// Noop logs a no-op entry on the given namespace.
func (c *Cluster) Noop(ns string) bson.Timestamp {
	ts := c.Oplog.NextTS()
	c.Oplog.Append(Entry(ts, "n", ns, bson.D{{"msg", "periodic noop"}}, nil))

	return ts
}

// Entry builds a raw oplog entry.
func Entry(ts bson.Timestamp, op, ns string, o, o2 bson.D) bson.Raw {
	doc := bson.D{
		{"ts", ts},
		{"t", int64(1)},
		{"v", int64(2)},
		{"op", op},
		{"ns", ns},
		{"o", o},
	}

	if o2 != nil {
		doc = append(doc, bson.E{"o2", o2})
	}

	raw, err := bson.Marshal(doc)
	if err != nil {
		panic(err)
	}

	return raw
}

// ApplyOps builds an admin.$cmd applyOps entry holding the inner operations.
// Inner operations carry no ts.
func ApplyOps(ts bson.Timestamp, ops ...bson.D) bson.Raw {
	inner := make(bson.A, len(ops))
	for i, op := range ops {
		inner[i] = op
	}

	return Entry(ts, "c", "admin.$cmd", bson.D{{"applyOps", inner}}, nil)
}

// Op builds an applyOps inner operation.
func Op(op, ns string, o, o2 bson.D) bson.D {
	doc := bson.D{{"op", op}, {"ns", ns}, {"o", o}}
	if o2 != nil {
		doc = append(doc, bson.E{"o2", o2})
	}

	return doc
}
