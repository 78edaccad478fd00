// Package sel selects the namespaces a sync job replicates.
package sel

import (
	"slices"
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"
)

// NSFilter returns true if a namespace is allowed.
type NSFilter func(db, coll string) bool

// AdminCommandNS is the namespace of applyOps (transaction) entries.
const AdminCommandNS = "admin.$cmd"

//nolint:gochecknoglobals
var ddlCommands = []string{"create", "drop", "createIndexes", "dropIndexes", "collMod"}

// Set is the replicated collection set of one database, in copy order.
type Set struct {
	db    string
	colls []string
	index map[string]struct{}
}

func NewSet(db string, colls []string) *Set {
	index := make(map[string]struct{}, len(colls))
	ordered := make([]string, 0, len(colls))

	for _, coll := range colls {
		if _, ok := index[coll]; ok {
			continue
		}

		index[coll] = struct{}{}
		ordered = append(ordered, coll)
	}

	return &Set{db: db, colls: ordered, index: index}
}

func (s *Set) DB() string {
	return s.db
}

// Collections returns the collection names in copy order.
func (s *Set) Collections() []string {
	return slices.Clone(s.colls)
}

// Namespaces returns "<db>.<coll>" for every collection in copy order.
func (s *Set) Namespaces() []string {
	nss := make([]string, len(s.colls))
	for i, coll := range s.colls {
		nss[i] = s.db + "." + coll
	}

	return nss
}

func (s *Set) Has(db, coll string) bool {
	if db != s.db {
		return false
	}

	_, ok := s.index[coll]

	return ok
}

// HasNS is [Set.Has] for a "<db>.<coll>" namespace.
func (s *Set) HasNS(ns string) bool {
	db, coll := SplitNS(ns)

	return s.Has(db, coll)
}

func (s *Set) Filter() NSFilter {
	return s.Has
}

// OplogQuery matches oplog entries after the timestamp that touch the set:
// CRUD entries on its namespaces, applyOps entries containing any of them, and
// DDL commands on its collections.
func (s *Set) OplogQuery(after bson.Timestamp) bson.D {
	nss := s.Namespaces()

	ddl := make(bson.A, 0, len(ddlCommands)+1)
	for _, cmd := range ddlCommands {
		ddl = append(ddl, bson.D{{"o." + cmd, bson.D{{"$in", s.colls}}}})
	}

	ddl = append(ddl, bson.D{{"o.renameCollection", bson.D{{"$in", nss}}}})

	return bson.D{
		{"ts", bson.D{{"$gt", after}}},
		{"$or", bson.A{
			bson.D{{"ns", bson.D{{"$in", nss}}}},
			bson.D{
				{"ns", AdminCommandNS},
				{"o.applyOps.ns", bson.D{{"$in", nss}}},
			},
			bson.D{
				{"ns", s.db + ".$cmd"},
				{"$or", ddl},
			},
		}},
	}
}

// SplitNS splits "<db>.<coll>" at the first dot.
func SplitNS(ns string) (string, string) {
	db, coll, _ := strings.Cut(ns, ".")

	return db, coll
}
