package repl

import (
	"strings"

	"go.mongodb.org/mongo-driver/v2/bson"

	"github.com/percona/percona-oplogsync-mongodb/errors"
	"github.com/percona/percona-oplogsync-mongodb/sel"
)

// OpType is the oplog "op" field.
type OpType string

const (
	OpInsert  OpType = "i"
	OpUpdate  OpType = "u"
	OpDelete  OpType = "d"
	OpCommand OpType = "c"
	OpNoop    OpType = "n"
)

func (o OpType) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpCommand:
		return "command"
	case OpNoop:
		return "noop"
	}

	return "unknown(" + string(o) + ")"
}

var (
	ErrMalformedEntry      = errors.New("malformed oplog entry")
	ErrPreparedTransaction = errors.New("prepared transactions are not supported")
)

// Entry is one parsed oplog entry.
type Entry struct {
	TS bson.Timestamp
	Op OpType
	NS string

	// ID is the _id of the affected document (insert, update, delete).
	ID bson.RawValue
	// Doc is the inserted document for inserts, the "o" field for updates
	// (replacement or modifier) and commands, nil otherwise.
	Doc bson.Raw

	// Inner holds the operations of an applyOps entry, in order.
	// They share the outer TS.
	Inner []*Entry
}

func (e *Entry) DB() string {
	db, _ := sel.SplitNS(e.NS)

	return db
}

func (e *Entry) Coll() string {
	_, coll := sel.SplitNS(e.NS)

	return coll
}

// IsApplyOps reports whether the entry is a transaction (applyOps) command.
func (e *Entry) IsApplyOps() bool {
	return e.Op == OpCommand && e.Inner != nil
}

// IsModifier reports whether an update carries update operators or a diff
// instead of a full replacement document.
func (e *Entry) IsModifier() bool {
	if e.Op != OpUpdate || len(e.Doc) == 0 {
		return false
	}

	elems, err := e.Doc.Elements()
	if err != nil || len(elems) == 0 {
		return false
	}

	return strings.HasPrefix(elems[0].Key(), "$")
}

// CommandName returns the first key of a command entry.
func (e *Entry) CommandName() string {
	if e.Op != OpCommand || len(e.Doc) == 0 {
		return ""
	}

	elems, err := e.Doc.Elements()
	if err != nil || len(elems) == 0 {
		return ""
	}

	return elems[0].Key()
}

// ParseEntry parses a raw oplog document. The ts is read from the raw bytes.
func ParseEntry(raw bson.Raw) (*Entry, error) {
	t, i, ok := raw.Lookup("ts").TimestampOK()
	if !ok {
		return nil, errors.Wrap(ErrMalformedEntry, "missing ts")
	}

	return parseOp(raw, bson.Timestamp{T: t, I: i})
}

func parseOp(raw bson.Raw, ts bson.Timestamp) (*Entry, error) {
	op, ok := raw.Lookup("op").StringValueOK()
	if !ok {
		return nil, errors.Wrap(ErrMalformedEntry, "missing op")
	}

	ns, _ := raw.Lookup("ns").StringValueOK()
	o, _ := raw.Lookup("o").DocumentOK()

	e := &Entry{TS: ts, Op: OpType(op), NS: ns}

	switch e.Op {
	case OpInsert, OpDelete:
		id, err := o.LookupErr("_id")
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedEntry, "%s on %s without o._id", e.Op, ns)
		}

		e.ID = id
		if e.Op == OpInsert {
			e.Doc = o
		}

	case OpUpdate:
		o2, _ := raw.Lookup("o2").DocumentOK()

		id, err := o2.LookupErr("_id")
		if err != nil {
			return nil, errors.Wrapf(ErrMalformedEntry, "update on %s without o2._id", ns)
		}

		e.ID = id
		e.Doc = o

	case OpCommand:
		e.Doc = o

		ops, ok := o.Lookup("applyOps").ArrayOK()
		if !ok {
			break
		}

		if prepare, _ := o.Lookup("prepare").BooleanOK(); prepare {
			return nil, errors.Wrapf(ErrPreparedTransaction, "applyOps at %d.%d", ts.T, ts.I)
		}

		inner, err := parseApplyOps(ops, ts)
		if err != nil {
			return nil, err
		}

		e.Inner = inner
	}

	return e, nil
}

func parseApplyOps(ops bson.RawArray, ts bson.Timestamp) ([]*Entry, error) {
	vals, err := ops.Values()
	if err != nil {
		return nil, errors.Wrap(ErrMalformedEntry, "applyOps")
	}

	inner := make([]*Entry, 0, len(vals))

	for n, val := range vals {
		doc, ok := val.DocumentOK()
		if !ok {
			return nil, errors.Wrapf(ErrMalformedEntry, "applyOps[%d] is not a document", n)
		}

		e, err := parseOp(doc, ts)
		if err != nil {
			return nil, errors.Wrapf(err, "applyOps[%d]", n)
		}

		inner = append(inner, e)
	}

	return inner, nil
}
