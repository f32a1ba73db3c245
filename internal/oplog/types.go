package oplog

import (
	"context"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
)

type OpKind string

const (
	OpInsert  OpKind = "i"
	OpUpdate  OpKind = "u"
	OpRemove  OpKind = "d"
	OpCommand OpKind = "c"
	OpNoop    OpKind = "n"
)

// Record is one canonical oplog operation as consumed by the dispatcher.
type Record struct {
	Position  Position
	Timestamp time.Time
	Op        OpKind
	Namespace string
	Object    bson.D
	Selector  bson.D
	// Last marks the final record expanded from a single raw oplog entry.
	// Records of native MongoDB entries are always Last.
	Last bool
}

// SplitNamespace splits "db.collection" at the first dot.
func SplitNamespace(ns string) (string, string) {
	db, coll, _ := strings.Cut(ns, ".")
	return db, coll
}

// Entry is a raw oplog document as stored by either engine.
type Entry struct {
	ID  interface{} `bson:"_id,omitempty"`
	TS  interface{} `bson:"ts"`
	H   interface{} `bson:"h,omitempty"`
	Op  string      `bson:"op,omitempty"`
	NS  string      `bson:"ns,omitempty"`
	O   bson.D      `bson:"o,omitempty"`
	O2  bson.D      `bson:"o2,omitempty"`
	Ops []TokuOp    `bson:"ops,omitempty"`
	Ref interface{} `bson:"ref,omitempty"`
}

// TokuOp is one sub-operation of a TokuMX transaction entry.
type TokuOp struct {
	Op string `bson:"op"`
	NS string `bson:"ns"`
	O  bson.D `bson:"o,omitempty"`
	O2 bson.D `bson:"o2,omitempty"`
	M  bson.D `bson:"m,omitempty"`
}

// Handler receives each canonical record of a pull together with the pass's
// Control.
type Handler func(rec Record, ctl *Control) error

type TailOptions struct {
	// From is the last position already processed. Only later entries are
	// returned.
	From     Position
	Filter   bson.D
	DontWait bool
}

// Tailer is the surface shared by Cursor and the checkpointing wrapper.
type Tailer interface {
	MostRecentPosition(ctx context.Context, before time.Time) (Position, error)
	ResumePosition(ctx context.Context) (Position, error)
	Tail(ctx context.Context, opts TailOptions) error
	Pull(ctx context.Context, limit int, fn Handler) (bool, error)
	Stop()
}

// Lookup returns the value stored under key in d.
func Lookup(d bson.D, key string) (interface{}, bool) {
	for _, e := range d {
		if e.Key == key {
			return e.Value, true
		}
	}
	return nil, false
}
