package oplog

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

type findCall struct {
	db     string
	coll   string
	filter bson.D
	opts   FindOptions
}

type fakeUpstream struct {
	buildInfo bson.M
	isMaster  bson.M
	docs      map[string][]bson.D
	finds     []findCall
	findErr   error
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		buildInfo: bson.M{"version": "3.0.0"},
		isMaster:  bson.M{"ismaster": false, "secondary": true, "setName": "rs0", "me": "localhost:27017"},
		docs:      make(map[string][]bson.D),
	}
}

func (f *fakeUpstream) add(coll string, doc bson.D) {
	f.docs[coll] = append(f.docs[coll], doc)
}

func (f *fakeUpstream) RunCommand(ctx context.Context, db string, cmd bson.D) (bson.M, error) {
	switch cmd[0].Key {
	case "buildinfo":
		return f.buildInfo, nil
	case "isMaster":
		return f.isMaster, nil
	}
	return nil, fmt.Errorf("unexpected command %s", cmd[0].Key)
}

func (f *fakeUpstream) Find(ctx context.Context, db, coll string, filter bson.D, opts FindOptions) (Iterator, error) {
	f.finds = append(f.finds, findCall{db: db, coll: coll, filter: filter, opts: opts})
	if f.findErr != nil {
		return nil, f.findErr
	}

	var matched []bson.Raw
	for _, doc := range f.docs[coll] {
		if !matches(doc, filter) {
			continue
		}
		raw, err := bson.Marshal(doc)
		if err != nil {
			return nil, err
		}
		matched = append(matched, raw)
	}

	if len(opts.Sort) > 0 && opts.Sort[0].Key == "$natural" && opts.Sort[0].Value == -1 {
		for i, j := 0, len(matched)-1; i < j; i, j = i+1, j-1 {
			matched[i], matched[j] = matched[j], matched[i]
		}
	}
	if opts.Limit > 0 && int64(len(matched)) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	return &fakeIterator{docs: matched, id: 42}, nil
}

func (f *fakeUpstream) Disconnect(ctx context.Context) error {
	return nil
}

// matches understands the filters the cursor builds: {key: {$gt|$lte: v}}
// and plain equality.
func matches(doc bson.D, filter bson.D) bool {
	for _, cond := range filter {
		val, ok := lookupPath(doc, cond.Key)
		if !ok {
			return false
		}
		ops, isOps := cond.Value.(bson.D)
		if !isOps {
			if compareValues(val, cond.Value) != 0 {
				return false
			}
			continue
		}
		for _, op := range ops {
			c := compareValues(val, op.Value)
			switch op.Key {
			case "$gt":
				if c <= 0 {
					return false
				}
			case "$lte":
				if c > 0 {
					return false
				}
			}
		}
	}
	return true
}

func lookupPath(doc bson.D, path string) (interface{}, bool) {
	head, rest, nested := strings.Cut(path, ".")
	val, ok := Lookup(doc, head)
	if !ok || !nested {
		return val, ok
	}
	sub, ok := val.(bson.D)
	if !ok {
		return nil, false
	}
	return lookupPath(sub, rest)
}

func compareValues(a, b interface{}) int {
	switch av := a.(type) {
	case primitive.ObjectID:
		if av == b.(primitive.ObjectID) {
			return 0
		}
		return 1
	case primitive.Timestamp:
		return compareTimestamps(av, b.(primitive.Timestamp))
	case primitive.Binary:
		return bytes.Compare(av.Data, b.(primitive.Binary).Data)
	case primitive.DateTime:
		bv := b.(primitive.DateTime)
		switch {
		case av < bv:
			return -1
		case av > bv:
			return 1
		}
		return 0
	case string:
		if av == b.(string) {
			return 0
		}
		return 1
	}
	return 1
}

type fakeIterator struct {
	docs    []bson.Raw
	pos     int
	id      int64
	err     error
	closed  bool
	current bson.Raw
}

func (it *fakeIterator) Next(ctx context.Context) bool {
	return it.TryNext(ctx)
}

func (it *fakeIterator) TryNext(ctx context.Context) bool {
	if it.err != nil || it.pos >= len(it.docs) {
		return false
	}
	it.current = it.docs[it.pos]
	it.pos++
	return true
}

func (it *fakeIterator) Decode(val interface{}) error {
	if it.current == nil {
		return errors.New("no current document")
	}
	return bson.Unmarshal(it.current, val)
}

func (it *fakeIterator) Err() error {
	return it.err
}

func (it *fakeIterator) ID() int64 {
	return it.id
}

func (it *fakeIterator) RemainingBatchLength() int {
	return len(it.docs) - it.pos
}

func (it *fakeIterator) Close(ctx context.Context) error {
	it.closed = true
	return nil
}

func mongoEntry(seconds, ordinal uint32, op, ns string, o, o2 bson.D) bson.D {
	doc := bson.D{
		{Key: "ts", Value: primitive.Timestamp{T: seconds, I: ordinal}},
		{Key: "h", Value: int64(1234)},
		{Key: "v", Value: int32(2)},
		{Key: "op", Value: op},
		{Key: "ns", Value: ns},
		{Key: "o", Value: o},
	}
	if o2 != nil {
		doc = append(doc, bson.E{Key: "o2", Value: o2})
	}
	return doc
}
