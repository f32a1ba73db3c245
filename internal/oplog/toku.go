package oplog

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// Normalizer converts TokuMX transaction entries into MongoDB-style records.
//
// Every record derived from one transaction carries the transaction's
// timestamp and position, so timestamps are not strictly increasing within
// an expanded transaction.
type Normalizer struct {
	refs Upstream
}

func NewNormalizer(refs Upstream) *Normalizer {
	return &Normalizer{refs: refs}
}

// NeedsConversion reports whether buildinfo identifies a TokuMX server.
func NeedsConversion(buildInfo bson.M) bool {
	return DetectVariant(buildInfo).Normalize
}

// Convert expands a transaction entry into zero or more canonical records.
func (n *Normalizer) Convert(ctx context.Context, entry *Entry) ([]Record, error) {
	ops, err := n.operationsFor(ctx, entry)
	if err != nil {
		return nil, err
	}

	pos, err := TokuVariant.PositionOf(entry)
	if err != nil {
		return nil, err
	}
	ts, err := TokuVariant.TimeOf(entry)
	if err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(ops))
	for _, op := range ops {
		rec := Record{
			Position:  pos,
			Timestamp: ts,
			Namespace: op.NS,
		}

		switch op.Op {
		case "i":
			rec.Op = OpInsert
			rec.Object = op.O
		case "ur":
			rec.Op = OpUpdate
			rec.Selector = idSelector(op.O)
			rec.Object = op.M
		case "u":
			rec.Op = OpUpdate
			rec.Selector = idSelector(op.O)
			rec.Object = op.O2
		case "d":
			rec.Op = OpRemove
			rec.Object = idSelector(op.O)
		case "c":
			rec.Op = OpCommand
			rec.Object = op.O
		case "n":
			// keepOplogAlive
			continue
		default:
			return nil, NewUnsupportedFeatureError(entry, "unrecognized op %q", op.Op)
		}

		records = append(records, rec)
	}

	if len(records) > 0 {
		records[len(records)-1].Last = true
	}
	return records, nil
}

func (n *Normalizer) operationsFor(ctx context.Context, entry *Entry) ([]TokuOp, error) {
	if entry.Ops != nil {
		return entry.Ops, nil
	}
	if entry.Ref == nil {
		return nil, NewMalformedRecordError(entry, "transaction has neither ops nor ref")
	}
	if n.refs == nil {
		return nil, fmt.Errorf("no connection to look up oplog refs for %v", entry.Ref)
	}

	it, err := n.refs.Find(ctx, LocalDatabase, RefsCollection,
		bson.D{{Key: "_id.oid", Value: entry.Ref}},
		FindOptions{Sort: bson.D{{Key: "_id.seq", Value: 1}}},
	)
	if err != nil {
		return nil, &TransientError{Op: "find oplog refs", Err: err}
	}
	defer it.Close(ctx)

	var ops []TokuOp
	for it.Next(ctx) {
		var ref struct {
			Ops []TokuOp `bson:"ops"`
		}
		if err := it.Decode(&ref); err != nil {
			return nil, NewMalformedRecordError(entry, "failed to decode oplog ref: %v", err)
		}
		ops = append(ops, ref.Ops...)
	}
	if err := it.Err(); err != nil {
		return nil, &TransientError{Op: "read oplog refs", Err: err}
	}

	return ops, nil
}

func idSelector(doc bson.D) bson.D {
	id, _ := Lookup(doc, "_id")
	return bson.D{{Key: "_id", Value: id}}
}
