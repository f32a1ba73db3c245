package oplog

import (
	"math"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

const (
	LocalDatabase   = "local"
	OplogCollection = "oplog.rs"
	RefsCollection  = "oplog.refs"
)

// Variant holds the per-engine strategies chosen once at connect time.
type Variant struct {
	Name       string
	Kind       PositionKind
	Collection string
	// Normalize is true when entries must go through the Normalizer.
	Normalize bool

	positionKey string
	replay      bool
	positionOf  func(e *Entry) (Position, error)
	timeOf      func(e *Entry) (time.Time, error)
	beforeTime  func(t time.Time) bson.E
}

var (
	MongoVariant = &Variant{
		Name:        "mongodb",
		Kind:        KindTimestamp,
		Collection:  OplogCollection,
		positionKey: "ts",
		replay:      true,
		positionOf: func(e *Entry) (Position, error) {
			ts, ok := e.TS.(primitive.Timestamp)
			if !ok {
				return Position{}, NewMalformedRecordError(e, "ts is %T, expected timestamp", e.TS)
			}
			return TimestampPosition(ts.T, ts.I), nil
		},
		timeOf: func(e *Entry) (time.Time, error) {
			ts, ok := e.TS.(primitive.Timestamp)
			if !ok {
				return time.Time{}, NewMalformedRecordError(e, "ts is %T, expected timestamp", e.TS)
			}
			return time.Unix(int64(ts.T), 0).UTC(), nil
		},
		beforeTime: func(t time.Time) bson.E {
			return bson.E{Key: "ts", Value: bson.D{{Key: "$lte", Value: primitive.Timestamp{T: uint32(t.Unix()), I: math.MaxUint32}}}}
		},
	}

	TokuVariant = &Variant{
		Name:        "tokumx",
		Kind:        KindBinary,
		Collection:  OplogCollection,
		Normalize:   true,
		positionKey: "_id",
		positionOf: func(e *Entry) (Position, error) {
			id, ok := e.ID.(primitive.Binary)
			if !ok {
				return Position{}, NewMalformedRecordError(e, "_id is %T, expected binary", e.ID)
			}
			return BinaryPosition(id.Subtype, id.Data), nil
		},
		timeOf: func(e *Entry) (time.Time, error) {
			switch ts := e.TS.(type) {
			case primitive.DateTime:
				return ts.Time().UTC().Truncate(time.Second), nil
			case time.Time:
				return ts.UTC().Truncate(time.Second), nil
			default:
				return time.Time{}, NewMalformedRecordError(e, "ts is %T, expected date", e.TS)
			}
		},
		beforeTime: func(t time.Time) bson.E {
			return bson.E{Key: "ts", Value: bson.D{{Key: "$lte", Value: primitive.NewDateTimeFromTime(t)}}}
		},
	}
)

// DetectVariant picks the variant from buildinfo output.
func DetectVariant(buildInfo bson.M) *Variant {
	if _, ok := buildInfo["tokumxVersion"]; ok {
		return TokuVariant
	}
	return MongoVariant
}

func (v *Variant) PositionOf(e *Entry) (Position, error) {
	return v.positionOf(e)
}

func (v *Variant) TimeOf(e *Entry) (time.Time, error) {
	return v.timeOf(e)
}

func (v *Variant) after(p Position) (bson.E, error) {
	if p.Kind() != v.Kind {
		return bson.E{}, NewResumeStateError("%s position %s cannot be used with a %s oplog", p.Kind(), p, v.Name)
	}
	return bson.E{Key: v.positionKey, Value: bson.D{{Key: "$gt", Value: p.Value()}}}, nil
}
