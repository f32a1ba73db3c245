package oplog

import (
	"bytes"
	"encoding/hex"
	"fmt"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

type PositionKind uint8

const (
	KindNone PositionKind = iota
	// KindTimestamp is the MongoDB oplog "ts" (seconds, ordinal) pair.
	KindTimestamp
	// KindBinary is the TokuMX oplog "_id" GTID.
	KindBinary
)

func (k PositionKind) String() string {
	switch k {
	case KindTimestamp:
		return "timestamp"
	case KindBinary:
		return "binary"
	default:
		return "none"
	}
}

// Position locates an entry in the oplog. The zero value is "no position".
type Position struct {
	kind PositionKind
	ts   primitive.Timestamp
	bin  primitive.Binary
}

func TimestampPosition(seconds, ordinal uint32) Position {
	return Position{kind: KindTimestamp, ts: primitive.Timestamp{T: seconds, I: ordinal}}
}

func BinaryPosition(subtype byte, data []byte) Position {
	cp := make([]byte, len(data))
	copy(cp, data)
	return Position{kind: KindBinary, bin: primitive.Binary{Subtype: subtype, Data: cp}}
}

// PositionFromValue converts a decoded BSON value into a Position.
func PositionFromValue(v interface{}) (Position, error) {
	switch val := v.(type) {
	case primitive.Timestamp:
		return TimestampPosition(val.T, val.I), nil
	case primitive.Binary:
		return BinaryPosition(val.Subtype, val.Data), nil
	case nil:
		return Position{}, nil
	default:
		return Position{}, NewResumeStateError("unrecognized position type %T (%v)", v, v)
	}
}

func (p Position) Kind() PositionKind {
	return p.kind
}

func (p Position) IsZero() bool {
	return p.kind == KindNone
}

func (p Position) Timestamp() primitive.Timestamp {
	return p.ts
}

func (p Position) Binary() primitive.Binary {
	return p.bin
}

// Value returns the BSON value used when querying the oplog.
func (p Position) Value() interface{} {
	switch p.kind {
	case KindTimestamp:
		return p.ts
	case KindBinary:
		return p.bin
	default:
		return nil
	}
}

// Compare orders two positions of the same kind.
func (p Position) Compare(other Position) (int, error) {
	if p.kind != other.kind {
		return 0, NewResumeStateError("cannot compare %s position with %s position", p.kind, other.kind)
	}
	switch p.kind {
	case KindTimestamp:
		return compareTimestamps(p.ts, other.ts), nil
	case KindBinary:
		return bytes.Compare(p.bin.Data, other.bin.Data), nil
	default:
		return 0, nil
	}
}

func (p Position) Equal(other Position) bool {
	c, err := p.Compare(other)
	return err == nil && c == 0
}

func (p Position) String() string {
	switch p.kind {
	case KindTimestamp:
		return fmt.Sprintf("Timestamp(%d, %d)", p.ts.T, p.ts.I)
	case KindBinary:
		return fmt.Sprintf("Binary(%s)", hex.EncodeToString(p.bin.Data))
	default:
		return "start"
	}
}

func compareTimestamps(a, b primitive.Timestamp) int {
	switch {
	case a.T < b.T:
		return -1
	case a.T > b.T:
		return 1
	case a.I < b.I:
		return -1
	case a.I > b.I:
		return 1
	default:
		return 0
	}
}
