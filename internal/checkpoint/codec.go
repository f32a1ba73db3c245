package checkpoint

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/tailriver/tailriver/internal/oplog"
)

const recordVersion = 1

type record struct {
	Version int       `msgpack:"v"`
	Kind    string    `msgpack:"kind"`
	Seconds uint32    `msgpack:"t,omitempty"`
	Ordinal uint32    `msgpack:"i,omitempty"`
	Subtype byte      `msgpack:"subtype,omitempty"`
	Data    []byte    `msgpack:"data,omitempty"`
	Time    time.Time `msgpack:"time"`
}

// Marshal encodes a checkpoint for local storage.
func Marshal(cp Checkpoint) ([]byte, error) {
	rec := record{
		Version: recordVersion,
		Kind:    cp.Position.Kind().String(),
		Time:    cp.Time.UTC(),
	}

	switch cp.Position.Kind() {
	case oplog.KindTimestamp:
		ts := cp.Position.Timestamp()
		rec.Seconds, rec.Ordinal = ts.T, ts.I
	case oplog.KindBinary:
		bin := cp.Position.Binary()
		rec.Subtype, rec.Data = bin.Subtype, bin.Data
	}

	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal checkpoint: %w", err)
	}
	return data, nil
}

func Unmarshal(data []byte) (Checkpoint, error) {
	var rec record
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return Checkpoint{}, oplog.NewResumeStateError("undecodable checkpoint: %v", err)
	}
	if rec.Version != recordVersion {
		return Checkpoint{}, oplog.NewResumeStateError("unsupported checkpoint version %d", rec.Version)
	}

	cp := Checkpoint{Time: rec.Time.UTC()}
	switch rec.Kind {
	case oplog.KindTimestamp.String():
		cp.Position = oplog.TimestampPosition(rec.Seconds, rec.Ordinal)
	case oplog.KindBinary.String():
		cp.Position = oplog.BinaryPosition(rec.Subtype, rec.Data)
	case oplog.KindNone.String():
	default:
		return Checkpoint{}, oplog.NewResumeStateError("unknown checkpoint position kind %q", rec.Kind)
	}
	return cp, nil
}
