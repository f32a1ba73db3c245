package cdc

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/tailriver/tailriver/internal/oplog"
	"github.com/tailriver/tailriver/internal/telemetry"
)

const (
	indexesCollection = "system.indexes"
	commandCollection = "$cmd"
	indexVersion      = 1

	// DefaultBatchSize bounds a pull pass in batch mode so a busy oplog
	// still reaches batch boundaries.
	DefaultBatchSize = 1000
)

type DispatcherOptions struct {
	// ProgressOnNoop emits Progress for skipped no-op entries too.
	ProgressOnNoop bool
	// BatchSize is the number of records per pull pass when the tailer
	// commits at batch boundaries. Zero means DefaultBatchSize.
	BatchSize      int
	Stats          *Stats
}

// batcher is implemented by tailers that commit checkpoints only at explicit
// batch boundaries.
type batcher interface {
	Batching() bool
	Flush(ctx context.Context) error
}

// Dispatcher drives a tailer and turns each record into sink calls, in order.
type Dispatcher struct {
	tailer  oplog.Tailer
	sink    Sink
	options DispatcherOptions
	stats   *Stats
	stopped atomic.Bool
}

func NewDispatcher(tailer oplog.Tailer, sink Sink, options DispatcherOptions) *Dispatcher {
	stats := options.Stats
	if stats == nil {
		stats = NewStats()
	}
	return &Dispatcher{
		tailer:  tailer,
		sink:    sink,
		options: options,
		stats:   stats,
	}
}

func (d *Dispatcher) Stats() *Stats {
	return d.stats
}

// RunSince starts from the latest entry at or before t.
func (d *Dispatcher) RunSince(ctx context.Context, t time.Time) error {
	pos, err := d.tailer.MostRecentPosition(ctx, t)
	if err != nil {
		return err
	}
	return d.Run(ctx, pos)
}

// Run tails from the given position, or from the tailer's resume position
// when from is zero, until Stop is called or an error occurs.
func (d *Dispatcher) Run(ctx context.Context, from oplog.Position) error {
	if from.IsZero() {
		pos, err := d.tailer.ResumePosition(ctx)
		if err != nil {
			return err
		}
		from = pos
	}

	log.Debug().Str("position", from.String()).Msg("Start position")
	if err := d.tailer.Tail(ctx, oplog.TailOptions{From: from}); err != nil {
		return err
	}

	b, batching := d.tailer.(batcher)
	batching = batching && b.Batching()

	limit := 0
	if batching {
		limit = d.options.BatchSize
		if limit <= 0 {
			limit = DefaultBatchSize
		}
	}

	for !d.stopped.Load() {
		if err := ctx.Err(); err != nil {
			return err
		}

		_, err := d.tailer.Pull(ctx, limit, func(rec oplog.Record, ctl *oplog.Control) error {
			return d.HandleRecord(ctx, rec)
		})
		if err != nil {
			return err
		}

		if batching {
			if err := b.Flush(ctx); err != nil {
				return err
			}
		}
	}

	return nil
}

// Stop ends Run after the record currently being handled.
func (d *Dispatcher) Stop() {
	d.stopped.Store(true)
	d.tailer.Stop()
}

// HandleRecord routes one canonical record to the sink.
func (d *Dispatcher) HandleRecord(ctx context.Context, rec oplog.Record) error {
	if rec.Op == oplog.OpNoop {
		// Initial rs.initiate() and similar markers.
		log.Debug().Str("ns", rec.Namespace).Interface("o", rec.Object).Msg("Skipping no-op")
		if d.options.ProgressOnNoop {
			return d.progress(ctx, rec)
		}
		return nil
	}

	db, collection := oplog.SplitNamespace(rec.Namespace)
	if db == "" {
		return oplog.NewMalformedRecordError(rec, "empty database name in namespace %q", rec.Namespace)
	}

	var err error
	switch rec.Op {
	case oplog.OpInsert:
		if collection == indexesCollection {
			err = d.handleCreateIndex(ctx, rec)
		} else {
			d.trigger(OperationInsert, rec)
			err = d.sink.Insert(ctx, db, collection, rec.Object)
		}
	case oplog.OpUpdate:
		d.trigger(OperationUpdate, rec)
		err = d.sink.Update(ctx, db, collection, rec.Selector, rec.Object)
	case oplog.OpRemove:
		d.trigger(OperationRemove, rec)
		err = d.sink.Remove(ctx, db, collection, rec.Object)
	case oplog.OpCommand:
		if collection != commandCollection {
			return oplog.NewMalformedRecordError(rec, "command collection is %q, expected %q", collection, commandCollection)
		}
		err = d.handleCommand(ctx, db, rec)
	default:
		return oplog.NewUnsupportedFeatureError(rec, "unrecognized op %q", rec.Op)
	}
	if err != nil {
		return err
	}

	return d.progress(ctx, rec)
}

func (d *Dispatcher) progress(ctx context.Context, rec oplog.Record) error {
	d.stats.record(OperationProgress)
	telemetry.LastProgressTimestamp.Set(float64(rec.Timestamp.Unix()))
	return d.sink.Progress(ctx, rec.Timestamp)
}

func (d *Dispatcher) trigger(op OperationType, rec oplog.Record) {
	d.stats.record(op)
	log.Debug().
		Str("op", string(op)).
		Str("ns", rec.Namespace).
		Str("position", rec.Position.String()).
		Msg("Dispatching")
}

func (d *Dispatcher) handleCreateIndex(ctx context.Context, rec oplog.Record) error {
	spec := rec.Object

	ns, _ := oplog.Lookup(spec, "ns")
	nsString, _ := ns.(string)
	db, collection := oplog.SplitNamespace(nsString)
	if db == "" || collection == "" {
		return oplog.NewMalformedRecordError(spec, "index spec has invalid ns %v", ns)
	}

	rawKey, ok := oplog.Lookup(spec, "key")
	if !ok {
		return oplog.NewMalformedRecordError(spec, "index spec has no key")
	}
	keyDoc, ok := rawKey.(bson.D)
	if !ok {
		return oplog.NewMalformedRecordError(spec, "index key is %T, expected document", rawKey)
	}

	key := make(bson.D, 0, len(keyDoc))
	for _, e := range keyDoc {
		key = append(key, bson.E{Key: e.Key, Value: coerceInt(e.Value)})
	}

	options := bson.M{}
	for _, e := range spec {
		switch e.Key {
		case "v":
			if v, ok := asNumber(e.Value); !ok || v != indexVersion {
				return oplog.NewUnsupportedFeatureError(spec, "only v=%d indexes are supported, not v=%v", indexVersion, e.Value)
			}
		case "ns", "key", "_id":
		default:
			options[e.Key] = e.Value
		}
	}

	if _, ok := options["name"]; !ok {
		return oplog.NewMalformedRecordError(spec, "no name defined for index spec")
	}

	d.trigger(OperationCreateIndex, rec)
	return d.sink.CreateIndex(ctx, db, collection, key, options)
}

func (d *Dispatcher) handleCommand(ctx context.Context, db string, rec oplog.Record) error {
	cmd := rec.Object

	if coll, ok := stringField(cmd, "deleteIndexes", "dropIndexes"); ok {
		name, _ := stringField(cmd, "index")
		d.trigger(OperationDropIndex, rec)
		return d.sink.DropIndex(ctx, db, coll, name)
	}

	if coll, ok := stringField(cmd, "create"); ok {
		options := bson.M{}
		for _, e := range cmd {
			switch e.Key {
			case "create":
			case "size":
				options[e.Key] = coerceInt(e.Value)
			default:
				options[e.Key] = e.Value
			}
		}
		d.trigger(OperationCreateCollection, rec)
		return d.sink.CreateCollection(ctx, db, coll, options)
	}

	if coll, ok := stringField(cmd, "drop"); ok {
		d.trigger(OperationDropCollection, rec)
		return d.sink.DropCollection(ctx, db, coll)
	}

	if oldNS, ok := stringField(cmd, "renameCollection"); ok {
		newNS, _ := stringField(cmd, "to")
		oldDB, oldColl := oplog.SplitNamespace(oldNS)
		_, newColl := oplog.SplitNamespace(newNS)
		if oldColl == "" || newColl == "" {
			return oplog.NewMalformedRecordError(cmd, "invalid rename from %q to %q", oldNS, newNS)
		}
		d.trigger(OperationRenameCollection, rec)
		return d.sink.RenameCollection(ctx, oldDB, oldColl, newColl)
	}

	if v, ok := oplog.Lookup(cmd, "dropDatabase"); ok {
		if n, isNum := asNumber(v); isNum && n == 1 {
			d.trigger(OperationDropDatabase, rec)
			return d.sink.DropDatabase(ctx, db)
		}
	}

	return oplog.NewMalformedRecordError(cmd, "unrecognized command")
}

func stringField(d bson.D, keys ...string) (string, bool) {
	for _, key := range keys {
		if v, ok := oplog.Lookup(d, key); ok {
			if s, isString := v.(string); isString && s != "" {
				return s, true
			}
		}
	}
	return "", false
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// coerceInt turns numeric values into int; index directions and collection
// sizes are always integral.
func coerceInt(v interface{}) interface{} {
	if n, ok := asNumber(v); ok {
		return int(math.Round(n))
	}
	return v
}
