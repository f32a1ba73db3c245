package cdc

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/tailriver/tailriver/internal/telemetry"
)

// Sink receives dispatched oplog operations. Calls are synchronous; an error
// halts the current pass.
type Sink interface {
	Insert(ctx context.Context, db, collection string, document bson.D) error
	Update(ctx context.Context, db, collection string, selector, update bson.D) error
	Remove(ctx context.Context, db, collection string, document bson.D) error

	CreateIndex(ctx context.Context, db, collection string, key bson.D, options bson.M) error
	DropIndex(ctx context.Context, db, collection, name string) error

	CreateCollection(ctx context.Context, db, collection string, options bson.M) error
	DropCollection(ctx context.Context, db, collection string) error
	RenameCollection(ctx context.Context, db, oldCollection, newCollection string) error

	DropDatabase(ctx context.Context, db string) error

	// Progress reports the oplog time of the last handled record.
	Progress(ctx context.Context, ts time.Time) error
}

type OperationType string

const (
	OperationInsert           OperationType = "insert"
	OperationUpdate           OperationType = "update"
	OperationRemove           OperationType = "remove"
	OperationCreateIndex      OperationType = "create_index"
	OperationDropIndex        OperationType = "drop_index"
	OperationCreateCollection OperationType = "create_collection"
	OperationDropCollection   OperationType = "drop_collection"
	OperationRenameCollection OperationType = "rename_collection"
	OperationDropDatabase     OperationType = "drop_database"
	OperationProgress         OperationType = "progress"
)

// Stats counts dispatched sink calls per operation. Counters are
// observational only.
type Stats struct {
	mu     sync.RWMutex
	counts map[OperationType]uint64
}

func NewStats() *Stats {
	return &Stats{counts: make(map[OperationType]uint64)}
}

func (s *Stats) record(op OperationType) {
	s.mu.Lock()
	s.counts[op]++
	s.mu.Unlock()
	telemetry.DispatchedTotal.WithLabelValues(string(op)).Inc()
}

func (s *Stats) Get(op OperationType) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.counts[op]
}

func (s *Stats) Snapshot() map[string]uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]uint64, len(s.counts))
	for op, n := range s.counts {
		out[string(op)] = n
	}
	return out
}

func (s *Stats) Operations() []OperationType {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ops := make([]OperationType, 0, len(s.counts))
	for op := range s.counts {
		ops = append(ops, op)
	}
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	return ops
}
