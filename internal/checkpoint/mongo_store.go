package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/tailriver/tailriver/internal/oplog"
)

const (
	DefaultStateDatabase   = "_mongoriver"
	DefaultStateCollection = "oplog-tailers"
	stateVersion           = 1
)

// PositionResolver maps a wall-clock time to an oplog position. It is used
// to upgrade legacy rows that only stored a timestamp.
type PositionResolver interface {
	MostRecentPosition(ctx context.Context, before time.Time) (oplog.Position, error)
}

// MongoStore keeps checkpoints in a collection of the tailed deployment, one
// document per service.
type MongoStore struct {
	collection *mongo.Collection
	resolver   PositionResolver
}

type stateDoc struct {
	Placeholder interface{} `bson:"placeholder"`
	Time        time.Time   `bson:"time"`
}

func NewMongoStore(client *mongo.Client, database, collection string, resolver PositionResolver) *MongoStore {
	if database == "" {
		database = DefaultStateDatabase
	}
	if collection == "" {
		collection = DefaultStateCollection
	}
	return &MongoStore{
		collection: client.Database(database).Collection(collection),
		resolver:   resolver,
	}
}

func (s *MongoStore) Load(ctx context.Context, service string) (*Checkpoint, error) {
	var row bson.M
	err := s.collection.FindOne(ctx, bson.D{{Key: "service", Value: service}}).Decode(&row)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	return decodeState(ctx, row, s.resolver)
}

func (s *MongoStore) Upsert(ctx context.Context, service string, cp Checkpoint) error {
	doc := bson.D{
		{Key: "service", Value: service},
		{Key: "state", Value: stateDoc{Placeholder: cp.Position.Value(), Time: cp.Time}},
		{Key: "v", Value: stateVersion},
	}
	_, err := s.collection.ReplaceOne(ctx,
		bson.D{{Key: "service", Value: service}},
		doc,
		options.Replace().SetUpsert(true),
	)
	if err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	return nil
}

func decodeState(ctx context.Context, row bson.M, resolver PositionResolver) (*Checkpoint, error) {
	version, hasVersion := row["v"]
	if !hasVersion || version == nil {
		return upgradeLegacy(ctx, row, resolver)
	}

	if v, ok := asInt(version); !ok || v != stateVersion {
		return nil, oplog.NewResumeStateError("unsupported checkpoint version %v", version)
	}

	state, ok := row["state"].(bson.M)
	if !ok {
		return nil, oplog.NewResumeStateError("checkpoint row has no state: %v", row)
	}

	pos, err := oplog.PositionFromValue(state["placeholder"])
	if err != nil {
		return nil, err
	}

	cp := &Checkpoint{Position: pos}
	switch t := state["time"].(type) {
	case primitive.DateTime:
		cp.Time = t.Time().UTC()
	case time.Time:
		cp.Time = t.UTC()
	case nil:
	default:
		return nil, oplog.NewResumeStateError("checkpoint time is %T", t)
	}
	return cp, nil
}

func upgradeLegacy(ctx context.Context, row bson.M, resolver PositionResolver) (*Checkpoint, error) {
	ts, ok := row["timestamp"].(primitive.Timestamp)
	if !ok {
		return nil, oplog.NewResumeStateError("legacy checkpoint row has no timestamp: %v", row)
	}
	if resolver == nil {
		return nil, oplog.NewResumeStateError("legacy checkpoint row cannot be upgraded without an oplog")
	}

	log.Warn().Uint32("timestamp", ts.T).Msg("Old style timestamp found in database. Converting")

	t := time.Unix(int64(ts.T), 0).UTC()
	pos, err := resolver.MostRecentPosition(ctx, t)
	if err != nil {
		return nil, err
	}
	return &Checkpoint{Position: pos, Time: t}, nil
}

func asInt(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
