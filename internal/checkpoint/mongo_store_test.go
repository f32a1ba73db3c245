package checkpoint

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"github.com/tailriver/tailriver/internal/oplog"
)

// connectedStore talks to the server named by MONGO_SERVER and skips the
// test when it is unset.
func connectedStore(t *testing.T, resolver PositionResolver) *MongoStore {
	t.Helper()

	host := os.Getenv("MONGO_SERVER")
	if host == "" {
		t.Skip("MONGO_SERVER not set")
	}

	up, err := oplog.Dial(t.Context(), oplog.DialConfig{
		Hosts:          []string{host},
		Mode:           oplog.ModeDirect,
		ConnectTimeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}

	database := fmt.Sprintf("_tailriver_test_%d", time.Now().UnixNano())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = up.Client().Database(database).Drop(ctx)
		_ = up.Disconnect(ctx)
	})

	return NewMongoStore(up.Client(), database, "", resolver)
}

func TestMongoStore(t *testing.T) {
	store := connectedStore(t, nil)
	ctx := t.Context()

	cp, err := store.Load(ctx, "indexer")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cp != nil {
		t.Fatalf("expected no checkpoint, got %+v", cp)
	}

	first := Checkpoint{Position: oplog.TimestampPosition(1700000000, 2), Time: epoch}
	if err := store.Upsert(ctx, "indexer", first); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	second := Checkpoint{Position: oplog.TimestampPosition(1700000090, 1), Time: epoch.Add(90 * time.Second)}
	if err := store.Upsert(ctx, "indexer", second); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	cp, err = store.Load(ctx, "indexer")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cp.Position.Equal(second.Position) || !cp.Time.Equal(second.Time) {
		t.Errorf("loaded %+v, want %+v", cp, second)
	}

	n, err := store.collection.CountDocuments(ctx, bson.D{{Key: "service", Value: "indexer"}})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected one row per service, got %d", n)
	}
}

func TestMongoStoreLegacyRow(t *testing.T) {
	resolver := &fixedResolver{pos: oplog.TimestampPosition(1600000000, 7)}
	store := connectedStore(t, resolver)
	ctx := t.Context()

	_, err := store.collection.InsertOne(ctx, bson.D{
		{Key: "service", Value: "legacy"},
		{Key: "timestamp", Value: primitive.Timestamp{T: 1600000000, I: 9}},
	})
	if err != nil {
		t.Fatal(err)
	}

	cp, err := store.Load(ctx, "legacy")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if !cp.Position.Equal(resolver.pos) {
		t.Errorf("position = %s, want %s", cp.Position, resolver.pos)
	}
	if !resolver.before.Equal(time.Unix(1600000000, 0)) {
		t.Errorf("resolved at %v", resolver.before)
	}
}
