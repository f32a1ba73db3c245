package sink

import (
	"context"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"

	"github.com/tailriver/tailriver/internal/cdc"
)

const DefaultTopicPrefix = "tailriver"

// Publisher delivers an encoded event to a topic. Implementations must
// return only after the broker acknowledged the message.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
	Close() error
}

// PublishSink turns dispatcher calls into events on a message broker.
// Topics are <prefix>.<db>.<collection>, or <prefix>.<db> for database-level
// events; the message key is the namespace.
type PublishSink struct {
	publisher Publisher
	prefix    string

	mu           sync.RWMutex
	lastProgress time.Time
}

var _ cdc.Sink = (*PublishSink)(nil)

func NewPublishSink(publisher Publisher, prefix string) *PublishSink {
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return &PublishSink{publisher: publisher, prefix: prefix}
}

func (s *PublishSink) Insert(ctx context.Context, db, collection string, document bson.D) error {
	return s.publish(ctx, &Event{Op: cdc.OperationInsert, Database: db, Collection: collection, Document: document})
}

func (s *PublishSink) Update(ctx context.Context, db, collection string, selector, update bson.D) error {
	return s.publish(ctx, &Event{Op: cdc.OperationUpdate, Database: db, Collection: collection, Selector: selector, Update: update})
}

func (s *PublishSink) Remove(ctx context.Context, db, collection string, document bson.D) error {
	return s.publish(ctx, &Event{Op: cdc.OperationRemove, Database: db, Collection: collection, Document: document})
}

func (s *PublishSink) CreateIndex(ctx context.Context, db, collection string, key bson.D, options bson.M) error {
	return s.publish(ctx, &Event{Op: cdc.OperationCreateIndex, Database: db, Collection: collection, IndexKey: key, Options: options})
}

func (s *PublishSink) DropIndex(ctx context.Context, db, collection, name string) error {
	return s.publish(ctx, &Event{Op: cdc.OperationDropIndex, Database: db, Collection: collection, IndexName: name})
}

func (s *PublishSink) CreateCollection(ctx context.Context, db, collection string, options bson.M) error {
	return s.publish(ctx, &Event{Op: cdc.OperationCreateCollection, Database: db, Collection: collection, Options: options})
}

func (s *PublishSink) DropCollection(ctx context.Context, db, collection string) error {
	return s.publish(ctx, &Event{Op: cdc.OperationDropCollection, Database: db, Collection: collection})
}

func (s *PublishSink) RenameCollection(ctx context.Context, db, oldCollection, newCollection string) error {
	return s.publish(ctx, &Event{Op: cdc.OperationRenameCollection, Database: db, Collection: oldCollection, NewCollection: newCollection})
}

func (s *PublishSink) DropDatabase(ctx context.Context, db string) error {
	return s.publish(ctx, &Event{Op: cdc.OperationDropDatabase, Database: db})
}

func (s *PublishSink) Progress(ctx context.Context, ts time.Time) error {
	s.mu.Lock()
	s.lastProgress = ts
	s.mu.Unlock()
	return nil
}

// LastProgress is the oplog time of the last record handled through this sink.
func (s *PublishSink) LastProgress() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastProgress
}

func (s *PublishSink) Close() error {
	return s.publisher.Close()
}

// Topic returns the topic an event is published to.
func (s *PublishSink) Topic(e *Event) string {
	return s.prefix + "." + e.Namespace()
}

func (s *PublishSink) publish(ctx context.Context, e *Event) error {
	value, err := e.Encode()
	if err != nil {
		return err
	}
	return s.publisher.Publish(ctx, s.Topic(e), e.Namespace(), value)
}
