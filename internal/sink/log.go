package sink

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/tailriver/tailriver/internal/cdc"
)

func init() {
	RegisterSink("log", func(config Config) (Sink, error) {
		return NewLogSink(log.Logger), nil
	})
}

// LogSink writes one structured log line per call.
type LogSink struct {
	logger zerolog.Logger
}

var _ cdc.Sink = (*LogSink)(nil)

func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "sink").Logger()}
}

func (s *LogSink) event(op cdc.OperationType, db, collection string) *zerolog.Event {
	e := s.logger.Info().Str("op", string(op)).Str("db", db)
	if collection != "" {
		e = e.Str("collection", collection)
	}
	return e
}

func (s *LogSink) Insert(ctx context.Context, db, collection string, document bson.D) error {
	s.event(cdc.OperationInsert, db, collection).Str("document", extJSON(document)).Msg("insert")
	return nil
}

func (s *LogSink) Update(ctx context.Context, db, collection string, selector, update bson.D) error {
	s.event(cdc.OperationUpdate, db, collection).
		Str("selector", extJSON(selector)).
		Str("update", extJSON(update)).
		Msg("update")
	return nil
}

func (s *LogSink) Remove(ctx context.Context, db, collection string, document bson.D) error {
	s.event(cdc.OperationRemove, db, collection).Str("document", extJSON(document)).Msg("remove")
	return nil
}

func (s *LogSink) CreateIndex(ctx context.Context, db, collection string, key bson.D, options bson.M) error {
	s.event(cdc.OperationCreateIndex, db, collection).
		Str("key", extJSON(key)).
		Interface("options", options).
		Msg("create index")
	return nil
}

func (s *LogSink) DropIndex(ctx context.Context, db, collection, name string) error {
	s.event(cdc.OperationDropIndex, db, collection).Str("index", name).Msg("drop index")
	return nil
}

func (s *LogSink) CreateCollection(ctx context.Context, db, collection string, options bson.M) error {
	s.event(cdc.OperationCreateCollection, db, collection).Interface("options", options).Msg("create collection")
	return nil
}

func (s *LogSink) DropCollection(ctx context.Context, db, collection string) error {
	s.event(cdc.OperationDropCollection, db, collection).Msg("drop collection")
	return nil
}

func (s *LogSink) RenameCollection(ctx context.Context, db, oldCollection, newCollection string) error {
	s.event(cdc.OperationRenameCollection, db, oldCollection).Str("to", newCollection).Msg("rename collection")
	return nil
}

func (s *LogSink) DropDatabase(ctx context.Context, db string) error {
	s.event(cdc.OperationDropDatabase, db, "").Msg("drop database")
	return nil
}

func (s *LogSink) Progress(ctx context.Context, ts time.Time) error {
	s.logger.Debug().Time("ts", ts).Msg("progress")
	return nil
}

func (s *LogSink) Close() error {
	return nil
}

func extJSON(d bson.D) string {
	data, err := bson.MarshalExtJSON(d, false, false)
	if err != nil {
		return "<unencodable>"
	}
	return string(data)
}
