package main

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/tailriver/tailriver/internal/cdc"
	"github.com/tailriver/tailriver/internal/checkpoint"
	"github.com/tailriver/tailriver/internal/config"
	"github.com/tailriver/tailriver/internal/oplog"
	"github.com/tailriver/tailriver/internal/storage"
)

// newPipelineBuilder connects a fresh upstream for every attempt. local is
// nil unless checkpoints are kept in a bbolt file.
func newPipelineBuilder(cfg *config.Config, local *storage.Storage, snk cdc.Sink) cdc.PipelineBuilder {
	return func(ctx context.Context, stats *cdc.Stats) (*cdc.Pipeline, error) {
		up, err := oplog.Dial(ctx, cfg.Upstream.DialConfig())
		if err != nil {
			return nil, err
		}

		cursor, err := oplog.NewCursor(ctx, up, oplog.Mode(cfg.Upstream.Mode), oplog.CursorConfig{
			AwaitTimeout: cfg.Upstream.AwaitTimeout,
		})
		if err != nil {
			_ = up.Disconnect(ctx)
			return nil, err
		}

		var store checkpoint.Store
		switch cfg.Checkpoint.Store {
		case config.StoreBolt:
			if err := local.BindVariant(cursor.Variant().Name); err != nil {
				_ = up.Disconnect(ctx)
				return nil, err
			}
			store = local
		case config.StoreMongo:
			store = checkpoint.NewMongoStore(up.Client(), cfg.Checkpoint.Database, cfg.Checkpoint.Collection, cursor)
		}

		var tailer oplog.Tailer = cursor
		var checkpoints *checkpoint.Cursor
		if store != nil {
			checkpoints = checkpoint.NewCursor(cursor, store, checkpoint.Config{
				Service:      cfg.Service,
				SaveInterval: cfg.Checkpoint.SaveInterval,
				BatchMode:    cfg.Checkpoint.Batch,
			})
			tailer = checkpoints
		} else {
			log.Warn().Msg("Checkpoints are not persisted; restarts begin at the most recent entry")
		}

		dispatcher := cdc.NewDispatcher(tailer, snk, cdc.DispatcherOptions{
			ProgressOnNoop: *cfg.Dispatch.ProgressOnNoop,
			BatchSize:      cfg.Checkpoint.BatchSize,
			Stats:          stats,
		})

		return &cdc.Pipeline{
			Dispatcher: dispatcher,
			Checkpoint: checkpoints,
			Close: func(ctx context.Context) error {
				_ = cursor.Close(ctx)
				return up.Disconnect(ctx)
			},
		}, nil
	}
}
