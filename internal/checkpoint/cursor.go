package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tailriver/tailriver/internal/oplog"
	"github.com/tailriver/tailriver/internal/telemetry"
)

const DefaultSaveInterval = 60 * time.Second

var ErrNotBatching = errors.New("flush requires batch mode")

// Source is the tailer being checkpointed. *oplog.Cursor satisfies it.
type Source interface {
	oplog.Tailer
	Variant() *oplog.Variant
}

type Config struct {
	// Service names the consumer; it keys the stored checkpoint.
	Service string
	// SaveInterval is the minimum log-time distance between two commits.
	SaveInterval time.Duration
	// BatchMode defers commits to explicit Flush calls.
	BatchMode bool
}

// Cursor wraps a Source and periodically persists the position of the last
// handled record.
type Cursor struct {
	source Source
	store  Store
	config Config

	mu        sync.RWMutex
	loaded    bool
	committed *Checkpoint
	observed  *Checkpoint
}

func NewCursor(source Source, store Store, config Config) *Cursor {
	if config.SaveInterval <= 0 {
		config.SaveInterval = DefaultSaveInterval
	}
	return &Cursor{
		source: source,
		store:  store,
		config: config,
	}
}

// Load reads the stored checkpoint. It returns nil when none exists.
func (c *Cursor) Load(ctx context.Context) (*Checkpoint, error) {
	cp, err := c.store.Load(ctx, c.config.Service)
	if err != nil {
		if oplog.IsResumeStateError(err) {
			return nil, err
		}
		return nil, &oplog.TransientError{Op: "load checkpoint", Err: err}
	}

	if !cp.IsZero() {
		want := c.source.Variant().Kind
		if cp.Position.Kind() != want {
			return nil, oplog.NewResumeStateError(
				"checkpoint for %q holds a %s position but the upstream uses %s positions",
				c.config.Service, cp.Position.Kind(), want)
		}
	}

	c.mu.Lock()
	c.loaded = true
	c.committed = cp
	c.mu.Unlock()

	if cp.IsZero() {
		log.Info().Str("service", c.config.Service).Msg("No checkpoint found")
	} else {
		log.Info().
			Str("service", c.config.Service).
			Str("position", cp.Position.String()).
			Time("oplog_time", cp.Time).
			Msg("Loaded checkpoint")
	}
	return cp, nil
}

func (c *Cursor) MostRecentPosition(ctx context.Context, before time.Time) (oplog.Position, error) {
	return c.source.MostRecentPosition(ctx, before)
}

// ResumePosition is the committed checkpoint, or the most recent oplog entry
// when nothing has been committed.
func (c *Cursor) ResumePosition(ctx context.Context) (oplog.Position, error) {
	c.mu.RLock()
	loaded, committed := c.loaded, c.committed
	c.mu.RUnlock()

	if !loaded {
		cp, err := c.Load(ctx)
		if err != nil {
			return oplog.Position{}, err
		}
		committed = cp
	}

	if !committed.IsZero() {
		return committed.Position, nil
	}
	return c.source.ResumePosition(ctx)
}

func (c *Cursor) Tail(ctx context.Context, opts oplog.TailOptions) error {
	if opts.From.IsZero() {
		pos, err := c.ResumePosition(ctx)
		if err != nil {
			return err
		}
		opts.From = pos
	}
	return c.source.Tail(ctx, opts)
}

// Pull forwards records to fn and records each completed raw entry as the
// last observed state.
func (c *Cursor) Pull(ctx context.Context, limit int, fn oplog.Handler) (bool, error) {
	return c.source.Pull(ctx, limit, func(rec oplog.Record, ctl *oplog.Control) error {
		if err := fn(rec, ctl); err != nil {
			return err
		}
		if !rec.Last {
			return nil
		}

		c.observe(rec)
		if c.config.BatchMode {
			return nil
		}
		return c.maybeCommit(ctx)
	})
}

func (c *Cursor) Stop() {
	c.source.Stop()
}

func (c *Cursor) Batching() bool {
	return c.config.BatchMode
}

// Flush commits at a batch boundary, subject to the save interval.
func (c *Cursor) Flush(ctx context.Context) error {
	if !c.config.BatchMode {
		return ErrNotBatching
	}
	return c.maybeCommit(ctx)
}

// Commit writes the last observed state regardless of the save interval.
func (c *Cursor) Commit(ctx context.Context) error {
	c.mu.RLock()
	observed, committed := c.observed, c.committed
	c.mu.RUnlock()

	if observed == nil || (committed != nil && observed.Position.Equal(committed.Position)) {
		return nil
	}
	return c.save(ctx, *observed)
}

func (c *Cursor) LastCommitted() *Checkpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.committed
}

func (c *Cursor) LastObserved() *Checkpoint {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.observed
}

func (c *Cursor) observe(rec oplog.Record) {
	c.mu.Lock()
	c.observed = &Checkpoint{Position: rec.Position, Time: rec.Timestamp}
	committed := c.committed
	c.mu.Unlock()

	if committed != nil && !committed.IsZero() {
		telemetry.CheckpointLagSeconds.Set(rec.Timestamp.Sub(committed.Time).Seconds())
	}
}

func (c *Cursor) maybeCommit(ctx context.Context) error {
	c.mu.RLock()
	observed, committed := c.observed, c.committed
	c.mu.RUnlock()

	if observed == nil {
		return nil
	}
	if !committed.IsZero() && observed.Time.Sub(committed.Time) <= c.config.SaveInterval {
		return nil
	}
	return c.save(ctx, *observed)
}

func (c *Cursor) save(ctx context.Context, cp Checkpoint) error {
	if err := c.store.Upsert(ctx, c.config.Service, cp); err != nil {
		return &oplog.TransientError{Op: "save checkpoint", Err: fmt.Errorf("service %s: %w", c.config.Service, err)}
	}

	c.mu.Lock()
	c.committed = &cp
	c.mu.Unlock()

	telemetry.CheckpointCommitsTotal.Inc()
	telemetry.CheckpointLagSeconds.Set(0)
	log.Info().
		Str("service", c.config.Service).
		Str("position", cp.Position.String()).
		Time("oplog_time", cp.Time).
		Msg("Saved checkpoint")
	return nil
}
