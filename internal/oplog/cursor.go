package oplog

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/bson"
)

const DefaultAwaitTimeout = time.Second

type CursorConfig struct {
	// AwaitTimeout bounds each blocking wait for new oplog data.
	AwaitTimeout time.Duration
}

// Cursor owns the upstream connection and tails its oplog.
type Cursor struct {
	upstream   Upstream
	mode       Mode
	variant    *Variant
	normalizer *Normalizer
	config     CursorConfig

	it      Iterator
	stopped atomic.Bool
}

// NewCursor verifies the upstream for the given mode and detects which oplog
// variant it serves.
func NewCursor(ctx context.Context, upstream Upstream, mode Mode, config CursorConfig) (*Cursor, error) {
	if config.AwaitTimeout <= 0 {
		config.AwaitTimeout = DefaultAwaitTimeout
	}

	c := &Cursor{
		upstream: upstream,
		mode:     mode,
		config:   config,
	}

	switch mode {
	case ModeReplicaSet, ModeSecondary, ModeDirect:
		if err := c.ensureReplicated(ctx); err != nil {
			return nil, err
		}
	case ModeExisting:
	default:
		return nil, NewConfigurationError("invalid connection mode: %q", mode)
	}

	if err := c.detectVariant(ctx); err != nil {
		return nil, err
	}

	return c, nil
}

func (c *Cursor) ensureReplicated(ctx context.Context) error {
	status, err := c.upstream.RunCommand(ctx, "admin", bson.D{{Key: "isMaster", Value: 1}})
	if err != nil {
		return &TransientError{Op: "isMaster", Err: err}
	}

	if c.mode == ModeSecondary && truthy(status["ismaster"]) {
		return NewConfigurationError("server %v is the primary; use mode %q if tailing a primary is intended", status["me"], ModeDirect)
	}
	if setName, _ := status["setName"].(string); setName == "" {
		return NewConfigurationError("server %v is not running as a replica set", status["me"])
	}
	return nil
}

func (c *Cursor) detectVariant(ctx context.Context) error {
	info, err := c.upstream.RunCommand(ctx, "admin", bson.D{{Key: "buildinfo", Value: 1}})
	if err != nil {
		return &TransientError{Op: "buildinfo", Err: err}
	}

	c.variant = DetectVariant(info)
	if c.variant.Normalize {
		c.normalizer = NewNormalizer(c.upstream)
	}

	log.Info().
		Str("variant", c.variant.Name).
		Str("mode", string(c.mode)).
		Msg("Detected upstream oplog")
	return nil
}

func (c *Cursor) Variant() *Variant {
	return c.variant
}

func (c *Cursor) Upstream() Upstream {
	return c.upstream
}

// MostRecentPosition returns the position of the latest entry at or before
// before, or of the latest entry overall when before is zero. It returns the
// zero Position when the oplog is empty.
func (c *Cursor) MostRecentPosition(ctx context.Context, before time.Time) (Position, error) {
	filter := bson.D{}
	if !before.IsZero() {
		filter = append(filter, c.variant.beforeTime(before))
	}

	it, err := c.upstream.Find(ctx, LocalDatabase, c.variant.Collection, filter, FindOptions{
		Sort:  bson.D{{Key: "$natural", Value: -1}},
		Limit: 1,
	})
	if err != nil {
		return Position{}, &TransientError{Op: "find most recent entry", Err: err}
	}
	defer it.Close(ctx)

	if !it.Next(ctx) {
		if err := it.Err(); err != nil {
			return Position{}, &TransientError{Op: "read most recent entry", Err: err}
		}
		return Position{}, nil
	}

	var entry Entry
	if err := it.Decode(&entry); err != nil {
		return Position{}, fmt.Errorf("failed to decode oplog entry: %w", err)
	}
	return c.variant.PositionOf(&entry)
}

func (c *Cursor) ResumePosition(ctx context.Context) (Position, error) {
	return c.MostRecentPosition(ctx, time.Time{})
}

// Tail opens a tailable cursor on the oplog. With opts.From set, only entries
// strictly after that position are returned.
func (c *Cursor) Tail(ctx context.Context, opts TailOptions) error {
	if c.it != nil {
		return ErrAlreadyTailing
	}

	filter := bson.D{}
	filter = append(filter, opts.Filter...)
	findOpts := FindOptions{
		Tailable:        true,
		AwaitData:       !opts.DontWait,
		MaxAwaitTime:    c.config.AwaitTimeout,
		NoCursorTimeout: true,
	}

	if !opts.From.IsZero() {
		after, err := c.variant.after(opts.From)
		if err != nil {
			return err
		}
		filter = append(filter, after)
		findOpts.OplogReplay = c.variant.replay
	}

	it, err := c.upstream.Find(ctx, LocalDatabase, c.variant.Collection, filter, findOpts)
	if err != nil {
		return &TransientError{Op: "open tailable cursor", Err: err}
	}

	log.Info().Str("from", opts.From.String()).Msg("Starting oplog stream")
	c.it = it
	return nil
}

// Pull delivers records until limit is reached, the handler stops the pass,
// Stop is called or no more data is currently available. It reports whether
// the cursor still has buffered entries. The expansion of one raw entry is
// always delivered whole.
func (c *Cursor) Pull(ctx context.Context, limit int, fn Handler) (bool, error) {
	if c.it == nil {
		return false, ErrNotTailing
	}

	ctl := NewControl(limit)
	for !c.stopped.Load() && !ctl.Stopped() {
		if !c.it.TryNext(ctx) {
			if err := c.it.Err(); err != nil {
				if errors.Is(err, context.Canceled) {
					return false, err
				}
				return false, &TransientError{Op: "tail oplog", Err: err}
			}
			if c.it.ID() == 0 {
				return false, &TransientError{Op: "tail oplog", Err: errors.New("cursor is dead")}
			}
			return false, nil
		}

		var entry Entry
		if err := c.it.Decode(&entry); err != nil {
			return false, fmt.Errorf("failed to decode oplog entry: %w", err)
		}

		records, err := c.expand(ctx, &entry)
		if err != nil {
			return false, err
		}

		for _, rec := range records {
			if err := fn(rec, ctl); err != nil {
				return false, err
			}
			ctl.Increment()
		}
	}

	return c.it.RemainingBatchLength() > 0, nil
}

func (c *Cursor) expand(ctx context.Context, entry *Entry) ([]Record, error) {
	if c.normalizer != nil {
		return c.normalizer.Convert(ctx, entry)
	}

	pos, err := c.variant.PositionOf(entry)
	if err != nil {
		return nil, err
	}
	ts, err := c.variant.TimeOf(entry)
	if err != nil {
		return nil, err
	}

	return []Record{{
		Position:  pos,
		Timestamp: ts,
		Op:        OpKind(entry.Op),
		Namespace: entry.NS,
		Object:    entry.O,
		Selector:  entry.O2,
		Last:      true,
	}}, nil
}

// Stop makes the current or next Pull return before its next wait.
func (c *Cursor) Stop() {
	c.stopped.Store(true)
}

// Close releases the tailable cursor so Tail can be called again.
func (c *Cursor) Close(ctx context.Context) error {
	var err error
	if c.it != nil {
		err = c.it.Close(ctx)
	}
	c.it = nil
	c.stopped.Store(false)
	return err
}

func truthy(v interface{}) bool {
	switch val := v.(type) {
	case bool:
		return val
	case int32:
		return val != 0
	case int64:
		return val != 0
	case float64:
		return val != 0
	default:
		return false
	}
}
