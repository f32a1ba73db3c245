package checkpoint

import (
	"context"
	"time"

	"github.com/tailriver/tailriver/internal/oplog"
)

// Checkpoint is the last processed position of a consumer and the oplog time
// of that position.
type Checkpoint struct {
	Position oplog.Position
	Time     time.Time
}

func (c *Checkpoint) IsZero() bool {
	return c == nil || c.Position.IsZero()
}

// Store persists one checkpoint per service name. Load returns nil when the
// service has never committed.
type Store interface {
	Load(ctx context.Context, service string) (*Checkpoint, error)
	Upsert(ctx context.Context, service string, cp Checkpoint) error
}
