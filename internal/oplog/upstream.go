package oplog

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
)

const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 27017
)

type Mode string

const (
	ModeReplicaSet Mode = "replset"
	// ModeSecondary connects directly and refuses a primary.
	ModeSecondary Mode = "secondary"
	ModeDirect    Mode = "direct"
	// ModeExisting uses a caller-provided connection as is.
	ModeExisting Mode = "existing"
)

func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeReplicaSet, ModeSecondary, ModeDirect, ModeExisting:
		return m, nil
	default:
		return "", NewConfigurationError("invalid connection mode: %q", s)
	}
}

type FindOptions struct {
	Sort            bson.D
	Limit           int64
	Tailable        bool
	AwaitData       bool
	OplogReplay     bool
	MaxAwaitTime    time.Duration
	NoCursorTimeout bool
}

// Iterator is the subset of *mongo.Cursor the tailer relies on.
type Iterator interface {
	Next(ctx context.Context) bool
	TryNext(ctx context.Context) bool
	Decode(val interface{}) error
	Err() error
	ID() int64
	RemainingBatchLength() int
	Close(ctx context.Context) error
}

// Upstream is the server the oplog is read from.
type Upstream interface {
	RunCommand(ctx context.Context, db string, cmd bson.D) (bson.M, error)
	Find(ctx context.Context, db, coll string, filter bson.D, opts FindOptions) (Iterator, error)
	Disconnect(ctx context.Context) error
}

type DialConfig struct {
	Hosts []string
	Mode  Mode
	// URI overrides Hosts when set.
	URI            string
	ConnectTimeout time.Duration
}

// MongoUpstream is an Upstream backed by the official MongoDB driver.
type MongoUpstream struct {
	client *mongo.Client
}

func NewMongoUpstream(client *mongo.Client) *MongoUpstream {
	return &MongoUpstream{client: client}
}

// Dial connects to the upstream according to the connection mode.
func Dial(ctx context.Context, cfg DialConfig) (*MongoUpstream, error) {
	opts := options.Client()
	if cfg.ConnectTimeout > 0 {
		opts.SetConnectTimeout(cfg.ConnectTimeout)
	}

	switch cfg.Mode {
	case ModeReplicaSet:
		if cfg.URI != "" {
			opts.ApplyURI(cfg.URI)
		} else {
			hosts, err := normalizeHosts(cfg.Hosts)
			if err != nil {
				return nil, err
			}
			opts.SetHosts(hosts)
		}
		opts.SetReadPreference(readpref.SecondaryPreferred())
	case ModeSecondary, ModeDirect:
		if cfg.URI != "" {
			opts.ApplyURI(cfg.URI)
		} else {
			if len(cfg.Hosts) != 1 {
				return nil, NewConfigurationError("when connecting directly, exactly one upstream must be given (got %d)", len(cfg.Hosts))
			}
			host, err := ParseHostSpec(cfg.Hosts[0])
			if err != nil {
				return nil, err
			}
			opts.SetHosts([]string{host})
		}
		opts.SetDirect(true)
		opts.SetReadPreference(readpref.SecondaryPreferred())
	case ModeExisting:
		return nil, NewConfigurationError("mode %q requires an established connection", cfg.Mode)
	default:
		return nil, NewConfigurationError("invalid connection mode: %q", cfg.Mode)
	}

	client, err := mongo.Connect(ctx, opts)
	if err != nil {
		return nil, &TransientError{Op: "connect", Err: err}
	}
	if err := client.Ping(ctx, readpref.Nearest()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, &TransientError{Op: "ping", Err: err}
	}

	return &MongoUpstream{client: client}, nil
}

// ParseHostSpec fills in the default host and port of "host:port".
func ParseHostSpec(spec string) (string, error) {
	host, port, found := strings.Cut(spec, ":")
	if host == "" {
		host = DefaultHost
	}
	if !found || port == "" {
		return net.JoinHostPort(host, strconv.Itoa(DefaultPort)), nil
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", NewConfigurationError("invalid port in host spec %q", spec)
	}
	return net.JoinHostPort(host, port), nil
}

func normalizeHosts(specs []string) ([]string, error) {
	if len(specs) == 0 {
		return nil, NewConfigurationError("at least one upstream host is required")
	}
	hosts := make([]string, 0, len(specs))
	for _, spec := range specs {
		h, err := ParseHostSpec(spec)
		if err != nil {
			return nil, err
		}
		hosts = append(hosts, h)
	}
	return hosts, nil
}

func (u *MongoUpstream) Client() *mongo.Client {
	return u.client
}

func (u *MongoUpstream) RunCommand(ctx context.Context, db string, cmd bson.D) (bson.M, error) {
	var result bson.M
	if err := u.client.Database(db).RunCommand(ctx, cmd).Decode(&result); err != nil {
		return nil, fmt.Errorf("command %s failed: %w", cmd[0].Key, err)
	}
	return result, nil
}

func (u *MongoUpstream) Find(ctx context.Context, db, coll string, filter bson.D, opts FindOptions) (Iterator, error) {
	fo := options.Find()
	if len(opts.Sort) > 0 {
		fo.SetSort(opts.Sort)
	}
	if opts.Limit > 0 {
		fo.SetLimit(opts.Limit)
	}
	if opts.Tailable {
		if opts.AwaitData {
			fo.SetCursorType(options.TailableAwait)
			if opts.MaxAwaitTime > 0 {
				fo.SetMaxAwaitTime(opts.MaxAwaitTime)
			}
		} else {
			fo.SetCursorType(options.Tailable)
		}
	}
	if opts.OplogReplay {
		fo.SetOplogReplay(true)
	}
	if opts.NoCursorTimeout {
		fo.SetNoCursorTimeout(true)
	}
	if filter == nil {
		filter = bson.D{}
	}

	cur, err := u.client.Database(db).Collection(coll).Find(ctx, filter, fo)
	if err != nil {
		return nil, err
	}
	return cur, nil
}

func (u *MongoUpstream) Disconnect(ctx context.Context) error {
	return u.client.Disconnect(ctx)
}
