package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/tailriver/tailriver/internal/checkpoint"
	"github.com/tailriver/tailriver/internal/oplog"
)

var (
	CheckpointBucket = []byte("checkpoints")
	MetadataBucket   = []byte("metadata")
)

// VariantKey records which oplog variant the stored checkpoints belong to.
const VariantKey = "upstream_variant"

var ErrMetadataNotFound = errors.New("metadata key not found")

// Storage is a local bbolt file holding one checkpoint per service.
type Storage struct {
	db *bolt.DB
}

var _ checkpoint.Store = (*Storage)(nil)

func New(path string) (*Storage, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{CheckpointBucket, MetadataBucket} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) Load(ctx context.Context, service string) (*checkpoint.Checkpoint, error) {
	var cp *checkpoint.Checkpoint

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(CheckpointBucket).Get([]byte(service))
		if data == nil {
			return nil
		}

		decoded, err := checkpoint.Unmarshal(data)
		if err != nil {
			return err
		}
		cp = &decoded
		return nil
	})
	if err != nil {
		return nil, err
	}

	return cp, nil
}

func (s *Storage) Upsert(ctx context.Context, service string, cp checkpoint.Checkpoint) error {
	data, err := checkpoint.Marshal(cp)
	if err != nil {
		return err
	}

	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(CheckpointBucket).Put([]byte(service), data)
	})
}

// Services lists every service with a stored checkpoint.
func (s *Storage) Services() ([]string, error) {
	var services []string

	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(CheckpointBucket).ForEach(func(k, v []byte) error {
			services = append(services, string(k))
			return nil
		})
	})

	return services, err
}

func (s *Storage) SetMetadata(key, value string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		return bucket.Put([]byte(key), []byte(value))
	})
}

func (s *Storage) GetMetadata(key string) (string, error) {
	var value string

	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket(MetadataBucket)
		data := bucket.Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrMetadataNotFound, key)
		}
		value = string(data)
		return nil
	})

	return value, err
}

// BindVariant pins the store to one upstream variant. Checkpoints written
// for one variant are meaningless to the other.
func (s *Storage) BindVariant(name string) error {
	existing, err := s.GetMetadata(VariantKey)
	switch {
	case errors.Is(err, ErrMetadataNotFound):
		return s.SetMetadata(VariantKey, name)
	case err != nil:
		return err
	case existing != name:
		return oplog.NewResumeStateError("checkpoint store was written for a %s upstream, now connected to %s", existing, name)
	}
	return nil
}
