// Package store is a bucketed key-value blob store on top of bbolt.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	ErrNotFound      = errors.New("store: key not found")
	ErrUnknownBucket = errors.New("store: unknown bucket")
)

// Bolt stores values in a fixed set of buckets created at open time.
type Bolt struct {
	path    string
	db      *bolt.DB
	buckets map[string]bool
	logger  *zap.Logger
}

// OpenBolt opens (or creates) the database at path and ensures every named
// bucket exists.
func OpenBolt(path string, logger *zap.Logger, buckets ...string) (*Bolt, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory for store: %w", err)
		}
	}

	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", path, err)
	}

	known := make(map[string]bool, len(buckets))
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("bucket %s: %w", name, err)
			}
			known[name] = true
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	logger.Debug("store opened", zap.String("path", path), zap.Strings("buckets", buckets))
	return &Bolt{path: path, db: db, buckets: known, logger: logger}, nil
}

// Path returns the database file path.
func (s *Bolt) Path() string { return s.path }

// Put writes value under key, replacing any previous value.
func (s *Bolt) Put(bucket, key string, value []byte) error {
	if !s.buckets[bucket] {
		return fmt.Errorf("%w: %s", ErrUnknownBucket, bucket)
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Put([]byte(key), value)
	})
	if err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", bucket, key, err)
	}
	s.logger.Debug("stored value",
		zap.String("bucket", bucket), zap.String("key", key), zap.Int("size", len(value)))
	return nil
}

// Get returns a copy of the value stored under key.
func (s *Bolt) Get(bucket, key string) ([]byte, error) {
	if !s.buckets[bucket] {
		return nil, fmt.Errorf("%w: %s", ErrUnknownBucket, bucket)
	}
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket([]byte(bucket)).Get([]byte(key))
		if v == nil {
			return fmt.Errorf("%w: %s/%s", ErrNotFound, bucket, key)
		}
		// v is only valid inside the transaction
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// Delete removes key. Deleting a missing key is not an error.
func (s *Bolt) Delete(bucket, key string) error {
	if !s.buckets[bucket] {
		return fmt.Errorf("%w: %s", ErrUnknownBucket, bucket)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).Delete([]byte(key))
	})
}

// Keys returns the keys of a bucket in byte order.
func (s *Bolt) Keys(bucket string) ([]string, error) {
	var keys []string
	err := s.ForEach(bucket, func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	})
	return keys, err
}

// ForEach calls fn for every entry of a bucket in key order. value must
// not be retained after fn returns.
func (s *Bolt) ForEach(bucket string, fn func(key string, value []byte) error) error {
	if !s.buckets[bucket] {
		return fmt.Errorf("%w: %s", ErrUnknownBucket, bucket)
	}
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucket)).ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}

// Close closes the database.
func (s *Bolt) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
