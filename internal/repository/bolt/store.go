// Package bolt provides the embedded single-file state store (default backend).
package bolt

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	bucketHistory  = []byte("history")
	bucketRuns     = []byte("runs")
	bucketSessions = []byte("sessions")
)

// Store wraps a bbolt database holding history, runs and sessions.
type Store struct {
	db     *bbolt.DB
	path   string
	logger *zap.Logger
}

// Open opens (creating if needed) the database at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open state database %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketHistory, bucketRuns, bucketSessions} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	logger.Info("Opened state database", zap.String("path", path))
	return &Store{
		db:     db,
		path:   path,
		logger: logger.With(zap.String("component", "bolt")),
	}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func seqKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

func get[T any](b *bbolt.Bucket, key []byte) (*T, error) {
	raw := b.Get(key)
	if raw == nil {
		return nil, nil
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return &v, nil
}

func put[T any](b *bbolt.Bucket, key []byte, v *T) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return b.Put(key, buf)
}
