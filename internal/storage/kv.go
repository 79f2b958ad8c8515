package storage

import (
	"encoding/json"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const (
	bucketName = "kv"

	// DefaultMaxValueBytes caps a single value's encoded size. Array values
	// that exceed it are truncated to their newest entries and retried once.
	DefaultMaxValueBytes = 256 << 10

	// truncateKeep is how many tail elements survive an oversize truncation.
	truncateKeep = 50
)

// Store is a best-effort JSON key-value store backed by bbolt. Operations
// never return errors: failures are logged and reported as a false return,
// leaving the caller's default in place. Callers must treat every read and
// write as fallible-but-silent.
type Store struct {
	db            *bolt.DB
	logger        *zap.Logger
	maxValueBytes int
}

// Open opens (or creates) the store file at path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{
		db:            db,
		logger:        logger,
		maxValueBytes: DefaultMaxValueBytes,
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get unmarshals the value at key into out. Returns false if the key is
// missing or the stored value cannot be decoded; out is left untouched in
// both cases so the caller's default survives.
func (s *Store) Get(key string, out any) bool {
	var raw []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket([]byte(bucketName)).Get([]byte(key)); v != nil {
			raw = make([]byte, len(v))
			copy(raw, v)
		}
		return nil
	})
	if err != nil {
		s.logger.Warn("storage get failed", zap.String("key", key), zap.Error(err))
		return false
	}
	if raw == nil {
		return false
	}
	if err := json.Unmarshal(raw, out); err != nil {
		s.logger.Warn("storage value corrupt", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Set marshals v and writes it at key. Oversize array values are truncated
// to their last entries and retried once; a still-failing write returns
// false silently.
func (s *Store) Set(key string, v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("storage marshal failed", zap.String("key", key), zap.Error(err))
		return false
	}

	if len(data) > s.maxValueBytes {
		truncated, ok := truncateArray(data, truncateKeep)
		if !ok || len(truncated) > s.maxValueBytes {
			s.logger.Warn("storage value too large", zap.String("key", key), zap.Int("bytes", len(data)))
			return false
		}
		s.logger.Warn("storage value truncated",
			zap.String("key", key),
			zap.Int("bytes", len(data)),
			zap.Int("kept", truncateKeep))
		data = truncated
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Put([]byte(key), data)
	})
	if err != nil {
		s.logger.Warn("storage set failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// Remove deletes the value at key. Missing keys are not an error.
func (s *Store) Remove(key string) bool {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketName)).Delete([]byte(key))
	})
	if err != nil {
		s.logger.Warn("storage remove failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return true
}

// truncateArray keeps the last keep elements of a JSON array. Returns false
// if data is not a JSON array.
func truncateArray(data []byte, keep int) ([]byte, bool) {
	var elems []json.RawMessage
	if err := json.Unmarshal(data, &elems); err != nil {
		return nil, false
	}
	if len(elems) > keep {
		elems = elems[len(elems)-keep:]
	}
	out, err := json.Marshal(elems)
	if err != nil {
		return nil, false
	}
	return out, true
}
