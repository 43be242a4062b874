// Package trust persists which remote devices the user has marked trusted,
// letting incoming file requests from them skip the accept prompt.
package trust

import (
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var bucketTrusted = []byte("trusted-devices")

// Store maps device fingerprints to a trusted decision, persisted locally.
type Store struct {
	db *bolt.DB
}

// Open creates or opens the store at path. An empty path uses the default
// location under the user config directory.
func Open(path string) (*Store, error) {
	if path == "" {
		dir, err := os.UserConfigDir()
		if err != nil {
			return nil, err
		}
		dir = filepath.Join(dir, "clouddrop")
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
		path = filepath.Join(dir, "trust.db")
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTrusted)
		return err
	}); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Trust records a fingerprint as trusted.
func (s *Store) Trust(fingerprint string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTrusted).Put([]byte(fingerprint), []byte("1"))
	})
}

// Revoke removes a fingerprint.
func (s *Store) Revoke(fingerprint string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTrusted).Delete([]byte(fingerprint))
	})
}

// IsTrusted reports whether a fingerprint was previously trusted.
func (s *Store) IsTrusted(fingerprint string) bool {
	trusted := false
	s.db.View(func(tx *bolt.Tx) error {
		trusted = tx.Bucket(bucketTrusted).Get([]byte(fingerprint)) != nil
		return nil
	})
	return trusted
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}
