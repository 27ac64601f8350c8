// Package storage keeps small pieces of state (persisted counters) in a BoltDB file
package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned by Get when the key does not exist
var ErrNotFound = errors.New("not found")

// DB wraps a BoltDB file
type DB struct {
	db   *bolt.DB
	path string
}

// Open opens or creates the database at path
func Open(path string) (*DB, error) {
	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &DB{db: db, path: path}, nil
}

// OpenReadOnly opens an existing database for inspection. It waits for the
// running milter to release its lock and fails after the timeout.
func OpenReadOnly(path string) (*DB, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db, err := bolt.Open(path, 0600, &bolt.Options{
		Timeout:  5 * time.Second,
		ReadOnly: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	return &DB{db: db, path: path}, nil
}

// Path returns the database file path
func (d *DB) Path() string {
	return d.path
}

// Size returns the database file size in bytes
func (d *DB) Size() int64 {
	info, err := os.Stat(d.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// Get returns a copy of the value stored under bucket/key
func (d *DB) Get(bucket, key []byte) ([]byte, error) {
	var value []byte

	err := d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)
		if b == nil {
			return ErrNotFound
		}
		v := b.Get(key)
		if v == nil {
			return ErrNotFound
		}
		value = append([]byte(nil), v...)
		return nil
	})

	return value, err
}

// Put stores value under bucket/key, creating the bucket if needed
func (d *DB) Put(bucket, key, value []byte) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucket)
		if err != nil {
			return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
		}
		return b.Put(key, value)
	})
}

// Close closes the database
func (d *DB) Close() error {
	return d.db.Close()
}
