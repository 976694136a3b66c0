package metadata

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/containerd/errdefs"
	bolt "go.etcd.io/bbolt"
)

// Sentinel error for database-level failures.
var ErrStore = fmt.Errorf("metadata store error")

// A transactional keyed store of JSON records, backed by a bbolt database.
//
// Records are grouped into named buckets. All mutations run inside a bbolt
// write transaction, so a read-modify-write of several records (for example
// a container record plus the reference counts of its layers) commits
// atomically or not at all.
type Store struct {
	db *bolt.DB
}

// Opens (or creates) the database at the given path.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrStore, path, err)
	}
	return &Store{db: db}, nil
}

// Closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// A single read-write transaction over the store.
//
// All reads observe prior writes made in the same transaction.
type Tx struct {
	tx *bolt.Tx
}

// Runs fn inside one write transaction. The transaction commits when fn
// returns nil and rolls back otherwise.
func (s *Store) Update(fn func(tx *Tx) error) error {
	return s.db.Update(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
}

// Runs fn inside a read-only transaction.
func (s *Store) View(fn func(tx *Tx) error) error {
	return s.db.View(func(btx *bolt.Tx) error {
		return fn(&Tx{tx: btx})
	})
}

// Stores v under key in the named bucket, creating the bucket on first use.
func (t *Tx) Put(bucket, key string, v any) error {
	b, err := t.tx.CreateBucketIfNotExists([]byte(bucket))
	if err != nil {
		return fmt.Errorf("%w: bucket %s: %w", ErrStore, bucket, err)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: encode %s/%s: %w", ErrStore, bucket, key, err)
	}
	return b.Put([]byte(key), data)
}

// Decodes the record under key in the named bucket into v.
//
// Returns an error satisfying errdefs.IsNotFound when either the bucket or
// the key does not exist.
func (t *Tx) Get(bucket, key string, v any) error {
	b := t.tx.Bucket([]byte(bucket))
	if b == nil {
		return fmt.Errorf("%s/%s: %w", bucket, key, errdefs.ErrNotFound)
	}
	data := b.Get([]byte(key))
	if data == nil {
		return fmt.Errorf("%s/%s: %w", bucket, key, errdefs.ErrNotFound)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decode %s/%s: %w", ErrStore, bucket, key, err)
	}
	return nil
}

// Removes the record under key. Removing an absent record is a no-op.
func (t *Tx) Delete(bucket, key string) error {
	b := t.tx.Bucket([]byte(bucket))
	if b == nil {
		return nil
	}
	return b.Delete([]byte(key))
}

// Calls fn with every key and raw value in the named bucket. An absent
// bucket iterates zero records.
func (t *Tx) ForEach(bucket string, fn func(key string, raw []byte) error) error {
	b := t.tx.Bucket([]byte(bucket))
	if b == nil {
		return nil
	}
	return b.ForEach(func(k, v []byte) error {
		return fn(string(k), v)
	})
}

// Convenience wrapper: stores a single record in its own transaction.
func (s *Store) Put(bucket, key string, v any) error {
	return s.Update(func(tx *Tx) error { return tx.Put(bucket, key, v) })
}

// Convenience wrapper: reads a single record in its own transaction.
func (s *Store) Get(bucket, key string, v any) error {
	return s.View(func(tx *Tx) error { return tx.Get(bucket, key, v) })
}

// Convenience wrapper: deletes a single record in its own transaction.
func (s *Store) Delete(bucket, key string) error {
	return s.Update(func(tx *Tx) error { return tx.Delete(bucket, key) })
}
