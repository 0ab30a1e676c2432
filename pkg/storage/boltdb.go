package storage

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"
)

// BoltStore implements Store using BoltDB. Each kind maps to one bucket;
// bolt's single-writer transactions make Patch atomic without any optimistic
// locking.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if needed) the database under dataDir and
// ensures one bucket per kind.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "bos.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, kind := range Kinds() {
			if _, err := tx.CreateBucketIfNotExists([]byte(kind)); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", kind, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for migration tooling.
func (s *BoltStore) DB() *bolt.DB {
	return s.db
}

func (s *BoltStore) Get(ctx context.Context, kind Kind, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket([]byte(kind)).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("%s/%s: %w", kind, key, ErrNotFound)
		}
		out = append([]byte(nil), data...)
		return nil
	})
	return out, err
}

func (s *BoltStore) GetMulti(ctx context.Context, kind Kind, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		for _, key := range keys {
			if data := b.Get([]byte(key)); data != nil {
				out[key] = append([]byte(nil), data...)
			}
		}
		return nil
	})
	return out, err
}

func (s *BoltStore) Put(ctx context.Context, kind Kind, key string, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(kind)).Put([]byte(key), value)
	})
}

func (s *BoltStore) Patch(ctx context.Context, kind Kind, key string, mutate Mutator) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(kind))
		before := b.Get([]byte(key))
		if before == nil {
			return fmt.Errorf("%s/%s: %w", kind, key, ErrNotFound)
		}
		after, err := mutate(append([]byte(nil), before...))
		if err != nil {
			return err
		}
		return b.Put([]byte(key), after)
	})
}

func (s *BoltStore) Delete(ctx context.Context, kind Kind, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(kind)).Delete([]byte(key))
	})
}

func (s *BoltStore) ListKeys(ctx context.Context, kind Kind, prefix string) ([]string, error) {
	var keys []string
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(kind)).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, string(k))
		}
		return nil
	})
	return keys, err
}

// Scan walks records under a prefix in pages of pageSize keys. The bucket is
// re-entered between pages so long scans do not pin one read transaction.
func (s *BoltStore) Scan(ctx context.Context, kind Kind, prefix string, pageSize int, visit VisitFunc) error {
	if pageSize <= 0 {
		pageSize = 500
	}

	start := []byte(prefix)
	p := []byte(prefix)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		type kv struct {
			key   string
			value []byte
		}
		var page []kv
		err := s.db.View(func(tx *bolt.Tx) error {
			c := tx.Bucket([]byte(kind)).Cursor()
			for k, v := c.Seek(start); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
				page = append(page, kv{key: string(k), value: append([]byte(nil), v...)})
				if len(page) == pageSize {
					break
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		if len(page) == 0 {
			return nil
		}

		for _, rec := range page {
			if err := visit(rec.key, rec.value); err != nil {
				return err
			}
		}

		// Resume just past the last key of this page.
		start = append([]byte(page[len(page)-1].key), 0)
	}
}
