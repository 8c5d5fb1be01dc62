package store

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
)

// Bolt is a Store backed by a bbolt file. Each collection is a bucket; every
// Update transaction is fsynced before it returns.
type Bolt struct {
	storage *bbolt.DB
}

// OpenBolt opens (or creates) the bbolt file at path.
func OpenBolt(path string) (*Bolt, error) {
	if path == "" {
		return nil, wrap("open", "", "", fmt.Errorf("bolt path required"))
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return nil, wrap("open", "", "", fmt.Errorf("create data dir: %w", err))
		}
	}

	instance, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, wrap("open", "", "", err)
	}
	return &Bolt{storage: instance}, nil
}

// Put implements Store.
func (b *Bolt) Put(ctx context.Context, collection, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return wrap("put", collection, key, err)
	}
	err := b.storage.Update(func(tx *bbolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(collection))
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), value)
	})
	return wrap("put", collection, key, err)
}

// Get implements Store.
func (b *Bolt) Get(ctx context.Context, collection, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("get", collection, key, err)
	}
	var value []byte
	err := b.storage.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(collection))
		if bucket == nil {
			return nil
		}
		if v := bucket.Get([]byte(key)); v != nil {
			value = bytes.Clone(v)
		}
		return nil
	})
	if err != nil {
		return nil, wrap("get", collection, key, err)
	}
	if value == nil {
		return nil, ErrNotFound
	}
	return value, nil
}

// GetAll implements Store.
func (b *Bolt) GetAll(ctx context.Context, collection string) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("get_all", collection, "", err)
	}
	var entries []Entry
	err := b.storage.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(collection))
		if bucket == nil {
			return nil
		}
		return bucket.ForEach(func(k, v []byte) error {
			entries = append(entries, Entry{Key: string(k), Value: bytes.Clone(v)})
			return nil
		})
	})
	if err != nil {
		return nil, wrap("get_all", collection, "", err)
	}
	return entries, nil
}

// Delete implements Store.
func (b *Bolt) Delete(ctx context.Context, collection, key string) error {
	if err := ctx.Err(); err != nil {
		return wrap("delete", collection, key, err)
	}
	err := b.storage.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(collection))
		if bucket == nil {
			return nil
		}
		return bucket.Delete([]byte(key))
	})
	return wrap("delete", collection, key, err)
}

// Collections implements Store.
func (b *Bolt) Collections(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("collections", "", "", err)
	}
	var names []string
	err := b.storage.View(func(tx *bbolt.Tx) error {
		return tx.ForEach(func(name []byte, bucket *bbolt.Bucket) error {
			if k, _ := bucket.Cursor().First(); k != nil {
				names = append(names, string(name))
			}
			return nil
		})
	})
	if err != nil {
		return nil, wrap("collections", "", "", err)
	}
	return names, nil
}

// Close implements Store.
func (b *Bolt) Close() error {
	return b.storage.Close()
}
