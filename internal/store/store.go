// Package store provides the durable, key-addressed local storage used by the
// sync engine for domain records, the pending-change queue and sync metadata.
//
// Every backend completes a write durably before returning. Backend failures
// surface as *Error values that match ErrStorageUnavailable, so callers can
// distinguish "the data is not durable" from "the key does not exist".
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Well-known collections owned by the sync engine.
const (
	CollectionPendingQueue = "pendingQueue"
	CollectionSyncMeta     = "syncMeta"
	CollectionSyncHistory  = "syncHistory"

	recordsPrefix = "records:"
)

var (
	// ErrNotFound is returned by Get when the key is absent.
	ErrNotFound = errors.New("store: not found")
	// ErrStorageUnavailable is matched by every backend failure.
	ErrStorageUnavailable = errors.New("store: storage unavailable")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("store: closed")
)

// Error describes a failed storage operation.
type Error struct {
	Op         string
	Collection string
	Key        string
	Err        error
}

func (e *Error) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("store: %s %s/%s: %v", e.Op, e.Collection, e.Key, e.Err)
	}
	return fmt.Sprintf("store: %s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is makes every *Error match ErrStorageUnavailable.
func (e *Error) Is(target error) bool {
	return target == ErrStorageUnavailable
}

func wrap(op, collection, key string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Collection: collection, Key: key, Err: err}
}

// Entry is a key/value pair returned by GetAll.
type Entry struct {
	Key   string
	Value []byte
}

// Store is the durable local store contract.
type Store interface {
	// Put writes value under key, overwriting any previous value.
	Put(ctx context.Context, collection, key string, value []byte) error
	// Get returns the value under key or ErrNotFound.
	Get(ctx context.Context, collection, key string) ([]byte, error)
	// GetAll returns every entry of the collection ordered by key.
	GetAll(ctx context.Context, collection string) ([]Entry, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, collection, key string) error
	// Collections lists the collections holding at least one entry.
	Collections(ctx context.Context) ([]string, error)
	Close() error
}

// RecordsCollection maps a domain collection name to its store collection.
func RecordsCollection(name string) string {
	return recordsPrefix + name
}

// DomainCollection is the inverse of RecordsCollection. ok is false for
// collections that do not hold domain records.
func DomainCollection(storeCollection string) (string, bool) {
	if !strings.HasPrefix(storeCollection, recordsPrefix) {
		return "", false
	}
	return strings.TrimPrefix(storeCollection, recordsPrefix), true
}

// Config selects and configures a backend.
type Config struct {
	Driver string // "sqlite", "bolt" or "memory"
	Path   string
}

// Open creates the backend named by cfg.Driver.
func Open(cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(cfg.Driver) {
	case "", "sqlite":
		return OpenSQLite(cfg.Path)
	case "bolt", "bbolt":
		return OpenBolt(cfg.Path)
	case "memory":
		logger.Warn("using in-memory store: data will not survive a restart")
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s (use sqlite, bolt or memory)", cfg.Driver)
	}
}

// PutJSON marshals v and stores it under key.
func PutJSON[T any](ctx context.Context, s Store, collection, key string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s/%s: %w", collection, key, err)
	}
	return s.Put(ctx, collection, key, data)
}

// GetJSON loads and unmarshals the value under key.
func GetJSON[T any](ctx context.Context, s Store, collection, key string) (T, error) {
	var v T
	data, err := s.Get(ctx, collection, key)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode %s/%s: %w", collection, key, err)
	}
	return v, nil
}

// GetAllJSON loads every value of a collection in key order. Entries that
// fail to decode are reported through skip and left out of the result.
func GetAllJSON[T any](ctx context.Context, s Store, collection string, skip func(key string, err error)) ([]T, error) {
	entries, err := s.GetAll(ctx, collection)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(entries))
	for _, e := range entries {
		var v T
		if err := json.Unmarshal(e.Value, &v); err != nil {
			if skip != nil {
				skip(e.Key, err)
			}
			continue
		}
		out = append(out, v)
	}
	return out, nil
}
