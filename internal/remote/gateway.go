// Package remote defines the Remote Store Gateway consumed by the sync engine
// and the failure taxonomy its callers classify errors with. The turso and
// postgres backends persist records in a sync_records table whose upsert is
// idempotent by (collection, key) and never moves a record backwards in time.
package remote

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/clawinfra/offsync/internal/types"
)

// Gateway is the remote authoritative store.
type Gateway interface {
	// Upsert applies rec and returns the record the remote now holds for
	// its key. Calling it repeatedly with the same record is safe.
	Upsert(ctx context.Context, rec types.Record) (types.Record, error)
	// Read returns the remote copy or ErrNotFound.
	Read(ctx context.Context, collection, key string) (types.Record, error)
	// Ping checks that the remote store answers.
	Ping(ctx context.Context) error
	Close() error
}

// SchemaInitializer is implemented by backends that can create their tables.
type SchemaInitializer interface {
	InitSchema(ctx context.Context) error
}

// Kind classifies a remote failure.
type Kind string

const (
	KindUnauthenticated  Kind = "unauthenticated"
	KindConflict         Kind = "conflict"
	KindTransientNetwork Kind = "transient_network"
	KindMalformed        Kind = "malformed"
)

var (
	ErrUnauthenticated  = errors.New("remote: unauthenticated")
	ErrConflict         = errors.New("remote: conflict")
	ErrTransientNetwork = errors.New("remote: transient network failure")
	ErrMalformed        = errors.New("remote: malformed record")
	// ErrNotFound is returned by Read when the key has no remote copy.
	ErrNotFound = errors.New("remote: not found")
)

func (k Kind) sentinel() error {
	switch k {
	case KindUnauthenticated:
		return ErrUnauthenticated
	case KindConflict:
		return ErrConflict
	case KindMalformed:
		return ErrMalformed
	default:
		return ErrTransientNetwork
	}
}

// Error is a classified remote failure.
type Error struct {
	Kind   Kind
	Op     string
	Status int // HTTP status when the backend speaks HTTP
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("remote %s: %s (http %d): %v", e.Op, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("remote %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the sentinel of the error's kind.
func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

// NewError builds a classified error.
func NewError(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf classifies any error returned by a gateway. Unclassified failures,
// timeouts and network errors are all TransientNetwork.
func KindOf(err error) Kind {
	var re *Error
	if errors.As(err, &re) {
		return re.Kind
	}
	switch {
	case errors.Is(err, ErrUnauthenticated):
		return KindUnauthenticated
	case errors.Is(err, ErrConflict):
		return KindConflict
	case errors.Is(err, ErrMalformed):
		return KindMalformed
	}
	return KindTransientNetwork
}

// Config selects and configures a backend.
type Config struct {
	Driver      string // "turso" or "postgres"
	DatabaseURL string // turso: libsql:// or https:// URL
	AuthToken   string // turso
	DSN         string // postgres
	Timeout     time.Duration
}

// Open creates the backend named by cfg.Driver.
func Open(cfg Config, logger *slog.Logger) (Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	switch strings.ToLower(cfg.Driver) {
	case "", "turso":
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("database URL is required")
		}
		if cfg.AuthToken == "" {
			return nil, fmt.Errorf("auth token is required")
		}
		return NewTurso(cfg.DatabaseURL, cfg.AuthToken, cfg.Timeout, logger), nil
	case "postgres":
		return NewPostgres(cfg.DSN, cfg.Timeout, logger)
	default:
		return nil, fmt.Errorf("unknown remote driver: %s (use turso or postgres)", cfg.Driver)
	}
}
