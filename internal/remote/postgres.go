package remote

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"

	"github.com/clawinfra/offsync/internal/types"
)

const (
	postgresTableName        = "sync_records"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// Postgres is a gateway backed by a PostgreSQL table. The connection is
// opened lazily on first use.
type Postgres struct {
	dsn       string
	tableName string
	timeout   time.Duration
	openDB    sqlOpenFunc
	logger    *slog.Logger

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

// NewPostgres validates the DSN and returns an unopened gateway.
func NewPostgres(dsn string, timeout time.Duration, logger *slog.Logger) (*Postgres, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = postgresOperationTimeout
	}
	return &Postgres{
		dsn:       dsn,
		tableName: postgresTableName,
		timeout:   timeout,
		openDB:    sql.Open,
		logger:    logger.With("component", "postgres"),
	}, nil
}

func (p *Postgres) ensureReady(ctx context.Context) error {
	p.initOnce.Do(func() {
		db, err := p.openDB("postgres", p.dsn)
		if err != nil {
			p.initErr = err
			return
		}
		db.SetMaxOpenConns(4)
		db.SetConnMaxIdleTime(5 * time.Minute)
		p.db = db
	})
	if p.initErr != nil {
		return NewError(KindTransientNetwork, "open", p.initErr)
	}
	return nil
}

// withTimeout bounds ctx unless the caller already set a deadline.
func (p *Postgres) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, p.timeout)
}

// Upsert applies rec unless the stored row is newer, then returns the stored row.
func (p *Postgres) Upsert(ctx context.Context, rec types.Record) (types.Record, error) {
	if err := rec.Validate(); err != nil {
		return types.Record{}, NewError(KindMalformed, "upsert", err)
	}
	if err := p.ensureReady(ctx); err != nil {
		return types.Record{}, err
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	table := pq.QuoteIdentifier(p.tableName)
	query := fmt.Sprintf(`
		INSERT INTO %[1]s (collection, key, payload, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (collection, key)
		DO UPDATE SET payload = EXCLUDED.payload, updated_at = EXCLUDED.updated_at
		WHERE EXCLUDED.updated_at >= %[1]s.updated_at`, table)
	if _, err := p.db.ExecContext(ctx, query, rec.Collection, rec.Key, string(rec.Payload), rec.UpdatedAt.UnixMilli()); err != nil {
		return types.Record{}, classifySQL("upsert", err)
	}

	stored, err := p.read(ctx, rec.Collection, rec.Key)
	if err != nil {
		return types.Record{}, classifySQL("upsert", err)
	}
	return stored, nil
}

// Read returns the stored row or ErrNotFound.
func (p *Postgres) Read(ctx context.Context, collection, key string) (types.Record, error) {
	if err := p.ensureReady(ctx); err != nil {
		return types.Record{}, err
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	rec, err := p.read(ctx, collection, key)
	if errors.Is(err, sql.ErrNoRows) {
		return types.Record{}, ErrNotFound
	}
	if err != nil {
		return types.Record{}, classifySQL("read", err)
	}
	return rec, nil
}

func (p *Postgres) read(ctx context.Context, collection, key string) (types.Record, error) {
	query := fmt.Sprintf(`SELECT payload, updated_at FROM %s WHERE collection = $1 AND key = $2`,
		pq.QuoteIdentifier(p.tableName))
	var (
		payload string
		ms      int64
	)
	if err := p.db.QueryRowContext(ctx, query, collection, key).Scan(&payload, &ms); err != nil {
		return types.Record{}, err
	}
	return types.Record{
		Collection: collection,
		Key:        key,
		Payload:    json.RawMessage(payload),
		UpdatedAt:  types.MarkerFromMillis(ms),
	}, nil
}

// Ping checks the connection.
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	if err := p.db.PingContext(ctx); err != nil {
		return classifySQL("ping", err)
	}
	return nil
}

// InitSchema creates the records table.
func (p *Postgres) InitSchema(ctx context.Context) error {
	if err := p.ensureReady(ctx); err != nil {
		return err
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	table := pq.QuoteIdentifier(p.tableName)
	stmts := []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			collection TEXT NOT NULL,
			key TEXT NOT NULL,
			payload TEXT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (collection, key)
		)`, table),
		fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (updated_at)`,
			pq.QuoteIdentifier("idx_"+p.tableName+"_updated"), table),
	}
	for _, stmt := range stmts {
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", classifySQL("init_schema", err))
		}
	}
	p.logger.Info("remote schema ready", "table", p.tableName)
	return nil
}

func (p *Postgres) Close() error {
	if p.db == nil {
		return nil
	}
	return p.db.Close()
}

// classifySQL maps driver failures onto the gateway taxonomy using the
// SQLSTATE class.
func classifySQL(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "28": // invalid_authorization_specification
			return NewError(KindUnauthenticated, op, err)
		case "42":
			if pqErr.Code == "42501" { // insufficient_privilege
				return NewError(KindUnauthenticated, op, err)
			}
			return NewError(KindMalformed, op, err)
		case "23": // integrity_constraint_violation
			return NewError(KindConflict, op, err)
		case "22": // data_exception
			return NewError(KindMalformed, op, err)
		default:
			return NewError(KindTransientNetwork, op, err)
		}
	}
	if errors.Is(err, driver.ErrBadConn) {
		return NewError(KindTransientNetwork, op, err)
	}
	return NewError(KindOf(err), op, err)
}
