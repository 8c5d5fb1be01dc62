package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/clawinfra/offsync/internal/types"
)

const (
	upsertSQL = `INSERT INTO sync_records (collection, key, payload, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT(collection, key) DO UPDATE SET
	payload = excluded.payload,
	updated_at = excluded.updated_at
WHERE excluded.updated_at >= sync_records.updated_at`

	selectSQL = `SELECT payload, updated_at FROM sync_records WHERE collection = ? AND key = ?`

	tursoSchemaSQL = `CREATE TABLE IF NOT EXISTS sync_records (
	collection TEXT NOT NULL,
	key TEXT NOT NULL,
	payload TEXT NOT NULL,
	updated_at INTEGER NOT NULL,
	PRIMARY KEY (collection, key)
)`
	tursoIndexSQL = `CREATE INDEX IF NOT EXISTS idx_sync_records_updated ON sync_records(updated_at)`
)

// Turso is a libSQL Hrana-over-HTTP gateway with zero CGO dependencies.
type Turso struct {
	baseURL    string
	authToken  string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewTurso creates a Turso gateway. A zero timeout defaults to 10s.
func NewTurso(databaseURL, authToken string, timeout time.Duration, logger *slog.Logger) *Turso {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	// libsql:// is served over https for the HTTP API
	baseURL := strings.TrimSuffix(databaseURL, "/")
	if rest, ok := strings.CutPrefix(baseURL, "libsql://"); ok {
		baseURL = "https://" + rest
	}

	return &Turso{
		baseURL:    baseURL,
		authToken:  authToken,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With("component", "turso"),
	}
}

type pipelineRequest struct {
	Requests []streamRequest `json:"requests"`
}

type streamRequest struct {
	Type string     `json:"type"` // "execute" or "close"
	Stmt *statement `json:"stmt,omitempty"`
}

type statement struct {
	SQL  string  `json:"sql"`
	Args []value `json:"args,omitempty"`
}

// value is Hrana's internally tagged Value.
type value struct {
	Type  string `json:"type"`
	Value any    `json:"value,omitempty"`
}

type pipelineResponse struct {
	Results []streamResult `json:"results"`
}

type streamResult struct {
	Type     string          `json:"type"` // "ok" or "error"
	Response *streamResponse `json:"response,omitempty"`
	Error    *pipelineError  `json:"error,omitempty"`
}

type streamResponse struct {
	Type   string      `json:"type"`
	Result *stmtResult `json:"result,omitempty"`
}

type stmtResult struct {
	Cols []struct {
		Name string `json:"name"`
	} `json:"cols"`
	Rows             [][]value `json:"rows"`
	AffectedRowCount int64     `json:"affected_row_count"`
}

type pipelineError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

func (e *pipelineError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

func text(s string) value { return value{Type: "text", Value: s} }

func integer(n int64) value { return value{Type: "integer", Value: strconv.FormatInt(n, 10)} }

func (v value) asString() (string, error) {
	switch v.Type {
	case "text":
		s, ok := v.Value.(string)
		if !ok {
			return "", fmt.Errorf("text value is %T", v.Value)
		}
		return s, nil
	case "null":
		return "", nil
	default:
		return "", fmt.Errorf("unexpected value type %q", v.Type)
	}
}

func (v value) asInt() (int64, error) {
	switch x := v.Value.(type) {
	case string:
		return strconv.ParseInt(x, 10, 64)
	case float64:
		return int64(x), nil
	default:
		return 0, fmt.Errorf("unexpected integer encoding %T", v.Value)
	}
}

// pipeline runs the statements on a fresh stream, one HTTP attempt.
func (t *Turso) pipeline(ctx context.Context, op string, stmts ...statement) ([]*stmtResult, error) {
	req := pipelineRequest{}
	for i := range stmts {
		req.Requests = append(req.Requests, streamRequest{Type: "execute", Stmt: &stmts[i]})
	}
	req.Requests = append(req.Requests, streamRequest{Type: "close"})

	body, err := json.Marshal(req)
	if err != nil {
		return nil, NewError(KindMalformed, op, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/v2/pipeline", bytes.NewReader(body))
	if err != nil {
		return nil, NewError(KindMalformed, op, fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+t.authToken)

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, NewError(KindTransientNetwork, op, fmt.Errorf("http request: %w", err))
	}
	defer httpResp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, NewError(KindTransientNetwork, op, fmt.Errorf("read response: %w", err))
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, &Error{
			Kind:   kindForStatus(httpResp.StatusCode),
			Op:     op,
			Status: httpResp.StatusCode,
			Err:    errors.New(strings.TrimSpace(string(respBody))),
		}
	}

	var resp pipelineResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, NewError(KindTransientNetwork, op, fmt.Errorf("parse response: %w", err))
	}
	if len(resp.Results) < len(stmts) {
		return nil, NewError(KindTransientNetwork, op,
			fmt.Errorf("expected %d results, got %d", len(stmts), len(resp.Results)))
	}

	out := make([]*stmtResult, len(stmts))
	for i := range stmts {
		r := resp.Results[i]
		if r.Type == "error" {
			perr := r.Error
			if perr == nil {
				perr = &pipelineError{Message: "unknown error"}
			}
			return nil, NewError(kindForCode(perr.Code), op, fmt.Errorf("statement %d failed: %w", i, perr))
		}
		if r.Response == nil || r.Response.Result == nil {
			out[i] = &stmtResult{}
			continue
		}
		out[i] = r.Response.Result
	}
	return out, nil
}

func kindForStatus(status int) Kind {
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return KindUnauthenticated
	case http.StatusConflict:
		return KindConflict
	case http.StatusBadRequest, http.StatusRequestEntityTooLarge, http.StatusUnprocessableEntity:
		return KindMalformed
	default:
		return KindTransientNetwork
	}
}

// kindForCode classifies a statement error reported inside a 200 response.
func kindForCode(code string) Kind {
	switch {
	case strings.Contains(code, "CONSTRAINT"):
		return KindConflict
	case strings.Contains(code, "AUTH"):
		return KindUnauthenticated
	case strings.Contains(code, "BUSY"), strings.Contains(code, "LOCKED"):
		return KindTransientNetwork
	default:
		return KindMalformed
	}
}

// Upsert writes rec and reads back the stored row in the same pipeline.
func (t *Turso) Upsert(ctx context.Context, rec types.Record) (types.Record, error) {
	if err := rec.Validate(); err != nil {
		return types.Record{}, NewError(KindMalformed, "upsert", err)
	}
	results, err := t.pipeline(ctx, "upsert",
		statement{SQL: upsertSQL, Args: []value{
			text(rec.Collection), text(rec.Key), text(string(rec.Payload)), integer(rec.UpdatedAt.UnixMilli()),
		}},
		statement{SQL: selectSQL, Args: []value{text(rec.Collection), text(rec.Key)}},
	)
	if err != nil {
		return types.Record{}, err
	}
	stored, err := decodeRow(rec.Collection, rec.Key, results[1])
	if err != nil {
		return types.Record{}, NewError(KindTransientNetwork, "upsert", err)
	}
	t.logger.Debug("upserted record", "record", rec.String(), "stored_at", stored.UpdatedAt)
	return stored, nil
}

// Read fetches the remote copy of a record.
func (t *Turso) Read(ctx context.Context, collection, key string) (types.Record, error) {
	results, err := t.pipeline(ctx, "read",
		statement{SQL: selectSQL, Args: []value{text(collection), text(key)}})
	if err != nil {
		return types.Record{}, err
	}
	if len(results[0].Rows) == 0 {
		return types.Record{}, ErrNotFound
	}
	rec, err := decodeRow(collection, key, results[0])
	if err != nil {
		return types.Record{}, NewError(KindTransientNetwork, "read", err)
	}
	return rec, nil
}

func decodeRow(collection, key string, res *stmtResult) (types.Record, error) {
	if res == nil || len(res.Rows) == 0 {
		return types.Record{}, fmt.Errorf("no row for %s/%s", collection, key)
	}
	row := res.Rows[0]
	if len(row) < 2 {
		return types.Record{}, fmt.Errorf("expected 2 columns, got %d", len(row))
	}
	payload, err := row[0].asString()
	if err != nil {
		return types.Record{}, fmt.Errorf("payload: %w", err)
	}
	ms, err := row[1].asInt()
	if err != nil {
		return types.Record{}, fmt.Errorf("updated_at: %w", err)
	}
	return types.Record{
		Collection: collection,
		Key:        key,
		Payload:    json.RawMessage(payload),
		UpdatedAt:  types.MarkerFromMillis(ms),
	}, nil
}

// Ping runs SELECT 1.
func (t *Turso) Ping(ctx context.Context) error {
	_, err := t.pipeline(ctx, "ping", statement{SQL: "SELECT 1"})
	return err
}

// InitSchema creates the sync_records table and its index.
func (t *Turso) InitSchema(ctx context.Context) error {
	_, err := t.pipeline(ctx, "init_schema",
		statement{SQL: tursoSchemaSQL},
		statement{SQL: tursoIndexSQL},
	)
	if err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	t.logger.Info("remote schema ready")
	return nil
}

// Close releases idle connections.
func (t *Turso) Close() error {
	t.httpClient.CloseIdleConnections()
	return nil
}
