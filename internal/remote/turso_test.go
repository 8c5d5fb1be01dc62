package remote

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/clawinfra/offsync/internal/types"
)

type hranaRow struct {
	payload string
	ms      int64
}

// hranaServer emulates the subset of the pipeline API the gateway uses,
// including the stale-write guard on upsert.
type hranaServer struct {
	mu       sync.Mutex
	rows     map[string]hranaRow
	requests int
	status   int // non-zero forces an HTTP error response
}

func newHranaServer(t *testing.T) (*hranaServer, *httptest.Server) {
	t.Helper()
	h := &hranaServer{rows: make(map[string]hranaRow)}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/pipeline" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		h.mu.Lock()
		defer h.mu.Unlock()
		h.requests++
		if h.status != 0 {
			http.Error(w, "forced failure", h.status)
			return
		}

		var req pipelineRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var resp pipelineResponse
		for _, sr := range req.Requests {
			if sr.Type == "close" {
				resp.Results = append(resp.Results, streamResult{Type: "ok", Response: &streamResponse{Type: "close"}})
				continue
			}
			resp.Results = append(resp.Results, h.exec(sr.Stmt))
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return h, srv
}

func argString(v value) string {
	s, _ := v.Value.(string)
	return s
}

func (h *hranaServer) exec(stmt *statement) streamResult {
	ok := func(res *stmtResult) streamResult {
		return streamResult{Type: "ok", Response: &streamResponse{Type: "execute", Result: res}}
	}
	sqlText := strings.TrimSpace(stmt.SQL)
	switch {
	case strings.HasPrefix(sqlText, "INSERT INTO sync_records"):
		id := argString(stmt.Args[0]) + "/" + argString(stmt.Args[1])
		ms, _ := strconv.ParseInt(argString(stmt.Args[3]), 10, 64)
		cur, exists := h.rows[id]
		if !exists || ms >= cur.ms {
			h.rows[id] = hranaRow{argString(stmt.Args[2]), ms}
			return ok(&stmtResult{AffectedRowCount: 1})
		}
		return ok(&stmtResult{})
	case strings.HasPrefix(sqlText, "SELECT payload"):
		id := argString(stmt.Args[0]) + "/" + argString(stmt.Args[1])
		res := &stmtResult{}
		if row, exists := h.rows[id]; exists {
			res.Rows = [][]value{{text(row.payload), integer(row.ms)}}
		}
		return ok(res)
	case strings.HasPrefix(sqlText, "SELECT 1"), strings.HasPrefix(sqlText, "CREATE"):
		return ok(&stmtResult{})
	default:
		return streamResult{Type: "error", Error: &pipelineError{Message: "near \"" + sqlText + "\": syntax error", Code: "SQL_PARSE_ERROR"}}
	}
}

func testRecord(key, payload string, at time.Time) types.Record {
	return types.Record{Collection: "notes", Key: key, Payload: json.RawMessage(payload), UpdatedAt: types.Stamp(at)}
}

func TestTursoUpsertAndRead(t *testing.T) {
	_, srv := newHranaServer(t)
	gw := NewTurso(srv.URL, "test-token", time.Second, slog.Default())
	ctx := context.Background()

	now := time.Now()
	rec := testRecord("a", `{"title":"first"}`, now)
	stored, err := gw.Upsert(ctx, rec)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if string(stored.Payload) != `{"title":"first"}` || !stored.UpdatedAt.Equal(rec.UpdatedAt) {
		t.Fatalf("stored = %+v", stored)
	}

	got, err := gw.Read(ctx, "notes", "a")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !got.UpdatedAt.Equal(rec.UpdatedAt) || string(got.Payload) != string(rec.Payload) {
		t.Fatalf("read = %+v, want %+v", got, rec)
	}

	if _, err := gw.Read(ctx, "notes", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("read missing: got %v, want ErrNotFound", err)
	}
}

func TestTursoUpsertIsIdempotentAndNeverRegresses(t *testing.T) {
	h, srv := newHranaServer(t)
	gw := NewTurso(srv.URL, "test-token", time.Second, nil)
	ctx := context.Background()

	now := time.Now()
	newer := testRecord("a", `{"v":2}`, now)
	older := testRecord("a", `{"v":1}`, now.Add(-time.Minute))

	for i := 0; i < 3; i++ {
		if _, err := gw.Upsert(ctx, newer); err != nil {
			t.Fatalf("upsert %d: %v", i, err)
		}
	}
	stored, err := gw.Upsert(ctx, older)
	if err != nil {
		t.Fatalf("stale upsert: %v", err)
	}
	if string(stored.Payload) != `{"v":2}` {
		t.Fatalf("stale replay regressed remote: %s", stored.Payload)
	}
	if len(h.rows) != 1 {
		t.Fatalf("expected 1 remote row, got %d", len(h.rows))
	}
}

func TestTursoClassifiesHTTPStatus(t *testing.T) {
	cases := []struct {
		status int
		kind   Kind
		target error
	}{
		{http.StatusUnauthorized, KindUnauthenticated, ErrUnauthenticated},
		{http.StatusForbidden, KindUnauthenticated, ErrUnauthenticated},
		{http.StatusConflict, KindConflict, ErrConflict},
		{http.StatusBadRequest, KindMalformed, ErrMalformed},
		{http.StatusRequestEntityTooLarge, KindMalformed, ErrMalformed},
		{http.StatusUnprocessableEntity, KindMalformed, ErrMalformed},
		{http.StatusInternalServerError, KindTransientNetwork, ErrTransientNetwork},
		{http.StatusServiceUnavailable, KindTransientNetwork, ErrTransientNetwork},
	}
	for _, tc := range cases {
		t.Run(strconv.Itoa(tc.status), func(t *testing.T) {
			h, srv := newHranaServer(t)
			h.status = tc.status
			gw := NewTurso(srv.URL, "test-token", time.Second, nil)

			_, err := gw.Upsert(context.Background(), testRecord("a", `{}`, time.Now()))
			if err == nil {
				t.Fatal("expected error")
			}
			if got := KindOf(err); got != tc.kind {
				t.Errorf("KindOf = %s, want %s", got, tc.kind)
			}
			if !errors.Is(err, tc.target) {
				t.Errorf("errors.Is(%v, %v) = false", err, tc.target)
			}
			var re *Error
			if !errors.As(err, &re) || re.Status != tc.status {
				t.Errorf("expected *Error with status %d, got %#v", tc.status, err)
			}
			if h.requests != 1 {
				t.Errorf("expected a single attempt, got %d", h.requests)
			}
		})
	}
}

func TestTursoBadTokenIsUnauthenticated(t *testing.T) {
	_, srv := newHranaServer(t)
	gw := NewTurso(srv.URL, "wrong", time.Second, nil)
	if err := gw.Ping(context.Background()); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("ping with bad token: got %v", err)
	}
}

func TestTursoUnreachableIsTransient(t *testing.T) {
	_, srv := newHranaServer(t)
	url := srv.URL
	srv.Close()

	gw := NewTurso(url, "test-token", time.Second, nil)
	_, err := gw.Read(context.Background(), "notes", "a")
	if KindOf(err) != KindTransientNetwork {
		t.Fatalf("expected transient network error, got %v", err)
	}
}

func TestTursoRejectsInvalidRecord(t *testing.T) {
	h, srv := newHranaServer(t)
	gw := NewTurso(srv.URL, "test-token", time.Second, nil)

	_, err := gw.Upsert(context.Background(), types.Record{Collection: "notes"})
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected malformed, got %v", err)
	}
	if h.requests != 0 {
		t.Fatalf("invalid record reached the remote")
	}
}

func TestTursoInitSchemaAndPing(t *testing.T) {
	_, srv := newHranaServer(t)
	gw := NewTurso(srv.URL, "test-token", time.Second, nil)
	ctx := context.Background()
	if err := gw.InitSchema(ctx); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	if err := gw.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := gw.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestNewTursoRewritesLibsqlScheme(t *testing.T) {
	gw := NewTurso("libsql://db-org.turso.io/", "tok", 0, nil)
	if gw.baseURL != "https://db-org.turso.io" {
		t.Fatalf("baseURL = %q", gw.baseURL)
	}
}

func TestKindForCode(t *testing.T) {
	if kindForCode("SQLITE_CONSTRAINT_PRIMARYKEY") != KindConflict {
		t.Error("constraint should be conflict")
	}
	if kindForCode("SQLITE_BUSY") != KindTransientNetwork {
		t.Error("busy should be transient")
	}
	if kindForCode("SQL_PARSE_ERROR") != KindMalformed {
		t.Error("parse error should be malformed")
	}
}
