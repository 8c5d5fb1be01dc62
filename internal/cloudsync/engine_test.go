package cloudsync

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/clawinfra/offsync/internal/connectivity"
	"github.com/clawinfra/offsync/internal/queue"
	"github.com/clawinfra/offsync/internal/remote"
	"github.com/clawinfra/offsync/internal/scheduler"
	"github.com/clawinfra/offsync/internal/store"
	"github.com/clawinfra/offsync/internal/types"
)

// fakeGateway is an in-memory remote store with scripted failures. Its
// upsert keeps the newer marker like the real backends.
type fakeGateway struct {
	mu      sync.Mutex
	records map[string]types.Record
	upserts int
	reads   int
	// failNext fails that many upserts; negative fails every upsert.
	failNext int
	failErr  error
	// ackLost applies a failing upsert before reporting the error.
	ackLost bool
	readErr error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{records: make(map[string]types.Record)}
}

func (f *fakeGateway) Upsert(ctx context.Context, rec types.Record) (types.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.upserts++
	if f.failNext != 0 {
		if f.failNext > 0 {
			f.failNext--
		}
		if f.ackLost {
			f.apply(rec)
		}
		err := f.failErr
		if err == nil {
			err = remote.NewError(remote.KindTransientNetwork, "upsert", errors.New("connection reset"))
		}
		return types.Record{}, err
	}
	return f.apply(rec), nil
}

func (f *fakeGateway) apply(rec types.Record) types.Record {
	id := rec.String()
	if cur, ok := f.records[id]; ok && cur.UpdatedAt.After(rec.UpdatedAt) {
		return cur
	}
	f.records[id] = rec
	return rec
}

func (f *fakeGateway) Read(ctx context.Context, collection, key string) (types.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.readErr != nil {
		return types.Record{}, f.readErr
	}
	rec, ok := f.records[collection+"/"+key]
	if !ok {
		return types.Record{}, remote.ErrNotFound
	}
	return rec, nil
}

func (f *fakeGateway) Ping(context.Context) error { return nil }
func (f *fakeGateway) Close() error               { return nil }

func (f *fakeGateway) get(id string) (types.Record, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	return rec, ok
}

func (f *fakeGateway) set(mut func(f *fakeGateway)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	mut(f)
}

func (f *fakeGateway) upsertCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.upserts
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) Notify(_ context.Context, ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recorder) count(typ EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

type faultyStore struct {
	store.Store
	failing atomic.Bool
	only    string // fail only this collection when set
}

func (f *faultyStore) Put(ctx context.Context, collection, key string, value []byte) error {
	if f.failing.Load() && (f.only == "" || f.only == collection) {
		return &store.Error{Op: "put", Collection: collection, Key: key, Err: store.ErrStorageUnavailable}
	}
	return f.Store.Put(ctx, collection, key, value)
}

type harness struct {
	engine  *Engine
	gw      *fakeGateway
	monitor *connectivity.Monitor
	store   store.Store
	events  *recorder
}

func newHarness(t *testing.T, online bool, s store.Store, tweak func(*Options)) *harness {
	t.Helper()
	if s == nil {
		s = store.NewMemory()
	}
	h := &harness{
		gw:      newFakeGateway(),
		monitor: connectivity.NewMonitor(online, nil),
		store:   s,
		events:  &recorder{},
	}
	opts := Options{
		Store:             s,
		Gateway:           h.gw,
		Monitor:           h.monitor,
		Policy:            queue.DefaultRetryPolicy(),
		Notifiers:         []Notifier{h.events},
		ReconnectDebounce: 20 * time.Millisecond,
		WriteTimeout:      time.Second,
		ReadTimeout:       time.Second,
	}
	if tweak != nil {
		tweak(&opts)
	}
	e, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	h.engine = e
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func payload(s string) json.RawMessage { return json.RawMessage(s) }

func TestWriteOfflineQueuesExactlyOneItem(t *testing.T) {
	h := newHarness(t, false, nil, nil)
	ctx := context.Background()

	res, err := h.engine.Write(ctx, "users", "555-1234", payload(`{"name":"Ada"}`))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if res.Outcome != OutcomeQueuedOffline || res.Kind != queue.KindInsert || res.QueueItemID == "" {
		t.Fatalf("result = %+v", res)
	}
	if h.gw.upsertCount() != 0 {
		t.Fatal("offline write reached the remote")
	}
	items := h.engine.Queue().Items()
	if len(items) != 1 || items[0].Attempts != 0 || items[0].TargetKey != "555-1234" {
		t.Fatalf("queue = %+v", items)
	}

	rec, src, err := h.engine.Read(ctx, "users", "555-1234")
	if err != nil || src != ReadLocal || string(rec.Payload) != `{"name":"Ada"}` {
		t.Fatalf("read = %+v, %s, %v", rec, src, err)
	}

	res, err = h.engine.Write(ctx, "users", "555-1234", payload(`{"name":"Ada L."}`))
	if err != nil || res.Kind != queue.KindUpdate {
		t.Fatalf("second write = %+v, %v", res, err)
	}
	if h.engine.Queue().Len() != 2 {
		t.Fatalf("expected one item per offline write, got %d", h.engine.Queue().Len())
	}
}

func TestWriteOnlineConfirmedRemote(t *testing.T) {
	h := newHarness(t, true, nil, nil)
	res, err := h.engine.Write(context.Background(), "users", "u1", payload(`{"n":1}`))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if res.Outcome != OutcomeConfirmedRemote || res.QueueItemID != "" {
		t.Fatalf("result = %+v", res)
	}
	if h.engine.Queue().Len() != 0 {
		t.Fatal("confirmed write was queued")
	}
	if _, ok := h.gw.get("users/u1"); !ok {
		t.Fatal("remote missing record")
	}
}

func TestWriteRemoteFailureIsQueued(t *testing.T) {
	h := newHarness(t, true, nil, nil)
	h.gw.set(func(f *fakeGateway) {
		f.failNext = 1
		f.failErr = remote.NewError(remote.KindUnauthenticated, "upsert", errors.New("token expired"))
	})

	res, err := h.engine.Write(context.Background(), "users", "u1", payload(`{}`))
	if err != nil {
		t.Fatalf("remote failure must not be a write error: %v", err)
	}
	if res.Outcome != OutcomeQueuedAfterRemoteFailure || res.RemoteError != remote.KindUnauthenticated {
		t.Fatalf("result = %+v", res)
	}
	if h.engine.Queue().Len() != 1 {
		t.Fatal("failed write not queued")
	}
}

func TestWriteQueuesBehindPendingItems(t *testing.T) {
	h := newHarness(t, false, nil, nil)
	ctx := context.Background()
	h.engine.Write(ctx, "users", "u1", payload(`{"v":1}`)) //nolint:errcheck
	h.monitor.NetworkAvailable()

	res, err := h.engine.Write(ctx, "users", "u1", payload(`{"v":2}`))
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if res.Outcome != OutcomeQueuedBehindPending {
		t.Fatalf("outcome = %s", res.Outcome)
	}
	if h.gw.upsertCount() != 0 {
		t.Fatal("write overtook a pending change for the same key")
	}

	other, _ := h.engine.Write(ctx, "users", "u2", payload(`{}`))
	if other.Outcome != OutcomeConfirmedRemote {
		t.Fatalf("unrelated key outcome = %s", other.Outcome)
	}
}

func TestWriteStorageFailureIsHardError(t *testing.T) {
	fs := &faultyStore{Store: store.NewMemory()}
	h := newHarness(t, true, fs, nil)
	fs.failing.Store(true)

	_, err := h.engine.Write(context.Background(), "users", "u1", payload(`{}`))
	if !errors.Is(err, store.ErrStorageUnavailable) {
		t.Fatalf("expected ErrStorageUnavailable, got %v", err)
	}
	if h.gw.upsertCount() != 0 {
		t.Fatal("remote written although the local store failed")
	}
	if h.engine.Queue().Len() != 0 {
		t.Fatal("queue changed although the local store failed")
	}
}

func TestWriteEnqueueFailureIsNotQueued(t *testing.T) {
	fs := &faultyStore{Store: store.NewMemory(), only: store.CollectionPendingQueue}
	h := newHarness(t, false, fs, nil)
	fs.failing.Store(true)
	ctx := context.Background()

	_, err := h.engine.Write(ctx, "users", "u1", payload(`{"n":1}`))
	if !errors.Is(err, ErrNotQueued) {
		t.Fatalf("expected ErrNotQueued, got %v", err)
	}
	if !errors.Is(err, store.ErrStorageUnavailable) {
		t.Fatalf("cause lost: %v", err)
	}
	if _, _, err := h.engine.Read(ctx, "users", "u1"); err != nil {
		t.Fatalf("local copy missing: %v", err)
	}
	if h.engine.Queue().Len() != 0 {
		t.Fatalf("queue len = %d, want 0", h.engine.Queue().Len())
	}
}

func TestWriteRejectsInvalidRecord(t *testing.T) {
	h := newHarness(t, true, nil, nil)
	if _, err := h.engine.Write(context.Background(), "", "k", payload(`{}`)); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord, got %v", err)
	}
	if _, err := h.engine.Write(context.Background(), "c", "k", payload(`{bad`)); !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("expected ErrInvalidRecord for bad JSON, got %v", err)
	}
}

func TestWriteMarkersMoveForward(t *testing.T) {
	fixed := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	h := newHarness(t, false, nil, func(o *Options) { o.Now = func() time.Time { return fixed } })
	ctx := context.Background()

	first, _ := h.engine.Write(ctx, "users", "u1", payload(`{"v":1}`))
	second, _ := h.engine.Write(ctx, "users", "u1", payload(`{"v":2}`))
	if !second.Record.UpdatedAt.After(first.Record.UpdatedAt) {
		t.Fatalf("second marker %v not after first %v", second.Record.UpdatedAt, first.Record.UpdatedAt)
	}
}

// A record written offline is replayed once connectivity returns.
func TestReconnectDrainsOfflineWrite(t *testing.T) {
	h := newHarness(t, false, nil, nil)
	ctx := context.Background()
	if err := h.engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.engine.Stop()

	if _, err := h.engine.Write(ctx, "users", "555-1234", payload(`{"name":"Ada"}`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if st := h.engine.Status(ctx); st.Online || st.PendingCount != 1 || st.LastSyncAt != nil {
		t.Fatalf("status before reconnect = %+v", st)
	}

	h.monitor.NetworkAvailable()
	waitFor(t, "queue drained", func() bool { return h.engine.Queue().Len() == 0 })

	rec, ok := h.gw.get("users/555-1234")
	if !ok || string(rec.Payload) != `{"name":"Ada"}` {
		t.Fatalf("remote = %+v, %v", rec, ok)
	}
	waitFor(t, "last sync recorded", func() bool { return h.engine.Status(ctx).LastSyncAt != nil })
	waitFor(t, "drain event", func() bool { return h.events.count(EventDrainCompleted) == 1 })
	if h.events.count(EventReconnected) != 1 {
		t.Fatalf("expected one reconnected event")
	}
	if h.gw.upsertCount() != 1 {
		t.Fatalf("expected a single replay, got %d", h.gw.upsertCount())
	}
}

func TestReconnectFlappingDrainsOnce(t *testing.T) {
	h := newHarness(t, false, nil, func(o *Options) { o.ReconnectDebounce = 80 * time.Millisecond })
	ctx := context.Background()
	h.engine.Write(ctx, "users", "u1", payload(`{}`)) //nolint:errcheck
	if err := h.engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.engine.Stop()

	for i := 0; i < 3; i++ {
		h.monitor.NetworkAvailable()
		time.Sleep(10 * time.Millisecond)
		h.monitor.NetworkLost()
	}
	if h.gw.upsertCount() != 0 {
		t.Fatal("drained inside the debounce window")
	}
	h.monitor.NetworkAvailable()
	waitFor(t, "queue drained", func() bool { return h.engine.Queue().Len() == 0 })
	time.Sleep(100 * time.Millisecond)

	history, err := h.engine.History(ctx, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	drains := 0
	for _, e := range history {
		if e.Type == "drain" {
			drains++
		}
	}
	if drains != 1 {
		t.Fatalf("expected one drain after flapping, got %d", drains)
	}
}

// Three failed drains abandon the item.
func TestThreeFailedDrainsAbandonItem(t *testing.T) {
	h := newHarness(t, true, nil, nil)
	ctx := context.Background()
	h.gw.set(func(f *fakeGateway) { f.failNext = -1 })

	res, _ := h.engine.Write(ctx, "users", "u1", payload(`{}`))
	if res.Outcome != OutcomeQueuedAfterRemoteFailure {
		t.Fatalf("outcome = %s", res.Outcome)
	}

	for i := 1; i <= 2; i++ {
		dr, err := h.engine.ForceSync(ctx)
		if err != nil {
			t.Fatalf("drain %d: %v", i, err)
		}
		if len(dr.Retried) != 1 || len(dr.Abandoned) != 0 {
			t.Fatalf("drain %d = %+v", i, dr)
		}
		item, _ := h.engine.Queue().Get(res.QueueItemID)
		if item.Attempts != i {
			t.Fatalf("after drain %d attempts = %d", i, item.Attempts)
		}
	}

	dr, err := h.engine.ForceSync(ctx)
	if err != nil {
		t.Fatalf("drain 3: %v", err)
	}
	if len(dr.Abandoned) != 1 || !errors.Is(dr.Abandoned[0].Err, queue.ErrQueueExhausted) {
		t.Fatalf("drain 3 = %+v", dr)
	}
	if h.engine.Queue().Len() != 0 {
		t.Fatal("abandoned item still queued")
	}
	if h.gw.upsertCount() != 4 {
		t.Fatalf("expected write attempt plus 3 drain attempts, got %d", h.gw.upsertCount())
	}

	st := h.engine.Status(ctx)
	if st.AbandonedCount != 1 || st.LastSyncAt == nil {
		t.Fatalf("status = %+v", st)
	}
	if h.events.count(EventItemAbandoned) != 1 {
		t.Fatal("missing item_abandoned event")
	}
	history, _ := h.engine.History(ctx, 0)
	found := false
	for _, e := range history {
		if e.Type == "abandoned" && e.Item != nil && e.Item.ID == res.QueueItemID && e.Item.Attempts == 3 {
			found = true
		}
	}
	if !found {
		t.Fatalf("abandonment missing from history: %+v", history)
	}

	// the local record survives abandonment
	if _, _, err := h.engine.Read(ctx, "users", "u1"); err != nil {
		t.Fatalf("local record lost: %v", err)
	}
}

func TestReplayAfterLostAckIsIdempotent(t *testing.T) {
	h := newHarness(t, true, nil, nil)
	ctx := context.Background()
	h.gw.set(func(f *fakeGateway) {
		f.failNext = 1
		f.ackLost = true
	})

	h.engine.Write(ctx, "users", "u1", payload(`{"v":1}`)) //nolint:errcheck
	dr, err := h.engine.ForceSync(ctx)
	if err != nil || len(dr.Synced) != 1 {
		t.Fatalf("drain = %+v, %v", dr, err)
	}
	h.gw.mu.Lock()
	n := len(h.gw.records)
	h.gw.mu.Unlock()
	if n != 1 {
		t.Fatalf("replay duplicated the record: %d remote rows", n)
	}
}

func TestForceSyncOffline(t *testing.T) {
	h := newHarness(t, false, nil, nil)
	if _, err := h.engine.ForceSync(context.Background()); !errors.Is(err, ErrCannotSyncOffline) {
		t.Fatalf("expected ErrCannotSyncOffline, got %v", err)
	}
}

func TestReadReconciles(t *testing.T) {
	h := newHarness(t, false, nil, nil)
	ctx := context.Background()
	t0 := types.Stamp(time.Now())

	// local newer than remote: local kept
	local, _ := h.engine.Write(ctx, "users", "newer-local", payload(`{"v":"local"}`))
	h.gw.set(func(f *fakeGateway) {
		f.records["users/newer-local"] = types.Record{Collection: "users", Key: "newer-local", Payload: payload(`{"v":"remote"}`), UpdatedAt: local.Record.UpdatedAt.Add(-time.Hour)}
		f.records["users/newer-remote"] = types.Record{Collection: "users", Key: "newer-remote", Payload: payload(`{"v":"remote"}`), UpdatedAt: t0.Add(time.Hour)}
		f.records["users/remote-only"] = types.Record{Collection: "users", Key: "remote-only", Payload: payload(`{"v":"remote"}`), UpdatedAt: t0}
	})
	h.engine.Write(ctx, "users", "newer-remote", payload(`{"v":"local"}`)) //nolint:errcheck
	h.monitor.NetworkAvailable()

	rec, src, err := h.engine.Read(ctx, "users", "newer-local")
	if err != nil || src != ReadLocal || string(rec.Payload) != `{"v":"local"}` {
		t.Fatalf("newer local: %+v %s %v", rec, src, err)
	}

	rec, src, err = h.engine.Read(ctx, "users", "newer-remote")
	if err != nil || src != ReadRemote || string(rec.Payload) != `{"v":"remote"}` {
		t.Fatalf("newer remote: %+v %s %v", rec, src, err)
	}

	rec, src, err = h.engine.Read(ctx, "users", "remote-only")
	if err != nil || src != ReadRemote {
		t.Fatalf("remote only: %+v %s %v", rec, src, err)
	}

	// the winners were written back locally
	h.monitor.NetworkLost()
	for _, key := range []string{"newer-remote", "remote-only"} {
		rec, _, err := h.engine.Read(ctx, "users", key)
		if err != nil || string(rec.Payload) != `{"v":"remote"}` {
			t.Fatalf("%s not written back: %+v %v", key, rec, err)
		}
	}

	if _, _, err := h.engine.Read(ctx, "users", "nowhere"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestReadFallsBackOnRemoteFailure(t *testing.T) {
	h := newHarness(t, true, nil, nil)
	ctx := context.Background()
	h.engine.Write(ctx, "users", "u1", payload(`{"v":1}`)) //nolint:errcheck
	h.gw.set(func(f *fakeGateway) {
		f.readErr = remote.NewError(remote.KindTransientNetwork, "read", errors.New("timeout"))
	})

	rec, src, err := h.engine.Read(ctx, "users", "u1")
	if err != nil || src != ReadLocalFallback || string(rec.Payload) != `{"v":1}` {
		t.Fatalf("read = %+v, %s, %v", rec, src, err)
	}
	if _, _, err := h.engine.Read(ctx, "users", "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestQueueAndMetadataSurviveRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.db")
	ctx := context.Background()

	s, err := store.OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	h := newHarness(t, false, s, nil)
	h.engine.Write(ctx, "users", "a", payload(`{}`)) //nolint:errcheck
	h.engine.Write(ctx, "users", "b", payload(`{}`)) //nolint:errcheck
	backupAt := time.Date(2026, 2, 2, 2, 2, 2, 0, time.UTC)
	if err := h.engine.MarkBackup(ctx, backupAt); err != nil {
		t.Fatalf("mark backup: %v", err)
	}
	s.Close()

	s, err = store.OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	h = newHarness(t, true, s, nil)

	st := h.engine.Status(ctx)
	if st.PendingCount != 2 || st.LastBackupAt == nil || !st.LastBackupAt.Equal(backupAt) {
		t.Fatalf("status after restart = %+v", st)
	}
	dr, err := h.engine.ForceSync(ctx)
	if err != nil || len(dr.Synced) != 2 {
		t.Fatalf("drain after restart = %+v, %v", dr, err)
	}
}

func TestDrainOnStart(t *testing.T) {
	s := store.NewMemory()
	h := newHarness(t, false, s, nil)
	h.engine.Write(context.Background(), "users", "a", payload(`{}`)) //nolint:errcheck

	h2 := newHarness(t, true, s, func(o *Options) { o.DrainOnStart = true })
	if err := h2.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h2.engine.Stop()
	waitFor(t, "drain on start", func() bool { return h2.engine.Queue().Len() == 0 })
}

func TestScheduledDrain(t *testing.T) {
	h := newHarness(t, true, nil, func(o *Options) { o.DrainSchedule = scheduler.Every(20 * time.Millisecond) })
	ctx := context.Background()
	h.gw.set(func(f *fakeGateway) { f.failNext = 1 })
	h.engine.Write(ctx, "users", "a", payload(`{}`)) //nolint:errcheck
	if h.engine.Queue().Len() != 1 {
		t.Fatal("expected queued write")
	}

	if err := h.engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.engine.Stop()
	waitFor(t, "scheduled drain", func() bool { return h.engine.Queue().Len() == 0 })
}

func TestStartTwice(t *testing.T) {
	h := newHarness(t, true, nil, nil)
	if err := h.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.engine.Stop()
	if err := h.engine.Start(context.Background()); err == nil {
		t.Fatal("second start should fail")
	}
}

func TestClearQueue(t *testing.T) {
	h := newHarness(t, false, nil, nil)
	ctx := context.Background()
	h.engine.Write(ctx, "users", "a", payload(`{}`)) //nolint:errcheck
	h.engine.Write(ctx, "users", "b", payload(`{}`)) //nolint:errcheck

	n, err := h.engine.ClearQueue(ctx)
	if err != nil || n != 2 {
		t.Fatalf("clear = %d, %v", n, err)
	}
	if h.engine.Status(ctx).PendingCount != 0 {
		t.Fatal("queue not empty")
	}
	if h.events.count(EventQueueCleared) != 1 {
		t.Fatal("missing queue_cleared event")
	}
	if _, _, err := h.engine.Read(ctx, "users", "a"); err != nil {
		t.Fatalf("clearing the queue dropped local data: %v", err)
	}
}

func TestStatsSnapshotAndCleanup(t *testing.T) {
	now := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	var clock atomic.Pointer[time.Time]
	clock.Store(&now)
	h := newHarness(t, true, nil, func(o *Options) { o.Now = func() time.Time { return *clock.Load() } })
	ctx := context.Background()

	h.engine.Write(ctx, "users", "old", payload(`{}`)) //nolint:errcheck
	h.engine.Write(ctx, "draws", "d1", payload(`{}`))  //nolint:errcheck
	h.monitor.NetworkLost()
	h.engine.Write(ctx, "draws", "pending-old", payload(`{}`)) //nolint:errcheck
	h.monitor.NetworkAvailable()

	later := now.Add(40 * 24 * time.Hour)
	clock.Store(&later)
	h.engine.Write(ctx, "users", "fresh", payload(`{}`)) //nolint:errcheck

	st, err := h.engine.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.TotalRecords != 4 || st.Collections["users"] != 2 || st.Collections["draws"] != 2 || st.PendingSync != 1 || !st.Online {
		t.Fatalf("stats = %+v", st)
	}

	snap, err := h.engine.Snapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if len(snap.Collections["users"]) != 2 || snap.Metadata.TotalRecords["draws"] != 2 || snap.Metadata.PendingSync != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	removed, err := h.engine.Cleanup(ctx, "", 0)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected 2 stale records removed, got %d", removed)
	}
	if _, _, err := h.engine.Read(ctx, "draws", "pending-old"); err != nil {
		t.Fatalf("record with a pending change was cleaned up: %v", err)
	}
	if _, _, err := h.engine.Read(ctx, "users", "fresh"); err != nil {
		t.Fatalf("fresh record removed: %v", err)
	}

	evenLater := later.Add(2 * time.Hour)
	clock.Store(&evenLater)
	removed, err = h.engine.Cleanup(ctx, "users", time.Hour)
	if err != nil || removed != 1 {
		t.Fatalf("scoped cleanup = %d, %v", removed, err)
	}
}

func TestHistoryIsBounded(t *testing.T) {
	h := newHarness(t, true, nil, func(o *Options) { o.HistoryLimit = 3 })
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		if _, err := h.engine.ForceSync(ctx); err != nil {
			t.Fatalf("drain: %v", err)
		}
	}
	history, err := h.engine.History(ctx, 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(history))
	}
	latest, _ := h.engine.History(ctx, 1)
	if len(latest) != 1 || latest[0].ID != history[0].ID {
		t.Fatal("History(1) should return the newest entry")
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	ctx := context.Background()
	if _, err := New(ctx, Options{}); err == nil {
		t.Error("missing store accepted")
	}
	if _, err := New(ctx, Options{Store: store.NewMemory()}); err == nil {
		t.Error("missing gateway accepted")
	}
	if _, err := New(ctx, Options{Store: store.NewMemory(), Gateway: newFakeGateway()}); err == nil {
		t.Error("missing monitor accepted")
	}
	bad := scheduler.Schedule{Kind: "interval"}
	if _, err := New(ctx, Options{Store: store.NewMemory(), Gateway: newFakeGateway(), Monitor: connectivity.NewMonitor(true, nil), DrainSchedule: bad}); err == nil {
		t.Error("invalid drain schedule accepted")
	}
}
