package reconcile

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"syncroom/internal/gateway"
	"syncroom/internal/localstore"
)

func testStore(t *testing.T) *localstore.Store {
	t.Helper()
	store, err := localstore.Open(t.TempDir(), "test-build")
	if err != nil {
		t.Fatalf("open local store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func enqueue(t *testing.T, store *localstore.Store, docID, body string) localstore.QueuedMutation {
	t.Helper()
	m, err := store.Enqueue(localstore.QueuedMutation{
		DocID:  docID,
		Method: http.MethodPut,
		Path:   "/api/docs/" + docID,
		Body:   []byte(body),
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return m
}

func fastReconciler(base string, store *localstore.Store) *Reconciler {
	r := New(base, &http.Client{Timeout: 2 * time.Second}, store, clockwork.NewRealClock())
	r.BaseBackoff = time.Millisecond
	r.MaxBackoff = 5 * time.Millisecond
	return r
}

func TestDrainReplaysInEnqueueOrder(t *testing.T) {
	store := testStore(t)
	for i := 0; i < 5; i++ {
		enqueue(t, store, "doc-1", fmt.Sprintf(`{"n":%d}`, i))
	}

	var mu sync.Mutex
	var bodies []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		mu.Lock()
		bodies = append(bodies, string(body))
		mu.Unlock()
	}))
	defer server.Close()

	r := fastReconciler(server.URL, store)
	r.Drain(context.Background())
	r.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 5 {
		t.Fatalf("expected 5 replays, got %d", len(bodies))
	}
	for i, body := range bodies {
		want := fmt.Sprintf(`{"n":%d}`, i)
		if body != want {
			t.Fatalf("replay %d out of order: got %s want %s", i, body, want)
		}
	}
	if has, _ := store.HasPending("doc-1"); has {
		t.Fatal("queue should be empty after a full drain")
	}
}

func TestConflictCountsAsApplied(t *testing.T) {
	store := testStore(t)
	enqueue(t, store, "doc-1", `{"n":0}`)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer server.Close()

	r := fastReconciler(server.URL, store)
	r.Drain(context.Background())
	r.Wait()

	if has, _ := store.HasPending("doc-1"); has {
		t.Fatal("a 409 means the server already has it; the mutation must be acked")
	}
}

func TestDefinitiveRejectionHaltsDoc(t *testing.T) {
	store := testStore(t)
	enqueue(t, store, "doc-1", `{"n":0}`) // will be rejected
	second := enqueue(t, store, "doc-1", `{"n":1}`)

	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusUnprocessableEntity)
	}))
	defer server.Close()

	var rejected []localstore.QueuedMutation
	r := fastReconciler(server.URL, store)
	r.OnRejected = func(m localstore.QueuedMutation, status int) {
		if status != http.StatusUnprocessableEntity {
			t.Errorf("unexpected rejection status %d", status)
		}
		rejected = append(rejected, m)
	}
	r.Drain(context.Background())
	r.Wait()

	if n := requests.Load(); n != 1 {
		t.Fatalf("draining must halt at the rejection, server saw %d requests", n)
	}
	if len(rejected) != 1 {
		t.Fatalf("expected 1 rejection callback, got %d", len(rejected))
	}

	// The rejected mutation is dropped; the one behind it stays queued.
	pending, err := store.Pending("doc-1")
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != second.ID {
		t.Fatalf("expected only the second mutation to remain, got %v", pending)
	}
}

func TestTransientFailureLeavesQueueIntact(t *testing.T) {
	store := testStore(t)
	first := enqueue(t, store, "doc-1", `{"n":0}`)
	enqueue(t, store, "doc-1", `{"n":1}`)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	r := fastReconciler(server.URL, store)
	r.MaxAttempts = 3
	r.Drain(context.Background())
	r.Wait()

	pending, err := store.Pending("doc-1")
	if err != nil {
		t.Fatalf("Pending failed: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("transient failure must keep the queue intact, got %d entries", len(pending))
	}
	if pending[0].ID != first.ID {
		t.Fatal("head of queue changed across a transient failure")
	}
	if pending[0].Attempts != 3 {
		t.Fatalf("expected 3 recorded attempts, got %d", pending[0].Attempts)
	}
}

func TestTransientThenRecoveryDrains(t *testing.T) {
	store := testStore(t)
	enqueue(t, store, "doc-1", `{"n":0}`)

	var fails atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if fails.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
		}
	}))
	defer server.Close()

	r := fastReconciler(server.URL, store)
	r.Drain(context.Background())
	r.Wait()

	if has, _ := store.HasPending("doc-1"); has {
		t.Fatal("queue should drain once the backend recovers")
	}
}

func TestDocsDrainIndependently(t *testing.T) {
	store := testStore(t)
	enqueue(t, store, "doc-bad", `{"n":0}`)
	enqueue(t, store, "doc-good", `{"n":0}`)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if req.URL.Path == "/api/docs/doc-bad" {
			w.WriteHeader(http.StatusUnprocessableEntity)
		}
	}))
	defer server.Close()

	r := fastReconciler(server.URL, store)
	r.Drain(context.Background())
	r.Wait()

	if has, _ := store.HasPending("doc-good"); has {
		t.Fatal("a rejection in one doc must not stall another doc's queue")
	}
}

func TestRunDrainsOnOnlineTransition(t *testing.T) {
	store := testStore(t)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {}))
	defer server.Close()

	r := fastReconciler(server.URL, store)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals := make(chan gateway.Signal)
	done := make(chan struct{})
	go func() {
		r.Run(ctx, signals)
		close(done)
	}()

	// Queued after startup, so only the online signal can trigger the drain.
	enqueue(t, store, "doc-1", `{"n":0}`)
	signals <- gateway.Signal{Type: "OFFLINE", Value: false}

	deadline := time.After(2 * time.Second)
	for {
		has, err := store.HasPending("doc-1")
		if err != nil {
			t.Fatalf("HasPending failed: %v", err)
		}
		if !has {
			break
		}
		select {
		case <-deadline:
			t.Fatal("queue not drained after online signal")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop on context cancellation")
	}
}

// Offline edits queued through the gateway drain in order on reconnect and
// the server ends up with the last write.
func TestOfflineEditsReplayedOnReconnect(t *testing.T) {
	store := testStore(t)

	var mu sync.Mutex
	titles := make(map[string]string)
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		mu.Lock()
		titles[req.URL.Path] = string(body)
		mu.Unlock()
	}))
	defer backend.Close()

	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {}))
	dead.Close()

	// Offline: both updates land in the queue, in order.
	gw, err := gateway.New(dead.URL, &http.Client{Timeout: time.Second}, store, gateway.NewBus())
	if err != nil {
		t.Fatalf("gateway.New failed: %v", err)
	}
	for i, title := range []string{`{"title":"A"}`, `{"title":"B"}`} {
		resp, err := gw.Do(context.Background(), gateway.Request{
			ID: fmt.Sprintf("req-%d", i), Method: http.MethodPut,
			DocID: "doc-1", Path: "/api/docs/doc-1", Body: []byte(title),
		})
		if err != nil {
			t.Fatalf("offline Do %d failed: %v", i, err)
		}
		if !resp.Queued {
			t.Fatalf("update %d should have been queued", i)
		}
	}

	// Reconnect: drain against the real backend.
	r := fastReconciler(backend.URL, store)
	r.Drain(context.Background())
	r.Wait()

	mu.Lock()
	final := titles["/api/docs/doc-1"]
	mu.Unlock()
	if final != `{"title":"B"}` {
		t.Fatalf("server should hold the last write, got %s", final)
	}
	if has, _ := store.HasPending("doc-1"); has {
		t.Fatal("local queue should be empty after replay")
	}
}

func TestReplayCancellation(t *testing.T) {
	store := testStore(t)
	enqueue(t, store, "doc-1", `{"n":0}`)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	r := New(server.URL, nil, store, clockwork.NewRealClock())
	r.BaseBackoff = time.Hour // cancellation must cut through the backoff

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	err := r.drainDoc(ctx, "doc-1")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if has, _ := store.HasPending("doc-1"); !has {
		t.Fatal("cancelled replay must leave the mutation queued")
	}
}
