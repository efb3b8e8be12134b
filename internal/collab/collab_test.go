package collab

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"syncroom/internal/ability"
	"syncroom/internal/auth"
	"syncroom/internal/crdt"
	"syncroom/internal/presence"
)

const testRoom = "2b1f8f45-9a83-4b1e-9d3f-0c2f6c1a7b4d"

// memDocs is an in-memory DocumentStore for tests.
type memDocs struct {
	mu      sync.Mutex
	states  map[string][]byte
	updates map[string][][]byte
}

func newMemDocs() *memDocs {
	return &memDocs{states: make(map[string][]byte), updates: make(map[string][][]byte)}
}

func (m *memDocs) LoadState(ctx context.Context, docID string) (*crdt.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.states[docID]
	if !ok {
		return nil, nil
	}
	return crdt.DecodeState(data)
}

func (m *memDocs) SaveState(ctx context.Context, docID string, state []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[docID] = state
	return nil
}

func (m *memDocs) AppendUpdate(ctx context.Context, docID string, block []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates[docID] = append(m.updates[docID], block)
	return nil
}

// fakeResolver returns a fixed ability set and records lookups.
type fakeResolver struct {
	mu    sync.Mutex
	calls int
	set   ability.Set
	err   error
}

func (f *fakeResolver) Resolve(ctx context.Context, docID string, credentials http.Header) (ability.Set, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return f.set, nil
}

func (f *fakeResolver) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func setupAuthority(t *testing.T, resolver AbilityResolver) (*Authority, *memDocs, *presence.Store) {
	t.Helper()
	mr := miniredis.RunT(t)
	pres := presence.NewStoreWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), time.Minute)
	t.Cleanup(func() { pres.Close() })

	docs := newMemDocs()
	registry := NewRegistry(docs, pres, true)
	return NewAuthority(registry, resolver, []byte("test-secret"), "sync_session"), docs, pres
}

func editorResolver() *fakeResolver {
	return &fakeResolver{set: ability.NewSet("retrieve", "update")}
}

func sessionHeader(t *testing.T, sub, sid string) http.Header {
	t.Helper()
	token, err := auth.IssueToken([]byte("test-secret"), auth.Claims{
		Sub: sub,
		SID: sid,
		Exp: time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("IssueToken failed: %v", err)
	}
	hdr := http.Header{}
	hdr.Set("Cookie", "sync_session="+token)
	return hdr
}

func TestAdmitRejectsNameMismatch(t *testing.T) {
	resolver := editorResolver()
	authority, _, _ := setupAuthority(t, resolver)

	// Valid credentials do not save a tampered handshake.
	_, err := authority.Admit(context.Background(), testRoom, "some-other-doc", sessionHeader(t, "user-1", "sess-1"))
	if !errors.Is(err, ErrAdmissionRejected) {
		t.Fatalf("expected ErrAdmissionRejected, got %v", err)
	}
	if resolver.callCount() != 0 {
		t.Errorf("backend should not be consulted on mismatch, got %d calls", resolver.callCount())
	}
}

func TestAdmitRejectsMalformedRoomID(t *testing.T) {
	resolver := editorResolver()
	authority, _, _ := setupAuthority(t, resolver)

	for _, id := range []string{
		"not-a-uuid",
		"",
		"2b1f8f45-9a83-1b1e-9d3f-0c2f6c1a7b4d", // version 1
		"2b1f8f459a834b1e9d3f0c2f6c1a7b4d",     // no dashes
	} {
		_, err := authority.Admit(context.Background(), id, id, nil)
		if !errors.Is(err, ErrAdmissionRejected) {
			t.Errorf("id %q: expected ErrAdmissionRejected, got %v", id, err)
		}
	}
	if resolver.callCount() != 0 {
		t.Errorf("malformed ids must be rejected before any backend call, got %d calls", resolver.callCount())
	}
}

func TestAdmitRejectsForbiddenAndUnreachable(t *testing.T) {
	for _, cause := range []error{ability.ErrForbidden, ability.ErrUnreachable} {
		authority, _, _ := setupAuthority(t, &fakeResolver{err: cause})
		_, err := authority.Admit(context.Background(), testRoom, testRoom, nil)
		if !errors.Is(err, ErrAdmissionRejected) {
			t.Errorf("cause %v: expected ErrAdmissionRejected, got %v", cause, err)
		}
	}
}

func TestAdmitResolvesReadOnlyFromAbilities(t *testing.T) {
	authority, _, _ := setupAuthority(t, &fakeResolver{set: ability.NewSet("retrieve")})

	session, err := authority.Admit(context.Background(), testRoom, testRoom, nil)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if !session.ReadOnly {
		t.Error("session without update ability must be read-only")
	}
}

func TestAdmitAnonymousPrincipal(t *testing.T) {
	authority, _, _ := setupAuthority(t, editorResolver())

	session, err := authority.Admit(context.Background(), testRoom, testRoom, nil)
	if err != nil {
		t.Fatalf("anonymous Admit failed: %v", err)
	}
	if session.PrincipalID != "" {
		t.Errorf("expected empty principal, got %q", session.PrincipalID)
	}
	if session.SessionKey == "" {
		t.Error("anonymous session still needs a generated session key for counting")
	}
}

func TestReadOnlyWriteNeverMerged(t *testing.T) {
	authority, docs, _ := setupAuthority(t, &fakeResolver{set: ability.NewSet("retrieve")})
	ctx := context.Background()

	session, err := authority.Admit(ctx, testRoom, testRoom, nil)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	room, err := authority.Room(ctx, session)
	if err != nil {
		t.Fatalf("Room failed: %v", err)
	}

	err = room.Apply(ctx, session, crdt.Block{Key: "title", Stamp: 1, Payload: []byte("sneaky")})
	if !errors.Is(err, ErrCapabilityDenied) {
		t.Fatalf("expected ErrCapabilityDenied, got %v", err)
	}
	if room.State().Len() != 0 {
		t.Error("read-only write must not reach the document state")
	}
	if len(docs.updates[testRoom]) != 0 {
		t.Error("read-only write must not be persisted")
	}
}

func TestApplyFansOutToOtherSessions(t *testing.T) {
	authority, _, _ := setupAuthority(t, editorResolver())
	ctx := context.Background()

	writer, err := authority.Admit(ctx, testRoom, testRoom, sessionHeader(t, "user-1", "sess-w"))
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	reader, err := authority.Admit(ctx, testRoom, testRoom, sessionHeader(t, "user-2", "sess-r"))
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	room, err := authority.Room(ctx, writer)
	if err != nil {
		t.Fatalf("Room failed: %v", err)
	}

	sent := crdt.Block{Key: "title", Stamp: 1, Payload: []byte("hello")}
	if err := room.Apply(ctx, writer, sent); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	select {
	case got := <-reader.Updates():
		if got.Key != sent.Key || string(got.Payload) != string(sent.Payload) {
			t.Fatalf("reader got wrong block: %+v", got)
		}
	case <-time.After(time.Second):
		t.Fatal("reader never received the fan-out block")
	}

	select {
	case got := <-writer.Updates():
		t.Fatalf("sender must not receive its own block, got %+v", got)
	default:
	}
}

func TestDetachUpdatesPresenceAndRejoinRestores(t *testing.T) {
	authority, _, pres := setupAuthority(t, editorResolver())
	ctx := context.Background()

	session, err := authority.Admit(ctx, testRoom, testRoom, sessionHeader(t, "user-1", "sess-1"))
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	info, err := pres.Lookup(ctx, testRoom, "sess-1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if !info.Exists || info.Count != 1 {
		t.Fatalf("expected live writer after admit, got %+v", info)
	}

	room, err := authority.Room(ctx, session)
	if err != nil {
		t.Fatalf("Room failed: %v", err)
	}
	room.Detach(ctx, session)

	info, err = pres.Lookup(ctx, testRoom, "sess-1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if info.Exists || info.Count != 0 {
		t.Fatalf("disconnect must remove presence, got %+v", info)
	}

	if _, err := authority.Admit(ctx, testRoom, testRoom, sessionHeader(t, "user-1", "sess-1")); err != nil {
		t.Fatalf("re-admit failed: %v", err)
	}
	info, err = pres.Lookup(ctx, testRoom, "sess-1")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if !info.Exists {
		t.Fatal("reconnect with the same session key must restore exists=true")
	}
}

func TestDetachLastSessionPersistsState(t *testing.T) {
	authority, docs, _ := setupAuthority(t, editorResolver())
	ctx := context.Background()

	session, err := authority.Admit(ctx, testRoom, testRoom, nil)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	room, err := authority.Room(ctx, session)
	if err != nil {
		t.Fatalf("Room failed: %v", err)
	}
	if err := room.Apply(ctx, session, crdt.Block{Key: "title", Stamp: 1, Payload: []byte("v1")}); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}

	room.Detach(ctx, session)

	state, err := docs.LoadState(ctx, testRoom)
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if state == nil || state.Len() != 1 {
		t.Fatal("room state must be persisted when the last session leaves")
	}
	if authority.Registry().Sessions(testRoom) != 0 {
		t.Error("empty room must be evicted from the registry")
	}
}

func TestResetConnectionsNoSessionsIsNoop(t *testing.T) {
	authority, _, _ := setupAuthority(t, editorResolver())

	if n := authority.Registry().ResetConnections(context.Background(), testRoom, ""); n != 0 {
		t.Fatalf("expected zero closed sessions, got %d", n)
	}
}

func TestResetConnectionsByPrincipal(t *testing.T) {
	authority, _, _ := setupAuthority(t, editorResolver())
	ctx := context.Background()

	alice, err := authority.Admit(ctx, testRoom, testRoom, sessionHeader(t, "alice", "sess-a"))
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	bob, err := authority.Admit(ctx, testRoom, testRoom, sessionHeader(t, "bob", "sess-b"))
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}

	if n := authority.Registry().ResetConnections(ctx, testRoom, "alice"); n != 1 {
		t.Fatalf("expected 1 closed session, got %d", n)
	}

	select {
	case <-alice.Done():
	default:
		t.Error("alice's session should be closed")
	}
	select {
	case <-bob.Done():
		t.Error("bob's session should survive")
	default:
	}

	if n := authority.Registry().ResetConnections(ctx, testRoom, ""); n != 1 {
		t.Fatalf("expected remaining session closed, got %d", n)
	}
}

func TestMergedUpdatePersistedToLog(t *testing.T) {
	authority, docs, _ := setupAuthority(t, editorResolver())
	ctx := context.Background()

	session, err := authority.Admit(ctx, testRoom, testRoom, nil)
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	room, err := authority.Room(ctx, session)
	if err != nil {
		t.Fatalf("Room failed: %v", err)
	}

	b := crdt.Block{Key: "title", Stamp: 2, Payload: []byte("v2")}
	if err := room.Apply(ctx, session, b); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	// Duplicate delivery of an already merged block is a no-op.
	if err := room.Apply(ctx, session, b); err != nil {
		t.Fatalf("duplicate Apply failed: %v", err)
	}

	if len(docs.updates[testRoom]) != 1 {
		t.Fatalf("expected exactly one persisted update, got %d", len(docs.updates[testRoom]))
	}
}
