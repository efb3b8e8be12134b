// Package collab is the connection authority for live document sessions:
// admission control, per-room session registries, and commutative fan-out of
// opaque update blocks to every admitted session.
package collab

import (
	"context"
	"fmt"
	"sync"

	"syncroom/internal/crdt"
	"syncroom/internal/presence"
)

// DocumentStore is the server store of record as the registry sees it.
// LoadState returns (nil, nil) for a document with no persisted state yet.
type DocumentStore interface {
	LoadState(ctx context.Context, docID string) (*crdt.State, error)
	SaveState(ctx context.Context, docID string, state []byte) error
	AppendUpdate(ctx context.Context, docID string, block []byte) error
}

// Registry owns every live room in the process. It is constructed once at
// startup and injected; there is no package-level registry.
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room

	docs              DocumentStore
	presence          *presence.Store
	refreshOnActivity bool
}

func NewRegistry(docs DocumentStore, pres *presence.Store, refreshOnActivity bool) *Registry {
	return &Registry{
		rooms:             make(map[string]*Room),
		docs:              docs,
		presence:          pres,
		refreshOnActivity: refreshOnActivity,
	}
}

// room returns the live room for id, loading persisted state on first use.
func (r *Registry) room(ctx context.Context, id string) (*Room, error) {
	r.mu.Lock()
	if room, ok := r.rooms[id]; ok {
		r.mu.Unlock()
		return room, nil
	}
	r.mu.Unlock()

	// Load outside the lock; racing loaders resolve below.
	state, err := r.docs.LoadState(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load room %s: %w", id, err)
	}
	if state == nil {
		state = crdt.NewState()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok := r.rooms[id]; ok {
		return room, nil
	}
	room := &Room{
		ID:       id,
		reg:      r,
		state:    state,
		sessions: make(map[*Session]struct{}),
	}
	r.rooms[id] = room
	return room, nil
}

// ResetConnections force-closes sessions for a room: all of them, or only
// those belonging to principalID when it is non-empty. Safe to call with zero
// matching sessions.
func (r *Registry) ResetConnections(ctx context.Context, roomID, principalID string) int {
	r.mu.Lock()
	room, ok := r.rooms[roomID]
	var matched []*Session
	if ok {
		for s := range room.sessions {
			if principalID != "" && s.PrincipalID != principalID {
				continue
			}
			matched = append(matched, s)
		}
	}
	r.mu.Unlock()

	for _, s := range matched {
		room.Detach(ctx, s)
	}
	return len(matched)
}

// Sessions reports the number of live sessions for a room in this process.
func (r *Registry) Sessions(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room, ok := r.rooms[roomID]; ok {
		return len(room.sessions)
	}
	return 0
}

// CloseAll detaches every session in every room, persisting room state.
// Called on shutdown.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	var all []*Session
	rooms := make(map[*Session]*Room)
	for _, room := range r.rooms {
		for s := range room.sessions {
			all = append(all, s)
			rooms[s] = room
		}
	}
	r.mu.Unlock()

	for _, s := range all {
		rooms[s].Detach(ctx, s)
	}
}
