package collab

import (
	"context"
	"errors"
	"log"

	"syncroom/internal/crdt"
)

// ErrCapabilityDenied is returned when a read-only session submits a write.
// Capability failures are terminal for the connection or request.
var ErrCapabilityDenied = errors.New("capability denied")

// Room is the live fan-out set and merged state for one document.
type Room struct {
	ID string

	reg      *Registry
	state    *crdt.State
	sessions map[*Session]struct{}
}

// must hold reg.mu
func (room *Room) attach(s *Session) {
	room.sessions[s] = struct{}{}
}

// Detach removes the session from the fan-out set synchronously with the
// close event, releases its presence membership, and persists room state
// when the last session leaves.
func (room *Room) Detach(ctx context.Context, s *Session) {
	s.close()

	room.reg.mu.Lock()
	delete(room.sessions, s)
	empty := len(room.sessions) == 0
	if empty {
		delete(room.reg.rooms, room.ID)
	}
	room.reg.mu.Unlock()

	if err := room.reg.presence.Leave(ctx, room.ID, s.SessionKey); err != nil {
		log.Printf("presence leave failed room=%s: %v", room.ID, err)
	}

	if empty {
		if err := room.reg.docs.SaveState(ctx, room.ID, room.state.Encode()); err != nil {
			log.Printf("persist room state failed room=%s: %v", room.ID, err)
		}
	}
}

// Apply merges one update block submitted by from and fans it out to every
// other session in the room. The block payload is opaque; ordering across
// sessions is not guaranteed beyond the commutative merge contract.
func (room *Room) Apply(ctx context.Context, from *Session, b crdt.Block) error {
	if from != nil && from.ReadOnly {
		return ErrCapabilityDenied
	}

	applied := room.state.Merge(b)
	if len(applied) == 0 {
		// Already known; nothing to persist or fan out.
		return nil
	}

	if err := room.reg.docs.AppendUpdate(ctx, room.ID, crdt.EncodeBlock(b)); err != nil {
		log.Printf("append update failed room=%s: %v", room.ID, err)
	}

	room.broadcast(from, b)

	if room.reg.refreshOnActivity && from != nil {
		if err := room.reg.presence.Refresh(ctx, room.ID, from.SessionKey); err != nil {
			log.Printf("presence refresh failed room=%s: %v", room.ID, err)
		}
	}
	return nil
}

func (room *Room) broadcast(from *Session, b crdt.Block) {
	room.reg.mu.Lock()
	var slow []*Session
	for s := range room.sessions {
		if s == from {
			continue
		}
		if !s.send(b) {
			slow = append(slow, s)
		}
	}
	room.reg.mu.Unlock()

	for _, s := range slow {
		log.Printf("dropping slow session room=%s key=%s", room.ID, s.SessionKey)
		s.close()
	}
}

// SyncState merges a client's last-known state into the room and returns the
// blocks the client is missing. Replaying the same state twice yields the
// same delta, so catch-up is idempotent.
func (room *Room) SyncState(ctx context.Context, remote *crdt.State) ([]crdt.Block, error) {
	applied := room.state.Merge(remote.Blocks()...)
	for _, b := range applied {
		room.broadcast(nil, b)
	}

	if err := room.reg.docs.SaveState(ctx, room.ID, room.state.Encode()); err != nil {
		return nil, err
	}
	return room.state.Diff(remote), nil
}

// State returns a copy of the room's merged state.
func (room *Room) State() *crdt.State {
	return room.state.Clone()
}
