// Package poll reproduces the live-session contract over plain
// request/response for clients that cannot hold a persistent socket. The
// admission rules and merge semantics are the ones the connection authority
// enforces; only the transport differs.
package poll

import (
	"context"
	"fmt"
	"net/http"

	"syncroom/internal/collab"
	"syncroom/internal/crdt"
)

// Bridge serves the three poll operations against the shared room registry.
type Bridge struct {
	authority *collab.Authority
}

func NewBridge(authority *collab.Authority) *Bridge {
	return &Bridge{authority: authority}
}

// Sync merges the client's last-known state into the authoritative document
// and returns the encoded blocks the client is missing. Replaying the same
// local state twice produces the same delta. A read-only caller gets the
// catch-up delta only: nothing it submits is ever merged, so the capability
// check holds on this surface exactly as it does for postMessage.
func (b *Bridge) Sync(ctx context.Context, roomID string, credentials http.Header, localState []byte) ([]byte, error) {
	grant, err := b.authority.Authorize(ctx, roomID, credentials)
	if err != nil {
		return nil, err
	}

	remote, err := crdt.DecodeState(localState)
	if err != nil {
		return nil, fmt.Errorf("decode local state: %w", err)
	}

	room, err := b.authority.OpenRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}

	var delta []crdt.Block
	if grant.ReadOnly {
		delta = room.State().Diff(remote)
	} else {
		delta, err = room.SyncState(ctx, remote)
		if err != nil {
			return nil, fmt.Errorf("sync room %s: %w", roomID, err)
		}
	}

	var out []byte
	for _, block := range delta {
		out = append(out, crdt.EncodeBlock(block)...)
	}
	return out, nil
}

// PostMessage merges a single update block and fans it out to every other
// session, live and polling, for the same document.
func (b *Bridge) PostMessage(ctx context.Context, roomID string, credentials http.Header, encoded []byte) error {
	grant, err := b.authority.Authorize(ctx, roomID, credentials)
	if err != nil {
		return err
	}
	if grant.ReadOnly {
		return collab.ErrCapabilityDenied
	}

	block, err := crdt.DecodeBlock(encoded)
	if err != nil {
		return fmt.Errorf("decode update block: %w", err)
	}

	room, err := b.authority.OpenRoom(ctx, roomID)
	if err != nil {
		return err
	}
	return room.Apply(ctx, nil, block)
}

// Subscribe admits a streaming session for the room. The caller owns the
// session and must Detach it when the transport drops.
func (b *Bridge) Subscribe(ctx context.Context, roomID string, credentials http.Header) (*collab.Session, *collab.Room, error) {
	session, err := b.authority.AdmitPoll(ctx, roomID, credentials)
	if err != nil {
		return nil, nil, err
	}
	room, err := b.authority.Room(ctx, session)
	if err != nil {
		return nil, nil, err
	}
	return session, room, nil
}
