package collab

import (
	"sync"

	"syncroom/internal/crdt"
)

// outboundBuffer bounds the per-session fan-out queue. A session that cannot
// drain this many blocks is closed; the client reconnects and re-syncs.
const outboundBuffer = 64

// Session is one admitted connection to a room, independent of transport.
// The fan-out path writes into out; a transport-specific writer (websocket
// pump, SSE writer) drains it.
type Session struct {
	RoomID      string
	ReadOnly    bool // fixed at admission for the session's lifetime
	PrincipalID string
	SessionKey  string

	out       chan crdt.Block
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(roomID string, readOnly bool, principalID, sessionKey string) *Session {
	return &Session{
		RoomID:      roomID,
		ReadOnly:    readOnly,
		PrincipalID: principalID,
		SessionKey:  sessionKey,
		out:         make(chan crdt.Block, outboundBuffer),
		done:        make(chan struct{}),
	}
}

// Updates is the stream of blocks merged by other sessions in the room.
func (s *Session) Updates() <-chan crdt.Block {
	return s.out
}

// Done is closed when the session is detached or force-closed.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

// send enqueues a block for the session's writer. Returns false when the
// session's buffer is full, in which case the caller should drop the session.
func (s *Session) send(b crdt.Block) bool {
	select {
	case <-s.done:
		return true
	case s.out <- b:
		return true
	default:
		return false
	}
}
