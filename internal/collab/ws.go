package collab

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"syncroom/internal/crdt"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// WSOptions carries the liveness parameters for a live channel.
type WSOptions struct {
	PingInterval time.Duration
	PongTimeout  time.Duration
}

const writeTimeout = 10 * time.Second

// ServeWS upgrades an admitted connection and runs its read and write pumps
// until either side closes. A session with no pong inside PongTimeout is
// force-closed and treated like an explicit disconnect.
func ServeWS(w http.ResponseWriter, r *http.Request, authority *Authority, session *Session, opts WSOptions) {
	ctx := context.Background()

	room, err := authority.Room(ctx, session)
	if err != nil {
		// Only possible if the room was evicted between admission and the
		// upgrade, in which case the session is no longer attached anywhere.
		log.Printf("room lookup failed after admission room=%s: %v", session.RoomID, err)
		session.close()
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade failed room=%s: %v", session.RoomID, err)
		detachCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		room.Detach(detachCtx, session)
		return
	}

	go writePump(conn, session, opts)
	readPump(ctx, conn, room, session, opts)
}

func readPump(ctx context.Context, conn *websocket.Conn, room *Room, session *Session, opts WSOptions) {
	defer func() {
		detachCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		room.Detach(detachCtx, session)
		_ = conn.Close()
	}()

	_ = conn.SetReadDeadline(time.Now().Add(opts.PongTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(opts.PongTimeout))
		if room.reg.refreshOnActivity {
			refreshCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := room.reg.presence.Refresh(refreshCtx, room.ID, session.SessionKey); err != nil {
				log.Printf("presence refresh failed room=%s: %v", room.ID, err)
			}
		}
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("session read error room=%s key=%s: %v", room.ID, session.SessionKey, err)
			}
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}

		block, err := crdt.DecodeBlock(data)
		if err != nil {
			log.Printf("malformed update block room=%s key=%s: %v", room.ID, session.SessionKey, err)
			continue
		}

		if err := room.Apply(ctx, session, block); err != nil {
			if errors.Is(err, ErrCapabilityDenied) {
				// Capability failures are terminal for the connection.
				log.Printf("CAPABILITY DENIED: write from read-only session room=%s key=%s", room.ID, session.SessionKey)
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "Forbidden"),
					time.Now().Add(writeTimeout))
				return
			}
			log.Printf("apply failed room=%s: %v", room.ID, err)
		}
	}
}

func writePump(conn *websocket.Conn, session *Session, opts WSOptions) {
	ticker := time.NewTicker(opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case block := <-session.Updates():
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.BinaryMessage, crdt.EncodeBlock(block)); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-session.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeTimeout))
			return
		}
	}
}
