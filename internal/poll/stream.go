package poll

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"time"

	"syncroom/internal/collab"
	"syncroom/internal/crdt"
)

// ServeStream writes newly merged update blocks to a held-open response as
// SSE events until the client goes away. The transport may drop at any time;
// the client is expected to reconnect and re-sync.
func ServeStream(w http.ResponseWriter, r *http.Request, session *collab.Session, room *collab.Room) error {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return fmt.Errorf("response writer does not support streaming")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if _, err := fmt.Fprint(w, ": connected\n\n"); err != nil {
		return err
	}
	flusher.Flush()

	defer func() {
		detachCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		room.Detach(detachCtx, session)
	}()

	for {
		select {
		case block := <-session.Updates():
			if err := writeEvent(w, block); err != nil {
				return err
			}
			flusher.Flush()
		case <-session.Done():
			return nil
		case <-r.Context().Done():
			return nil
		}
	}
}

func writeEvent(w http.ResponseWriter, block crdt.Block) error {
	encoded := base64.StdEncoding.EncodeToString(crdt.EncodeBlock(block))
	_, err := fmt.Fprintf(w, "data: %s\n\n", encoded)
	return err
}
