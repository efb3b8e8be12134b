package app

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"syncroom/internal/auth"
	"syncroom/internal/collab"
	"syncroom/internal/poll"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		// Preflight. 204 carries no body; headers are set in middleware.
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"backends": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["backends"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Control endpoints (shared-secret credential, distinct from end-user auth)
	if r.Method == http.MethodPost && r.URL.Path == "/api/collab/reset-connections" {
		s.handleResetConnections(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/collab/connection-info" {
		s.handleConnectionInfo(w, r)
		return
	}

	parts := splitPath(r.URL.Path)

	// Live channel: GET /api/collab/{room}
	if r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "api" && parts[1] == "collab" {
		s.handleCollabWS(w, r, parts[2])
		return
	}

	// Poll surface: /api/poll/{room}/{op}
	if len(parts) == 4 && parts[0] == "api" && parts[1] == "poll" {
		room := parts[2]
		if room == "" {
			writeError(w, http.StatusBadRequest, "MISSING_ROOM", "Room is required", nil)
			return
		}
		switch {
		case r.Method == http.MethodPost && parts[3] == "message":
			s.handlePollMessage(w, r, room)
			return
		case r.Method == http.MethodPost && parts[3] == "sync-doc":
			s.handlePollSync(w, r, room)
			return
		case r.Method == http.MethodGet && parts[3] == "stream":
			s.handlePollStream(w, r, room)
			return
		}
	}

	// Missing room segment on poll operations is a bad request, not a 404.
	if len(parts) == 3 && parts[0] == "api" && parts[1] == "poll" {
		writeError(w, http.StatusBadRequest, "MISSING_ROOM", "Room is required", nil)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleCollabWS(w http.ResponseWriter, r *http.Request, room string) {
	assertedName := r.URL.Query().Get("name")

	session, err := s.service.Admit(r.Context(), room, assertedName, r.Header)
	if err != nil {
		// Never leak which admission check failed.
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return
	}

	collab.ServeWS(w, r, s.service.Authority(), session, collab.WSOptions{
		PingInterval: s.service.cfg.PingInterval,
		PongTimeout:  s.service.cfg.PongTimeout,
	})
}

func (s *HTTPServer) handleResetConnections(w http.ResponseWriter, r *http.Request) {
	if !s.requireControlKey(w, r) {
		return
	}

	room := r.URL.Query().Get("room")
	if room == "" {
		writeError(w, http.StatusBadRequest, "MISSING_ROOM", "Room is required", nil)
		return
	}
	principal := r.URL.Query().Get("principal")

	s.service.ResetConnections(r.Context(), room, principal)

	// Count-agnostic confirmation: resetting a room with no sessions is not
	// an error.
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleConnectionInfo(w http.ResponseWriter, r *http.Request) {
	if !s.requireControlKey(w, r) {
		return
	}

	room := r.URL.Query().Get("room")
	sessionKey := r.URL.Query().Get("sessionKey")
	if room == "" || sessionKey == "" {
		writeError(w, http.StatusBadRequest, "MISSING_PARAMS", "Room and sessionKey are required", nil)
		return
	}

	info, err := s.service.ConnectionInfo(r.Context(), room, sessionKey)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if info.Empty {
		writeError(w, http.StatusNotFound, "NO_LIVE_SESSIONS", "Room has no live sessions", nil)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"count":  info.Count,
		"exists": info.Exists,
	})
}

func (s *HTTPServer) handlePollMessage(w http.ResponseWriter, r *http.Request, room string) {
	var body struct {
		Block string `json:"block"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	block, err := base64.StdEncoding.DecodeString(body.Block)
	if err != nil || len(block) == 0 {
		writeError(w, http.StatusBadRequest, "INVALID_BLOCK", "Block must be non-empty base64", nil)
		return
	}

	if err := s.service.PollMessage(r.Context(), room, r.Header, block); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handlePollSync(w http.ResponseWriter, r *http.Request, room string) {
	var body struct {
		State string `json:"state"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	state, err := base64.StdEncoding.DecodeString(body.State)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_STATE", "State must be base64", nil)
		return
	}

	delta, err := s.service.PollSync(r.Context(), room, r.Header, state)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"delta": base64.StdEncoding.EncodeToString(delta),
	})
}

func (s *HTTPServer) handlePollStream(w http.ResponseWriter, r *http.Request, room string) {
	session, liveRoom, err := s.service.PollSubscribe(r.Context(), room, r.Header)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	if err := poll.ServeStream(w, r, session, liveRoom); err != nil {
		log.Printf("stream ended room=%s: %v", room, err)
	}
}

func (s *HTTPServer) requireControlKey(w http.ResponseWriter, r *http.Request) bool {
	key := r.Header.Get("X-Api-Key")
	if key == "" || !auth.SecureCompare(key, s.service.cfg.ControlAPIKey) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return false
	}
	return true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Flush lets streamed responses pass through the recorder.
func (w *statusRecorder) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, X-Api-Key")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

