package app

import (
	"context"
	"log"
	"net/http"
	"time"

	"syncroom/internal/collab"
	"syncroom/internal/config"
	"syncroom/internal/poll"
	"syncroom/internal/presence"
)

// Service wires the connection authority, the poll bridge, and the presence
// store behind the HTTP surface.
type Service struct {
	cfg       config.Config
	authority *collab.Authority
	bridge    *poll.Bridge
	presence  *presence.Store
	docs      collab.DocumentStore
}

func New(cfg config.Config, docs collab.DocumentStore, pres *presence.Store, abilities collab.AbilityResolver) *Service {
	registry := collab.NewRegistry(docs, pres, cfg.RefreshOnActivity)
	authority := collab.NewAuthority(registry, abilities, []byte(cfg.SessionSecret), cfg.SessionCookie)
	return &Service{
		cfg:       cfg,
		authority: authority,
		bridge:    poll.NewBridge(authority),
		presence:  pres,
		docs:      docs,
	}
}

func (s *Service) Authority() *collab.Authority {
	return s.authority
}

// Admit runs live-channel admission for one connection attempt.
func (s *Service) Admit(ctx context.Context, roomID, assertedName string, credentials http.Header) (*collab.Session, error) {
	return s.authority.Admit(ctx, roomID, assertedName, credentials)
}

// ResetConnections force-closes a room's sessions, optionally scoped to one
// principal. Safe with zero matching sessions.
func (s *Service) ResetConnections(ctx context.Context, roomID, principalID string) int {
	n := s.authority.Registry().ResetConnections(ctx, roomID, principalID)
	log.Printf("reset-connections room=%s principal=%q closed=%d", roomID, principalID, n)
	return n
}

// ConnectionInfo recomputes the presence view for a room.
func (s *Service) ConnectionInfo(ctx context.Context, roomID, sessionKey string) (presence.Info, error) {
	return s.presence.Lookup(ctx, roomID, sessionKey)
}

// PollSync merges a client's last-known state and returns the missing delta.
func (s *Service) PollSync(ctx context.Context, roomID string, credentials http.Header, localState []byte) ([]byte, error) {
	return s.bridge.Sync(ctx, roomID, credentials, localState)
}

// PollMessage merges one update block submitted over the poll surface.
func (s *Service) PollMessage(ctx context.Context, roomID string, credentials http.Header, block []byte) error {
	return s.bridge.PostMessage(ctx, roomID, credentials, block)
}

// PollSubscribe admits a streaming poll session.
func (s *Service) PollSubscribe(ctx context.Context, roomID string, credentials http.Header) (*collab.Session, *collab.Room, error) {
	return s.bridge.Subscribe(ctx, roomID, credentials)
}

// Shutdown detaches every live session, persisting room state.
func (s *Service) Shutdown(ctx context.Context) {
	s.authority.Registry().CloseAll(ctx)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Ping checks the backing services that admission depends on.
func (s *Service) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.presence.Ping(ctx); err != nil {
		return err
	}
	if p, ok := s.docs.(pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}
