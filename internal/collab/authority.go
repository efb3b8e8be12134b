package collab

import (
	"context"
	"errors"
	"log"
	"net/http"

	"github.com/google/uuid"

	"syncroom/internal/ability"
	"syncroom/internal/auth"
	"syncroom/internal/util"
)

var (
	// ErrAdmissionRejected covers every admission failure. Each cause gets
	// its own log line; the client only ever sees a generic Forbidden.
	ErrAdmissionRejected = errors.New("admission rejected")
	// ErrDocumentNotFound is reported by the poll surface when the target
	// document cannot be resolved at all.
	ErrDocumentNotFound = errors.New("document not found")
)

// AbilityResolver resolves a caller's abilities for one document from the
// external authorization service.
type AbilityResolver interface {
	Resolve(ctx context.Context, docID string, credentials http.Header) (ability.Set, error)
}

// Grant is the outcome of a successful authorization: the resolved
// capability plus best-effort identity. ReadOnly is fixed for the lifetime
// of whatever session the grant backs; capability changes take effect only
// on reconnect.
type Grant struct {
	ReadOnly    bool
	PrincipalID string
	SessionKey  string
}

// Authority performs admission control for live and polling sessions.
type Authority struct {
	registry  *Registry
	abilities AbilityResolver

	sessionSecret []byte
	sessionCookie string
}

func NewAuthority(registry *Registry, abilities AbilityResolver, sessionSecret []byte, sessionCookie string) *Authority {
	return &Authority{
		registry:      registry,
		abilities:     abilities,
		sessionSecret: sessionSecret,
		sessionCookie: sessionCookie,
	}
}

func (a *Authority) Registry() *Registry {
	return a.registry
}

// Admit runs the live-channel admission checks in order, each a hard
// rejection on failure:
//  1. the asserted document name must equal the room id,
//  2. the room id must be a well-formed version-4 identifier,
//  3. the caller must hold the retrieve ability for the document.
//
// On success the session is attached to the room's fan-out set and
// registered in presence.
func (a *Authority) Admit(ctx context.Context, roomID, assertedName string, credentials http.Header) (*Session, error) {
	if assertedName != roomID {
		// Mismatch between the handshake's self-asserted document and the
		// requested room is a probable tampering attempt.
		log.Printf("ADMISSION REJECTED: room/name mismatch room=%q name=%q", roomID, assertedName)
		return nil, ErrAdmissionRejected
	}

	grant, err := a.Authorize(ctx, roomID, credentials)
	if err != nil {
		if errors.Is(err, ErrDocumentNotFound) {
			return nil, ErrAdmissionRejected
		}
		return nil, err
	}
	return a.attach(ctx, roomID, grant)
}

// AdmitPoll admits a streaming poll session. There is no self-asserted
// handshake name on the poll surface, so check 1 does not apply; the
// remaining checks match the live channel.
func (a *Authority) AdmitPoll(ctx context.Context, roomID string, credentials http.Header) (*Session, error) {
	grant, err := a.Authorize(ctx, roomID, credentials)
	if err != nil {
		return nil, err
	}
	return a.attach(ctx, roomID, grant)
}

// Authorize resolves a caller's grant for a room without attaching a
// session. Used directly by the one-shot poll operations.
func (a *Authority) Authorize(ctx context.Context, roomID string, credentials http.Header) (Grant, error) {
	if !validRoomID(roomID) {
		// Rejected before any backend lookup.
		log.Printf("ADMISSION REJECTED: malformed room id %q", roomID)
		return Grant{}, ErrAdmissionRejected
	}

	set, err := a.abilities.Resolve(ctx, roomID, credentials)
	if err != nil {
		switch {
		case errors.Is(err, ability.ErrUnreachable):
			log.Printf("ADMISSION REJECTED: ability backend unreachable room=%s: %v", roomID, err)
			return Grant{}, ErrAdmissionRejected
		case errors.Is(err, ability.ErrNotFound):
			log.Printf("ADMISSION REJECTED: unknown document room=%s", roomID)
			return Grant{}, ErrDocumentNotFound
		default:
			log.Printf("ADMISSION REJECTED: forbidden room=%s", roomID)
			return Grant{}, ErrAdmissionRejected
		}
	}

	// Principal and session-correlation key are best-effort; anonymous and
	// public callers still get a grant.
	principalID, sessionKey := a.resolveIdentity(credentials)
	if sessionKey == "" {
		sessionKey = util.NewID("conn")
	}

	return Grant{
		ReadOnly:    !set.Can(ability.Update),
		PrincipalID: principalID,
		SessionKey:  sessionKey,
	}, nil
}

func (a *Authority) attach(ctx context.Context, roomID string, grant Grant) (*Session, error) {
	session := newSession(roomID, grant.ReadOnly, grant.PrincipalID, grant.SessionKey)

	room, err := a.registry.room(ctx, roomID)
	if err != nil {
		log.Printf("ADMISSION REJECTED: room state load failed room=%s: %v", roomID, err)
		return nil, ErrAdmissionRejected
	}

	if err := a.registry.presence.Join(ctx, roomID, grant.SessionKey, grant.ReadOnly); err != nil {
		log.Printf("presence join failed room=%s: %v", roomID, err)
	}

	a.registry.mu.Lock()
	room.attach(session)
	a.registry.mu.Unlock()

	return session, nil
}

// Room returns the live room for an admitted session.
func (a *Authority) Room(ctx context.Context, s *Session) (*Room, error) {
	return a.registry.room(ctx, s.RoomID)
}

// OpenRoom loads the live room for an authorized one-shot operation.
func (a *Authority) OpenRoom(ctx context.Context, roomID string) (*Room, error) {
	return a.registry.room(ctx, roomID)
}

func (a *Authority) resolveIdentity(credentials http.Header) (principalID, sessionKey string) {
	cookies := (&http.Request{Header: credentials}).Cookies()
	for _, c := range cookies {
		if c.Name != a.sessionCookie {
			continue
		}
		claims, err := auth.ParseToken(a.sessionSecret, c.Value)
		if err != nil {
			return "", ""
		}
		return claims.Sub, claims.SID
	}
	return "", ""
}

// validRoomID accepts only canonically formed version-4 identifiers.
func validRoomID(id string) bool {
	u, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	return u.Version() == 4 && len(id) == 36
}
