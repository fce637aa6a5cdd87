package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/quillforge/quill/internal/access"
	"github.com/quillforge/quill/internal/auth"
	"github.com/quillforge/quill/internal/docstore"
	"github.com/quillforge/quill/internal/presence"
	"go.uber.org/zap"
)

var (
	errMissingVerifier = errors.New("session: token verifier required")
	errMissingResolver = errors.New("session: permission resolver required")
	errMissingStore    = errors.New("session: document store required")
	errMissingPresence = errors.New("session: presence manager required")
)

// Dependencies wires the session manager to its collaborators.
type Dependencies struct {
	Verifier *auth.Verifier
	Resolver *access.Resolver
	Store    *docstore.Store
	Presence *presence.Manager
	Logger   *zap.Logger
}

type room struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

// Manager owns the connection lifecycle: handshake authentication and
// authorization, per-document rooms relaying CRDT and awareness traffic,
// and teardown on disconnect. Documents are isolated from one another; a
// failing connection never disturbs another room.
type Manager struct {
	verifier *auth.Verifier
	resolver *access.Resolver
	store    *docstore.Store
	presence *presence.Manager
	logger   *zap.Logger

	mu    sync.Mutex
	rooms map[string]*room

	// Client replica ids start above the reserved server replica.
	nextClientID atomic.Uint32
}

// NewManager constructs a Manager after validating its dependencies.
func NewManager(deps Dependencies) (*Manager, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.Resolver == nil {
		return nil, errMissingResolver
	}
	if deps.Store == nil {
		return nil, errMissingStore
	}
	if deps.Presence == nil {
		return nil, errMissingPresence
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	manager := &Manager{
		verifier: deps.Verifier,
		resolver: deps.Resolver,
		store:    deps.Store,
		presence: deps.Presence,
		logger:   logger,
		rooms:    make(map[string]*room),
	}
	manager.nextClientID.Store(1)
	return manager, nil
}

// SessionCount reports the number of live sessions on a document.
func (m *Manager) SessionCount(docID string) int {
	m.mu.Lock()
	r, ok := m.rooms[docID]
	m.mu.Unlock()
	if !ok {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// HandleConnection runs one connection end to end: handshake, sync, relay,
// teardown. It blocks until the connection closes and always leaves the
// presence table and room membership clean.
func (m *Manager) HandleConnection(ctx context.Context, conn *websocket.Conn) {
	s := newSession(m, conn)

	claims, hs, ok := s.authenticate()
	if !ok {
		return
	}

	role, err := m.resolver.ResolveRole(ctx, claims.UserID, hs.DocumentID)
	if err != nil {
		m.logger.Error("role resolution failed",
			zap.String("user_id", claims.UserID),
			zap.String("doc_id", hs.DocumentID),
			zap.Error(err))
		s.reject(CloseReasonAccessDenied)
		return
	}

	mode := hs.Mode
	if mode == "" {
		mode = ModeWrite
	}
	if reason, denied := denyReason(role, mode); denied {
		// Insufficient role is policy, not an application bug.
		m.logger.Info("session rejected",
			zap.String("user_id", claims.UserID),
			zap.String("doc_id", hs.DocumentID),
			zap.String("role", string(role)),
			zap.String("mode", string(mode)),
			zap.String("reason", reason))
		s.reject(reason)
		return
	}
	s.state = StateAuthorized

	handle, err := m.store.Open(ctx, hs.DocumentID)
	if err != nil {
		m.logger.Error("document open failed",
			zap.String("doc_id", hs.DocumentID),
			zap.Error(err))
		s.reject(CloseReasonProtocolError)
		return
	}

	s.bind(claims, hs, mode, role, handle)
	m.register(s, hs.ClientID)
	m.presence.Join(s.documentID, s.connID, s.clientID, presence.Profile{
		UserID: claims.UserID,
		Name:   claims.Name,
		Email:  claims.Email,
	})

	m.logger.Debug("session authorized",
		zap.String("conn_id", s.connID),
		zap.String("doc_id", s.documentID),
		zap.String("user_id", s.userID),
		zap.String("role", string(role)))

	s.run()
	m.unregister(s)
}

// denyReason applies the handshake access policy: live writable sessions
// require strictly owner or editor; a viewer asking to write is told to
// take the read-only path instead of being silently downgraded.
func denyReason(role access.Role, mode Mode) (string, bool) {
	switch mode {
	case ModeRead:
		if role.CanView() {
			return "", false
		}
		return CloseReasonAccessDenied, true
	default:
		if role.CanEdit() {
			return "", false
		}
		if role.CanView() {
			return CloseReasonReadOnlyWrite, true
		}
		return CloseReasonAccessDenied, true
	}
}

func (m *Manager) register(s *Session, requestedClientID uint32) {
	m.mu.Lock()
	r, ok := m.rooms[s.documentID]
	if !ok {
		r = &room{sessions: make(map[string]*Session)}
		m.rooms[s.documentID] = r
	}
	m.mu.Unlock()

	r.mu.Lock()
	s.clientID = m.claimClientIDLocked(r, requestedClientID)
	r.sessions[s.connID] = s
	r.mu.Unlock()
	s.room = r
}

// unregister removes the session from its room and drops its claim on
// the document. Every session pairs its Open with one Release; the store
// flushes and evicts when the last claim goes.
func (m *Manager) unregister(s *Session) {
	if s.room == nil {
		return
	}
	s.room.mu.Lock()
	delete(s.room.sessions, s.connID)
	empty := len(s.room.sessions) == 0
	s.room.mu.Unlock()

	m.presence.Leave(s.documentID, s.connID)

	if empty {
		m.mu.Lock()
		if r, ok := m.rooms[s.documentID]; ok && r == s.room {
			r.mu.Lock()
			stillEmpty := len(r.sessions) == 0
			r.mu.Unlock()
			if stillEmpty {
				delete(m.rooms, s.documentID)
			}
		}
		m.mu.Unlock()
	}
	m.store.Release(context.Background(), s.documentID)
}

// broadcast relays an already-merged frame to every other session in the
// room. The room lock is held by the caller across merge and broadcast so
// peers observe updates in merge order.
func (r *room) broadcastLocked(from string, frame []byte) {
	for connID, peer := range r.sessions {
		if connID == from {
			continue
		}
		peer.trySend(frame)
	}
}

// claimClientIDLocked picks the session's replica id under the room lock.
// A requested id above the reserved range is honored unless another live
// session on the document already holds it; collisions fall back to a
// fresh allocation so two connections never share a replica identity.
func (m *Manager) claimClientIDLocked(r *room, requested uint32) uint32 {
	taken := func(id uint32) bool {
		for _, peer := range r.sessions {
			if peer.clientID == id {
				return true
			}
		}
		return false
	}
	if requested > 1 && !taken(requested) {
		return requested
	}
	for {
		id := m.nextClientID.Add(1)
		if !taken(id) {
			return id
		}
	}
}
