package session

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/quillforge/quill/internal/access"
	"github.com/quillforge/quill/internal/auth"
	"github.com/quillforge/quill/internal/crdt"
	"github.com/quillforge/quill/internal/docstore"
	"github.com/quillforge/quill/internal/presence"
	"go.uber.org/zap"
)

const (
	handshakeWait  = 10 * time.Second
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBufferSize = 64
)

// Session is one live connection bound to (documentId, userId, role). The
// role is resolved once at handshake and never upgraded mid-session; the
// token expiry is likewise checked only at handshake.
type Session struct {
	connID     string
	documentID string
	userID     string
	role       access.Role
	mode       Mode
	clientID   uint32
	state      State

	manager *Manager
	room    *room
	handle  *docstore.Handle
	conn    *websocket.Conn
	send    chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(m *Manager, conn *websocket.Conn) *Session {
	return &Session{
		connID:  uuid.NewString(),
		manager: m,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
		state:   StateConnecting,
	}
}

// authenticate reads the initial frame and verifies the presented token.
func (s *Session) authenticate() (auth.Claims, HandshakeRequest, bool) {
	s.state = StateAuthenticating
	_ = s.conn.SetReadDeadline(time.Now().Add(handshakeWait))

	var hs HandshakeRequest
	if _, frame, err := s.conn.ReadMessage(); err != nil {
		s.reject(CloseReasonProtocolError)
		return auth.Claims{}, HandshakeRequest{}, false
	} else if err := json.Unmarshal(frame, &hs); err != nil {
		s.reject(CloseReasonProtocolError)
		return auth.Claims{}, HandshakeRequest{}, false
	}
	if hs.DocumentID == "" {
		s.reject(CloseReasonProtocolError)
		return auth.Claims{}, HandshakeRequest{}, false
	}

	claims, err := s.manager.verifier.Verify(hs.Token)
	if err != nil {
		s.manager.logger.Warn("handshake token rejected",
			zap.String("doc_id", hs.DocumentID),
			zap.Error(err))
		s.reject(authCloseReason(err))
		return auth.Claims{}, HandshakeRequest{}, false
	}
	return claims, hs, true
}

func authCloseReason(err error) string {
	switch {
	case errors.Is(err, auth.ErrMissingToken):
		return CloseReasonNoToken
	case errors.Is(err, auth.ErrExpiredToken):
		return CloseReasonExpired
	case errors.Is(err, auth.ErrBadSignature):
		return CloseReasonBadSignature
	default:
		return CloseReasonMalformedToken
	}
}

func (s *Session) bind(claims auth.Claims, hs HandshakeRequest, mode Mode, role access.Role, handle *docstore.Handle) {
	s.documentID = hs.DocumentID
	s.userID = claims.UserID
	s.role = role
	s.mode = mode
	s.handle = handle
}

// run drives the connection from initial reconciliation through teardown.
func (s *Session) run() {
	go s.writePump()

	// Server opens reconciliation: the client answers our state vector
	// with exactly what we are missing, and sends its own SyncStep1 to
	// collect the reverse diff.
	s.state = StateSyncing
	if !s.sendSyncStep1() {
		s.shutdown()
		return
	}

	s.readLoop()
	s.shutdown()
}

func (s *Session) readLoop() {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var envelope Envelope
		if err := json.Unmarshal(frame, &envelope); err != nil {
			s.closeWith(CloseReasonProtocolError)
			return
		}
		if !s.handleEnvelope(envelope) {
			return
		}
	}
}

func (s *Session) handleEnvelope(envelope Envelope) bool {
	switch envelope.Type {
	case MessageSyncStep1:
		remote, err := crdt.DecodeStateVector(envelope.Payload)
		if err != nil {
			s.closeWith(CloseReasonProtocolError)
			return false
		}
		diff := s.handle.Diff(remote)
		if !s.sendEnvelope(MessageSyncStep2, diff) {
			return false
		}
		s.state = StateActive
		return true

	case MessageSyncStep2, MessageUpdate:
		update, err := crdt.DecodeUpdate(envelope.Payload)
		if err != nil {
			s.closeWith(CloseReasonProtocolError)
			return false
		}
		// An empty SyncStep2 is the protocol-mandated answer to our
		// opening SyncStep1 when the peer has nothing new; any session
		// may send it, including read-only ones.
		if update.Empty() {
			s.state = StateActive
			return true
		}
		if s.mode == ModeRead {
			s.manager.logger.Info("update on read-only session",
				zap.String("conn_id", s.connID),
				zap.String("doc_id", s.documentID),
				zap.String("user_id", s.userID))
			s.closeWith(CloseReasonReadOnlyWrite)
			return false
		}
		return s.mergeAndRelay(update)

	case MessageAwareness:
		return s.relayAwareness(envelope)

	default:
		s.closeWith(CloseReasonProtocolError)
		return false
	}
}

// mergeAndRelay merges an inbound update, rebroadcasts it to the room,
// and queues the new snapshot at the persistence gateway. The room lock
// spans merge and broadcast so peers never observe updates out of merge
// order for this document.
func (s *Session) mergeAndRelay(update crdt.Update) bool {
	frame, err := encodeEnvelope(MessageUpdate, update)
	if err != nil {
		s.closeWith(CloseReasonProtocolError)
		return false
	}

	s.room.mu.Lock()
	mergeErr := s.handle.Merge(update)
	if mergeErr == nil {
		s.room.broadcastLocked(s.connID, frame)
	}
	s.room.mu.Unlock()

	if mergeErr != nil {
		s.manager.logger.Error("update merge failed",
			zap.String("conn_id", s.connID),
			zap.String("doc_id", s.documentID),
			zap.Error(mergeErr))
		s.closeWith(CloseReasonProtocolError)
		return false
	}
	s.state = StateActive
	return true
}

// relayAwareness applies ephemeral presence state and fans it out. The
// client id is pinned to the session's own so a peer cannot impersonate
// another connection's presence.
func (s *Session) relayAwareness(envelope Envelope) bool {
	aw := envelope.Awareness
	if aw == nil {
		s.closeWith(CloseReasonProtocolError)
		return false
	}
	aw.ClientID = s.clientID

	if aw.Profile != nil {
		s.manager.presence.SetProfile(s.documentID, s.connID, presence.Profile{
			UserID:    aw.Profile.UserID,
			Name:      aw.Profile.Name,
			Color:     aw.Profile.Color,
			Email:     aw.Profile.Email,
			AvatarURL: aw.Profile.AvatarURL,
		})
	}
	var cursor *presence.Cursor
	if aw.Cursor != nil {
		cursor = &presence.Cursor{Anchor: aw.Cursor.Anchor, Head: aw.Cursor.Head}
	}
	if err := s.manager.presence.UpdateCursor(s.documentID, s.connID, cursor); err != nil {
		s.closeWith(CloseReasonProtocolError)
		return false
	}

	frame, err := json.Marshal(Envelope{Type: MessageAwareness, Awareness: aw})
	if err != nil {
		s.closeWith(CloseReasonProtocolError)
		return false
	}
	s.room.mu.Lock()
	s.room.broadcastLocked(s.connID, frame)
	s.room.mu.Unlock()
	return true
}

func (s *Session) sendSyncStep1() bool {
	payload, err := crdt.EncodeStateVector(s.handle.StateVector())
	if err != nil {
		return false
	}
	frame, err := json.Marshal(Envelope{Type: MessageSyncStep1, Payload: payload})
	if err != nil {
		return false
	}
	return s.trySend(frame)
}

func (s *Session) sendEnvelope(messageType string, update crdt.Update) bool {
	frame, err := encodeEnvelope(messageType, update)
	if err != nil {
		s.closeWith(CloseReasonProtocolError)
		return false
	}
	return s.trySend(frame)
}

func encodeEnvelope(messageType string, update crdt.Update) ([]byte, error) {
	payload, err := crdt.EncodeUpdate(update)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: messageType, Payload: payload})
}

// trySend queues a frame without blocking the caller. A session that
// cannot keep up is closed; it reconciles in one round trip on reconnect.
func (s *Session) trySend(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		s.closeWith(CloseReasonSlowConsumer)
		return false
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case frame, ok := <-s.send:
			if !ok {
				return
			}
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

// reject closes a connection that never became a session; nothing was
// registered, so there is nothing to unwind.
func (s *Session) reject(reason string) {
	s.state = StateRejected
	s.closeWith(reason)
}

// closeWith sends an explicit close reason and tears the transport down.
// Safe to call from any goroutine; only the first reason wins.
func (s *Session) closeWith(reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason)
		_ = s.conn.WriteControl(websocket.CloseMessage, message, time.Now().Add(writeWait))
		_ = s.conn.Close()
	})
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		close(s.done)
		_ = s.conn.Close()
	})
	s.state = StateClosed
}
