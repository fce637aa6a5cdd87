package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrInvalidCursor indicates a cursor with a negative anchor or head.
	ErrInvalidCursor = errors.New("presence: cursor offsets must be non-negative")
	noOpLogger       = zap.NewNop()
)

// Profile is the user-visible identity attached to a session.
type Profile struct {
	UserID    string
	Name      string
	Color     string
	Email     string
	AvatarURL string
}

// Cursor is a selection range in the document. A nil cursor means the
// session has no selection; peers observe the cleared state explicitly.
type Cursor struct {
	Anchor int
	Head   int
}

// State is the ephemeral awareness record for one open session. It is
// never persisted and lives exactly as long as the connection.
type State struct {
	ConnID     string
	ClientID   uint32
	Profile    Profile
	Cursor     *Cursor
	LastActive time.Time
}

type docPresence struct {
	states map[string]*State
	subs   map[int64]func(users []State)
}

// Manager tracks per-document awareness tables. Every mutation stamps the
// session's LastActive; removal is driven by connection loss, with a
// periodic sweep that only reports entries gone quiet.
type Manager struct {
	clock  func() time.Time
	logger *zap.Logger

	mu      sync.Mutex
	docs    map[string]*docPresence
	nextSub int64
}

// ManagerConfig describes the inputs required to build a Manager.
type ManagerConfig struct {
	Clock  func() time.Time
	Logger *zap.Logger
}

// NewManager constructs a Manager with the provided configuration.
func NewManager(cfg ManagerConfig) *Manager {
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Manager{
		clock:  clock,
		logger: logger,
		docs:   make(map[string]*docPresence),
	}
}

// Join registers a session's awareness state on a document.
func (m *Manager) Join(docID, connID string, clientID uint32, profile Profile) {
	m.mu.Lock()
	doc := m.docLocked(docID)
	doc.states[connID] = &State{
		ConnID:     connID,
		ClientID:   clientID,
		Profile:    profile,
		LastActive: m.clock().UTC(),
	}
	m.notifyLocked(docID, doc)
	m.mu.Unlock()
}

// Leave removes a session's awareness state. Called on connection loss.
func (m *Manager) Leave(docID, connID string) {
	m.mu.Lock()
	doc, ok := m.docs[docID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(doc.states, connID)
	m.notifyLocked(docID, doc)
	if len(doc.states) == 0 && len(doc.subs) == 0 {
		delete(m.docs, docID)
	}
	m.mu.Unlock()
}

// SetProfile replaces a session's profile.
func (m *Manager) SetProfile(docID, connID string, profile Profile) {
	m.mu.Lock()
	if state, ok := m.stateLocked(docID, connID); ok {
		state.Profile = profile
		state.LastActive = m.clock().UTC()
		m.notifyLocked(docID, m.docs[docID])
	}
	m.mu.Unlock()
}

// UpdateCursor replaces a session's cursor. A nil cursor clears the
// selection; peers see cursor null, not an absent record.
func (m *Manager) UpdateCursor(docID, connID string, cursor *Cursor) error {
	if cursor != nil && (cursor.Anchor < 0 || cursor.Head < 0) {
		return fmt.Errorf("%w: anchor=%d head=%d", ErrInvalidCursor, cursor.Anchor, cursor.Head)
	}
	m.mu.Lock()
	if state, ok := m.stateLocked(docID, connID); ok {
		if cursor == nil {
			state.Cursor = nil
		} else {
			c := *cursor
			state.Cursor = &c
		}
		state.LastActive = m.clock().UTC()
		m.notifyLocked(docID, m.docs[docID])
	}
	m.mu.Unlock()
	return nil
}

// OnlineUsers returns every tracked state on the document except the
// caller's own connection.
func (m *Manager) OnlineUsers(docID, selfConnID string) []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.docs[docID]
	if !ok {
		return nil
	}
	users := make([]State, 0, len(doc.states))
	for connID, state := range doc.states {
		if connID == selfConnID {
			continue
		}
		users = append(users, copyState(state))
	}
	sortStates(users)
	return users
}

// ActiveEditors returns online users currently positioned in the document
// (cursor set). This is a UI affordance only; write permission is decided
// at handshake, never inferred from cursor presence.
func (m *Manager) ActiveEditors(docID, selfConnID string) []State {
	return m.partition(docID, selfConnID, true)
}

// Passive returns online users connected without a selection.
func (m *Manager) Passive(docID, selfConnID string) []State {
	return m.partition(docID, selfConnID, false)
}

// Subscribe registers a callback invoked synchronously whenever the
// document's awareness table changes. The returned closure unsubscribes.
func (m *Manager) Subscribe(docID string, fn func(users []State)) func() {
	m.mu.Lock()
	doc := m.docLocked(docID)
	m.nextSub++
	id := m.nextSub
	doc.subs[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		if doc, ok := m.docs[docID]; ok {
			delete(doc.subs, id)
			if len(doc.states) == 0 && len(doc.subs) == 0 {
				delete(m.docs, docID)
			}
		}
		m.mu.Unlock()
	}
}

// RunSweeper periodically scans all tracked states and reports entries
// inactive beyond idleTimeout. It never removes state: a peer's awareness
// is scoped to its connection, so removal belongs to the disconnect path.
func (m *Manager) RunSweeper(ctx context.Context, interval, idleTimeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(idleTimeout)
		}
	}
}

func (m *Manager) sweep(idleTimeout time.Duration) {
	cutoff := m.clock().UTC().Add(-idleTimeout)
	m.mu.Lock()
	defer m.mu.Unlock()
	for docID, doc := range m.docs {
		for connID, state := range doc.states {
			if state.LastActive.Before(cutoff) {
				m.logger.Info("stale awareness entry",
					zap.String("doc_id", docID),
					zap.String("conn_id", connID),
					zap.String("user_id", state.Profile.UserID),
					zap.Time("last_active", state.LastActive))
			}
		}
	}
}

func (m *Manager) partition(docID, selfConnID string, withCursor bool) []State {
	users := m.OnlineUsers(docID, selfConnID)
	filtered := users[:0]
	for _, user := range users {
		if (user.Cursor != nil) == withCursor {
			filtered = append(filtered, user)
		}
	}
	return filtered
}

func (m *Manager) docLocked(docID string) *docPresence {
	doc, ok := m.docs[docID]
	if !ok {
		doc = &docPresence{
			states: make(map[string]*State),
			subs:   make(map[int64]func(users []State)),
		}
		m.docs[docID] = doc
	}
	return doc
}

func (m *Manager) stateLocked(docID, connID string) (*State, bool) {
	doc, ok := m.docs[docID]
	if !ok {
		return nil, false
	}
	state, ok := doc.states[connID]
	return state, ok
}

func (m *Manager) notifyLocked(docID string, doc *docPresence) {
	if len(doc.subs) == 0 {
		return
	}
	users := make([]State, 0, len(doc.states))
	for _, state := range doc.states {
		users = append(users, copyState(state))
	}
	sortStates(users)
	for _, fn := range doc.subs {
		fn(users)
	}
}

func copyState(state *State) State {
	copied := *state
	if state.Cursor != nil {
		cursor := *state.Cursor
		copied.Cursor = &cursor
	}
	return copied
}

func sortStates(users []State) {
	sort.Slice(users, func(i, j int) bool {
		return users[i].ConnID < users[j].ConnID
	})
}
