package session

// Message types exchanged after a successful handshake. CRDT payloads are
// opaque CBOR blobs carried base64-encoded inside a JSON envelope; the
// sync contract is that SyncStep1 -> SyncStep2 completes in one round
// trip regardless of how far the peers have diverged.
const (
	MessageSyncStep1 = "sync_step1"
	MessageSyncStep2 = "sync_step2"
	MessageUpdate    = "update"
	MessageAwareness = "awareness"
)

// Close reasons reported on rejected or torn-down connections. Clients
// branch on these (for example redirecting a read-only-write-attempt to a
// non-collaborative read path), so they are never collapsed into a
// generic failure.
const (
	CloseReasonNoToken          = "no-token"
	CloseReasonMalformedToken   = "malformed-token"
	CloseReasonBadSignature     = "bad-signature"
	CloseReasonExpired          = "expired"
	CloseReasonAccessDenied     = "access-denied"
	CloseReasonReadOnlyWrite    = "read-only-write-attempt"
	CloseReasonOriginNotAllowed = "origin-not-allowed"
	CloseReasonProtocolError    = "protocol-error"
	CloseReasonSlowConsumer     = "slow-consumer"
)

// Mode is the session type requested at handshake.
type Mode string

const (
	// ModeWrite is a live editing session; requires owner or editor.
	ModeWrite Mode = "write"
	// ModeRead is an explicitly read-only session; viewers receive sync
	// and awareness traffic but may not submit updates.
	ModeRead Mode = "read"
)

// HandshakeRequest is the connection's initial frame.
type HandshakeRequest struct {
	Token      string `json:"token"`
	DocumentID string `json:"documentId"`
	Mode       Mode   `json:"mode,omitempty"`
	ClientID   uint32 `json:"clientId,omitempty"`
}

// Envelope frames every post-handshake message in both directions.
type Envelope struct {
	Type      string            `json:"type"`
	Payload   []byte            `json:"payload,omitempty"`
	Awareness *AwarenessPayload `json:"awareness,omitempty"`
}

// AwarenessPayload carries one session's ephemeral presence state. Cursor
// is serialized without omitempty so a cleared selection is observed as
// an explicit null rather than a missing field.
type AwarenessPayload struct {
	ClientID uint32          `json:"clientId"`
	Profile  *ProfilePayload `json:"profile,omitempty"`
	Cursor   *CursorPayload  `json:"cursor"`
}

// ProfilePayload is the wire form of a presence profile.
type ProfilePayload struct {
	UserID    string `json:"userId"`
	Name      string `json:"name,omitempty"`
	Color     string `json:"color,omitempty"`
	Email     string `json:"email,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// CursorPayload is the wire form of a selection range.
type CursorPayload struct {
	Anchor int `json:"anchor"`
	Head   int `json:"head"`
}
