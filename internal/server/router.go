package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/quillforge/quill/internal/access"
	"github.com/quillforge/quill/internal/auth"
	"github.com/quillforge/quill/internal/presence"
	"github.com/quillforge/quill/internal/session"
	"go.uber.org/zap"
)

const userIDContextKey = "quill_user_id"

var (
	errMissingVerifier = errors.New("token verifier dependency required")
	errMissingResolver = errors.New("permission resolver dependency required")
	errMissingSessions = errors.New("session manager dependency required")
	errMissingPresence = errors.New("presence manager dependency required")
)

// Dependencies wires the HTTP surface to the collaboration core.
type Dependencies struct {
	Verifier       *auth.Verifier
	Resolver       *access.Resolver
	Sessions       *session.Manager
	Presence       *presence.Manager
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router exposing the collaboration
// endpoints: the WebSocket upgrade and the presence query for UI use.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Verifier == nil {
		return nil, errMissingVerifier
	}
	if deps.Resolver == nil {
		return nil, errMissingResolver
	}
	if deps.Sessions == nil {
		return nil, errMissingSessions
	}
	if deps.Presence == nil {
		return nil, errMissingPresence
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	corsOrigins := deps.AllowedOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: corsOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		verifier:       deps.Verifier,
		resolver:       deps.Resolver,
		sessions:       deps.Sessions,
		presence:       deps.Presence,
		allowedOrigins: deps.AllowedOrigins,
		logger:         logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced explicitly before upgrading so a
			// rejected origin gets a distinguishable HTTP error.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET("/collab/ws", handler.handleCollabSocket)

	protected := router.Group("/collab")
	protected.Use(handler.authorizeRequest)
	protected.GET("/documents/:documentId/presence", handler.handlePresenceQuery)

	return router, nil
}

type httpHandler struct {
	verifier       *auth.Verifier
	resolver       *access.Resolver
	sessions       *session.Manager
	presence       *presence.Manager
	allowedOrigins []string
	logger         *zap.Logger
	upgrader       websocket.Upgrader
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleCollabSocket(c *gin.Context) {
	if !h.originAllowed(c.Request) {
		h.logger.Warn("connection origin rejected",
			zap.String("origin", c.GetHeader("Origin")))
		c.JSON(http.StatusForbidden, gin.H{"error": session.CloseReasonOriginNotAllowed})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	h.sessions.HandleConnection(c.Request.Context(), conn)
}

// originAllowed applies the handshake-time origin allow-list. An empty
// configured list admits any origin.
func (h *httpHandler) originAllowed(r *http.Request) bool {
	if len(h.allowedOrigins) == 0 {
		return true
	}
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		// Non-browser clients send no Origin; the allow-list targets
		// cross-site browser access.
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}

type presenceUserPayload struct {
	ClientID   uint32                 `json:"clientId"`
	UserID     string                 `json:"userId"`
	Name       string                 `json:"name,omitempty"`
	Color      string                 `json:"color,omitempty"`
	AvatarURL  string                 `json:"avatarUrl,omitempty"`
	Cursor     *session.CursorPayload `json:"cursor"`
	LastActive int64                  `json:"lastActiveS"`
}

func (h *httpHandler) handlePresenceQuery(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	documentID := c.Param("documentId")

	role, err := h.resolver.ResolveRole(c.Request.Context(), userID, documentID)
	if err != nil {
		h.logger.Error("presence role resolution failed",
			zap.String("doc_id", documentID),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "resolve_failed"})
		return
	}
	if !role.CanView() {
		c.JSON(http.StatusForbidden, gin.H{"error": session.CloseReasonAccessDenied})
		return
	}

	users := h.presence.OnlineUsers(documentID, "")
	payload := make([]presenceUserPayload, 0, len(users))
	for _, user := range users {
		entry := presenceUserPayload{
			ClientID:   user.ClientID,
			UserID:     user.Profile.UserID,
			Name:       user.Profile.Name,
			Color:      user.Profile.Color,
			AvatarURL:  user.Profile.AvatarURL,
			LastActive: user.LastActive.Unix(),
		}
		if user.Cursor != nil {
			entry.Cursor = &session.CursorPayload{Anchor: user.Cursor.Anchor, Head: user.Cursor.Head}
		}
		payload = append(payload, entry)
	}
	c.JSON(http.StatusOK, gin.H{"users": payload})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	claims, err := h.verifier.Verify(token)
	if err != nil {
		h.logger.Warn("request token rejected", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, claims.UserID)
	c.Next()
}
