package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/devcircle/internal/auth"
	"github.com/MarcoPoloResearchLab/devcircle/internal/broker"
	"github.com/MarcoPoloResearchLab/devcircle/internal/chat"
	"github.com/MarcoPoloResearchLab/devcircle/internal/users"
	"github.com/gin-contrib/cors"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const identityContextKey = "devcircle_identity"

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingChatService    = errors.New("chat service dependency required")
	errMissingUserService    = errors.New("user service dependency required")
	errMissingBroker         = errors.New("delivery broker dependency required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenValidator resolves a bearer token into an identity.
type TokenValidator interface {
	ValidateToken(token string) (auth.Identity, error)
}

// Dependencies wires the HTTP surface.
type Dependencies struct {
	Tokens         TokenValidator
	Chat           *chat.Service
	Users          *users.Service
	Broker         *broker.Broker
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the gin router serving health, room REST, message REST
// and the real-time websocket.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if deps.Chat == nil {
		return nil, errMissingChatService
	}
	if deps.Users == nil {
		return nil, errMissingUserService
	}
	if deps.Broker == nil {
		return nil, errMissingBroker
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))
	router.Use(gzip.Gzip(gzip.DefaultCompression, gzip.WithExcludedPaths([]string{websocketPath})))

	handler := &httpHandler{
		tokens:  deps.Tokens,
		chat:    deps.Chat,
		users:   deps.Users,
		broker:  deps.Broker,
		origins: deps.AllowedOrigins,
		logger:  logger,
	}

	router.GET("/healthz", handler.handleHealth)
	router.GET(websocketPath, handler.handleWebSocket)

	api := router.Group("/api")
	api.Use(handler.authorizeRequest)
	api.POST("/rooms", handler.handleCreateRoom)
	api.GET("/rooms", handler.handleListRooms)
	api.POST("/rooms/:roomId/join", handler.handleJoinRoom)
	api.POST("/rooms/:roomId/leave", handler.handleLeaveRoom)
	api.POST("/rooms/:roomId/members", handler.handleAddMember)
	api.DELETE("/rooms/:roomId/members/:userId", handler.handleRemoveMember)
	api.GET("/rooms/:roomId/messages", handler.handleListMessages)
	api.POST("/rooms/:roomId/messages", handler.handlePostMessage)

	return router, nil
}

type httpHandler struct {
	tokens  TokenValidator
	chat    *chat.Service
	users   *users.Service
	broker  *broker.Broker
	origins []string
	logger  *zap.Logger
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	if allowsAnyOrigin(origins) {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
		config.AllowCredentials = true
	}
	return cors.New(config)
}

func allowsAnyOrigin(origins []string) bool {
	if len(origins) == 0 {
		return true
	}
	for _, origin := range origins {
		if strings.TrimSpace(origin) == "*" {
			return true
		}
	}
	return false
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	identity, err := h.validate(token)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(identityContextKey, identity)
	c.Next()
}

func (h *httpHandler) validate(token string) (auth.Identity, error) {
	identity, err := h.tokens.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		return auth.Identity{}, err
	}
	return identity, nil
}

func identityFrom(c *gin.Context) (auth.Identity, bool) {
	value, ok := c.Get(identityContextKey)
	if !ok {
		return auth.Identity{}, false
	}
	identity, ok := value.(auth.Identity)
	return identity, ok && identity.UserID != ""
}
