package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

const (
	websocketPath         = "/ws"
	accessTokenQueryParam = "access_token"
)

// handleWebSocket authenticates the handshake before upgrading. A missing or
// invalid token is refused with 401 and no broker state is created.
func (h *httpHandler) handleWebSocket(c *gin.Context) {
	token := bearerToken(c.Request)
	if token == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	identity, err := h.validate(token)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	if _, err := h.users.Touch(c.Request.Context(), identity); err != nil {
		h.logger.Warn("failed to record profile", zap.String("user_id", identity.UserID), zap.Error(err))
	}

	options := &websocket.AcceptOptions{}
	if allowsAnyOrigin(h.origins) {
		options.InsecureSkipVerify = true
	} else {
		options.OriginPatterns = originHosts(h.origins)
	}
	socket, err := websocket.Accept(c.Writer, c.Request, options)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	if err := h.broker.ServeWebSocket(c.Request.Context(), socket, identity); err != nil {
		h.logger.Warn("websocket session ended with error", zap.String("user_id", identity.UserID), zap.Error(err))
	}
}

func bearerToken(request *http.Request) string {
	header := request.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return strings.TrimSpace(request.URL.Query().Get(accessTokenQueryParam))
}

// originHosts turns configured origins into the host patterns the websocket
// library matches against the Origin header.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if index := strings.Index(trimmed, "://"); index >= 0 {
			trimmed = trimmed[index+3:]
		}
		trimmed = strings.TrimRight(trimmed, "/")
		if trimmed != "" {
			hosts = append(hosts, trimmed)
		}
	}
	return hosts
}
