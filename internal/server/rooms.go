package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/devcircle/internal/broker"
	"github.com/MarcoPoloResearchLab/devcircle/internal/chat"
	"github.com/MarcoPoloResearchLab/devcircle/internal/protocol"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type createRoomPayload struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Type        string   `json:"type"`
	Members     []string `json:"members"`
}

type addMemberPayload struct {
	UserID string `json:"userId"`
}

type postMessagePayload struct {
	Content   string `json:"content"`
	Encrypted bool   `json:"encrypted"`
}

type roomPayload struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Type        string    `json:"type"`
	CreatedBy   string    `json:"createdBy"`
	CreatedAt   time.Time `json:"createdAt"`
	Members     []string  `json:"members"`
}

func toRoomPayload(details chat.RoomDetails) roomPayload {
	members := details.Members
	if members == nil {
		members = []string{}
	}
	return roomPayload{
		ID:          details.ID,
		Name:        details.Name,
		Description: details.Description,
		Type:        string(details.Type),
		CreatedBy:   details.CreatedBy,
		CreatedAt:   details.CreatedAt,
		Members:     members,
	}
}

func (h *httpHandler) handleCreateRoom(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request createRoomPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	roomType, err := chat.ParseRoomType(request.Type)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_room_type"})
		return
	}
	details, err := h.chat.CreateRoom(c.Request.Context(), identity.UserID, chat.RoomSpec{
		Name:        request.Name,
		Description: request.Description,
		Type:        roomType,
		Members:     request.Members,
	})
	if err != nil {
		h.writeChatError(c, err)
		return
	}
	for _, memberID := range details.Members {
		h.subscribe(c.Request.Context(), memberID, details.ID)
	}
	c.JSON(http.StatusCreated, gin.H{"room": toRoomPayload(details)})
}

func (h *httpHandler) handleListRooms(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	rooms, err := h.chat.ListVisibleRooms(c.Request.Context(), identity.UserID)
	if err != nil {
		h.writeChatError(c, err)
		return
	}
	response := make([]roomPayload, 0, len(rooms))
	for _, room := range rooms {
		response = append(response, toRoomPayload(room))
	}
	c.JSON(http.StatusOK, gin.H{"rooms": response})
}

func (h *httpHandler) handleJoinRoom(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	roomID := c.Param("roomId")
	if err := h.chat.Join(c.Request.Context(), roomID, identity.UserID); err != nil {
		h.writeChatError(c, err)
		return
	}
	h.subscribe(c.Request.Context(), identity.UserID, roomID)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleLeaveRoom(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	roomID := c.Param("roomId")
	if err := h.chat.Leave(c.Request.Context(), roomID, identity.UserID); err != nil {
		h.writeChatError(c, err)
		return
	}
	h.unsubscribe(c.Request.Context(), identity.UserID, roomID)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleAddMember(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request addMemberPayload
	if err := c.ShouldBindJSON(&request); err != nil || strings.TrimSpace(request.UserID) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	roomID := c.Param("roomId")
	memberID := strings.TrimSpace(request.UserID)
	if err := h.chat.AddMember(c.Request.Context(), identity.UserID, roomID, memberID); err != nil {
		h.writeChatError(c, err)
		return
	}
	h.subscribe(c.Request.Context(), memberID, roomID)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleRemoveMember(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	roomID := c.Param("roomId")
	memberID := c.Param("userId")
	if err := h.chat.RemoveMember(c.Request.Context(), identity.UserID, roomID, memberID); err != nil {
		h.writeChatError(c, err)
		return
	}
	h.unsubscribe(c.Request.Context(), memberID, roomID)
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleListMessages(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	after, err := parseQueryInt(c.Query("after"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_after"})
		return
	}
	limit, err := parseQueryInt(c.Query("limit"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_limit"})
		return
	}
	stored, err := h.chat.ListMessages(c.Request.Context(), identity.UserID, c.Param("roomId"), after, int(limit))
	if err != nil {
		h.writeChatError(c, err)
		return
	}
	authors := make(map[string]protocol.Author)
	messages := make([]protocol.Message, 0, len(stored))
	for _, message := range stored {
		author, ok := authors[message.UserID]
		if !ok {
			author, err = h.users.Summary(c.Request.Context(), message.UserID)
			if err != nil {
				author = protocol.Author{ID: message.UserID, Username: message.UserID}
			}
			authors[message.UserID] = author
		}
		messages = append(messages, protocol.Message{
			ID:        message.ID,
			RoomID:    message.RoomID,
			UserID:    message.UserID,
			Content:   message.Content,
			Encrypted: message.Encrypted,
			Sequence:  message.Sequence,
			CreatedAt: message.CreatedAt,
			Author:    author,
		})
	}
	c.JSON(http.StatusOK, gin.H{"messages": messages})
}

// handlePostMessage is the replay target of queued offline sends. It goes
// through the broker so ordering and fan-out match a live send.
func (h *httpHandler) handlePostMessage(c *gin.Context) {
	identity, ok := identityFrom(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request postMessagePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	message, err := h.broker.SubmitMessage(c.Request.Context(), identity, protocol.SendMessagePayload{
		RoomID:    c.Param("roomId"),
		Content:   request.Content,
		Encrypted: request.Encrypted,
	})
	if err != nil {
		h.writeChatError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": message})
}

func (h *httpHandler) subscribe(ctx context.Context, userID, roomID string) {
	if err := h.broker.SubscribeUser(ctx, userID, roomID); err != nil {
		h.logger.Warn("failed to subscribe live connections",
			zap.String("user_id", userID),
			zap.String("room_id", roomID),
			zap.Error(err))
	}
}

func (h *httpHandler) unsubscribe(ctx context.Context, userID, roomID string) {
	if err := h.broker.UnsubscribeUser(ctx, userID, roomID); err != nil {
		h.logger.Warn("failed to unsubscribe live connections",
			zap.String("user_id", userID),
			zap.String("room_id", roomID),
			zap.Error(err))
	}
}

func (h *httpHandler) writeChatError(c *gin.Context, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	switch {
	case errors.Is(err, chat.ErrRoomNotFound):
		status, code = http.StatusNotFound, "room_not_found"
	case errors.Is(err, chat.ErrNotMember):
		status, code = http.StatusForbidden, "not_member"
	case errors.Is(err, chat.ErrForbidden):
		status, code = http.StatusForbidden, "forbidden"
	case errors.Is(err, chat.ErrEmptyContent):
		status, code = http.StatusBadRequest, "invalid_content"
	case errors.Is(err, chat.ErrContentTooLong):
		status, code = http.StatusRequestEntityTooLarge, "content_too_long"
	case errors.Is(err, chat.ErrInvalidRoom), errors.Is(err, chat.ErrInvalidUserID):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, broker.ErrMissingIdentity):
		status, code = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, broker.ErrBrokerStopped):
		status, code = http.StatusServiceUnavailable, "unavailable"
	}
	if status >= http.StatusInternalServerError {
		h.logger.Error("chat request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	var serviceErr *chat.ServiceError
	if errors.As(err, &serviceErr) && status < http.StatusInternalServerError {
		c.JSON(status, gin.H{"error": code, "code": serviceErr.Code()})
		return
	}
	c.JSON(status, gin.H{"error": code})
}

func parseQueryInt(raw string) (int64, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		return 0, errors.New("invalid integer")
	}
	return value, nil
}

