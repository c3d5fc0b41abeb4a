// Package protocol defines the JSON wire format exchanged between the real-time
// channel client and the delivery broker.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Client to server commands.
const (
	CommandJoinRoom    = "join_room"
	CommandLeaveRoom   = "leave_room"
	CommandSendMessage = "send_message"
	CommandTypingStart = "typing_start"
	CommandTypingStop  = "typing_stop"
)

// Server to client events.
const (
	EventOnlineUsers         = "online_users"
	EventNewMessage          = "new_message"
	EventUserTyping          = "user_typing"
	EventUserStopTyping      = "user_stop_typing"
	EventMessageNotification = "message_notification"
	EventError               = "error"
)

var (
	ErrUnknownCommand   = errors.New("protocol: unknown command")
	ErrMalformedPayload = errors.New("protocol: malformed payload")
	ErrMissingRoomID    = errors.New("protocol: room id required")
)

// Envelope is the frame carried by every websocket message in either direction.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope for the named event.
func NewEnvelope(event string, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: raw}, nil
}

// Decode unmarshals the envelope data into target.
func (e Envelope) Decode(target any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrMalformedPayload, e.Event)
	}
	if err := json.Unmarshal(e.Data, target); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, e.Event, err)
	}
	return nil
}

// SendMessagePayload is the data of a send_message command.
type SendMessagePayload struct {
	RoomID    string `json:"roomId"`
	Content   string `json:"content"`
	Encrypted bool   `json:"encrypted"`
}

// Author is the summary of the sender embedded in a new_message event.
type Author struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
}

// Message is a persisted chat message as broadcast by the broker.
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	Content   string    `json:"content"`
	Encrypted bool      `json:"encrypted"`
	Sequence  int64     `json:"sequence"`
	CreatedAt time.Time `json:"createdAt"`
	Author    Author    `json:"author"`
}

// TypingPayload is the data of user_typing and user_stop_typing events.
type TypingPayload struct {
	RoomID   string `json:"roomId"`
	Username string `json:"username"`
}

// NotificationPayload is delivered on a member's personal channel when a message
// arrives in one of their rooms.
type NotificationPayload struct {
	RoomID    string `json:"roomId"`
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
}

// ErrorPayload is the data of an error event.
type ErrorPayload struct {
	Message string `json:"message"`
}

// Command is a decoded client to server command.
type Command struct {
	Name      string
	RoomID    string
	Content   string
	Encrypted bool
}

// ParseCommand validates an inbound envelope and decodes it into a Command.
func ParseCommand(envelope Envelope) (Command, error) {
	name := strings.TrimSpace(envelope.Event)
	switch name {
	case CommandJoinRoom, CommandLeaveRoom, CommandTypingStart, CommandTypingStop:
		var roomID string
		if err := envelope.Decode(&roomID); err != nil {
			return Command{}, err
		}
		roomID = strings.TrimSpace(roomID)
		if roomID == "" {
			return Command{}, ErrMissingRoomID
		}
		return Command{Name: name, RoomID: roomID}, nil
	case CommandSendMessage:
		var payload SendMessagePayload
		if err := envelope.Decode(&payload); err != nil {
			return Command{}, err
		}
		roomID := strings.TrimSpace(payload.RoomID)
		if roomID == "" {
			return Command{}, ErrMissingRoomID
		}
		return Command{Name: name, RoomID: roomID, Content: payload.Content, Encrypted: payload.Encrypted}, nil
	default:
		return Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, envelope.Event)
	}
}

// Envelope encodes the command for the wire.
func (c Command) Envelope() (Envelope, error) {
	switch c.Name {
	case CommandJoinRoom, CommandLeaveRoom, CommandTypingStart, CommandTypingStop:
		return NewEnvelope(c.Name, c.RoomID)
	case CommandSendMessage:
		return NewEnvelope(c.Name, SendMessagePayload{RoomID: c.RoomID, Content: c.Content, Encrypted: c.Encrypted})
	default:
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownCommand, c.Name)
	}
}
