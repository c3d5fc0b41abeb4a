package realtime

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/devcircle/internal/protocol"
)

// Event is one inbound occurrence on a channel. The concrete types are
// OnlineUsers, NewMessage, Typing, Notification, ServerError and StateChanged.
type Event interface {
	event()
}

// OnlineUsers replaces the roster of connected identities.
type OnlineUsers struct {
	UserIDs []string
}

// NewMessage carries a message persisted and broadcast by the broker.
type NewMessage struct {
	Message protocol.Message
}

// Typing reports that Username started (Active) or stopped typing in RoomID.
type Typing struct {
	RoomID   string
	Username string
	Active   bool
}

// Notification is delivered on the personal channel for messages in member rooms.
type Notification struct {
	RoomID    string
	MessageID string
	SenderID  string
}

// ServerError is an error event pushed by the broker. It is never retried.
type ServerError struct {
	Message string
}

// StateChanged reports a channel state transition. Err is set when the
// transition was caused by a failure.
type StateChanged struct {
	State State
	Err   error
}

func (OnlineUsers) event()  {}
func (NewMessage) event()   {}
func (Typing) event()       {}
func (Notification) event() {}
func (ServerError) event()  {}
func (StateChanged) event() {}

// decodeEvent maps a wire envelope onto its typed event.
func decodeEvent(envelope protocol.Envelope) (Event, error) {
	switch envelope.Event {
	case protocol.EventOnlineUsers:
		var users []string
		if err := envelope.Decode(&users); err != nil {
			return nil, err
		}
		return OnlineUsers{UserIDs: users}, nil
	case protocol.EventNewMessage:
		var message protocol.Message
		if err := envelope.Decode(&message); err != nil {
			return nil, err
		}
		return NewMessage{Message: message}, nil
	case protocol.EventUserTyping, protocol.EventUserStopTyping:
		var payload protocol.TypingPayload
		if err := envelope.Decode(&payload); err != nil {
			return nil, err
		}
		return Typing{RoomID: payload.RoomID, Username: payload.Username, Active: envelope.Event == protocol.EventUserTyping}, nil
	case protocol.EventMessageNotification:
		var payload protocol.NotificationPayload
		if err := envelope.Decode(&payload); err != nil {
			return nil, err
		}
		return Notification{RoomID: payload.RoomID, MessageID: payload.MessageID, SenderID: payload.SenderID}, nil
	case protocol.EventError:
		var payload protocol.ErrorPayload
		if err := envelope.Decode(&payload); err != nil {
			return nil, err
		}
		return ServerError{Message: payload.Message}, nil
	default:
		return nil, fmt.Errorf("realtime: unknown event %q", envelope.Event)
	}
}
