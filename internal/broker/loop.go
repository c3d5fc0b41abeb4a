package broker

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/devcircle/internal/auth"
	"github.com/MarcoPoloResearchLab/devcircle/internal/chat"
	"github.com/MarcoPoloResearchLab/devcircle/internal/protocol"
	"go.uber.org/zap"
)

const (
	roomGroupPrefix     = "room:"
	personalGroupPrefix = "user:"
)

func roomGroup(roomID string) string {
	return roomGroupPrefix + strings.TrimSpace(roomID)
}

func personalGroup(userID string) string {
	return personalGroupPrefix + strings.TrimSpace(userID)
}

func (b *Broker) register(ctx context.Context, conn *Connection) error {
	roomIDs, err := b.chat.ListRoomIDsForMember(ctx, conn.identity.UserID)
	if err != nil {
		b.logger.Error("failed to load room memberships",
			zap.String("user_id", conn.identity.UserID),
			zap.Error(err))
		return err
	}
	cameOnline, err := b.presence.Connected(ctx, conn.identity.UserID)
	if err != nil {
		b.logger.Error("failed to record presence",
			zap.String("user_id", conn.identity.UserID),
			zap.Error(err))
		return err
	}

	b.connections[conn.id] = conn
	b.subscribe(conn, personalGroup(conn.identity.UserID))
	for _, roomID := range roomIDs {
		b.subscribe(conn, roomGroup(roomID))
	}
	b.logger.Info("connection registered",
		zap.String("connection_id", conn.id),
		zap.String("user_id", conn.identity.UserID),
		zap.Int("rooms", len(roomIDs)))

	if cameOnline {
		b.broadcastRoster(ctx, nil)
		return nil
	}
	b.broadcastRoster(ctx, conn)
	return nil
}

func (b *Broker) unregister(ctx context.Context, conn *Connection) {
	if _, ok := b.connections[conn.id]; !ok {
		conn.close()
		return
	}
	delete(b.connections, conn.id)
	for group := range conn.groups {
		b.unsubscribe(conn, group)
	}
	conn.close()

	wentOffline, err := b.presence.Disconnected(ctx, conn.identity.UserID)
	if err != nil {
		b.logger.Error("failed to release presence",
			zap.String("user_id", conn.identity.UserID),
			zap.Error(err))
		return
	}
	b.logger.Info("connection released",
		zap.String("connection_id", conn.id),
		zap.String("user_id", conn.identity.UserID))
	if wentOffline {
		b.broadcastRoster(ctx, nil)
	}
}

func (b *Broker) dispatch(ctx context.Context, conn *Connection, command protocol.Command) {
	if _, ok := b.connections[conn.id]; !ok {
		return
	}
	switch command.Name {
	case protocol.CommandJoinRoom:
		b.subscribe(conn, roomGroup(command.RoomID))
	case protocol.CommandLeaveRoom:
		b.unsubscribe(conn, roomGroup(command.RoomID))
	case protocol.CommandSendMessage:
		if _, err := b.persistAndBroadcast(ctx, conn.identity, command); err != nil {
			conn.deliverError(clientMessage(err))
		}
	case protocol.CommandTypingStart:
		b.relayTyping(conn, protocol.EventUserTyping, command.RoomID)
	case protocol.CommandTypingStop:
		b.relayTyping(conn, protocol.EventUserStopTyping, command.RoomID)
	default:
		conn.deliverError(errUnsupportedCommand)
	}
}

// persistAndBroadcast authorizes the sender, persists the message and only then
// broadcasts it to the room and notifies the other members.
func (b *Broker) persistAndBroadcast(ctx context.Context, identity auth.Identity, command protocol.Command) (protocol.Message, error) {
	if strings.TrimSpace(command.Content) == "" {
		return protocol.Message{}, chat.ErrEmptyContent
	}
	membership, err := b.chat.Membership(ctx, command.RoomID)
	if err != nil {
		return protocol.Message{}, err
	}
	if !membership.Allows(identity.UserID) {
		b.logger.Warn("rejected message from non-member",
			zap.String("user_id", identity.UserID),
			zap.String("room_id", command.RoomID))
		return protocol.Message{}, chat.ErrNotMember
	}

	stored, err := b.chat.CreateMessage(ctx, chat.NewMessage{
		RoomID:    membership.RoomID,
		UserID:    identity.UserID,
		Content:   command.Content,
		Encrypted: command.Encrypted,
	})
	if err != nil {
		return protocol.Message{}, err
	}

	author, err := b.authors.Summary(ctx, identity.UserID)
	if err != nil {
		b.logger.Warn("failed to resolve author summary",
			zap.String("user_id", identity.UserID),
			zap.Error(err))
		author = protocol.Author{ID: identity.UserID, Username: identity.Username}
	}
	message := protocol.Message{
		ID:        stored.ID,
		RoomID:    stored.RoomID,
		UserID:    stored.UserID,
		Content:   stored.Content,
		Encrypted: stored.Encrypted,
		Sequence:  stored.Sequence,
		CreatedAt: stored.CreatedAt,
		Author:    author,
	}

	envelope, err := protocol.NewEnvelope(protocol.EventNewMessage, message)
	if err != nil {
		return message, err
	}
	delivered := b.broadcast(roomGroup(message.RoomID), envelope, "")

	notification, err := protocol.NewEnvelope(protocol.EventMessageNotification, protocol.NotificationPayload{
		RoomID:    message.RoomID,
		MessageID: message.ID,
		SenderID:  message.UserID,
	})
	if err == nil {
		for _, memberID := range membership.MemberIDs() {
			if memberID == identity.UserID {
				continue
			}
			b.broadcast(personalGroup(memberID), notification, "")
		}
	}

	b.logger.Debug("message broadcast",
		zap.String("room_id", message.RoomID),
		zap.String("message_id", message.ID),
		zap.Int64("sequence", message.Sequence),
		zap.Int("delivered", delivered))
	return message, nil
}

func (b *Broker) relayTyping(conn *Connection, event, roomID string) {
	username := conn.identity.Username
	if username == "" {
		username = conn.identity.UserID
	}
	envelope, err := protocol.NewEnvelope(event, protocol.TypingPayload{RoomID: roomID, Username: username})
	if err != nil {
		return
	}
	b.broadcast(roomGroup(roomID), envelope, conn.id)
}

func (b *Broker) broadcastRoster(ctx context.Context, only *Connection) {
	online, err := b.presence.Online(ctx)
	if err != nil {
		b.logger.Error("failed to read presence roster", zap.Error(err))
		return
	}
	envelope, err := protocol.NewEnvelope(protocol.EventOnlineUsers, online)
	if err != nil {
		return
	}
	if only != nil {
		only.deliver(envelope)
		return
	}
	for _, conn := range b.connections {
		conn.deliver(envelope)
	}
}

// broadcast delivers envelope to every connection in group except the one with
// id skip, returning how many accepted it.
func (b *Broker) broadcast(group string, envelope protocol.Envelope, skip string) int {
	delivered := 0
	for id, conn := range b.groups[group] {
		if id == skip {
			continue
		}
		if conn.deliver(envelope) {
			delivered++
			continue
		}
		b.logger.Debug("dropped event for slow connection",
			zap.String("connection_id", id),
			zap.String("event", envelope.Event))
	}
	return delivered
}

func (b *Broker) subscribe(conn *Connection, group string) {
	members, ok := b.groups[group]
	if !ok {
		members = make(map[string]*Connection)
		b.groups[group] = members
	}
	members[conn.id] = conn
	conn.groups[group] = struct{}{}
}

func (b *Broker) unsubscribe(conn *Connection, group string) {
	if members, ok := b.groups[group]; ok {
		delete(members, conn.id)
		if len(members) == 0 {
			delete(b.groups, group)
		}
	}
	delete(conn.groups, group)
}

func (b *Broker) groupMembers(group string) []*Connection {
	members := b.groups[group]
	out := make([]*Connection, 0, len(members))
	for _, conn := range members {
		out = append(out, conn)
	}
	return out
}

func clientMessage(err error) string {
	switch {
	case errors.Is(err, chat.ErrEmptyContent):
		return errMessageRequired
	case errors.Is(err, chat.ErrContentTooLong):
		return errMessageTooLong
	case errors.Is(err, chat.ErrNotMember):
		return errNotAuthorized
	case errors.Is(err, chat.ErrRoomNotFound):
		return errRoomNotFound
	default:
		return errSendFailed
	}
}
