package chat

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RoomType enumerates the visibility classes of a chat room.
type RoomType string

const (
	// RoomTypePublic rooms are readable and writable by any authenticated identity.
	RoomTypePublic RoomType = "public"
	// RoomTypePrivate rooms require membership.
	RoomTypePrivate RoomType = "private"
	// RoomTypeDirect rooms are private rooms between exactly two members.
	RoomTypeDirect RoomType = "direct"
)

const (
	maxIdentifierLength = 190
	maxRoomNameLength   = 128
	maxContentLength    = 8192
)

var (
	// ErrRoomNotFound indicates the room does not exist.
	ErrRoomNotFound = errors.New("chat: room not found")
	// ErrNotMember indicates the identity may not read or write the room.
	ErrNotMember = errors.New("chat: identity is not a member of the room")
	// ErrForbidden indicates a membership mutation the identity may not perform.
	ErrForbidden = errors.New("chat: operation not permitted")
	// ErrEmptyContent indicates a message without content.
	ErrEmptyContent = errors.New("chat: message content is empty")
	// ErrContentTooLong indicates a message above the size limit.
	ErrContentTooLong = errors.New("chat: message content is too long")
	// ErrInvalidRoom indicates a malformed room definition.
	ErrInvalidRoom = errors.New("chat: invalid room")
	// ErrInvalidUserID indicates an empty or oversized user identifier.
	ErrInvalidUserID = errors.New("chat: invalid user id")
)

// ParseRoomType validates raw input and returns a RoomType.
func ParseRoomType(raw string) (RoomType, error) {
	switch RoomType(strings.ToLower(strings.TrimSpace(raw))) {
	case RoomTypePublic:
		return RoomTypePublic, nil
	case RoomTypePrivate:
		return RoomTypePrivate, nil
	case RoomTypeDirect:
		return RoomTypeDirect, nil
	default:
		return "", fmt.Errorf("%w: unknown type %q", ErrInvalidRoom, raw)
	}
}

func normalizeUserID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return trimmed, nil
}

// Room is the persisted chat room.
type Room struct {
	ID          string    `gorm:"column:room_id;primaryKey;size:190;not null"`
	Name        string    `gorm:"column:name;size:128;not null"`
	Description string    `gorm:"column:description;type:text;not null;default:''"`
	Type        RoomType  `gorm:"column:type;size:16;not null;index"`
	CreatedBy   string    `gorm:"column:created_by;size:190;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Room) TableName() string {
	return "chat_rooms"
}

// RoomMember is one row of the room membership relation.
type RoomMember struct {
	RoomID   string    `gorm:"column:room_id;primaryKey;size:190;not null"`
	UserID   string    `gorm:"column:user_id;primaryKey;size:190;not null;index"`
	JoinedAt time.Time `gorm:"column:joined_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (RoomMember) TableName() string {
	return "chat_room_members"
}

// Message is an immutable chat message. Sequence is the canonical per-room order
// assigned at persistence time.
type Message struct {
	ID        string    `gorm:"column:message_id;primaryKey;size:190;not null"`
	RoomID    string    `gorm:"column:room_id;size:190;not null;uniqueIndex:idx_messages_room_seq,priority:1"`
	Sequence  int64     `gorm:"column:seq;not null;uniqueIndex:idx_messages_room_seq,priority:2"`
	UserID    string    `gorm:"column:user_id;size:190;not null"`
	Content   string    `gorm:"column:content;type:text;not null"`
	Encrypted bool      `gorm:"column:encrypted;not null;default:false"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Message) TableName() string {
	return "chat_messages"
}

// RoomDetails is a room together with its member ids.
type RoomDetails struct {
	Room
	Members []string
}

// Membership is the authorization view of a room: its type and member set.
type Membership struct {
	RoomID  string
	Type    RoomType
	Members map[string]struct{}
}

// IsMember reports whether userID belongs to the room.
func (m Membership) IsMember(userID string) bool {
	_, ok := m.Members[userID]
	return ok
}

// Allows reports whether userID may read and post in the room.
func (m Membership) Allows(userID string) bool {
	return m.Type == RoomTypePublic || m.IsMember(userID)
}

// MemberIDs returns the member set as a slice.
func (m Membership) MemberIDs() []string {
	ids := make([]string, 0, len(m.Members))
	for id := range m.Members {
		ids = append(ids, id)
	}
	return ids
}

// RoomSpec describes a room to create.
type RoomSpec struct {
	Name        string
	Description string
	Type        RoomType
	Members     []string
}

// NewMessage describes a message to persist.
type NewMessage struct {
	RoomID    string
	UserID    string
	Content   string
	Encrypted bool
}
