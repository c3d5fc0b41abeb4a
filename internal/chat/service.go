package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable `operation.reason` code alongside the cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew     = "chat.service.new"
	opCreateRoom     = "chat.create_room"
	opMembership     = "chat.membership"
	opListRooms      = "chat.list_rooms"
	opJoinRoom       = "chat.join_room"
	opLeaveRoom      = "chat.leave_room"
	opAddMember      = "chat.add_member"
	opRemoveMember   = "chat.remove_member"
	opCreateMessage  = "chat.create_message"
	opListMessages   = "chat.list_messages"
	defaultPageLimit = 50
	maxPageLimit     = 200
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// IDProvider issues identifiers for rooms and messages.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues time-ordered UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return uuidProvider{}
}

func (uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// ServiceConfig describes the dependencies of the room and message store.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service owns rooms, the membership relation and persisted messages.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService constructs the chat service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// CreateRoom persists a room with the creator as its first member.
func (s *Service) CreateRoom(ctx context.Context, creatorID string, spec RoomSpec) (RoomDetails, error) {
	creator, err := normalizeUserID(creatorID)
	if err != nil {
		return RoomDetails{}, newServiceError(opCreateRoom, "invalid_creator", err)
	}
	name := strings.TrimSpace(spec.Name)
	if name == "" || len(name) > maxRoomNameLength {
		return RoomDetails{}, newServiceError(opCreateRoom, "invalid_name", fmt.Errorf("%w: name must be 1-%d characters", ErrInvalidRoom, maxRoomNameLength))
	}
	roomType, err := ParseRoomType(string(spec.Type))
	if err != nil {
		return RoomDetails{}, newServiceError(opCreateRoom, "invalid_type", err)
	}

	memberSet := map[string]struct{}{creator: {}}
	for _, raw := range spec.Members {
		member, err := normalizeUserID(raw)
		if err != nil {
			return RoomDetails{}, newServiceError(opCreateRoom, "invalid_member", err)
		}
		memberSet[member] = struct{}{}
	}
	if roomType == RoomTypeDirect && len(memberSet) != 2 {
		return RoomDetails{}, newServiceError(opCreateRoom, "invalid_direct_members", fmt.Errorf("%w: direct rooms have exactly two members", ErrInvalidRoom))
	}

	roomID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateRoom, "id_generation_failed", err)
		return RoomDetails{}, newServiceError(opCreateRoom, "id_generation_failed", err)
	}

	now := s.clock().UTC()
	room := Room{
		ID:          roomID,
		Name:        name,
		Description: strings.TrimSpace(spec.Description),
		Type:        roomType,
		CreatedBy:   creator,
		CreatedAt:   now,
	}
	members := sortedKeys(memberSet)

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&room).Error; err != nil {
			return err
		}
		rows := make([]RoomMember, 0, len(members))
		for _, member := range members {
			rows = append(rows, RoomMember{RoomID: roomID, UserID: member, JoinedAt: now})
		}
		return tx.Create(&rows).Error
	})
	if txErr != nil {
		s.logError(opCreateRoom, "insert_failed", txErr, zap.String("room_id", roomID))
		return RoomDetails{}, newServiceError(opCreateRoom, "insert_failed", txErr)
	}

	return RoomDetails{Room: room, Members: members}, nil
}

// Membership returns the type and member set of a room.
func (s *Service) Membership(ctx context.Context, roomID string) (Membership, error) {
	room, err := s.loadRoom(ctx, s.db, roomID)
	if err != nil {
		return Membership{}, s.wrapLookup(opMembership, roomID, err)
	}
	var rows []RoomMember
	if err := s.db.WithContext(ctx).Where("room_id = ?", room.ID).Find(&rows).Error; err != nil {
		s.logError(opMembership, "members_query_failed", err, zap.String("room_id", room.ID))
		return Membership{}, newServiceError(opMembership, "members_query_failed", err)
	}
	membership := Membership{RoomID: room.ID, Type: room.Type, Members: make(map[string]struct{}, len(rows))}
	for _, row := range rows {
		membership.Members[row.UserID] = struct{}{}
	}
	return membership, nil
}

// ListRoomIDsForMember returns the ids of every room userID is a member of.
func (s *Service) ListRoomIDsForMember(ctx context.Context, userID string) ([]string, error) {
	member, err := normalizeUserID(userID)
	if err != nil {
		return nil, newServiceError(opListRooms, "invalid_user", err)
	}
	var roomIDs []string
	if err := s.db.WithContext(ctx).Model(&RoomMember{}).
		Where("user_id = ?", member).
		Order("room_id ASC").
		Pluck("room_id", &roomIDs).Error; err != nil {
		s.logError(opListRooms, "query_failed", err, zap.String("user_id", member))
		return nil, newServiceError(opListRooms, "query_failed", err)
	}
	return roomIDs, nil
}

// ListVisibleRooms returns the rooms userID is a member of plus every public room.
func (s *Service) ListVisibleRooms(ctx context.Context, userID string) ([]RoomDetails, error) {
	memberRoomIDs, err := s.ListRoomIDsForMember(ctx, userID)
	if err != nil {
		return nil, err
	}

	var rooms []Room
	query := s.db.WithContext(ctx).Where("type = ?", RoomTypePublic)
	if len(memberRoomIDs) > 0 {
		query = query.Or("room_id IN ?", memberRoomIDs)
	}
	if err := query.Order("created_at ASC").Find(&rooms).Error; err != nil {
		s.logError(opListRooms, "rooms_query_failed", err)
		return nil, newServiceError(opListRooms, "rooms_query_failed", err)
	}
	if len(rooms) == 0 {
		return nil, nil
	}

	roomIDs := make([]string, 0, len(rooms))
	for _, room := range rooms {
		roomIDs = append(roomIDs, room.ID)
	}
	var rows []RoomMember
	if err := s.db.WithContext(ctx).Where("room_id IN ?", roomIDs).Order("user_id ASC").Find(&rows).Error; err != nil {
		s.logError(opListRooms, "members_query_failed", err)
		return nil, newServiceError(opListRooms, "members_query_failed", err)
	}
	membersByRoom := make(map[string][]string, len(rooms))
	for _, row := range rows {
		membersByRoom[row.RoomID] = append(membersByRoom[row.RoomID], row.UserID)
	}

	details := make([]RoomDetails, 0, len(rooms))
	for _, room := range rooms {
		details = append(details, RoomDetails{Room: room, Members: membersByRoom[room.ID]})
	}
	return details, nil
}

// Join adds userID to a public room. Private and direct rooms are joined only by invitation.
func (s *Service) Join(ctx context.Context, roomID, userID string) error {
	member, err := normalizeUserID(userID)
	if err != nil {
		return newServiceError(opJoinRoom, "invalid_user", err)
	}
	room, err := s.loadRoom(ctx, s.db, roomID)
	if err != nil {
		return s.wrapLookup(opJoinRoom, roomID, err)
	}
	if room.Type != RoomTypePublic {
		return newServiceError(opJoinRoom, "not_public", ErrForbidden)
	}
	return s.insertMember(ctx, opJoinRoom, room.ID, member)
}

// Leave removes userID from a room.
func (s *Service) Leave(ctx context.Context, roomID, userID string) error {
	member, err := normalizeUserID(userID)
	if err != nil {
		return newServiceError(opLeaveRoom, "invalid_user", err)
	}
	room, err := s.loadRoom(ctx, s.db, roomID)
	if err != nil {
		return s.wrapLookup(opLeaveRoom, roomID, err)
	}
	return s.deleteMember(ctx, opLeaveRoom, room.ID, member)
}

// AddMember lets an existing member invite userID into a public or private room.
func (s *Service) AddMember(ctx context.Context, actorID, roomID, userID string) error {
	member, err := normalizeUserID(userID)
	if err != nil {
		return newServiceError(opAddMember, "invalid_user", err)
	}
	membership, err := s.Membership(ctx, roomID)
	if err != nil {
		return err
	}
	if !membership.IsMember(strings.TrimSpace(actorID)) {
		return newServiceError(opAddMember, "actor_not_member", ErrNotMember)
	}
	if membership.Type == RoomTypeDirect {
		return newServiceError(opAddMember, "direct_room", ErrForbidden)
	}
	return s.insertMember(ctx, opAddMember, membership.RoomID, member)
}

// RemoveMember removes userID from a room. Only the room creator may remove other members.
func (s *Service) RemoveMember(ctx context.Context, actorID, roomID, userID string) error {
	member, err := normalizeUserID(userID)
	if err != nil {
		return newServiceError(opRemoveMember, "invalid_user", err)
	}
	room, err := s.loadRoom(ctx, s.db, roomID)
	if err != nil {
		return s.wrapLookup(opRemoveMember, roomID, err)
	}
	actor := strings.TrimSpace(actorID)
	if actor != member && actor != room.CreatedBy {
		return newServiceError(opRemoveMember, "not_creator", ErrForbidden)
	}
	return s.deleteMember(ctx, opRemoveMember, room.ID, member)
}

// CreateMessage authorizes and persists a message, assigning the next per-room sequence.
func (s *Service) CreateMessage(ctx context.Context, input NewMessage) (Message, error) {
	author, err := normalizeUserID(input.UserID)
	if err != nil {
		return Message{}, newServiceError(opCreateMessage, "invalid_user", err)
	}
	if strings.TrimSpace(input.Content) == "" {
		return Message{}, newServiceError(opCreateMessage, "empty_content", ErrEmptyContent)
	}
	if len(input.Content) > maxContentLength {
		return Message{}, newServiceError(opCreateMessage, "content_too_long", fmt.Errorf("%w: exceeds %d bytes", ErrContentTooLong, maxContentLength))
	}

	membership, err := s.Membership(ctx, input.RoomID)
	if err != nil {
		return Message{}, err
	}
	if !membership.Allows(author) {
		return Message{}, newServiceError(opCreateMessage, "not_member", ErrNotMember)
	}

	messageID, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreateMessage, "id_generation_failed", err)
		return Message{}, newServiceError(opCreateMessage, "id_generation_failed", err)
	}

	message := Message{
		ID:        messageID,
		RoomID:    membership.RoomID,
		UserID:    author,
		Content:   input.Content,
		Encrypted: input.Encrypted,
		CreatedAt: s.clock().UTC(),
	}
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var last struct{ Seq int64 }
		if err := tx.Model(&Message{}).
			Select("COALESCE(MAX(seq), 0) AS seq").
			Where("room_id = ?", message.RoomID).
			Scan(&last).Error; err != nil {
			return err
		}
		message.Sequence = last.Seq + 1
		return tx.Create(&message).Error
	})
	if txErr != nil {
		s.logError(opCreateMessage, "insert_failed", txErr, zap.String("room_id", message.RoomID))
		return Message{}, newServiceError(opCreateMessage, "insert_failed", txErr)
	}
	return message, nil
}

// ListMessages returns up to limit messages after the given sequence, oldest first,
// enforcing the room visibility rule for userID.
func (s *Service) ListMessages(ctx context.Context, userID, roomID string, afterSequence int64, limit int) ([]Message, error) {
	reader, err := normalizeUserID(userID)
	if err != nil {
		return nil, newServiceError(opListMessages, "invalid_user", err)
	}
	membership, err := s.Membership(ctx, roomID)
	if err != nil {
		return nil, err
	}
	if !membership.Allows(reader) {
		return nil, newServiceError(opListMessages, "not_member", ErrNotMember)
	}
	if limit <= 0 {
		limit = defaultPageLimit
	}
	if limit > maxPageLimit {
		limit = maxPageLimit
	}

	var messages []Message
	if err := s.db.WithContext(ctx).
		Where("room_id = ? AND seq > ?", membership.RoomID, afterSequence).
		Order("seq ASC").
		Limit(limit).
		Find(&messages).Error; err != nil {
		s.logError(opListMessages, "query_failed", err, zap.String("room_id", membership.RoomID))
		return nil, newServiceError(opListMessages, "query_failed", err)
	}
	return messages, nil
}

func (s *Service) loadRoom(ctx context.Context, db *gorm.DB, roomID string) (Room, error) {
	trimmed := strings.TrimSpace(roomID)
	if trimmed == "" {
		return Room{}, ErrRoomNotFound
	}
	var room Room
	err := db.WithContext(ctx).Where("room_id = ?", trimmed).Take(&room).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Room{}, ErrRoomNotFound
	}
	return room, err
}

func (s *Service) wrapLookup(operation, roomID string, err error) error {
	if errors.Is(err, ErrRoomNotFound) {
		return newServiceError(operation, "room_not_found", err)
	}
	s.logError(operation, "room_query_failed", err, zap.String("room_id", roomID))
	return newServiceError(operation, "room_query_failed", err)
}

func (s *Service) insertMember(ctx context.Context, operation, roomID, userID string) error {
	row := RoomMember{RoomID: roomID, UserID: userID, JoinedAt: s.clock().UTC()}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
		s.logError(operation, "member_insert_failed", err, zap.String("room_id", roomID), zap.String("user_id", userID))
		return newServiceError(operation, "member_insert_failed", err)
	}
	return nil
}

func (s *Service) deleteMember(ctx context.Context, operation, roomID, userID string) error {
	if err := s.db.WithContext(ctx).Where("room_id = ? AND user_id = ?", roomID, userID).Delete(&RoomMember{}).Error; err != nil {
		s.logError(operation, "member_delete_failed", err, zap.String("room_id", roomID), zap.String("user_id", userID))
		return newServiceError(operation, "member_delete_failed", err)
	}
	return nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("chat service error", attrs...)
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
