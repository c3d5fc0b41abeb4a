// Package broker implements the delivery broker: it attributes real-time
// connections to authenticated identities, authorizes and persists chat messages
// and fans events out to the connections subscribed to each room.
//
// All broker state is owned by a single loop goroutine (Run). Every inbound event
// is handled to completion, persistence included, before the next one is taken,
// so messages within a room are broadcast in exactly the order they were persisted.
package broker

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/devcircle/internal/auth"
	"github.com/MarcoPoloResearchLab/devcircle/internal/chat"
	"github.com/MarcoPoloResearchLab/devcircle/internal/presence"
	"github.com/MarcoPoloResearchLab/devcircle/internal/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultOutboundBuffer  = 64
	defaultInboxSize       = 256
	defaultEventsPerSecond = 20
	defaultEventBurst      = 40
)

var (
	ErrMissingChatStore   = errors.New("broker: chat store required")
	ErrMissingAuthors     = errors.New("broker: author directory required")
	ErrMissingIdentity    = errors.New("broker: authenticated identity required")
	ErrBrokerStopped      = errors.New("broker: stopped")
	errRateLimited        = "rate limit exceeded"
	errMessageRequired    = "message content is required"
	errMessageTooLong     = "message content is too long"
	errNotAuthorized      = "not authorized to post in this room"
	errRoomNotFound       = "room not found"
	errSendFailed         = "failed to send message"
	errMalformedCommand   = "malformed event"
	errUnsupportedCommand = "unsupported event"
)

// ChatStore is the room and message collaborator the broker authorizes against.
type ChatStore interface {
	ListRoomIDsForMember(ctx context.Context, userID string) ([]string, error)
	Membership(ctx context.Context, roomID string) (chat.Membership, error)
	CreateMessage(ctx context.Context, input chat.NewMessage) (chat.Message, error)
}

// AuthorDirectory resolves the author summary embedded in new_message events.
type AuthorDirectory interface {
	Summary(ctx context.Context, userID string) (protocol.Author, error)
}

// Config wires the broker's collaborators and limits.
type Config struct {
	Chat            ChatStore
	Authors         AuthorDirectory
	Presence        presence.Store
	Logger          *zap.Logger
	EventsPerSecond float64
	EventBurst      int
	OutboundBuffer  int
}

// Broker is the server-side delivery broker.
type Broker struct {
	chat           ChatStore
	authors        AuthorDirectory
	presence       presence.Store
	logger         *zap.Logger
	limit          rate.Limit
	burst          int
	outboundBuffer int

	requests chan request
	stopped  chan struct{}
	stopOnce sync.Once

	// owned by the loop goroutine
	connections map[string]*Connection
	groups      map[string]map[string]*Connection
}

// New constructs a Broker. Call Run to start processing events.
func New(cfg Config) (*Broker, error) {
	if cfg.Chat == nil {
		return nil, ErrMissingChatStore
	}
	if cfg.Authors == nil {
		return nil, ErrMissingAuthors
	}
	store := cfg.Presence
	if store == nil {
		store = presence.NewMemoryStore()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	limit := cfg.EventsPerSecond
	if limit <= 0 {
		limit = defaultEventsPerSecond
	}
	burst := cfg.EventBurst
	if burst <= 0 {
		burst = defaultEventBurst
	}
	outbound := cfg.OutboundBuffer
	if outbound <= 0 {
		outbound = defaultOutboundBuffer
	}
	return &Broker{
		chat:           cfg.Chat,
		authors:        cfg.Authors,
		presence:       store,
		logger:         logger,
		limit:          rate.Limit(limit),
		burst:          burst,
		outboundBuffer: outbound,
		requests:       make(chan request, defaultInboxSize),
		stopped:        make(chan struct{}),
		connections:    make(map[string]*Connection),
		groups:         make(map[string]map[string]*Connection),
	}, nil
}

type requestKind int

const (
	requestRegister requestKind = iota
	requestUnregister
	requestCommand
	requestSubmitMessage
	requestSubscribeUser
	requestUnsubscribeUser
)

type request struct {
	kind     requestKind
	conn     *Connection
	command  protocol.Command
	identity auth.Identity
	userID   string
	roomID   string
	reply    chan result
}

type result struct {
	message protocol.Message
	err     error
}

// Run processes broker events until ctx is cancelled. It must be running for
// Connect, Handle and SubmitMessage to make progress.
func (b *Broker) Run(ctx context.Context) error {
	defer b.stop()
	b.logger.Info("delivery broker started")
	for {
		select {
		case <-ctx.Done():
			b.logger.Info("delivery broker stopping", zap.Int("connections", len(b.connections)))
			return ctx.Err()
		case req := <-b.requests:
			b.process(ctx, req)
		}
	}
}

func (b *Broker) stop() {
	b.stopOnce.Do(func() {
		close(b.stopped)
		for _, conn := range b.connections {
			conn.close()
		}
	})
}

// Connect registers a connection for identity: it joins the identity's personal
// channel and every room the identity is a member of. On error no state is kept.
func (b *Broker) Connect(ctx context.Context, identity auth.Identity) (*Connection, error) {
	if strings.TrimSpace(identity.UserID) == "" {
		return nil, ErrMissingIdentity
	}
	conn := newConnection(uuid.NewString(), identity, b.outboundBuffer, rate.NewLimiter(b.limit, b.burst))
	res, err := b.call(ctx, request{kind: requestRegister, conn: conn})
	if err != nil {
		if !errors.Is(err, ErrBrokerStopped) {
			// The loop may still register conn after the caller gave up.
			b.Disconnect(conn)
		}
		return nil, err
	}
	if res.err != nil {
		return nil, res.err
	}
	return conn, nil
}

// Disconnect unregisters the connection and releases its presence.
func (b *Broker) Disconnect(conn *Connection) {
	if conn == nil {
		return
	}
	select {
	case b.requests <- request{kind: requestUnregister, conn: conn}:
	case <-b.stopped:
		conn.close()
	}
}

// Handle submits a command received on conn. Commands beyond the connection's
// rate limit are answered with an error event and dropped.
func (b *Broker) Handle(ctx context.Context, conn *Connection, command protocol.Command) {
	if !conn.limiter.Allow() {
		b.logger.Debug("connection rate limited",
			zap.String("connection_id", conn.id),
			zap.String("user_id", conn.identity.UserID),
			zap.String("event", command.Name))
		conn.deliverError(errRateLimited)
		return
	}
	select {
	case b.requests <- request{kind: requestCommand, conn: conn, command: command}:
	case <-ctx.Done():
	case <-b.stopped:
	}
}

// SubmitMessage persists and broadcasts a message on behalf of identity without a
// live connection (the replay path of queued offline sends). It shares the
// ordering of websocket sends because it runs on the broker loop.
func (b *Broker) SubmitMessage(ctx context.Context, identity auth.Identity, input protocol.SendMessagePayload) (protocol.Message, error) {
	if strings.TrimSpace(identity.UserID) == "" {
		return protocol.Message{}, ErrMissingIdentity
	}
	res, err := b.call(ctx, request{
		kind:     requestSubmitMessage,
		identity: identity,
		command: protocol.Command{
			Name:      protocol.CommandSendMessage,
			RoomID:    strings.TrimSpace(input.RoomID),
			Content:   input.Content,
			Encrypted: input.Encrypted,
		},
	})
	if err != nil {
		return protocol.Message{}, err
	}
	return res.message, res.err
}

// SubscribeUser adds every live connection of userID to the room's broadcast group.
func (b *Broker) SubscribeUser(ctx context.Context, userID, roomID string) error {
	_, err := b.call(ctx, request{kind: requestSubscribeUser, userID: userID, roomID: roomID})
	return err
}

// UnsubscribeUser removes every live connection of userID from the room's broadcast group.
func (b *Broker) UnsubscribeUser(ctx context.Context, userID, roomID string) error {
	_, err := b.call(ctx, request{kind: requestUnsubscribeUser, userID: userID, roomID: roomID})
	return err
}

func (b *Broker) call(ctx context.Context, req request) (result, error) {
	req.reply = make(chan result, 1)
	select {
	case b.requests <- req:
	case <-ctx.Done():
		return result{}, ctx.Err()
	case <-b.stopped:
		return result{}, ErrBrokerStopped
	}
	select {
	case res := <-req.reply:
		return res, nil
	case <-ctx.Done():
		return result{}, ctx.Err()
	case <-b.stopped:
		return result{}, ErrBrokerStopped
	}
}

func (b *Broker) process(ctx context.Context, req request) {
	switch req.kind {
	case requestRegister:
		req.reply <- result{err: b.register(ctx, req.conn)}
	case requestUnregister:
		b.unregister(ctx, req.conn)
	case requestCommand:
		b.dispatch(ctx, req.conn, req.command)
	case requestSubmitMessage:
		message, err := b.persistAndBroadcast(ctx, req.identity, req.command)
		req.reply <- result{message: message, err: err}
	case requestSubscribeUser:
		for _, conn := range b.groupMembers(personalGroup(req.userID)) {
			b.subscribe(conn, roomGroup(req.roomID))
		}
		req.reply <- result{}
	case requestUnsubscribeUser:
		for _, conn := range b.groupMembers(personalGroup(req.userID)) {
			b.unsubscribe(conn, roomGroup(req.roomID))
		}
		req.reply <- result{}
	}
}
