// Package realtime is the client side of the real-time channel: a websocket to
// the delivery broker authenticated with a bearer token, with typed inbound
// events, built-in reconnection and fire-and-forget commands.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/devcircle/internal/protocol"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// State is the channel lifecycle state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

var (
	ErrMissingServerURL   = errors.New("realtime: server url required")
	ErrMissingToken       = errors.New("realtime: bearer token required")
	ErrHandshakeRejected  = errors.New("realtime: handshake rejected")
	ErrReconnectExhausted = errors.New("realtime: reconnect attempts exhausted")
	ErrClosed             = errors.New("realtime: channel closed")
)

const (
	defaultEventBuffer     = 256
	defaultOutboundBuffer  = 64
	defaultHeartbeat       = 25 * time.Second
	defaultReadLimit       = 1 << 20
	heartbeatTimeout       = 10 * time.Second
	writeTimeout           = 10 * time.Second
	defaultReconnectBase   = time.Second
	defaultReconnectMax    = 30 * time.Second
	defaultReconnectBudget = 10
)

// Config configures a Channel.
type Config struct {
	ServerURL            string
	Token                string
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	EventBuffer          int
	HTTPClient           *http.Client
	Logger               *zap.Logger
}

func (c *Config) defaults() {
	if c.ReconnectBaseDelay <= 0 {
		c.ReconnectBaseDelay = defaultReconnectBase
	}
	if c.ReconnectMaxDelay <= 0 {
		c.ReconnectMaxDelay = defaultReconnectMax
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = defaultReconnectBudget
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = defaultHeartbeat
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = defaultEventBuffer
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
}

// Channel is one authenticated real-time connection owned by a session.
type Channel struct {
	cfg    Config
	url    string
	logger *zap.Logger
	recon  *reconnector

	events   chan Event
	outbound chan protocol.Envelope
	done     chan struct{}

	mu      sync.Mutex
	state   State
	rooms   map[string]struct{}
	cancel  context.CancelFunc
	running chan struct{}
	closed  bool
}

// NewChannel constructs a disconnected Channel.
func NewChannel(cfg Config) (*Channel, error) {
	cfg.defaults()
	if strings.TrimSpace(cfg.ServerURL) == "" {
		return nil, ErrMissingServerURL
	}
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, ErrMissingToken
	}
	return &Channel{
		cfg:      cfg,
		url:      websocketURL(cfg.ServerURL),
		logger:   cfg.Logger,
		recon:    newReconnector(cfg),
		events:   make(chan Event, cfg.EventBuffer),
		outbound: make(chan protocol.Envelope, defaultOutboundBuffer),
		done:     make(chan struct{}),
		state:    StateDisconnected,
		rooms:    make(map[string]struct{}),
	}, nil
}

func websocketURL(serverURL string) string {
	base := strings.TrimRight(strings.TrimSpace(serverURL), "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/ws"
}

// Events yields inbound events in arrival order. The stream is never closed;
// select on Done to observe teardown.
func (c *Channel) Events() <-chan Event {
	return c.events
}

// Done is closed after Close.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// State returns the current lifecycle state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect performs the handshake and starts the channel. It is the only
// blocking call. A rejected token yields ErrHandshakeRejected.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	c.setState(StateConnecting, nil)

	conn, err := c.dial(ctx)
	if err != nil {
		c.setState(StateDisconnected, err)
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	running := make(chan struct{})
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		conn.Close(websocket.StatusNormalClosure, "client closed")
		return ErrClosed
	}
	if c.cancel != nil {
		c.cancel()
	}
	c.cancel = cancel
	c.running = running
	c.mu.Unlock()

	c.recon.reset()
	c.recon.markConnected()
	c.setState(StateConnected, nil)
	go c.run(runCtx, conn, running)
	return nil
}

// Close tears the channel down. It is safe to call more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancel := c.cancel
	running := c.running
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-running
	}
	c.setState(StateDisconnected, nil)
	close(c.done)
	return nil
}

// JoinRoom subscribes to a room. Joined rooms are re-joined after reconnection.
func (c *Channel) JoinRoom(roomID string) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return
	}
	c.mu.Lock()
	c.rooms[roomID] = struct{}{}
	c.mu.Unlock()
	c.send(protocol.Command{Name: protocol.CommandJoinRoom, RoomID: roomID})
}

// LeaveRoom unsubscribes from a room.
func (c *Channel) LeaveRoom(roomID string) {
	roomID = strings.TrimSpace(roomID)
	c.mu.Lock()
	delete(c.rooms, roomID)
	c.mu.Unlock()
	c.send(protocol.Command{Name: protocol.CommandLeaveRoom, RoomID: roomID})
}

// SendMessage submits a chat message. The result arrives as a NewMessage or
// ServerError event.
func (c *Channel) SendMessage(roomID, content string, encrypted bool) {
	c.send(protocol.Command{Name: protocol.CommandSendMessage, RoomID: strings.TrimSpace(roomID), Content: content, Encrypted: encrypted})
}

func (c *Channel) StartTyping(roomID string) {
	c.send(protocol.Command{Name: protocol.CommandTypingStart, RoomID: strings.TrimSpace(roomID)})
}

func (c *Channel) StopTyping(roomID string) {
	c.send(protocol.Command{Name: protocol.CommandTypingStop, RoomID: strings.TrimSpace(roomID)})
}

// Rooms returns the rooms joined through this channel.
func (c *Channel) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]string, 0, len(c.rooms))
	for roomID := range c.rooms {
		rooms = append(rooms, roomID)
	}
	return rooms
}

// send never blocks. Commands issued while not connected are dropped.
func (c *Channel) send(command protocol.Command) {
	if c.State() != StateConnected {
		c.logger.Debug("dropping command while not connected", zap.String("event", command.Name))
		return
	}
	envelope, err := command.Envelope()
	if err != nil {
		c.logger.Warn("failed to encode command", zap.String("event", command.Name), zap.Error(err))
		return
	}
	select {
	case c.outbound <- envelope:
	default:
		c.logger.Warn("outbound buffer full, dropping command", zap.String("event", command.Name))
	}
}

func (c *Channel) dial(ctx context.Context) (*websocket.Conn, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.Token)
	conn, response, err := websocket.Dial(ctx, c.url, &websocket.DialOptions{
		HTTPHeader: header,
		HTTPClient: c.cfg.HTTPClient,
	})
	if err != nil {
		if response != nil && (response.StatusCode == http.StatusUnauthorized || response.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: status %d", ErrHandshakeRejected, response.StatusCode)
		}
		return nil, fmt.Errorf("realtime: dial: %w", err)
	}
	conn.SetReadLimit(defaultReadLimit)
	return conn, nil
}

func (c *Channel) run(ctx context.Context, conn *websocket.Conn, running chan struct{}) {
	defer close(running)
	for {
		err := c.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}
		c.logger.Info("real-time channel lost", zap.Error(err))
		conn = c.reconnect(ctx, err)
		if conn == nil {
			return
		}
	}
}

func (c *Channel) reconnect(ctx context.Context, cause error) *websocket.Conn {
	for c.recon.shouldReconnect() {
		delay := c.recon.nextDelay()
		c.setState(StateReconnecting, cause)
		c.logger.Info("reconnecting real-time channel",
			zap.Int("attempt", c.recon.attempt),
			zap.Duration("delay", delay))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		conn, err := c.dial(ctx)
		if err == nil {
			c.recon.markConnected()
			c.drainOutbound()
			c.setState(StateConnected, nil)
			c.rejoin()
			return conn
		}
		if ctx.Err() != nil {
			return nil
		}
		cause = err
		if errors.Is(err, ErrHandshakeRejected) {
			c.logger.Warn("real-time handshake rejected during reconnect", zap.Error(err))
			c.setState(StateDisconnected, err)
			return nil
		}
	}
	c.setState(StateDisconnected, fmt.Errorf("%w: %v", ErrReconnectExhausted, cause))
	return nil
}

func (c *Channel) rejoin() {
	for _, roomID := range c.Rooms() {
		c.send(protocol.Command{Name: protocol.CommandJoinRoom, RoomID: roomID})
	}
}

// drainOutbound discards commands buffered for a connection that is gone.
func (c *Channel) drainOutbound() {
	for {
		select {
		case <-c.outbound:
		default:
			return
		}
	}
}

func (c *Channel) serve(parent context.Context, conn *websocket.Conn) error {
	ctx, cancel := context.WithCancel(parent)
	errs := make(chan error, 3)
	go func() { errs <- c.readLoop(ctx, conn) }()
	go func() { errs <- c.writeLoop(ctx, conn) }()
	go func() { errs <- c.heartbeatLoop(ctx, conn) }()

	err := <-errs
	cancel()
	if parent.Err() != nil {
		conn.Close(websocket.StatusNormalClosure, "client closed")
	} else {
		conn.Close(websocket.StatusGoingAway, "connection lost")
	}
	<-errs
	<-errs
	return err
}

func (c *Channel) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		var envelope protocol.Envelope
		if err := wsjson.Read(ctx, conn, &envelope); err != nil {
			return err
		}
		event, err := decodeEvent(envelope)
		if err != nil {
			c.logger.Debug("ignoring inbound event", zap.String("event", envelope.Event), zap.Error(err))
			continue
		}
		if !c.emit(ctx, event) {
			return ctx.Err()
		}
	}
}

func (c *Channel) writeLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case envelope := <-c.outbound:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := wsjson.Write(writeCtx, conn, envelope)
			cancel()
			if err != nil {
				return err
			}
		}
	}
}

func (c *Channel) heartbeatLoop(ctx context.Context, conn *websocket.Conn) error {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return fmt.Errorf("realtime: heartbeat: %w", err)
			}
		}
	}
}

func (c *Channel) setState(state State, cause error) {
	c.mu.Lock()
	if c.state == state && cause == nil {
		c.mu.Unlock()
		return
	}
	c.state = state
	c.mu.Unlock()
	c.logger.Debug("real-time channel state", zap.String("state", string(state)), zap.Error(cause))
	select {
	case c.events <- StateChanged{State: state, Err: cause}:
	default:
		c.logger.Warn("event buffer full, dropping state change", zap.String("state", string(state)))
	}
}

// emit blocks until the consumer takes the event or ctx ends.
func (c *Channel) emit(ctx context.Context, event Event) bool {
	select {
	case c.events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}
