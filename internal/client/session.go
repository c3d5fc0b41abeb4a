// Package client owns everything one authenticated user needs on a device: the
// real-time channel, the view state, the local cache, the outbox and the
// connectivity monitor. A Session lives from login to logout.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/devcircle/internal/auth"
	"github.com/MarcoPoloResearchLab/devcircle/internal/cache"
	"github.com/MarcoPoloResearchLab/devcircle/internal/connectivity"
	"github.com/MarcoPoloResearchLab/devcircle/internal/outbox"
	"github.com/MarcoPoloResearchLab/devcircle/internal/protocol"
	"github.com/MarcoPoloResearchLab/devcircle/internal/realtime"
	"github.com/MarcoPoloResearchLab/devcircle/internal/remote"
	"github.com/MarcoPoloResearchLab/devcircle/internal/viewstate"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	syncStatusPending = "pending"
	syncStatusSynced  = "synced"
	syncStatusFailed  = "failed"

	reportPath      = "/api/reports"
	tutorialsPath   = "/api/tutorials"
	healthPath      = "/healthz"
	defaultRedial   = 5 * time.Second
	defaultErrorBuf = 32
)

var (
	ErrMissingDatabase = errors.New("client: database connection required")
	// ErrRequiresConnectivity is returned by actions that are never queued.
	ErrRequiresConnectivity = errors.New("client: action requires connectivity")
	ErrEmptyMessage         = errors.New("client: message content required")
	ErrMissingRoomID        = errors.New("client: room id required")
)

// Config describes a session.
type Config struct {
	ServerURL            string
	Token                string
	Database             *gorm.DB
	HTTPClient           *http.Client
	MaxReconnectAttempts int
	TypingIdle           time.Duration
	// RedialInterval paces connection attempts while the channel is down.
	RedialInterval time.Duration
	Logger         *zap.Logger
}

// Session is the login-scoped owner of the client subsystems.
type Session struct {
	identity auth.Identity
	logger   *zap.Logger

	cache   *cache.Store
	queue   *outbox.Queue
	engine  *outbox.Engine
	monitor *connectivity.Monitor
	remote  *remote.Client
	channel *realtime.Channel
	typist  *realtime.Typist
	view    *viewstate.View

	redial time.Duration
	errs   chan error

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Open builds a session for the token's identity. An unreachable server is not
// an error: the session starts offline and keeps trying. A rejected token is.
func Open(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Database == nil {
		return nil, ErrMissingDatabase
	}
	identity, err := auth.PeekIdentity(cfg.Token)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("user_id", identity.UserID))
	redial := cfg.RedialInterval
	if redial <= 0 {
		redial = defaultRedial
	}

	remoteClient, err := remote.NewClient(remote.Config{
		BaseURL:    cfg.ServerURL,
		Token:      cfg.Token,
		HTTPClient: cfg.HTTPClient,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}
	store, err := cache.NewStore(cache.Config{Database: cfg.Database, Logger: logger})
	if err != nil {
		return nil, err
	}

	online := connectivity.Probe(ctx, cfg.HTTPClient, strings.TrimRight(cfg.ServerURL, "/")+healthPath)
	monitor := connectivity.NewMonitor(online, logger)

	session := &Session{
		identity: identity,
		logger:   logger,
		cache:    store,
		monitor:  monitor,
		remote:   remoteClient,
		view:     viewstate.New(identity.UserID),
		redial:   redial,
		errs:     make(chan error, defaultErrorBuf),
	}

	queue, err := outbox.NewQueue(outbox.Config{
		Database:     cfg.Database,
		Applier:      remoteClient,
		Connectivity: monitor,
		Logger:       logger,
		Observer:     session.observe,
	})
	if err != nil {
		return nil, err
	}
	session.queue = queue
	session.engine = outbox.NewEngine(queue, monitor, logger)

	channel, err := realtime.NewChannel(realtime.Config{
		ServerURL:            cfg.ServerURL,
		Token:                cfg.Token,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		HTTPClient:           cfg.HTTPClient,
		Logger:               logger,
	})
	if err != nil {
		queue.Close()
		return nil, err
	}
	session.channel = channel
	session.typist = realtime.NewTypist(channel, cfg.TypingIdle)

	if online {
		if err := channel.Connect(ctx); err != nil {
			if errors.Is(err, realtime.ErrHandshakeRejected) {
				queue.Close()
				_ = channel.Close()
				return nil, err
			}
			logger.Info("starting offline", zap.Error(err))
			monitor.Set(false)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	session.cancel = cancel
	session.start(runCtx)
	return session, nil
}

func (s *Session) start(ctx context.Context) {
	s.wg.Add(3)
	go func() {
		defer s.wg.Done()
		_ = s.engine.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.pump(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.redialLoop(ctx)
	}()
}

// Close stops every background task and tears the channel down.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.typist.StopAll()
		s.cancel()
		_ = s.channel.Close()
		s.wg.Wait()
		s.queue.Close()
	})
	return nil
}

// Identity returns the signed-in identity.
func (s *Session) Identity() auth.Identity { return s.identity }

// View returns the room and message projection.
func (s *Session) View() *viewstate.View { return s.view }

// Cache returns the local record store.
func (s *Session) Cache() *cache.Store { return s.cache }

// Outbox returns the durable queue.
func (s *Session) Outbox() *outbox.Queue { return s.queue }

// Connectivity returns the monitor driving outbox replay.
func (s *Session) Connectivity() *connectivity.Monitor { return s.monitor }

// Errors yields server error events and channel failures. It is never closed.
func (s *Session) Errors() <-chan error { return s.errs }

// pump folds channel events into the view and mirrors channel health into the
// connectivity monitor.
func (s *Session) pump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.channel.Done():
			return
		case event := <-s.channel.Events():
			s.view.Apply(event)
			switch e := event.(type) {
			case realtime.StateChanged:
				switch {
				case e.State == realtime.StateConnected:
					s.monitor.Set(true)
				case e.Err != nil:
					s.monitor.Set(false)
					if errors.Is(e.Err, realtime.ErrHandshakeRejected) || errors.Is(e.Err, realtime.ErrReconnectExhausted) {
						s.report(e.Err)
					}
				}
			case realtime.ServerError:
				s.report(errors.New(e.Message))
			}
		}
	}
}

// redialLoop reconnects a channel that is down because the server was
// unreachable at start or the built-in reconnection gave up.
func (s *Session) redialLoop(ctx context.Context) {
	ticker := time.NewTicker(s.redial)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.channel.State() != realtime.StateDisconnected {
			continue
		}
		err := s.channel.Connect(ctx)
		switch {
		case err == nil:
			for _, roomID := range s.channel.Rooms() {
				s.channel.JoinRoom(roomID)
			}
		case errors.Is(err, realtime.ErrHandshakeRejected), errors.Is(err, realtime.ErrClosed):
			s.logger.Warn("giving up on real-time channel", zap.Error(err))
			return
		default:
			s.logger.Debug("redial failed", zap.Error(err))
		}
	}
}

func (s *Session) report(err error) {
	select {
	case s.errs <- err:
	default:
		s.logger.Warn("error buffer full, dropping error", zap.Error(err))
	}
}

// JoinRoom subscribes to live events of a room.
func (s *Session) JoinRoom(roomID string) {
	s.channel.JoinRoom(roomID)
}

// LeaveRoom unsubscribes from a room and stops any typing signal in it.
func (s *Session) LeaveRoom(roomID string) {
	s.typist.Stop(roomID)
	s.channel.LeaveRoom(roomID)
}

// Keystroke drives the typing indicator for a room.
func (s *Session) Keystroke(roomID string) {
	if s.channel.State() != realtime.StateConnected {
		return
	}
	s.typist.Keystroke(roomID)
}

// Focus marks roomID as the room on screen.
func (s *Session) Focus(roomID string) {
	s.view.Focus(roomID)
}

// SendMessage goes out live when the channel is connected. Otherwise the
// message is cached, shown as pending and queued for replay through REST.
// The returned local id is zero for live sends.
func (s *Session) SendMessage(ctx context.Context, roomID, content string, encrypted bool) (int64, error) {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return 0, ErrMissingRoomID
	}
	if strings.TrimSpace(content) == "" {
		return 0, ErrEmptyMessage
	}
	s.typist.Stop(roomID)
	if s.channel.State() == realtime.StateConnected {
		s.channel.SendMessage(roomID, content, encrypted)
		return 0, nil
	}

	now := time.Now().UTC()
	localID, err := s.cache.Add(ctx, cache.TableMessages, map[string]any{
		"roomId":     roomID,
		"content":    content,
		"encrypted":  encrypted,
		"userId":     s.identity.UserID,
		"createdAt":  now,
		"syncStatus": syncStatusPending,
	})
	if err != nil {
		return 0, err
	}
	s.view.AddPending(viewstate.PendingMessage{
		LocalID:   localID,
		RoomID:    roomID,
		Content:   content,
		Encrypted: encrypted,
		QueuedAt:  now,
	})
	if _, err := s.queue.Enqueue(ctx, remote.TypeSendMessage, queuedPayload{
		"roomId":    roomID,
		"content":   content,
		"encrypted": encrypted,
		"localId":   localID,
	}); err != nil {
		s.view.Discard(localID)
		return 0, err
	}
	return localID, nil
}

// JournalEntry is a private journal note.
type JournalEntry struct {
	Mood string
	Text string
}

// CreateJournalEntry caches the entry and sends it now when online, or queues it.
func (s *Session) CreateJournalEntry(ctx context.Context, entry JournalEntry) (int64, error) {
	return s.mutate(ctx, cache.TableJournalEntries, remote.TypeCreateJournal, map[string]any{
		"mood": entry.Mood,
		"text": entry.Text,
	})
}

// Tutorial is a tutorial draft.
type Tutorial struct {
	Title    string
	Category string
	Content  string
}

// CreateTutorial caches the tutorial and sends it now when online, or queues it.
func (s *Session) CreateTutorial(ctx context.Context, tutorial Tutorial) (int64, error) {
	return s.mutate(ctx, cache.TableTutorials, remote.TypeCreateTutorial, map[string]any{
		"title":    tutorial.Title,
		"category": tutorial.Category,
		"content":  tutorial.Content,
		"authorId": s.identity.UserID,
	})
}

// RateTutorial sends a rating now when online, or queues it.
func (s *Session) RateTutorial(ctx context.Context, tutorialID string, rating int) error {
	_, err := s.mutate(ctx, "", remote.TypeRateTutorial, map[string]any{
		"tutorialId": tutorialID,
		"rating":     rating,
	})
	return err
}

// Report flags content for moderation.
type Report struct {
	TargetType string `json:"targetType"`
	TargetID   string `json:"targetId"`
	Reason     string `json:"reason"`
}

// ReportContent is never queued. Offline it fails with ErrRequiresConnectivity.
func (s *Session) ReportContent(ctx context.Context, report Report) error {
	if !s.monitor.IsOnline() {
		return ErrRequiresConnectivity
	}
	return s.remote.Do(ctx, http.MethodPost, reportPath, report, nil)
}

// mutate applies a business mutation directly when online. A retryable
// failure, or being offline, puts it on the outbox instead. When table is set
// the entity is cached first and its sync status tracks the outcome.
func (s *Session) mutate(ctx context.Context, table, itemType string, fields map[string]any) (int64, error) {
	var localID int64
	if table != "" {
		record := make(map[string]any, len(fields)+2)
		for key, value := range fields {
			record[key] = value
		}
		record["createdAt"] = time.Now().UTC()
		record["syncStatus"] = syncStatusPending
		id, err := s.cache.Add(ctx, table, record)
		if err != nil {
			return 0, err
		}
		localID = id
	}

	payload := queuedPayload(fields)
	if localID != 0 {
		payload = payload.withLocalID(localID)
	}

	if s.monitor.IsOnline() {
		raw, err := json.Marshal(payload)
		if err != nil {
			return localID, fmt.Errorf("client: encode %s: %w", itemType, err)
		}
		applyErr := s.remote.Apply(ctx, itemType, raw)
		switch {
		case applyErr == nil:
			s.markSynced(table, localID, syncStatusSynced)
			return localID, nil
		case outbox.IsTerminal(applyErr):
			s.markSynced(table, localID, syncStatusFailed)
			return localID, applyErr
		default:
			s.logger.Info("direct apply failed, queueing", zap.String("type", itemType), zap.Error(applyErr))
		}
	}

	if _, err := s.queue.Enqueue(ctx, itemType, payload); err != nil {
		return localID, err
	}
	return localID, nil
}

// observe reconciles cached entities and pending messages with queue outcomes.
func (s *Session) observe(item outbox.Item) {
	if item.SyncStatus == outbox.StatusPending {
		return
	}
	var payload struct {
		LocalID int64 `json:"localId"`
	}
	if err := json.Unmarshal(item.RawPayload(), &payload); err != nil || payload.LocalID == 0 {
		return
	}
	status := syncStatusSynced
	if item.SyncStatus == outbox.StatusFailed {
		status = syncStatusFailed
	}
	switch item.Type {
	case remote.TypeSendMessage:
		s.view.SettlePending(payload.LocalID, item.SyncStatus == outbox.StatusSynced)
		s.markSynced(cache.TableMessages, payload.LocalID, status)
	case remote.TypeCreateJournal:
		s.markSynced(cache.TableJournalEntries, payload.LocalID, status)
	case remote.TypeCreateTutorial:
		s.markSynced(cache.TableTutorials, payload.LocalID, status)
	}
}

func (s *Session) markSynced(table string, localID int64, status string) {
	if table == "" || localID == 0 {
		return
	}
	if err := s.cache.Update(context.Background(), table, localID, map[string]any{"syncStatus": status}); err != nil {
		s.logger.Warn("failed to record sync status",
			zap.String("table", table),
			zap.Int64("local_id", localID),
			zap.Error(err))
	}
}

// RetryFailed re-queues every failed item and drains.
func (s *Session) RetryFailed(ctx context.Context) (outbox.Report, error) {
	failed, err := s.queue.List(ctx, outbox.StatusFailed)
	if err != nil {
		return outbox.Report{}, err
	}
	for _, item := range failed {
		if item.Type != remote.TypeSendMessage {
			continue
		}
		var payload struct {
			LocalID int64 `json:"localId"`
		}
		if json.Unmarshal(item.RawPayload(), &payload) == nil && payload.LocalID != 0 {
			s.view.Requeue(payload.LocalID)
		}
	}
	return s.queue.RetryFailed(ctx)
}

// LoadHistory fetches the persisted messages of a room and folds them into
// the view. Messages already seen live are ignored by the view.
func (s *Session) LoadHistory(ctx context.Context, roomID string) error {
	roomID = strings.TrimSpace(roomID)
	if roomID == "" {
		return ErrMissingRoomID
	}
	var response struct {
		Messages []protocol.Message `json:"messages"`
	}
	path := fmt.Sprintf("/api/rooms/%s/messages", url.PathEscape(roomID))
	if err := s.remote.Do(ctx, http.MethodGet, path, nil, &response); err != nil {
		return err
	}
	for _, message := range response.Messages {
		s.view.Apply(realtime.NewMessage{Message: message})
	}
	return nil
}

// RefreshTutorials replaces the cached tutorials with the server's list.
func (s *Session) RefreshTutorials(ctx context.Context) error {
	var response struct {
		Tutorials []json.RawMessage `json:"tutorials"`
	}
	if err := s.remote.Do(ctx, http.MethodGet, tutorialsPath, nil, &response); err != nil {
		return err
	}
	payloads := make([]any, 0, len(response.Tutorials))
	for _, tutorial := range response.Tutorials {
		payloads = append(payloads, tutorial)
	}
	return s.cache.ReplaceAll(ctx, cache.TableTutorials, payloads)
}

// queuedPayload is the JSON object stored on the outbox. localId links it back
// to the cached entity; the server ignores it.
type queuedPayload map[string]any

func (p queuedPayload) withLocalID(localID int64) queuedPayload {
	out := make(queuedPayload, len(p)+1)
	for key, value := range p {
		out[key] = value
	}
	out["localId"] = localID
	return out
}
