package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/devcircle/internal/auth"
	"github.com/MarcoPoloResearchLab/devcircle/internal/cache"
	"github.com/MarcoPoloResearchLab/devcircle/internal/database"
	"github.com/MarcoPoloResearchLab/devcircle/internal/outbox"
	"github.com/MarcoPoloResearchLab/devcircle/internal/protocol"
	"github.com/MarcoPoloResearchLab/devcircle/internal/realtime"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

type recordedRequest struct {
	Method string
	Path   string
	Body   map[string]any
}

// fakeServer answers 503 to everything while offline. Online it serves the
// REST routes the session calls and a websocket that echoes sent messages.
type fakeServer struct {
	mu             sync.Mutex
	online         bool
	requests       []recordedRequest
	tutorialStatus int
	history        []protocol.Message
	sequence       int64
	journalDelay   time.Duration
	commands       []string
}

func (f *fakeServer) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeServer) countRequests(path string) int {
	count := 0
	for _, request := range f.Requests() {
		if request.Path == path {
			count++
		}
	}
	return count
}

func (f *fakeServer) setOnline(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.online = online
}

func (f *fakeServer) Requests() []recordedRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedRequest(nil), f.requests...)
}

func (f *fakeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	online := f.online
	f.mu.Unlock()
	if !online {
		http.Error(w, "offline", http.StatusServiceUnavailable)
		return
	}
	switch {
	case r.URL.Path == "/healthz":
		w.WriteHeader(http.StatusOK)
	case r.URL.Path == "/ws":
		f.serveSocket(w, r)
	case r.Method == http.MethodGet && strings.HasSuffix(r.URL.Path, "/messages"):
		f.mu.Lock()
		history := f.history
		f.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"messages": history})
	case r.Method == http.MethodGet && r.URL.Path == "/api/tutorials":
		writeJSON(w, http.StatusOK, map[string]any{"tutorials": []map[string]any{{"title": "Channels"}, {"title": "Contexts"}}})
	default:
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.requests = append(f.requests, recordedRequest{Method: r.Method, Path: r.URL.Path, Body: body})
		status := http.StatusCreated
		if r.URL.Path == "/api/tutorials" && f.tutorialStatus != 0 {
			status = f.tutorialStatus
		}
		delay := time.Duration(0)
		if r.URL.Path == "/api/journal" {
			delay = f.journalDelay
		}
		f.mu.Unlock()
		time.Sleep(delay)
		writeJSON(w, status, map[string]any{})
	}
}

func (f *fakeServer) serveSocket(w http.ResponseWriter, r *http.Request) {
	socket, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer socket.Close(websocket.StatusNormalClosure, "")
	ctx := r.Context()
	for {
		var envelope protocol.Envelope
		if err := wsjson.Read(ctx, socket, &envelope); err != nil {
			return
		}
		command, err := protocol.ParseCommand(envelope)
		if err != nil {
			continue
		}
		f.mu.Lock()
		f.commands = append(f.commands, command.Name)
		f.mu.Unlock()
		var reply protocol.Envelope
		switch {
		case command.Name == protocol.CommandSendMessage:
			f.mu.Lock()
			f.sequence++
			sequence := f.sequence
			f.mu.Unlock()
			reply, _ = protocol.NewEnvelope(protocol.EventNewMessage, protocol.Message{
				ID:       fmt.Sprintf("m%d", sequence),
				RoomID:   command.RoomID,
				UserID:   "user-1",
				Content:  command.Content,
				Sequence: sequence,
			})
		case command.Name == protocol.CommandJoinRoom && command.RoomID == "forbidden":
			reply, _ = protocol.NewEnvelope(protocol.EventError, protocol.ErrorPayload{Message: "room not found"})
		default:
			continue
		}
		if err := wsjson.Write(ctx, socket, reply); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func testToken(t *testing.T) string {
	t.Helper()
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("secret"),
		Issuer:        "devcircle-auth",
		Audience:      "devcircle-api",
		TokenTTL:      time.Hour,
	})
	require.NoError(t, err)
	token, _, err := issuer.Issue(context.Background(), auth.Identity{UserID: "user-1", Username: "ada"})
	require.NoError(t, err)
	return token
}

func testDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := database.OpenClientSQLite(filepath.Join(t.TempDir(), "client.db"), nil)
	require.NoError(t, err)
	return db
}

func openSession(t *testing.T, server *httptest.Server) *Session {
	t.Helper()
	return openSessionOn(t, server, testDatabase(t))
}

func openSessionOn(t *testing.T, server *httptest.Server, db *gorm.DB) *Session {
	t.Helper()
	session, err := Open(context.Background(), Config{
		ServerURL:      server.URL,
		Token:          testToken(t),
		Database:       db,
		TypingIdle:     50 * time.Millisecond,
		RedialInterval: 20 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func syncStatusOf(t *testing.T, session *Session, table string, localID int64) string {
	t.Helper()
	records, err := session.Cache().ListAll(context.Background(), table)
	require.NoError(t, err)
	for _, record := range records {
		if record.ID != localID {
			continue
		}
		var payload map[string]any
		require.NoError(t, record.Decode(&payload))
		status, _ := payload["syncStatus"].(string)
		return status
	}
	t.Fatalf("record %s/%d not cached", table, localID)
	return ""
}

func TestOpenValidatesConfig(t *testing.T) {
	_, err := Open(context.Background(), Config{ServerURL: "http://127.0.0.1:1", Token: "x"})
	require.ErrorIs(t, err, ErrMissingDatabase)

	_, err = Open(context.Background(), Config{ServerURL: "http://127.0.0.1:1", Token: "not-a-jwt", Database: testDatabase(t)})
	require.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestOfflineMutationsReplayWhenServerReturns(t *testing.T) {
	fake := &fakeServer{}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	session := openSession(t, server)
	ctx := context.Background()
	require.False(t, session.Connectivity().IsOnline())

	journalID, err := session.CreateJournalEntry(ctx, JournalEntry{Mood: "Happy", Text: "day one"})
	require.NoError(t, err)
	messageID, err := session.SendMessage(ctx, "room-1", "sent offline", false)
	require.NoError(t, err)
	require.NotZero(t, messageID)

	pending, err := session.Outbox().PendingCount(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, pending)
	require.Len(t, session.View().Pending("room-1"), 1)
	require.Empty(t, session.View().Messages("room-1"))
	require.Equal(t, syncStatusPending, syncStatusOf(t, session, cache.TableJournalEntries, journalID))
	require.ErrorIs(t, session.ReportContent(ctx, Report{TargetType: "post", TargetID: "p1", Reason: "spam"}), ErrRequiresConnectivity)
	require.Empty(t, fake.Requests())

	fake.setOnline(true)
	require.Eventually(t, func() bool {
		count, err := session.Outbox().PendingCount(ctx)
		return err == nil && count == 0
	}, 3*time.Second, 20*time.Millisecond)

	requests := fake.Requests()
	require.Len(t, requests, 2)
	require.Equal(t, "/api/journal", requests[0].Path)
	require.Equal(t, "Happy", requests[0].Body["mood"])
	require.Equal(t, "/api/rooms/room-1/messages", requests[1].Path)
	require.Equal(t, "sent offline", requests[1].Body["content"])

	require.Eventually(t, func() bool { return len(session.View().Pending("room-1")) == 0 }, time.Second, 10*time.Millisecond)
	require.Equal(t, syncStatusSynced, syncStatusOf(t, session, cache.TableJournalEntries, journalID))
	require.Equal(t, syncStatusSynced, syncStatusOf(t, session, cache.TableMessages, messageID))
	require.True(t, session.Connectivity().IsOnline())
}

func TestOnlineSessionSendsLiveAndAppliesDirectly(t *testing.T) {
	fake := &fakeServer{online: true}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	session := openSession(t, server)
	ctx := context.Background()
	require.True(t, session.Connectivity().IsOnline())

	session.JoinRoom("room-1")
	localID, err := session.SendMessage(ctx, "room-1", "hello live", false)
	require.NoError(t, err)
	require.Zero(t, localID)
	require.Eventually(t, func() bool { return len(session.View().Messages("room-1")) == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "hello live", session.View().Messages("room-1")[0].Content)

	journalID, err := session.CreateJournalEntry(ctx, JournalEntry{Mood: "Calm", Text: "direct"})
	require.NoError(t, err)
	require.Equal(t, syncStatusSynced, syncStatusOf(t, session, cache.TableJournalEntries, journalID))
	require.NoError(t, session.RateTutorial(ctx, "tut-9", 5))
	require.NoError(t, session.ReportContent(ctx, Report{TargetType: "post", TargetID: "p1", Reason: "spam"}))

	items, err := session.Outbox().List(ctx)
	require.NoError(t, err)
	require.Empty(t, items)

	paths := make([]string, 0)
	for _, request := range fake.Requests() {
		paths = append(paths, request.Path)
	}
	require.Equal(t, []string{"/api/journal", "/api/tutorials/tut-9/ratings", "/api/reports"}, paths)

	_, err = session.SendMessage(ctx, "room-1", "   ", false)
	require.ErrorIs(t, err, ErrEmptyMessage)
}

func TestTerminalDirectFailureIsNotQueued(t *testing.T) {
	fake := &fakeServer{online: true, tutorialStatus: http.StatusUnprocessableEntity}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	session := openSession(t, server)
	ctx := context.Background()

	localID, err := session.CreateTutorial(ctx, Tutorial{Title: "Generics", Category: "go"})
	require.Error(t, err)
	require.True(t, outbox.IsTerminal(err))
	require.Equal(t, syncStatusFailed, syncStatusOf(t, session, cache.TableTutorials, localID))

	items, err := session.Outbox().List(ctx)
	require.NoError(t, err)
	require.Empty(t, items)
}

func TestServerErrorsReachErrorStream(t *testing.T) {
	fake := &fakeServer{online: true}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	session := openSession(t, server)
	session.JoinRoom("forbidden")

	select {
	case err := <-session.Errors():
		require.EqualError(t, err, "room not found")
	case <-time.After(2 * time.Second):
		t.Fatal("expected server error")
	}
	require.Equal(t, "room not found", session.View().LastError())
	require.Equal(t, realtime.StateConnected, session.View().State())
}

func TestLoadHistoryAndRefreshTutorials(t *testing.T) {
	fake := &fakeServer{online: true, history: []protocol.Message{
		{ID: "h2", RoomID: "room-1", Content: "second", Sequence: 2},
		{ID: "h1", RoomID: "room-1", Content: "first", Sequence: 1},
	}}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	session := openSession(t, server)
	ctx := context.Background()

	require.NoError(t, session.LoadHistory(ctx, "room-1"))
	require.NoError(t, session.LoadHistory(ctx, "room-1"))
	messages := session.View().Messages("room-1")
	require.Len(t, messages, 2)
	require.Equal(t, "first", messages[0].Content)

	require.NoError(t, session.RefreshTutorials(ctx))
	require.NoError(t, session.RefreshTutorials(ctx))
	records, err := session.Cache().ListAll(ctx, cache.TableTutorials)
	require.NoError(t, err)
	require.Len(t, records, 2)
}

func TestRetryFailedRequeuesPendingMessages(t *testing.T) {
	fake := &fakeServer{}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	session := openSession(t, server)
	ctx := context.Background()

	localID, err := session.SendMessage(ctx, "room-1", "try me", false)
	require.NoError(t, err)
	for attempt := 0; attempt < outbox.MaxAttempts; attempt++ {
		_, err := session.Outbox().Drain(ctx)
		require.NoError(t, err)
	}
	pending := session.View().Pending("room-1")
	require.Len(t, pending, 1)
	require.Equal(t, localID, pending[0].LocalID)
	require.Equal(t, "failed", string(pending[0].Status))

	fake.setOnline(true)
	report, err := session.RetryFailed(ctx)
	require.NoError(t, err)
	require.False(t, report.Busy)
	require.LessOrEqual(t, report.Synced, 1)
	require.Eventually(t, func() bool { return len(session.View().Pending("room-1")) == 0 }, 3*time.Second, 10*time.Millisecond)
}

func queuedJournalEntry(t *testing.T, server *httptest.Server, db *gorm.DB) {
	t.Helper()
	offline := openSessionOn(t, server, db)
	_, err := offline.CreateJournalEntry(context.Background(), JournalEntry{Mood: "Tired", Text: "late night"})
	require.NoError(t, err)
	require.NoError(t, offline.Close())
}

func onlyItem(t *testing.T, session *Session) outbox.Item {
	t.Helper()
	items, err := session.Outbox().List(context.Background())
	require.NoError(t, err)
	require.Len(t, items, 1)
	return items[0]
}

func TestCloseSettlesReplayInFlight(t *testing.T) {
	fake := &fakeServer{}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)
	db := testDatabase(t)
	queuedJournalEntry(t, server, db)

	fake.mu.Lock()
	fake.journalDelay = 300 * time.Millisecond
	fake.mu.Unlock()
	fake.setOnline(true)

	session := openSessionOn(t, server, db)
	require.Eventually(t, func() bool { return fake.countRequests("/api/journal") == 1 }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, session.Close())

	item := onlyItem(t, session)
	require.Equal(t, outbox.StatusSynced, item.SyncStatus)
	require.Zero(t, item.RetryCount)

	reopened := openSessionOn(t, server, db)
	require.Never(t, func() bool { return fake.countRequests("/api/journal") > 1 }, 200*time.Millisecond, 20*time.Millisecond)
	require.Equal(t, outbox.StatusSynced, onlyItem(t, reopened).SyncStatus)
}

func TestFlushWaitsForStartupReplay(t *testing.T) {
	fake := &fakeServer{}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)
	db := testDatabase(t)
	queuedJournalEntry(t, server, db)

	fake.mu.Lock()
	fake.journalDelay = 200 * time.Millisecond
	fake.mu.Unlock()
	fake.setOnline(true)

	session := openSessionOn(t, server, db)
	report, err := session.Outbox().Flush(context.Background())
	require.NoError(t, err)
	require.False(t, report.Busy)
	require.NoError(t, session.Close())

	require.Equal(t, outbox.StatusSynced, onlyItem(t, session).SyncStatus)
	require.Equal(t, 1, fake.countRequests("/api/journal"))
}

func TestKeystrokeSignalsTypingOnceUntilIdle(t *testing.T) {
	fake := &fakeServer{online: true}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	session := openSession(t, server)
	session.JoinRoom("room-1")
	session.Keystroke("room-1")
	session.Keystroke("room-1")

	typing := func() []string {
		var names []string
		for _, name := range fake.Commands() {
			if name == protocol.CommandTypingStart || name == protocol.CommandTypingStop {
				names = append(names, name)
			}
		}
		return names
	}
	require.Eventually(t, func() bool { return len(typing()) >= 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, protocol.CommandTypingStart, typing()[0])

	require.Eventually(t, func() bool { return len(typing()) == 2 }, 2*time.Second, 5*time.Millisecond)
	require.Never(t, func() bool { return len(typing()) > 2 }, 200*time.Millisecond, 20*time.Millisecond)
	require.Equal(t, []string{protocol.CommandTypingStart, protocol.CommandTypingStop}, typing())
}
