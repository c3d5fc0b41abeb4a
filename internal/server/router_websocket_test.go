package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/devcircle/internal/protocol"
	"github.com/MarcoPoloResearchLab/devcircle/internal/realtime"
	"nhooyr.io/websocket"
)

func openChannel(t *testing.T, fixture serverFixture, token string) *realtime.Channel {
	t.Helper()
	channel, err := realtime.NewChannel(realtime.Config{ServerURL: fixture.server.URL, Token: token})
	if err != nil {
		t.Fatalf("failed to build channel: %v", err)
	}
	t.Cleanup(func() { _ = channel.Close() })
	if err := channel.Connect(context.Background()); err != nil {
		t.Fatalf("failed to connect channel: %v", err)
	}
	return channel
}

func awaitEvent(t *testing.T, channel *realtime.Channel, match func(realtime.Event) bool) realtime.Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case event := <-channel.Events():
			if match(event) {
				return event
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event")
			return nil
		}
	}
}

func awaitContent(t *testing.T, channel *realtime.Channel, content string) protocol.Message {
	t.Helper()
	event := awaitEvent(t, channel, func(event realtime.Event) bool {
		message, ok := event.(realtime.NewMessage)
		return ok && message.Message.Content == content
	})
	return event.(realtime.NewMessage).Message
}

func awaitRosterWith(t *testing.T, channel *realtime.Channel, userIDs ...string) {
	t.Helper()
	awaitEvent(t, channel, func(event realtime.Event) bool {
		roster, ok := event.(realtime.OnlineUsers)
		if !ok {
			return false
		}
		joined := "," + strings.Join(roster.UserIDs, ",") + ","
		for _, userID := range userIDs {
			if !strings.Contains(joined, ","+userID+",") {
				return false
			}
		}
		return true
	})
}

func TestWebSocketHandshakeRequiresValidToken(t *testing.T) {
	fixture := newServerFixture(t)
	wsURL := "ws" + strings.TrimPrefix(fixture.server.URL, "http") + websocketPath

	_, response, err := websocket.Dial(context.Background(), wsURL, nil)
	if err == nil {
		t.Fatalf("expected handshake without token to fail")
	}
	if response == nil || response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 response, got %+v", response)
	}

	channel, err := realtime.NewChannel(realtime.Config{ServerURL: fixture.server.URL, Token: "forged"})
	if err != nil {
		t.Fatalf("failed to build channel: %v", err)
	}
	t.Cleanup(func() { _ = channel.Close() })
	if err := channel.Connect(context.Background()); !errors.Is(err, realtime.ErrHandshakeRejected) {
		t.Fatalf("expected rejected handshake, got %v", err)
	}

	socket, _, err := websocket.Dial(context.Background(), wsURL+"?access_token="+fixture.token(t, "alice"), nil)
	if err != nil {
		t.Fatalf("expected query token handshake to succeed: %v", err)
	}
	socket.Close(websocket.StatusNormalClosure, "")
}

func TestLiveAndReplayedMessagesShareRoomOrder(t *testing.T) {
	fixture := newServerFixture(t)
	aliceToken := fixture.token(t, "alice")
	bobToken := fixture.token(t, "bob")

	alice := openChannel(t, fixture, aliceToken)
	bob := openChannel(t, fixture, bobToken)
	awaitRosterWith(t, alice, "alice", "bob")

	roomID := fixture.createRoom(t, aliceToken, "lobby", "public")
	if status := fixture.do(t, http.MethodPost, "/api/rooms/"+roomID+"/join", bobToken, nil, nil); status != http.StatusNoContent {
		t.Fatalf("expected join 204, got %d", status)
	}

	alice.SendMessage(roomID, "live hello", false)
	live := awaitContent(t, bob, "live hello")
	if live.Author.Username != "alice-name" {
		t.Fatalf("expected author summary from profile, got %+v", live.Author)
	}

	if status := fixture.do(t, http.MethodPost, "/api/rooms/"+roomID+"/messages", bobToken, postMessagePayload{Content: "replayed"}, nil); status != http.StatusCreated {
		t.Fatalf("expected replay 201, got %d", status)
	}
	replayed := awaitContent(t, alice, "replayed")
	if replayed.Sequence <= live.Sequence {
		t.Fatalf("expected replayed message after live one, got %d then %d", live.Sequence, replayed.Sequence)
	}
	awaitEvent(t, alice, func(event realtime.Event) bool {
		notification, ok := event.(realtime.Notification)
		return ok && notification.MessageID == replayed.ID && notification.SenderID == "bob"
	})
}

func TestPrivateRoomRejectsNonMemberOverWebSocket(t *testing.T) {
	fixture := newServerFixture(t)
	aliceToken := fixture.token(t, "alice")
	carolToken := fixture.token(t, "carol")
	roomID := fixture.createRoom(t, aliceToken, "secret", "private")

	alice := openChannel(t, fixture, aliceToken)
	carol := openChannel(t, fixture, carolToken)
	awaitRosterWith(t, carol, "alice", "carol")

	carol.JoinRoom(roomID)
	carol.SendMessage(roomID, "let me in", false)
	event := awaitEvent(t, carol, func(event realtime.Event) bool {
		_, ok := event.(realtime.ServerError)
		return ok
	})
	if event.(realtime.ServerError).Message == "" {
		t.Fatalf("expected error message")
	}

	alice.SendMessage(roomID, "members only", false)
	message := awaitContent(t, alice, "members only")
	if message.Sequence != 1 {
		t.Fatalf("expected rejected message to leave no trace, got sequence %d", message.Sequence)
	}
}
