package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/devcircle/internal/auth"
	"github.com/MarcoPoloResearchLab/devcircle/internal/broker"
	"github.com/MarcoPoloResearchLab/devcircle/internal/chat"
	"github.com/MarcoPoloResearchLab/devcircle/internal/database"
	"github.com/MarcoPoloResearchLab/devcircle/internal/users"
	"github.com/gin-gonic/gin"
)

type serverFixture struct {
	server *httptest.Server
	tokens *auth.TokenIssuer
	chat   *chat.Service
}

func newServerFixture(t *testing.T) serverFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "server.db"), nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	chatService, err := chat.NewService(chat.ServiceConfig{Database: db, IDProvider: chat.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to build chat service: %v", err)
	}
	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build user service: %v", err)
	}
	deliveryBroker, err := broker.New(broker.Config{Chat: chatService, Authors: userService})
	if err != nil {
		t.Fatalf("failed to build broker: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = deliveryBroker.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	tokens, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "devcircle-auth",
		Audience:      "devcircle-api",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Tokens: tokens,
		Chat:   chatService,
		Users:  userService,
		Broker: deliveryBroker,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return serverFixture{server: server, tokens: tokens, chat: chatService}
}

func (f serverFixture) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := f.tokens.Issue(context.Background(), auth.Identity{UserID: userID, Username: userID + "-name"})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (f serverFixture) do(t *testing.T, method, path, token string, body any, out any) int {
	t.Helper()
	var payload []byte
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		payload = encoded
	}
	request, err := http.NewRequest(method, f.server.URL+path, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	if out != nil && response.StatusCode < http.StatusMultipleChoices {
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode %s %s response: %v", method, path, err)
		}
	}
	return response.StatusCode
}

func (f serverFixture) createRoom(t *testing.T, token, name, roomType string, members ...string) string {
	t.Helper()
	var response struct {
		Room roomPayload `json:"room"`
	}
	status := f.do(t, http.MethodPost, "/api/rooms", token, createRoomPayload{Name: name, Type: roomType, Members: members}, &response)
	if status != http.StatusCreated {
		t.Fatalf("expected room creation, got status %d", status)
	}
	return response.Room.ID
}
