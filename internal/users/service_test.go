package users

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/devcircle/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "users.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Profile{}); err != nil {
		t.Fatalf("failed to migrate profile schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestTouchCreatesAndRefreshesProfile(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	profile, err := service.Touch(ctx, auth.Identity{UserID: "user-1", Username: "ada"})
	if err != nil {
		t.Fatalf("touch failed: %v", err)
	}
	if profile.Username != "ada" || profile.DisplayName != "ada" {
		t.Fatalf("unexpected profile %#v", profile)
	}

	profile, err = service.Touch(ctx, auth.Identity{UserID: "user-1", Username: "ada.l"})
	if err != nil {
		t.Fatalf("second touch failed: %v", err)
	}
	if profile.Username != "ada.l" {
		t.Fatalf("expected username to be refreshed, got %q", profile.Username)
	}

	author, err := service.Summary(ctx, "user-1")
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if author.Username != "ada.l" || author.ID != "user-1" {
		t.Fatalf("unexpected author summary %#v", author)
	}
}

func TestSummaryFallsBackForUnknownUser(t *testing.T) {
	service := newTestService(t)

	author, err := service.Summary(context.Background(), "ghost")
	if err != nil {
		t.Fatalf("summary failed: %v", err)
	}
	if author.ID != "ghost" || author.Username != "ghost" {
		t.Fatalf("unexpected fallback summary %#v", author)
	}
}

func TestTouchRejectsEmptyIdentity(t *testing.T) {
	service := newTestService(t)
	if _, err := service.Touch(context.Background(), auth.Identity{UserID: " "}); err != ErrInvalidIdentity {
		t.Fatalf("expected invalid identity error, got %v", err)
	}
}
