package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/devcircle/internal/chat"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsNormalizesRoomTypes(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&chat.Room{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	rooms := []chat.Room{
		{ID: "room-1", Name: "lobby", Type: chat.RoomType(" Public "), CreatedBy: "alice", CreatedAt: time.Unix(1700000000, 0)},
		{ID: "room-2", Name: "team", Type: chat.RoomType("secret"), CreatedBy: "alice", CreatedAt: time.Unix(1700000000, 0)},
		{ID: "room-3", Name: "dm", Type: chat.RoomTypeDirect, CreatedBy: "alice", CreatedAt: time.Unix(1700000000, 0)},
	}
	if err := database.Create(&rooms).Error; err != nil {
		testContext.Fatalf("failed to insert rooms: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	expected := map[string]chat.RoomType{
		"room-1": chat.RoomTypePublic,
		"room-2": chat.RoomTypePrivate,
		"room-3": chat.RoomTypeDirect,
	}
	for roomID, want := range expected {
		var stored chat.Room
		if err := database.Where("room_id = ?", roomID).Take(&stored).Error; err != nil {
			testContext.Fatalf("failed to reload room %s: %v", roomID, err)
		}
		if stored.Type != want {
			testContext.Fatalf("expected room %s type %q, got %q", roomID, want, stored.Type)
		}
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationNormalizeRoomTypes).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected repeated migration run to be a no-op: %v", err)
	}
}

func TestOpenClientSQLiteCreatesLocalTables(testContext *testing.T) {
	database, err := OpenClientSQLite(filepath.Join(testContext.TempDir(), "client.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open client database: %v", err)
	}
	for _, table := range []string{"cached_records", "sync_queue"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}
}

func TestOpenSQLiteRequiresPath(testContext *testing.T) {
	if _, err := OpenSQLite("", nil); err == nil {
		testContext.Fatalf("expected error for empty path")
	}
}
