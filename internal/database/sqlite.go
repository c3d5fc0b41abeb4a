package database

import (
	"fmt"

	"github.com/MarcoPoloResearchLab/devcircle/internal/cache"
	"github.com/MarcoPoloResearchLab/devcircle/internal/chat"
	"github.com/MarcoPoloResearchLab/devcircle/internal/outbox"
	"github.com/MarcoPoloResearchLab/devcircle/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// OpenSQLite opens the server database and migrates the room, message and profile schema.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&chat.Room{}, &chat.RoomMember{}, &chat.Message{}, &users.Profile{}, &migrationRecord{}); err != nil {
		return nil, err
	}

	if err := applyMigrations(db, logger); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// OpenClientSQLite opens the device-local database holding the cache records and the outbox queue.
func OpenClientSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	db, err := open(path)
	if err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&cache.Record{}, &outbox.Item{}); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Debug("local store initialized", zap.String("path", path))
	}

	return db, nil
}

func open(path string) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	return db, nil
}
