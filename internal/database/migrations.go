package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/devcircle/internal/chat"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationNormalizeRoomTypes = "2026-09-14_normalize_room_types"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeRoomTypes, apply: normalizeRoomTypes},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeRoomTypes lowercases and trims stored room types. Unknown values become private.
func normalizeRoomTypes(db *gorm.DB) error {
	if err := db.Model(&chat.Room{}).
		Where("type <> LOWER(TRIM(type))").
		Update("type", gorm.Expr("LOWER(TRIM(type))")).Error; err != nil {
		return err
	}
	return db.Model(&chat.Room{}).
		Where("type NOT IN ?", []string{string(chat.RoomTypePublic), string(chat.RoomTypePrivate), string(chat.RoomTypeDirect)}).
		Update("type", string(chat.RoomTypePrivate)).Error
}
