// Package cache is the device-local record store. Records are grouped into
// logical tables, survive restarts and are reloaded into an in-memory view after
// every mutation so readers never observe a partial write.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Known logical tables.
const (
	TableTutorials      = "tutorials"
	TableMessages       = "messages"
	TableJournalEntries = "journalEntries"
)

var (
	ErrStorageUnavailable = errors.New("cache: storage unavailable")
	ErrUnknownTable       = errors.New("cache: unknown table")
	ErrRecordNotFound     = errors.New("cache: record not found")
	ErrInvalidPayload     = errors.New("cache: payload must be a JSON object")
)

// Record is one cached entity.
type Record struct {
	ID           int64     `gorm:"column:record_id;primaryKey;autoIncrement"`
	Table        string    `gorm:"column:table_name;size:64;not null;index"`
	Payload      string    `gorm:"column:payload;type:text;not null"`
	LastModified time.Time `gorm:"column:last_modified;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Record) TableName() string {
	return "cached_records"
}

// Decode unmarshals the record payload into target.
func (r Record) Decode(target any) error {
	return json.Unmarshal([]byte(r.Payload), target)
}

// ChangeListener observes the reloaded view of a table after each mutation.
type ChangeListener func(table string, records []Record)

// Config describes the dependencies of the store.
type Config struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	Tables   []string
}

// Store is the local cache store.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
	tables map[string]struct{}

	mu        sync.RWMutex
	views     map[string][]Record
	listeners []ChangeListener
}

// NewStore constructs a Store. Tables defaults to the known logical tables.
func NewStore(cfg Config) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("cache: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	names := cfg.Tables
	if len(names) == 0 {
		names = []string{TableTutorials, TableMessages, TableJournalEntries}
	}
	tables := make(map[string]struct{}, len(names))
	for _, name := range names {
		tables[name] = struct{}{}
	}
	return &Store{
		db:     cfg.Database,
		clock:  clock,
		logger: logger,
		tables: tables,
		views:  make(map[string][]Record),
	}, nil
}

// OnChange registers a listener invoked with the fresh view after every mutation.
func (s *Store) OnChange(listener ChangeListener) {
	if listener == nil {
		return
	}
	s.mu.Lock()
	s.listeners = append(s.listeners, listener)
	s.mu.Unlock()
}

// Snapshot returns the last loaded view of table without touching storage.
func (s *Store) Snapshot(table string) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view := s.views[table]
	out := make([]Record, len(view))
	copy(out, view)
	return out
}

// ListAll loads every record of table ordered by id.
func (s *Store) ListAll(ctx context.Context, table string) ([]Record, error) {
	if err := s.checkTable(table); err != nil {
		return nil, err
	}
	return s.reload(ctx, table, false)
}

// Add stores payload as a new record and returns its local id.
func (s *Store) Add(ctx context.Context, table string, payload any) (int64, error) {
	if err := s.checkTable(table); err != nil {
		return 0, err
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("cache: encode payload: %w", err)
	}
	record := Record{Table: table, Payload: string(encoded), LastModified: s.clock().UTC()}
	if err := s.db.WithContext(ctx).Create(&record).Error; err != nil {
		return 0, s.storageError("add", table, err)
	}
	if _, err := s.reload(ctx, table, true); err != nil {
		return record.ID, err
	}
	return record.ID, nil
}

// Update merges changes into the JSON object stored under id.
func (s *Store) Update(ctx context.Context, table string, id int64, changes map[string]any) error {
	if err := s.checkTable(table); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var record Record
		err := tx.Where("table_name = ? AND record_id = ?", table, id).Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s/%d", ErrRecordNotFound, table, id)
		}
		if err != nil {
			return s.storageError("update", table, err)
		}
		fields := map[string]any{}
		if err := json.Unmarshal([]byte(record.Payload), &fields); err != nil {
			return fmt.Errorf("%w: %s/%d", ErrInvalidPayload, table, id)
		}
		for key, value := range changes {
			fields[key] = value
		}
		encoded, err := json.Marshal(fields)
		if err != nil {
			return fmt.Errorf("cache: encode payload: %w", err)
		}
		if err := tx.Model(&Record{}).
			Where("record_id = ?", record.ID).
			Updates(map[string]any{"payload": string(encoded), "last_modified": s.clock().UTC()}).Error; err != nil {
			return s.storageError("update", table, err)
		}
		return nil
	})
	if err != nil {
		return err
	}
	_, err = s.reload(ctx, table, true)
	return err
}

// Delete removes the record stored under id. Deleting a missing id is a no-op.
func (s *Store) Delete(ctx context.Context, table string, id int64) error {
	if err := s.checkTable(table); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Where("table_name = ? AND record_id = ?", table, id).Delete(&Record{}).Error; err != nil {
		return s.storageError("delete", table, err)
	}
	_, err := s.reload(ctx, table, true)
	return err
}

// Clear removes every record of table.
func (s *Store) Clear(ctx context.Context, table string) error {
	if err := s.checkTable(table); err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Where("table_name = ?", table).Delete(&Record{}).Error; err != nil {
		return s.storageError("clear", table, err)
	}
	_, err := s.reload(ctx, table, true)
	return err
}

// ReplaceAll swaps the contents of table for payloads in one transaction. It is
// the read-through refresh path: authoritative server state overwrites the cache.
func (s *Store) ReplaceAll(ctx context.Context, table string, payloads []any) error {
	if err := s.checkTable(table); err != nil {
		return err
	}
	now := s.clock().UTC()
	records := make([]Record, 0, len(payloads))
	for _, payload := range payloads {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("cache: encode payload: %w", err)
		}
		records = append(records, Record{Table: table, Payload: string(encoded), LastModified: now})
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("table_name = ?", table).Delete(&Record{}).Error; err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		return tx.Create(&records).Error
	})
	if err != nil {
		return s.storageError("replace_all", table, err)
	}
	_, err = s.reload(ctx, table, true)
	return err
}

func (s *Store) reload(ctx context.Context, table string, notify bool) ([]Record, error) {
	var records []Record
	if err := s.db.WithContext(ctx).Where("table_name = ?", table).Order("record_id ASC").Find(&records).Error; err != nil {
		return nil, s.storageError("reload", table, err)
	}

	s.mu.Lock()
	s.views[table] = records
	listeners := append([]ChangeListener(nil), s.listeners...)
	s.mu.Unlock()

	if notify {
		for _, listener := range listeners {
			view := make([]Record, len(records))
			copy(view, records)
			listener(table, view)
		}
	}
	out := make([]Record, len(records))
	copy(out, records)
	return out, nil
}

func (s *Store) checkTable(table string) error {
	if _, ok := s.tables[strings.TrimSpace(table)]; !ok || strings.TrimSpace(table) != table {
		return fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	return nil
}

func (s *Store) storageError(operation, table string, err error) error {
	s.logger.Error("cache storage error",
		zap.String("operation", operation),
		zap.String("table", table),
		zap.Error(err))
	return fmt.Errorf("%w: %s %s: %v", ErrStorageUnavailable, operation, table, err)
}
