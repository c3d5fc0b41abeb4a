// Package outbox is the durable queue of mutations that could not, or should not,
// be applied to the server immediately, together with the engine that replays
// them when connectivity returns.
package outbox

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

// MaxAttempts is the retry ceiling after which an item is marked failed.
const MaxAttempts = 3

// Status is the sync state of a queued item.
type Status string

const (
	StatusPending Status = "pending"
	StatusSynced  Status = "synced"
	StatusFailed  Status = "failed"
)

var (
	ErrMissingDatabase = errors.New("outbox: database connection required")
	ErrMissingApplier  = errors.New("outbox: applier required")
	ErrMissingType     = errors.New("outbox: item type required")
	// ErrUnsupportedType is returned by an Applier that has no remote operation
	// for an item type. Such items are skipped and stay pending.
	ErrUnsupportedType = errors.New("outbox: unsupported item type")
)

// Item is one queued mutation. The queue is agnostic to the payload schema.
type Item struct {
	ID         int64      `gorm:"column:item_id;primaryKey;autoIncrement"`
	Type       string     `gorm:"column:type;size:64;not null;index"`
	Payload    string     `gorm:"column:payload;type:text;not null"`
	CreatedAt  time.Time  `gorm:"column:created_at;not null"`
	RetryCount int        `gorm:"column:retry_count;not null;default:0"`
	SyncStatus Status     `gorm:"column:sync_status;size:16;not null;index"`
	SyncedAt   *time.Time `gorm:"column:synced_at"`
	LastError  string     `gorm:"column:last_error;type:text;not null;default:''"`
}

// TableName provides the explicit table binding for GORM.
func (Item) TableName() string {
	return "sync_queue"
}

// RawPayload returns the stored payload as raw JSON.
func (i Item) RawPayload() json.RawMessage {
	return json.RawMessage(i.Payload)
}

// Applier performs the type-specific remote operation for a queued item.
type Applier interface {
	Apply(ctx context.Context, itemType string, payload json.RawMessage) error
}

// OnlineReporter exposes the current connectivity state.
type OnlineReporter interface {
	IsOnline() bool
}

// Observer is notified with the new state of an item after every transition.
type Observer func(Item)

// Report summarizes one drain pass.
type Report struct {
	Attempted int
	Synced    int
	Retrying  int
	Failed    int
	Skipped   int
	// Busy is set when another drain was already in flight and this call did nothing.
	Busy bool
}

func (r *Report) add(other Report) {
	r.Attempted += other.Attempted
	r.Synced += other.Synced
	r.Retrying += other.Retrying
	r.Failed += other.Failed
	r.Skipped += other.Skipped
}

// Config describes the dependencies of the queue.
type Config struct {
	Database     *gorm.DB
	Applier      Applier
	Connectivity OnlineReporter
	Clock        func() time.Time
	Logger       *zap.Logger
	Observer     Observer
}

// Queue is the durable outbox.
type Queue struct {
	db       *gorm.DB
	applier  Applier
	online   OnlineReporter
	clock    func() time.Time
	logger   *zap.Logger
	observer Observer

	guard      sync.Mutex
	running    bool
	rerun      bool
	idle       chan struct{}
	background sync.WaitGroup
	baseCtx    context.Context
	cancel     context.CancelFunc
}

// NewQueue constructs a Queue. A nil Connectivity disables drain-on-enqueue.
func NewQueue(cfg Config) (*Queue, error) {
	if cfg.Database == nil {
		return nil, ErrMissingDatabase
	}
	if cfg.Applier == nil {
		return nil, ErrMissingApplier
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Queue{
		db:       cfg.Database,
		applier:  cfg.Applier,
		online:   cfg.Connectivity,
		clock:    clock,
		logger:   logger,
		observer: cfg.Observer,
		baseCtx:  baseCtx,
		cancel:   cancel,
	}, nil
}

// Enqueue appends a pending item. When online it starts a drain in the
// background; the caller never waits for remote work.
func (q *Queue) Enqueue(ctx context.Context, itemType string, payload any) (Item, error) {
	itemType = strings.TrimSpace(itemType)
	if itemType == "" {
		return Item{}, ErrMissingType
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return Item{}, fmt.Errorf("outbox: encode payload: %w", err)
	}
	item := Item{
		Type:       itemType,
		Payload:    string(encoded),
		CreatedAt:  q.clock().UTC(),
		SyncStatus: StatusPending,
	}
	if err := q.db.WithContext(ctx).Create(&item).Error; err != nil {
		q.logError("enqueue", "insert_failed", err, zap.String("type", itemType))
		return Item{}, fmt.Errorf("outbox: enqueue: %w", err)
	}
	q.logger.Debug("outbox item enqueued", zap.Int64("item_id", item.ID), zap.String("type", item.Type))
	q.notify(item)

	if q.online != nil && q.online.IsOnline() {
		q.DrainAsync()
	}
	return item, nil
}

// DrainAsync starts a drain that Close waits for.
func (q *Queue) DrainAsync() {
	if q.baseCtx.Err() != nil {
		return
	}
	q.background.Add(1)
	go func() {
		defer q.background.Done()
		if _, err := q.Drain(q.baseCtx); err != nil && !errors.Is(err, context.Canceled) {
			q.logError("drain", "background_failed", err)
		}
	}()
}

// Drain applies every pending item in enqueue order, one at a time. A drain that
// starts while another is in flight returns immediately with Report.Busy set and
// makes the running drain take one more pass before it finishes.
func (q *Queue) Drain(ctx context.Context) (Report, error) {
	if _, acquired := q.acquire(true); !acquired {
		return Report{Busy: true}, nil
	}
	return q.drainPasses(ctx)
}

// Flush waits for a drain in flight to finish and then drains.
func (q *Queue) Flush(ctx context.Context) (Report, error) {
	for {
		idle, acquired := q.acquire(false)
		if acquired {
			return q.drainPasses(ctx)
		}
		select {
		case <-idle:
		case <-ctx.Done():
			return Report{}, ctx.Err()
		}
	}
}

// Draining reports whether a drain is in flight.
func (q *Queue) Draining() bool {
	q.guard.Lock()
	defer q.guard.Unlock()
	return q.running
}

func (q *Queue) acquire(requestRerun bool) (<-chan struct{}, bool) {
	q.guard.Lock()
	defer q.guard.Unlock()
	if q.running {
		if requestRerun {
			q.rerun = true
		}
		return q.idle, false
	}
	q.running = true
	q.rerun = false
	q.idle = make(chan struct{})
	return nil, true
}

// release drops the guard unless another pass was requested and keep is set.
func (q *Queue) release(keep bool) bool {
	q.guard.Lock()
	defer q.guard.Unlock()
	if keep && q.rerun {
		q.rerun = false
		return true
	}
	q.running = false
	q.rerun = false
	close(q.idle)
	return false
}

func (q *Queue) drainPasses(ctx context.Context) (Report, error) {
	var total Report
	for {
		report, err := q.drainOnce(ctx)
		total.add(report)
		if err != nil {
			q.release(false)
			return total, err
		}
		if !q.release(ctx.Err() == nil) {
			break
		}
	}
	if total.Attempted > 0 || total.Skipped > 0 {
		q.logger.Info("outbox drained",
			zap.Int("attempted", total.Attempted),
			zap.Int("synced", total.Synced),
			zap.Int("retrying", total.Retrying),
			zap.Int("failed", total.Failed),
			zap.Int("skipped", total.Skipped))
	}
	return total, nil
}

// drainOnce makes one pass over the pending items. Cancellation is honoured
// between items only: an item handed to the applier is always settled.
func (q *Queue) drainOnce(ctx context.Context) (Report, error) {
	var pending []Item
	if err := q.db.WithContext(ctx).
		Where("sync_status = ?", StatusPending).
		Order("item_id ASC").
		Find(&pending).Error; err != nil {
		q.logError("drain", "load_failed", err)
		return Report{}, fmt.Errorf("outbox: load pending: %w", err)
	}

	var report Report
	for _, item := range pending {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		settleCtx := context.WithoutCancel(ctx)
		applyErr := q.applier.Apply(settleCtx, item.Type, item.RawPayload())
		if errors.Is(applyErr, ErrUnsupportedType) {
			q.logger.Warn("skipping outbox item with unsupported type",
				zap.Int64("item_id", item.ID),
				zap.String("type", item.Type))
			report.Skipped++
			continue
		}
		report.Attempted++

		updated := q.settle(item, applyErr)
		if err := q.db.WithContext(settleCtx).Model(&Item{}).
			Where("item_id = ?", item.ID).
			Updates(map[string]any{
				"retry_count": updated.RetryCount,
				"sync_status": updated.SyncStatus,
				"synced_at":   updated.SyncedAt,
				"last_error":  updated.LastError,
			}).Error; err != nil {
			q.logError("drain", "update_failed", err, zap.Int64("item_id", item.ID))
			return report, fmt.Errorf("outbox: record item state: %w", err)
		}
		switch updated.SyncStatus {
		case StatusSynced:
			report.Synced++
		case StatusFailed:
			report.Failed++
		default:
			report.Retrying++
		}
		q.notify(updated)
	}
	return report, nil
}

func (q *Queue) settle(item Item, applyErr error) Item {
	if applyErr == nil {
		now := q.clock().UTC()
		item.SyncStatus = StatusSynced
		item.SyncedAt = &now
		item.LastError = ""
		return item
	}
	item.RetryCount++
	item.LastError = applyErr.Error()
	switch {
	case IsTerminal(applyErr):
		item.SyncStatus = StatusFailed
		q.logger.Warn("outbox item rejected",
			zap.Int64("item_id", item.ID),
			zap.String("type", item.Type),
			zap.Error(applyErr))
	case item.RetryCount >= MaxAttempts:
		item.SyncStatus = StatusFailed
		q.logger.Warn("outbox item exhausted retries",
			zap.Int64("item_id", item.ID),
			zap.String("type", item.Type),
			zap.Int("retry_count", item.RetryCount),
			zap.Error(applyErr))
	default:
		item.SyncStatus = StatusPending
		q.logger.Info("outbox item will be retried",
			zap.Int64("item_id", item.ID),
			zap.String("type", item.Type),
			zap.Int("retry_count", item.RetryCount),
			zap.Error(applyErr))
	}
	return item
}

// RetryFailed resets every failed item to pending with a zero retry count and
// drains, waiting out a drain already in flight.
func (q *Queue) RetryFailed(ctx context.Context) (Report, error) {
	result := q.db.WithContext(ctx).Model(&Item{}).
		Where("sync_status = ?", StatusFailed).
		Updates(map[string]any{"sync_status": StatusPending, "retry_count": 0, "last_error": ""})
	if result.Error != nil {
		q.logError("retry_failed", "reset_failed", result.Error)
		return Report{}, fmt.Errorf("outbox: reset failed items: %w", result.Error)
	}
	q.logger.Info("outbox failed items reactivated", zap.Int64("count", result.RowsAffected))
	return q.Flush(ctx)
}

// ClearSynced deletes every synced item and returns how many were removed.
func (q *Queue) ClearSynced(ctx context.Context) (int64, error) {
	result := q.db.WithContext(ctx).Where("sync_status = ?", StatusSynced).Delete(&Item{})
	if result.Error != nil {
		q.logError("clear_synced", "delete_failed", result.Error)
		return 0, fmt.Errorf("outbox: clear synced: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// List returns items in enqueue order, optionally restricted to statuses.
func (q *Queue) List(ctx context.Context, statuses ...Status) ([]Item, error) {
	query := q.db.WithContext(ctx).Order("item_id ASC")
	if len(statuses) > 0 {
		query = query.Where("sync_status IN ?", statuses)
	}
	var items []Item
	if err := query.Find(&items).Error; err != nil {
		return nil, fmt.Errorf("outbox: list: %w", err)
	}
	return items, nil
}

// PendingCount returns the number of pending items.
func (q *Queue) PendingCount(ctx context.Context) (int64, error) {
	var count int64
	if err := q.db.WithContext(ctx).Model(&Item{}).Where("sync_status = ?", StatusPending).Count(&count).Error; err != nil {
		return 0, fmt.Errorf("outbox: count pending: %w", err)
	}
	return count, nil
}

// Close stops background drains and waits for any in flight to settle the item
// it is applying.
func (q *Queue) Close() {
	q.cancel()
	q.background.Wait()
}

func (q *Queue) notify(item Item) {
	if q.observer != nil {
		q.observer(item)
	}
}

func (q *Queue) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	q.logger.Error("outbox error", attrs...)
}
