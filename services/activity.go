package services

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ripgraphics/authorsinfo-realtime/models"
)

// FeedCapacity bounds the in-memory activity feed. Older entries are
// silently evicted, no tombstone.
const FeedCapacity = 100

// FeedBuffer is the bounded most-recent-first activity feed each session
// keeps. It is a "recent activity, approximately real-time" view: receipt
// order at this process, not a global order. Callers needing real order
// query the durable table.
type FeedBuffer struct {
	mu       sync.RWMutex
	entries  []models.ActivityStreamEntry
	capacity int
}

func NewFeedBuffer(capacity int) *FeedBuffer {
	if capacity <= 0 {
		capacity = FeedCapacity
	}
	return &FeedBuffer{
		entries:  make([]models.ActivityStreamEntry, 0, capacity),
		capacity: capacity,
	}
}

// Prepend puts entry at the head of the feed and truncates to capacity. It
// reports whether the entry was inserted: an entry whose durable ID is
// already buffered is skipped, so the optimistic local echo and the
// fanned-back broadcast of the same activity only ever appear once.
func (fb *FeedBuffer) Prepend(entry models.ActivityStreamEntry) bool {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if entry.ID != uuid.Nil {
		for _, existing := range fb.entries {
			if existing.ID == entry.ID {
				return false
			}
		}
	}

	fb.entries = append([]models.ActivityStreamEntry{entry}, fb.entries...)
	if len(fb.entries) > fb.capacity {
		fb.entries = fb.entries[:fb.capacity]
	}
	return true
}

// Entries returns the feed, most recent first.
func (fb *FeedBuffer) Entries() []models.ActivityStreamEntry {
	fb.mu.RLock()
	defer fb.mu.RUnlock()

	out := make([]models.ActivityStreamEntry, len(fb.entries))
	copy(out, fb.entries)
	return out
}

// Replace swaps the whole buffer contents, truncating to capacity. Used
// when loading a persisted snapshot at startup.
func (fb *FeedBuffer) Replace(entries []models.ActivityStreamEntry) {
	fb.mu.Lock()
	defer fb.mu.Unlock()

	if len(entries) > fb.capacity {
		entries = entries[:fb.capacity]
	}
	fb.entries = make([]models.ActivityStreamEntry, len(entries))
	copy(fb.entries, entries)
}

// Len returns the current number of buffered entries.
func (fb *FeedBuffer) Len() int {
	fb.mu.RLock()
	defer fb.mu.RUnlock()

	return len(fb.entries)
}

// ActivityRepository persists activities. The table is the source of truth;
// the broadcast channel is a fan-out convenience on top of it.
type ActivityRepository interface {
	Insert(ctx context.Context, entry *models.ActivityStreamEntry) error
	Recent(ctx context.Context, page, pageSize int) ([]models.ActivityStreamEntry, int64, error)
}

type gormActivityRepository struct {
	db *gorm.DB
}

// NewActivityRepository creates the gorm-backed activity_stream repository.
func NewActivityRepository(db *gorm.DB) ActivityRepository {
	return &gormActivityRepository{db: db}
}

func (r *gormActivityRepository) Insert(ctx context.Context, entry *models.ActivityStreamEntry) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("failed to insert activity: %w", err)
	}
	return nil
}

// Recent reads the durable stream in insertion order, newest first.
func (r *gormActivityRepository) Recent(ctx context.Context, page, pageSize int) ([]models.ActivityStreamEntry, int64, error) {
	query := r.db.WithContext(ctx).Model(&models.ActivityStreamEntry{})

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to count activities: %w", err)
	}

	var entries []models.ActivityStreamEntry
	offset := (page - 1) * pageSize
	if err := query.Offset(offset).Limit(pageSize).Order("created_at DESC").Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("failed to fetch activities: %w", err)
	}

	return entries, total, nil
}
