package services

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ripgraphics/authorsinfo-realtime/models"
)

// FeedSnapshot persists the feed buffer to a local file so a restart shows
// the last-known feed without a round trip. It is not a source of truth:
// live events supersede whatever is loaded.
type FeedSnapshot struct {
	path string
}

// NewFeedSnapshot creates a snapshot persister. An empty path disables it.
func NewFeedSnapshot(path string) *FeedSnapshot {
	if path == "" {
		return nil
	}
	return &FeedSnapshot{path: path}
}

// Load reads the persisted feed. A missing file is not an error.
func (fs *FeedSnapshot) Load() ([]models.ActivityStreamEntry, error) {
	data, err := os.ReadFile(fs.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read feed snapshot: %w", err)
	}

	var entries []models.ActivityStreamEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse feed snapshot: %w", err)
	}
	return entries, nil
}

// Save writes the feed atomically via a temp file rename.
func (fs *FeedSnapshot) Save(entries []models.ActivityStreamEntry) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to marshal feed snapshot: %w", err)
	}

	dir := filepath.Dir(fs.path)
	tmp, err := os.CreateTemp(dir, ".feed-snapshot-*")
	if err != nil {
		return fmt.Errorf("failed to create snapshot temp file: %w", err)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to write feed snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to close feed snapshot: %w", err)
	}

	if err := os.Rename(tmp.Name(), fs.path); err != nil {
		_ = os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace feed snapshot: %w", err)
	}
	return nil
}
