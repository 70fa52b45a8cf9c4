package services

import (
	"sync"

	"github.com/ripgraphics/authorsinfo-realtime/models"
)

// PresenceMap is the locally-coherent view of tracked sessions. Sync events
// replace the whole map (the authoritative correction point); join and
// leave events patch it incrementally and must never drift past the next
// sync. Counts are always derived from the map, never tracked separately.
type PresenceMap struct {
	mu       sync.RWMutex
	sessions map[string]models.UserPresence
}

func NewPresenceMap() *PresenceMap {
	return &PresenceMap{
		sessions: make(map[string]models.UserPresence),
	}
}

// ApplySync discards the current map and rebuilds it from the snapshot.
func (pm *PresenceMap) ApplySync(snapshot []models.UserPresence) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.sessions = make(map[string]models.UserPresence, len(snapshot))
	for _, presence := range snapshot {
		pm.sessions[presence.SessionID] = presence
	}
}

// ApplyJoin adds or overwrites entries for the announced sessions.
func (pm *PresenceMap) ApplyJoin(presences []models.UserPresence) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for _, presence := range presences {
		pm.sessions[presence.SessionID] = presence
	}
}

// ApplyLeave removes entries for the departed sessions.
func (pm *PresenceMap) ApplyLeave(sessionIDs []string) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	for _, sessionID := range sessionIDs {
		delete(pm.sessions, sessionID)
	}
}

// Get returns the entry for a session.
func (pm *PresenceMap) Get(sessionID string) (models.UserPresence, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	presence, ok := pm.sessions[sessionID]
	return presence, ok
}

// GetUser returns the most recently seen entry for a user across all of
// their sessions.
func (pm *PresenceMap) GetUser(userID string) (models.UserPresence, bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	var best models.UserPresence
	found := false
	for _, presence := range pm.sessions {
		if presence.UserID != userID {
			continue
		}
		if !found || presence.LastSeen.After(best.LastSeen) {
			best = presence
			found = true
		}
	}
	return best, found
}

// Snapshot returns a copy of all tracked sessions.
func (pm *PresenceMap) Snapshot() []models.UserPresence {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	snapshot := make([]models.UserPresence, 0, len(pm.sessions))
	for _, presence := range pm.sessions {
		snapshot = append(snapshot, presence)
	}
	return snapshot
}

// OnlineCount is the number of tracked sessions. A user with several tabs
// open counts once per tab.
func (pm *PresenceMap) OnlineCount() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	return len(pm.sessions)
}

// UniqueUserCount is the number of distinct users behind the tracked sessions.
func (pm *PresenceMap) UniqueUserCount() int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	users := make(map[string]struct{}, len(pm.sessions))
	for _, presence := range pm.sessions {
		users[presence.UserID] = struct{}{}
	}
	return len(users)
}
