package services

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ripgraphics/authorsinfo-realtime/models"
	"github.com/ripgraphics/authorsinfo-realtime/utils"
)

// Store event types pushed to listeners (the websocket hub).
const (
	EventPresenceSync  = "presence_sync"
	EventPresenceJoin  = "presence_join"
	EventPresenceLeave = "presence_leave"
	EventConnection    = "connection"
)

// StoreEvent is one state change emitted by the store.
type StoreEvent struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// EventSink receives store events. Sinks must not block.
type EventSink func(event StoreEvent)

// RealtimeStore is the single state surface for the realtime layer: it owns
// the presence map and the feed buffer exclusively, and converts every
// channel failure into connection state rather than a panic or a crash.
// This is a best-effort, degrade-gracefully feature; durability lives in
// the activity_stream table, not here.
type RealtimeStore struct {
	logger    *utils.Logger
	policy    utils.RetryPolicy
	presence  PresenceChannel
	broadcast BroadcastChannel
	repo      ActivityRepository
	snapshot  *FeedSnapshot

	presenceMap *PresenceMap
	feed        *FeedBuffer

	mu        sync.Mutex
	connected bool
	connErr   string

	listenerMu sync.RWMutex
	listeners  []EventSink
}

// NewRealtimeStore wires a store from its collaborators. Nothing connects
// until Initialize is called.
func NewRealtimeStore(
	presence PresenceChannel,
	broadcast BroadcastChannel,
	repo ActivityRepository,
	snapshot *FeedSnapshot,
	policy utils.RetryPolicy,
	logger *utils.Logger,
) *RealtimeStore {
	store := &RealtimeStore{
		logger:      logger,
		policy:      policy,
		presence:    presence,
		broadcast:   broadcast,
		repo:        repo,
		snapshot:    snapshot,
		presenceMap: NewPresenceMap(),
		feed:        NewFeedBuffer(FeedCapacity),
	}

	if snapshot != nil {
		entries, err := snapshot.Load()
		if err != nil {
			logger.Warn("Failed to load feed snapshot", "error", err)
		} else if len(entries) > 0 {
			store.feed.Replace(entries)
		}
	}

	return store
}

// AddListener registers a sink for store events.
func (s *RealtimeStore) AddListener(sink EventSink) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()

	s.listeners = append(s.listeners, sink)
}

func (s *RealtimeStore) emit(event StoreEvent) {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()

	for _, sink := range s.listeners {
		sink(event)
	}
}

// Initialize idempotently opens both channels and tracks a new session for
// userID as online/not-typing. It never panics: a channel failure is
// recorded in the connection state and the returned session ID is empty.
func (s *RealtimeStore) Initialize(ctx context.Context, userID string) string {
	if err := s.connect(ctx); err != nil {
		s.setConnection(false, err.Error())
		s.logger.Error("Failed to initialize realtime store", "error", err)
		return ""
	}
	s.setConnection(true, "")

	presence := models.UserPresence{
		SessionID: uuid.NewString(),
		UserID:    userID,
		Status:    models.StatusOnline,
		LastSeen:  time.Now().UTC(),
		Typing:    false,
	}

	if err := s.track(ctx, presence); err != nil {
		s.logger.Error("Failed to track session presence", "session_id", presence.SessionID, "error", err)
	}

	return presence.SessionID
}

func (s *RealtimeStore) connect(ctx context.Context) error {
	handlers := PresenceHandlers{
		OnSync:  s.handleSync,
		OnJoin:  s.handleJoin,
		OnLeave: s.handleLeave,
	}

	if err := s.presence.Subscribe(ctx, handlers); err != nil {
		return err
	}

	broadcasts := map[string]func(payload json.RawMessage){
		models.EventNewActivity: s.handleNewActivity,
	}
	if err := s.broadcast.Subscribe(ctx, broadcasts); err != nil {
		s.presence.Unsubscribe()
		return err
	}

	return nil
}

// track writes the presence record through the channel and patches the
// local map optimistically; the fanned-back join event is an idempotent
// overwrite.
func (s *RealtimeStore) track(ctx context.Context, presence models.UserPresence) error {
	err := utils.Resilient(ctx, s.policy, "track presence", func(ctx context.Context) error {
		return s.presence.Track(ctx, presence)
	})
	if err != nil {
		return err
	}

	s.handleJoin([]models.UserPresence{presence})
	return nil
}

// UpdatePresence re-tracks the session's own record with a fresh lastSeen.
// Unknown sessions and a disconnected store are no-ops. Concurrent updates
// for the same session are last-write-wins.
func (s *RealtimeStore) UpdatePresence(ctx context.Context, sessionID string, status models.PresenceStatus, typing bool) {
	if !s.Status().IsConnected {
		return
	}

	current, ok := s.presenceMap.Get(sessionID)
	if !ok {
		s.logger.Debug("Presence update for unknown session", "session_id", sessionID)
		return
	}

	if !status.Valid() {
		status = models.StatusOnline
	}

	updated := models.UserPresence{
		SessionID: sessionID,
		UserID:    current.UserID,
		Status:    status,
		LastSeen:  time.Now().UTC(),
		Typing:    typing,
	}

	if err := s.track(ctx, updated); err != nil {
		s.logger.Error("Failed to update presence", "session_id", sessionID, "error", err)
	}
}

// AddActivity durably records an activity, then broadcasts it, then echoes
// it into the local feed. A persistence failure aborts the whole operation:
// nothing is ever visible without a backing row. A broadcast failure is
// logged and otherwise ignored; the channel is a fan-out convenience.
func (s *RealtimeStore) AddActivity(ctx context.Context, req models.AddActivityRequest) (models.ActivityStreamEntry, error) {
	visibility := req.Visibility
	if !visibility.Valid() {
		visibility = models.VisibilityPublic
	}
	metadata := req.Metadata
	if metadata == nil {
		metadata = make(models.JSONB)
	}

	entry := models.ActivityStreamEntry{
		ID:            uuid.New(),
		CorrelationID: uuid.NewString(),
		UserID:        req.UserID,
		Type:          req.Type,
		Title:         req.Title,
		Description:   req.Description,
		EntityType:    req.EntityType,
		EntityID:      req.EntityID,
		Visibility:    visibility,
		Metadata:      metadata,
		CreatedAt:     time.Now().UTC(),
	}

	err := utils.Resilient(ctx, s.policy, "insert activity", func(ctx context.Context) error {
		return s.repo.Insert(ctx, &entry)
	})
	if err != nil {
		return models.ActivityStreamEntry{}, err
	}

	if err := s.broadcast.Send(ctx, models.EventNewActivity, models.ActivityBroadcast{Activity: entry}); err != nil {
		s.logger.Warn("Failed to broadcast activity", "activity_id", entry.ID, "error", err)
	}

	s.appendToFeed(entry)
	return entry, nil
}

// Leave untracks one departed session.
func (s *RealtimeStore) Leave(ctx context.Context, sessionID string) {
	err := utils.Resilient(ctx, s.policy, "untrack presence", func(ctx context.Context) error {
		return s.presence.Untrack(ctx, sessionID)
	})
	if err != nil {
		s.logger.Error("Failed to untrack session", "session_id", sessionID, "error", err)
	}

	s.handleLeave([]string{sessionID})
}

// Disconnect tears down both channels. Safe to call repeatedly.
func (s *RealtimeStore) Disconnect() {
	s.presence.Unsubscribe()
	s.broadcast.Unsubscribe()
	s.setConnection(false, "")
}

// Status reports connection state. The online count is recomputed from the
// presence map on every call.
func (s *RealtimeStore) Status() models.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return models.ConnectionState{
		IsConnected:     s.connected,
		ConnectionError: s.connErr,
		OnlineUserCount: s.presenceMap.OnlineCount(),
	}
}

// Presence exposes the presence map for read-only consumers.
func (s *RealtimeStore) Presence() *PresenceMap {
	return s.presenceMap
}

// Feed exposes the bounded feed buffer for read-only consumers.
func (s *RealtimeStore) Feed() *FeedBuffer {
	return s.feed
}

func (s *RealtimeStore) setConnection(connected bool, connErr string) {
	s.mu.Lock()
	changed := s.connected != connected || s.connErr != connErr
	s.connected = connected
	s.connErr = connErr
	s.mu.Unlock()

	if changed {
		s.emit(StoreEvent{Type: EventConnection, Payload: s.Status()})
	}
}

func (s *RealtimeStore) handleSync(snapshot []models.UserPresence) {
	s.presenceMap.ApplySync(snapshot)
	s.emit(StoreEvent{Type: EventPresenceSync, Payload: snapshot})
}

func (s *RealtimeStore) handleJoin(presences []models.UserPresence) {
	s.presenceMap.ApplyJoin(presences)
	s.emit(StoreEvent{Type: EventPresenceJoin, Payload: presences})
}

func (s *RealtimeStore) handleLeave(sessionIDs []string) {
	s.presenceMap.ApplyLeave(sessionIDs)
	s.emit(StoreEvent{Type: EventPresenceLeave, Payload: sessionIDs})
}

func (s *RealtimeStore) handleNewActivity(payload json.RawMessage) {
	var broadcast models.ActivityBroadcast
	if err := json.Unmarshal(payload, &broadcast); err != nil {
		s.logger.Warn("Dropping malformed activity broadcast", "error", err)
		return
	}

	s.appendToFeed(broadcast.Activity)
}

func (s *RealtimeStore) appendToFeed(entry models.ActivityStreamEntry) {
	if !s.feed.Prepend(entry) {
		return
	}

	if s.snapshot != nil {
		if err := s.snapshot.Save(s.feed.Entries()); err != nil {
			s.logger.Warn("Failed to save feed snapshot", "error", err)
		}
	}

	s.emit(StoreEvent{Type: models.EventNewActivity, Payload: models.ActivityBroadcast{Activity: entry}})
}
