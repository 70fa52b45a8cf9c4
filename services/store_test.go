package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ripgraphics/authorsinfo-realtime/models"
	"github.com/ripgraphics/authorsinfo-realtime/utils"
)

type fakePresenceChannel struct {
	mu           sync.Mutex
	subscribed   bool
	handlers     PresenceHandlers
	tracked      []models.UserPresence
	untracked    []string
	subscribeErr error
	trackErr     error
}

func (f *fakePresenceChannel) Subscribe(_ context.Context, handlers PresenceHandlers) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subscribed = true
	f.handlers = handlers
	return nil
}

func (f *fakePresenceChannel) Track(_ context.Context, presence models.UserPresence) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.trackErr != nil {
		return f.trackErr
	}
	f.tracked = append(f.tracked, presence)
	return nil
}

func (f *fakePresenceChannel) Untrack(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.untracked = append(f.untracked, sessionID)
	return nil
}

func (f *fakePresenceChannel) Unsubscribe() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = false
}

func (f *fakePresenceChannel) lastTracked(t *testing.T) models.UserPresence {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.tracked)
	return f.tracked[len(f.tracked)-1]
}

type sentBroadcast struct {
	event   string
	payload interface{}
}

type fakeBroadcastChannel struct {
	mu           sync.Mutex
	subscribed   bool
	handlers     map[string]func(payload json.RawMessage)
	sent         []sentBroadcast
	subscribeErr error
	sendErr      error
}

func (f *fakeBroadcastChannel) Subscribe(_ context.Context, handlers map[string]func(payload json.RawMessage)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subscribed = true
	f.handlers = handlers
	return nil
}

func (f *fakeBroadcastChannel) Send(_ context.Context, event string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, sentBroadcast{event: event, payload: payload})
	return nil
}

func (f *fakeBroadcastChannel) Unsubscribe() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = false
}

// deliver simulates a broadcast arriving from another session.
func (f *fakeBroadcastChannel) deliver(t *testing.T, event string, payload interface{}) {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	f.mu.Lock()
	handler, ok := f.handlers[event]
	f.mu.Unlock()
	require.True(t, ok, "no handler registered for %s", event)
	handler(raw)
}

type fakeActivityRepo struct {
	mu        sync.Mutex
	inserted  []models.ActivityStreamEntry
	insertErr error
}

func (f *fakeActivityRepo) Insert(_ context.Context, entry *models.ActivityStreamEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, *entry)
	return nil
}

func (f *fakeActivityRepo) Recent(_ context.Context, _, _ int) ([]models.ActivityStreamEntry, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inserted, int64(len(f.inserted)), nil
}

func defaultTestPolicy() utils.RetryPolicy {
	return utils.RetryPolicy{AttemptTimeout: time.Second, MaxRetries: 0}
}

func testLogger() *utils.Logger {
	return utils.NewLogger("production")
}

func newTestStore(t *testing.T) (*RealtimeStore, *fakePresenceChannel, *fakeBroadcastChannel, *fakeActivityRepo) {
	t.Helper()

	presence := &fakePresenceChannel{}
	broadcast := &fakeBroadcastChannel{}
	repo := &fakeActivityRepo{}

	store := NewRealtimeStore(presence, broadcast, repo, nil, defaultTestPolicy(), testLogger())

	return store, presence, broadcast, repo
}

func TestInitializeTracksOwnPresence(t *testing.T) {
	store, presence, broadcast, _ := newTestStore(t)

	sessionID := store.Initialize(context.Background(), "u1")
	require.NotEmpty(t, sessionID)

	state := store.Status()
	assert.True(t, state.IsConnected)
	assert.Empty(t, state.ConnectionError)

	assert.True(t, presence.subscribed)
	assert.True(t, broadcast.subscribed)

	tracked := presence.lastTracked(t)
	assert.Equal(t, sessionID, tracked.SessionID)
	assert.Equal(t, "u1", tracked.UserID)
	assert.Equal(t, models.StatusOnline, tracked.Status)
	assert.False(t, tracked.Typing)

	got, ok := store.Presence().GetUser("u1")
	require.True(t, ok)
	assert.Equal(t, models.StatusOnline, got.Status)
	assert.False(t, got.Typing)
	assert.Equal(t, 1, store.Status().OnlineUserCount)
}

func TestInitializeFailureRecordsConnectionError(t *testing.T) {
	store, presence, _, _ := newTestStore(t)
	presence.subscribeErr = errors.New("channel unavailable")

	sessionID := store.Initialize(context.Background(), "u1")

	assert.Empty(t, sessionID)
	state := store.Status()
	assert.False(t, state.IsConnected)
	assert.Contains(t, state.ConnectionError, "channel unavailable")
}

func TestUpdatePresenceRetracksSession(t *testing.T) {
	store, presence, _, _ := newTestStore(t)

	sessionID := store.Initialize(context.Background(), "u1")
	require.NotEmpty(t, sessionID)
	firstSeen := presence.lastTracked(t).LastSeen

	store.UpdatePresence(context.Background(), sessionID, models.StatusAway, true)

	tracked := presence.lastTracked(t)
	assert.Equal(t, sessionID, tracked.SessionID)
	assert.Equal(t, models.StatusAway, tracked.Status)
	assert.True(t, tracked.Typing)
	assert.False(t, tracked.LastSeen.Before(firstSeen))

	got, ok := store.Presence().Get(sessionID)
	require.True(t, ok)
	assert.Equal(t, models.StatusAway, got.Status)
	assert.True(t, got.Typing)
}

func TestUpdatePresenceUnknownSessionIsNoOp(t *testing.T) {
	store, presence, _, _ := newTestStore(t)

	store.Initialize(context.Background(), "u1")
	before := len(presence.tracked)

	store.UpdatePresence(context.Background(), "no-such-session", models.StatusAway, false)

	assert.Equal(t, before, len(presence.tracked))
}

func TestAddActivityPersistsThenBroadcasts(t *testing.T) {
	store, _, broadcast, repo := newTestStore(t)
	store.Initialize(context.Background(), "u1")

	entry, err := store.AddActivity(context.Background(), models.AddActivityRequest{
		UserID:      "u1",
		Type:        "post_created",
		Title:       "T",
		Description: "D",
		EntityType:  "post",
		EntityID:    "p1",
		Visibility:  models.VisibilityPublic,
		Metadata:    models.JSONB{},
	})
	require.NoError(t, err)

	// One durable row, matching the request
	require.Len(t, repo.inserted, 1)
	row := repo.inserted[0]
	assert.Equal(t, "u1", row.UserID)
	assert.Equal(t, "post_created", row.Type)
	assert.Equal(t, "T", row.Title)
	assert.Equal(t, "D", row.Description)
	assert.Equal(t, "post", row.EntityType)
	assert.Equal(t, "p1", row.EntityID)
	assert.Equal(t, models.VisibilityPublic, row.Visibility)

	// One new_activity broadcast carrying the persisted entry
	require.Len(t, broadcast.sent, 1)
	assert.Equal(t, models.EventNewActivity, broadcast.sent[0].event)
	payload, ok := broadcast.sent[0].payload.(models.ActivityBroadcast)
	require.True(t, ok)
	assert.Equal(t, entry.ID, payload.Activity.ID)

	// Optimistic local echo at the head of the feed
	feed := store.Feed().Entries()
	require.Len(t, feed, 1)
	assert.Equal(t, "T", feed[0].Title)
	assert.Equal(t, entry.ID, feed[0].ID)
}

func TestAddActivityAbortsWhenPersistenceFails(t *testing.T) {
	store, _, broadcast, repo := newTestStore(t)
	store.Initialize(context.Background(), "u1")
	repo.insertErr = errors.New("insert failed")

	_, err := store.AddActivity(context.Background(), models.AddActivityRequest{
		UserID: "u1",
		Type:   "post_created",
		Title:  "T",
	})
	require.Error(t, err)

	// Durability before propagation: no broadcast, feed untouched
	assert.Empty(t, broadcast.sent)
	assert.Equal(t, 0, store.Feed().Len())
}

func TestAddActivityDefaultsVisibilityAndMetadata(t *testing.T) {
	store, _, _, repo := newTestStore(t)
	store.Initialize(context.Background(), "u1")

	_, err := store.AddActivity(context.Background(), models.AddActivityRequest{
		UserID: "u1",
		Type:   "book_rated",
		Title:  "T",
	})
	require.NoError(t, err)

	require.Len(t, repo.inserted, 1)
	assert.Equal(t, models.VisibilityPublic, repo.inserted[0].Visibility)
	assert.NotNil(t, repo.inserted[0].Metadata)
}

func TestRemoteBroadcastAppendsToFeed(t *testing.T) {
	store, _, broadcast, _ := newTestStore(t)
	store.Initialize(context.Background(), "u1")

	remote := activityEntry(7)
	broadcast.deliver(t, models.EventNewActivity, models.ActivityBroadcast{Activity: remote})

	feed := store.Feed().Entries()
	require.Len(t, feed, 1)
	assert.Equal(t, remote.ID, feed[0].ID)
}

func TestOwnBroadcastEchoIsNotDuplicated(t *testing.T) {
	store, _, broadcast, _ := newTestStore(t)
	store.Initialize(context.Background(), "u1")

	entry, err := store.AddActivity(context.Background(), models.AddActivityRequest{
		UserID: "u1",
		Type:   "post_created",
		Title:  "T",
	})
	require.NoError(t, err)

	// The channel fans our own broadcast back to us
	broadcast.deliver(t, models.EventNewActivity, models.ActivityBroadcast{Activity: entry})

	assert.Equal(t, 1, store.Feed().Len())
}

func TestPresenceEventsFlowThroughStore(t *testing.T) {
	store, presence, _, _ := newTestStore(t)
	store.Initialize(context.Background(), "u1")

	presence.handlers.OnJoin([]models.UserPresence{
		presenceEntry("s9", "u9", models.StatusOnline),
	})
	assert.Equal(t, 2, store.Status().OnlineUserCount)

	// Sync is authoritative and replaces everything, our own session included
	snapshot := []models.UserPresence{presenceEntry("s9", "u9", models.StatusAway)}
	presence.handlers.OnSync(snapshot)
	assert.Equal(t, 1, store.Status().OnlineUserCount)

	presence.handlers.OnLeave([]string{"s9"})
	assert.Equal(t, 0, store.Status().OnlineUserCount)
}

func TestLeaveUntracksSession(t *testing.T) {
	store, presence, _, _ := newTestStore(t)

	sessionID := store.Initialize(context.Background(), "u1")
	require.NotEmpty(t, sessionID)

	store.Leave(context.Background(), sessionID)

	assert.Contains(t, presence.untracked, sessionID)
	_, ok := store.Presence().Get(sessionID)
	assert.False(t, ok)
}

func TestDisconnectIsIdempotent(t *testing.T) {
	store, presence, broadcast, _ := newTestStore(t)
	store.Initialize(context.Background(), "u1")

	store.Disconnect()
	store.Disconnect()

	assert.False(t, store.Status().IsConnected)
	assert.False(t, presence.subscribed)
	assert.False(t, broadcast.subscribed)
}

func TestListenersReceiveStoreEvents(t *testing.T) {
	store, _, broadcast, _ := newTestStore(t)

	var mu sync.Mutex
	var events []StoreEvent
	store.AddListener(func(event StoreEvent) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event)
	})

	store.Initialize(context.Background(), "u1")
	broadcast.deliver(t, models.EventNewActivity, models.ActivityBroadcast{Activity: activityEntry(1)})

	mu.Lock()
	defer mu.Unlock()

	types := make(map[string]int)
	for _, event := range events {
		types[event.Type]++
	}
	assert.Equal(t, 1, types[EventConnection], "connection state change emitted once")
	assert.Equal(t, 1, types[EventPresenceJoin], "own session join emitted")
	assert.Equal(t, 1, types[models.EventNewActivity], "remote activity emitted")
}
