package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ripgraphics/authorsinfo-realtime/models"
	"github.com/ripgraphics/authorsinfo-realtime/utils"
)

const (
	presenceChannelName  = "user-presence"
	broadcastChannelName = "activity-stream"

	presenceKeyPrefix = "presence:"
	sessionSetKey     = "presence_sessions"
)

// PresenceHandlers receive the three presence event kinds. Sync carries the
// full authoritative snapshot; join and leave are incremental patches.
type PresenceHandlers struct {
	OnSync  func(snapshot []models.UserPresence)
	OnJoin  func(presences []models.UserPresence)
	OnLeave func(sessionIDs []string)
}

// PresenceChannel is the user-presence channel: sessions track themselves
// into it and every subscriber observes join/leave/sync events.
type PresenceChannel interface {
	Subscribe(ctx context.Context, handlers PresenceHandlers) error
	Track(ctx context.Context, presence models.UserPresence) error
	Untrack(ctx context.Context, sessionID string) error
	Unsubscribe()
}

// BroadcastChannel carries named application broadcasts (new_activity).
type BroadcastChannel interface {
	Subscribe(ctx context.Context, handlers map[string]func(payload json.RawMessage)) error
	Send(ctx context.Context, event string, payload interface{}) error
	Unsubscribe()
}

// broadcastMessage is the wire envelope on the broadcast channel.
type broadcastMessage struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// redisPresenceChannel implements PresenceChannel over Redis. Session
// records live in TTL'd keys plus a session set; join/leave events travel
// over pub/sub, and a periodic sweep of the keys produces the sync
// snapshot. A session that dies without untracking simply ages out of its
// key and disappears from the next sync.
type redisPresenceChannel struct {
	client       *redis.Client
	logger       *utils.Logger
	ttl          time.Duration
	syncInterval time.Duration

	mu       sync.Mutex
	pubsub   *redis.PubSub
	cancel   context.CancelFunc
	handlers PresenceHandlers
	wg       sync.WaitGroup
}

// NewRedisPresenceChannel creates the user-presence channel on the given client.
func NewRedisPresenceChannel(client *redis.Client, logger *utils.Logger, ttl, syncInterval time.Duration) PresenceChannel {
	return &redisPresenceChannel{
		client:       client,
		logger:       logger,
		ttl:          ttl,
		syncInterval: syncInterval,
	}
}

func (pc *redisPresenceChannel) Subscribe(ctx context.Context, handlers PresenceHandlers) error {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.pubsub != nil {
		return nil
	}

	pubsub := pc.client.Subscribe(ctx, presenceChannelName)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", presenceChannelName, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	pc.pubsub = pubsub
	pc.cancel = cancel
	pc.handlers = handlers

	pc.wg.Add(2)
	go pc.eventLoop(runCtx, pubsub.Channel())
	go pc.syncLoop(runCtx)

	return nil
}

func (pc *redisPresenceChannel) eventLoop(ctx context.Context, messages <-chan *redis.Message) {
	defer pc.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}

			var event models.PresenceEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				pc.logger.Warn("Dropping malformed presence event", "error", err)
				continue
			}

			switch event.Event {
			case models.PresenceEventJoin:
				if pc.handlers.OnJoin != nil {
					pc.handlers.OnJoin(event.Presences)
				}
			case models.PresenceEventLeave:
				if pc.handlers.OnLeave != nil {
					pc.handlers.OnLeave(event.SessionIDs)
				}
			case models.PresenceEventSync:
				if pc.handlers.OnSync != nil {
					pc.handlers.OnSync(event.Presences)
				}
			default:
				pc.logger.Warn("Unknown presence event", "event", event.Event)
			}
		}
	}
}

// syncLoop periodically rebuilds the full snapshot from the session keys and
// hands it to the sync handler. The first sync fires immediately so a new
// subscriber starts coherent.
func (pc *redisPresenceChannel) syncLoop(ctx context.Context) {
	defer pc.wg.Done()

	ticker := time.NewTicker(pc.syncInterval)
	defer ticker.Stop()

	for {
		snapshot, err := pc.snapshot(ctx)
		if err != nil {
			if ctx.Err() == nil {
				pc.logger.Error("Failed to build presence snapshot", "error", err)
			}
		} else if pc.handlers.OnSync != nil {
			pc.handlers.OnSync(snapshot)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// snapshot reads every live session record, pruning expired members from
// the session set as it goes.
func (pc *redisPresenceChannel) snapshot(ctx context.Context) ([]models.UserPresence, error) {
	sessionIDs, err := pc.client.SMembers(ctx, sessionSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list presence sessions: %w", err)
	}

	if len(sessionIDs) == 0 {
		return []models.UserPresence{}, nil
	}

	pipe := pc.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(sessionIDs))
	for i, sessionID := range sessionIDs {
		cmds[i] = pipe.Get(ctx, presenceKeyPrefix+sessionID)
	}

	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read presence records: %w", err)
	}

	snapshot := make([]models.UserPresence, 0, len(sessionIDs))
	var expired []interface{}

	for i, cmd := range cmds {
		data, err := cmd.Result()
		if err != nil {
			if err == redis.Nil {
				expired = append(expired, sessionIDs[i])
			} else {
				pc.logger.Warn("Failed to read presence record", "session_id", sessionIDs[i], "error", err)
			}
			continue
		}

		var presence models.UserPresence
		if err := json.Unmarshal([]byte(data), &presence); err != nil {
			pc.logger.Warn("Dropping malformed presence record", "session_id", sessionIDs[i], "error", err)
			continue
		}

		if time.Since(presence.LastSeen) > pc.ttl {
			expired = append(expired, sessionIDs[i])
			continue
		}

		snapshot = append(snapshot, presence)
	}

	if len(expired) > 0 {
		pc.client.SRem(ctx, sessionSetKey, expired...)
	}

	return snapshot, nil
}

func (pc *redisPresenceChannel) Track(ctx context.Context, presence models.UserPresence) error {
	data, err := json.Marshal(presence)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	pipe := pc.client.Pipeline()
	pipe.Set(ctx, presenceKeyPrefix+presence.SessionID, data, pc.ttl)
	pipe.SAdd(ctx, sessionSetKey, presence.SessionID)
	pipe.Expire(ctx, sessionSetKey, pc.ttl*2)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to track presence: %w", err)
	}

	event, err := json.Marshal(models.PresenceEvent{
		Event:     models.PresenceEventJoin,
		Presences: []models.UserPresence{presence},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal join event: %w", err)
	}

	if err := pc.client.Publish(ctx, presenceChannelName, event).Err(); err != nil {
		return fmt.Errorf("failed to publish join event: %w", err)
	}

	return nil
}

func (pc *redisPresenceChannel) Untrack(ctx context.Context, sessionID string) error {
	pipe := pc.client.Pipeline()
	pipe.Del(ctx, presenceKeyPrefix+sessionID)
	pipe.SRem(ctx, sessionSetKey, sessionID)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to untrack presence: %w", err)
	}

	event, err := json.Marshal(models.PresenceEvent{
		Event:      models.PresenceEventLeave,
		SessionIDs: []string{sessionID},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal leave event: %w", err)
	}

	if err := pc.client.Publish(ctx, presenceChannelName, event).Err(); err != nil {
		return fmt.Errorf("failed to publish leave event: %w", err)
	}

	return nil
}

func (pc *redisPresenceChannel) Unsubscribe() {
	pc.mu.Lock()
	defer pc.mu.Unlock()

	if pc.pubsub == nil {
		return
	}

	pc.cancel()
	if err := pc.pubsub.Close(); err != nil {
		pc.logger.Warn("Failed to close presence subscription", "error", err)
	}
	pc.wg.Wait()

	pc.pubsub = nil
	pc.cancel = nil
	pc.handlers = PresenceHandlers{}
}

// redisBroadcastChannel implements BroadcastChannel over a single Redis
// pub/sub channel, dispatching messages by event name.
type redisBroadcastChannel struct {
	client *redis.Client
	logger *utils.Logger

	mu     sync.Mutex
	pubsub *redis.PubSub
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisBroadcastChannel creates the activity-stream channel on the given client.
func NewRedisBroadcastChannel(client *redis.Client, logger *utils.Logger) BroadcastChannel {
	return &redisBroadcastChannel{
		client: client,
		logger: logger,
	}
}

func (bc *redisBroadcastChannel) Subscribe(ctx context.Context, handlers map[string]func(payload json.RawMessage)) error {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if bc.pubsub != nil {
		return nil
	}

	pubsub := bc.client.Subscribe(ctx, broadcastChannelName)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", broadcastChannelName, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	bc.pubsub = pubsub
	bc.cancel = cancel

	bc.wg.Add(1)
	go func() {
		defer bc.wg.Done()
		messages := pubsub.Channel()
		for {
			select {
			case <-runCtx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}

				var envelope broadcastMessage
				if err := json.Unmarshal([]byte(msg.Payload), &envelope); err != nil {
					bc.logger.Warn("Dropping malformed broadcast", "error", err)
					continue
				}

				if handler, ok := handlers[envelope.Event]; ok {
					handler(envelope.Payload)
				}
			}
		}
	}()

	return nil
}

func (bc *redisBroadcastChannel) Send(ctx context.Context, event string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast payload: %w", err)
	}

	envelope, err := json.Marshal(broadcastMessage{Event: event, Payload: raw})
	if err != nil {
		return fmt.Errorf("failed to marshal broadcast envelope: %w", err)
	}

	if err := bc.client.Publish(ctx, broadcastChannelName, envelope).Err(); err != nil {
		return fmt.Errorf("failed to publish broadcast: %w", err)
	}

	return nil
}

func (bc *redisBroadcastChannel) Unsubscribe() {
	bc.mu.Lock()
	defer bc.mu.Unlock()

	if bc.pubsub == nil {
		return
	}

	bc.cancel()
	if err := bc.pubsub.Close(); err != nil {
		bc.logger.Warn("Failed to close broadcast subscription", "error", err)
	}
	bc.wg.Wait()

	bc.pubsub = nil
	bc.cancel = nil
}
