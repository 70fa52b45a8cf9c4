package models

import "time"

// PresenceStatus is the advertised availability of a session.
type PresenceStatus string

const (
	StatusOnline  PresenceStatus = "online"
	StatusAway    PresenceStatus = "away"
	StatusOffline PresenceStatus = "offline"
)

// Valid reports whether s is one of the recognized presence statuses.
func (s PresenceStatus) Valid() bool {
	switch s {
	case StatusOnline, StatusAway, StatusOffline:
		return true
	}
	return false
}

// UserPresence is one tracked session. Presence is keyed by session, not
// user: a user with three open tabs is three independent entries, and the
// online count counts sessions. Unique users are derived separately.
type UserPresence struct {
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	Status    PresenceStatus `json:"status"`
	LastSeen  time.Time      `json:"last_seen"`
	Typing    bool           `json:"typing"`
}

// Presence event types carried on the user-presence channel.
const (
	PresenceEventJoin  = "join"
	PresenceEventLeave = "leave"
	PresenceEventSync  = "sync"
)

// PresenceEvent is the wire form of a user-presence channel message. For
// join events Presences holds the announced sessions; for leave events
// SessionIDs holds the departed ones; sync events carry the full snapshot
// in Presences and are the authoritative correction point.
type PresenceEvent struct {
	Event      string         `json:"event"`
	Presences  []UserPresence `json:"presences,omitempty"`
	SessionIDs []string       `json:"session_ids,omitempty"`
}

// HeartbeatRequest refreshes a session's presence over HTTP.
type HeartbeatRequest struct {
	SessionID string         `json:"session_id" binding:"required"`
	Status    PresenceStatus `json:"status"`
	Typing    bool           `json:"typing"`
}

// StatusResponse reports one user's presence.
type StatusResponse struct {
	UserID   string         `json:"user_id"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"last_seen"`
	Typing   bool           `json:"typing"`
	IsOnline bool           `json:"is_online"`
}

// OnlineUsersResponse lists currently tracked sessions. Count is the number
// of sessions; UniqueUsers is the number of distinct users behind them.
type OnlineUsersResponse struct {
	Count       int            `json:"count"`
	UniqueUsers int            `json:"unique_users"`
	Sessions    []UserPresence `json:"sessions"`
}

// ConnectionState is the store's connection status surface. OnlineUserCount
// is always recomputed from the presence map, never independently tracked.
type ConnectionState struct {
	IsConnected     bool   `json:"is_connected"`
	ConnectionError string `json:"connection_error,omitempty"`
	OnlineUserCount int    `json:"online_user_count"`
}
