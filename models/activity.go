package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// JSONB type for PostgreSQL JSONB fields
type JSONB map[string]interface{}

func (j JSONB) Value() (driver.Value, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = make(JSONB)
		return nil
	}

	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}

	return json.Unmarshal(bytes, j)
}

// Visibility controls who may see an activity.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityFriends Visibility = "friends"
	VisibilityPrivate Visibility = "private"
)

// Valid reports whether v is a recognized visibility.
func (v Visibility) Valid() bool {
	switch v {
	case VisibilityPublic, VisibilityFriends, VisibilityPrivate:
		return true
	}
	return false
}

// ActivityStreamEntry is one durable activity record. The database row is
// the canonical identity; CorrelationID is an ephemeral token generated at
// submission time so subscribers can match the broadcast against an
// optimistic local echo. It is never persisted.
type ActivityStreamEntry struct {
	ID            uuid.UUID  `json:"id" gorm:"type:uuid;primary_key;default:uuid_generate_v4()"`
	CorrelationID string     `json:"correlation_id,omitempty" gorm:"-"`
	UserID        string     `json:"user_id" gorm:"column:user_id;not null;index"`
	Type          string     `json:"type" gorm:"not null"`
	Title         string     `json:"title" gorm:"not null"`
	Description   string     `json:"description"`
	EntityType    string     `json:"entity_type" gorm:"column:entity_type"`
	EntityID      string     `json:"entity_id" gorm:"column:entity_id"`
	Visibility    Visibility `json:"visibility" gorm:"default:public"`
	Metadata      JSONB      `json:"metadata" gorm:"type:jsonb;default:'{}'"`
	CreatedAt     time.Time  `json:"created_at"`
}

func (ActivityStreamEntry) TableName() string {
	return "activity_stream"
}

// AddActivityRequest is the caller-facing shape of a new activity. Identity
// and timestamps are assigned by the service.
type AddActivityRequest struct {
	UserID      string     `json:"user_id" binding:"required"`
	Type        string     `json:"type" binding:"required"`
	Title       string     `json:"title" binding:"required"`
	Description string     `json:"description"`
	EntityType  string     `json:"entity_type"`
	EntityID    string     `json:"entity_id"`
	Visibility  Visibility `json:"visibility"`
	Metadata    JSONB      `json:"metadata"`
}

// ActivityBroadcast is the payload of a new_activity broadcast message.
type ActivityBroadcast struct {
	Activity ActivityStreamEntry `json:"activity"`
}

// EventNewActivity is the broadcast event name on the activity-stream channel.
const EventNewActivity = "new_activity"

// ListResponse is the paginated envelope for durable stream queries.
type ListResponse[T any] struct {
	Data       []T   `json:"data"`
	Total      int64 `json:"total"`
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalPages int   `json:"total_pages"`
}
