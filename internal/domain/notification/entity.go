// internal/domain/notification/entity.go
package notification

import (
	"fmt"
	"time"
)

// Level is the severity of a notification. Critical is exempt from quiet hours.
type Level string

const (
	LevelCritical Level = "critical"
	LevelWarning  Level = "warning"
	LevelInfo     Level = "info"
	LevelSuccess  Level = "success"
)

// Levels lists every level, most severe first.
var Levels = []Level{LevelCritical, LevelWarning, LevelInfo, LevelSuccess}

func (l Level) Valid() bool {
	switch l {
	case LevelCritical, LevelWarning, LevelInfo, LevelSuccess:
		return true
	}
	return false
}

// ParseLevel converts a raw string into a Level.
func ParseLevel(s string) (Level, error) {
	l := Level(s)
	if !l.Valid() {
		return "", fmt.Errorf("unknown notification level %q", s)
	}
	return l, nil
}

// Source categorises where a notification originated.
type Source string

const (
	SourceSensor      Source = "sensor"
	SourceDevice      Source = "device"
	SourceAction      Source = "action"
	SourceSystem      Source = "system"
	SourceMaintenance Source = "maintenance"
	SourceSecurity    Source = "security"
)

// Sources lists every known source.
var Sources = []Source{SourceSensor, SourceDevice, SourceAction, SourceSystem, SourceMaintenance, SourceSecurity}

func (s Source) Valid() bool {
	for _, known := range Sources {
		if s == known {
			return true
		}
	}
	return false
}

// Context is an opaque payload carried along with a notification.
type Context map[string]interface{}

// Notification is the client-side view of a notification.
type Notification struct {
	ID        string    `json:"id"`
	Level     Level     `json:"level"`
	Title     string    `json:"title"`
	Message   string    `json:"message,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	Read      bool      `json:"read"`
	Source    Source    `json:"source,omitempty"`
	Context   Context   `json:"context,omitempty"`
}

// Record is the backend wire/storage form of a notification.
type Record struct {
	ID        string    `json:"id" db:"id"`
	UserID    string    `json:"user_id,omitempty" db:"user_id"`
	Level     Level     `json:"level" db:"level"`
	Source    Source    `json:"source,omitempty" db:"source"`
	Title     string    `json:"title" db:"title"`
	Message   string    `json:"message,omitempty" db:"message"`
	Context   Context   `json:"context,omitempty" db:"context"`
	IsRead    bool      `json:"is_read" db:"is_read"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// ToNotification maps a wire record to the client view. A missing creation
// time is replaced by fallback.
func (r Record) ToNotification(fallback time.Time) Notification {
	created := r.CreatedAt
	if created.IsZero() {
		created = fallback
	}
	return Notification{
		ID:        r.ID,
		Level:     r.Level,
		Title:     r.Title,
		Message:   r.Message,
		CreatedAt: created,
		Read:      r.IsRead,
		Source:    r.Source,
		Context:   r.Context,
	}
}

// Page is one slice of the server-side notification list.
type Page struct {
	Items []Notification
	Total int
}

// DTOs

type ListParams struct {
	Limit  int
	Offset int
	IsRead *bool
	Level  Level
	Source Source
	From   *time.Time
	To     *time.Time
}

type ListResponse struct {
	Items []Record `json:"items"`
	Total int      `json:"total"`
}

type UnreadCountResponse struct {
	Count int `json:"count"`
}

type MarkReadRequest struct {
	IDs []string `json:"ids"`
}

type UpdatedResponse struct {
	Updated int64 `json:"updated"`
}

type DeletedResponse struct {
	Deleted int64 `json:"deleted"`
}

type CreateNotificationRequest struct {
	UserID  string  `json:"user_id" binding:"required"`
	Level   Level   `json:"level" binding:"required"`
	Source  Source  `json:"source" binding:"required"`
	Title   string  `json:"title" binding:"required,max=200"`
	Message string  `json:"message"`
	Context Context `json:"context,omitempty"`
}

type ListFilters struct {
	Limit  int    `form:"limit"`
	Offset int    `form:"offset"`
	IsRead string `form:"is_read"`
	Level  string `form:"level"`
	Source string `form:"source"`
	From   string `form:"from"`
	To     string `form:"to"`
}
