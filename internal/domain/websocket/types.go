// internal/domain/websocket/types.go
package websocket

import (
	"encoding/json"
	"time"

	"github.com/oklog/ulid/v2"
)

// EventType represents different real-time event types
type EventType string

const (
	// Connection events
	EventTypePing         EventType = "ping"
	EventTypePong         EventType = "pong"
	EventTypeConnected    EventType = "connected"
	EventTypeDisconnected EventType = "disconnected"
	EventTypeError        EventType = "error"

	// Backend push taxonomy (server -> agent)
	EventTypeNotificationCreated EventType = "notification.created"
	EventTypeActionAcknowledged  EventType = "action.acknowledged"
	EventTypeActionFailed        EventType = "action.failed"
	EventTypeActionTimeout       EventType = "action.timeout"
	EventTypeActionExecuted      EventType = "action.executed"
	EventTypeDeviceStatus        EventType = "device.status"

	// Dashboard requests (dashboard -> agent)
	EventTypeNotificationRead    EventType = "notification:read"
	EventTypeNotificationUnread  EventType = "notification:unread"
	EventTypeNotificationReadAll EventType = "notification:read_all"

	// Dashboard updates (agent -> dashboard)
	EventTypeNotificationAdded   EventType = "notification:added"
	EventTypeNotificationUpdated EventType = "notification:updated"
	EventTypeNotificationRemoved EventType = "notification:removed"
	EventTypeNotificationCount   EventType = "notification:count"
	EventTypeTransportState      EventType = "transport:state"
	EventTypeMutationFailed      EventType = "mutation:failed"

	// Subscription events
	EventTypeSubscribe   EventType = "subscribe"
	EventTypeUnsubscribe EventType = "unsubscribe"
)

// IsAction reports whether t belongs to the device-action lifecycle.
func (t EventType) IsAction() bool {
	switch t {
	case EventTypeActionAcknowledged, EventTypeActionFailed, EventTypeActionTimeout, EventTypeActionExecuted:
		return true
	}
	return false
}

// WSMessage is the universal message format
type WSMessage struct {
	Type      EventType              `json:"type"`
	Data      interface{}            `json:"data,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	ID        string                 `json:"id,omitempty"`
}

// Subscription channels that clients can subscribe to
type ChannelType string

const (
	ChannelNotifications ChannelType = "notifications"
	ChannelActions       ChannelType = "actions"
	ChannelDevices       ChannelType = "devices"
	ChannelSystem        ChannelType = "system"
)

// ChannelFor maps an event type to the channel it is broadcast on.
func ChannelFor(t EventType) ChannelType {
	switch {
	case t.IsAction():
		return ChannelActions
	case t == EventTypeDeviceStatus:
		return ChannelDevices
	case t == EventTypeTransportState:
		return ChannelSystem
	}
	return ChannelNotifications
}

// SubscribeRequest lists the channels of a subscribe or unsubscribe request.
type SubscribeRequest struct {
	Channels []ChannelType `json:"channels"`
}

// SubscriptionAck answers a subscribe or unsubscribe request.
type SubscriptionAck struct {
	Channels []ChannelType `json:"channels"`
	Status   string        `json:"status"`
}

// ErrorData for error events
type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// NotificationRef identifies a single notification in dashboard requests.
type NotificationRef struct {
	NotificationID string `json:"notification_id"`
}

// TransportStateData reports a transport state change.
type TransportStateData struct {
	State    string    `json:"state"`
	Previous string    `json:"previous"`
	Polling  bool      `json:"polling"`
	Since    time.Time `json:"since"`
}

// MutationFailedData is sent when a persistence call for an optimistic
// mutation fails. The local change is kept.
type MutationFailedData struct {
	Operation      string `json:"operation"`
	NotificationID string `json:"notification_id,omitempty"`
	Error          string `json:"error"`
}

// Helper to create messages
func NewMessage(eventType EventType, data interface{}) *WSMessage {
	return &WSMessage{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now(),
		ID:        ulid.Make().String(),
	}
}

func (m *WSMessage) ToJSON() ([]byte, error) {
	return json.Marshal(m)
}

func ParseMessage(data []byte) (*WSMessage, error) {
	var msg WSMessage
	err := json.Unmarshal(data, &msg)
	return &msg, err
}

// DecodeData converts the loosely typed Data field into target.
func (m *WSMessage) DecodeData(target interface{}) error {
	raw, err := json.Marshal(m.Data)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, target)
}
