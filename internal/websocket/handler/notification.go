// internal/websocket/handler/notification.go
package handler

import (
	"context"
	"fmt"

	wstypes "smartfarm-notifier/internal/domain/websocket"
	ws "smartfarm-notifier/internal/websocket"
)

// Inbox is the agent-side notification state a dashboard can act on.
type Inbox interface {
	MarkRead(id string) bool
	MarkUnread(id string) bool
	MarkAllRead() int
	UnreadCount() int
}

// NotificationHandler serves dashboard requests against the local inbox.
// Resulting state changes reach every dashboard through the inbox's own
// events; the requesting client only gets an acknowledgement.
type NotificationHandler struct {
	inbox Inbox
}

func NewNotificationHandler(inbox Inbox) *NotificationHandler {
	return &NotificationHandler{inbox: inbox}
}

// SupportedEvents returns events this handler supports
func (h *NotificationHandler) SupportedEvents() []wstypes.EventType {
	return []wstypes.EventType{
		wstypes.EventTypeNotificationRead,
		wstypes.EventTypeNotificationUnread,
		wstypes.EventTypeNotificationReadAll,
		wstypes.EventTypeNotificationCount,
	}
}

// HandleMessage processes notification-related messages
func (h *NotificationHandler) HandleMessage(ctx context.Context, client *ws.Client, msg *wstypes.WSMessage) error {
	switch msg.Type {
	case wstypes.EventTypeNotificationRead:
		return h.handleToggle(client, msg, h.inbox.MarkRead)

	case wstypes.EventTypeNotificationUnread:
		return h.handleToggle(client, msg, h.inbox.MarkUnread)

	case wstypes.EventTypeNotificationReadAll:
		changed := h.inbox.MarkAllRead()
		client.SendMessage(wstypes.NewMessage(wstypes.EventTypeNotificationReadAll, map[string]interface{}{
			"success":      true,
			"updated":      changed,
			"unread_count": h.inbox.UnreadCount(),
		}))
		return nil

	case wstypes.EventTypeNotificationCount:
		client.SendMessage(wstypes.NewMessage(wstypes.EventTypeNotificationCount, map[string]interface{}{
			"unread_count": h.inbox.UnreadCount(),
		}))
		return nil

	default:
		return fmt.Errorf("unsupported event type: %s", msg.Type)
	}
}

func (h *NotificationHandler) handleToggle(client *ws.Client, msg *wstypes.WSMessage, apply func(string) bool) error {
	var req wstypes.NotificationRef
	if err := msg.DecodeData(&req); err != nil || req.NotificationID == "" {
		client.SendError("invalid_request", "notification_id is required", "")
		return nil
	}

	changed := apply(req.NotificationID)
	client.SendMessage(wstypes.NewMessage(msg.Type, map[string]interface{}{
		"notification_id": req.NotificationID,
		"success":         true,
		"changed":         changed,
		"unread_count":    h.inbox.UnreadCount(),
	}))
	return nil
}
