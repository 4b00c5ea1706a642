// internal/handlers/inbox/inbox_handler.go
package inbox

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"smartfarm-notifier/internal/domain/notification"
	"smartfarm-notifier/internal/notifier"
	xerrors "smartfarm-notifier/internal/pkg/errors"
	"smartfarm-notifier/internal/pkg/response"
	"smartfarm-notifier/internal/suppression"
	"smartfarm-notifier/internal/transport"

	"github.com/gin-gonic/gin"
)

// Service is what the inbox routes need from notifier.Service.
type Service interface {
	List() []notification.Notification
	Get(id string) (notification.Notification, bool)
	UnreadCount() int
	HasMore() bool
	Total() int
	LoadMore(ctx context.Context) (int, error)
	Refresh(ctx context.Context) error
	RefreshUnreadCount(ctx context.Context) error
	MarkRead(id string) bool
	MarkUnread(id string) bool
	MarkAllRead() int
	Remove(id string) bool
	Notify(level notification.Level, title, message string, opts ...notifier.NotifyOption) (notification.Notification, error)
	Alert(key string, level notification.Level, title, message string, opts ...notifier.NotifyOption) (notification.Notification, bool)
	TransportStatus() transport.Status
	LastLoadError() error
	Preferences() suppression.Preferences
	UpdatePreferences(p suppression.Preferences) error
}

type InboxHandler struct {
	svc Service
}

func NewInboxHandler(svc Service) *InboxHandler {
	return &InboxHandler{svc: svc}
}

type listResponse struct {
	Items   []notification.Notification `json:"items"`
	Unread  int                         `json:"unread"`
	Total   int                         `json:"total"`
	HasMore bool                        `json:"hasMore"`
}

func (h *InboxHandler) snapshot() listResponse {
	return listResponse{
		Items:   h.svc.List(),
		Unread:  h.svc.UnreadCount(),
		Total:   h.svc.Total(),
		HasMore: h.svc.HasMore(),
	}
}

// List returns the loaded notifications, newest first.
func (h *InboxHandler) List(c *gin.Context) {
	response.Success(c, http.StatusOK, "notifications retrieved", h.snapshot())
}

func (h *InboxHandler) LoadMore(c *gin.Context) {
	added, err := h.svc.LoadMore(c.Request.Context())
	if err != nil {
		response.FromError(c, "failed to load more notifications", err)
		return
	}
	response.Success(c, http.StatusOK, "notifications loaded", gin.H{
		"added":   added,
		"hasMore": h.svc.HasMore(),
		"total":   h.svc.Total(),
	})
}

func (h *InboxHandler) Refresh(c *gin.Context) {
	if err := h.svc.Refresh(c.Request.Context()); err != nil {
		response.FromError(c, "failed to refresh notifications", err)
		return
	}
	response.Success(c, http.StatusOK, "notifications refreshed", h.snapshot())
}

func (h *InboxHandler) MarkRead(c *gin.Context) {
	h.setRead(c, true)
}

func (h *InboxHandler) MarkUnread(c *gin.Context) {
	h.setRead(c, false)
}

func (h *InboxHandler) setRead(c *gin.Context, read bool) {
	id := c.Param("id")
	if _, ok := h.svc.Get(id); !ok {
		response.NotFound(c, "notification not found")
		return
	}

	var changed bool
	if read {
		changed = h.svc.MarkRead(id)
	} else {
		changed = h.svc.MarkUnread(id)
	}

	n, _ := h.svc.Get(id)
	response.Success(c, http.StatusOK, "notification updated", gin.H{
		"notification": n,
		"changed":      changed,
		"unread":       h.svc.UnreadCount(),
	})
}

func (h *InboxHandler) MarkAllRead(c *gin.Context) {
	updated := h.svc.MarkAllRead()
	response.Success(c, http.StatusOK, "all notifications marked as read", gin.H{
		"updated": updated,
		"unread":  h.svc.UnreadCount(),
	})
}

func (h *InboxHandler) Delete(c *gin.Context) {
	if !h.svc.Remove(c.Param("id")) {
		response.NotFound(c, "notification not found")
		return
	}
	response.Success(c, http.StatusOK, "notification deleted", gin.H{
		"unread": h.svc.UnreadCount(),
		"total":  h.svc.Total(),
	})
}

// UnreadCount returns the badge counter. refresh=true asks the backend first.
func (h *InboxHandler) UnreadCount(c *gin.Context) {
	if c.Query("refresh") == "true" {
		if err := h.svc.RefreshUnreadCount(c.Request.Context()); err != nil {
			response.FromError(c, "failed to refresh unread count", err)
			return
		}
	}
	response.Success(c, http.StatusOK, "unread count retrieved", gin.H{"count": h.svc.UnreadCount()})
}

type notifyRequest struct {
	Level   notification.Level   `json:"level" binding:"required"`
	Title   string               `json:"title" binding:"required,max=200"`
	Message string               `json:"message"`
	Source  notification.Source  `json:"source"`
	Context notification.Context `json:"context"`
	// Key routes the request through the suppression gate.
	Key string `json:"key"`
}

// Notify synthesizes a local notification. Requests carrying a key are
// subject to suppression and answer 202 when dropped.
func (h *InboxHandler) Notify(c *gin.Context) {
	var req notifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request body", err)
		return
	}
	if req.Source != "" && !req.Source.Valid() {
		response.ValidationError(c, "invalid source", fmt.Errorf("%w: unknown source %q", xerrors.ErrInvalidInput, req.Source))
		return
	}

	var opts []notifier.NotifyOption
	if req.Source != "" {
		opts = append(opts, notifier.WithSource(req.Source))
	}
	if req.Context != nil {
		opts = append(opts, notifier.WithContext(req.Context))
	}

	if req.Key == "" {
		n, err := h.svc.Notify(req.Level, req.Title, req.Message, opts...)
		if err != nil {
			response.FromError(c, "failed to create notification", err)
			return
		}
		response.Success(c, http.StatusCreated, "notification created", n)
		return
	}

	if !req.Level.Valid() {
		response.ValidationError(c, "invalid level", fmt.Errorf("%w: unknown level %q", xerrors.ErrInvalidInput, req.Level))
		return
	}
	n, emitted := h.svc.Alert(req.Key, req.Level, req.Title, req.Message, opts...)
	if !emitted {
		response.Success(c, http.StatusAccepted, "alert suppressed", gin.H{"suppressed": true})
		return
	}
	response.Success(c, http.StatusCreated, "notification created", n)
}

type statusResponse struct {
	Transport     transport.Status `json:"transport"`
	Unread        int              `json:"unread"`
	Loaded        int              `json:"loaded"`
	Total         int              `json:"total"`
	HasMore       bool             `json:"hasMore"`
	LastLoadError string           `json:"lastLoadError,omitempty"`
}

func (h *InboxHandler) Status(c *gin.Context) {
	resp := statusResponse{
		Transport: h.svc.TransportStatus(),
		Unread:    h.svc.UnreadCount(),
		Loaded:    len(h.svc.List()),
		Total:     h.svc.Total(),
		HasMore:   h.svc.HasMore(),
	}
	if err := h.svc.LastLoadError(); err != nil {
		resp.LastLoadError = err.Error()
	}
	response.Success(c, http.StatusOK, "status retrieved", resp)
}

// PreferencesDTO is the JSON shape of the suppression preferences.
type PreferencesDTO struct {
	Cooldown   string                       `json:"cooldown"`
	QuietHours suppression.QuietHours       `json:"quietHours"`
	Levels     map[notification.Level]bool  `json:"levels"`
	Sources    map[notification.Source]bool `json:"sources"`
}

func toDTO(p suppression.Preferences) PreferencesDTO {
	return PreferencesDTO{
		Cooldown:   p.Cooldown.String(),
		QuietHours: p.QuietHours,
		Levels:     p.Levels,
		Sources:    p.Sources,
	}
}

func (h *InboxHandler) GetPreferences(c *gin.Context) {
	response.Success(c, http.StatusOK, "preferences retrieved", toDTO(h.svc.Preferences()))
}

// UpdatePreferences merges the body into the current preferences. Omitted
// levels and sources keep their value.
func (h *InboxHandler) UpdatePreferences(c *gin.Context) {
	current := h.svc.Preferences()
	req := toDTO(current)
	req.Levels, req.Sources = nil, nil
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request body", err)
		return
	}

	cooldown, err := time.ParseDuration(req.Cooldown)
	if err != nil {
		response.ValidationError(c, "invalid cooldown", err)
		return
	}

	next := current
	next.Cooldown = cooldown
	next.QuietHours = req.QuietHours
	for level, enabled := range req.Levels {
		if !level.Valid() {
			response.ValidationError(c, "invalid level", fmt.Errorf("%w: unknown level %q", xerrors.ErrInvalidInput, level))
			return
		}
		next.Levels[level] = enabled
	}
	for source, enabled := range req.Sources {
		if !source.Valid() {
			response.ValidationError(c, "invalid source", fmt.Errorf("%w: unknown source %q", xerrors.ErrInvalidInput, source))
			return
		}
		next.Sources[source] = enabled
	}

	if err := h.svc.UpdatePreferences(next); err != nil {
		response.FromError(c, "failed to update preferences", err)
		return
	}
	response.Success(c, http.StatusOK, "preferences updated", toDTO(h.svc.Preferences()))
}

// RegisterRoutes mounts the inbox under g.
func (h *InboxHandler) RegisterRoutes(g *gin.RouterGroup, notify ...gin.HandlerFunc) {
	notifications := g.Group("/notifications")
	{
		notifications.GET("", h.List)
		notifications.GET("/unread-count", h.UnreadCount)
		notifications.POST("/load-more", h.LoadMore)
		notifications.POST("/refresh", h.Refresh)
		notifications.POST("/read-all", h.MarkAllRead)
		notifications.POST("/:id/read", h.MarkRead)
		notifications.POST("/:id/unread", h.MarkUnread)
		notifications.DELETE("/:id", h.Delete)
		notifications.POST("", append(notify, h.Notify)...)
	}

	g.GET("/status", h.Status)
	g.GET("/preferences", h.GetPreferences)
	g.PUT("/preferences", h.UpdatePreferences)
}
