// internal/handlers/notification/notification_handler.go
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"smartfarm-notifier/internal/domain/action"
	"smartfarm-notifier/internal/domain/notification"
	"smartfarm-notifier/internal/domain/websocket"
	"smartfarm-notifier/internal/middleware"
	xerrors "smartfarm-notifier/internal/pkg/errors"
	"smartfarm-notifier/internal/pkg/response"

	"github.com/gin-gonic/gin"
)

const maxEventBody = 64 << 10

// Service is the backend notification service.
type Service interface {
	Create(ctx context.Context, req *notification.CreateNotificationRequest) (*notification.Record, error)
	List(ctx context.Context, userID string, p notification.ListParams) (*notification.ListResponse, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, userID string, ids []string) (int64, error)
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	Delete(ctx context.Context, userID, id string) (int64, error)
	ListActions(ctx context.Context, limit int) (*action.ListResponse, error)
	IngestEvent(ctx context.Context, eventType websocket.EventType, payload json.RawMessage) error
}

// NotificationHandler serves the REST API agents reconcile against. Bodies
// are plain JSON documents rather than the response envelope.
type NotificationHandler struct {
	svc Service
}

func NewNotificationHandler(svc Service) *NotificationHandler {
	return &NotificationHandler{svc: svc}
}

// ParseListFilters validates the query of GET /notifications.
func ParseListFilters(f notification.ListFilters) (notification.ListParams, error) {
	p := notification.ListParams{Limit: f.Limit, Offset: f.Offset}
	if f.Limit < 0 || f.Offset < 0 {
		return p, fmt.Errorf("%w: limit and offset must not be negative", xerrors.ErrInvalidInput)
	}

	switch f.IsRead {
	case "":
	case "1", "true":
		v := true
		p.IsRead = &v
	case "0", "false":
		v := false
		p.IsRead = &v
	default:
		return p, fmt.Errorf("%w: is_read must be 1, 0, true or false", xerrors.ErrInvalidInput)
	}

	if f.Level != "" {
		level, err := notification.ParseLevel(f.Level)
		if err != nil {
			return p, fmt.Errorf("%w: %v", xerrors.ErrInvalidInput, err)
		}
		p.Level = level
	}
	if f.Source != "" {
		src := notification.Source(f.Source)
		if !src.Valid() {
			return p, fmt.Errorf("%w: unknown source %q", xerrors.ErrInvalidInput, f.Source)
		}
		p.Source = src
	}

	var err error
	if p.From, err = parseTime("from", f.From); err != nil {
		return p, err
	}
	if p.To, err = parseTime("to", f.To); err != nil {
		return p, err
	}
	return p, nil
}

func parseTime(name, raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %s must be RFC3339", xerrors.ErrInvalidInput, name)
	}
	return &t, nil
}

// GetNotifications lists the caller's notifications.
func (h *NotificationHandler) GetNotifications(c *gin.Context) {
	userID := middleware.MustGetUserID(c)

	var filters notification.ListFilters
	if err := c.ShouldBindQuery(&filters); err != nil {
		response.Error(c, http.StatusBadRequest, "invalid query parameters", err)
		return
	}
	params, err := ParseListFilters(filters)
	if err != nil {
		response.ValidationError(c, "invalid query parameters", err)
		return
	}

	result, err := h.svc.List(c.Request.Context(), userID, params)
	if err != nil {
		response.FromError(c, "failed to get notifications", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *NotificationHandler) GetUnreadCount(c *gin.Context) {
	userID := middleware.MustGetUserID(c)

	count, err := h.svc.UnreadCount(c.Request.Context(), userID)
	if err != nil {
		response.FromError(c, "failed to get unread count", err)
		return
	}
	c.JSON(http.StatusOK, notification.UnreadCountResponse{Count: count})
}

func (h *NotificationHandler) MarkRead(c *gin.Context) {
	userID := middleware.MustGetUserID(c)

	var req notification.MarkReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request", err)
		return
	}

	updated, err := h.svc.MarkRead(c.Request.Context(), userID, req.IDs)
	if err != nil {
		response.FromError(c, "failed to mark as read", err)
		return
	}
	c.JSON(http.StatusOK, notification.UpdatedResponse{Updated: updated})
}

func (h *NotificationHandler) MarkAllRead(c *gin.Context) {
	userID := middleware.MustGetUserID(c)

	updated, err := h.svc.MarkAllRead(c.Request.Context(), userID)
	if err != nil {
		response.FromError(c, "failed to mark all as read", err)
		return
	}
	c.JSON(http.StatusOK, notification.UpdatedResponse{Updated: updated})
}

// DeleteNotification answers 200 with deleted=0 when nothing matched.
func (h *NotificationHandler) DeleteNotification(c *gin.Context) {
	userID := middleware.MustGetUserID(c)

	deleted, err := h.svc.Delete(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		response.FromError(c, "failed to delete notification", err)
		return
	}
	c.JSON(http.StatusOK, notification.DeletedResponse{Deleted: deleted})
}

// CreateNotification stores and pushes a notification for any user.
func (h *NotificationHandler) CreateNotification(c *gin.Context) {
	var req notification.CreateNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, "invalid request", err)
		return
	}

	rec, err := h.svc.Create(c.Request.Context(), &req)
	if err != nil {
		response.FromError(c, "failed to create notification", err)
		return
	}
	c.JSON(http.StatusCreated, rec)
}

// IngestEvent takes an action or device event and broadcasts it.
func (h *NotificationHandler) IngestEvent(c *gin.Context) {
	raw, err := io.ReadAll(io.LimitReader(c.Request.Body, maxEventBody+1))
	if err != nil {
		response.ValidationError(c, "failed to read body", err)
		return
	}
	if len(raw) > maxEventBody {
		response.Error(c, http.StatusRequestEntityTooLarge, "event body too large", nil)
		return
	}
	if len(raw) > 0 && !json.Valid(raw) {
		response.ValidationError(c, "invalid request", fmt.Errorf("%w: body is not JSON", xerrors.ErrInvalidInput))
		return
	}

	eventType := websocket.EventType(c.Param("type"))
	if err := h.svc.IngestEvent(c.Request.Context(), eventType, raw); err != nil {
		response.FromError(c, "failed to ingest event", err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"accepted": true, "type": eventType})
}

func (h *NotificationHandler) GetActions(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			response.ValidationError(c, "invalid limit", fmt.Errorf("%w: limit must be a positive integer", xerrors.ErrInvalidInput))
			return
		}
		limit = n
	}

	result, err := h.svc.ListActions(c.Request.Context(), limit)
	if err != nil {
		response.FromError(c, "failed to get actions", err)
		return
	}
	c.JSON(http.StatusOK, result)
}

// RegisterRoutes mounts the user routes under user and the farm-side ingest
// routes under ingest.
func (h *NotificationHandler) RegisterRoutes(user, ingest *gin.RouterGroup) {
	notifications := user.Group("/notifications")
	{
		notifications.GET("", h.GetNotifications)
		notifications.GET("/unread-count", h.GetUnreadCount)
		notifications.POST("/mark-read", h.MarkRead)
		notifications.POST("/mark-all-read", h.MarkAllRead)
		notifications.DELETE("/:id", h.DeleteNotification)
	}
	user.GET("/actions", h.GetActions)

	ingest.POST("/notifications", h.CreateNotification)
	ingest.POST("/events/:type", h.IngestEvent)
}
