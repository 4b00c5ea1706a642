// internal/service/notification/service.go
package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"smartfarm-notifier/internal/domain/action"
	"smartfarm-notifier/internal/domain/notification"
	"smartfarm-notifier/internal/domain/websocket"
	"smartfarm-notifier/internal/gateway"
	xerrors "smartfarm-notifier/internal/pkg/errors"
)

const (
	DefaultListLimit   = 50
	MaxListLimit       = 200
	DefaultActionLimit = 20
	MaxActionLimit     = 100
)

// Repository is the notification storage the service needs.
type Repository interface {
	Create(ctx context.Context, rec *notification.Record) error
	List(ctx context.Context, userID string, p notification.ListParams) ([]notification.Record, int, error)
	UnreadCount(ctx context.Context, userID string) (int, error)
	MarkRead(ctx context.Context, userID string, ids []string) (int64, error)
	MarkAllRead(ctx context.Context, userID string) (int64, error)
	Delete(ctx context.Context, userID, id string) (*notification.Record, error)
}

// ActionRepository is the action log storage the service needs.
type ActionRepository interface {
	Create(ctx context.Context, l *action.Log) error
	Latest(ctx context.Context, limit int) ([]action.Log, int, error)
}

// UnreadCache caches per-user unread counts. Optional.
type UnreadCache interface {
	Get(ctx context.Context, userID string) (int, bool, error)
	Set(ctx context.Context, userID string, count int) error
	Invalidate(ctx context.Context, userID string) error
}

// NotificationService persists notifications and action logs and fans the
// resulting events out to connected agents.
type NotificationService struct {
	repo    Repository
	actions ActionRepository
	cache   UnreadCache
	bus     gateway.Bus
	logger  *zap.Logger
}

func NewNotificationService(repo Repository, actions ActionRepository, cache UnreadCache, bus gateway.Bus, logger *zap.Logger) *NotificationService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &NotificationService{
		repo:    repo,
		actions: actions,
		cache:   cache,
		bus:     bus,
		logger:  logger.With(zap.String("component", "notification_service")),
	}
}

// Create stores a notification for req.UserID and pushes it to that user.
func (s *NotificationService) Create(ctx context.Context, req *notification.CreateNotificationRequest) (*notification.Record, error) {
	if !req.Level.Valid() {
		return nil, fmt.Errorf("%w: unknown level %q", xerrors.ErrInvalidInput, req.Level)
	}
	if !req.Source.Valid() {
		return nil, fmt.Errorf("%w: unknown source %q", xerrors.ErrInvalidInput, req.Source)
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Title) == "" {
		return nil, fmt.Errorf("%w: user_id and title are required", xerrors.ErrInvalidInput)
	}

	rec := &notification.Record{
		ID:      uuid.NewString(),
		UserID:  req.UserID,
		Level:   req.Level,
		Source:  req.Source,
		Title:   req.Title,
		Message: req.Message,
		Context: req.Context,
	}
	if err := s.repo.Create(ctx, rec); err != nil {
		return nil, err
	}

	s.invalidate(ctx, rec.UserID)
	s.publish(ctx, []string{rec.UserID}, websocket.EventTypeNotificationCreated, rec)

	s.logger.Info("notification created",
		zap.String("id", rec.ID),
		zap.String("user_id", rec.UserID),
		zap.String("level", string(rec.Level)),
	)
	return rec, nil
}

// List returns one page of the user's notifications, newest first.
func (s *NotificationService) List(ctx context.Context, userID string, p notification.ListParams) (*notification.ListResponse, error) {
	if p.Limit <= 0 {
		p.Limit = DefaultListLimit
	}
	if p.Limit > MaxListLimit {
		p.Limit = MaxListLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}

	items, total, err := s.repo.List(ctx, userID, p)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []notification.Record{}
	}
	return &notification.ListResponse{Items: items, Total: total}, nil
}

// UnreadCount serves from the cache when possible.
func (s *NotificationService) UnreadCount(ctx context.Context, userID string) (int, error) {
	if s.cache != nil {
		count, ok, err := s.cache.Get(ctx, userID)
		if err != nil {
			s.logger.Warn("unread cache read failed", zap.String("user_id", userID), zap.Error(err))
		} else if ok {
			return count, nil
		}
	}

	count, err := s.repo.UnreadCount(ctx, userID)
	if err != nil {
		return 0, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, userID, count); err != nil {
			s.logger.Warn("unread cache write failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	return count, nil
}

// MarkRead flags ids as read. Ids that are not valid UUIDs cannot match a
// row and are skipped.
func (s *NotificationService) MarkRead(ctx context.Context, userID string, ids []string) (int64, error) {
	valid := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, err := uuid.Parse(id); err == nil {
			valid = append(valid, id)
		}
	}
	if len(valid) == 0 {
		return 0, nil
	}

	updated, err := s.repo.MarkRead(ctx, userID, valid)
	if err != nil {
		return 0, err
	}
	if updated > 0 {
		s.invalidate(ctx, userID)
	}
	return updated, nil
}

func (s *NotificationService) MarkAllRead(ctx context.Context, userID string) (int64, error) {
	updated, err := s.repo.MarkAllRead(ctx, userID)
	if err != nil {
		return 0, err
	}
	if updated > 0 {
		s.invalidate(ctx, userID)
	}
	return updated, nil
}

// Delete removes one notification and reports how many rows went away.
func (s *NotificationService) Delete(ctx context.Context, userID, id string) (int64, error) {
	if _, err := uuid.Parse(id); err != nil {
		return 0, nil
	}
	rec, err := s.repo.Delete(ctx, userID, id)
	if err != nil {
		return 0, err
	}
	if rec == nil {
		return 0, nil
	}
	if !rec.IsRead {
		s.invalidate(ctx, userID)
	}
	return 1, nil
}

// ListActions returns the newest device actions.
func (s *NotificationService) ListActions(ctx context.Context, limit int) (*action.ListResponse, error) {
	if limit <= 0 {
		limit = DefaultActionLimit
	}
	if limit > MaxActionLimit {
		limit = MaxActionLimit
	}
	items, total, err := s.actions.Latest(ctx, limit)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []action.Log{}
	}
	return &action.ListResponse{Items: items, Total: total}, nil
}

var actionStatusByEvent = map[websocket.EventType]action.Status{
	websocket.EventTypeActionAcknowledged: action.StatusAck,
	websocket.EventTypeActionFailed:       action.StatusError,
	websocket.EventTypeActionTimeout:      action.StatusTimeout,
	websocket.EventTypeActionExecuted:     action.StatusSent,
}

// actionEvent is the payload accepted for action.* events.
type actionEvent struct {
	DeviceID  string `json:"device_id"`
	ActionURI string `json:"action_uri"`
	Status    string `json:"status"`
}

// IngestEvent accepts an action or device event from the farm side and
// broadcasts it. Action events carrying a device id are also written to the
// action log.
func (s *NotificationService) IngestEvent(ctx context.Context, eventType websocket.EventType, payload json.RawMessage) error {
	switch {
	case eventType.IsAction():
		if err := s.recordAction(ctx, eventType, payload); err != nil {
			return err
		}
	case eventType == websocket.EventTypeDeviceStatus:
		var st action.DeviceStatus
		if err := json.Unmarshal(payload, &st); err != nil || st.DeviceID == "" {
			return fmt.Errorf("%w: device.status needs a deviceId", xerrors.ErrInvalidInput)
		}
		if st.Status != action.DeviceOnline && st.Status != action.DeviceOffline {
			return fmt.Errorf("%w: unknown device status %q", xerrors.ErrInvalidInput, st.Status)
		}
	default:
		return fmt.Errorf("%w: unsupported event type %q", xerrors.ErrInvalidInput, eventType)
	}

	if s.bus == nil {
		return nil
	}
	if err := s.bus.Publish(ctx, nil, eventType, payload); err != nil {
		return fmt.Errorf("%w: %v", xerrors.ErrUpstream, err)
	}
	return nil
}

func (s *NotificationService) recordAction(ctx context.Context, eventType websocket.EventType, payload json.RawMessage) error {
	var ev actionEvent
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &ev); err != nil {
			return fmt.Errorf("%w: malformed %s payload", xerrors.ErrInvalidInput, eventType)
		}
	}
	if ev.DeviceID == "" {
		return nil
	}

	status := actionStatusByEvent[eventType]
	if ev.Status != "" {
		status = action.Status(ev.Status)
		if !status.Valid() {
			return fmt.Errorf("%w: unknown action status %q", xerrors.ErrInvalidInput, ev.Status)
		}
	}
	l := &action.Log{
		ID:        uuid.NewString(),
		DeviceID:  ev.DeviceID,
		Status:    status,
		ActionURI: ev.ActionURI,
	}
	if err := s.actions.Create(ctx, l); err != nil {
		return err
	}
	s.logger.Debug("action recorded",
		zap.String("id", l.ID),
		zap.String("device_id", l.DeviceID),
		zap.String("status", string(l.Status)),
	)
	return nil
}

func (s *NotificationService) invalidate(ctx context.Context, userID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, userID); err != nil {
		s.logger.Warn("unread cache invalidate failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func (s *NotificationService) publish(ctx context.Context, userIDs []string, eventType websocket.EventType, data interface{}) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Publish(ctx, userIDs, eventType, data); err != nil {
		s.logger.Error("event publish failed", zap.String("type", string(eventType)), zap.Error(err))
	}
}
