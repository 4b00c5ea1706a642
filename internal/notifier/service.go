// Package notifier wires the transport, suppression, store and reconciler
// into the agent's notification service.
package notifier

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"smartfarm-notifier/internal/domain/notification"
	wstypes "smartfarm-notifier/internal/domain/websocket"
	xerrors "smartfarm-notifier/internal/pkg/errors"
	"smartfarm-notifier/internal/reconcile"
	"smartfarm-notifier/internal/scheduler"
	"smartfarm-notifier/internal/store"
	"smartfarm-notifier/internal/suppression"
	"smartfarm-notifier/internal/transport"
)

const (
	// syncDelay coalesces counter resyncs and catch-ups requested in a burst.
	syncDelay   = 500 * time.Millisecond
	syncTimeout = 10 * time.Second
)

// Transport is the part of transport.Manager the service drives.
type Transport interface {
	Connect()
	Disconnect()
	Events() <-chan transport.Event
	Status() transport.Status
	OnStateChange(fn func(transport.StateChange))
}

// Event is published to subscribers after every visible change.
type Event struct {
	Type wstypes.EventType
	Data interface{}
}

// NotificationRemoved is the payload of notification:removed.
type NotificationRemoved struct {
	ID string `json:"id"`
}

// UnreadCount is the payload of notification:count.
type UnreadCount struct {
	Count int `json:"count"`
}

// ReadAll is the payload of notification:read_all.
type ReadAll struct {
	Updated int `json:"updated"`
}

// NotifyOption customizes a locally synthesized notification.
type NotifyOption func(*notification.Notification)

func WithSource(source notification.Source) NotifyOption {
	return func(n *notification.Notification) { n.Source = source }
}

func WithContext(ctx notification.Context) NotifyOption {
	return func(n *notification.Notification) { n.Context = ctx }
}

type Config struct {
	// UserID filters notification.created pushes addressed to someone else.
	UserID string
	// AutoRefreshInterval re-runs the initial load periodically; zero disables it.
	AutoRefreshInterval time.Duration
	// SavePreferences persists preference changes; nil keeps them in memory.
	SavePreferences func(suppression.Preferences) error
}

// Service is the composition root of the agent. It is safe for concurrent use.
type Service struct {
	cfg        Config
	transport  Transport
	engine     *suppression.Engine
	store      *store.Store
	reconciler *reconcile.Reconciler
	sched      scheduler.Scheduler
	logger     *zap.Logger

	pubMu       sync.Mutex
	subscribers map[uint64]func(Event)
	nextSub     uint64

	hooksMu sync.RWMutex
	hooks   map[wstypes.EventType][]func(transport.Event)

	lifecycleMu   sync.Mutex
	started       bool
	stop          context.CancelFunc
	consumeDone   chan struct{}
	cancelRefresh scheduler.CancelFunc
	lastLoadErr   error

	// resync state, guarded by lifecycleMu
	cancelSync      scheduler.CancelFunc
	syncCatchUp     bool
	connectedBefore bool
}

func New(cfg Config, tr Transport, engine *suppression.Engine, st *store.Store, rec *reconcile.Reconciler, sched scheduler.Scheduler, logger *zap.Logger) *Service {
	if sched == nil {
		sched = scheduler.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Service{
		cfg:         cfg,
		transport:   tr,
		engine:      engine,
		store:       st,
		reconciler:  rec,
		sched:       sched,
		logger:      logger.With(zap.String("component", "notifier")),
		subscribers: make(map[uint64]func(Event)),
		hooks:       make(map[wstypes.EventType][]func(transport.Event)),
	}

	rec.OnMutationError(s.onMutationError)
	tr.OnStateChange(s.onTransportState)
	return s
}

// Subscribe registers fn for every published event. Events reach
// subscribers one at a time in publication order; fn must not call back into
// the Service.
func (s *Service) Subscribe(fn func(Event)) (unsubscribe func()) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	s.nextSub++
	id := s.nextSub
	s.subscribers[id] = fn
	return func() {
		s.pubMu.Lock()
		delete(s.subscribers, id)
		s.pubMu.Unlock()
	}
}

// HandleInbound registers fn for inbound transport events of type t. Hooks
// run on the consumer goroutine, after the event is forwarded, and may call
// the Service.
func (s *Service) HandleInbound(t wstypes.EventType, fn func(transport.Event)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.hooks[t] = append(s.hooks[t], fn)
}

func (s *Service) publish(eventType wstypes.EventType, data interface{}) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	ev := Event{Type: eventType, Data: data}
	for _, fn := range s.subscribers {
		fn(ev)
	}
}

func (s *Service) publishCount() {
	s.publish(wstypes.EventTypeNotificationCount, UnreadCount{Count: s.store.UnreadCount()})
}

// Start connects the transport, begins consuming events and performs the
// initial load. A failed initial load is returned but the service keeps
// running; the next refresh retries it. A stopped Service may be started
// again.
func (s *Service) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	if s.started {
		s.lifecycleMu.Unlock()
		return nil
	}
	s.started = true
	runCtx, cancel := context.WithCancel(context.Background())
	s.stop = cancel
	s.consumeDone = make(chan struct{})
	s.connectedBefore = false
	s.lifecycleMu.Unlock()

	s.reconciler.Open()
	go s.consume(runCtx)
	s.transport.Connect()

	err := s.Refresh(ctx)
	s.scheduleRefresh()
	return err
}

// Stop disconnects the transport, stops the refresh loop and waits for
// pending persistence calls.
func (s *Service) Stop() {
	s.lifecycleMu.Lock()
	if !s.started {
		s.lifecycleMu.Unlock()
		return
	}
	s.started = false
	scheduler.Cancel(s.cancelRefresh)
	s.cancelRefresh = nil
	scheduler.Cancel(s.cancelSync)
	s.cancelSync = nil
	s.syncCatchUp = false
	stop, done := s.stop, s.consumeDone
	s.lifecycleMu.Unlock()

	s.transport.Disconnect()
	stop()
	<-done
	s.reconciler.Close()
}

func (s *Service) scheduleRefresh() {
	if s.cfg.AutoRefreshInterval <= 0 {
		return
	}
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if !s.started {
		return
	}
	s.cancelRefresh = s.sched.After(s.cfg.AutoRefreshInterval, func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.AutoRefreshInterval)
		if err := s.Refresh(ctx); err != nil {
			s.logger.Warn("auto refresh failed", zap.Error(err))
		}
		cancel()
		s.scheduleRefresh()
	})
}

// requestSync schedules a counter resync, or a page-0 catch-up when catchUp
// is set. Requests arriving before the timer fires share it.
func (s *Service) requestSync(catchUp bool) {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if !s.started {
		return
	}
	s.syncCatchUp = s.syncCatchUp || catchUp
	if s.cancelSync != nil {
		return
	}
	s.cancelSync = s.sched.After(syncDelay, s.runSync)
}

func (s *Service) runSync() {
	s.lifecycleMu.Lock()
	if !s.started {
		s.lifecycleMu.Unlock()
		return
	}
	catchUp := s.syncCatchUp
	s.syncCatchUp = false
	s.cancelSync = nil
	s.lifecycleMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()

	if !catchUp {
		if err := s.RefreshUnreadCount(ctx); err != nil {
			s.logger.Warn("unread count resync failed", zap.Error(err))
		}
		return
	}

	added, err := s.reconciler.CatchUp(ctx)
	if err != nil {
		return
	}
	for i := len(added) - 1; i >= 0; i-- {
		s.publish(wstypes.EventTypeNotificationAdded, added[i])
	}
	s.publishCount()
}

func (s *Service) consume(ctx context.Context) {
	defer close(s.consumeDone)
	events := s.transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handleEvent(ev)
		}
	}
}

func (s *Service) handleEvent(ev transport.Event) {
	switch {
	case ev.Type == wstypes.EventTypeNotificationCreated:
		s.applyCreated(ev)
	case ev.Type.IsAction() || ev.Type == wstypes.EventTypeDeviceStatus:
		s.publish(ev.Type, ev.Payload)
	default:
		s.logger.Debug("ignoring inbound event", zap.String("type", string(ev.Type)))
	}

	s.hooksMu.RLock()
	hooks := s.hooks[ev.Type]
	s.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(ev)
	}
}

func (s *Service) applyCreated(ev transport.Event) {
	var rec notification.Record
	if err := json.Unmarshal(ev.Payload, &rec); err != nil {
		s.logger.Warn("dropping malformed notification", zap.String("origin", string(ev.Origin)), zap.Error(err))
		return
	}
	if rec.ID == "" {
		s.logger.Warn("dropping notification without id", zap.String("origin", string(ev.Origin)))
		return
	}
	if rec.UserID != "" && s.cfg.UserID != "" && rec.UserID != s.cfg.UserID {
		s.logger.Debug("dropping notification for another user", zap.String("id", rec.ID))
		return
	}

	n := rec.ToNotification(ev.ReceivedAt)
	if ev.Origin == transport.OriginPoll {
		// the backend count already includes polled items
		if !s.reconciler.ApplyMissed(n) {
			return
		}
		s.publish(wstypes.EventTypeNotificationAdded, n)
		s.requestSync(false)
		return
	}
	if !s.reconciler.ApplyPush(n) {
		return
	}
	s.publish(wstypes.EventTypeNotificationAdded, n)
	s.publishCount()
}

// Notify inserts a locally synthesized notification at the head of the list.
// It bypasses suppression; use Alert for gated notifications.
func (s *Service) Notify(level notification.Level, title, message string, opts ...NotifyOption) (notification.Notification, error) {
	if !level.Valid() {
		return notification.Notification{}, fmt.Errorf("%w: unknown level %q", xerrors.ErrInvalidInput, level)
	}
	if title == "" {
		return notification.Notification{}, fmt.Errorf("%w: title is required", xerrors.ErrInvalidInput)
	}

	n := notification.Notification{
		ID:        ulid.Make().String(),
		Level:     level,
		Title:     title,
		Message:   message,
		CreatedAt: s.sched.Now(),
	}
	for _, opt := range opts {
		opt(&n)
	}

	s.reconciler.ApplyLocal(n)
	s.publish(wstypes.EventTypeNotificationAdded, n)
	s.publishCount()
	return n, nil
}

// Alert is Notify behind the source filter and the suppression gate. It
// reports whether the alert was emitted.
func (s *Service) Alert(key string, level notification.Level, title, message string, opts ...NotifyOption) (notification.Notification, bool) {
	var draft notification.Notification
	for _, opt := range opts {
		opt(&draft)
	}
	if !s.engine.IsSourceEnabled(draft.Source) {
		return notification.Notification{}, false
	}
	if !s.engine.ShouldNotify(key, level, s.sched.Now()) {
		s.logger.Debug("alert suppressed", zap.String("key", key), zap.String("level", string(level)))
		return notification.Notification{}, false
	}

	n, err := s.Notify(level, title, message, opts...)
	if err != nil {
		s.logger.Warn("alert rejected", zap.String("key", key), zap.Error(err))
		return notification.Notification{}, false
	}
	return n, true
}

func (s *Service) MarkRead(id string) bool {
	if !s.reconciler.MarkRead(id) {
		return false
	}
	s.publishUpdated(id)
	return true
}

func (s *Service) MarkUnread(id string) bool {
	if !s.reconciler.MarkUnread(id) {
		return false
	}
	s.publishUpdated(id)
	return true
}

func (s *Service) publishUpdated(id string) {
	if n, ok := s.store.Get(id); ok {
		s.publish(wstypes.EventTypeNotificationUpdated, n)
	}
	s.publishCount()
}

func (s *Service) MarkAllRead() int {
	changed := s.reconciler.MarkAllRead()
	s.publish(wstypes.EventTypeNotificationReadAll, ReadAll{Updated: changed})
	s.publishCount()
	return changed
}

func (s *Service) Remove(id string) bool {
	if _, ok := s.reconciler.Remove(id); !ok {
		return false
	}
	s.publish(wstypes.EventTypeNotificationRemoved, NotificationRemoved{ID: id})
	s.publishCount()
	return true
}

// Refresh re-runs the initial load.
func (s *Service) Refresh(ctx context.Context) error {
	err := s.reconciler.LoadInitial(ctx)

	s.lifecycleMu.Lock()
	s.lastLoadErr = err
	s.lifecycleMu.Unlock()

	if err != nil {
		return fmt.Errorf("load notifications: %w", err)
	}
	s.publishCount()
	return nil
}

func (s *Service) LoadMore(ctx context.Context) (int, error) {
	return s.reconciler.LoadMore(ctx)
}

func (s *Service) RefreshUnreadCount(ctx context.Context) error {
	if err := s.reconciler.RefreshUnreadCount(ctx); err != nil {
		return err
	}
	s.publishCount()
	return nil
}

func (s *Service) List() []notification.Notification { return s.store.List() }
func (s *Service) UnreadCount() int                   { return s.store.UnreadCount() }
func (s *Service) HasMore() bool                      { return s.reconciler.HasMore() }
func (s *Service) Total() int                         { return s.reconciler.Total() }

func (s *Service) Get(id string) (notification.Notification, bool) {
	return s.store.Get(id)
}

// LastLoadError is the error of the most recent initial load, if it failed.
func (s *Service) LastLoadError() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	return s.lastLoadErr
}

func (s *Service) TransportStatus() transport.Status {
	return s.transport.Status()
}

func (s *Service) Preferences() suppression.Preferences {
	return s.engine.Preferences()
}

// UpdatePreferences replaces the suppression preferences and persists them
// when a saver is configured.
func (s *Service) UpdatePreferences(p suppression.Preferences) error {
	if err := s.engine.Apply(p); err != nil {
		return fmt.Errorf("%w: %v", xerrors.ErrInvalidInput, err)
	}
	if s.cfg.SavePreferences != nil {
		if err := s.cfg.SavePreferences(s.engine.Preferences()); err != nil {
			s.logger.Warn("saving preferences failed", zap.Error(err))
			return err
		}
	}
	return nil
}

func (s *Service) onMutationError(e reconcile.MutationError) {
	s.publish(wstypes.EventTypeMutationFailed, wstypes.MutationFailedData{
		Operation:      e.Op,
		NotificationID: e.ID,
		Error:          e.Err.Error(),
	})
}

func (s *Service) onTransportState(change transport.StateChange) {
	if change.To == transport.Connected {
		s.lifecycleMu.Lock()
		reconnect := s.connectedBefore || change.From == transport.Degraded
		s.connectedBefore = true
		s.lifecycleMu.Unlock()
		if reconnect {
			s.requestSync(true)
		}
	}

	status := s.transport.Status()
	s.publish(wstypes.EventTypeTransportState, wstypes.TransportStateData{
		State:    change.To.String(),
		Previous: change.From.String(),
		Polling:  status.Polling,
		Since:    change.At,
	})
}
