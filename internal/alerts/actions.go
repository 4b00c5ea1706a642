package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"smartfarm-notifier/internal/domain/action"
	"smartfarm-notifier/internal/domain/notification"
	"smartfarm-notifier/internal/notifier"
	"smartfarm-notifier/internal/scheduler"
)

const (
	DefaultActionInterval = 15 * time.Second
	DefaultActionLimit    = 20

	seenHighWater = 500
	seenKeep      = 200
)

// ActionLister fetches the latest device actions.
type ActionLister interface {
	ListActions(ctx context.Context, limit int) ([]action.Log, error)
}

type ActionWatcherConfig struct {
	Interval time.Duration
	Limit    int
	// FetchTimeout bounds one fetch; it defaults to Interval.
	FetchTimeout time.Duration
}

// ActionWatcher polls the action log and alerts once per unseen action.
type ActionWatcher struct {
	cfg     ActionWatcherConfig
	lister  ActionLister
	alerter Alerter
	sched   scheduler.Scheduler
	logger  *zap.Logger

	mu      sync.Mutex
	seen    map[string]struct{}
	order   []string
	running bool
	cancel  scheduler.CancelFunc
	lastErr error
}

func NewActionWatcher(cfg ActionWatcherConfig, lister ActionLister, alerter Alerter, sched scheduler.Scheduler, logger *zap.Logger) *ActionWatcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultActionInterval
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultActionLimit
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = cfg.Interval
	}
	if sched == nil {
		sched = scheduler.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActionWatcher{
		cfg:     cfg,
		lister:  lister,
		alerter: alerter,
		sched:   sched,
		logger:  logger.With(zap.String("component", "action_watcher")),
		seen:    make(map[string]struct{}),
	}
}

// Start schedules an immediate first check followed by one per interval.
func (w *ActionWatcher) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}
	w.running = true
	w.cancel = w.sched.After(0, w.tick)
}

func (w *ActionWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.running = false
	scheduler.Cancel(w.cancel)
	w.cancel = nil
}

func (w *ActionWatcher) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.FetchTimeout)
	w.Check(ctx)
	cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		w.cancel = w.sched.After(w.cfg.Interval, w.tick)
	}
}

// Check fetches the latest actions once and alerts on the unseen ones. A
// failed fetch is logged and retried on the next tick.
func (w *ActionWatcher) Check(ctx context.Context) {
	logs, err := w.lister.ListActions(ctx, w.cfg.Limit)

	w.mu.Lock()
	w.lastErr = err
	w.mu.Unlock()

	if err != nil {
		w.logger.Debug("fetching actions failed", zap.Error(err))
		return
	}

	for _, a := range logs {
		if !w.markSeen(a.ID) {
			continue
		}
		w.alert(a)
	}
	w.trimSeen()
}

func (w *ActionWatcher) alert(a action.Log) {
	key := fmt.Sprintf("action-global:%s:%s:%s", a.DeviceID, a.Status, a.ActionURI)
	message := fmt.Sprintf("%s • %s", a.DeviceID, a.ActionURI)
	opts := []notifier.NotifyOption{
		notifier.WithSource(notification.SourceAction),
		notifier.WithContext(notification.Context{
			"id":         a.ID,
			"device_id":  a.DeviceID,
			"status":     string(a.Status),
			"action_uri": a.ActionURI,
			"created_at": a.CreatedAt,
		}),
	}

	switch a.Status {
	case action.StatusError:
		w.alerter.Alert(key, notification.LevelCritical, "Action failed", message, opts...)
	case action.StatusSent, action.StatusAck:
		w.alerter.Alert(key, notification.LevelSuccess, "Action executed", message, opts...)
	}
}

func (w *ActionWatcher) markSeen(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.seen[id]; ok {
		return false
	}
	w.seen[id] = struct{}{}
	w.order = append(w.order, id)
	return true
}

func (w *ActionWatcher) trimSeen() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.order) <= seenHighWater {
		return
	}
	drop := w.order[:len(w.order)-seenKeep]
	for _, id := range drop {
		delete(w.seen, id)
	}
	w.order = append([]string(nil), w.order[len(w.order)-seenKeep:]...)
}

// Seen returns how many action ids are remembered.
func (w *ActionWatcher) Seen() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.order)
}

// LastError is the error of the most recent fetch, nil when it succeeded.
func (w *ActionWatcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}
