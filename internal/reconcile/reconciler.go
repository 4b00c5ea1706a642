// Package reconcile merges paginated REST loads, live pushes and local
// mutations into one Store.
package reconcile

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"smartfarm-notifier/internal/domain/notification"
	xerrors "smartfarm-notifier/internal/pkg/errors"
	"smartfarm-notifier/internal/store"
)

const (
	DefaultPageSize       = 20
	DefaultPersistTimeout = 10 * time.Second
)

// API is the subset of the backend REST client the reconciler needs.
type API interface {
	List(ctx context.Context, limit, offset int) (notification.Page, error)
	UnreadCount(ctx context.Context) (int, error)
	MarkRead(ctx context.Context, ids []string) (int64, error)
	MarkAllRead(ctx context.Context) (int64, error)
	Delete(ctx context.Context, id string) (int64, error)
}

// Mutation operations reported in MutationError.
const (
	OpMarkRead    = "mark_read"
	OpMarkAllRead = "mark_all_read"
	OpDelete      = "delete"
)

// MutationError describes a failed background persistence call. The local
// change it belongs to is kept.
type MutationError struct {
	Op  string
	ID  string
	Err error
}

func (e MutationError) Error() string {
	if e.ID == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " " + e.ID + ": " + e.Err.Error()
}

func (e MutationError) Unwrap() error { return e.Err }

type Config struct {
	PageSize       int
	PersistTimeout time.Duration
}

// Reconciler owns the pagination cursor and the optimistic mutation flow.
type Reconciler struct {
	store  *store.Store
	api    API
	cfg    Config
	logger *zap.Logger

	// loadMu serializes page loads so offsets only move forward.
	loadMu sync.Mutex

	mu      sync.RWMutex
	total   int
	hasMore bool
	loaded  bool

	onMutationError func(MutationError)

	// lifeMu guards ctx, cancel and closed, and orders pending.Add before
	// the Wait in Close.
	lifeMu  sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	closed  bool
	pending sync.WaitGroup
}

func New(st *store.Store, api API, cfg Config, logger *zap.Logger) *Reconciler {
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.PersistTimeout <= 0 {
		cfg.PersistTimeout = DefaultPersistTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Reconciler{
		store:  st,
		api:    api,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "reconciler")),
		ctx:    ctx,
		cancel: cancel,
	}
}

// OnMutationError sets the hook called when a background persistence call
// fails. It must be set before mutations start.
func (r *Reconciler) OnMutationError(fn func(MutationError)) {
	r.onMutationError = fn
}

// LoadInitial fetches page 0, replaces the Store contents with it and
// refreshes the unread counter.
func (r *Reconciler) LoadInitial(ctx context.Context) error {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	page, err := r.api.List(ctx, r.cfg.PageSize, 0)
	if err != nil {
		r.logger.Error("initial notification load failed", zap.Error(err))
		return err
	}

	r.store.Replace(page.Items)
	r.setCursor(page.Total)

	if err := r.RefreshUnreadCount(ctx); err != nil {
		// the list is usable without a fresh counter
		r.logger.Warn("unread count refresh after initial load failed", zap.Error(err))
	}

	r.logger.Info("notifications loaded",
		zap.Int("count", len(page.Items)),
		zap.Int("total", page.Total),
	)
	return nil
}

// LoadMore appends the next page. The offset is the number of entries the
// backend also holds, so local alerts do not skip server items.
// It returns the number of items added; zero with a nil error means there was
// nothing more to load.
func (r *Reconciler) LoadMore(ctx context.Context) (int, error) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	if !r.HasMore() {
		return 0, nil
	}

	offset := r.store.RemoteLen()
	page, err := r.api.List(ctx, r.cfg.PageSize, offset)
	if err != nil {
		r.logger.Warn("loading more notifications failed", zap.Int("offset", offset), zap.Error(err))
		return 0, err
	}

	added := r.store.AppendPage(page.Items)
	if len(page.Items) == 0 {
		// the server has nothing past offset, whatever total says
		r.mu.Lock()
		r.total = page.Total
		r.hasMore = false
		r.mu.Unlock()
		return 0, nil
	}
	r.setCursor(page.Total)
	return added, nil
}

func (r *Reconciler) setCursor(total int) {
	r.mu.Lock()
	r.total = total
	r.hasMore = r.store.RemoteLen() < total
	r.loaded = true
	r.mu.Unlock()
}

// RefreshUnreadCount replaces the local counter with the backend count.
func (r *Reconciler) RefreshUnreadCount(ctx context.Context) error {
	count, err := r.api.UnreadCount(ctx)
	if err != nil {
		return err
	}
	r.store.SetUnreadCountFromAPI(count)
	return nil
}

// ApplyPush inserts a live notification unless its id is already present.
func (r *Reconciler) ApplyPush(n notification.Notification) bool {
	return r.store.InsertFront(n)
}

// ApplyLocal inserts a notification synthesized on this client. It survives
// reloads and is added on top of the backend's unread count.
func (r *Reconciler) ApplyLocal(n notification.Notification) bool {
	return r.store.InsertLocal(n)
}

// ApplyMissed inserts a notification found by polling. The counter is not
// bumped because the backend count already includes it; call
// RefreshUnreadCount afterwards.
func (r *Reconciler) ApplyMissed(n notification.Notification) bool {
	return r.store.InsertMissed(n)
}

// CatchUp fetches page 0 after the push channel comes back, inserts whatever
// arrived meanwhile and resyncs the counter. It returns the inserted items,
// newest first.
func (r *Reconciler) CatchUp(ctx context.Context) ([]notification.Notification, error) {
	r.loadMu.Lock()
	defer r.loadMu.Unlock()

	page, err := r.api.List(ctx, r.cfg.PageSize, 0)
	if err != nil {
		r.logger.Warn("catch-up load failed", zap.Error(err))
		return nil, err
	}

	var added []notification.Notification
	for i := len(page.Items) - 1; i >= 0; i-- {
		if r.store.InsertMissed(page.Items[i]) {
			added = append([]notification.Notification{page.Items[i]}, added...)
		}
	}
	r.mu.Lock()
	r.total = page.Total
	r.hasMore = r.store.RemoteLen() < page.Total
	r.mu.Unlock()

	if err := r.RefreshUnreadCount(ctx); err != nil {
		r.logger.Warn("unread count refresh after catch-up failed", zap.Error(err))
	}
	if len(added) > 0 {
		r.logger.Info("caught up on missed notifications", zap.Int("count", len(added)))
	}
	return added, nil
}

// MarkRead flips the entry to read and persists in the background. It
// reports false, without calling the backend, when nothing changed.
func (r *Reconciler) MarkRead(id string) bool {
	if !r.store.MarkRead(id) {
		return false
	}
	r.persist(OpMarkRead, id, func(ctx context.Context) error {
		_, err := r.api.MarkRead(ctx, []string{id})
		return err
	})
	return true
}

// MarkUnread is local only; the backend has no endpoint for it.
func (r *Reconciler) MarkUnread(id string) bool {
	return r.store.MarkUnread(id)
}

// MarkAllRead marks every loaded entry read, zeroes the counter and persists
// in the background. It returns the number of entries that changed.
func (r *Reconciler) MarkAllRead() int {
	changed := r.store.MarkAllRead()
	r.persist(OpMarkAllRead, "", func(ctx context.Context) error {
		_, err := r.api.MarkAllRead(ctx)
		return err
	})
	return changed
}

// Remove drops the entry and deletes it on the backend in the background.
func (r *Reconciler) Remove(id string) (notification.Notification, bool) {
	n, ok := r.store.Remove(id)
	if !ok {
		return notification.Notification{}, false
	}

	r.mu.Lock()
	if r.total > 0 {
		r.total--
	}
	r.mu.Unlock()

	r.persist(OpDelete, id, func(ctx context.Context) error {
		_, err := r.api.Delete(ctx, id)
		return err
	})
	return n, true
}

func (r *Reconciler) persist(op, id string, call func(ctx context.Context) error) {
	r.lifeMu.Lock()
	if r.closed {
		r.lifeMu.Unlock()
		r.reportMutation(op, id, xerrors.ErrClosed)
		return
	}
	parent := r.ctx
	r.pending.Add(1)
	r.lifeMu.Unlock()

	go func() {
		defer r.pending.Done()

		ctx, cancel := context.WithTimeout(parent, r.cfg.PersistTimeout)
		defer cancel()

		if err := call(ctx); err != nil {
			r.reportMutation(op, id, err)
		}
	}()
}

func (r *Reconciler) reportMutation(op, id string, err error) {
	r.logger.Warn("persisting notification change failed",
		zap.String("op", op),
		zap.String("id", id),
		zap.Error(err),
	)
	if r.onMutationError != nil {
		r.onMutationError(MutationError{Op: op, ID: id, Err: err})
	}
}

// Wait blocks until every background persistence call has returned.
func (r *Reconciler) Wait() {
	r.pending.Wait()
}

// Close cancels in-flight persistence calls and waits for them. Mutations
// after Close keep their local change and report ErrClosed until Open.
func (r *Reconciler) Close() {
	r.lifeMu.Lock()
	r.closed = true
	r.cancel()
	r.lifeMu.Unlock()
	r.pending.Wait()
}

// Open makes a closed Reconciler persist again. It is a no-op when open.
func (r *Reconciler) Open() {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if !r.closed {
		return
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.closed = false
}

func (r *Reconciler) HasMore() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.hasMore
}

func (r *Reconciler) Total() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.total
}

// Loaded reports whether an initial load has succeeded.
func (r *Reconciler) Loaded() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.loaded
}
