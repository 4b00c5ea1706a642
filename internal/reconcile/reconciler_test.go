package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartfarm-notifier/internal/domain/notification"
	xerrors "smartfarm-notifier/internal/pkg/errors"
	"smartfarm-notifier/internal/store"
)

// fakeAPI serves a newest-first list the way the backend does.
type fakeAPI struct {
	mu sync.Mutex

	items  []notification.Notification
	unread int

	listErr   error
	countErr  error
	markErr   error
	deleteErr error

	listOffsets   []int
	markReadCalls [][]string
	markAllCalls  int
	deleteCalls   []string
}

func (f *fakeAPI) List(ctx context.Context, limit, offset int) (notification.Page, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listOffsets = append(f.listOffsets, offset)
	if f.listErr != nil {
		return notification.Page{}, f.listErr
	}
	page := notification.Page{Total: len(f.items)}
	if offset >= len(f.items) {
		return page, nil
	}
	end := offset + limit
	if end > len(f.items) {
		end = len(f.items)
	}
	page.Items = append(page.Items, f.items[offset:end]...)
	return page, nil
}

func (f *fakeAPI) UnreadCount(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread, f.countErr
}

func (f *fakeAPI) MarkRead(ctx context.Context, ids []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReadCalls = append(f.markReadCalls, ids)
	return int64(len(ids)), f.markErr
}

func (f *fakeAPI) MarkAllRead(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markAllCalls++
	return 0, f.markErr
}

func (f *fakeAPI) Delete(ctx context.Context, id string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls = append(f.deleteCalls, id)
	return 1, f.deleteErr
}

// prepend adds a newer item at the head of the server list.
func (f *fakeAPI) prepend(n notification.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append([]notification.Notification{n}, f.items...)
}

func serverItems(n int) []notification.Notification {
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	out := make([]notification.Notification, n)
	for i := range out {
		out[i] = notification.Notification{
			ID:        fmt.Sprintf("srv-%03d", i),
			Level:     notification.LevelInfo,
			Title:     "reading",
			CreatedAt: base.Add(-time.Duration(i) * time.Minute),
		}
	}
	return out
}

func ids(list []notification.Notification) []string {
	out := make([]string, len(list))
	for i, n := range list {
		out[i] = n.ID
	}
	return out
}

func newTestReconciler(api API, capacity int) (*Reconciler, *store.Store) {
	st := store.New(capacity)
	return New(st, api, Config{PageSize: 20}, nil), st
}

func TestLoadInitial_ReplacesAndSetsCursor(t *testing.T) {
	api := &fakeAPI{items: serverItems(45), unread: 12}
	r, st := newTestReconciler(api, 100)

	st.InsertFront(notification.Notification{ID: "stale"})
	require.NoError(t, r.LoadInitial(context.Background()))

	assert.Equal(t, 20, st.Len())
	assert.False(t, st.Contains("stale"))
	assert.Equal(t, 45, r.Total())
	assert.True(t, r.HasMore())
	assert.True(t, r.Loaded())
	assert.Equal(t, 12, st.UnreadCount())
}

func TestLoadInitial_FailureIsReported(t *testing.T) {
	api := &fakeAPI{listErr: errors.New("connection refused")}
	r, _ := newTestReconciler(api, 100)

	err := r.LoadInitial(context.Background())
	assert.Error(t, err)
	assert.False(t, r.Loaded())
}

func TestLoadInitial_CountFailureKeepsList(t *testing.T) {
	api := &fakeAPI{items: serverItems(3), countErr: errors.New("timeout")}
	r, st := newTestReconciler(api, 100)

	require.NoError(t, r.LoadInitial(context.Background()))
	assert.Equal(t, 3, st.Len())
}

func TestLoadMore_UsesStoreLengthAsOffset(t *testing.T) {
	api := &fakeAPI{items: serverItems(45)}
	r, st := newTestReconciler(api, 100)
	ctx := context.Background()

	require.NoError(t, r.LoadInitial(ctx))

	added, err := r.LoadMore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, added)
	assert.True(t, r.HasMore())

	added, err = r.LoadMore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, added)
	assert.False(t, r.HasMore())

	added, err = r.LoadMore(ctx)
	require.NoError(t, err)
	assert.Zero(t, added)

	assert.Equal(t, []int{0, 20, 40}, api.listOffsets)
	assert.Equal(t, 45, st.Len())
}

func TestLoadMore_PageIgnoresCapacity(t *testing.T) {
	api := &fakeAPI{items: serverItems(30)}
	r, st := newTestReconciler(api, 10)
	ctx := context.Background()

	require.NoError(t, r.LoadInitial(ctx))
	_, err := r.LoadMore(ctx)
	require.NoError(t, err)

	assert.Equal(t, 30, st.Len())
}

func TestPushThenPageDeduplicates(t *testing.T) {
	api := &fakeAPI{items: serverItems(25)}
	r, st := newTestReconciler(api, 100)
	ctx := context.Background()

	require.NoError(t, r.LoadInitial(ctx))

	live := notification.Notification{ID: "live-1", Level: notification.LevelWarning, Title: "Tank low"}
	api.prepend(live)
	assert.True(t, r.ApplyPush(live))
	assert.False(t, r.ApplyPush(live))

	_, err := r.LoadMore(ctx)
	require.NoError(t, err)

	assert.Equal(t, 26, st.Len())
	assert.Equal(t, "live-1", st.List()[0].ID)
	assert.False(t, r.HasMore())
}

func TestLivePushKeepsPagesPastCapacity(t *testing.T) {
	api := &fakeAPI{items: serverItems(200)}
	r, st := newTestReconciler(api, store.DefaultCapacity)
	ctx := context.Background()

	require.NoError(t, r.LoadInitial(ctx))
	for i := 0; i < 5; i++ {
		_, err := r.LoadMore(ctx)
		require.NoError(t, err)
	}
	require.Equal(t, 120, st.Len())

	live := notification.Notification{ID: "live-1", Level: notification.LevelWarning, Title: "Tank low"}
	api.prepend(live)
	require.True(t, r.ApplyPush(live))

	assert.Equal(t, 121, st.Len())
	assert.True(t, st.Contains("srv-119"))

	_, err := r.LoadMore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 141, st.Len())
	assert.Equal(t, 121, api.listOffsets[len(api.listOffsets)-1], "the pushed item is on the server too")
}

func TestLocalAlertSurvivesReload(t *testing.T) {
	api := &fakeAPI{items: serverItems(30), unread: 30}
	r, st := newTestReconciler(api, store.DefaultCapacity)
	ctx := context.Background()
	require.NoError(t, r.LoadInitial(ctx))

	alert := notification.Notification{
		ID:        "local-offline",
		Level:     notification.LevelWarning,
		Title:     "Device offline",
		Source:    notification.SourceDevice,
		CreatedAt: time.Date(2024, 5, 1, 1, 0, 0, 0, time.UTC),
	}
	require.True(t, r.ApplyLocal(alert))
	assert.Equal(t, 31, st.UnreadCount())

	require.NoError(t, r.LoadInitial(ctx))
	assert.True(t, st.Contains("local-offline"))
	assert.Equal(t, "local-offline", st.List()[0].ID)
	assert.Equal(t, 31, st.UnreadCount(), "backend count plus the unread local alert")
	assert.True(t, r.HasMore())

	_, err := r.LoadMore(ctx)
	require.NoError(t, err)
	assert.Equal(t, 20, api.listOffsets[len(api.listOffsets)-1], "local entries do not shift the offset")
	assert.Equal(t, 31, st.Len())
	assert.False(t, r.HasMore())
}

func TestCatchUpInsertsMissedItems(t *testing.T) {
	api := &fakeAPI{items: serverItems(25), unread: 25}
	r, st := newTestReconciler(api, store.DefaultCapacity)
	ctx := context.Background()
	require.NoError(t, r.LoadInitial(ctx))

	api.prepend(notification.Notification{ID: "missed-1", Title: "Pump stopped"})
	api.prepend(notification.Notification{ID: "missed-2", Title: "Pump restarted"})
	api.unread = 27

	added, err := r.CatchUp(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"missed-2", "missed-1"}, ids(added))
	assert.Equal(t, []string{"missed-2", "missed-1", "srv-000"}, ids(st.List()[:3]))
	assert.Equal(t, 27, st.UnreadCount())
	assert.Equal(t, 27, r.Total())

	added, err = r.CatchUp(ctx)
	require.NoError(t, err)
	assert.Empty(t, added)
	assert.Equal(t, 22, st.Len())
}

func TestApplyMissedLeavesCounter(t *testing.T) {
	api := &fakeAPI{items: serverItems(5), unread: 5}
	r, st := newTestReconciler(api, store.DefaultCapacity)
	require.NoError(t, r.LoadInitial(context.Background()))

	assert.True(t, r.ApplyMissed(notification.Notification{ID: "old-unread"}))
	assert.Equal(t, 5, st.UnreadCount())
}

func TestReopenAfterClose(t *testing.T) {
	api := &fakeAPI{items: serverItems(2), unread: 2}
	r, _ := newTestReconciler(api, store.DefaultCapacity)
	require.NoError(t, r.LoadInitial(context.Background()))

	var mu sync.Mutex
	var failures []MutationError
	r.OnMutationError(func(e MutationError) {
		mu.Lock()
		failures = append(failures, e)
		mu.Unlock()
	})

	r.Close()
	assert.True(t, r.MarkRead("srv-000"), "local change still applies")
	r.Wait()
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], xerrors.ErrClosed)
	assert.Empty(t, api.markReadCalls)

	r.Open()
	assert.True(t, r.MarkRead("srv-001"))
	r.Wait()
	assert.Equal(t, [][]string{{"srv-001"}}, api.markReadCalls)
	assert.Len(t, failures, 1)
}

func TestMarkRead_OptimisticAndPersisted(t *testing.T) {
	api := &fakeAPI{items: serverItems(2), unread: 2}
	r, st := newTestReconciler(api, 100)
	require.NoError(t, r.LoadInitial(context.Background()))

	assert.True(t, r.MarkRead("srv-001"))
	assert.False(t, r.MarkRead("srv-001"))
	assert.False(t, r.MarkRead("missing"))
	r.Wait()

	got, _ := st.Get("srv-001")
	assert.True(t, got.Read)
	assert.Equal(t, 1, st.UnreadCount())
	assert.Equal(t, [][]string{{"srv-001"}}, api.markReadCalls)
}

func TestMutationFailureKeepsLocalState(t *testing.T) {
	api := &fakeAPI{items: serverItems(3), unread: 3, markErr: errors.New("503"), deleteErr: errors.New("503")}
	r, st := newTestReconciler(api, 100)
	require.NoError(t, r.LoadInitial(context.Background()))

	var mu sync.Mutex
	var failures []MutationError
	r.OnMutationError(func(e MutationError) {
		mu.Lock()
		failures = append(failures, e)
		mu.Unlock()
	})

	r.MarkRead("srv-000")
	r.Remove("srv-002")
	r.Wait()

	got, _ := st.Get("srv-000")
	assert.True(t, got.Read)
	assert.False(t, st.Contains("srv-002"))

	require.Len(t, failures, 2)
	ops := []string{failures[0].Op, failures[1].Op}
	assert.ElementsMatch(t, []string{OpMarkRead, OpDelete}, ops)
}

func TestMarkUnread_IsLocalOnly(t *testing.T) {
	api := &fakeAPI{items: serverItems(1)}
	r, st := newTestReconciler(api, 100)
	require.NoError(t, r.LoadInitial(context.Background()))

	r.MarkRead("srv-000")
	r.Wait()
	assert.True(t, r.MarkUnread("srv-000"))
	r.Wait()

	assert.Len(t, api.markReadCalls, 1)
	assert.Equal(t, 1, st.UnreadCount())
}

func TestMarkAllRead(t *testing.T) {
	api := &fakeAPI{items: serverItems(5), unread: 40}
	r, st := newTestReconciler(api, 100)
	require.NoError(t, r.LoadInitial(context.Background()))

	assert.Equal(t, 5, r.MarkAllRead())
	r.Wait()

	assert.Zero(t, st.UnreadCount())
	assert.Equal(t, 1, api.markAllCalls)
	for _, n := range st.List() {
		assert.True(t, n.Read)
	}
}

func TestRemove(t *testing.T) {
	api := &fakeAPI{items: serverItems(3), unread: 3}
	r, st := newTestReconciler(api, 100)
	require.NoError(t, r.LoadInitial(context.Background()))

	removed, ok := r.Remove("srv-001")
	require.True(t, ok)
	assert.Equal(t, "srv-001", removed.ID)

	_, ok = r.Remove("srv-001")
	assert.False(t, ok)
	r.Wait()

	assert.Equal(t, []string{"srv-000", "srv-002"}, ids(st.List()))
	assert.Equal(t, 2, st.UnreadCount())
	assert.Equal(t, 2, r.Total())
	assert.Equal(t, []string{"srv-001"}, api.deleteCalls)
}

func TestRefreshUnreadCount(t *testing.T) {
	api := &fakeAPI{unread: 9}
	r, st := newTestReconciler(api, 100)

	require.NoError(t, r.RefreshUnreadCount(context.Background()))
	assert.Equal(t, 9, st.UnreadCount())

	api.countErr = errors.New("boom")
	assert.Error(t, r.RefreshUnreadCount(context.Background()))
	assert.Equal(t, 9, st.UnreadCount())
}
