package store

import (
	"fmt"
	"testing"
	"time"

	"smartfarm-notifier/internal/domain/notification"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func item(id string, read bool) notification.Notification {
	return notification.Notification{
		ID:        id,
		Level:     notification.LevelInfo,
		Title:     "title " + id,
		CreatedAt: time.Unix(0, 0),
		Read:      read,
	}
}

func ids(list []notification.Notification) []string {
	out := make([]string, len(list))
	for i, n := range list {
		out[i] = n.ID
	}
	return out
}

func TestInsertFront_OrdersMostRecentFirst(t *testing.T) {
	s := New(10)
	s.InsertFront(item("a", false))
	s.InsertFront(item("b", false))
	s.InsertFront(item("c", true))

	assert.Equal(t, []string{"c", "b", "a"}, ids(s.List()))
	assert.Equal(t, 2, s.UnreadCount())
}

func TestInsertFront_DropsDuplicates(t *testing.T) {
	s := New(10)
	require.True(t, s.InsertFront(item("a", false)))
	assert.False(t, s.InsertFront(item("a", false)))

	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 1, s.UnreadCount())
}

func TestInsertFront_TrimsToCapacity(t *testing.T) {
	s := New(DefaultCapacity)
	for i := 0; i <= DefaultCapacity; i++ {
		s.InsertFront(item(fmt.Sprintf("n%d", i), false))
	}

	list := s.List()
	require.Len(t, list, DefaultCapacity)
	assert.Equal(t, "n100", list[0].ID)
	assert.Equal(t, "n1", list[len(list)-1].ID)
	assert.False(t, s.Contains("n0"))

	// The evicted id may come back.
	assert.True(t, s.InsertFront(item("n0", true)))
}

func TestInsertFront_EvictsOnlyLiveEntries(t *testing.T) {
	s := New(3)
	var page []notification.Notification
	for i := 0; i < 5; i++ {
		page = append(page, item(fmt.Sprintf("p%d", i), true))
	}
	s.AppendPage(page)

	for i := 0; i < 4; i++ {
		require.True(t, s.InsertFront(item(fmt.Sprintf("live%d", i), false)))
	}

	assert.Equal(t, []string{"live3", "live2", "live1", "p0", "p1", "p2", "p3", "p4"}, ids(s.List()))
	assert.Equal(t, 3, s.LiveLen())
	assert.False(t, s.Contains("live0"))
	assert.Equal(t, 4, s.UnreadCount(), "eviction leaves the counter alone")
}

func TestInsertLocal_SharesCapacityWithPushes(t *testing.T) {
	s := New(2)
	s.InsertLocal(item("local0", false))
	s.InsertFront(item("push0", false))
	s.InsertLocal(item("local1", false))

	assert.Equal(t, []string{"local1", "push0"}, ids(s.List()))
	assert.Equal(t, 1, s.RemoteLen())
	assert.Equal(t, 3, s.UnreadCount())
}

func TestInsertMissed_LeavesCounter(t *testing.T) {
	s := New(10)
	s.SetUnreadCountFromAPI(4)

	require.True(t, s.InsertMissed(item("m", false)))
	assert.False(t, s.InsertMissed(item("m", false)))
	assert.Equal(t, 4, s.UnreadCount())
	k, ok := s.Kind("m")
	require.True(t, ok)
	assert.Equal(t, KindPushed, k)
}

func TestAppendPage_IgnoresCapacityAndCounter(t *testing.T) {
	s := New(3)
	page := []notification.Notification{item("a", false), item("b", false), item("c", false), item("d", false)}

	added := s.AppendPage(page)
	assert.Equal(t, 4, added)
	assert.Equal(t, 4, s.Len())
	assert.Equal(t, 0, s.UnreadCount())
}

func TestAppendPage_SkipsKnownIDs(t *testing.T) {
	s := New(10)
	s.InsertFront(item("live", false))

	added := s.AppendPage([]notification.Notification{item("live", false), item("old", true)})
	assert.Equal(t, 1, added)
	assert.Equal(t, []string{"live", "old"}, ids(s.List()))
}

func TestReplace_ResetsListButNotCounter(t *testing.T) {
	s := New(10)
	s.InsertFront(item("x", false))
	s.SetUnreadCountFromAPI(7)

	s.Replace([]notification.Notification{item("a", false), item("b", true), item("a", false)})
	assert.Equal(t, []string{"a", "b"}, ids(s.List()))
	assert.False(t, s.Contains("x"))
	assert.Equal(t, 7, s.UnreadCount())
}

func at(id string, read bool, minute int) notification.Notification {
	n := item(id, read)
	n.CreatedAt = time.Date(2024, 5, 1, 12, minute, 0, 0, time.UTC)
	return n
}

func TestReplace_KeepsLocalEntriesInTimeOrder(t *testing.T) {
	s := New(10)
	s.InsertLocal(at("offline", false, 30))
	s.InsertFront(at("pushed", false, 40))

	s.Replace([]notification.Notification{at("srv-3", false, 45), at("srv-2", true, 20), at("srv-1", true, 10)})

	assert.Equal(t, []string{"srv-3", "offline", "srv-2", "srv-1"}, ids(s.List()))
	assert.False(t, s.Contains("pushed"), "pushed entries are superseded by the page")
	assert.Equal(t, 3, s.RemoteLen())
	assert.Equal(t, 1, s.LiveLen())
	k, _ := s.Kind("offline")
	assert.Equal(t, KindLocal, k)
}

func TestSetUnreadCountFromAPI_AddsUnreadLocalEntries(t *testing.T) {
	s := New(10)
	s.InsertLocal(item("alert-1", false))
	s.InsertLocal(item("alert-2", true))
	s.InsertFront(item("push", false))

	s.SetUnreadCountFromAPI(5)
	assert.Equal(t, 6, s.UnreadCount())

	s.MarkRead("alert-1")
	s.SetUnreadCountFromAPI(5)
	assert.Equal(t, 5, s.UnreadCount())
}

func TestMarkReadAndUnread_AdjustCounter(t *testing.T) {
	s := New(10)
	s.AppendPage([]notification.Notification{item("a", false), item("b", true)})
	s.SetUnreadCountFromAPI(5)

	assert.True(t, s.MarkRead("a"))
	assert.Equal(t, 4, s.UnreadCount())
	assert.False(t, s.MarkRead("a"), "already read")
	assert.Equal(t, 4, s.UnreadCount())

	assert.True(t, s.MarkUnread("b"))
	assert.Equal(t, 5, s.UnreadCount())

	assert.False(t, s.MarkRead("missing"))
	assert.False(t, s.MarkUnread("missing"))
	assert.Equal(t, 5, s.UnreadCount())
}

func TestMarkRead_ClampsAtZero(t *testing.T) {
	s := New(10)
	s.AppendPage([]notification.Notification{item("a", false)})

	assert.True(t, s.MarkRead("a"))
	assert.Equal(t, 0, s.UnreadCount())
}

func TestMarkAllRead(t *testing.T) {
	s := New(10)
	s.InsertFront(item("a", false))
	s.InsertFront(item("b", false))
	s.InsertFront(item("c", true))

	assert.Equal(t, 2, s.MarkAllRead())
	assert.Equal(t, 0, s.UnreadCount())
	for _, n := range s.List() {
		assert.True(t, n.Read)
	}
}

func TestRemove(t *testing.T) {
	s := New(10)
	s.InsertFront(item("a", false))
	s.InsertFront(item("b", true))

	removed, ok := s.Remove("a")
	require.True(t, ok)
	assert.Equal(t, "a", removed.ID)
	assert.Equal(t, 0, s.UnreadCount())
	assert.Equal(t, []string{"b"}, ids(s.List()))

	_, ok = s.Remove("a")
	assert.False(t, ok)

	// Removed ids are no longer duplicates.
	assert.True(t, s.InsertFront(item("a", false)))
}

func TestRemove_ClearsVacatedSlot(t *testing.T) {
	s := New(10)
	s.AppendPage([]notification.Notification{item("a", false), item("b", false), item("c", false)})

	_, ok := s.Remove("a")
	require.True(t, ok)

	tail := s.items[:cap(s.items)][len(s.items)]
	assert.Equal(t, notification.Notification{}, tail)
	assert.Equal(t, 2, s.RemoteLen())
}

func TestSetUnreadCountFromAPI_ClampsNegative(t *testing.T) {
	s := New(10)
	s.SetUnreadCountFromAPI(-3)
	assert.Equal(t, 0, s.UnreadCount())
}

func TestList_ReturnsCopy(t *testing.T) {
	s := New(10)
	s.InsertFront(item("a", false))

	list := s.List()
	list[0].Read = true

	got, ok := s.Get("a")
	require.True(t, ok)
	assert.False(t, got.Read)
}
