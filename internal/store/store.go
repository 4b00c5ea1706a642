// Package store holds the in-memory, most-recent-first notification list and
// the unread counter shown on badges.
package store

import (
	"slices"
	"sync"

	"smartfarm-notifier/internal/domain/notification"
)

const DefaultCapacity = 100

// Kind records how an entry reached the Store.
type Kind int

const (
	// KindPaged entries come from a loaded page. They are never trimmed.
	KindPaged Kind = iota
	// KindPushed entries arrived live from the backend. They count toward
	// the capacity.
	KindPushed
	// KindLocal entries were synthesized on this client. They count toward
	// the capacity, survive Replace and are unknown to the backend's count.
	KindLocal
)

// Store is safe for concurrent use. Entries are unique by ID.
//
// The unread counter is not derived from the list: it is set from the
// backend's authoritative count and then adjusted by local operations,
// because the list usually holds only the pages loaded so far.
type Store struct {
	mu       sync.RWMutex
	items    []notification.Notification
	kinds    map[string]Kind
	live     int
	local    int
	unread   int
	capacity int
}

func New(capacity int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		kinds:    make(map[string]Kind),
		capacity: capacity,
	}
}

// InsertFront adds a live push at the head and counts it if unread. Duplicate
// IDs are dropped. Past the capacity the oldest live entry is evicted; paged
// entries are kept.
func (s *Store) InsertFront(n notification.Notification) bool {
	return s.insert(n, KindPushed, true)
}

// InsertLocal is InsertFront for a notification synthesized on this client.
func (s *Store) InsertLocal(n notification.Notification) bool {
	return s.insert(n, KindLocal, true)
}

// InsertMissed adds a notification fetched while catching up. The backend's
// count already includes it, so the counter is left for the next sync.
func (s *Store) InsertMissed(n notification.Notification) bool {
	return s.insert(n, KindPushed, false)
}

func (s *Store) insert(n notification.Notification, kind Kind, count bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, dup := s.kinds[n.ID]; dup {
		return false
	}

	s.items = slices.Insert(s.items, 0, n)
	s.track(n.ID, kind)
	if count && !n.Read {
		s.unread++
	}
	s.trimLocked()
	return true
}

func (s *Store) track(id string, kind Kind) {
	s.kinds[id] = kind
	switch kind {
	case KindPushed:
		s.live++
	case KindLocal:
		s.live++
		s.local++
	}
}

func (s *Store) untrack(id string) {
	switch s.kinds[id] {
	case KindPushed:
		s.live--
	case KindLocal:
		s.live--
		s.local--
	}
	delete(s.kinds, id)
}

// trimLocked evicts the oldest live entries past the capacity. Evictions do
// not touch the counter.
func (s *Store) trimLocked() {
	excess := s.live - s.capacity
	if excess <= 0 {
		return
	}
	evict := make(map[int]struct{}, excess)
	for i := len(s.items) - 1; i >= 0 && len(evict) < excess; i-- {
		if s.kinds[s.items[i].ID] != KindPaged {
			evict[i] = struct{}{}
		}
	}

	kept := 0
	for i, n := range s.items {
		if _, ok := evict[i]; ok {
			s.untrack(n.ID)
			continue
		}
		s.items[kept] = n
		kept++
	}
	clear(s.items[kept:])
	s.items = s.items[:kept]
}

// Replace swaps the list for a freshly loaded first page. Local entries are
// kept and merged in by timestamp; pushed entries are dropped since the page
// supersedes them. Duplicates within items are dropped and the unread
// counter is left alone.
func (s *Store) Replace(items []notification.Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var locals []notification.Notification
	for _, n := range s.items {
		if s.kinds[n.ID] == KindLocal {
			locals = append(locals, n)
		}
	}

	s.items = make([]notification.Notification, 0, len(items)+len(locals))
	s.kinds = make(map[string]Kind, len(items)+len(locals))
	s.live, s.local = 0, 0

	for _, n := range locals {
		s.track(n.ID, KindLocal)
	}
	page := make([]notification.Notification, 0, len(items))
	for _, n := range items {
		if _, dup := s.kinds[n.ID]; dup {
			continue
		}
		s.track(n.ID, KindPaged)
		page = append(page, n)
	}

	for len(locals) > 0 || len(page) > 0 {
		if len(page) == 0 || (len(locals) > 0 && !locals[0].CreatedAt.Before(page[0].CreatedAt)) {
			s.items = append(s.items, locals[0])
			locals = locals[1:]
			continue
		}
		s.items = append(s.items, page[0])
		page = page[1:]
	}
}

// AppendPage extends the list with older items. It ignores the capacity and
// the unread counter and returns how many items were actually appended.
func (s *Store) AppendPage(items []notification.Notification) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, n := range items {
		if _, dup := s.kinds[n.ID]; dup {
			continue
		}
		s.items = append(s.items, n)
		s.track(n.ID, KindPaged)
		added++
	}
	return added
}

// MarkRead reports whether the entry existed and was unread.
func (s *Store) MarkRead(id string) bool {
	return s.setRead(id, true)
}

// MarkUnread reports whether the entry existed and was read.
func (s *Store) MarkUnread(id string) bool {
	return s.setRead(id, false)
}

func (s *Store) setRead(id string, read bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 || s.items[i].Read == read {
		return false
	}
	s.items[i].Read = read
	if read {
		s.decrementLocked(1)
	} else {
		s.unread++
	}
	return true
}

// MarkAllRead flags every entry read, zeroes the counter and returns the
// number of entries that changed.
func (s *Store) MarkAllRead() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	changed := 0
	for i := range s.items {
		if !s.items[i].Read {
			s.items[i].Read = true
			changed++
		}
	}
	s.unread = 0
	return changed
}

// Remove deletes the entry. Removing an unread entry decrements the counter.
func (s *Store) Remove(id string) (notification.Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.indexLocked(id)
	if i < 0 {
		return notification.Notification{}, false
	}
	removed := s.items[i]
	s.items = slices.Delete(s.items, i, i+1)
	s.untrack(id)
	if !removed.Read {
		s.decrementLocked(1)
	}
	return removed, true
}

// SetUnreadCountFromAPI overwrites the counter with the backend's count plus
// the unread local entries the backend does not know about.
func (s *Store) SetUnreadCountFromAPI(n int) {
	if n < 0 {
		n = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range s.items {
		if !item.Read && s.kinds[item.ID] == KindLocal {
			n++
		}
	}
	s.unread = n
}

func (s *Store) UnreadCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unread
}

// Get returns a copy of the entry with id.
func (s *Store) Get(id string) (notification.Notification, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := s.indexLocked(id)
	if i < 0 {
		return notification.Notification{}, false
	}
	return s.items[i], true
}

func (s *Store) Contains(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.kinds[id]
	return ok
}

// Kind reports how the entry with id reached the Store.
func (s *Store) Kind(id string) (Kind, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.kinds[id]
	return k, ok
}

// List returns a snapshot of the entries, most recent first.
func (s *Store) List() []notification.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]notification.Notification, len(s.items))
	copy(out, s.items)
	return out
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}

// RemoteLen is the number of entries the backend also holds, i.e. the offset
// of the next page.
func (s *Store) RemoteLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items) - s.local
}

// LiveLen is the number of entries counted against the capacity.
func (s *Store) LiveLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.live
}

func (s *Store) Capacity() int {
	return s.capacity
}

// Clear empties the list and the counter.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = nil
	s.kinds = make(map[string]Kind)
	s.live, s.local = 0, 0
	s.unread = 0
}

func (s *Store) indexLocked(id string) int {
	if _, ok := s.kinds[id]; !ok {
		return -1
	}
	for i := range s.items {
		if s.items[i].ID == id {
			return i
		}
	}
	return -1
}

func (s *Store) decrementLocked(by int) {
	s.unread -= by
	if s.unread < 0 {
		s.unread = 0
	}
}
