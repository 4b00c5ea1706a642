package transport

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartfarm-notifier/internal/domain/notification"
	wstypes "smartfarm-notifier/internal/domain/websocket"
	"smartfarm-notifier/internal/scheduler"
)

type fakeChannel struct {
	mu        sync.Mutex
	opens     int
	closes    int
	listeners []Listener
	onOpen    func(l Listener)
}

func (c *fakeChannel) Open(l Listener) {
	c.mu.Lock()
	c.opens++
	c.listeners = append(c.listeners, l)
	fn := c.onOpen
	c.mu.Unlock()
	if fn != nil {
		fn(l)
	}
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closes++
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) setOnOpen(fn func(l Listener)) {
	c.mu.Lock()
	c.onOpen = fn
	c.mu.Unlock()
}

func (c *fakeChannel) last() Listener {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.listeners[len(c.listeners)-1]
}

func (c *fakeChannel) counts() (opens, closes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens, c.closes
}

type fakeFetcher struct {
	mu      sync.Mutex
	calls   int
	records []notification.Record
	err     error
}

func (f *fakeFetcher) FetchMissed(ctx context.Context) ([]notification.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	out := f.records
	f.records = nil
	return out, nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func newTestManager(t *testing.T, ch *fakeChannel, fetcher Fetcher) (*Manager, *scheduler.Fake) {
	t.Helper()
	clock := scheduler.NewFake(epoch)
	m := NewManager(Config{}, ch, fetcher, clock, nil)
	t.Cleanup(m.Close)
	return m, clock
}

func connectOnOpen(l Listener) { l.OnConnect() }

func failOnOpen(l Listener) { l.OnError(errors.New("connection refused")) }

func nextEvent(t *testing.T, m *Manager) Event {
	t.Helper()
	select {
	case e, ok := <-m.Events():
		require.True(t, ok, "event stream closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestConnectSucceeds(t *testing.T) {
	ch := &fakeChannel{onOpen: connectOnOpen}
	m, _ := newTestManager(t, ch, nil)

	var changes []StateChange
	m.OnStateChange(func(c StateChange) { changes = append(changes, c) })

	m.Connect()

	assert.Equal(t, Connected, m.State())
	require.Len(t, changes, 2)
	assert.Equal(t, StateChange{From: Disconnected, To: Connecting, At: epoch}, changes[0])
	assert.Equal(t, Connected, changes[1].To)
	assert.False(t, m.Status().Polling)
}

func TestConnectIsIdempotent(t *testing.T) {
	ch := &fakeChannel{}
	m, _ := newTestManager(t, ch, nil)

	m.Connect()
	m.Connect()
	assert.Equal(t, Connecting, m.State())

	ch.last().OnConnect()
	m.Connect()

	opens, _ := ch.counts()
	assert.Equal(t, 1, opens)
	assert.Equal(t, Connected, m.State())
}

func TestFallbackActivatesPolling(t *testing.T) {
	ch := &fakeChannel{}
	fetcher := &fakeFetcher{records: []notification.Record{{ID: "n-1", Level: notification.LevelWarning, Title: "Soil dry"}}}
	m, clock := newTestManager(t, ch, fetcher)

	m.Connect()
	clock.Advance(4900 * time.Millisecond)
	assert.Equal(t, Connecting, m.State())

	clock.Advance(100 * time.Millisecond)
	assert.Equal(t, Degraded, m.State())
	assert.True(t, m.Status().Polling)
	assert.Equal(t, 0, fetcher.callCount())

	clock.Advance(DefaultPollInterval)
	assert.Equal(t, 1, fetcher.callCount())
	assert.Equal(t, 1, m.Status().PollTicks)

	e := nextEvent(t, m)
	assert.Equal(t, wstypes.EventTypeNotificationCreated, e.Type)
	assert.Equal(t, OriginPoll, e.Origin)

	var rec notification.Record
	require.NoError(t, json.Unmarshal(e.Payload, &rec))
	assert.Equal(t, "n-1", rec.ID)
}

func TestConnectTimeoutAbortsAttemptAndRetries(t *testing.T) {
	ch := &fakeChannel{}
	m, clock := newTestManager(t, ch, nil)

	m.Connect()
	clock.Advance(DefaultConnectTimeout)

	opens, closes := ch.counts()
	assert.Equal(t, 1, opens)
	assert.Equal(t, 1, closes)
	assert.Equal(t, Degraded, m.State())

	ch.setOnOpen(connectOnOpen)
	clock.Advance(DefaultReconnectDelay)

	opens, _ = ch.counts()
	assert.Equal(t, 2, opens)
	assert.Equal(t, Connected, m.State())
	assert.False(t, m.Status().Polling)
}

func TestDropDegradesThenRecovers(t *testing.T) {
	ch := &fakeChannel{onOpen: connectOnOpen}
	fetcher := &fakeFetcher{}
	m, clock := newTestManager(t, ch, fetcher)

	m.Connect()
	require.Equal(t, Connected, m.State())

	ch.setOnOpen(nil)
	ch.last().OnDisconnect("transport close")
	assert.Equal(t, Degraded, m.State())
	assert.True(t, m.Status().Polling)

	// the first retry hangs, polling ticks once meanwhile
	clock.Advance(DefaultReconnectDelay)
	clock.Advance(DefaultPollInterval)
	assert.Equal(t, 1, fetcher.callCount())

	ch.last().OnConnect()
	assert.Equal(t, Connected, m.State())
	assert.False(t, m.Status().Polling)

	clock.Advance(time.Minute)
	assert.Equal(t, 1, fetcher.callCount(), "no poll ticks after promotion")
}

func TestRetriesExhaustedStaysDegraded(t *testing.T) {
	ch := &fakeChannel{onOpen: failOnOpen}
	fetcher := &fakeFetcher{}
	m, clock := newTestManager(t, ch, fetcher)

	m.Connect()
	assert.Equal(t, Degraded, m.State())

	clock.Advance(20 * time.Second)

	opens, _ := ch.counts()
	assert.Equal(t, 1+DefaultReconnectAttempts, opens)

	st := m.Status()
	assert.Equal(t, Degraded, st.State)
	assert.True(t, st.Polling)
	assert.True(t, st.RetriesExhausted)
	assert.Equal(t, 4, fetcher.callCount())
}

func TestFetchErrorsKeepPolling(t *testing.T) {
	ch := &fakeChannel{onOpen: failOnOpen}
	fetcher := &fakeFetcher{err: errors.New("502 bad gateway")}
	m, clock := newTestManager(t, ch, fetcher)

	m.Connect()
	clock.Advance(3 * DefaultPollInterval)

	assert.Equal(t, 3, fetcher.callCount())
	assert.Equal(t, Degraded, m.State())
}

func TestDisconnectIsIdempotentAndStopsPolling(t *testing.T) {
	ch := &fakeChannel{onOpen: failOnOpen}
	fetcher := &fakeFetcher{}
	m, clock := newTestManager(t, ch, fetcher)

	m.Connect()
	require.Equal(t, Degraded, m.State())

	m.Disconnect()
	m.Disconnect()

	_, closes := ch.counts()
	assert.Equal(t, 1, closes)
	assert.Equal(t, Disconnected, m.State())
	assert.False(t, m.Status().Polling)

	clock.Advance(time.Minute)
	assert.Equal(t, 0, fetcher.callCount())
	assert.Equal(t, 0, clock.Pending())
}

func TestStaleCallbacksIgnored(t *testing.T) {
	ch := &fakeChannel{}
	m, _ := newTestManager(t, ch, nil)

	m.Connect()
	stale := ch.last()
	m.Disconnect()

	stale.OnConnect()
	assert.Equal(t, Disconnected, m.State())

	m.Connect()
	stale.OnConnect()
	stale.OnError(errors.New("late"))
	assert.Equal(t, Connecting, m.State())

	ch.last().OnConnect()
	assert.Equal(t, Connected, m.State())
}

func TestPushEventsKeepArrivalOrder(t *testing.T) {
	ch := &fakeChannel{onOpen: connectOnOpen}
	m, _ := newTestManager(t, ch, nil)

	m.Connect()
	l := ch.last()
	l.OnMessage(wstypes.EventTypeNotificationCreated, json.RawMessage(`{"id":"a"}`))
	l.OnMessage(wstypes.EventTypeDeviceStatus, json.RawMessage(`{"deviceId":"7","status":"offline"}`))
	l.OnMessage(wstypes.EventTypeNotificationCreated, json.RawMessage(`{"id":"b"}`))

	want := []string{`{"id":"a"}`, `{"deviceId":"7","status":"offline"}`, `{"id":"b"}`}
	for _, w := range want {
		e := nextEvent(t, m)
		assert.Equal(t, OriginPush, e.Origin)
		assert.JSONEq(t, w, string(e.Payload))
	}
}

func TestCloseEndsEventStream(t *testing.T) {
	ch := &fakeChannel{onOpen: connectOnOpen}
	m, _ := newTestManager(t, ch, nil)

	m.Connect()
	m.Close()

	select {
	case _, ok := <-m.Events():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("event stream not closed")
	}
	assert.Equal(t, Disconnected, m.State())
}
