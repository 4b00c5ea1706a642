package alerts

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartfarm-notifier/internal/domain/action"
	"smartfarm-notifier/internal/domain/notification"
	"smartfarm-notifier/internal/notifier"
	"smartfarm-notifier/internal/scheduler"
	"smartfarm-notifier/internal/transport"
)

type alertCall struct {
	Key     string
	Level   notification.Level
	Title   string
	Message string
	Source  notification.Source
	Context notification.Context
}

type fakeAlerter struct {
	mu    sync.Mutex
	calls []alertCall
}

func (f *fakeAlerter) Alert(key string, level notification.Level, title, message string, opts ...notifier.NotifyOption) (notification.Notification, bool) {
	var n notification.Notification
	for _, opt := range opts {
		opt(&n)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, alertCall{Key: key, Level: level, Title: title, Message: message, Source: n.Source, Context: n.Context})
	return n, true
}

func (f *fakeAlerter) all() []alertCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]alertCall(nil), f.calls...)
}

type fakeLister struct {
	mu     sync.Mutex
	logs   []action.Log
	err    error
	calls  int
	limits []int
}

func (f *fakeLister) ListActions(ctx context.Context, limit int) ([]action.Log, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.limits = append(f.limits, limit)
	return f.logs, f.err
}

func (f *fakeLister) set(logs []action.Log, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs, f.err = logs, err
}

func (f *fakeLister) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

var epoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func TestActionWatcherAlertsOncePerAction(t *testing.T) {
	lister := &fakeLister{logs: []action.Log{
		{ID: "a1", DeviceID: "pump-1", Status: action.StatusError, ActionURI: "mqtt:pump/on", CreatedAt: epoch},
		{ID: "a2", DeviceID: "fan-2", Status: action.StatusAck, ActionURI: "mqtt:fan/off", CreatedAt: epoch},
		{ID: "a3", DeviceID: "fan-2", Status: action.StatusQueued, ActionURI: "mqtt:fan/on", CreatedAt: epoch},
	}}
	alerter := &fakeAlerter{}
	w := NewActionWatcher(ActionWatcherConfig{}, lister, alerter, scheduler.NewFake(epoch), nil)

	w.Check(context.Background())
	w.Check(context.Background())

	calls := alerter.all()
	require.Len(t, calls, 2)

	assert.Equal(t, "action-global:pump-1:error:mqtt:pump/on", calls[0].Key)
	assert.Equal(t, notification.LevelCritical, calls[0].Level)
	assert.Equal(t, "Action failed", calls[0].Title)
	assert.Equal(t, "pump-1 • mqtt:pump/on", calls[0].Message)
	assert.Equal(t, notification.SourceAction, calls[0].Source)
	assert.Equal(t, "a1", calls[0].Context["id"])

	assert.Equal(t, notification.LevelSuccess, calls[1].Level)
	assert.Equal(t, "Action executed", calls[1].Title)

	assert.Equal(t, 3, w.Seen(), "queued actions are remembered too")
	assert.Equal(t, []int{DefaultActionLimit, DefaultActionLimit}, lister.limits)
}

func TestActionWatcherSchedulesImmediatelyThenEveryInterval(t *testing.T) {
	lister := &fakeLister{}
	clock := scheduler.NewFake(epoch)
	w := NewActionWatcher(ActionWatcherConfig{}, lister, &fakeAlerter{}, clock, nil)

	w.Start()
	w.Start()
	clock.Advance(0)
	assert.Equal(t, 1, lister.callCount())

	clock.Advance(DefaultActionInterval)
	assert.Equal(t, 2, lister.callCount())

	w.Stop()
	clock.Advance(time.Minute)
	assert.Equal(t, 2, lister.callCount())
	assert.Equal(t, 0, clock.Pending())
}

func TestActionWatcherIgnoresFetchErrors(t *testing.T) {
	lister := &fakeLister{err: errors.New("connection refused")}
	alerter := &fakeAlerter{}
	clock := scheduler.NewFake(epoch)
	w := NewActionWatcher(ActionWatcherConfig{}, lister, alerter, clock, nil)

	w.Start()
	t.Cleanup(w.Stop)
	clock.Advance(0)
	assert.Error(t, w.LastError())

	lister.set([]action.Log{{ID: "a1", DeviceID: "d", Status: action.StatusSent, ActionURI: "u"}}, nil)
	clock.Advance(DefaultActionInterval)

	assert.NoError(t, w.LastError())
	assert.Len(t, alerter.all(), 1)
}

func TestActionWatcherTrimsSeenSet(t *testing.T) {
	lister := &fakeLister{}
	w := NewActionWatcher(ActionWatcherConfig{}, lister, &fakeAlerter{}, scheduler.NewFake(epoch), nil)

	var batch []action.Log
	for i := 0; i < seenHighWater+1; i++ {
		batch = append(batch, action.Log{ID: fmt.Sprintf("a%d", i), Status: action.StatusQueued})
	}
	lister.set(batch, nil)
	w.Check(context.Background())
	assert.Equal(t, seenKeep, w.Seen())

	// the newest ids survive the trim
	alerter := &fakeAlerter{}
	w.alerter = alerter
	lister.set([]action.Log{{ID: fmt.Sprintf("a%d", seenHighWater), Status: action.StatusAck}}, nil)
	w.Check(context.Background())
	assert.Empty(t, alerter.all())
}

func TestDeviceWatcherOfflineThenOnline(t *testing.T) {
	alerter := &fakeAlerter{}
	w := NewDeviceWatcher(alerter, nil)

	w.Observe(action.DeviceStatus{DeviceID: "7", Status: action.DeviceOnline})
	assert.Empty(t, alerter.all(), "online without a prior offline is silent")

	w.HandleEvent(transport.Event{Payload: []byte(`{"deviceId":"7","status":"offline","farmId":"f1"}`)})
	assert.Equal(t, []string{"7"}, w.Offline())

	w.Observe(action.DeviceStatus{DeviceID: "7", Status: action.DeviceOnline})
	assert.Empty(t, w.Offline())

	calls := alerter.all()
	require.Len(t, calls, 2)
	assert.Equal(t, "device:7:offline", calls[0].Key)
	assert.Equal(t, notification.LevelWarning, calls[0].Level)
	assert.Equal(t, "Device offline", calls[0].Title)
	assert.Equal(t, notification.SourceDevice, calls[0].Source)
	assert.Equal(t, "f1", calls[0].Context["farmId"])

	assert.Equal(t, "device:7:online", calls[1].Key)
	assert.Equal(t, notification.LevelInfo, calls[1].Level)
	assert.Equal(t, "Device back online", calls[1].Title)
}

func TestDeviceWatcherDropsMalformedEvents(t *testing.T) {
	alerter := &fakeAlerter{}
	w := NewDeviceWatcher(alerter, nil)

	w.HandleEvent(transport.Event{Payload: []byte(`not json`)})
	w.HandleEvent(transport.Event{Payload: []byte(`{"status":"offline"}`)})

	assert.Empty(t, alerter.all())
}
