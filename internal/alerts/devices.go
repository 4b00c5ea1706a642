package alerts

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"smartfarm-notifier/internal/domain/action"
	"smartfarm-notifier/internal/domain/notification"
	"smartfarm-notifier/internal/notifier"
	"smartfarm-notifier/internal/transport"
)

// DeviceWatcher alerts when devices go offline and when an offline device
// comes back.
type DeviceWatcher struct {
	alerter Alerter
	logger  *zap.Logger

	mu      sync.Mutex
	offline map[string]bool
}

func NewDeviceWatcher(alerter Alerter, logger *zap.Logger) *DeviceWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DeviceWatcher{
		alerter: alerter,
		logger:  logger.With(zap.String("component", "device_watcher")),
		offline: make(map[string]bool),
	}
}

// HandleEvent consumes a device.status transport event.
func (w *DeviceWatcher) HandleEvent(ev transport.Event) {
	var st action.DeviceStatus
	if err := json.Unmarshal(ev.Payload, &st); err != nil {
		w.logger.Warn("dropping malformed device status", zap.Error(err))
		return
	}
	w.Observe(st)
}

// Observe applies one status report.
func (w *DeviceWatcher) Observe(st action.DeviceStatus) {
	if st.DeviceID == "" {
		return
	}

	opts := []notifier.NotifyOption{
		notifier.WithSource(notification.SourceDevice),
		notifier.WithContext(notification.Context{
			"deviceId": st.DeviceID,
			"status":   st.Status,
			"farmId":   st.FarmID,
		}),
	}

	switch st.Status {
	case action.DeviceOffline:
		w.mu.Lock()
		w.offline[st.DeviceID] = true
		w.mu.Unlock()

		w.alerter.Alert("device:"+st.DeviceID+":offline", notification.LevelWarning,
			"Device offline", st.DeviceID+" stopped reporting", opts...)

	case action.DeviceOnline:
		w.mu.Lock()
		wasOffline := w.offline[st.DeviceID]
		delete(w.offline, st.DeviceID)
		w.mu.Unlock()

		if wasOffline {
			w.alerter.Alert("device:"+st.DeviceID+":online", notification.LevelInfo,
				"Device back online", st.DeviceID+" is reporting again", opts...)
		}
	}
}

// Offline lists devices last reported offline.
func (w *DeviceWatcher) Offline() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.offline))
	for id := range w.offline {
		out = append(out, id)
	}
	return out
}
