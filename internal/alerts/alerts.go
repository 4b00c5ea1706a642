// Package alerts turns backend activity into locally synthesized, suppressed
// alerts.
package alerts

import (
	"smartfarm-notifier/internal/domain/notification"
	"smartfarm-notifier/internal/notifier"
)

// Alerter is the gated notify entry point of notifier.Service.
type Alerter interface {
	Alert(key string, level notification.Level, title, message string, opts ...notifier.NotifyOption) (notification.Notification, bool)
}
