// internal/domain/action/entity.go
package action

import "time"

type Status string

const (
	StatusQueued  Status = "queued"
	StatusSent    Status = "sent"
	StatusAck     Status = "ack"
	StatusError   Status = "error"
	StatusTimeout Status = "timeout"
)

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusSent, StatusAck, StatusError, StatusTimeout:
		return true
	}
	return false
}

// Log is one device action as reported by the backend.
type Log struct {
	ID        string    `json:"id" db:"id"`
	DeviceID  string    `json:"device_id" db:"device_id"`
	Status    Status    `json:"status" db:"status"`
	ActionURI string    `json:"action_uri" db:"action_uri"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type ListResponse struct {
	Items []Log `json:"items"`
	Total int   `json:"total"`
}

// DeviceStatus is the payload of a device.status event.
type DeviceStatus struct {
	DeviceID string `json:"deviceId"`
	Status   string `json:"status"`
	FarmID   string `json:"farmId,omitempty"`
}

const (
	DeviceOnline  = "online"
	DeviceOffline = "offline"
)
