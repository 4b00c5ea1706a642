package transport

import (
	"context"
	"encoding/json"
	"time"

	"smartfarm-notifier/internal/domain/notification"
	wstypes "smartfarm-notifier/internal/domain/websocket"
)

// Listener receives the lifecycle and inbound messages of one connection
// attempt.
type Listener interface {
	OnConnect()
	OnDisconnect(reason string)
	OnError(err error)
	OnMessage(eventType wstypes.EventType, payload json.RawMessage)
}

// Channel is the push connection to the backend event stream.
type Channel interface {
	// Open starts a single connection attempt and returns without waiting
	// for the network. The outcome is reported through l.
	Open(l Listener)
	// Close tears down the current connection, if any. After Close the
	// channel must not call the listener of the closed attempt.
	Close() error
}

// Fetcher retrieves items missed while the push channel is down.
type Fetcher interface {
	FetchMissed(ctx context.Context) ([]notification.Record, error)
}

// Origin tells where an event came from.
type Origin string

const (
	OriginPush Origin = "push"
	OriginPoll Origin = "poll"
)

// Event is one inbound record. Payload is passed through as received.
type Event struct {
	Type       wstypes.EventType
	Payload    json.RawMessage
	Origin     Origin
	ReceivedAt time.Time
}
