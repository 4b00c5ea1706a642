// Package gateway fans backend events out to the websocket hubs of every
// backend instance.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	wstypes "smartfarm-notifier/internal/domain/websocket"
)

// Envelope is one event on the bus.
type Envelope struct {
	Type wstypes.EventType `json:"type"`
	Data json.RawMessage   `json:"data"`
	// UserIDs restricts delivery; nil reaches every client.
	UserIDs []string `json:"user_ids,omitempty"`
	// Origin is the id of the publishing instance.
	Origin string `json:"origin,omitempty"`
}

func newEnvelope(origin string, userIDs []string, eventType wstypes.EventType, data interface{}) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return Envelope{Type: eventType, Data: raw, UserIDs: userIDs, Origin: origin}, nil
}

// Sink receives events for local delivery, typically a websocket.Hub.
type Sink interface {
	PublishTo(userIDs []string, eventType wstypes.EventType, data interface{})
}

// Bus publishes events to every instance. A nil userIDs broadcasts.
type Bus interface {
	Publish(ctx context.Context, userIDs []string, eventType wstypes.EventType, data interface{}) error
}

// Local delivers straight to the sink. It serves single instance setups.
type Local struct {
	sink Sink
}

func NewLocal(sink Sink) *Local {
	return &Local{sink: sink}
}

func (l *Local) Publish(ctx context.Context, userIDs []string, eventType wstypes.EventType, data interface{}) error {
	env, err := newEnvelope("", userIDs, eventType, data)
	if err != nil {
		return err
	}
	l.sink.PublishTo(env.UserIDs, env.Type, env.Data)
	return nil
}
