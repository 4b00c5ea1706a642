package gateway

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wstypes "smartfarm-notifier/internal/domain/websocket"
)

type published struct {
	UserIDs []string
	Type    wstypes.EventType
	Data    interface{}
}

type recordingSink struct {
	events []published
}

func (s *recordingSink) PublishTo(userIDs []string, eventType wstypes.EventType, data interface{}) {
	s.events = append(s.events, published{UserIDs: userIDs, Type: eventType, Data: data})
}

func TestLocalPublishesEncodedPayload(t *testing.T) {
	sink := &recordingSink{}
	bus := NewLocal(sink)

	err := bus.Publish(context.Background(), nil, wstypes.EventTypeDeviceStatus, map[string]string{"deviceId": "7", "status": "offline"})
	require.NoError(t, err)

	require.Len(t, sink.events, 1)
	assert.Nil(t, sink.events[0].UserIDs)
	assert.Equal(t, wstypes.EventTypeDeviceStatus, sink.events[0].Type)
	assert.JSONEq(t, `{"deviceId":"7","status":"offline"}`, string(sink.events[0].Data.(json.RawMessage)))
}

func TestLocalRejectsUnencodablePayload(t *testing.T) {
	sink := &recordingSink{}
	err := NewLocal(sink).Publish(context.Background(), []string{"u1"}, wstypes.EventTypeDeviceStatus, make(chan int))
	assert.Error(t, err)
	assert.Empty(t, sink.events)
}

func TestRedisDeliver(t *testing.T) {
	sink := &recordingSink{}
	r := NewRedis(nil, "smartfarm:gateway", sink, nil)

	r.deliver([]byte(`{"type":"notification.created","data":{"id":"n-1"},"user_ids":["farmer-1"],"origin":"x"}`))
	r.deliver([]byte(`not json`))
	r.deliver([]byte(`{"data":{}}`))

	require.Len(t, sink.events, 1)
	assert.Equal(t, []string{"farmer-1"}, sink.events[0].UserIDs)
	assert.Equal(t, wstypes.EventTypeNotificationCreated, sink.events[0].Type)
	assert.JSONEq(t, `{"id":"n-1"}`, string(sink.events[0].Data.(json.RawMessage)))
}
