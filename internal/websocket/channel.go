// internal/websocket/channel.go
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	wstypes "smartfarm-notifier/internal/domain/websocket"
	"smartfarm-notifier/internal/transport"
)

const DefaultHandshakeTimeout = 10 * time.Second

// ChannelConfig configures the outbound push connection.
type ChannelConfig struct {
	URL              string
	Token            func() string
	HandshakeTimeout time.Duration
	// Channels are subscribed to right after connecting.
	Channels []wstypes.ChannelType
}

// inbound is the envelope as read off the wire, keeping Data raw.
type inbound struct {
	Type wstypes.EventType `json:"type"`
	Data json.RawMessage   `json:"data,omitempty"`
}

// Channel is the agent's push connection to the backend gateway. It
// implements transport.Channel.
type Channel struct {
	cfg    ChannelConfig
	dialer *websocket.Dialer
	logger *zap.Logger

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
}

var _ transport.Channel = (*Channel)(nil)

func NewChannel(cfg ChannelConfig, logger *zap.Logger) *Channel {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = []wstypes.ChannelType{
			wstypes.ChannelNotifications,
			wstypes.ChannelActions,
			wstypes.ChannelDevices,
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		logger: logger.With(zap.String("component", "push_channel")),
	}
}

// Open dials in the background and reports through l. Any previous
// connection is closed first.
func (ch *Channel) Open(l transport.Listener) {
	ctx, cancel := context.WithCancel(context.Background())

	ch.mu.Lock()
	if ch.cancel != nil {
		ch.cancel()
	}
	if ch.conn != nil {
		ch.conn.Close()
		ch.conn = nil
	}
	ch.cancel = cancel
	ch.mu.Unlock()

	go ch.run(ctx, l)
}

// Close drops the current connection. Callbacks of the closed attempt are
// suppressed.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()

	if ch.cancel != nil {
		ch.cancel()
		ch.cancel = nil
	}
	if ch.conn == nil {
		return nil
	}
	conn := ch.conn
	ch.conn = nil

	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	return conn.Close()
}

func (ch *Channel) run(ctx context.Context, l transport.Listener) {
	if ch.cfg.URL == "" {
		l.OnError(ErrChannelURL)
		return
	}

	header := http.Header{}
	if ch.cfg.Token != nil {
		if token := ch.cfg.Token(); token != "" {
			header.Set("Authorization", "Bearer "+token)
		}
	}

	conn, resp, err := ch.dialer.DialContext(ctx, ch.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if ctx.Err() == nil {
			ch.logger.Debug("dial failed", zap.String("url", ch.cfg.URL), zap.Error(err))
			l.OnError(err)
		}
		return
	}

	ch.mu.Lock()
	if ctx.Err() != nil {
		ch.mu.Unlock()
		conn.Close()
		return
	}
	ch.conn = conn
	ch.mu.Unlock()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPingHandler(func(data string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	if err := ch.subscribe(conn); err != nil {
		if ctx.Err() == nil {
			l.OnError(err)
		}
		conn.Close()
		return
	}

	l.OnConnect()
	ch.readLoop(ctx, conn, l)
}

func (ch *Channel) subscribe(conn *websocket.Conn) error {
	msg := wstypes.NewMessage(wstypes.EventTypeSubscribe, wstypes.SubscribeRequest{Channels: ch.cfg.Channels})
	data, err := msg.ToJSON()
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (ch *Channel) readLoop(ctx context.Context, conn *websocket.Conn, l transport.Listener) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				l.OnDisconnect(err.Error())
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			ch.logger.Warn("dropping malformed push message", zap.Error(err))
			continue
		}

		switch msg.Type {
		case wstypes.EventTypeConnected, wstypes.EventTypePong, wstypes.EventTypeSubscribe, wstypes.EventTypeUnsubscribe:
			continue
		case wstypes.EventTypeError:
			ch.logger.Warn("push gateway reported an error", zap.ByteString("data", msg.Data))
			continue
		}

		if ctx.Err() != nil {
			return
		}
		l.OnMessage(msg.Type, msg.Data)
	}
}
