// internal/websocket/hub.go
package websocket

import (
	"context"
	"sync"

	"go.uber.org/zap"

	wstypes "smartfarm-notifier/internal/domain/websocket"
)

// Authenticator resolves a connection token into a client identity.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*ClientAuth, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, token string) (*ClientAuth, error)

func (f AuthenticatorFunc) Authenticate(ctx context.Context, token string) (*ClientAuth, error) {
	return f(ctx, token)
}

type HubOption func(*Hub)

// WithAuthenticator requires every connection to present a valid token.
// Without it clients connect anonymously.
func WithAuthenticator(auth Authenticator) HubOption {
	return func(h *Hub) { h.auth = auth }
}

// WithDefaultChannels subscribes new clients to channels on registration.
func WithDefaultChannels(channels ...wstypes.ChannelType) HubOption {
	return func(h *Hub) { h.defaultChannels = channels }
}

// WithOnConnect runs fn for every newly registered client, after the welcome
// message. fn runs on the hub loop and may only send to the client.
func WithOnConnect(fn func(*Client)) HubOption {
	return func(h *Hub) { h.onConnect = fn }
}

// WithClientRateLimit caps inbound messages per client.
func WithClientRateLimit(perSecond float64, burst int) HubOption {
	return func(h *Hub) {
		h.rateLimit = perSecond
		h.rateBurst = burst
	}
}

type Hub struct {
	// Registered clients by user ID; anonymous clients use "".
	clients map[string]map[*Client]bool
	mu      sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan *BroadcastMessage
	done       chan struct{}

	handlerRegistry *HandlerRegistry

	auth            Authenticator
	defaultChannels []wstypes.ChannelType
	onConnect       func(*Client)
	rateLimit       float64
	rateBurst       int

	logger *zap.Logger
}

// BroadcastMessage targets the clients of UserIDs, or every client when
// UserIDs is nil, that are subscribed to Channel.
type BroadcastMessage struct {
	UserIDs []string
	Channel wstypes.ChannelType
	Message *wstypes.WSMessage
}

func NewHub(logger *zap.Logger, opts ...HubOption) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Hub{
		clients:         make(map[string]map[*Client]bool),
		register:        make(chan *Client),
		unregister:      make(chan *Client, 16),
		broadcast:       make(chan *BroadcastMessage, 256),
		done:            make(chan struct{}),
		handlerRegistry: NewHandlerRegistry(),
		rateLimit:       20,
		rateBurst:       40,
		logger:          logger.With(zap.String("component", "ws_hub")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Authenticate resolves token. Without an authenticator every connection is
// accepted as anonymous.
func (h *Hub) Authenticate(ctx context.Context, token string) (*ClientAuth, error) {
	if h.auth == nil {
		return &ClientAuth{}, nil
	}
	if token == "" {
		return nil, ErrUnauthorized
	}
	return h.auth.Authenticate(ctx, token)
}

// RegisterHandler registers a message handler
func (h *Hub) RegisterHandler(handler MessageHandler) {
	h.handlerRegistry.Register(handler)
}

// HandleClientMessage dispatches msg to its registered handler. It reports
// false when no handler exists for the event type.
func (h *Hub) HandleClientMessage(ctx context.Context, client *Client, msg *wstypes.WSMessage) (bool, error) {
	handler, exists := h.handlerRegistry.GetHandler(msg.Type)
	if !exists {
		return false, nil
	}
	return true, handler.HandleMessage(ctx, client, msg)
}

// Register hands a new client to the Run loop.
func (h *Hub) Register(ctx context.Context, client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-ctx.Done():
		return false
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case client := <-h.register:
			h.registerClient(client)

		case client := <-h.unregister:
			h.unregisterClient(client)

		case msg := <-h.broadcast:
			h.deliver(msg)
		}
	}
}

func (h *Hub) registerClient(client *Client) {
	for _, channel := range h.defaultChannels {
		client.Subscribe(channel)
	}

	h.mu.Lock()
	if h.clients[client.userID] == nil {
		h.clients[client.userID] = make(map[*Client]bool)
	}
	h.clients[client.userID][client] = true
	total := h.totalClients()
	h.mu.Unlock()

	h.logger.Info("client connected",
		zap.String("user_id", client.userID),
		zap.String("session_id", client.sessionID),
		zap.Strings("roles", client.roles),
		zap.Int("total", total),
	)

	client.SendMessage(wstypes.NewMessage(wstypes.EventTypeConnected, map[string]interface{}{
		"user_id":    client.userID,
		"session_id": client.sessionID,
		"roles":      client.roles,
		"channels":   client.Subscriptions(),
	}))

	if h.onConnect != nil {
		h.onConnect(client)
	}
}

func (h *Hub) unregisterClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, ok := h.clients[client.userID]; ok {
		if _, exists := clients[client]; exists {
			delete(clients, client)
			client.Close()

			if len(clients) == 0 {
				delete(h.clients, client.userID)
			}

			h.logger.Info("client disconnected",
				zap.String("user_id", client.userID),
				zap.String("session_id", client.sessionID),
				zap.Int("total", h.totalClients()),
			)
		}
	}
}

// Broadcast queues msg for delivery. Messages are delivered in the order they
// were queued. After the hub stops, messages are dropped.
func (h *Hub) Broadcast(msg *BroadcastMessage) {
	select {
	case h.broadcast <- msg:
	case <-h.done:
	}
}

// Publish sends an event to every subscribed client on the channel the event
// type maps to.
func (h *Hub) Publish(eventType wstypes.EventType, data interface{}) {
	h.Broadcast(&BroadcastMessage{
		Channel: wstypes.ChannelFor(eventType),
		Message: wstypes.NewMessage(eventType, data),
	})
}

// PublishTo is Publish restricted to the clients of userIDs.
func (h *Hub) PublishTo(userIDs []string, eventType wstypes.EventType, data interface{}) {
	h.Broadcast(&BroadcastMessage{
		UserIDs: userIDs,
		Channel: wstypes.ChannelFor(eventType),
		Message: wstypes.NewMessage(eventType, data),
	})
}

func (h *Hub) deliver(msg *BroadcastMessage) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if msg.UserIDs == nil {
		for _, clients := range h.clients {
			for client := range clients {
				if client.IsSubscribed(msg.Channel) {
					client.SendMessage(msg.Message)
				}
			}
		}
		return
	}

	for _, userID := range msg.UserIDs {
		if clients, ok := h.clients[userID]; ok {
			for client := range clients {
				if client.IsSubscribed(msg.Channel) {
					client.SendMessage(msg.Message)
				}
			}
		}
	}
}

func (h *Hub) TotalClients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.totalClients()
}

// IsUserConnected checks if a user has any active connections
func (h *Hub) IsUserConnected(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[userID]) > 0
}

func (h *Hub) totalClients() int {
	total := 0
	for _, clients := range h.clients {
		total += len(clients)
	}
	return total
}

func (h *Hub) shutdown() {
	close(h.done)

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, clients := range h.clients {
		for client := range clients {
			client.Close()
		}
	}
	h.clients = make(map[string]map[*Client]bool)
}
