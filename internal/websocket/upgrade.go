// internal/websocket/upgrade.go
package websocket

import (
	"net/http"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Dashboards and agents connect from arbitrary origins; access is gated by
	// the token instead.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Upgrade switches the request to a websocket, registers the client and
// starts its pumps.
func (h *Hub) Upgrade(w http.ResponseWriter, r *http.Request, auth *ClientAuth) (*Client, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}

	client := NewClient(h, conn, auth)
	if !h.Register(r.Context(), client) {
		conn.Close()
		return nil, ErrUnauthorized
	}
	client.Start()
	return client, nil
}
