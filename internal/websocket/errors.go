// internal/websocket/errors.go
package websocket

import "errors"

var (
	ErrUnauthorized = errors.New("unauthorized")
	ErrInvalidToken = errors.New("invalid token")
	ErrRateLimited  = errors.New("too many messages")
	ErrChannelURL   = errors.New("push channel url is required")
)
