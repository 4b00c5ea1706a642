// internal/pkg/session/revocation.go
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// KV is the part of a redis client the revocation list uses.
type KV interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
}

// Revocations is a redis-backed list of revoked token ids. Entries expire
// with the token they revoke.
type Revocations struct {
	client KV
}

func NewRevocations(client KV) *Revocations {
	return &Revocations{client: client}
}

// IsRevoked checks if a token id is on the list
func (r *Revocations) IsRevoked(ctx context.Context, jti string) (bool, error) {
	exists, err := r.client.Exists(ctx, revokedKey(jti)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return exists > 0, nil
}

// Revoke adds jti to the list for ttl.
func (r *Revocations) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if jti == "" {
		return fmt.Errorf("token id is required")
	}
	if err := r.client.Set(ctx, revokedKey(jti), "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	return nil
}

func revokedKey(jti string) string {
	return fmt.Sprintf("blacklist:%s", jti)
}
