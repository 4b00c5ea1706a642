package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memKV struct {
	data map[string]time.Duration
	err  error
}

func (m *memKV) Exists(ctx context.Context, keys ...string) *redis.IntCmd {
	if m.err != nil {
		return redis.NewIntResult(0, m.err)
	}
	var n int64
	for _, k := range keys {
		if _, ok := m.data[k]; ok {
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func (m *memKV) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if m.err != nil {
		return redis.NewStatusResult("", m.err)
	}
	m.data[key] = expiration
	return redis.NewStatusResult("OK", nil)
}

func TestRevocations(t *testing.T) {
	kv := &memKV{data: map[string]time.Duration{}}
	r := NewRevocations(kv)
	ctx := context.Background()

	revoked, err := r.IsRevoked(ctx, "01J0TOKEN")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, r.Revoke(ctx, "01J0TOKEN", time.Hour))
	assert.Equal(t, time.Hour, kv.data["blacklist:01J0TOKEN"])

	revoked, err = r.IsRevoked(ctx, "01J0TOKEN")
	require.NoError(t, err)
	assert.True(t, revoked)

	assert.Error(t, r.Revoke(ctx, "", time.Hour))
}

func TestRevocationsPropagatesRedisErrors(t *testing.T) {
	r := NewRevocations(&memKV{err: errors.New("connection refused")})

	_, err := r.IsRevoked(context.Background(), "x")
	assert.Error(t, err)
	assert.Error(t, r.Revoke(context.Background(), "x", time.Minute))
}
