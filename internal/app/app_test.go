package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"smartfarm-notifier/internal/pkg/jwt"
	"smartfarm-notifier/internal/websocket"
)

func TestNewLogger(t *testing.T) {
	logger, err := NewLogger("debug")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))

	_, err = NewLogger("chatty")
	assert.Error(t, err)
}

func TestDashboardAuthenticator(t *testing.T) {
	auth := dashboardAuthenticator("s3cret")

	ca, err := auth.Authenticate(context.Background(), "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "dashboard", ca.UserID)

	_, err = auth.Authenticate(context.Background(), "guess")
	assert.ErrorIs(t, err, websocket.ErrUnauthorized)
}

func TestJWTAuthenticator(t *testing.T) {
	secret := []byte("0123456789abcdef0123456789abcdef")
	gen, err := jwt.NewGenerator(secret, "smart-farm", time.Hour)
	require.NoError(t, err)
	token, jti, err := gen.Generate("farmer-1", []string{"operator"})
	require.NoError(t, err)

	auth := jwtAuthenticator(jwt.NewVerifier(secret, "smart-farm"), nil)
	ca, err := auth.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "farmer-1", ca.UserID)
	assert.Equal(t, jti, ca.SessionID)
	assert.Equal(t, []string{"operator"}, ca.Roles)

	_, err = auth.Authenticate(context.Background(), token+"x")
	assert.ErrorIs(t, err, websocket.ErrInvalidToken)

	revoked := jwtAuthenticator(jwt.NewVerifier(secret, "smart-farm"), revokedSet{jti: true})
	_, err = revoked.Authenticate(context.Background(), token)
	assert.ErrorIs(t, err, websocket.ErrUnauthorized)
}

type revokedSet map[string]bool

func (r revokedSet) IsRevoked(ctx context.Context, jti string) (bool, error) {
	return r[jti], nil
}

func TestHealthRoute(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := newEngine(zap.NewNop(), []string{"*"})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"ok","version":"1.0.0"}`, w.Body.String())
}
