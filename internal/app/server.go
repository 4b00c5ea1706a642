// internal/app/server.go
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"smartfarm-notifier/internal/cache"
	"smartfarm-notifier/internal/config"
	"smartfarm-notifier/internal/db"
	wstypes "smartfarm-notifier/internal/domain/websocket"
	"smartfarm-notifier/internal/gateway"
	notifyH "smartfarm-notifier/internal/handlers/notification"
	wsHandler "smartfarm-notifier/internal/handlers/websocket"
	"smartfarm-notifier/internal/middleware"
	"smartfarm-notifier/internal/pkg/jwt"
	"smartfarm-notifier/internal/pkg/session"
	"smartfarm-notifier/internal/repository/postgres"
	notifyUsecase "smartfarm-notifier/internal/service/notification"
	"smartfarm-notifier/internal/websocket"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Server is the reference backend: REST API, push gateway and storage.
type Server struct {
	cfg    config.BackendConfig
	logger *zap.Logger

	pool    *pgxpool.Pool
	sqlDB   *sql.DB
	redis   redis.UniversalClient
	hub     *websocket.Hub
	relay   *gateway.Redis
	limiter *middleware.RateLimiter
	server  *http.Server
}

// OpenDatabase connects to PostgreSQL and bridges the pool to database/sql.
func OpenDatabase(ctx context.Context, cfg config.BackendConfig, logger *zap.Logger) (*pgxpool.Pool, *sql.DB, error) {
	pool, err := db.ConnectDB(ctx, db.PostgresConfig{URL: cfg.DatabaseURL}, logger)
	if err != nil {
		return nil, nil, err
	}
	return pool, stdlib.OpenDBFromPool(pool), nil
}

func NewServer(ctx context.Context, cfg config.BackendConfig, logger *zap.Logger) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger}

	// ----- PostgreSQL -----
	pool, sqlDB, err := OpenDatabase(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	s.pool, s.sqlDB = pool, sqlDB

	if cfg.AutoMigrate {
		if err := db.Migrate(ctx, sqlDB, logger); err != nil {
			s.Close()
			return nil, err
		}
	}

	// ----- Redis -----
	var revocations middleware.RevocationChecker
	if cfg.RedisEnabled {
		rdb, err := db.NewRedis(db.RedisConfig{
			ClusterMode: cfg.RedisCluster,
			Addresses:   cfg.RedisAddrs,
			Password:    cfg.RedisPassword,
			DB:          cfg.RedisDB,
			PoolSize:    cfg.RedisPoolSize,
		})
		if err != nil {
			s.Close()
			return nil, err
		}
		logger.Info("redis connected", zap.Strings("addrs", cfg.RedisAddrs))
		s.redis = rdb
		revocations = session.NewRevocations(rdb)
	}

	// ----- JWT -----
	verifier := jwt.NewVerifier([]byte(cfg.JWTSecret), cfg.JWTIssuer)
	var authOpts []middleware.AuthOption
	if revocations != nil {
		authOpts = append(authOpts, middleware.WithRevocations(revocations))
	}
	authMiddleware := middleware.NewAuthMiddleware(verifier, authOpts...)

	// ----- WebSocket Hub -----
	s.hub = websocket.NewHub(logger,
		websocket.WithAuthenticator(jwtAuthenticator(verifier, revocations)),
		websocket.WithDefaultChannels(
			wstypes.ChannelNotifications,
			wstypes.ChannelActions,
			wstypes.ChannelDevices,
		),
	)

	// ----- Fan-out and cache -----
	var bus gateway.Bus = gateway.NewLocal(s.hub)
	var unread notifyUsecase.UnreadCache
	if s.redis != nil {
		s.relay = gateway.NewRedis(s.redis, cfg.PubSubChannel, s.hub, logger)
		bus = s.relay
		unread = cache.NewUnreadCounter(s.redis, cfg.UnreadCacheTTL)
	}

	// ----- Repositories and services -----
	notifyRepo := postgres.NewNotificationRepository(pool)
	actionRepo := postgres.NewActionRepository(sqlDB)
	notifService := notifyUsecase.NewNotificationService(notifyRepo, actionRepo, unread, bus, logger)

	// ----- HTTP -----
	s.limiter = middleware.NewRateLimiter(cfg.IngestRPS, cfg.IngestBurst)
	r := newEngine(logger, cfg.CORSOrigins)
	SetupBackendRouter(r, &BackendHandlers{
		Notif:          notifyH.NewNotificationHandler(notifService),
		WS:             wsHandler.NewWebSocketHandler(s.hub, logger),
		AuthMiddleware: authMiddleware,
		IngestLimiter:  s.limiter,
	})
	s.server = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// jwtAuthenticator verifies push connections. revocations may be nil.
func jwtAuthenticator(v *jwt.Verifier, revocations middleware.RevocationChecker) websocket.Authenticator {
	return websocket.AuthenticatorFunc(func(ctx context.Context, token string) (*websocket.ClientAuth, error) {
		claims, err := v.Verify(token)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", websocket.ErrInvalidToken, err)
		}
		if revocations != nil && claims.ID != "" {
			revoked, err := revocations.IsRevoked(ctx, claims.ID)
			if err != nil {
				return nil, err
			}
			if revoked {
				return nil, fmt.Errorf("%w: token has been revoked", websocket.ErrUnauthorized)
			}
		}
		return &websocket.ClientAuth{
			UserID:    claims.Identity(),
			SessionID: claims.ID,
			Roles:     claims.Roles,
		}, nil
	})
}

// Run serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	bgCtx, stop := context.WithCancel(context.Background())
	defer stop()

	go s.hub.Run(bgCtx)
	if s.relay != nil {
		go func() {
			if err := s.relay.Run(bgCtx); err != nil {
				s.logger.Error("gateway relay stopped", zap.Error(err))
			}
		}()
	}
	go s.sweep(bgCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("backend listening", zap.String("addr", s.server.Addr))
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			runErr = fmt.Errorf("backend http server: %w", err)
		}
	}

	s.logger.Info("shutting down backend")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown", zap.Error(err))
	}
	s.Close()
	return runErr
}

func (s *Server) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.limiter.Sweep()
		}
	}
}

// Close releases the storage connections.
func (s *Server) Close() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn("redis close", zap.Error(err))
		}
	}
	if s.sqlDB != nil {
		_ = s.sqlDB.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
}
