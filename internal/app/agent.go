// internal/app/agent.go
package app

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"smartfarm-notifier/internal/alerts"
	"smartfarm-notifier/internal/client"
	"smartfarm-notifier/internal/config"
	wstypes "smartfarm-notifier/internal/domain/websocket"
	inboxHandler "smartfarm-notifier/internal/handlers/inbox"
	wsHandler "smartfarm-notifier/internal/handlers/websocket"
	"smartfarm-notifier/internal/middleware"
	"smartfarm-notifier/internal/notifier"
	"smartfarm-notifier/internal/pkg/jwt"
	"smartfarm-notifier/internal/reconcile"
	"smartfarm-notifier/internal/scheduler"
	"smartfarm-notifier/internal/store"
	"smartfarm-notifier/internal/suppression"
	"smartfarm-notifier/internal/transport"
	"smartfarm-notifier/internal/websocket"
	wsHandlers "smartfarm-notifier/internal/websocket/handler"

	"go.uber.org/zap"
)

const (
	shutdownTimeout = 5 * time.Second
	sweepInterval   = time.Minute
)

// Agent runs the notification engine next to a dashboard.
type Agent struct {
	cfg     config.AgentConfig
	logger  *zap.Logger
	svc     *notifier.Service
	manager *transport.Manager
	hub     *websocket.Hub
	actions *alerts.ActionWatcher
	limiter *middleware.RateLimiter
	server  *http.Server
}

func NewAgent(cfg config.AgentConfig, logger *zap.Logger) (*Agent, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	prefs, err := config.LoadPreferences(cfg.PreferencesFile, cfg.DefaultPreferences())
	if err != nil {
		return nil, err
	}

	userID := ""
	if cfg.AuthToken != "" {
		userID, err = jwt.UserIDFromToken(cfg.AuthToken)
		if err != nil {
			logger.Warn("auth token carries no user id, accepting pushes for any user", zap.Error(err))
		}
	}

	sched := scheduler.Real{}
	token := client.StaticToken(cfg.AuthToken)

	// ----- Backend access -----
	api := client.New(cfg.BackendURL, token,
		client.WithLogger(logger),
		client.WithPollLimit(cfg.PollLimit),
	)
	channel := websocket.NewChannel(websocket.ChannelConfig{
		URL:              cfg.PushURL,
		Token:            token,
		HandshakeTimeout: cfg.ConnectTimeout,
	}, logger)
	manager := transport.NewManager(transport.Config{
		ConnectTimeout:    cfg.ConnectTimeout,
		FallbackTimeout:   cfg.FallbackTimeout,
		PollInterval:      cfg.PollInterval,
		ReconnectAttempts: cfg.ReconnectAttempts,
		ReconnectDelay:    cfg.ReconnectDelay,
		DisablePolling:    !cfg.PollingEnabled,
	}, channel, api, sched, logger)

	// ----- Engine -----
	st := store.New(cfg.StoreCapacity)
	rec := reconcile.New(st, api, reconcile.Config{PageSize: cfg.PageSize}, logger)
	engine := suppression.New(prefs, suppression.WithLocation(loc))

	svcCfg := notifier.Config{UserID: userID}
	if cfg.AutoRefreshEnabled {
		svcCfg.AutoRefreshInterval = cfg.AutoRefreshInterval
	}
	if path := cfg.PreferencesFile; path != "" {
		svcCfg.SavePreferences = func(p suppression.Preferences) error {
			return config.SavePreferences(path, p)
		}
	}
	svc := notifier.New(svcCfg, manager, engine, st, rec, sched, logger)

	// ----- Watchers -----
	devices := alerts.NewDeviceWatcher(svc, logger)
	svc.HandleInbound(wstypes.EventTypeDeviceStatus, devices.HandleEvent)

	var actions *alerts.ActionWatcher
	if cfg.ActionWatchEnabled {
		actions = alerts.NewActionWatcher(alerts.ActionWatcherConfig{
			Interval: cfg.ActionWatchInterval,
			Limit:    cfg.ActionWatchLimit,
		}, api, svc, sched, logger)
	}

	// ----- Dashboard gateway -----
	hubOpts := []websocket.HubOption{
		websocket.WithDefaultChannels(
			wstypes.ChannelNotifications,
			wstypes.ChannelActions,
			wstypes.ChannelDevices,
			wstypes.ChannelSystem,
		),
		websocket.WithOnConnect(func(c *websocket.Client) {
			c.SendMessage(wstypes.NewMessage(wstypes.EventTypeNotificationCount, notifier.UnreadCount{Count: svc.UnreadCount()}))
		}),
	}
	if cfg.DashboardToken != "" {
		hubOpts = append(hubOpts, websocket.WithAuthenticator(dashboardAuthenticator(cfg.DashboardToken)))
	}
	hub := websocket.NewHub(logger, hubOpts...)
	hub.RegisterHandler(wsHandlers.NewNotificationHandler(svc))
	svc.Subscribe(func(ev notifier.Event) {
		hub.Publish(ev.Type, ev.Data)
	})

	// ----- HTTP -----
	limiter := middleware.NewRateLimiter(cfg.NotifyRPS, cfg.NotifyBurst)
	r := newEngine(logger, cfg.CORSOrigins)
	SetupAgentRouter(r, &AgentHandlers{
		Inbox:          inboxHandler.NewInboxHandler(svc),
		WS:             wsHandler.NewWebSocketHandler(hub, logger),
		DashboardToken: cfg.DashboardToken,
		NotifyLimiter:  limiter,
	})

	return &Agent{
		cfg:     cfg,
		logger:  logger,
		svc:     svc,
		manager: manager,
		hub:     hub,
		actions: actions,
		limiter: limiter,
		server: &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func dashboardAuthenticator(token string) websocket.Authenticator {
	return websocket.AuthenticatorFunc(func(ctx context.Context, presented string) (*websocket.ClientAuth, error) {
		if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) != 1 {
			return nil, websocket.ErrUnauthorized
		}
		return &websocket.ClientAuth{UserID: "dashboard"}, nil
	})
}

// Run serves until ctx is done, then shuts everything down.
func (a *Agent) Run(ctx context.Context) error {
	hubCtx, stopHub := context.WithCancel(context.Background())
	defer stopHub()
	go a.hub.Run(hubCtx)

	if err := a.svc.Start(ctx); err != nil {
		a.logger.Warn("initial load failed, will retry on refresh", zap.Error(err))
	}
	if a.actions != nil {
		a.actions.Start()
	}
	go a.sweep(hubCtx)

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("agent listening", zap.String("addr", a.server.Addr))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			runErr = fmt.Errorf("agent http server: %w", err)
		}
	}

	a.logger.Info("shutting down agent")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("http shutdown", zap.Error(err))
	}
	if a.actions != nil {
		a.actions.Stop()
	}
	a.svc.Stop()
	a.manager.Close()
	return runErr
}

func (a *Agent) sweep(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.limiter.Sweep(); n > 0 {
				a.logger.Debug("rate limiter swept", zap.Int("visitors", n))
			}
		}
	}
}
