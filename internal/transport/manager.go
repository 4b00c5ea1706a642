// Package transport keeps a push channel to the backend alive and falls back
// to polling while it is down.
package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	wstypes "smartfarm-notifier/internal/domain/websocket"
	"smartfarm-notifier/internal/scheduler"
)

const (
	DefaultConnectTimeout    = 10 * time.Second
	DefaultFallbackTimeout   = 5 * time.Second
	DefaultPollInterval      = 5 * time.Second
	DefaultReconnectAttempts = 5
	DefaultReconnectDelay    = time.Second
)

// Config holds the timing of the manager. Zero values take the defaults.
type Config struct {
	ConnectTimeout    time.Duration
	FallbackTimeout   time.Duration
	PollInterval      time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	DisablePolling    bool
}

func (c Config) withDefaults() Config {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.FallbackTimeout <= 0 {
		c.FallbackTimeout = DefaultFallbackTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.ReconnectAttempts < 0 {
		c.ReconnectAttempts = 0
	} else if c.ReconnectAttempts == 0 {
		c.ReconnectAttempts = DefaultReconnectAttempts
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = DefaultReconnectDelay
	}
	return c
}

// effects collects work that must run after the manager lock is released.
type effects struct {
	changes []StateChange
	close   bool
	open    *listener
}

// Manager owns the push channel and the polling fallback. Consumers read
// Events and never see channel errors.
type Manager struct {
	cfg     Config
	channel Channel
	fetcher Fetcher
	sched   scheduler.Scheduler
	logger  *zap.Logger

	mu    sync.Mutex
	state State
	since time.Time

	// session changes on every Connect and Disconnect so timers armed by an
	// earlier session do nothing.
	session uint64
	// attempt identifies the current channel attempt; callbacks carrying
	// another value are stale.
	attempt    uint64
	attempting bool
	retries    int
	exhausted  bool

	cancelFallback scheduler.CancelFunc
	cancelConnect  scheduler.CancelFunc
	cancelRetry    scheduler.CancelFunc

	polling    bool
	pollGen    uint64
	pollTicks  int
	cancelPoll scheduler.CancelFunc

	observers []func(StateChange)

	ctx       context.Context
	cancelCtx context.CancelFunc
	events    *eventQueue
	closeOnce sync.Once
}

// NewManager creates a manager in the Disconnected state. fetcher may be nil,
// in which case poll ticks fetch nothing.
func NewManager(cfg Config, channel Channel, fetcher Fetcher, sched scheduler.Scheduler, logger *zap.Logger) *Manager {
	if sched == nil {
		sched = scheduler.Real{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:       cfg.withDefaults(),
		channel:   channel,
		fetcher:   fetcher,
		sched:     sched,
		logger:    logger.With(zap.String("component", "transport")),
		state:     Disconnected,
		since:     sched.Now(),
		ctx:       ctx,
		cancelCtx: cancel,
		events:    newEventQueue(),
	}
}

// Events returns the ordered stream of inbound events from both the push
// channel and polling. It is closed by Close.
func (m *Manager) Events() <-chan Event {
	return m.events.out
}

// OnStateChange registers fn to be called after every state transition.
// Observers run outside the manager lock and must not block.
func (m *Manager) OnStateChange(fn func(StateChange)) {
	m.mu.Lock()
	m.observers = append(m.observers, fn)
	m.mu.Unlock()
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Status{
		State:             m.state,
		StateName:         m.state.String(),
		Since:             m.since,
		Polling:           m.polling,
		PollTicks:         m.pollTicks,
		ReconnectAttempts: m.retries,
		RetriesExhausted:  m.exhausted,
	}
}

// Connect starts the push channel. It is a no-op unless the manager is
// Disconnected.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.state != Disconnected || m.ctx.Err() != nil {
		m.mu.Unlock()
		return
	}

	var fx effects
	m.session++
	m.retries = 0
	m.exhausted = false
	m.setStateLocked(Connecting, &fx)

	session := m.session
	m.cancelFallback = m.sched.After(m.cfg.FallbackTimeout, func() { m.onFallbackTimeout(session) })
	m.beginAttemptLocked(&fx)
	m.mu.Unlock()

	m.logger.Info("connecting push channel")
	m.apply(fx)
}

// Disconnect stops the channel, polling and pending reconnection. It is
// idempotent.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	if m.state == Disconnected {
		m.mu.Unlock()
		return
	}

	var fx effects
	m.session++
	m.attempt++
	m.attempting = false
	m.cancelTimersLocked()
	m.stopPollingLocked()
	m.setStateLocked(Disconnected, &fx)
	fx.close = true
	m.mu.Unlock()

	m.logger.Info("push channel disconnected by request")
	m.apply(fx)
}

// Close disconnects and ends the event stream.
func (m *Manager) Close() {
	m.Disconnect()
	m.closeOnce.Do(func() {
		m.cancelCtx()
		m.events.abandon()
	})
}

// beginAttemptLocked opens a new channel attempt and arms its connect timeout.
func (m *Manager) beginAttemptLocked(fx *effects) {
	m.attempt++
	m.attempting = true
	scheduler.Cancel(m.cancelConnect)

	session, attempt := m.session, m.attempt
	m.cancelConnect = m.sched.After(m.cfg.ConnectTimeout, func() { m.onConnectTimeout(session, attempt) })
	fx.open = &listener{m: m, attempt: attempt}
}

func (m *Manager) onFallbackTimeout(session uint64) {
	m.mu.Lock()
	if session != m.session {
		m.mu.Unlock()
		return
	}
	m.cancelFallback = nil

	var fx effects
	if m.state == Connecting {
		m.logger.Warn("push channel not connected in time, activating polling fallback",
			zap.Duration("after", m.cfg.FallbackTimeout),
		)
		m.enterDegradedLocked(&fx)
	}
	m.mu.Unlock()
	m.apply(fx)
}

func (m *Manager) onConnectTimeout(session, attempt uint64) {
	m.mu.Lock()
	if session != m.session || attempt != m.attempt || !m.attempting {
		m.mu.Unlock()
		return
	}
	m.cancelConnect = nil

	var fx effects
	m.logger.Warn("push channel connect timeout", zap.Duration("timeout", m.cfg.ConnectTimeout))
	m.attempt++
	m.attempting = false
	fx.close = true
	if m.state != Degraded {
		m.enterDegradedLocked(&fx)
	}
	m.scheduleRetryLocked()
	m.mu.Unlock()
	m.apply(fx)
}

func (m *Manager) handleConnect(attempt uint64) {
	m.mu.Lock()
	if attempt != m.attempt || m.state == Disconnected {
		m.mu.Unlock()
		return
	}

	var fx effects
	m.attempting = false
	m.retries = 0
	m.exhausted = false
	m.cancelTimersLocked()
	m.stopPollingLocked()
	m.setStateLocked(Connected, &fx)
	m.mu.Unlock()

	m.logger.Info("push channel connected")
	m.apply(fx)
}

func (m *Manager) handleDisconnect(attempt uint64, reason string) {
	m.handleFailure(attempt, "push channel disconnected", zap.String("reason", reason))
}

func (m *Manager) handleError(attempt uint64, err error) {
	m.handleFailure(attempt, "push channel error", zap.Error(err))
}

func (m *Manager) handleFailure(attempt uint64, msg string, field zap.Field) {
	m.mu.Lock()
	if attempt != m.attempt || m.state == Disconnected {
		m.mu.Unlock()
		return
	}

	var fx effects
	m.logger.Warn(msg, field, zap.String("state", m.state.String()))
	m.attempting = false
	scheduler.Cancel(m.cancelConnect)
	m.cancelConnect = nil
	if m.state != Degraded {
		m.enterDegradedLocked(&fx)
	}
	m.scheduleRetryLocked()
	m.mu.Unlock()
	m.apply(fx)
}

func (m *Manager) handleMessage(attempt uint64, eventType wstypes.EventType, payload json.RawMessage) {
	m.mu.Lock()
	current := attempt == m.attempt && m.state != Disconnected
	m.mu.Unlock()
	if !current {
		return
	}

	m.events.push(Event{
		Type:       eventType,
		Payload:    payload,
		Origin:     OriginPush,
		ReceivedAt: m.sched.Now(),
	})
}

func (m *Manager) enterDegradedLocked(fx *effects) {
	scheduler.Cancel(m.cancelFallback)
	m.cancelFallback = nil
	m.setStateLocked(Degraded, fx)
	m.startPollingLocked()
}

// scheduleRetryLocked queues the next reconnection attempt unless one is
// pending, in flight, or the attempt budget is spent.
func (m *Manager) scheduleRetryLocked() {
	if m.attempting || m.cancelRetry != nil || m.state != Degraded {
		return
	}
	if m.retries >= m.cfg.ReconnectAttempts {
		if !m.exhausted {
			m.exhausted = true
			m.logger.Error("push channel reconnection attempts exhausted, staying on polling",
				zap.Int("attempts", m.retries),
			)
		}
		return
	}

	m.retries++
	session := m.session
	m.cancelRetry = m.sched.After(m.cfg.ReconnectDelay, func() { m.onRetry(session) })
}

func (m *Manager) onRetry(session uint64) {
	m.mu.Lock()
	if session != m.session {
		m.mu.Unlock()
		return
	}
	m.cancelRetry = nil
	if m.state != Degraded || m.attempting {
		m.mu.Unlock()
		return
	}

	var fx effects
	m.logger.Info("reconnecting push channel",
		zap.Int("attempt", m.retries),
		zap.Int("max_attempts", m.cfg.ReconnectAttempts),
	)
	m.beginAttemptLocked(&fx)
	m.mu.Unlock()
	m.apply(fx)
}

func (m *Manager) startPollingLocked() {
	if m.polling || m.cfg.DisablePolling {
		return
	}
	m.polling = true
	m.pollGen++
	m.logger.Info("polling started", zap.Duration("interval", m.cfg.PollInterval))
	m.schedulePollLocked(m.pollGen)
}

func (m *Manager) stopPollingLocked() {
	if !m.polling {
		return
	}
	m.polling = false
	m.pollGen++
	scheduler.Cancel(m.cancelPoll)
	m.cancelPoll = nil
	m.logger.Info("polling stopped")
}

func (m *Manager) schedulePollLocked(gen uint64) {
	m.cancelPoll = m.sched.After(m.cfg.PollInterval, func() { m.pollTick(gen) })
}

func (m *Manager) pollTick(gen uint64) {
	m.mu.Lock()
	if !m.polling || gen != m.pollGen {
		m.mu.Unlock()
		return
	}
	m.pollTicks++
	m.mu.Unlock()

	m.poll()

	m.mu.Lock()
	if m.polling && gen == m.pollGen {
		m.schedulePollLocked(gen)
	}
	m.mu.Unlock()
}

func (m *Manager) poll() {
	if m.fetcher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.PollInterval)
	defer cancel()

	records, err := m.fetcher.FetchMissed(ctx)
	if err != nil {
		m.logger.Warn("poll fetch failed", zap.Error(err))
		return
	}

	now := m.sched.Now()
	for _, rec := range records {
		payload, err := json.Marshal(rec)
		if err != nil {
			m.logger.Warn("dropping unencodable polled record", zap.String("id", rec.ID), zap.Error(err))
			continue
		}
		m.events.push(Event{
			Type:       wstypes.EventTypeNotificationCreated,
			Payload:    payload,
			Origin:     OriginPoll,
			ReceivedAt: now,
		})
	}
	if len(records) > 0 {
		m.logger.Debug("polled missed notifications", zap.Int("count", len(records)))
	}
}

func (m *Manager) cancelTimersLocked() {
	scheduler.Cancel(m.cancelFallback)
	scheduler.Cancel(m.cancelConnect)
	scheduler.Cancel(m.cancelRetry)
	m.cancelFallback = nil
	m.cancelConnect = nil
	m.cancelRetry = nil
}

func (m *Manager) setStateLocked(to State, fx *effects) {
	if m.state == to {
		return
	}
	change := StateChange{From: m.state, To: to, At: m.sched.Now()}
	m.state = to
	m.since = change.At
	fx.changes = append(fx.changes, change)
}

func (m *Manager) apply(fx effects) {
	if fx.close && m.channel != nil {
		if err := m.channel.Close(); err != nil {
			m.logger.Debug("closing push channel", zap.Error(err))
		}
	}

	if len(fx.changes) > 0 {
		m.mu.Lock()
		observers := append([]func(StateChange){}, m.observers...)
		m.mu.Unlock()
		for _, change := range fx.changes {
			m.logger.Info("transport state changed",
				zap.String("from", change.From.String()),
				zap.String("to", change.To.String()),
			)
			for _, fn := range observers {
				fn(change)
			}
		}
	}

	if fx.open != nil && m.channel != nil {
		m.channel.Open(fx.open)
	}
}

// listener binds channel callbacks to one attempt.
type listener struct {
	m       *Manager
	attempt uint64
}

func (l *listener) OnConnect()                 { l.m.handleConnect(l.attempt) }
func (l *listener) OnDisconnect(reason string) { l.m.handleDisconnect(l.attempt, reason) }
func (l *listener) OnError(err error)          { l.m.handleError(l.attempt, err) }

func (l *listener) OnMessage(eventType wstypes.EventType, payload json.RawMessage) {
	l.m.handleMessage(l.attempt, eventType, payload)
}
