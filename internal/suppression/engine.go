// Package suppression decides whether a locally synthesized alert should be
// surfaced, applying quiet hours, level preferences and per-key cooldowns.
package suppression

import (
	"fmt"
	"sync"
	"time"

	"smartfarm-notifier/internal/domain/notification"
)

const DefaultCooldown = 15 * time.Minute

// QuietHours is a daily window [StartHour, EndHour) during which non-critical
// alerts are dropped. StartHour > EndHour wraps past midnight.
type QuietHours struct {
	Enabled   bool `json:"enabled"`
	StartHour int  `json:"startHour"`
	EndHour   int  `json:"endHour"`
}

// Contains reports whether hour falls inside the window.
func (q QuietHours) Contains(hour int) bool {
	if q.StartHour > q.EndHour {
		return hour >= q.StartHour || hour < q.EndHour
	}
	return hour >= q.StartHour && hour < q.EndHour
}

func (q QuietHours) Validate() error {
	if q.StartHour < 0 || q.StartHour > 23 || q.EndHour < 0 || q.EndHour > 23 {
		return fmt.Errorf("quiet hours must be within 0-23, got %d-%d", q.StartHour, q.EndHour)
	}
	return nil
}

// Preferences is a snapshot of the engine configuration.
type Preferences struct {
	Cooldown   time.Duration                `json:"cooldown"`
	QuietHours QuietHours                   `json:"quietHours"`
	Levels     map[notification.Level]bool  `json:"levels"`
	Sources    map[notification.Source]bool `json:"sources"`
}

// DefaultPreferences enables every level and source, quiet hours 22-6.
func DefaultPreferences() Preferences {
	p := Preferences{
		Cooldown:   DefaultCooldown,
		QuietHours: QuietHours{Enabled: true, StartHour: 22, EndHour: 6},
		Levels:     make(map[notification.Level]bool, len(notification.Levels)),
		Sources:    make(map[notification.Source]bool, len(notification.Sources)),
	}
	for _, l := range notification.Levels {
		p.Levels[l] = true
	}
	for _, s := range notification.Sources {
		p.Sources[s] = true
	}
	return p
}

func (p Preferences) clone() Preferences {
	out := p
	out.Levels = make(map[notification.Level]bool, len(p.Levels))
	for k, v := range p.Levels {
		out.Levels[k] = v
	}
	out.Sources = make(map[notification.Source]bool, len(p.Sources))
	for k, v := range p.Sources {
		out.Sources[k] = v
	}
	return out
}

type Option func(*Engine)

// WithLocation sets the time zone used to evaluate quiet hours.
func WithLocation(loc *time.Location) Option {
	return func(e *Engine) {
		if loc != nil {
			e.loc = loc
		}
	}
}

// Engine is safe for concurrent use.
type Engine struct {
	mu          sync.Mutex
	prefs       Preferences
	lastEmitted map[string]time.Time
	loc         *time.Location
}

func New(prefs Preferences, opts ...Option) *Engine {
	e := &Engine{
		prefs:       prefs.clone(),
		lastEmitted: make(map[string]time.Time),
		loc:         time.Local,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ShouldNotify is the suppression gate. It records now for key only when it
// returns true.
func (e *Engine) ShouldNotify(key string, level notification.Level, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.prefs.QuietHours.Enabled && level != notification.LevelCritical {
		if e.prefs.QuietHours.Contains(now.In(e.loc).Hour()) {
			return false
		}
	}

	if !e.prefs.Levels[level] {
		return false
	}

	if last, ok := e.lastEmitted[key]; ok && now.Sub(last) < e.prefs.Cooldown {
		return false
	}

	e.lastEmitted[key] = now
	return true
}

// IsSourceEnabled is true for an empty source or one not explicitly disabled.
func (e *Engine) IsSourceEnabled(source notification.Source) bool {
	if source == "" {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	enabled, ok := e.prefs.Sources[source]
	return !ok || enabled
}

// SetCooldown changes the cooldown window. Negative values clamp to zero.
func (e *Engine) SetCooldown(d time.Duration) {
	if d < 0 {
		d = 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prefs.Cooldown = d
}

func (e *Engine) SetQuietHours(q QuietHours) error {
	if err := q.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prefs.QuietHours = q
	return nil
}

func (e *Engine) SetLevelEnabled(level notification.Level, enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prefs.Levels[level] = enabled
}

func (e *Engine) SetSourceEnabled(source notification.Source, enabled bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prefs.Sources[source] = enabled
}

// Preferences returns a copy of the current configuration.
func (e *Engine) Preferences() Preferences {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.prefs.clone()
}

// LastEmitted returns when key last passed the gate.
func (e *Engine) LastEmitted(key string) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	t, ok := e.lastEmitted[key]
	return t, ok
}

// Apply replaces the whole configuration. Cooldown history is kept.
func (e *Engine) Apply(p Preferences) error {
	if err := p.QuietHours.Validate(); err != nil {
		return err
	}
	if p.Cooldown < 0 {
		p.Cooldown = 0
	}
	next := p.clone()

	e.mu.Lock()
	defer e.mu.Unlock()
	e.prefs = next
	return nil
}
