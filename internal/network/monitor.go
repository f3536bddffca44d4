// Package network tracks backend reachability and app foreground state and
// turns their transitions into sync requests.
package network

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/syncore/internal/clock"
	"github.com/kimhsiao/syncore/internal/logging"
	"github.com/kimhsiao/syncore/internal/telemetry"
)

// Reasons passed to the trigger.
const (
	ReasonReconnect  = "reconnect"
	ReasonForeground = "foreground"
)

// PendingCounter reports how many queued actions are waiting.
type PendingCounter interface {
	PendingCount(ctx context.Context) (int, error)
}

// Config tunes the monitor.
type Config struct {
	// ReconnectDebounce is how long the connection must stay up before a
	// reconnect requests a cycle.
	ReconnectDebounce time.Duration
	// InitialOnline is the state before the first report.
	InitialOnline bool
	Clock         clock.Clock
	Metrics       *telemetry.Metrics
}

// Monitor holds the online and foreground flags. Platform callbacks or the
// Prober feed it; the sync engine reads it.
type Monitor struct {
	pending  PendingCounter
	clock    clock.Clock
	debounce time.Duration
	metrics  *telemetry.Metrics

	mu             sync.Mutex
	online         bool
	foreground     bool
	trigger        func(reason string)
	reconnectTimer clock.Timer
	nextID         int
	subscribers    map[int]func(online bool)
}

// NewMonitor creates a Monitor. The app starts in the foreground.
func NewMonitor(pending PendingCounter, cfg Config) *Monitor {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.ReconnectDebounce < 0 {
		cfg.ReconnectDebounce = 0
	}
	m := &Monitor{
		pending:     pending,
		clock:       cfg.Clock,
		debounce:    cfg.ReconnectDebounce,
		metrics:     cfg.Metrics,
		online:      cfg.InitialOnline,
		foreground:  true,
		subscribers: make(map[int]func(bool)),
	}
	m.metrics.SetOnline(m.online)
	return m
}

// SetTrigger installs the function used to request a cycle.
func (m *Monitor) SetTrigger(fn func(reason string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trigger = fn
}

// IsOnline reports whether the backend is believed reachable.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// IsForeground reports whether the app is in the foreground.
func (m *Monitor) IsForeground() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.foreground
}

// SetOnline records a connectivity report. A false to true transition
// requests a cycle once the connection has stayed up for the debounce
// window; going offline again cancels the request.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	if online {
		m.reconnectTimer = m.clock.AfterFunc(m.debounce, m.reconnected)
	}
	subs := make([]func(bool), 0, len(m.subscribers))
	for _, fn := range m.subscribers {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	m.metrics.SetOnline(online)
	logging.Info("Network status changed", map[string]interface{}{"online": online})
	for _, fn := range subs {
		fn(online)
	}
}

func (m *Monitor) reconnected() {
	m.mu.Lock()
	m.reconnectTimer = nil
	fn := m.trigger
	online := m.online
	m.mu.Unlock()

	if online && fn != nil {
		logging.Debug("Connection stable, requesting sync", nil)
		fn(ReasonReconnect)
	}
}

// SetForeground records an app lifecycle change. Returning to the
// foreground while online with pending actions requests a cycle.
func (m *Monitor) SetForeground(ctx context.Context, foreground bool) error {
	m.mu.Lock()
	was := m.foreground
	m.foreground = foreground
	online := m.online
	fn := m.trigger
	m.mu.Unlock()

	if was == foreground {
		return nil
	}
	logging.Info("App state changed", map[string]interface{}{"foreground": foreground})
	if !foreground || !online || fn == nil || m.pending == nil {
		return nil
	}

	n, err := m.pending.PendingCount(ctx)
	if err != nil {
		return err
	}
	if n > 0 {
		fn(ReasonForeground)
	}
	return nil
}

// Subscribe registers fn for online transitions and returns a function
// that removes it.
func (m *Monitor) Subscribe(fn func(online bool)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.subscribers[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.subscribers, id)
	}
}

// Close cancels a pending reconnect request.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
	m.trigger = nil
}
