// Package feed owns the live change-feed subscriptions. One Manager exists
// per (table, tenant) pair; it keeps an ordered in-memory view of the rows it
// has seen, reconnects with exponential backoff when the subscription drops,
// and records every received event for diagnostics.
package feed

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ticketwell/helpdesk/backend/internal/metrics"
	"github.com/ticketwell/helpdesk/backend/internal/store"
	"go.uber.org/zap"
)

// Status enumerates the connection states of one subscription.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusClosed       Status = "closed"
	StatusError        Status = "error"
)

const (
	defaultMaxAttempts  = 5
	defaultInitialDelay = time.Second
	defaultRingCapacity = 16
)

var (
	errMissingConnect = errors.New("feed: connect function is required")
	errFeedDropped    = errors.New("feed: subscription dropped")
)

// ConnectFunc establishes one subscription attempt. It returns the event
// stream and a stop function that tears the subscription down. Closing the
// returned channel signals a dropped connection.
type ConnectFunc func(ctx context.Context) (<-chan store.Event, func(), error)

// StoreConnector adapts the store's in-process change feed to a ConnectFunc.
func StoreConnector(f *store.Feed, key store.SubscriptionKey) ConnectFunc {
	return func(ctx context.Context) (<-chan store.Event, func(), error) {
		events, cleanup := f.Subscribe(ctx, key)
		return events, cleanup, nil
	}
}

// ConnectionState is the externally observable state of one subscription.
// Connection failures are never surfaced as errors to consumers; this
// snapshot is the only way they become visible.
type ConnectionState struct {
	Status            Status
	ReconnectAttempts int
	LastError         error
}

// ManagerConfig describes one subscription.
type ManagerConfig struct {
	Key          store.SubscriptionKey
	Connect      ConnectFunc
	MaxAttempts  int
	InitialDelay time.Duration
	RingCapacity int
	// OnEvent, when set, is invoked for every applied event after the
	// in-memory view has been updated. The cache mirror hangs off this hook.
	OnEvent func(store.Event)
	Logger  *zap.Logger
	Clock   func() time.Time
}

// Manager drives the subscription state machine for one (table, tenant) key.
type Manager struct {
	cfg ManagerConfig

	mu             sync.Mutex
	status         Status
	attempts       int
	lastErr        error
	generation     int
	cancelConn     context.CancelFunc
	stopConn       func()
	reconnectTimer *time.Timer
	closed         bool

	view []store.Record
	ring *eventRing
}

// NewManager constructs a manager in the disconnected state. Call Request to
// open the subscription.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Connect == nil {
		return nil, errMissingConnect
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = defaultInitialDelay
	}
	if cfg.RingCapacity <= 0 {
		cfg.RingCapacity = defaultRingCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Manager{
		cfg:    cfg,
		status: StatusDisconnected,
		ring:   newEventRing(cfg.RingCapacity),
	}, nil
}

// Key returns the subscription key this manager owns.
func (m *Manager) Key() store.SubscriptionKey {
	return m.cfg.Key
}

// Request opens the subscription. Calling it again after a terminal error
// resets the attempt count and starts over.
func (m *Manager) Request() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.attempts = 0
	m.lastErr = nil
	m.stopReconnectTimerLocked()
	m.dropConnectionLocked()
	m.connectLocked()
}

// Close tears the subscription down: the active connection is stopped and any
// pending reconnect timer is cancelled. The manager cannot be reused.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.closed = true
	m.generation++
	m.status = StatusClosed
	m.stopReconnectTimerLocked()
	m.dropConnectionLocked()
}

// State returns a snapshot of the connection state.
func (m *Manager) State() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ConnectionState{
		Status:            m.status,
		ReconnectAttempts: m.attempts,
		LastError:         m.lastErr,
	}
}

// Snapshot returns a copy of the in-memory view, most recent first.
func (m *Manager) Snapshot() []store.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]store.Record, len(m.view))
	copy(out, m.view)
	return out
}

// Diagnostics returns the recorded events, oldest first.
func (m *Manager) Diagnostics() []store.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ring.items()
}

func (m *Manager) connectLocked() {
	m.status = StatusConnecting
	m.generation++
	go m.dial(m.generation)
}

func (m *Manager) dial(generation int) {
	ctx, cancel := context.WithCancel(context.Background())
	events, stop, err := m.cfg.Connect(ctx)

	m.mu.Lock()
	if m.closed || generation != m.generation {
		m.mu.Unlock()
		cancel()
		if stop != nil {
			stop()
		}
		return
	}
	if err != nil {
		cancel()
		if stop != nil {
			stop()
		}
		m.scheduleReconnectLocked(err)
		m.mu.Unlock()
		return
	}

	m.status = StatusConnected
	m.attempts = 0
	m.lastErr = nil
	m.stopReconnectTimerLocked()
	m.cancelConn = cancel
	m.stopConn = stop
	m.mu.Unlock()

	m.cfg.Logger.Info("change feed connected",
		zap.String("table", m.cfg.Key.Table),
		zap.String("tenant_id", m.cfg.Key.TenantID))

	go m.consume(ctx, generation, events)
}

func (m *Manager) consume(ctx context.Context, generation int, events <-chan store.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				m.mu.Lock()
				if m.closed || generation != m.generation {
					m.mu.Unlock()
					return
				}
				m.dropConnectionLocked()
				m.scheduleReconnectLocked(errFeedDropped)
				m.mu.Unlock()
				return
			}
			m.apply(generation, event)
		}
	}
}

func (m *Manager) apply(generation int, event store.Event) {
	m.mu.Lock()
	if m.closed || generation != m.generation {
		m.mu.Unlock()
		return
	}

	// Every received event is recorded, applied or not.
	m.ring.push(event)

	switch event.Type {
	case store.EventInsert:
		if event.New != nil {
			m.view = append([]store.Record{*event.New}, m.view...)
		}
	case store.EventUpdate:
		if event.New != nil {
			for i := range m.view {
				if m.view[i].ID == event.New.ID {
					m.view[i] = *event.New
					break
				}
			}
		}
	case store.EventDelete:
		if event.Old != nil {
			for i := range m.view {
				if m.view[i].ID == event.Old.ID {
					m.view = append(m.view[:i], m.view[i+1:]...)
					break
				}
			}
		}
	}
	sink := m.cfg.OnEvent
	m.mu.Unlock()

	metrics.FeedEventsCounter.WithLabelValues(string(event.Type)).Inc()
	if sink != nil {
		sink(event)
	}
}

func (m *Manager) scheduleReconnectLocked(cause error) {
	m.lastErr = cause
	m.attempts++
	if m.attempts > m.cfg.MaxAttempts {
		m.status = StatusError
		m.cfg.Logger.Error("change feed gave up reconnecting",
			zap.String("table", m.cfg.Key.Table),
			zap.String("tenant_id", m.cfg.Key.TenantID),
			zap.Int("attempts", m.attempts-1),
			zap.Error(cause))
		return
	}

	m.status = StatusReconnecting
	delay := backoffDelay(m.cfg.InitialDelay, m.attempts)
	m.cfg.Logger.Warn("change feed reconnect scheduled",
		zap.String("table", m.cfg.Key.Table),
		zap.String("tenant_id", m.cfg.Key.TenantID),
		zap.Int("attempt", m.attempts),
		zap.Duration("delay", delay),
		zap.Error(cause))
	metrics.FeedReconnectsCounter.Inc()

	generation := m.generation
	m.reconnectTimer = time.AfterFunc(delay, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.closed || generation != m.generation || m.status != StatusReconnecting {
			return
		}
		m.connectLocked()
	})
}

func (m *Manager) stopReconnectTimerLocked() {
	if m.reconnectTimer != nil {
		m.reconnectTimer.Stop()
		m.reconnectTimer = nil
	}
}

func (m *Manager) dropConnectionLocked() {
	if m.cancelConn != nil {
		m.cancelConn()
		m.cancelConn = nil
	}
	if m.stopConn != nil {
		m.stopConn()
		m.stopConn = nil
	}
}

// backoffDelay reports the wait before reconnect attempt k (1-based):
// initial * 2^(k-1).
func backoffDelay(initial time.Duration, attempt int) time.Duration {
	delay := initial
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}
