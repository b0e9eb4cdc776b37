// Package connectivity tracks whether the remote service is reachable.
//
// The Monitor is the single source of truth for online/offline. It learns the
// state either by polling a Prober or from pushed reports (Report), and tells
// subscribers only about actual transitions.
package connectivity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kimhsiao/offlinesync/internal/logging"
)

// State is one observation of reachability.
type State struct {
	Connected bool                   `json:"connected"`
	Details   map[string]interface{} `json:"details,omitempty"`
	CheckedAt time.Time              `json:"checked_at"`
}

// Prober performs one active reachability check.
type Prober interface {
	Probe(ctx context.Context) (State, error)
}

// ProberFunc adapts a function to Prober.
type ProberFunc func(ctx context.Context) (State, error)

// Probe calls f.
func (f ProberFunc) Probe(ctx context.Context) (State, error) {
	return f(ctx)
}

// Listener receives the new connected flag on a transition.
type Listener func(connected bool)

// DefaultInterval is the polling period when none is configured.
const DefaultInterval = 5 * time.Second

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval sets the polling period.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// Monitor observes connectivity and fans transitions out to listeners.
//
// The state starts unknown, which IsConnected reports as offline. The first
// observation always counts as a transition.
type Monitor struct {
	prober   Prober
	interval time.Duration
	logger   *logging.Logger

	mu        sync.RWMutex
	known     bool
	state     State
	listeners map[int]Listener
	nextID    int

	// dispatchMu keeps listener calls in observation order.
	// Listeners must not call Report or CurrentState synchronously.
	dispatchMu sync.Mutex

	runMu   sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewMonitor creates a Monitor. A nil prober makes it push-only.
func NewMonitor(prober Prober, opts ...Option) *Monitor {
	m := &Monitor{
		prober:    prober,
		interval:  DefaultInterval,
		logger:    logging.Get(),
		listeners: make(map[int]Listener),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.Named("connectivity")
	return m
}

// IsConnected returns the last known state without probing.
func (m *Monitor) IsConnected() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.known && m.state.Connected
}

// LastState returns the last observation and whether there has been one.
func (m *Monitor) LastState() (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, m.known
}

// CurrentState forces a fresh probe and records the result. A failing probe
// counts as disconnected. Push-only monitors return the last known state.
func (m *Monitor) CurrentState(ctx context.Context) State {
	if m.prober == nil {
		s, _ := m.LastState()
		return s
	}

	state, err := m.prober.Probe(ctx)
	if err != nil {
		state = State{
			Connected: false,
			Details:   map[string]interface{}{"error": err.Error()},
		}
	}
	if state.CheckedAt.IsZero() {
		state.CheckedAt = time.Now()
	}
	m.observe(state)
	return state
}

// Report records a pushed observation, e.g. from a platform reachability callback.
func (m *Monitor) Report(connected bool, details map[string]interface{}) {
	m.observe(State{Connected: connected, Details: details, CheckedAt: time.Now()})
}

// Subscribe registers a listener and returns its unsubscribe function.
// Calling the returned function more than once is harmless.
func (m *Monitor) Subscribe(l Listener) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = l
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.listeners, id)
			m.mu.Unlock()
		})
	}
}

// observe stores state and notifies listeners if the connected flag changed.
func (m *Monitor) observe(state State) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	m.mu.Lock()
	changed := !m.known || m.state.Connected != state.Connected
	was := m.known && m.state.Connected
	m.known = true
	m.state = state
	var listeners []Listener
	if changed {
		listeners = make([]Listener, 0, len(m.listeners))
		for _, l := range m.listeners {
			listeners = append(listeners, l)
		}
	}
	m.mu.Unlock()

	if !changed {
		return
	}

	m.logger.Info("Connectivity changed", map[string]interface{}{
		"was_online": was,
		"is_online":  state.Connected,
	})
	for _, l := range listeners {
		m.notify(l, state.Connected)
	}
}

func (m *Monitor) notify(l Listener, connected bool) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Connectivity listener panicked", fmt.Errorf("%v", r), nil)
		}
	}()
	l(connected)
}

// Start begins polling the prober. Calling Start on a running monitor does nothing.
// Push-only monitors have nothing to poll and only mark themselves running.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})

	if m.prober == nil {
		return
	}

	m.wg.Add(1)
	go m.pollLoop(ctx, m.stopCh)

	m.logger.Info("Connectivity monitoring started", map[string]interface{}{
		"interval_ms": m.interval.Milliseconds(),
	})
}

// Stop ends polling and waits for the poll goroutine. Safe to call repeatedly.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	if !m.running {
		m.runMu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.runMu.Unlock()

	m.wg.Wait()
	m.logger.Info("Connectivity monitoring stopped", nil)
}

// IsRunning reports whether Start has been called without a matching Stop.
func (m *Monitor) IsRunning() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.running
}

func (m *Monitor) pollLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer m.wg.Done()

	m.CurrentState(ctx)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.CurrentState(ctx)
		}
	}
}
