package connectivity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/Sternrassler/storefront-fetch/pkg/logging"
)

// Prometheus metrics for connectivity tracking.
var (
	networkOnline = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storefront_network_online",
		Help: "1 when the last connectivity event reported a usable network",
	})

	reconnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "storefront_reconnects_total",
		Help: "Total number of reconnect pulses raised",
	})

	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_network_transitions_total",
		Help: "Total number of connectivity phase transitions by target phase",
	}, []string{"to"})
)

// DefaultReconnectWindow is how long JustReconnected stays true.
const DefaultReconnectWindow = 3 * time.Second

// Source delivers connectivity events. The monitor subscribes once and calls
// the returned unsubscribe function on teardown.
type Source interface {
	Subscribe(ctx context.Context) (<-chan Status, func(), error)
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithReconnectWindow sets how long JustReconnected stays true after an
// offline→online transition. Further transitions inside the window do not
// raise another pulse.
func WithReconnectWindow(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.window = d
		}
	}
}

// WithLogger sets the monitor's logger.
func WithLogger(l zerolog.Logger) Option {
	return func(m *Monitor) {
		m.logger = l
	}
}

// WithNow sets the time source used for LastTransitionAt.
func WithNow(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// Monitor turns connectivity events into NetworkState and reconnect pulses.
// It never polls; events come from Observe, usually fed by Run.
type Monitor struct {
	mu     sync.Mutex
	state  NetworkState
	window time.Duration
	timer  *time.Timer
	pulse  uint64
	closed bool

	nextID      uint64
	onChange    map[uint64]func(NetworkState)
	onReconnect map[uint64]func()

	now    func() time.Time
	logger zerolog.Logger
}

// NewMonitor creates a monitor in the unknown phase.
func NewMonitor(opts ...Option) *Monitor {
	m := &Monitor{
		state:       NetworkState{Phase: PhaseUnknown},
		window:      DefaultReconnectWindow,
		onChange:    make(map[uint64]func(NetworkState)),
		onReconnect: make(map[uint64]func()),
		now:         time.Now,
		logger:      logging.NewLogger("connectivity"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Observe handles one connectivity event.
//
// An event that changes nothing is ignored. An offline→online edge sets
// JustReconnected, schedules its reset and fires the OnReconnect callbacks,
// unless a pulse is already active. The first event out of the unknown
// phase never pulses. Listeners run on the caller's goroutine, outside the
// monitor's lock.
func (m *Monitor) Observe(s Status) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}

	prev := m.state
	next := prev
	next.Status = s
	next.Phase = PhaseOf(s)

	if next == prev {
		m.mu.Unlock()
		return
	}

	if next.Phase != prev.Phase {
		next.LastTransitionAt = m.now()
	}

	reconnected := prev.Phase == PhaseOffline && next.Phase == PhaseOnline && !prev.JustReconnected
	if reconnected {
		next.JustReconnected = true
		m.pulse++
		pulse := m.pulse
		if m.timer != nil {
			m.timer.Stop()
		}
		m.timer = time.AfterFunc(m.window, func() { m.endPulse(pulse) })
	}

	m.state = next
	changeListeners := m.changeListenersLocked()
	var reconnectListeners []func()
	if reconnected {
		reconnectListeners = m.reconnectListenersLocked()
	}
	m.mu.Unlock()

	if next.Phase != prev.Phase {
		m.recordTransition(prev, next)
	}
	if reconnected {
		reconnectsTotal.Inc()
		m.logger.Info().
			Dur("window", m.window).
			Msg("Network reconnected")
	}

	for _, fn := range changeListeners {
		fn(next)
	}
	for _, fn := range reconnectListeners {
		fn()
	}
}

func (m *Monitor) recordTransition(prev, next NetworkState) {
	transitionsTotal.WithLabelValues(string(next.Phase)).Inc()
	if next.Phase == PhaseOnline {
		networkOnline.Set(1)
	} else {
		networkOnline.Set(0)
	}

	m.logger.Info().
		Str("from", string(prev.Phase)).
		Str("to", string(next.Phase)).
		Bool("is_connected", next.IsConnected).
		Str("internet_reachable", next.InternetReachable.String()).
		Msg("Connectivity changed")
}

// endPulse resets JustReconnected if pulse is still the active one.
func (m *Monitor) endPulse(pulse uint64) {
	m.mu.Lock()
	if m.closed || m.pulse != pulse || !m.state.JustReconnected {
		m.mu.Unlock()
		return
	}
	m.state.JustReconnected = false
	m.timer = nil
	state := m.state
	listeners := m.changeListenersLocked()
	m.mu.Unlock()

	m.logger.Debug().Msg("Reconnect window elapsed")
	for _, fn := range listeners {
		fn(state)
	}
}

// State returns the current network state.
func (m *Monitor) State() NetworkState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// IsOffline reports whether the last event reported no usable network.
func (m *Monitor) IsOffline() bool {
	return m.State().IsOffline()
}

// JustReconnected reports whether a reconnect pulse is active.
func (m *Monitor) JustReconnected() bool {
	return m.State().JustReconnected
}

// OnChange registers fn for every state change, including the end of a
// reconnect pulse. The returned function unregisters it.
func (m *Monitor) OnChange(fn func(NetworkState)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.onChange[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.onChange, id)
	}
}

// OnReconnect registers fn to run once per reconnect pulse. The returned
// function unregisters it.
func (m *Monitor) OnReconnect(fn func()) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	m.onReconnect[id] = fn

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.onReconnect, id)
	}
}

func (m *Monitor) changeListenersLocked() []func(NetworkState) {
	fns := make([]func(NetworkState), 0, len(m.onChange))
	for _, fn := range m.onChange {
		fns = append(fns, fn)
	}
	return fns
}

func (m *Monitor) reconnectListenersLocked() []func() {
	fns := make([]func(), 0, len(m.onReconnect))
	for _, fn := range m.onReconnect {
		fns = append(fns, fn)
	}
	return fns
}

// Run subscribes to src and feeds its events to Observe until ctx is done or
// the source closes its channel.
func (m *Monitor) Run(ctx context.Context, src Source) error {
	events, unsubscribe, err := src.Subscribe(ctx)
	if err != nil {
		return fmt.Errorf("subscribe to connectivity source: %w", err)
	}
	defer unsubscribe()

	m.logger.Debug().Msg("Connectivity monitor started")
	for {
		select {
		case <-ctx.Done():
			m.logger.Debug().Msg("Connectivity monitor stopped")
			return nil
		case s, ok := <-events:
			if !ok {
				m.logger.Debug().Msg("Connectivity source closed")
				return nil
			}
			m.Observe(s)
		}
	}
}

// Close stops the reconnect timer and drops all listeners. Later events are
// ignored.
func (m *Monitor) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.onChange = make(map[uint64]func(NetworkState))
	m.onReconnect = make(map[uint64]func())
}
