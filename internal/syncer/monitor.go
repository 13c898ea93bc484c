package syncer

import (
	"context"
	"sync"
	"time"

	"supply-orders/internal/util"

	"go.uber.org/zap"
)

// State is the last observed reachability of the backend.
type State int

const (
	StateUnknown State = iota
	StateOnline
	StateOffline
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// Pinger probes the backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnectivityMonitor polls the backend and reports when it comes back after
// being unreachable.
type ConnectivityMonitor struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration

	mu        sync.Mutex
	state     State
	onRestore func()

	logger *zap.Logger
}

func NewConnectivityMonitor(pinger Pinger, interval time.Duration) *ConnectivityMonitor {
	timeout := interval / 2
	if timeout <= 0 || timeout > 5*time.Second {
		timeout = 5 * time.Second
	}
	return &ConnectivityMonitor{
		pinger:   pinger,
		interval: interval,
		timeout:  timeout,
		logger:   util.Named("connectivity"),
	}
}

// OnRestore registers the callback fired on each offline to online edge.
func (m *ConnectivityMonitor) OnRestore(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRestore = fn
}

// State returns the last observed state.
func (m *ConnectivityMonitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Check probes once and returns the new state.
func (m *ConnectivityMonitor) Check(ctx context.Context) State {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	next := StateOnline
	err := m.pinger.Ping(ctx)
	if err != nil {
		next = StateOffline
	}

	m.mu.Lock()
	prev := m.state
	m.state = next
	fn := m.onRestore
	m.mu.Unlock()

	if prev == next {
		return next
	}
	if next == StateOffline {
		m.logger.Warn("Backend unreachable", zap.Error(err))
		return next
	}
	m.logger.Info("Backend reachable", zap.Stringer("previous", prev))
	if prev == StateOffline && fn != nil {
		fn()
	}
	return next
}

// Run probes every interval until ctx is cancelled.
func (m *ConnectivityMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.Check(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Check(ctx)
		}
	}
}
