// Package reach tracks whether the remote backend is reachable.
package reach

import (
	"context"
	"sync"
	"time"

	"github.com/matheus3301/voxsync/internal/bus"
	"go.uber.org/zap"
)

// Pinger checks connectivity to the backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Monitor probes a Pinger on an interval and reports reachability
// transitions to listeners and the bus.
type Monitor struct {
	pinger   Pinger
	interval time.Duration
	timeout  time.Duration
	bus      *bus.Bus
	logger   *zap.Logger

	mu        sync.Mutex
	reachable bool
	listeners map[int]func(bool)
	next      int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMonitor creates a monitor that starts out unreachable until the first
// successful probe or Set(true).
func NewMonitor(p Pinger, b *bus.Bus, logger *zap.Logger, interval, timeout time.Duration) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Monitor{
		pinger:    p,
		interval:  interval,
		timeout:   timeout,
		bus:       b,
		logger:    logger,
		listeners: make(map[int]func(bool)),
	}
}

// Start probes once synchronously and then keeps probing in the background.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.done = make(chan struct{})
	m.Probe(ctx)

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.Probe(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the probe loop.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// Probe pings the backend once and records the outcome.
func (m *Monitor) Probe(ctx context.Context) bool {
	pctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	err := m.pinger.Ping(pctx)
	if err != nil && ctx.Err() != nil {
		// Shutting down; not a connectivity signal.
		return m.Reachable()
	}
	if err != nil {
		m.logger.Debug("reachability probe failed", zap.Error(err))
	}
	m.Set(err == nil)
	return err == nil
}

// Reachable reports the last known reachability.
func (m *Monitor) Reachable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reachable
}

// Set records reachability. Listeners run only on an actual change.
func (m *Monitor) Set(reachable bool) {
	m.mu.Lock()
	if m.reachable == reachable {
		m.mu.Unlock()
		return
	}
	m.reachable = reachable
	listeners := make([]func(bool), 0, len(m.listeners))
	for _, l := range m.listeners {
		listeners = append(listeners, l)
	}
	m.mu.Unlock()

	kind := bus.KindNetUnreachable
	if reachable {
		kind = bus.KindNetReachable
	}
	m.logger.Info("reachability changed", zap.Bool("reachable", reachable))
	m.bus.Emit(kind, reachable)
	for _, l := range listeners {
		l(reachable)
	}
}

// OnChange registers fn for reachability transitions and returns its
// unsubscribe function.
func (m *Monitor) OnChange(fn func(reachable bool)) func() {
	m.mu.Lock()
	id := m.next
	m.next++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}
