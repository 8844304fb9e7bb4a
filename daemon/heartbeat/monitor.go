// Package heartbeat sweeps the connection registry and reaps sessions whose
// activity clock has gone stale.
package heartbeat

import (
	"context"
	"sync"
	"time"

	"github.com/portlink/backend/daemon/registry"
	"github.com/portlink/backend/internal/observability"
)

// DefaultTimeout is how long a session may stay silent before the sweep
// disconnects it.
const DefaultTimeout = 45 * time.Second

// Monitor owns the periodic sweep. The sweep interval defaults to a third of
// the timeout so a healthy peer always gets several chances.
type Monitor struct {
	reg      *registry.Registry
	timeout  time.Duration
	interval time.Duration
	onExpire func(*registry.Session)
	logger   *observability.Logger
	metrics  *observability.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a monitor. onExpire runs once per reaped session and owns the
// actual disconnect.
func New(reg *registry.Registry, timeout time.Duration, onExpire func(*registry.Session), logger *observability.Logger, metrics *observability.Metrics) *Monitor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Monitor{
		reg:      reg,
		timeout:  timeout,
		interval: timeout / 3,
		onExpire: onExpire,
		logger:   logger,
		metrics:  metrics,
	}
}

// Start launches the sweep loop.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()
}

// Stop halts the sweep and waits for the loop to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// Sweep disconnects every session idle past the timeout. Exposed for tests
// and for a forced sweep on shutdown.
func (m *Monitor) Sweep() int {
	now := time.Now()
	reaped := 0
	for _, s := range m.reg.Snapshot() {
		idle := now.Sub(s.LastActivity())
		if idle <= m.timeout {
			continue
		}
		reaped++
		if m.logger != nil {
			m.logger.HeartbeatTimeout(s.ID, idle)
		}
		if m.metrics != nil {
			m.metrics.HeartbeatTimeouts.Inc()
		}
		if m.onExpire != nil {
			m.onExpire(s)
		}
	}
	return reaped
}
