package proxy

import (
	"context"
	"fmt"
	"time"

	"github.com/portlink/backend/internal/observability"
	"github.com/portlink/backend/internal/zonemap"
)

// Manager owns the endpoint set: it validates the declared listeners,
// starts them, and serves the metrics snapshot.
type Manager struct {
	endpoints []*Endpoint
	logger    *observability.Logger
	metrics   *observability.Metrics
}

// NewManager builds every endpoint. Listen ports must be unique across the
// active set.
func NewManager(cfgs []EndpointConfig, zones *zonemap.Map, logger *observability.Logger, metrics *observability.Metrics) (*Manager, error) {
	seen := make(map[int]Protocol, len(cfgs))
	m := &Manager{logger: logger, metrics: metrics}
	for _, cfg := range cfgs {
		if cfg.ListenPort != 0 {
			if prev, dup := seen[cfg.ListenPort]; dup {
				return nil, fmt.Errorf("listen port %d declared twice (%s and %s)", cfg.ListenPort, prev, cfg.Protocol)
			}
			seen[cfg.ListenPort] = cfg.Protocol
		}

		ep, err := newEndpoint(cfg, zones, logger, metrics)
		if err != nil {
			return nil, err
		}
		m.endpoints = append(m.endpoints, ep)
	}
	return m, nil
}

// Start brings every endpoint up. A bind failure stops the ones already
// started and fails the call.
func (m *Manager) Start(ctx context.Context) error {
	for i, ep := range m.endpoints {
		if err := ep.Start(ctx); err != nil {
			for _, started := range m.endpoints[:i] {
				started.Stop(0)
			}
			return fmt.Errorf("endpoint :%d (%s): %w", ep.cfg.ListenPort, ep.cfg.Protocol, err)
		}
	}
	return nil
}

// Stop shuts every endpoint down within the shared grace window.
func (m *Manager) Stop(grace time.Duration) {
	for _, ep := range m.endpoints {
		ep.Stop(grace)
	}
}

// Endpoints exposes the managed set.
func (m *Manager) Endpoints() []*Endpoint {
	return m.endpoints
}
