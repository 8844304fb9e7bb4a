package proxy

import (
	"time"

	"github.com/portlink/backend/proxy/balance"
)

// TargetMetrics is one target's slice of the snapshot.
type TargetMetrics struct {
	Target        string    `json:"target"`
	Zone          string    `json:"zone,omitempty"`
	Active        int64     `json:"active"`
	Total         int64     `json:"total"`
	AvgResponseMS float64   `json:"avg_response_ms"`
	StatusCounts  [4]int64  `json:"status_counts"`
	Healthy       bool      `json:"healthy"`
	LastActivity  time.Time `json:"last_activity"`
}

// EndpointStatus is one listener's slice of the snapshot.
type EndpointStatus struct {
	ListenPort int      `json:"listen_port"`
	Protocol   Protocol `json:"protocol"`
	Active     int64    `json:"active_connections"`
	IsActive   bool     `json:"is_active"`
}

// Snapshot is the point-in-time view of the forwarder. Each record is
// individually consistent; the snapshot as a whole is not atomic.
type Snapshot struct {
	GlobalActive int64            `json:"global_active"`
	Targets      []TargetMetrics  `json:"targets"`
	Endpoints    []EndpointStatus `json:"endpoints"`
}

// Snapshot collects the current counters across endpoints and targets.
func (m *Manager) Snapshot() Snapshot {
	var snap Snapshot
	seen := make(map[*balance.Target]struct{})
	for _, ep := range m.endpoints {
		snap.Endpoints = append(snap.Endpoints, EndpointStatus{
			ListenPort: ep.cfg.ListenPort,
			Protocol:   ep.cfg.Protocol,
			Active:     ep.Active(),
			IsActive:   ep.IsActive(),
		})
		for _, t := range ep.cfg.Targets {
			if _, dup := seen[t]; dup {
				continue
			}
			seen[t] = struct{}{}
			snap.GlobalActive += t.CurrentConnections()
			snap.Targets = append(snap.Targets, TargetMetrics{
				Target:        t.Addr(),
				Zone:          t.Zone,
				Active:        t.CurrentConnections(),
				Total:         t.TotalConnections(),
				AvgResponseMS: t.AverageResponseTime(),
				StatusCounts:  t.StatusCounts(),
				Healthy:       t.IsHealthy(),
				LastActivity:  t.LastActivity(),
			})
		}
	}
	return snap
}
