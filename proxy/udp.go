package proxy

import (
	"net"
	"sync"
	"time"

	"github.com/portlink/backend/proxy/balance"
)

// natEntry is one short-lived source-to-backend mapping.
type natEntry struct {
	backend  *net.UDPConn
	target   *balance.Target
	lastSeen int64 // unix nanos, written by both pumps
	mu       sync.Mutex
}

func (n *natEntry) touch() {
	n.mu.Lock()
	n.lastSeen = time.Now().UnixNano()
	n.mu.Unlock()
}

func (n *natEntry) idleSince() time.Time {
	n.mu.Lock()
	defer n.mu.Unlock()
	return time.Unix(0, n.lastSeen)
}

// startUDP binds the datagram front. Each distinct source endpoint gets a
// NAT mapping to a backend socket; datagrams pass through unchanged.
func (e *Endpoint) startUDP() error {
	addr, err := net.ResolveUDPAddr("udp", e.cfg.listenAddr())
	if err != nil {
		return err
	}
	front, err := net.ListenUDP("udp", addr)
	if err != nil {
		return err
	}
	e.track(front)
	e.bound.Store(front.LocalAddr().String())

	var mu sync.Mutex
	nat := make(map[string]*natEntry)

	expire := func() {
		cutoff := time.Now().Add(-e.cfg.UDPExpiry)
		mu.Lock()
		for key, entry := range nat {
			if entry.idleSince().Before(cutoff) {
				entry.backend.Close()
				entry.target.Release()
				delete(nat, key)
				e.active.Add(-1)
			}
		}
		mu.Unlock()
	}

	// Expiry sweep.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.UDPExpiry / 5)
		defer ticker.Stop()
		for {
			select {
			case <-e.ctx.Done():
				mu.Lock()
				for key, entry := range nat {
					entry.backend.Close()
					entry.target.Release()
					delete(nat, key)
					e.active.Add(-1)
				}
				mu.Unlock()
				return
			case <-ticker.C:
				expire()
			}
		}
	}()

	// Front reader.
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		buf := make([]byte, 64<<10)
		for {
			n, src, err := front.ReadFromUDP(buf)
			if err != nil {
				return
			}
			key := src.String()

			mu.Lock()
			entry, ok := nat[key]
			mu.Unlock()

			if !ok {
				entry = e.openMapping(front, src, key, nat, &mu)
				if entry == nil {
					continue
				}
			}
			entry.touch()
			if _, err := entry.backend.Write(buf[:n]); err != nil && e.logger != nil {
				e.logger.ForwardFailed(e.cfg.ListenPort, entry.target.Addr(), err)
			}
			if e.metrics != nil {
				e.metrics.ForwardBytesTotal.WithLabelValues(e.label(), "in").Add(float64(n))
			}
		}
	}()
	return nil
}

// openMapping selects a target, dials its backend socket and starts the
// reverse pump writing backend datagrams to the original source.
func (e *Endpoint) openMapping(front *net.UDPConn, src *net.UDPAddr, key string, nat map[string]*natEntry, mu *sync.Mutex) *natEntry {
	if reason := e.overLimit(); reason != "" {
		if e.metrics != nil {
			e.metrics.ForwardErrors.WithLabelValues(e.label(), reason).Inc()
		}
		return nil
	}
	target, err := e.selectTarget(key, "")
	if err != nil {
		return nil
	}
	backAddr, err := net.ResolveUDPAddr("udp", target.Addr())
	if err != nil {
		return nil
	}
	backend, err := net.DialUDP("udp", nil, backAddr)
	if err != nil {
		if e.metrics != nil {
			e.metrics.ForwardErrors.WithLabelValues(e.label(), "backend_connect").Inc()
		}
		return nil
	}

	entry := &natEntry{backend: backend, target: target}
	entry.touch()
	target.Acquire()
	e.active.Add(1)
	if e.metrics != nil {
		e.metrics.ForwardConnsTotal.WithLabelValues(e.label(), target.Addr()).Inc()
	}

	mu.Lock()
	nat[key] = entry
	mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		buf := make([]byte, 64<<10)
		for {
			n, err := backend.Read(buf)
			if err != nil {
				return
			}
			entry.touch()
			if _, err := front.WriteToUDP(buf[:n], src); err != nil {
				return
			}
			if e.metrics != nil {
				e.metrics.ForwardBytesTotal.WithLabelValues(e.label(), "out").Add(float64(n))
			}
		}
	}()
	return entry
}
