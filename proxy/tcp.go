package proxy

import (
	"crypto/tls"
	"errors"
	"net"
)

// startStream binds the TCP or TLS front and runs the accept loop.
func (e *Endpoint) startStream() error {
	var ln net.Listener
	var err error
	if e.cfg.Protocol == ProtoTLS {
		cfg := e.cfg.ServerTLS
		ln, err = tls.Listen("tcp", e.cfg.listenAddr(), cfg)
	} else {
		ln, err = net.Listen("tcp", e.cfg.listenAddr())
	}
	if err != nil {
		return err
	}
	e.track(ln)
	e.bound.Store(ln.Addr().String())

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			conn, err := ln.Accept()
			if err != nil {
				if e.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				if e.logger != nil {
					e.logger.Error(err, "accept failed")
				}
				continue
			}
			if reason := e.overLimit(); reason != "" {
				conn.Close()
				if e.metrics != nil {
					e.metrics.ForwardErrors.WithLabelValues(e.label(), reason).Inc()
				}
				continue
			}
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.forwardStream(conn)
			}()
		}
	}()
	return nil
}

// forwardStream runs one front connection: select a target, open the
// backend, splice until either side closes or the idle timeout fires.
// The per-target connection count is released on every exit path.
func (e *Endpoint) forwardStream(front net.Conn) {
	defer front.Close()

	target, err := e.selectTarget(front.RemoteAddr().String(), "")
	if err != nil {
		// NO_TARGETS: refuse the connect, leave counters untouched.
		return
	}

	back, err := e.dialBackend(target)
	if err != nil {
		if e.logger != nil {
			e.logger.ForwardFailed(e.cfg.ListenPort, target.Addr(), err)
		}
		if e.metrics != nil {
			e.metrics.ForwardErrors.WithLabelValues(e.label(), "backend_connect").Inc()
		}
		return
	}

	target.Acquire()
	e.active.Add(1)
	if e.metrics != nil {
		e.metrics.ForwardConnsActive.WithLabelValues(e.label(), string(e.cfg.Protocol)).Inc()
		e.metrics.ForwardConnsTotal.WithLabelValues(e.label(), target.Addr()).Inc()
	}
	defer func() {
		target.Release()
		e.active.Add(-1)
		if e.metrics != nil {
			e.metrics.ForwardConnsActive.WithLabelValues(e.label(), string(e.cfg.Protocol)).Dec()
		}
	}()

	e.splice(front, back)
}
