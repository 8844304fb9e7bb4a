// Package server glues the session-server core together: listeners, the
// per-connection frame pump, the priority pools and the handlers behind
// them.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/portlink/backend/daemon/config"
	"github.com/portlink/backend/daemon/dispatch"
	"github.com/portlink/backend/daemon/heartbeat"
	"github.com/portlink/backend/daemon/protocol"
	"github.com/portlink/backend/daemon/registry"
	"github.com/portlink/backend/daemon/transfer"
	"github.com/portlink/backend/internal/certstore"
	"github.com/portlink/backend/internal/observability"
	"github.com/portlink/backend/internal/supervisor"
)

// Server is the long-lived session endpoint: it accepts TCP and TLS clients,
// decodes their frames in arrival order, and moves all work through the
// inbound and outbound priority pools.
type Server struct {
	cfg     *config.Config
	certs   *certstore.Store
	logger  *observability.Logger
	metrics *observability.Metrics

	reg      *registry.Registry
	engine   *transfer.Engine
	inbound  *dispatch.Pool
	outbound *dispatch.Pool
	retrier  *dispatch.Retrier
	resume   *dispatch.ResumeQueue
	hb       *heartbeat.Monitor
	super    *supervisor.Supervisor

	mu        sync.Mutex
	conns     map[uint32]*clientConn
	listeners []net.Listener

	ctx      context.Context
	cancel   context.CancelFunc
	accepted sync.WaitGroup
}

// clientConn pairs a session with its encoder. Writes from multiple outbound
// workers serialize on the mutex.
type clientConn struct {
	sess *registry.Session
	conn net.Conn
	enc  *protocol.Encoder

	writeMu sync.Mutex
}

// New assembles a stopped server.
func New(cfg *config.Config, certs *certstore.Store, logger *observability.Logger, metrics *observability.Metrics) (*Server, error) {
	resume, err := dispatch.OpenResumeQueue(cfg.ResumeDBPath)
	if err != nil {
		return nil, err
	}

	policy := dispatch.DefaultPolicy()
	policy.MonitorInterval = cfg.MonitorInterval
	policy.QueueThreshold = cfg.QueueThreshold
	policy.QueueDepth = cfg.QueueDepth

	s := &Server{
		cfg:     cfg,
		certs:   certs,
		logger:  logger,
		metrics: metrics,
		reg:     registry.New(cfg.FileRoot),
		engine:  transfer.NewEngine(logger, metrics),
		resume:  resume,
		conns:   make(map[uint32]*clientConn),
	}

	s.inbound = dispatch.NewPool("inbound", policy, s.handleInbound, logger, metrics)
	s.outbound = dispatch.NewPool("outbound", policy, s.handleOutbound, logger, metrics)
	s.retrier = dispatch.NewRetrier(policy, resume, s.outbound.Enqueue, logger, metrics)
	s.outbound.AttachRetrier(s.retrier)

	s.hb = heartbeat.New(s.reg, cfg.HeartbeatTimeout, func(sess *registry.Session) {
		s.dropClient(sess.ID, "heartbeat timeout")
	}, logger, metrics)

	return s, nil
}

// Registry exposes the connection registry (health checks, tooling).
func (s *Server) Registry() *registry.Registry {
	return s.reg
}

// Resume exposes the resume queue (health checks).
func (s *Server) Resume() *dispatch.ResumeQueue {
	return s.resume
}

// Engine exposes the transfer engine (event consumers).
func (s *Server) Engine() *transfer.Engine {
	return s.engine
}

// Start binds the listeners and launches the accept loops. Non-transient
// bind failures fail the startup.
func (s *Server) Start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if s.cfg.TCPAddress != "" {
		ln, err := net.Listen("tcp", s.cfg.TCPAddress)
		if err != nil {
			return err
		}
		s.listeners = append(s.listeners, ln)
		s.accepted.Add(1)
		go s.acceptLoop(ln, registry.TransportTCP)
	}

	if s.cfg.TLSAddress != "" && s.certs != nil {
		ln, err := tls.Listen("tcp", s.cfg.TLSAddress, s.certs.ServerTLSConfig(s.cfg.ClientCertRequired))
		if err != nil {
			s.closeListeners()
			return err
		}
		s.listeners = append(s.listeners, ln)
		s.accepted.Add(1)
		go s.acceptLoop(ln, registry.TransportTLS)
	}

	s.inbound.Start()
	s.outbound.Start()
	s.hb.Start(s.ctx)

	s.super = supervisor.New(s.ctx, s.logger)
	s.super.Go("transfer-events", s.consumeTransferEvents)
	return nil
}

// Stop shuts down in phases: stop accepting, stop the sweeps, drain the
// pools within the grace window, then close every remaining connection.
func (s *Server) Stop(grace time.Duration) {
	s.closeListeners()
	s.hb.Stop()

	half := grace / 2
	s.inbound.Stop(half)
	s.outbound.Stop(half)
	s.retrier.Stop()

	s.mu.Lock()
	for id, cc := range s.conns {
		cc.conn.Close()
		delete(s.conns, id)
	}
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}
	s.accepted.Wait()
	if s.super != nil {
		s.super.Join()
	}
	s.resume.Close()
}

// Addrs returns the bound listener addresses, TCP first.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]net.Addr, 0, len(s.listeners))
	for _, ln := range s.listeners {
		out = append(out, ln.Addr())
	}
	return out
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ln := range s.listeners {
		ln.Close()
	}
	s.listeners = nil
}

func (s *Server) acceptLoop(ln net.Listener, transport registry.Transport) {
	defer s.accepted.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			if s.logger != nil {
				s.logger.Error(err, "accept failed")
			}
			continue
		}
		s.accepted.Add(1)
		go func() {
			defer s.accepted.Done()
			s.handleConn(conn, transport)
		}()
	}
}

// handleConn owns a connection's read side. The decoder is single-threaded,
// so frames enter the pool in arrival order.
func (s *Server) handleConn(conn net.Conn, transport registry.Transport) {
	sess := s.reg.Register(conn, transport)
	cc := &clientConn{sess: sess, conn: conn, enc: protocol.NewEncoder(conn)}

	s.mu.Lock()
	s.conns[sess.ID] = cc
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RecordClientConnect()
	}
	if s.logger != nil {
		s.logger.ClientConnected(sess.ID, conn.RemoteAddr().String(), transport.String())
	}

	reason := s.pump(cc)
	s.dropClient(sess.ID, reason)
}

func (s *Server) pump(cc *clientConn) string {
	dec := protocol.NewDecoder(cc.conn)
	dec.SetMaxMessageLen(s.cfg.MaxMessageLen)

	var lastRead int64
	for {
		msg, err := dec.Decode()
		delta := dec.BytesRead() - lastRead
		lastRead = dec.BytesRead()

		switch {
		case err == nil:
		case errors.Is(err, protocol.ErrChecksumMismatch):
			// Single-frame corruption: drop the frame, keep the connection.
			if s.metrics != nil {
				s.metrics.RecordFrameRejected("checksum_mismatch")
			}
			continue
		case errors.Is(err, protocol.ErrPeerClosed):
			return "peer closed"
		case errors.Is(err, protocol.ErrProtocolViolation):
			if s.logger != nil {
				s.logger.FrameRejected(cc.sess.ID, "protocol violation", err)
			}
			if s.metrics != nil {
				s.metrics.RecordFrameRejected("protocol_violation")
			}
			return "protocol violation"
		default:
			return "read error"
		}

		cc.sess.Touch()
		cc.sess.AddBytesReceived(delta)
		if msg.InfoType.IsFile() {
			cc.sess.AddFileBytesReceived(int64(len(msg.ChunkData)))
		}
		if s.metrics != nil {
			s.metrics.RecordFrame("inbound", msg.InfoType.String(), int(delta))
		}

		// First frame carrying a source id binds the wire routing key and
		// releases anything parked for it.
		if msg.SourceID != "" && cc.sess.UniqueID() == "" {
			if err := s.reg.Bind(cc.sess.ID, msg.SourceID); err == nil {
				s.retrier.Redeliver(msg.SourceID)
			} else if s.logger != nil {
				s.logger.FrameRejected(cc.sess.ID, "unique id bind refused", err)
			}
		}

		env := dispatch.NewEnvelope(msg)
		env.ClientID = cc.sess.ID
		if err := s.inbound.Enqueue(env); err != nil {
			return "server stopping"
		}
	}
}

// dropClient closes and forgets a connection. Safe to call twice; the second
// call is a no-op.
func (s *Server) dropClient(id uint32, reason string) {
	s.mu.Lock()
	cc, ok := s.conns[id]
	if ok {
		delete(s.conns, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}

	cc.conn.Close()
	s.reg.Unregister(id)

	if s.metrics != nil {
		s.metrics.RecordClientDisconnect()
	}
	if s.logger != nil {
		st := cc.sess.Stats()
		s.logger.ClientDisconnected(id, reason, st.BytesReceived, st.BytesSent, time.Since(cc.sess.StartedAt()))
	}
}

func (s *Server) lookupConn(id uint32) (*clientConn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cc, ok := s.conns[id]
	return cc, ok
}

func (s *Server) consumeTransferEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.engine.Events():
			if s.logger != nil && ev.Type == transfer.EventFailed && ev.Err != nil {
				s.logger.Error(ev.Err, "transfer event")
			}
		}
	}
}
