package proxy

import (
	"context"
	"crypto/tls"
	"io"
	"sync"

	"github.com/quic-go/quic-go"
	"go.opentelemetry.io/otel"
)

// quicALPN is the application protocol both sides of a QUIC forward speak.
const quicALPN = "portlink-fwd"

type quicListenerCloser struct {
	ln *quic.Listener
}

func (q quicListenerCloser) Close() error { return q.ln.Close() }

// startQUIC binds the QUIC front. Every accepted connection is paired with a
// backend connection and all streams are relayed in both directions.
func (e *Endpoint) startQUIC() error {
	tlsConf := e.cfg.ServerTLS.Clone()
	tlsConf.NextProtos = []string{quicALPN}

	ln, err := quic.ListenAddr(e.cfg.listenAddr(), tlsConf, &quic.Config{
		MaxIdleTimeout:  e.cfg.IdleTimeout,
		KeepAlivePeriod: e.cfg.IdleTimeout / 3,
	})
	if err != nil {
		return err
	}
	e.track(quicListenerCloser{ln})
	e.bound.Store(ln.Addr().String())

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		for {
			conn, err := ln.Accept(e.ctx)
			if err != nil {
				return
			}
			if reason := e.overLimit(); reason != "" {
				conn.CloseWithError(1, reason)
				if e.metrics != nil {
					e.metrics.ForwardErrors.WithLabelValues(e.label(), reason).Inc()
				}
				continue
			}
			e.wg.Add(1)
			go func() {
				defer e.wg.Done()
				e.forwardQUIC(conn)
			}()
		}
	}()
	return nil
}

func (e *Endpoint) forwardQUIC(front *quic.Conn) {
	tr := otel.Tracer("portlink-forwarder")
	ctx, span := tr.Start(e.ctx, "forward.quic")
	defer span.End()

	defer front.CloseWithError(0, "forwarder closing")

	target, err := e.selectTarget(front.RemoteAddr().String(), "")
	if err != nil {
		return
	}

	back, err := quic.DialAddr(ctx, target.Addr(), &tls.Config{
		InsecureSkipVerify: true,
		NextProtos:         []string{quicALPN},
	}, &quic.Config{MaxIdleTimeout: e.cfg.IdleTimeout})
	if err != nil {
		if e.logger != nil {
			e.logger.ForwardFailed(e.cfg.ListenPort, target.Addr(), err)
		}
		if e.metrics != nil {
			e.metrics.ForwardErrors.WithLabelValues(e.label(), "backend_connect").Inc()
		}
		return
	}
	defer back.CloseWithError(0, "forwarder closing")

	target.Acquire()
	e.active.Add(1)
	if e.metrics != nil {
		e.metrics.ForwardConnsTotal.WithLabelValues(e.label(), target.Addr()).Inc()
	}
	defer func() {
		target.Release()
		e.active.Add(-1)
	}()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); e.relayStreams(connCtx, front, back, "in") }()
	go func() { defer wg.Done(); e.relayStreams(connCtx, back, front, "out") }()
	wg.Wait()
}

// relayStreams accepts every stream from source and mirrors it onto a fresh
// stream of the opposite connection.
func (e *Endpoint) relayStreams(ctx context.Context, source, other *quic.Conn, direction string) {
	for {
		stream, err := source.AcceptStream(ctx)
		if err != nil {
			return
		}
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			e.relayStream(ctx, stream, other, direction)
		}()
	}
}

func (e *Endpoint) relayStream(ctx context.Context, src *quic.Stream, other *quic.Conn, direction string) {
	defer src.Close()

	dst, err := other.OpenStreamSync(ctx)
	if err != nil {
		return
	}
	defer dst.Close()

	var wg sync.WaitGroup
	copyHalf := func(w io.Writer, r io.Reader) {
		defer wg.Done()
		buf := make([]byte, 64<<10)
		n, _ := io.CopyBuffer(w, r, buf)
		if e.metrics != nil {
			e.metrics.ForwardBytesTotal.WithLabelValues(e.label(), direction).Add(float64(n))
		}
	}
	wg.Add(2)
	go copyHalf(dst, src)
	go copyHalf(src, dst)
	wg.Wait()
}
