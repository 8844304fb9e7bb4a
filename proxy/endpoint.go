package proxy

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/portlink/backend/internal/observability"
	"github.com/portlink/backend/internal/ratelimit"
	"github.com/portlink/backend/internal/zonemap"
	"github.com/portlink/backend/proxy/balance"
)

// Endpoint is one running front listener. Its lifecycle is Start, then
// Stop(grace): refuse new connections, wait, hard-close the rest.
type Endpoint struct {
	cfg      EndpointConfig
	strategy balance.Strategy
	limiter  *ratelimit.TokenBucket
	zones    *zonemap.Map
	logger   *observability.Logger
	metrics  *observability.Metrics

	active  atomic.Int64
	running atomic.Bool
	bound   atomic.Value // string listen address once started

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closers []io.Closer
}

func newEndpoint(cfg EndpointConfig, zones *zonemap.Map, logger *observability.Logger, metrics *observability.Metrics) (*Endpoint, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	strategy, err := balance.New(cfg.Algorithm, cfg.HashKey)
	if err != nil {
		return nil, fmt.Errorf("endpoint :%d: %w", cfg.ListenPort, err)
	}
	e := &Endpoint{
		cfg:      cfg,
		strategy: strategy,
		zones:    zones,
		logger:   logger,
		metrics:  metrics,
	}
	if cfg.AcceptRate > 0 && cfg.AcceptBurst > 0 {
		e.limiter = ratelimit.New(cfg.AcceptRate, cfg.AcceptBurst)
	}
	return e, nil
}

// Start binds the listener for the endpoint's protocol.
func (e *Endpoint) Start(ctx context.Context) error {
	e.ctx, e.cancel = context.WithCancel(ctx)

	var err error
	switch e.cfg.Protocol {
	case ProtoTCP, ProtoTLS:
		err = e.startStream()
	case ProtoUDP:
		err = e.startUDP()
	case ProtoHTTP:
		err = e.startHTTP()
	case ProtoQUIC:
		err = e.startQUIC()
	}
	if err != nil {
		e.cancel()
		return err
	}
	e.running.Store(true)
	if e.logger != nil {
		e.logger.EndpointStarted(e.cfg.ListenPort, string(e.cfg.Protocol), e.strategy.Name(), len(e.cfg.Targets))
	}
	return nil
}

// Stop refuses new connections, waits up to grace for splices to finish,
// then cancels the rest.
func (e *Endpoint) Stop(grace time.Duration) {
	e.running.Store(false)
	e.closeAll()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(grace):
	}
	e.cancel()
	<-done
}

// Active reports live forwarded connections.
func (e *Endpoint) Active() int64 {
	return e.active.Load()
}

// IsActive reports whether the listener is up.
func (e *Endpoint) IsActive() bool {
	return e.running.Load()
}

// Addr returns the bound listen address once started.
func (e *Endpoint) Addr() string {
	if v := e.bound.Load(); v != nil {
		return v.(string)
	}
	return e.cfg.listenAddr()
}

func (e *Endpoint) track(c io.Closer) {
	e.mu.Lock()
	e.closers = append(e.closers, c)
	e.mu.Unlock()
}

func (e *Endpoint) closeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.closers {
		c.Close()
	}
	e.closers = nil
}

// selectTarget runs the strategy over the healthy pool with the client's
// zone resolved from the rules file.
func (e *Endpoint) selectTarget(clientAddr string, key string) (*balance.Target, error) {
	req := &balance.Request{ClientAddr: clientAddr, Key: key}
	if e.zones != nil {
		req.ClientZone = e.zones.ZoneOf(clientAddr)
	}
	t, err := e.strategy.Select(balance.Healthy(e.cfg.Targets), req)
	if err != nil && e.metrics != nil {
		e.metrics.ForwardErrors.WithLabelValues(e.label(), "no_targets").Inc()
	}
	return t, err
}

func (e *Endpoint) label() string {
	return fmt.Sprintf(":%d", e.cfg.ListenPort)
}

// overLimit applies the endpoint connection cap and the accept bucket.
func (e *Endpoint) overLimit() string {
	if e.cfg.MaxConns > 0 && e.active.Load() >= int64(e.cfg.MaxConns) {
		return "connection_limit"
	}
	if !e.limiter.Allow(1) {
		if e.metrics != nil {
			e.metrics.AcceptsThrottled.WithLabelValues(e.label()).Inc()
		}
		return "rate_limited"
	}
	return ""
}

// dialBackend opens the protocol-appropriate backend connection.
func (e *Endpoint) dialBackend(t *balance.Target) (net.Conn, error) {
	d := net.Dialer{Timeout: 10 * time.Second}
	if t.Backend == balance.BackendTLS {
		return tls.DialWithDialer(&d, "tcp", t.Addr(), &tls.Config{
			InsecureSkipVerify: true,
			MinVersion:         tls.VersionTLS12,
		})
	}
	return d.DialContext(e.ctx, "tcp", t.Addr())
}

// splice runs the two copiers of a full-duplex forward. Any error or EOF on
// either side closes both, as does cancellation of the endpoint context; the
// caller regains control once both directions have terminated.
func (e *Endpoint) splice(front, back net.Conn) {
	var once sync.Once
	closeBoth := func() {
		front.Close()
		back.Close()
	}

	var last atomic.Int64 // unix nanos of the latest traffic in either direction
	last.Store(time.Now().UnixNano())

	var wg sync.WaitGroup
	copyDir := func(dst, src net.Conn, direction string) {
		defer wg.Done()
		n := e.copyWithIdle(dst, src, &last)
		if e.metrics != nil {
			e.metrics.ForwardBytesTotal.WithLabelValues(e.label(), direction).Add(float64(n))
		}
		once.Do(closeBoth)
	}

	wg.Add(2)
	go copyDir(back, front, "in")
	go copyDir(front, back, "out")
	stop := context.AfterFunc(e.ctx, func() { once.Do(closeBoth) })
	wg.Wait()
	stop()
}

// copyWithIdle moves bytes until EOF, error, or the idle timeout passes with
// no traffic in either direction; last is shared by both directions.
func (e *Endpoint) copyWithIdle(dst io.Writer, src net.Conn, last *atomic.Int64) int64 {
	buf := make([]byte, 64<<10)
	var total int64
	for {
		src.SetReadDeadline(time.Unix(0, last.Load()).Add(e.cfg.IdleTimeout))
		n, err := src.Read(buf)
		if n > 0 {
			last.Store(time.Now().UnixNano())
			total += int64(n)
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total
			}
		}
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() && time.Since(time.Unix(0, last.Load())) < e.cfg.IdleTimeout {
				continue
			}
			return total
		}
	}
}
