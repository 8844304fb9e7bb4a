package proxy

import (
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/portlink/backend/proxy/balance"
)

// startHTTP binds the HTTP front. Each request selects its own target;
// bodies stream unchanged in both directions.
func (e *Endpoint) startHTTP() error {
	ln, err := net.Listen("tcp", e.cfg.listenAddr())
	if err != nil {
		return err
	}
	e.track(ln)
	e.bound.Store(ln.Addr().String())

	srv := &http.Server{
		Handler:           http.HandlerFunc(e.serveHTTP),
		ReadHeaderTimeout: 10 * time.Second,
	}
	e.track(srv)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			if e.logger != nil {
				e.logger.Error(err, "http endpoint serve failed")
			}
		}
	}()
	return nil
}

func (e *Endpoint) serveHTTP(w http.ResponseWriter, r *http.Request) {
	tr := otel.Tracer("portlink-forwarder")
	ctx, span := tr.Start(r.Context(), "forward.http")
	defer span.End()

	if reason := e.overLimit(); reason != "" {
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		if e.metrics != nil {
			e.metrics.ForwardErrors.WithLabelValues(e.label(), reason).Inc()
		}
		return
	}

	target, err := e.selectTarget(r.RemoteAddr, hashKeyOf(r))
	if err != nil {
		// NO_TARGETS answers service-unavailable.
		http.Error(w, "no targets available", http.StatusServiceUnavailable)
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

	start := time.Now()
	rp := &httputil.ReverseProxy{
		Director:  directorFor(target),
		Transport: transportFor(e.cfg.BackendTimeout),
		ModifyResponse: func(resp *http.Response) error {
			ms := float64(time.Since(start).Microseconds()) / 1000
			target.ObserveResponseTime(ms)
			target.RecordStatus(resp.StatusCode)
			if e.metrics != nil {
				e.metrics.BackendResponseTime.WithLabelValues(target.Addr()).Observe(time.Since(start).Seconds())
			}
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			target.RecordStatus(http.StatusBadGateway)
			if e.metrics != nil {
				e.metrics.ForwardErrors.WithLabelValues(e.label(), "backend_request").Inc()
			}
			http.Error(w, "bad gateway", http.StatusBadGateway)
		},
	}
	rp.ServeHTTP(w, r.WithContext(ctx))
}

// directorFor rewrites the request for one target: scheme/host, the
// configured path-prefix strip, and configured header overrides.
func directorFor(t *balance.Target) func(*http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = "http"
		if t.Backend == balance.BackendTLS {
			req.URL.Scheme = "https"
		}
		req.URL.Host = t.Addr()
		if t.StripPrefix != "" && strings.HasPrefix(req.URL.Path, t.StripPrefix) {
			req.URL.Path = strings.TrimPrefix(req.URL.Path, t.StripPrefix)
			if req.URL.Path == "" {
				req.URL.Path = "/"
			}
		}
		for k, v := range t.SetHeaders {
			req.Header.Set(k, v)
		}
	}
}

func transportFor(timeout time.Duration) http.RoundTripper {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ResponseHeaderTimeout: timeout,
		TLSClientConfig:       &tls.Config{InsecureSkipVerify: true},
	}
}

// hashKeyOf is the default key selector for HTTP fronts: the whole request
// path with its leading and trailing slashes trimmed; the query is not part
// of the key.
func hashKeyOf(r *http.Request) string {
	u := &url.URL{Path: r.URL.Path}
	return strings.Trim(u.Path, "/")
}
