// Command forwarder is the portlink port forwarder: it terminates the
// declared front listeners, balances across their target pools and splices
// traffic until shutdown.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"github.com/portlink/backend/internal/certstore"
	"github.com/portlink/backend/internal/observability"
	"github.com/portlink/backend/internal/zonemap"
	"github.com/portlink/backend/proxy"
	"github.com/portlink/backend/proxy/balance"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "forwarder.conf", "endpoint declarations")
	observAddr := flag.String("observ-addr", "127.0.0.1:8082", "health/metrics/pprof address")
	rulesPath := flag.String("ip-rules", "ip-rules.txt", "CIDR zone map")
	grace := flag.Duration("grace", 10*time.Second, "shutdown grace period")
	flag.Parse()

	logger := observability.NewLogger("portlink-forwarder", version, os.Stdout)
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker(version)

	if shutdown, err := observability.InitTracing(context.Background(), "portlink-forwarder", version); err == nil {
		defer shutdown(context.Background())
	}

	var zones *zonemap.Map
	if z, err := zonemap.Load(*rulesPath); err == nil {
		zones = z
		logger.Info(fmt.Sprintf("loaded %d zone rules", z.Len()))
	} else if !os.IsNotExist(err) {
		logger.Fatal(err, "zone rules unreadable")
	}

	endpoints, err := loadEndpoints(*configPath, logger)
	if err != nil {
		logger.Fatal(err, "endpoint configuration invalid")
	}
	if len(endpoints) == 0 {
		logger.Fatal(nil, "no endpoints declared")
	}

	manager, err := proxy.NewManager(endpoints, zones, logger, metrics)
	if err != nil {
		logger.Fatal(err, "endpoint set rejected")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := manager.Start(ctx); err != nil {
		logger.Fatal(err, "forwarder startup failed")
	}

	go serveObservability(*observAddr, manager, metrics, health, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")
	manager.Stop(*grace)
	logger.Info("forwarder stopped")
}

// serveObservability exposes /health, /metrics, /snapshot and pprof.
func serveObservability(addr string, manager *proxy.Manager, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/health", health.Handler())
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/snapshot", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, manager.Snapshot())
	})
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error(err, "observability server failed")
	}
}

// loadEndpoints reads indexed endpoint declarations:
//
//	endpoint.1.protocol  = tcp | tls | udp | http | quic
//	endpoint.1.listen    = 0.0.0.0:8080
//	endpoint.1.algorithm = least-connections | round-robin | random |
//	                       weighted-round-robin | hash | least-response-time | zone
//	endpoint.1.targets   = 10.0.0.1:9000, 10.0.0.2:9000@weight=3@zone=east
//	endpoint.1.maxconns  = 1000
//
// TLS and QUIC fronts take endpoint.N.pfx / endpoint.N.passphrase.
func loadEndpoints(path string, logger *observability.Logger) ([]proxy.EndpointConfig, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("properties")
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var out []proxy.EndpointConfig
	for i := 1; ; i++ {
		prefix := fmt.Sprintf("endpoint.%d.", i)
		if !v.IsSet(prefix + "protocol") {
			break
		}

		listen := v.GetString(prefix + "listen")
		host, portStr, ok := strings.Cut(listen, ":")
		if !ok {
			return nil, fmt.Errorf("endpoint %d: listen %q must be host:port", i, listen)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("endpoint %d: bad port %q", i, portStr)
		}

		cfg := proxy.EndpointConfig{
			ListenIP:   host,
			ListenPort: port,
			Protocol:   proxy.Protocol(v.GetString(prefix + "protocol")),
			Algorithm:  v.GetString(prefix + "algorithm"),
			MaxConns:   v.GetInt(prefix + "maxconns"),
		}
		if v.IsSet(prefix + "idle.timeout") {
			cfg.IdleTimeout = time.Duration(v.GetInt(prefix+"idle.timeout")) * time.Second
		}
		if v.IsSet(prefix + "accept.rate") {
			cfg.AcceptRate = v.GetFloat64(prefix + "accept.rate")
			cfg.AcceptBurst = v.GetInt(prefix + "accept.burst")
		}
		if v.IsSet(prefix + "backend.timeout") {
			cfg.BackendTimeout = time.Duration(v.GetInt(prefix+"backend.timeout")) * time.Second
		}
		if cfg.Algorithm == "hash" {
			// The wire gives the forwarder one natural key: the client address.
			cfg.HashKey = func(r *balance.Request) string {
				if r.Key != "" {
					return r.Key
				}
				return r.ClientAddr
			}
		}

		for _, spec := range strings.Split(v.GetString(prefix+"targets"), ",") {
			spec = strings.TrimSpace(spec)
			if spec == "" {
				continue
			}
			target, err := parseTarget(spec)
			if err != nil {
				return nil, fmt.Errorf("endpoint %d: %w", i, err)
			}
			cfg.Targets = append(cfg.Targets, target)
		}

		if cfg.Protocol == proxy.ProtoTLS || cfg.Protocol == proxy.ProtoQUIC {
			store, err := certstore.Open(certstore.Options{
				PFXPath:    v.GetString(prefix + "pfx"),
				Passphrase: v.GetString(prefix + "passphrase"),
				Subject:    "portlink-forwarder",
			}, logger)
			if err != nil {
				return nil, fmt.Errorf("endpoint %d: %w", i, err)
			}
			cfg.ServerTLS = store.ServerTLSConfig(v.GetBool(prefix + "client.required"))
		}

		out = append(out, cfg)
	}
	return out, nil
}

// parseTarget understands "ip:port" plus @key=value decorations for weight,
// zone, backend protocol and target port.
func parseTarget(spec string) (*balance.Target, error) {
	parts := strings.Split(spec, "@")
	host, portStr, ok := strings.Cut(parts[0], ":")
	if !ok {
		return nil, fmt.Errorf("target %q must be ip:port", spec)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return nil, fmt.Errorf("target %q: bad port", spec)
	}

	t := balance.NewTarget(host, port, port)
	for _, opt := range parts[1:] {
		key, val, ok := strings.Cut(opt, "=")
		if !ok {
			return nil, fmt.Errorf("target %q: bad option %q", spec, opt)
		}
		switch key {
		case "weight":
			if t.Weight, err = strconv.Atoi(val); err != nil {
				return nil, fmt.Errorf("target %q: bad weight", spec)
			}
		case "zone":
			t.Zone = val
		case "backend":
			t.Backend = balance.BackendProtocol(val)
		case "port":
			if t.TargetPort, err = strconv.Atoi(val); err != nil {
				return nil, fmt.Errorf("target %q: bad target port", spec)
			}
		case "strip":
			t.StripPrefix = val
		default:
			return nil, fmt.Errorf("target %q: unknown option %q", spec, key)
		}
	}
	return t, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("snapshot encode failed: %v", err)
	}
}
