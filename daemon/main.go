// Command daemon is the portlink session server: it accepts framed TCP/TLS
// clients, moves their traffic through the priority pools and reassembles
// chunked file transfers.
package main

import (
	"context"
	"flag"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/portlink/backend/daemon/config"
	"github.com/portlink/backend/daemon/server"
	"github.com/portlink/backend/internal/certstore"
	"github.com/portlink/backend/internal/observability"
)

const version = "1.0.0"

func main() {
	configPath := flag.String("config", "", "path to portlink.conf")
	grace := flag.Duration("grace", 15*time.Second, "shutdown grace period")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		observability.NewLogger("portlink-daemon", version, os.Stderr).Fatal(err, "configuration invalid")
	}

	logger := observability.NewLogger(cfg.ServiceName, version, os.Stdout)
	logger.SetLevel(cfg.LogLevel)
	metrics := observability.NewMetrics()
	health := observability.NewHealthChecker(version)

	if shutdown, err := observability.InitTracing(context.Background(), cfg.ServiceName, version); err == nil {
		defer shutdown(context.Background())
	}

	certs, err := certstore.Open(certstore.Options{
		PFXPath:            cfg.PFXPath,
		CERPath:            cfg.CERPath,
		Passphrase:         cfg.PFXPassphrase,
		Subject:            cfg.ServiceName,
		DevMode:            cfg.DevMode,
		AllowedThumbprints: cfg.AllowedThumbprints,
		AllowedSubjects:    cfg.AllowedSubjects,
	}, logger)
	if err != nil {
		logger.Fatal(err, "certificate store unavailable")
	}

	srv, err := server.New(cfg, certs, logger, metrics)
	if err != nil {
		logger.Fatal(err, "server assembly failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := srv.Start(ctx); err != nil {
		logger.Fatal(err, "server startup failed")
	}
	logger.Info("session server started")

	health.RegisterCheck("certificate", observability.CertificateCheck(certs.NotAfter))
	health.RegisterCheck("sessions", observability.SessionCountCheck(srv.Registry().Count, 0))
	health.RegisterCheck("resume-queue", observability.ResumeQueueCheck(srv.Resume().Parked, 10000))

	go serveObservability(cfg.ObservAddress, metrics, health, logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")
	srv.Stop(*grace)
	logger.Info("session server stopped")
}

func serveObservability(addr string, metrics *observability.Metrics, health *observability.HealthChecker, logger *observability.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/health", health.Handler())
	mux.Handle("/metrics", metrics.Handler())
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error(err, "observability server failed")
	}
}
