package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"dao/admin"
	"dao/core"
	"dao/core/gate"
	"dao/core/liminal"
	"dao/core/memory"
	"dao/core/server"
	"dao/telemetry/events"
	"dao/telemetry/health"
	"dao/telemetry/logging"
	"dao/telemetry/metrics"
	"dao/telemetry/tracing"
)

func main() {
	var (
		configPath  string
		verbose     bool
		showVersion bool
	)
	flag.StringVar(&configPath, "config", "configs/dao.toml", "Path to configuration file")
	flag.BoolVar(&verbose, "verbose", false, "Enable verbose logging")
	flag.BoolVar(&showVersion, "version", false, "Show version / build info")
	flag.Parse()

	if showVersion {
		fmt.Println("dao — dynamic awareness orchestrator")
		return
	}

	logger := logging.Setup(verbose)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.InfoCtx(ctx, "loading configuration", "path", configPath)
	cfg, err := core.LoadConfig(configPath)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		logger.ErrorCtx(ctx, "configuration invalid", "error", err)
		os.Exit(1)
	}

	if cfg.Server.Workers > 0 {
		runtime.GOMAXPROCS(cfg.Server.Workers)
	}

	provider := selectMetricsProvider(cfg)
	bus := events.NewBus(provider)
	tracer := tracing.NewAdaptiveTracer(func() float64 { return 5 })

	mem := memory.New(cfg)
	lim := liminal.NewOrchestrator(cfg.Liminal, bus, core.RealClock())

	gateCfg := gate.Config{BindAddr: cfg.Server.Bind}
	if cfg.Server.TlsCert != "" && cfg.Server.TlsKey != "" {
		gateCfg.Tls = &gate.TlsConfig{CertPath: cfg.Server.TlsCert, KeyPath: cfg.Server.TlsKey}
	}
	gw, err := gate.New(gateCfg)
	if err != nil {
		logger.ErrorCtx(ctx, "failed to open gate", "error", err)
		os.Exit(1)
	}
	logger.InfoCtx(ctx, "dao listening", "addr", gw.LocalAddr().String())

	srv, err := server.New(server.Options{
		Gate:     gw,
		Memory:   mem,
		Liminal:  lim,
		Bus:      bus,
		Provider: provider,
		Logger:   logger,
		Tracer:   tracer,
	})
	if err != nil {
		logger.ErrorCtx(ctx, "failed to build server", "error", err)
		os.Exit(1)
	}

	adm := admin.New(configPath, mem, bus, logger)
	adm.OnApplied = func(newCfg *core.Config) {
		if err := srv.ApplyConfig(newCfg); err != nil {
			logger.ErrorCtx(ctx, "failed to apply reloaded config", "error", err)
		}
	}
	if err := adm.Start(ctx); err != nil {
		logger.ErrorCtx(ctx, "config watch unavailable", "error", err)
	}
	defer func() { _ = adm.Close() }()

	if cfg.Telemetry != nil && cfg.Telemetry.PrometheusBind != "" {
		go serveTelemetry(ctx, cfg.Telemetry.PrometheusBind, provider, srv, logger)
	}

	// Graceful shutdown on SIGINT/SIGTERM; second signal forces exit.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.InfoCtx(ctx, "signal received; initiating graceful shutdown")
		cancel()
		<-sigCh
		logger.InfoCtx(ctx, "second signal received; forcing exit")
		os.Exit(1)
	}()

	logger.InfoCtx(ctx, "dao started")
	if err := srv.Run(ctx); err != nil {
		logger.ErrorCtx(ctx, "server stopped", "error", err)
		os.Exit(1)
	}
}

// selectMetricsProvider maps the telemetry backend setting onto a
// provider; prometheus is the default.
func selectMetricsProvider(cfg *core.Config) metrics.Provider {
	backend := ""
	if cfg.Telemetry != nil {
		backend = cfg.Telemetry.Backend
	}
	switch strings.ToLower(backend) {
	case "otel", "opentelemetry":
		return metrics.NewOTelProvider(metrics.OTelProviderOptions{ServiceName: "dao"})
	case "noop":
		return metrics.NewNoopProvider()
	default:
		return metrics.NewPrometheusProvider(metrics.PrometheusProviderOptions{})
	}
}

// serveTelemetry exposes /metrics and /healthz on the telemetry bind.
func serveTelemetry(ctx context.Context, bind string, provider metrics.Provider, srv *server.Server, logger logging.Logger) {
	mux := http.NewServeMux()
	if hp, ok := provider.(interface{ MetricsHandler() http.Handler }); ok {
		mux.Handle("/metrics", hp.MetricsHandler())
	}
	evaluator := health.NewEvaluator(2*time.Second, srv.Probes()...)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		snap := evaluator.Evaluate(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if snap.Overall == health.StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(snap)
	})
	telemetrySrv := &http.Server{Addr: bind, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = telemetrySrv.Shutdown(shutdownCtx)
	}()
	logger.InfoCtx(ctx, "telemetry endpoint listening", "addr", bind)
	if err := telemetrySrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.ErrorCtx(ctx, "telemetry endpoint failed", "error", err)
	}
}
