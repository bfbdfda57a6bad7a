// trdpd is the TRDP (IEC 61375-2-3) process and message data daemon: it
// opens one trdp.Session per declared process, serves cyclic PD and
// event-driven MD traffic over the wire, and exposes admin/metrics HTTP
// endpoints.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"runtime/trace"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/trdp-go/trdpd/internal/config"
	trdpmetrics "github.com/trdp-go/trdpd/internal/metrics"
	"github.com/trdp-go/trdpd/internal/server"
	"github.com/trdp-go/trdpd/internal/trdp"
	appversion "github.com/trdp-go/trdpd/internal/version"
)

// shutdownTimeout is the maximum time to wait for HTTP servers to drain
// active connections during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// flightRecorderMinAge is the minimum window age for the flight recorder.
const flightRecorderMinAge = 500 * time.Millisecond

// flightRecorderMaxBytes is the upper bound on flight recorder window size.
const flightRecorderMaxBytes = 2 * 1024 * 1024 // 2 MiB

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (YAML)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration",
			slog.String("error", err.Error()),
		)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("trdpd starting",
		slog.String("version", appversion.Version),
		slog.String("admin_addr", cfg.Admin.Addr),
		slog.String("metrics_addr", cfg.Metrics.Addr),
		slog.Int("declared_processes", len(cfg.Sessions)),
	)

	fr := startFlightRecorder(logger)

	reg := prometheus.NewRegistry()
	collector := trdpmetrics.NewCollector(reg)

	mgr := trdp.NewManager(logger)
	defer mgr.CloseAll()

	ds := newDaemonState(mgr, collector, logger)
	defer ds.closeAll()

	if err := runServers(cfg, ds, reg, logger, *configPath, logLevel, fr); err != nil {
		logger.Error("trdpd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("trdpd stopped")
	return 0
}

// runServers wires up the admin and metrics HTTP servers, opens the
// declared processes, and runs everything under an errgroup bound to a
// signal-aware context for graceful shutdown.
func runServers(
	cfg *config.Config,
	ds *daemonState,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
	fr *trace.FlightRecorder,
) error {
	adminSrv := newAdminServer(cfg.Admin, ds.manager, logger)
	metricsSrv := newMetricsServer(cfg.Metrics, reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	if err := ds.reconcile(gCtx, g, cfg); err != nil {
		return fmt.Errorf("open declared processes: %w", err)
	}

	startHTTPServers(gCtx, g, adminSrv, metricsSrv, cfg, logger)
	startDaemonGoroutines(gCtx, g, configPath, logLevel, ds, logger)
	notifyReady(logger)

	g.Go(func() error {
		<-gCtx.Done()
		return gracefulShutdown(gCtx, ds, logger, fr, adminSrv, metricsSrv)
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("run servers: %w", err)
	}
	return nil
}

// startHTTPServers registers the admin and metrics HTTP server goroutines.
func startHTTPServers(
	ctx context.Context,
	g *errgroup.Group,
	adminSrv, metricsSrv *http.Server,
	cfg *config.Config,
	logger *slog.Logger,
) {
	lc := net.ListenConfig{}

	g.Go(func() error {
		logger.Info("admin server listening", slog.String("addr", cfg.Admin.Addr))
		return listenAndServe(ctx, &lc, adminSrv, cfg.Admin.Addr)
	})

	g.Go(func() error {
		logger.Info("metrics server listening",
			slog.String("addr", cfg.Metrics.Addr),
			slog.String("path", cfg.Metrics.Path),
		)
		return listenAndServe(ctx, &lc, metricsSrv, cfg.Metrics.Addr)
	})
}

// startDaemonGoroutines registers the systemd watchdog and SIGHUP reload
// goroutines.
func startDaemonGoroutines(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	ds *daemonState,
	logger *slog.Logger,
) {
	g.Go(func() error {
		return runWatchdog(ctx, logger)
	})

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	g.Go(func() error {
		defer signal.Stop(sigHUP)
		handleSIGHUP(ctx, g, sigHUP, configPath, logLevel, ds, logger)
		return nil
	})
}

// -------------------------------------------------------------------------
// Systemd Integration: sd_notify + watchdog
// -------------------------------------------------------------------------

func notifyReady(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		logger.Warn("failed to notify systemd readiness", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: READY")
	}
}

func notifyStopping(logger *slog.Logger) {
	sent, err := daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		logger.Warn("failed to notify systemd stopping", slog.String("error", err.Error()))
		return
	}
	if sent {
		logger.Info("notified systemd: STOPPING")
	}
}

// runWatchdog sends periodic watchdog keepalives to systemd at half the
// configured interval. Exits immediately if the watchdog isn't configured.
func runWatchdog(ctx context.Context, logger *slog.Logger) error {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return nil
	}
	if interval == 0 {
		logger.Debug("systemd watchdog not configured, skipping keepalive")
		return nil
	}

	tickInterval := interval / 2
	logger.Info("systemd watchdog enabled",
		slog.Duration("watchdog_sec", interval),
		slog.Duration("keepalive_interval", tickInterval),
	)

	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, wdErr := daemon.SdNotify(false, daemon.SdNotifyWatchdog); wdErr != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", wdErr.Error()))
			}
		}
	}
}

// -------------------------------------------------------------------------
// SIGHUP Reload: log level + process reconciliation
// -------------------------------------------------------------------------

func handleSIGHUP(
	ctx context.Context,
	g *errgroup.Group,
	sigHUP <-chan os.Signal,
	configPath string,
	logLevel *slog.LevelVar,
	ds *daemonState,
	logger *slog.Logger,
) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			logger.Info("received SIGHUP, reloading configuration")
			reloadConfig(ctx, g, configPath, logLevel, ds, logger)
		}
	}
}

// reloadConfig loads a fresh configuration, updates the dynamic log
// level, and reconciles the declared process set. Errors are logged but
// never stop the daemon; the previous configuration remains in effect
// for anything that failed to reconcile.
func reloadConfig(
	ctx context.Context,
	g *errgroup.Group,
	configPath string,
	logLevel *slog.LevelVar,
	ds *daemonState,
	logger *slog.Logger,
) {
	newCfg, err := loadConfig(configPath)
	if err != nil {
		logger.Error("failed to reload configuration, keeping current settings",
			slog.String("error", err.Error()))
		return
	}

	oldLevel := logLevel.Level()
	newLevel := config.ParseLogLevel(newCfg.Log.Level)
	logLevel.Set(newLevel)

	logger.Info("configuration reloaded",
		slog.String("old_log_level", oldLevel.String()),
		slog.String("new_log_level", newLevel.String()),
	)

	if err := ds.reconcile(ctx, g, newCfg); err != nil {
		logger.Error("process reconciliation had errors", slog.String("error", err.Error()))
	}
}

// -------------------------------------------------------------------------
// Graceful Shutdown
// -------------------------------------------------------------------------

func gracefulShutdown(
	ctx context.Context,
	ds *daemonState,
	logger *slog.Logger,
	fr *trace.FlightRecorder,
	servers ...*http.Server,
) error {
	logger.Info("initiating graceful shutdown")
	notifyStopping(logger)

	ds.closeAll()

	if fr != nil {
		fr.Stop()
		logger.Debug("flight recorder stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	var shutdownErr error
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			shutdownErr = errors.Join(shutdownErr, fmt.Errorf("shutdown server: %w", err))
		}
	}
	return shutdownErr
}

// -------------------------------------------------------------------------
// Flight Recorder: Go 1.26 runtime/trace
// -------------------------------------------------------------------------

func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})

	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder", slog.String("error", err.Error()))
		return nil
	}

	logger.Info("flight recorder started",
		slog.Duration("min_age", flightRecorderMinAge),
		slog.Uint64("max_bytes", flightRecorderMaxBytes),
	)

	return fr
}

// -------------------------------------------------------------------------
// Server Setup
// -------------------------------------------------------------------------

func listenAndServe(ctx context.Context, lc *net.ListenConfig, srv *http.Server, addr string) error {
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

// newAdminServer creates an HTTP server for the admin introspection API.
// h2c is used so trdpctl can talk cleartext HTTP/2 without TLS setup.
func newAdminServer(cfg config.AdminConfig, mgr *trdp.Manager, logger *slog.Logger) *http.Server {
	handler := server.New(mgr, logger)
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           h2c.NewHandler(handler, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		cfg, err := config.Load(path)
		if err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
		return cfg, nil
	}
	return config.DefaultConfig(), nil
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
