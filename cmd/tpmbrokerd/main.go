// tpmbrokerd -- TPM 2.0 access broker daemon.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/trace"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sys/unix"

	"github.com/15058718379/tpm2-abrmd/internal/config"
	"github.com/15058718379/tpm2-abrmd/internal/control"
	"github.com/15058718379/tpm2-abrmd/internal/entropy"
	"github.com/15058718379/tpm2-abrmd/internal/metrics"
	"github.com/15058718379/tpm2-abrmd/internal/pipeline"
	"github.com/15058718379/tpm2-abrmd/internal/session"
	"github.com/15058718379/tpm2-abrmd/internal/transport"
	appversion "github.com/15058718379/tpm2-abrmd/internal/version"
	"github.com/15058718379/tpm2-abrmd/internal/wakeup"
)

// shutdownTimeout bounds how long the metrics HTTP server is given to
// drain in-flight requests during graceful shutdown.
const shutdownTimeout = 10 * time.Second

// flightRecorderMinAge is the minimum window age for the flight recorder,
// captured for post-mortem debugging of pipeline stalls.
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
			slog.String("error", err.Error()))
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("tpmbrokerd starting",
		slog.String("version", appversion.Version),
		slog.String("control_bus", cfg.Control.Bus),
		slog.String("transport_driver", cfg.Transport.Driver),
		slog.String("metrics_addr", cfg.Metrics.Addr),
	)

	if err := entropy.Verify(cfg.Entropy.Device); err != nil {
		logger.Error("entropy source unreadable, refusing to start", slog.String("error", err.Error()))
		return 1
	}

	fr := startFlightRecorder(logger)

	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)

	if err := runDaemon(cfg, collector, reg, logger, *configPath, logLevel, fr); err != nil {
		logger.Error("tpmbrokerd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("tpmbrokerd stopped")
	return 0
}

// runDaemon wires the full pipeline (Registry, CommandSource, Broker,
// ResponseSink, the D-Bus control plane behind the InitBarrier) and runs
// it until an OS signal or a pipeline fault triggers an ordered shutdown:
// control plane first, then CommandSource, then Broker, then ResponseSink,
// then a final drain of the Registry.
func runDaemon(
	cfg *config.Config,
	collector *metrics.Collector,
	reg *prometheus.Registry,
	logger *slog.Logger,
	configPath string,
	logLevel *slog.LevelVar,
	fr *trace.FlightRecorder,
) error {
	tp, err := newTransport(cfg.Transport)
	if err != nil {
		return fmt.Errorf("construct transport: %w", err)
	}
	defer tp.Close()

	registry := session.NewRegistry(logger, collector)
	ids := session.NewIDAllocator()
	registry.SetIDAllocator(ids)
	wake, err := wakeup.New()
	if err != nil {
		return fmt.Errorf("construct wakeup pipe: %w", err)
	}
	defer wake.Close()

	cmdQ := pipeline.NewQueue(cfg.Pipeline.CommandQueueDepth)
	respCh := make(chan pipeline.TaggedBuffer, cfg.Pipeline.ResponseQueueDepth)
	closeCh := pipeline.NewCloseChannel(16)

	source := pipeline.NewSource(registry, cmdQ, closeCh, wake, cfg.Pipeline.MaxCommandSize, logger, collector)
	broker := pipeline.NewBroker(registry, tp, cmdQ, respCh, logger, collector)
	sink := pipeline.NewSink(registry, respCh, closeCh, logger)

	barrier := control.NewBarrier()
	handlers := control.NewHandlers(registry, broker, ids, control.UnixSocketFactory{}, wake, barrier, logger, collector)

	var bus control.Bus
	switch cfg.Control.Bus {
	case "system":
		bus = control.BusSystem
	default:
		bus = control.BusSession
	}

	svc, err := control.NewService(handlers, bus, logger)
	if err != nil {
		return fmt.Errorf("start control plane: %w", err)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srcCtx, srcCancel := context.WithCancel(context.Background())
	brkCtx, brkCancel := context.WithCancel(context.Background())
	snkCtx, snkCancel := context.WithCancel(context.Background())

	fatal := make(chan error, 3)
	srcDone := make(chan error, 1)
	brkDone := make(chan error, 1)
	snkDone := make(chan error, 1)

	go func() {
		err := source.Run(srcCtx)
		srcDone <- err
		if err != nil {
			fatal <- fmt.Errorf("command source: %w", err)
		}
	}()
	go func() {
		err := broker.Run(brkCtx)
		brkDone <- err
		if err != nil {
			fatal <- fmt.Errorf("broker: %w", err)
		}
	}()
	go func() {
		err := sink.Run(snkCtx)
		snkDone <- err
		if err != nil {
			fatal <- fmt.Errorf("response sink: %w", err)
		}
	}()

	metricsSrv := newMetricsServer(cfg.Metrics, reg)
	metricsServerErr := make(chan error, 1)
	go func() {
		metricsServerErr <- listenAndServe(metricsSrv, cfg.Metrics.Addr)
	}()

	watchdogCtx, watchdogCancel := context.WithCancel(context.Background())
	defer watchdogCancel()
	go runWatchdog(watchdogCtx, logger)

	sigHUP := make(chan os.Signal, 1)
	signal.Notify(sigHUP, syscall.SIGHUP)
	defer signal.Stop(sigHUP)
	go handleSIGHUP(watchdogCtx, sigHUP, configPath, logLevel, logger)

	barrier.Open()
	notifyReady(logger)

	var runErr error
	select {
	case <-sigCtx.Done():
	case err := <-fatal:
		logger.Error("pipeline stage failed, shutting down", slog.String("error", err.Error()))
		runErr = err
	case err := <-metricsServerErr:
		if err != nil {
			logger.Error("metrics server failed, shutting down", slog.String("error", err.Error()))
			runErr = err
		}
	}

	logger.Info("shutdown: stopping control plane")
	notifyStopping(logger)
	if err := svc.Close(); err != nil {
		logger.Warn("error closing control plane", slog.String("error", err.Error()))
	}

	logger.Info("shutdown: stopping command source")
	srcCancel()
	<-srcDone

	logger.Info("shutdown: stopping broker")
	brkCancel()
	<-brkDone

	logger.Info("shutdown: stopping response sink")
	snkCancel()
	<-snkDone

	registry.CloseAll(func(fd int) { unix.Close(fd) })

	watchdogCancel()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		runErr = errors.Join(runErr, fmt.Errorf("shutdown metrics server: %w", err))
	}

	if fr != nil {
		fr.Stop()
	}

	return runErr
}

func newTransport(cfg config.TransportConfig) (transport.Transport, error) {
	switch cfg.Driver {
	case "passthrough":
		return transport.OpenPassthrough(cfg.Device, cfg.CancelPath, cfg.LocalityPath)
	default:
		return transport.NewSimulator(), nil
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

func newMetricsServer(cfg config.MetricsConfig, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
}

func listenAndServe(srv *http.Server, addr string) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve on %s: %w", addr, err)
	}
	return nil
}

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

func runWatchdog(ctx context.Context, logger *slog.Logger) {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		logger.Warn("failed to check systemd watchdog", slog.String("error", err.Error()))
		return
	}
	if interval == 0 {
		return
	}

	tickInterval := interval / 2
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
				logger.Warn("failed to send watchdog keepalive", slog.String("error", err.Error()))
			}
		}
	}
}

func handleSIGHUP(ctx context.Context, sigHUP <-chan os.Signal, configPath string, logLevel *slog.LevelVar, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigHUP:
			newCfg, err := loadConfig(configPath)
			if err != nil {
				logger.Error("failed to reload configuration, keeping current settings", slog.String("error", err.Error()))
				continue
			}
			oldLevel := logLevel.Level()
			newLevel := config.ParseLogLevel(newCfg.Log.Level)
			logLevel.Set(newLevel)
			logger.Info("configuration reloaded",
				slog.String("old_log_level", oldLevel.String()),
				slog.String("new_log_level", newLevel.String()))
		}
	}
}

func startFlightRecorder(logger *slog.Logger) *trace.FlightRecorder {
	fr := trace.NewFlightRecorder(trace.FlightRecorderConfig{
		MinAge:   flightRecorderMinAge,
		MaxBytes: flightRecorderMaxBytes,
	})
	if err := fr.Start(); err != nil {
		logger.Warn("failed to start flight recorder", slog.String("error", err.Error()))
		return nil
	}
	return fr
}
