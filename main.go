package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/ericogr/sensorlink/pkg/acquisition"
	"github.com/ericogr/sensorlink/pkg/bus"
	"github.com/ericogr/sensorlink/pkg/cache"
	"github.com/ericogr/sensorlink/pkg/config"
	"github.com/ericogr/sensorlink/pkg/health"
	"github.com/ericogr/sensorlink/pkg/metrics"
	"github.com/ericogr/sensorlink/pkg/publisher"
	"github.com/ericogr/sensorlink/pkg/sensor"
)

const (
	exitOK      = 0
	exitFailure = 1
	exitUsage   = 2
	// exitRestart asks the supervisor to restart the process.
	exitRestart = 3
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return exitUsage
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger:", err)
		return exitUsage
	}
	defer func() { _ = logger.Sync() }()
	log := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.New()
	opts := sensor.Options{Clock: clk, Logger: log}

	var tr *bus.Transport
	if cfg.SensorType == config.ModeReal && needsBus(cfg.Sensors) {
		tr, err = bus.New(busConfig(cfg.I2C), bus.PeriphOpener(cfg.I2C.Bus), log)
		if err != nil {
			log.Errorw("open i2c bus", "bus", cfg.I2C.Bus, "error", err)
			return exitFailure
		}
		defer func() { _ = tr.Close() }()
		log.Infow("i2c bus ready", "bus", tr)
	}

	var sb sensor.Bus
	if tr != nil {
		sb = tr
	}
	sources, err := buildSources(cfg, sb, opts)
	if err != nil {
		log.Errorw("build sensors", "error", err)
		return exitFailure
	}

	if cfg.Maintenance.Requested() {
		if err := runMaintenance(ctx, cfg.Maintenance, sources, log); err != nil {
			log.Errorw("maintenance failed", "error", err)
			return exitFailure
		}
		return exitOK
	}

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		go func() {
			if err := m.Serve(ctx, cfg.MetricsAddr, log); err != nil {
				log.Warnw("metrics server stopped", "error", err)
			}
		}()
	}

	sink, closeSink := buildHealth(cfg.Health, log)
	defer closeSink()

	mux := buildCommands(sources, log)
	outs, err := buildOutputs(cfg, mux, clk, log)
	if err != nil {
		log.Errorw("build outputs", "error", err)
		return exitFailure
	}
	pub := publisher.New(outs.outputs, publisher.Options{Health: sink, Metrics: m, Logger: log})
	defer func() {
		if err := pub.Close(); err != nil {
			log.Warnw("closing outputs", "error", err)
		}
	}()

	lo := acquisition.Options{
		Publisher: pub,
		Cache: cache.New(cache.Thresholds{
			StaleAfter:   cfg.Cache.StaleAfter,
			ResetAfter:   cfg.Cache.ResetAfter,
			RestartAfter: cfg.Cache.RestartAfter,
		}, clk),
		Pollers:  outs.pollers,
		Status:   outs.status,
		Interval: time.Duration(cfg.IntervalMs) * time.Millisecond,
		Clock:    clk,
		Metrics:  m,
		Logger:   log,
	}
	if tr != nil {
		lo.Bus = tr
	}
	loop := acquisition.New(sources, lo)

	log.Infow("starting", "device", cfg.DeviceID, "mode", cfg.SensorType, "sensors", len(sources), "outputs", len(outs.outputs))
	sink.Signal(health.StartupPulses)
	err = loop.Run(ctx)
	switch {
	case errors.Is(err, acquisition.ErrRestartRequired):
		log.Errorw("exiting for restart", "code", exitRestart)
		return exitRestart
	case err != nil:
		log.Errorw("acquisition stopped", "error", err)
		return exitFailure
	}
	log.Infow("stopped")
	return exitOK
}

func newLogger(c config.LogConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}
	if c.Level != "" {
		lvl, err := zap.ParseAtomicLevel(c.Level)
		if err != nil {
			return nil, err
		}
		zc.Level = lvl
	}
	return zc.Build()
}
