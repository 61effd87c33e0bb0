// Package metrics exposes the gateway's Prometheus counters on a private
// registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	ResultOK      = "ok"
	ResultError   = "error"
	ResultCached  = "cached"
	ResultSkipped = "skipped"

	shutdownTimeout = 2 * time.Second
)

type Metrics struct {
	reg *prometheus.Registry

	SensorReads *prometheus.CounterVec
	Publishes   *prometheus.CounterVec
	BusResets   prometheus.Counter
	StaleResets *prometheus.CounterVec
	Values      *prometheus.GaugeVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		// Reads per sensor, labeled by outcome
		SensorReads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sensorlink_sensor_reads_total",
			Help: "Sensor polls by outcome",
		}, []string{"sensor", "result"}),
		Publishes: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sensorlink_publishes_total",
			Help: "Telemetry publishes by transport and outcome",
		}, []string{"output", "result"}),
		BusResets: f.NewCounter(prometheus.CounterOpts{
			Name: "sensorlink_bus_resets_total",
			Help: "I2C bus reopen attempts after repeated failures",
		}),
		StaleResets: f.NewCounterVec(prometheus.CounterOpts{
			Name: "sensorlink_stale_resets_total",
			Help: "Bus resets triggered by a sensor repeating the same frame",
		}, []string{"sensor"}),
		Values: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sensorlink_reading_value",
			Help: "Last published value per device and metric",
		}, []string{"device", "metric", "unit"}),
	}
}

func (m *Metrics) ObserveRead(sensor, result string) {
	if m == nil {
		return
	}
	m.SensorReads.WithLabelValues(sensor, result).Inc()
}

func (m *Metrics) ObservePublish(output string, ok bool) {
	if m == nil {
		return
	}
	result := ResultOK
	if !ok {
		result = ResultError
	}
	m.Publishes.WithLabelValues(output, result).Inc()
}

func (m *Metrics) ObserveBusReset() {
	if m == nil {
		return
	}
	m.BusResets.Inc()
}

func (m *Metrics) ObserveStale(sensor string) {
	if m == nil {
		return
	}
	m.StaleResets.WithLabelValues(sensor).Inc()
}

func (m *Metrics) SetValue(device, metric, unit string, v float64) {
	if m == nil {
		return
	}
	m.Values.WithLabelValues(device, metric, unit).Set(v)
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Serve exposes /metrics on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *zap.SugaredLogger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	logger.Infow("metrics listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(sctx); err != nil {
			return err
		}
		if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
