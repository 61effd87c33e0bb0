// Package publisher turns a device's readings into the telemetry payload and
// hands it to every configured transport.
package publisher

import (
	"context"
	"math"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ericogr/sensorlink/pkg/health"
	"github.com/ericogr/sensorlink/pkg/metrics"
	"github.com/ericogr/sensorlink/pkg/output"
	"github.com/ericogr/sensorlink/pkg/sensor"
)

type Options struct {
	Health  health.Sink
	Metrics *metrics.Metrics
	Logger  *zap.SugaredLogger
}

type Publisher struct {
	outputs []output.Output
	health  health.Sink
	metrics *metrics.Metrics
	logger  *zap.SugaredLogger
}

func New(outputs []output.Output, o Options) *Publisher {
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	return &Publisher{outputs: outputs, health: o.Health, metrics: o.Metrics, logger: o.Logger}
}

// Outputs returns the configured transports.
func (p *Publisher) Outputs() []output.Output { return p.outputs }

// Send publishes readings for deviceID once on every output. The result is
// successful only when every output succeeded; failures are combined.
// Readings tagged invalid are left out. With nothing left to send, no
// output is called.
func (p *Publisher) Send(ctx context.Context, deviceID string, readings map[string]sensor.Reading) output.Result {
	payload := BuildPayload(deviceID, readings, p.logger)
	if len(payload.Sensors) == 0 {
		p.logger.Debugw("nothing to publish", "device", deviceID)
		return output.OK(0)
	}

	var (
		errs   error
		status int
	)
	for _, o := range p.outputs {
		res := o.Publish(ctx, payload)
		p.metrics.ObservePublish(o.Name(), res.Success)
		if res.Success {
			if status == 0 {
				status = res.Status
			}
			continue
		}
		p.logger.Warnw("publish failed", "output", o.Name(), "device", deviceID, "kind", res.Kind(), "status", res.Status, "error", res.Err)
		errs = multierr.Append(errs, res.Err)
	}

	if errs != nil {
		p.signal(health.ErrorPulses)
		return output.Failed(errs)
	}
	for name, v := range payload.Sensors {
		p.metrics.SetValue(deviceID, name, v.Unit, v.Value)
	}
	p.signal(health.OKPulse)
	return output.OK(status)
}

// Close closes every output.
func (p *Publisher) Close() error {
	var err error
	for _, o := range p.outputs {
		err = multierr.Append(err, o.Close())
	}
	return err
}

func (p *Publisher) signal(pat health.Pattern) {
	if p.health != nil {
		p.health.Signal(pat)
	}
}

// BuildPayload converts readings to the wire payload, rounding values to two
// decimals.
func BuildPayload(deviceID string, readings map[string]sensor.Reading, logger *zap.SugaredLogger) output.Payload {
	sensors := make(map[string]output.Value, len(readings))
	for name, r := range readings {
		if r.Invalid {
			if logger != nil {
				logger.Warnw("dropping out of range reading", "device", deviceID, "sensor", r.SensorID, "metric", name, "value", r.Value, "unit", r.Unit)
			}
			continue
		}
		sensors[name] = output.Value{Value: math.Round(r.Value*100) / 100, Unit: r.Unit}
	}
	return output.Payload{DeviceID: deviceID, Sensors: sensors}
}
