package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/analog"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"github.com/ericogr/sensorlink/pkg/acquisition"
	"github.com/ericogr/sensorlink/pkg/bus"
	"github.com/ericogr/sensorlink/pkg/command"
	"github.com/ericogr/sensorlink/pkg/config"
	"github.com/ericogr/sensorlink/pkg/health"
	"github.com/ericogr/sensorlink/pkg/output"
	"github.com/ericogr/sensorlink/pkg/output/console"
	"github.com/ericogr/sensorlink/pkg/output/mqtt"
	"github.com/ericogr/sensorlink/pkg/output/rest"
	"github.com/ericogr/sensorlink/pkg/sensor"
)

// simNotifyInterval paces the simulated BLE thermometer.
const simNotifyInterval = 5 * time.Second

func busConfig(c config.I2CConfig) bus.Config {
	return bus.Config{
		Speed:      physic.Frequency(c.SpeedHz) * physic.Hertz,
		Attempts:   c.Retries,
		RetryDelay: time.Duration(c.RetryDelayMs) * time.Millisecond,
	}
}

// needsBus reports whether any configured sensor talks over I2C.
func needsBus(sensors []config.SensorConfig) bool {
	for _, s := range sensors {
		switch s.Type {
		case config.SensorFS3000, config.SensorSCD41, config.SensorAS7341:
			return true
		case config.SensorMoisture:
			if s.ADC != "pin" {
				return true
			}
		}
	}
	return false
}

// buildSources creates one driver per configured sensor. b may be nil in
// simulation mode.
func buildSources(cfg config.Config, b sensor.Bus, opts sensor.Options) ([]acquisition.Source, error) {
	interval := time.Duration(cfg.IntervalMs) * time.Millisecond
	out := make([]acquisition.Source, 0, len(cfg.Sensors))
	for _, sc := range cfg.Sensors {
		var (
			d   sensor.Driver
			err error
		)
		if cfg.SensorType == config.ModeSimulation {
			d, err = simDriver(sc, opts)
		} else {
			d, err = realDriver(sc, b, opts)
		}
		if err != nil {
			return nil, errors.Wrapf(err, "sensor %s", sc.ID)
		}
		dev := sc.DeviceID
		if dev == "" {
			dev = cfg.DeviceID
		}
		out = append(out, acquisition.Source{Driver: d, DeviceID: dev, Interval: sc.Interval(interval)})
	}
	return out, nil
}

func realDriver(sc config.SensorConfig, b sensor.Bus, opts sensor.Options) (sensor.Driver, error) {
	addr := uint16(sc.Address)
	switch sc.Type {
	case config.SensorFS3000:
		ceiling := sensor.FS3000MaxVelocity1005
		if sc.Variant == "1015" {
			ceiling = sensor.FS3000MaxVelocity1015
		}
		return sensor.NewAirVelocity(b, sensor.AirVelocityConfig{ID: sc.ID, Address: addr, MaxVelocity: ceiling, LittleEndian: sc.LittleEndian}, opts), nil
	case config.SensorSCD41:
		return sensor.NewCO2(b, sensor.CO2Config{
			ID:        sc.ID,
			Address:   addr,
			IgnoreCRC: sc.IgnoreCRC,
			Warmup:    time.Duration(sc.WarmupMs) * time.Millisecond,
		}, opts), nil
	case config.SensorAS7341:
		return sensor.NewSpectral(b, sensor.SpectralConfig{
			ID:          sc.ID,
			Address:     addr,
			ATime:       byte(sc.ATime),
			Gain:        byte(sc.Gain),
			Integration: time.Duration(sc.IntegrationMs) * time.Millisecond,
			LED:         sc.LED,
			LEDCurrent:  sc.LEDCurrent,
		}, opts), nil
	case config.SensorMoisture:
		adc, err := moistureADC(sc, b, opts)
		if err != nil {
			return nil, err
		}
		return sensor.NewMoisture(adc, sensor.MoistureConfig{ID: sc.ID, RawMin: uint16(sc.RawMin), RawMax: uint16(sc.RawMax)}, opts)
	case config.SensorBLE:
		return nil, errors.New("no BLE radio backend on this host; use sensor_type=simulation")
	}
	return nil, errors.Errorf("unknown sensor type %q", sc.Type)
}

func moistureADC(sc config.SensorConfig, b sensor.Bus, opts sensor.Options) (sensor.ADC, error) {
	if sc.ADC != "pin" {
		return sensor.NewADS1115(b, sensor.ADS1115Config{Address: uint16(sc.Address), Channel: sc.Channel, SampleRate: sc.SampleRate}, opts)
	}
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "periph host init")
	}
	p := gpioreg.ByName(sc.Pin)
	if p == nil {
		return nil, errors.Errorf("no pin named %q", sc.Pin)
	}
	a, ok := p.(analog.PinADC)
	if !ok {
		return nil, errors.Errorf("pin %s has no ADC function", p)
	}
	return sensor.NewPinADC(a), nil
}

func simDriver(sc config.SensorConfig, opts sensor.Options) (sensor.Driver, error) {
	switch sc.Type {
	case config.SensorFS3000:
		return sensor.NewFakeSensor(sc.ID, sensor.SimAirVelocity, opts), nil
	case config.SensorSCD41:
		return sensor.NewFakeSensor(sc.ID, sensor.SimCO2, opts), nil
	case config.SensorAS7341:
		return sensor.NewFakeSensor(sc.ID, sensor.SimSpectral, opts), nil
	case config.SensorMoisture:
		return sensor.NewFakeSensor(sc.ID, sensor.SimMoisture, opts), nil
	case config.SensorBLE:
		radio := sensor.NewSimRadio(sc.MAC, simNotifyInterval, opts.Clock)
		t, err := sensor.NewBLEThermometer(radio, sensor.BLEConfig{ID: sc.ID, Address: sc.MAC}, opts)
		if err != nil {
			return nil, err
		}
		radio.Attach(t.Post)
		return t, nil
	}
	return nil, errors.Errorf("unknown sensor type %q", sc.Type)
}

// channels lists the metrics a sensor type publishes.
func channels(sc config.SensorConfig, mode string) []sensor.SimMetric {
	switch sc.Type {
	case config.SensorFS3000:
		return sensor.SimAirVelocity
	case config.SensorSCD41:
		return sensor.SimCO2
	case config.SensorAS7341:
		return sensor.SimSpectral
	case config.SensorMoisture:
		if mode == config.ModeReal {
			return append(append([]sensor.SimMetric(nil), sensor.SimMoisture...), sensor.SimMetric{Name: "moisture_raw", Unit: "raw"})
		}
		return sensor.SimMoisture
	case config.SensorBLE:
		return sensor.SimBLE
	}
	return nil
}

func discoveryMetrics(cfg config.Config) []mqtt.Metric {
	var out []mqtt.Metric
	for _, sc := range cfg.Sensors {
		dev := sc.DeviceID
		if dev == "" {
			dev = cfg.DeviceID
		}
		for _, ch := range channels(sc, cfg.SensorType) {
			out = append(out, mqtt.Metric{DeviceID: dev, Name: ch.Name, Unit: ch.Unit})
		}
	}
	return out
}

type outputs struct {
	outputs []output.Output
	pollers []acquisition.Poller
	status  []acquisition.StatusPublisher
}

func buildOutputs(cfg config.Config, mux *command.Mux, clk clock.Clock, log *zap.SugaredLogger) (outputs, error) {
	var out outputs
	for _, oc := range cfg.Outputs {
		switch oc.Type {
		case config.OutputConsole:
			out.outputs = append(out.outputs, console.NewConsole())
		case config.OutputREST:
			r, err := rest.New(rest.Config{
				URL:     oc.REST.URL,
				Timeout: time.Duration(oc.REST.TimeoutMs) * time.Millisecond,
				Headers: oc.REST.Headers,
			}, nil, log.With("output", "rest"))
			if err != nil {
				return outputs{}, err
			}
			out.outputs = append(out.outputs, r)
		case config.OutputMQTT:
			m, err := mqtt.New(*oc.MQTT, mqtt.Options{
				DeviceID:     cfg.DeviceID,
				Dispatcher:   mux,
				Capabilities: mux.Capabilities(),
				Metrics:      discoveryMetrics(cfg),
				Clock:        clk,
				Logger:       log.With("output", "mqtt"),
			})
			if err != nil {
				return outputs{}, err
			}
			out.outputs = append(out.outputs, m)
			out.pollers = append(out.pollers, m)
			out.status = append(out.status, m)
		default:
			return outputs{}, errors.Errorf("unknown output type %q", oc.Type)
		}
	}
	return out, nil
}

// buildHealth returns the health sink and its closer. A pin that cannot be
// opened falls back to logging.
func buildHealth(c config.HealthConfig, log *zap.SugaredLogger) (health.Sink, func()) {
	logSink := health.LogSink{Logger: log}
	if c.LEDPin == "" {
		return logSink, func() {}
	}
	led, err := health.OpenLED(c.LEDPin, log)
	if err != nil {
		log.Warnw("health led unavailable, logging instead", "pin", c.LEDPin, "error", err)
		return logSink, func() {}
	}
	return health.Multi{led, logSink}, func() { _ = led.Close() }
}

// buildCommands registers the remotely callable operations. Only SCD41
// calibration is exposed; commands run on the loop goroutine between polls.
func buildCommands(sources []acquisition.Source, log *zap.SugaredLogger) *command.Mux {
	mux := command.NewMux()
	for _, s := range sources {
		if co2, ok := s.Driver.(*sensor.CO2); ok {
			mux.Handle(co2.ID(), co2Commands(co2, log))
		}
	}
	return mux
}

func co2Commands(d *sensor.CO2, log *zap.SugaredLogger) command.Dispatcher {
	return command.DispatcherFunc(func(ctx context.Context, cmd command.Command) (bool, string) {
		switch cmd.Action {
		case "calibrate":
			ppm, err := strconv.ParseUint(cmd.Value, 10, 16)
			if err != nil {
				return false, "invalid ppm " + strconv.Quote(cmd.Value)
			}
			corr, err := d.ForceCalibration(ctx, uint16(ppm))
			if err != nil {
				log.Warnw("forced recalibration failed", "sensor", d.ID(), "error", err)
				return false, err.Error()
			}
			return true, fmt.Sprintf("recalibrated, correction %d ppm", corr)
		case "asc":
			if cmd.Value != "on" && cmd.Value != "off" {
				return false, "asc value must be on or off"
			}
			if err := d.SetAutomaticSelfCalibration(ctx, cmd.Value == "on"); err != nil {
				return false, err.Error()
			}
			return true, "automatic self-calibration " + cmd.Value
		case "altitude":
			m, err := strconv.ParseUint(cmd.Value, 10, 16)
			if err != nil {
				return false, "invalid altitude " + strconv.Quote(cmd.Value)
			}
			if err := d.SetAltitude(ctx, uint16(m)); err != nil {
				return false, err.Error()
			}
			return true, fmt.Sprintf("altitude set to %d m", m)
		}
		return false, "Unknown command"
	})
}
