package sensor

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/multierr"

	"github.com/ericogr/sensorlink/pkg/bus"
)

const SCD41Address = 0x62

// SCD41 opcodes.
const (
	scd41StartPeriodic    = 0x21B1
	scd41ReadMeasurement  = 0xEC05
	scd41StopPeriodic     = 0x3F86
	scd41GetDataReady     = 0xE4B8
	scd41Reinit           = 0x3646
	scd41FactoryReset     = 0x3632
	scd41ForceCalibration = 0x362F
	scd41SetASC           = 0x2416
	scd41SetAltitude      = 0x2427

	scd41DataReadyMask = 0x07FF
	scd41FRCFailed     = 0xFFFF
	scd41FrameLen      = 9
)

// Protocol delays from the SCD4x datasheet, padded the way the field units ran.
const (
	scd41CommandDelay       = time.Millisecond
	scd41StopSettle         = 500 * time.Millisecond
	scd41ConfigSettle       = 500 * time.Millisecond
	scd41FRCDelay           = 400 * time.Millisecond
	SCD41FactoryResetSettle = 1200 * time.Millisecond
	scd41ReinitSettle       = 500 * time.Millisecond
	DefaultSCD41Warmup      = 5 * time.Second
	DefaultSCD41Stabilize   = 30 * time.Second
)

var (
	metricCO2         = metric{name: "co2", unit: "ppm", rng: &Range{Min: 1, Max: 40000}}
	metricTemperature = metric{name: "temperature", unit: "C", rng: &Range{Min: -10, Max: 60}}
	metricHumidity    = metric{name: "humidity", unit: "%", rng: &Range{Min: 0, Max: 100}}
)

type CO2Config struct {
	ID      string
	Address uint16
	// IgnoreCRC keeps readings whose checksum failed, logging the mismatch.
	IgnoreCRC bool
	// Warmup is slept after starting periodic measurement. Default 5s.
	Warmup time.Duration
	// Stabilize is slept after a factory reset restarts measurement. Default 30s.
	Stabilize time.Duration
}

// CO2 drives a Sensirion SCD41 in periodic measurement mode.
type CO2 struct {
	bus     Bus
	cfg     CO2Config
	opts    Options
	running bool
}

func NewCO2(b Bus, cfg CO2Config, opts Options) *CO2 {
	if cfg.Address == 0 {
		cfg.Address = SCD41Address
	}
	if cfg.ID == "" {
		cfg.ID = "scd41"
	}
	if cfg.Warmup <= 0 {
		cfg.Warmup = DefaultSCD41Warmup
	}
	if cfg.Stabilize <= 0 {
		cfg.Stabilize = DefaultSCD41Stabilize
	}
	return &CO2{bus: b, cfg: cfg, opts: opts.withDefaults()}
}

func (s *CO2) ID() string { return s.cfg.ID }

// Running reports whether periodic measurement was started by this driver.
func (s *CO2) Running() bool { return s.running }

// Identify asks for the data ready status, which the sensor answers in any mode.
func (s *CO2) Identify(ctx context.Context) error {
	if _, err := s.readWords(ctx, scd41GetDataReady, 1); err != nil {
		var be *bus.BusError
		if errors.As(err, &be) {
			return &bus.BusError{Kind: bus.DeviceAbsent, Addr: s.cfg.Address, Err: err}
		}
		return err
	}
	return nil
}

// Init stops any measurement left running and starts periodic measurement.
func (s *CO2) Init(ctx context.Context) error {
	if err := s.stop(ctx); err != nil {
		return err
	}
	return s.start(ctx)
}

func (s *CO2) Read(ctx context.Context) (Sample, error) {
	ready, err := s.dataReady(ctx)
	if err != nil {
		return Sample{}, err
	}
	if !ready {
		return Sample{}, &SensorError{Kind: NotReady, Sensor: s.cfg.ID}
	}
	frame, err := s.command(ctx, scd41ReadMeasurement, scd41FrameLen)
	if err != nil {
		return Sample{}, fmt.Errorf("read measurement: %w", err)
	}
	m, err := DecodeSCD41Frame(frame)
	if err != nil {
		var se *SensorError
		if !errors.As(err, &se) || se.Kind != ChecksumMismatch || !s.cfg.IgnoreCRC {
			if se != nil {
				se.Sensor = s.cfg.ID
			}
			return Sample{}, err
		}
		s.opts.Logger.Warnw("scd41 checksum mismatch ignored", "sensor", s.cfg.ID, "frame", fmt.Sprintf("% X", frame))
	}
	now := s.opts.Clock.Now()
	readings := []Reading{
		metricCO2.reading(s.cfg.ID, float64(m.CO2), now),
		metricTemperature.reading(s.cfg.ID, round(m.Temperature, 2), now),
		metricHumidity.reading(s.cfg.ID, round(m.Humidity, 2), now),
	}
	if allInvalid(readings) {
		return Sample{}, newError(OutOfRange, s.cfg.ID, "co2=%d temperature=%.2f humidity=%.2f", m.CO2, m.Temperature, m.Humidity)
	}
	return Sample{
		SensorID: s.cfg.ID,
		Raw:      RawSample{Command: scd41ReadMeasurement, Data: frame},
		Readings: readings,
	}, nil
}

// Close stops periodic measurement if this driver started it.
func (s *CO2) Close() error {
	if !s.running {
		return nil
	}
	return s.stop(context.Background())
}

// ForceCalibration recalibrates against a known reference concentration and
// returns the applied correction in ppm.
func (s *CO2) ForceCalibration(ctx context.Context, referencePPM uint16) (int, error) {
	var correction int
	err := s.whileIdle(ctx, func() error {
		resp, err := s.commandArgs(ctx, scd41ForceCalibration, scd41FRCDelay, 1, referencePPM)
		if err != nil {
			return fmt.Errorf("forced calibration: %w", err)
		}
		word := binary.BigEndian.Uint16(resp)
		if word == scd41FRCFailed {
			return errors.New("forced calibration: sensor reported failure")
		}
		correction = int(word) - 0x8000
		return nil
	})
	return correction, err
}

// SetAutomaticSelfCalibration enables or disables ASC.
func (s *CO2) SetAutomaticSelfCalibration(ctx context.Context, enabled bool) error {
	var v uint16
	if enabled {
		v = 1
	}
	return s.whileIdle(ctx, func() error {
		_, err := s.commandArgs(ctx, scd41SetASC, scd41ConfigSettle, 0, v)
		return err
	})
}

// SetAltitude sets the altitude compensation in meters above sea level.
func (s *CO2) SetAltitude(ctx context.Context, meters uint16) error {
	return s.whileIdle(ctx, func() error {
		_, err := s.commandArgs(ctx, scd41SetAltitude, scd41ConfigSettle, 0, meters)
		return err
	})
}

// FactoryReset erases calibration, reinitializes the sensor and, if it was
// measuring, restarts and waits for the readings to stabilize.
func (s *CO2) FactoryReset(ctx context.Context) error {
	wasRunning := s.running
	err := s.whileIdle(ctx, func() error {
		if err := s.bus.Write(ctx, s.cfg.Address, opcode(scd41FactoryReset)); err != nil {
			return fmt.Errorf("factory reset: %w", err)
		}
		s.opts.Clock.Sleep(SCD41FactoryResetSettle)
		if err := s.bus.Write(ctx, s.cfg.Address, opcode(scd41Reinit)); err != nil {
			return fmt.Errorf("reinit: %w", err)
		}
		s.opts.Clock.Sleep(scd41ReinitSettle)
		return nil
	})
	if err == nil && wasRunning {
		s.opts.Logger.Infow("scd41 stabilizing after factory reset", "sensor", s.cfg.ID, "wait", s.cfg.Stabilize)
		s.opts.Clock.Sleep(s.cfg.Stabilize)
	}
	return err
}

// whileIdle runs fn with periodic measurement stopped, restarting it after
// if it was running before.
func (s *CO2) whileIdle(ctx context.Context, fn func() error) error {
	wasRunning := s.running
	if wasRunning {
		if err := s.stop(ctx); err != nil {
			return err
		}
	}
	err := fn()
	if wasRunning {
		err = multierr.Append(err, s.start(ctx))
	}
	return err
}

func (s *CO2) start(ctx context.Context) error {
	if err := s.bus.Write(ctx, s.cfg.Address, opcode(scd41StartPeriodic)); err != nil {
		return fmt.Errorf("start periodic measurement: %w", err)
	}
	s.running = true
	s.opts.Logger.Infow("scd41 warming up", "sensor", s.cfg.ID, "wait", s.cfg.Warmup)
	s.opts.Clock.Sleep(s.cfg.Warmup)
	return nil
}

func (s *CO2) stop(ctx context.Context) error {
	if err := s.bus.Write(ctx, s.cfg.Address, opcode(scd41StopPeriodic)); err != nil {
		return fmt.Errorf("stop periodic measurement: %w", err)
	}
	s.running = false
	s.opts.Clock.Sleep(scd41StopSettle)
	return nil
}

func (s *CO2) dataReady(ctx context.Context) (bool, error) {
	resp, err := s.readWords(ctx, scd41GetDataReady, 1)
	if err != nil {
		return false, fmt.Errorf("data ready: %w", err)
	}
	return binary.BigEndian.Uint16(resp)&scd41DataReadyMask != 0, nil
}

// readWords sends cmd and returns n CRC-checked words without their checksums.
func (s *CO2) readWords(ctx context.Context, cmd uint16, n int) ([]byte, error) {
	frame, err := s.command(ctx, cmd, n*3)
	if err != nil {
		return nil, err
	}
	return s.stripCRC(frame)
}

// command writes cmd, waits the command delay and reads n bytes.
func (s *CO2) command(ctx context.Context, cmd uint16, n int) ([]byte, error) {
	if err := s.bus.Write(ctx, s.cfg.Address, opcode(cmd)); err != nil {
		return nil, err
	}
	s.opts.Clock.Sleep(scd41CommandDelay)
	frame, err := s.bus.Read(ctx, s.cfg.Address, n)
	if err != nil {
		return nil, err
	}
	if err := bus.CheckLength(s.cfg.Address, frame, n); err != nil {
		return nil, err
	}
	return frame, nil
}

// commandArgs writes cmd with CRC-protected argument words, waits delay and,
// when respWords > 0, reads and checks the response.
func (s *CO2) commandArgs(ctx context.Context, cmd uint16, delay time.Duration, respWords int, args ...uint16) ([]byte, error) {
	buf := opcode(cmd)
	for _, a := range args {
		buf = append(buf, wordWithCRC(a)...)
	}
	if err := s.bus.Write(ctx, s.cfg.Address, buf); err != nil {
		return nil, err
	}
	s.opts.Clock.Sleep(delay)
	if respWords == 0 {
		return nil, nil
	}
	frame, err := s.bus.Read(ctx, s.cfg.Address, respWords*3)
	if err != nil {
		return nil, err
	}
	if err := bus.CheckLength(s.cfg.Address, frame, respWords*3); err != nil {
		return nil, err
	}
	return s.stripCRC(frame)
}

func (s *CO2) stripCRC(frame []byte) ([]byte, error) {
	out := make([]byte, 0, len(frame)/3*2)
	for i := 0; i+2 < len(frame); i += 3 {
		if CRC8(frame[i:i+2]) != frame[i+2] {
			return nil, newError(ChecksumMismatch, s.cfg.ID, "word at byte %d", i)
		}
		out = append(out, frame[i], frame[i+1])
	}
	return out, nil
}

func opcode(cmd uint16) []byte { return []byte{byte(cmd >> 8), byte(cmd)} }

// SCD41Measurement is a decoded measurement frame.
type SCD41Measurement struct {
	CO2         uint16
	TempRaw     uint16
	HumidityRaw uint16
	Temperature float64
	Humidity    float64
}

// DecodeSCD41Frame decodes a 9-byte measurement frame. On a checksum mismatch
// the decoded values are still returned alongside a ChecksumMismatch error.
func DecodeSCD41Frame(frame []byte) (SCD41Measurement, error) {
	if err := bus.CheckLength(SCD41Address, frame, scd41FrameLen); err != nil {
		return SCD41Measurement{}, err
	}
	m := SCD41Measurement{
		CO2:         binary.BigEndian.Uint16(frame[0:2]),
		TempRaw:     binary.BigEndian.Uint16(frame[3:5]),
		HumidityRaw: binary.BigEndian.Uint16(frame[6:8]),
	}
	m.Temperature = SCD41Temperature(m.TempRaw)
	m.Humidity = SCD41Humidity(m.HumidityRaw)
	for i := 0; i < scd41FrameLen; i += 3 {
		if CRC8(frame[i:i+2]) != frame[i+2] {
			return m, newError(ChecksumMismatch, "", "word at byte %d: got 0x%02X want 0x%02X", i, frame[i+2], CRC8(frame[i:i+2]))
		}
	}
	return m, nil
}

// SCD41Temperature converts a raw temperature word to °C.
func SCD41Temperature(raw uint16) float64 { return -45 + 175*float64(raw)/65535 }

// SCD41Humidity converts a raw humidity word to %RH.
func SCD41Humidity(raw uint16) float64 { return 100 * float64(raw) / 65535 }

// SCD41TemperatureRaw is the inverse of SCD41Temperature.
func SCD41TemperatureRaw(celsius float64) uint16 {
	return uint16(clamp(math.Round((celsius+45)*65535/175), 0, 65535))
}

// SCD41HumidityRaw is the inverse of SCD41Humidity.
func SCD41HumidityRaw(rh float64) uint16 {
	return uint16(clamp(math.Round(rh*65535/100), 0, 65535))
}
