package sensor

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/ericogr/sensorlink/pkg/bus"
)

const (
	FS3000Address     = 0x28
	fs3000VelocityReg = 0x00
	fs3000NoFlow      = 0xFFFF
)

// Rated ceilings of the two FS3000 variants, in m/s.
const (
	FS3000MaxVelocity1005 = 7.5
	FS3000MaxVelocity1015 = 15.0
)

// fs3000Curve holds the low, mid and high bands of the raw count response.
var fs3000Curve = MustCurve(
	Segment{MinRaw: 0, MaxRaw: 1023, RawBase: 0, Base: 0, Scale: 1.25 / 1024},
	Segment{MinRaw: 1024, MaxRaw: 8191, RawBase: 1024, Base: 1.25, Scale: 3.75 / 7168},
	Segment{MinRaw: 8192, MaxRaw: 65535, RawBase: 8192, Base: 5.0, Scale: 2.5 / 57343},
)

var metricAirVelocity = metric{name: "air_velocity", unit: "m/s"}

type AirVelocityConfig struct {
	ID      string
	Address uint16
	// MaxVelocity is the rated ceiling; defaults to FS3000MaxVelocity1005.
	MaxVelocity float64
	// LittleEndian decodes the count low byte first, as some early field
	// units were deployed.
	LittleEndian bool
}

// AirVelocity drives an FS3000 air velocity sensor.
type AirVelocity struct {
	bus  Bus
	cfg  AirVelocityConfig
	opts Options
}

func NewAirVelocity(b Bus, cfg AirVelocityConfig, opts Options) *AirVelocity {
	if cfg.Address == 0 {
		cfg.Address = FS3000Address
	}
	if cfg.MaxVelocity <= 0 {
		cfg.MaxVelocity = FS3000MaxVelocity1005
	}
	if cfg.ID == "" {
		cfg.ID = "fs3000"
	}
	return &AirVelocity{bus: b, cfg: cfg, opts: opts.withDefaults()}
}

func (s *AirVelocity) ID() string { return s.cfg.ID }

func (s *AirVelocity) Identify(ctx context.Context) error {
	return s.bus.Probe(ctx, s.cfg.Address)
}

func (s *AirVelocity) Read(ctx context.Context) (Sample, error) {
	data, err := s.bus.Tx(ctx, s.cfg.Address, []byte{fs3000VelocityReg}, 2)
	if err != nil {
		return Sample{}, fmt.Errorf("read velocity: %w", err)
	}
	if err := bus.CheckLength(s.cfg.Address, data, 2); err != nil {
		return Sample{}, err
	}
	raw := binary.BigEndian.Uint16(data)
	if s.cfg.LittleEndian {
		raw = binary.LittleEndian.Uint16(data)
	}
	v := ConvertVelocity(raw, s.cfg.MaxVelocity)
	s.opts.Logger.Debugw("fs3000 sample", "sensor", s.cfg.ID, "raw", raw, "velocity", v)
	return Sample{
		SensorID: s.cfg.ID,
		Raw:      RawSample{Command: fs3000VelocityReg, Data: data},
		Readings: []Reading{metricAirVelocity.reading(s.cfg.ID, v, s.opts.Clock.Now())},
	}, nil
}

func (s *AirVelocity) Close() error { return nil }

// ConvertVelocity maps an FS3000 raw count to m/s, capped at maxVelocity.
// Raw 0 and 0xFFFF are the sensor's no-flow report.
func ConvertVelocity(raw uint16, maxVelocity float64) float64 {
	if raw == 0 || raw == fs3000NoFlow {
		return 0
	}
	return clamp(fs3000Curve.Eval(raw), 0, maxVelocity)
}
