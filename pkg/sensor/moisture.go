package sensor

import (
	"context"
	"fmt"
)

// ADC is a single analog channel read as an unsigned 16-bit sample.
type ADC interface {
	ReadU16(ctx context.Context) (uint16, error)
}

var (
	metricMoisture    = metric{name: "moisture", unit: "%"}
	metricMoistureRaw = metric{name: "moisture_raw", unit: "raw"}
)

// MoistureConfig holds the dry and wet endpoints of the probe. With both
// left at zero the full ADC range is used, which is only a placeholder until
// the probe is calibrated in its soil.
type MoistureConfig struct {
	ID     string
	RawMin uint16
	RawMax uint16
}

// Moisture converts a capacitive soil probe sample to a percentage.
type Moisture struct {
	adc  ADC
	cfg  MoistureConfig
	opts Options
}

func NewMoisture(adc ADC, cfg MoistureConfig, opts Options) (*Moisture, error) {
	if cfg.RawMin == 0 && cfg.RawMax == 0 {
		cfg.RawMax = 0xFFFF
	}
	if cfg.RawMax <= cfg.RawMin {
		return nil, fmt.Errorf("moisture: raw max %d must be above raw min %d", cfg.RawMax, cfg.RawMin)
	}
	if cfg.ID == "" {
		cfg.ID = "moisture"
	}
	return &Moisture{adc: adc, cfg: cfg, opts: opts.withDefaults()}, nil
}

func (s *Moisture) ID() string { return s.cfg.ID }

// Identify defers to the ADC when it can probe its device.
func (s *Moisture) Identify(ctx context.Context) error {
	if p, ok := s.adc.(interface {
		Identify(ctx context.Context) error
	}); ok {
		return p.Identify(ctx)
	}
	return nil
}

func (s *Moisture) Read(ctx context.Context) (Sample, error) {
	raw, err := s.adc.ReadU16(ctx)
	if err != nil {
		return Sample{}, fmt.Errorf("read adc: %w", err)
	}
	pct := MoisturePercent(raw, s.cfg.RawMin, s.cfg.RawMax)
	now := s.opts.Clock.Now()
	return Sample{
		SensorID: s.cfg.ID,
		Raw:      RawSample{Data: []byte{byte(raw >> 8), byte(raw)}},
		Readings: []Reading{
			metricMoisture.reading(s.cfg.ID, round(pct, 1), now),
			metricMoistureRaw.reading(s.cfg.ID, float64(raw), now),
		},
	}, nil
}

func (s *Moisture) Close() error {
	if c, ok := s.adc.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

// MoisturePercent inverts raw against the dry (min) and wet (max) endpoints:
// a high reading is dry soil.
func MoisturePercent(raw, min, max uint16) float64 {
	span := float64(max) - float64(min)
	if span <= 0 {
		return 0
	}
	pct := 100 - (float64(raw)-float64(min))/span*100
	return clamp(pct, 0, 100)
}
