package sensor

import (
	"context"
	"fmt"
	"time"

	"github.com/ericogr/sensorlink/pkg/bus"
	"periph.io/x/conn/v3/analog"
)

const (
	ADS1115Address = 0x48

	pointerConv   = 0x00
	pointerConfig = 0x01

	ads1115FullScale = 4.096
)

type ADS1115Config struct {
	Address uint16
	// Channel is the single-ended input, 0..3.
	Channel int
	// SampleRate in samples per second; unsupported rates fall back to 128.
	SampleRate int
}

// ADS1115 reads one single-ended channel of a TI ADS1115 in single-shot mode.
type ADS1115 struct {
	bus      Bus
	cfg      ADS1115Config
	opts     Options
	msb, lsb byte
}

func NewADS1115(b Bus, cfg ADS1115Config, opts Options) (*ADS1115, error) {
	if cfg.Address == 0 {
		cfg.Address = ADS1115Address
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 128
	}
	msb, lsb, err := configForChannel(cfg.Channel, cfg.SampleRate)
	if err != nil {
		return nil, err
	}
	return &ADS1115{bus: b, cfg: cfg, opts: opts.withDefaults(), msb: msb, lsb: lsb}, nil
}

func (a *ADS1115) Identify(ctx context.Context) error {
	return a.bus.Probe(ctx, a.cfg.Address)
}

// ReadConversion starts a conversion and returns the signed result.
func (a *ADS1115) ReadConversion(ctx context.Context) (int16, error) {
	if err := a.bus.Write(ctx, a.cfg.Address, []byte{pointerConfig, a.msb, a.lsb}); err != nil {
		return 0, fmt.Errorf("write config: %w", err)
	}
	// wait for conversion (simple sleep)
	delayMs := int(1000.0/float64(a.cfg.SampleRate)) + 2
	a.opts.Clock.Sleep(time.Duration(delayMs) * time.Millisecond)
	buf, err := a.bus.Tx(ctx, a.cfg.Address, []byte{pointerConv}, 2)
	if err != nil {
		return 0, fmt.Errorf("read conv: %w", err)
	}
	if err := bus.CheckLength(a.cfg.Address, buf, 2); err != nil {
		return 0, err
	}
	return int16(buf[0])<<8 | int16(buf[1]), nil
}

// ReadU16 returns the conversion scaled to the full unsigned 16-bit range.
// Single-ended inputs never go meaningfully negative, so noise below ground
// reads as zero.
func (a *ADS1115) ReadU16(ctx context.Context) (uint16, error) {
	raw, err := a.ReadConversion(ctx)
	if err != nil {
		return 0, err
	}
	if raw < 0 {
		raw = 0
	}
	return uint16(raw) << 1, nil
}

// Voltage converts a conversion result at the configured gain.
func (a *ADS1115) Voltage(raw int16) float64 {
	return float64(raw) * ads1115FullScale / 32768.0
}

func configForChannel(channel, sampleRate int) (byte, byte, error) {
	var mux byte
	switch channel {
	case 0:
		mux = 0x4
	case 1:
		mux = 0x5
	case 2:
		mux = 0x6
	case 3:
		mux = 0x7
	default:
		return 0, 0, fmt.Errorf("invalid channel %d", channel)
	}
	// PGA: use ±4.096V -> bits 001
	pga := byte(0x1)
	var dr byte
	switch sampleRate {
	case 8:
		dr = 0x0
	case 16:
		dr = 0x1
	case 32:
		dr = 0x2
	case 64:
		dr = 0x3
	case 128:
		dr = 0x4
	case 250:
		dr = 0x5
	case 475:
		dr = 0x6
	case 860:
		dr = 0x7
	default:
		dr = 0x4
	}
	var config uint16 = 0x8000 // OS = 1 (start single conversion)
	config |= uint16(mux) << 12
	config |= uint16(pga) << 9
	config |= 1 << 8 // single-shot mode
	config |= uint16(dr) << 5
	// comparator disabled
	config |= 0x3
	return byte(config >> 8), byte(config & 0xFF), nil
}

// PinADC adapts a host analog pin to the ADC interface.
type PinADC struct {
	pin analog.PinADC
}

func NewPinADC(p analog.PinADC) *PinADC { return &PinADC{pin: p} }

// ReadU16 rescales the pin's raw sample from its native range to 0..0xFFFF.
func (p *PinADC) ReadU16(ctx context.Context) (uint16, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s, err := p.pin.Read()
	if err != nil {
		return 0, fmt.Errorf("read %s: %w", p.pin, err)
	}
	lo, hi := p.pin.Range()
	span := float64(hi.Raw) - float64(lo.Raw)
	if span <= 0 {
		return 0, fmt.Errorf("pin %s reports an empty range", p.pin)
	}
	v := (float64(s.Raw) - float64(lo.Raw)) / span * 0xFFFF
	return uint16(clamp(v, 0, 0xFFFF)), nil
}
