package sensor

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ericogr/sensorlink/pkg/bus"
)

const AS7341Address = 0x39

// AS7341 registers.
const (
	as7341RegEnable  = 0x80
	as7341RegATime   = 0x81
	as7341RegID      = 0x92
	as7341RegStatus  = 0x93
	as7341RegCh0     = 0x95
	as7341RegConfig  = 0xA9
	as7341RegControl = 0xAA
	as7341RegSMUX    = 0xAF
	as7341RegLED     = 0xB3

	as7341PowerOn     = 0x01
	as7341ADCEnable   = 0x02
	as7341SMUXConfig  = 0x01
	as7341LEDDrive    = 0x08
	as7341StatusValid = 0x08
	as7341ExpectedID  = 0x09

	as7341Channels = 6
)

const (
	as7341PowerSettle = 10 * time.Millisecond
	as7341SMUXSettle  = 50 * time.Millisecond
	as7341ConfigDelay = 10 * time.Millisecond
	as7341PollEvery   = 10 * time.Millisecond
)

// Defaults used by the field units: ATIME 0x3C (about 100ms) and 64x gain.
const (
	DefaultAS7341ATime       = 0x3C
	DefaultAS7341Gain        = 0x06
	DefaultAS7341Integration = 100 * time.Millisecond
)

// smuxSequence selects F1-F4 (bank 0) or F5-F8 (bank 1) plus clear and NIR.
var smuxSequence = [2][2]byte{
	{0x10, 0x11},
	{0x20, 0x21},
}

var (
	spectralBankMetrics = [2][4]string{
		{"spectral_violet", "spectral_indigo", "spectral_blue", "spectral_cyan"},
		{"spectral_green", "spectral_yellow", "spectral_orange", "spectral_red"},
	}
	metricSpectralClear = "spectral_clear"
	metricSpectralNIR   = "spectral_nir"
	spectralRange       = &Range{Min: 0, Max: 65535}
)

type SpectralConfig struct {
	ID          string
	Address     uint16
	ATime       byte
	Gain        byte
	Integration time.Duration
	// Timeout bounds the wait for a measurement after the integration time.
	// Default 10x Integration.
	Timeout time.Duration
	// LED turns on the onboard illumination LED at Init.
	LED        bool
	LEDCurrent int
}

// Spectral drives an AS7341 10-channel spectral sensor.
type Spectral struct {
	bus        Bus
	cfg        SpectralConfig
	opts       Options
	ledEnabled bool
}

func NewSpectral(b Bus, cfg SpectralConfig, opts Options) *Spectral {
	if cfg.Address == 0 {
		cfg.Address = AS7341Address
	}
	if cfg.ID == "" {
		cfg.ID = "as7341"
	}
	if cfg.ATime == 0 {
		cfg.ATime = DefaultAS7341ATime
	}
	if cfg.Gain == 0 {
		cfg.Gain = DefaultAS7341Gain
	}
	if cfg.Integration <= 0 {
		cfg.Integration = DefaultAS7341Integration
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * cfg.Integration
	}
	return &Spectral{bus: b, cfg: cfg, opts: opts.withDefaults()}
}

func (s *Spectral) ID() string { return s.cfg.ID }

// Identify reads the ID register. Boards reporting a non-standard ID are
// accepted with a warning.
func (s *Spectral) Identify(ctx context.Context) error {
	id, err := s.readReg(ctx, as7341RegID)
	if err != nil {
		return err
	}
	if id != as7341ExpectedID {
		s.opts.Logger.Warnw("as7341 non-standard device id", "sensor", s.cfg.ID, "id", fmt.Sprintf("0x%02X", id))
	}
	return nil
}

// Init powers the sensor on and applies integration time and gain.
func (s *Spectral) Init(ctx context.Context) error {
	if err := s.writeReg(ctx, as7341RegEnable, as7341PowerOn); err != nil {
		return fmt.Errorf("power on: %w", err)
	}
	s.opts.Clock.Sleep(as7341PowerSettle)
	steps := []struct{ reg, val byte }{
		{as7341RegEnable, as7341PowerOn | as7341ADCEnable},
		{as7341RegATime, s.cfg.ATime},
		{as7341RegControl, s.cfg.Gain},
	}
	for _, st := range steps {
		if err := s.writeReg(ctx, st.reg, st.val); err != nil {
			return fmt.Errorf("write reg 0x%02X: %w", st.reg, err)
		}
	}
	if s.cfg.LED {
		return s.SetLED(ctx, true, s.cfg.LEDCurrent)
	}
	return nil
}

// SetLED drives the illumination LED. current is clamped to 0..255.
func (s *Spectral) SetLED(ctx context.Context, enable bool, current int) error {
	if enable {
		if err := s.writeReg(ctx, as7341RegLED, byte(clamp(current, 0, 255))); err != nil {
			return fmt.Errorf("led current: %w", err)
		}
	}
	cfg, err := s.readReg(ctx, as7341RegConfig)
	if err != nil {
		return err
	}
	if enable {
		cfg |= as7341LEDDrive
	} else {
		cfg &^= as7341LEDDrive
	}
	if err := s.writeReg(ctx, as7341RegConfig, cfg); err != nil {
		return fmt.Errorf("led drive: %w", err)
	}
	s.ledEnabled = enable
	return nil
}

func (s *Spectral) Read(ctx context.Context) (Sample, error) {
	var banks [2][as7341Channels]uint16
	raw := make([]byte, 0, 2*as7341Channels*2)
	for bank := range banks {
		if err := s.selectBank(ctx, bank); err != nil {
			return Sample{}, fmt.Errorf("select bank %d: %w", bank, err)
		}
		if err := s.measure(ctx); err != nil {
			return Sample{}, err
		}
		data, err := s.bus.Tx(ctx, s.cfg.Address, []byte{as7341RegCh0}, as7341Channels*2)
		if err != nil {
			return Sample{}, fmt.Errorf("read channels: %w", err)
		}
		raw = append(raw, data...)
		ch, err := DecodeSpectralBank(data)
		if err != nil {
			return Sample{}, err
		}
		banks[bank] = ch
	}
	now := s.opts.Clock.Now()
	readings := make([]Reading, 0, 10)
	for bank, names := range spectralBankMetrics {
		for i, name := range names {
			readings = append(readings, s.counts(name, float64(banks[bank][i]), now))
		}
	}
	readings = append(readings,
		s.counts(metricSpectralClear, mean(banks[0][4], banks[1][4]), now),
		s.counts(metricSpectralNIR, mean(banks[0][5], banks[1][5]), now),
	)
	return Sample{
		SensorID: s.cfg.ID,
		Raw:      RawSample{Command: as7341RegCh0, Data: raw},
		Readings: readings,
	}, nil
}

// Close turns the LED off if it was enabled.
func (s *Spectral) Close() error {
	if !s.ledEnabled {
		return nil
	}
	return s.SetLED(context.Background(), false, 0)
}

func (s *Spectral) counts(name string, v float64, ts time.Time) Reading {
	return metric{name: name, unit: "counts", rng: spectralRange}.reading(s.cfg.ID, v, ts)
}

func (s *Spectral) selectBank(ctx context.Context, bank int) error {
	led := byte(0)
	if s.ledEnabled {
		led = as7341LEDDrive
	}
	if err := s.writeReg(ctx, as7341RegConfig, as7341SMUXConfig|led); err != nil {
		return err
	}
	s.opts.Clock.Sleep(as7341ConfigDelay)
	for _, v := range smuxSequence[bank] {
		if err := s.writeReg(ctx, as7341RegSMUX, v); err != nil {
			return err
		}
	}
	s.opts.Clock.Sleep(as7341SMUXSettle)
	if err := s.writeReg(ctx, as7341RegConfig, led); err != nil {
		return err
	}
	s.opts.Clock.Sleep(as7341SMUXSettle)
	return nil
}

// measure triggers a one-shot integration and waits for the valid bit.
func (s *Spectral) measure(ctx context.Context) error {
	en, err := s.readReg(ctx, as7341RegEnable)
	if err != nil {
		return err
	}
	if err := s.writeReg(ctx, as7341RegEnable, en|as7341ADCEnable); err != nil {
		return err
	}
	s.opts.Clock.Sleep(s.cfg.Integration)
	deadline := s.opts.Clock.Now().Add(s.cfg.Timeout)
	for {
		st, err := s.readReg(ctx, as7341RegStatus)
		if err != nil {
			return err
		}
		if st&as7341StatusValid != 0 {
			return nil
		}
		if !s.opts.Clock.Now().Before(deadline) {
			return newError(DriverBusy, s.cfg.ID, "integration not complete after %s", s.cfg.Integration+s.cfg.Timeout)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		s.opts.Clock.Sleep(as7341PollEvery)
	}
}

func (s *Spectral) writeReg(ctx context.Context, reg, val byte) error {
	return s.bus.Write(ctx, s.cfg.Address, []byte{reg, val})
}

func (s *Spectral) readReg(ctx context.Context, reg byte) (byte, error) {
	b, err := s.bus.Tx(ctx, s.cfg.Address, []byte{reg}, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// DecodeSpectralBank decodes six little-endian channel words.
func DecodeSpectralBank(data []byte) ([as7341Channels]uint16, error) {
	var ch [as7341Channels]uint16
	if err := bus.CheckLength(AS7341Address, data, as7341Channels*2); err != nil {
		return ch, err
	}
	for i := range ch {
		ch[i] = binary.LittleEndian.Uint16(data[i*2:])
	}
	return ch, nil
}

func mean(a, b uint16) float64 { return (float64(a) + float64(b)) / 2 }
