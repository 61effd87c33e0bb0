package sensor

import (
	"context"
	"math"
	"testing"

	"periph.io/x/conn/v3/analog"
	"periph.io/x/conn/v3/i2c/i2ctest"
)

type fixedADC struct{ raw uint16 }

func (f fixedADC) ReadU16(ctx context.Context) (uint16, error) { return f.raw, nil }

func TestMoisturePercentScenarios(t *testing.T) {
	cases := []struct {
		raw  uint16
		want float64
	}{
		{65535, 0},
		{0, 100},
		{32767, 50},
	}
	for _, tc := range cases {
		got := MoisturePercent(tc.raw, 0, 65535)
		if math.Abs(got-tc.want) > 0.1 {
			t.Fatalf("raw %d: got %v want %v", tc.raw, got, tc.want)
		}
	}
}

func TestMoisturePercentClampsOutsideCalibration(t *testing.T) {
	if got := MoisturePercent(100, 1000, 50000); got != 100 {
		t.Fatalf("wetter than wet: got %v", got)
	}
	if got := MoisturePercent(60000, 1000, 50000); got != 0 {
		t.Fatalf("drier than dry: got %v", got)
	}
}

func TestNewMoistureValidatesEndpoints(t *testing.T) {
	if _, err := NewMoisture(fixedADC{}, MoistureConfig{RawMin: 500, RawMax: 500}, Options{}); err == nil {
		t.Fatalf("expected error for empty span")
	}
}

func TestMoistureRead(t *testing.T) {
	m, err := NewMoisture(fixedADC{raw: 32767}, MoistureConfig{}, testOptions(t, newStepClock()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	got, err := m.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Readings[0].Metric != "moisture" || got.Readings[0].Value != 50 {
		t.Fatalf("moisture: %+v", got.Readings[0])
	}
	if got.Readings[1].Metric != "moisture_raw" || got.Readings[1].Value != 32767 {
		t.Fatalf("raw: %+v", got.Readings[1])
	}
}

func TestADS1115ConfigForChannel(t *testing.T) {
	msb, lsb, err := configForChannel(0, 128)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	if msb != 0xC3 || lsb != 0x83 {
		t.Fatalf("config: got %02X%02X want C383", msb, lsb)
	}
	msb, lsb, _ = configForChannel(3, 860)
	if msb != 0xF3 || lsb != 0xE3 {
		t.Fatalf("config ch3/860: got %02X%02X want F3E3", msb, lsb)
	}
	if _, _, err := configForChannel(4, 128); err == nil {
		t.Fatalf("expected error for channel 4")
	}
}

func TestMoistureOverADS1115(t *testing.T) {
	tr := playback(t,
		i2ctest.IO{Addr: ADS1115Address, R: []byte{0}},
		i2ctest.IO{Addr: ADS1115Address, W: []byte{pointerConfig, 0xC3, 0x83}},
		i2ctest.IO{Addr: ADS1115Address, W: []byte{pointerConv}, R: []byte{0x40, 0x00}},
		i2ctest.IO{Addr: ADS1115Address, W: []byte{pointerConfig, 0xC3, 0x83}},
		i2ctest.IO{Addr: ADS1115Address, W: []byte{pointerConv}, R: []byte{0xFF, 0xFF}},
	)
	clk := newStepClock()
	adc, err := NewADS1115(tr, ADS1115Config{}, testOptions(t, clk))
	if err != nil {
		t.Fatalf("adc: %v", err)
	}
	m, err := NewMoisture(adc, MoistureConfig{ID: "soil"}, testOptions(t, clk))
	if err != nil {
		t.Fatalf("moisture: %v", err)
	}
	ctx := context.Background()
	if err := m.Identify(ctx); err != nil {
		t.Fatalf("identify: %v", err)
	}
	got, err := m.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Readings[1].Value != 32768 || got.Readings[0].Value != 50 {
		t.Fatalf("readings: %+v", got.Readings)
	}
	// slightly below ground
	got, err = m.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got.Readings[1].Value != 0 || got.Readings[0].Value != 100 {
		t.Fatalf("negative conversion: %+v", got.Readings)
	}
}

type fakePin struct {
	analog.PinADC
	raw int32
}

func (p *fakePin) String() string { return "A0" }

func (p *fakePin) Range() (analog.Sample, analog.Sample) {
	return analog.Sample{Raw: 0}, analog.Sample{Raw: 4095}
}

func (p *fakePin) Read() (analog.Sample, error) { return analog.Sample{Raw: p.raw}, nil }

func TestPinADCRescales(t *testing.T) {
	cases := []struct {
		raw  int32
		want uint16
	}{
		{0, 0},
		{4095, 0xFFFF},
		{5000, 0xFFFF},
	}
	for _, tc := range cases {
		got, err := NewPinADC(&fakePin{raw: tc.raw}).ReadU16(context.Background())
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got != tc.want {
			t.Fatalf("raw %d: got %d want %d", tc.raw, got, tc.want)
		}
	}
}
