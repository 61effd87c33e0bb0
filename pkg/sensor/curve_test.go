package sensor

import (
	"context"
	"math"
	"testing"

	"periph.io/x/conn/v3/i2c/i2ctest"
)

func TestNewCurveRejectsBadSegments(t *testing.T) {
	cases := []struct {
		name string
		segs []Segment
	}{
		{"empty", nil},
		{"inverted", []Segment{{MinRaw: 10, MaxRaw: 5}}},
		{"overlap", []Segment{{MinRaw: 0, MaxRaw: 10}, {MinRaw: 10, MaxRaw: 20}}},
	}
	for _, tc := range cases {
		if _, err := NewCurve(tc.segs...); err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
	}
}

func TestCurveSegmentsIsCopy(t *testing.T) {
	segs := fs3000Curve.Segments()
	segs[0].Scale = 99
	if fs3000Curve.Segments()[0].Scale == 99 {
		t.Fatalf("curve mutated through Segments()")
	}
}

func TestConvertVelocityNoFlow(t *testing.T) {
	for _, max := range []float64{FS3000MaxVelocity1005, FS3000MaxVelocity1015} {
		if v := ConvertVelocity(0, max); v != 0 {
			t.Fatalf("raw 0: got %v", v)
		}
		if v := ConvertVelocity(0xFFFF, max); v != 0 {
			t.Fatalf("raw 0xFFFF: got %v", v)
		}
	}
}

func TestConvertVelocityBandOne(t *testing.T) {
	if v := ConvertVelocity(512, FS3000MaxVelocity1005); math.Abs(v-0.625) > 1e-9 {
		t.Fatalf("raw 512: got %v want 0.625", v)
	}
}

func TestConvertVelocityMonotonicAndContinuous(t *testing.T) {
	bands := []struct{ lo, hi uint16 }{{1, 1023}, {1024, 8191}, {8192, 65534}}
	for _, b := range bands {
		prev := ConvertVelocity(b.lo, FS3000MaxVelocity1015)
		for r := uint32(b.lo) + 1; r <= uint32(b.hi); r++ {
			v := ConvertVelocity(uint16(r), FS3000MaxVelocity1015)
			if v < prev {
				t.Fatalf("raw %d: %v < previous %v", r, v, prev)
			}
			prev = v
		}
	}
	for _, edge := range []uint16{1024, 8192} {
		below := ConvertVelocity(edge-1, FS3000MaxVelocity1015)
		at := ConvertVelocity(edge, FS3000MaxVelocity1015)
		if math.Abs(at-below) > 0.01 {
			t.Fatalf("discontinuity at %d: %v -> %v", edge, below, at)
		}
	}
}

func TestConvertVelocityClampsToVariant(t *testing.T) {
	if v := ConvertVelocity(65534, 5.0); v != 5.0 {
		t.Fatalf("clamp: got %v", v)
	}
	if v := ConvertVelocity(65534, FS3000MaxVelocity1015); v > 7.5 || v < 7.49 {
		t.Fatalf("top of curve: got %v", v)
	}
}

func TestAirVelocityRead(t *testing.T) {
	tr := playback(t,
		i2ctest.IO{Addr: FS3000Address, R: []byte{0}},
		i2ctest.IO{Addr: FS3000Address, W: []byte{0x00}, R: []byte{0x02, 0x00}},
	)
	s := NewAirVelocity(tr, AirVelocityConfig{}, testOptions(t, newStepClock()))
	ctx := context.Background()
	if err := s.Identify(ctx); err != nil {
		t.Fatalf("identify: %v", err)
	}
	got, err := s.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got.Readings) != 1 {
		t.Fatalf("readings: %+v", got.Readings)
	}
	r := got.Readings[0]
	if r.Metric != "air_velocity" || r.Unit != "m/s" || math.Abs(r.Value-0.625) > 1e-9 {
		t.Fatalf("reading: %+v", r)
	}
	if got.Raw.Data[0] != 0x02 || got.Raw.Data[1] != 0x00 {
		t.Fatalf("raw: % X", got.Raw.Data)
	}
}

func TestAirVelocityLittleEndian(t *testing.T) {
	tr := playback(t, i2ctest.IO{Addr: FS3000Address, W: []byte{0x00}, R: []byte{0x00, 0x02}})
	s := NewAirVelocity(tr, AirVelocityConfig{LittleEndian: true}, testOptions(t, newStepClock()))
	got, err := s.Read(context.Background())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if v := got.Readings[0].Value; math.Abs(v-0.625) > 1e-9 {
		t.Fatalf("got %v", v)
	}
}
