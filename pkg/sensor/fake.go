package sensor

import (
	"context"
	"encoding/binary"
	"math"
	"math/rand"
	"sync"
)

// SimMetric is one synthetic channel, uniformly distributed in [Min, Max].
type SimMetric struct {
	Name     string
	Unit     string
	Min, Max float64
}

// Simulated channel sets matching the hardware drivers, used when no bus is
// available.
var (
	SimAirVelocity = []SimMetric{{Name: "air_velocity", Unit: "m/s", Min: 0, Max: FS3000MaxVelocity1005}}
	SimCO2         = []SimMetric{
		{Name: "co2", Unit: "ppm", Min: 400, Max: 1200},
		{Name: "temperature", Unit: "C", Min: 18, Max: 30},
		{Name: "humidity", Unit: "%", Min: 30, Max: 70},
	}
	SimMoisture = []SimMetric{{Name: "moisture", Unit: "%", Min: 10, Max: 90}}
	SimBLE      = []SimMetric{
		{Name: "temperature", Unit: "C", Min: 15, Max: 30},
		{Name: "humidity", Unit: "%", Min: 30, Max: 70},
		{Name: "battery", Unit: "V", Min: 2.6, Max: 3.1},
	}
	SimSpectral = []SimMetric{
		{Name: "spectral_violet", Unit: "counts", Min: 0, Max: 4000},
		{Name: "spectral_indigo", Unit: "counts", Min: 0, Max: 4000},
		{Name: "spectral_blue", Unit: "counts", Min: 0, Max: 4000},
		{Name: "spectral_cyan", Unit: "counts", Min: 0, Max: 4000},
		{Name: "spectral_green", Unit: "counts", Min: 0, Max: 4000},
		{Name: "spectral_yellow", Unit: "counts", Min: 0, Max: 4000},
		{Name: "spectral_orange", Unit: "counts", Min: 0, Max: 4000},
		{Name: "spectral_red", Unit: "counts", Min: 0, Max: 4000},
		{Name: "spectral_clear", Unit: "counts", Min: 0, Max: 16000},
		{Name: "spectral_nir", Unit: "counts", Min: 0, Max: 2000},
	}
)

// FakeSensor produces random readings for development without hardware.
type FakeSensor struct {
	id      string
	metrics []SimMetric
	opts    Options
	mu      sync.Mutex
	rnd     *rand.Rand
}

func NewFakeSensor(id string, metrics []SimMetric, opts Options) *FakeSensor {
	opts = opts.withDefaults()
	return &FakeSensor{
		id:      id,
		metrics: metrics,
		opts:    opts,
		rnd:     rand.New(rand.NewSource(opts.Clock.Now().UnixNano())),
	}
}

func (f *FakeSensor) ID() string { return f.id }

func (f *FakeSensor) Identify(ctx context.Context) error { return nil }

func (f *FakeSensor) Read(ctx context.Context) (Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.opts.Clock.Now()
	out := make([]Reading, 0, len(f.metrics))
	raw := make([]byte, 0, 8*len(f.metrics))
	for _, m := range f.metrics {
		v := round(m.Min+f.rnd.Float64()*(m.Max-m.Min), 2)
		raw = binary.BigEndian.AppendUint64(raw, math.Float64bits(v))
		out = append(out, Reading{SensorID: f.id, Metric: m.Name, Value: v, Unit: m.Unit, Timestamp: now})
	}
	return Sample{SensorID: f.id, Raw: RawSample{Data: raw}, Readings: out}, nil
}

func (f *FakeSensor) Close() error { return nil }
