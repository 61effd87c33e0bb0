package sensor

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// Reading is one calibrated metric from one sensor.
type Reading struct {
	SensorID  string    `json:"sensor_id"`
	Metric    string    `json:"metric"`
	Value     float64   `json:"value"`
	Unit      string    `json:"unit"`
	Timestamp time.Time `json:"timestamp"`
	// Invalid is set when Value lies outside the metric's declared range.
	Invalid bool `json:"invalid,omitempty"`
	// Cached marks a last-known-good value reused after a failed poll.
	Cached bool          `json:"cached,omitempty"`
	Age    time.Duration `json:"age,omitempty"`
}

// RawSample is the undecoded frame a reading was built from.
type RawSample struct {
	Command uint16
	Data    []byte
}

// Sample is the result of one successful driver read.
type Sample struct {
	SensorID string
	Raw      RawSample
	Readings []Reading
}

// Driver is implemented by every sensor variant.
type Driver interface {
	ID() string
	// Identify returns nil when the device answers at its address.
	Identify(ctx context.Context) error
	Read(ctx context.Context) (Sample, error)
	Close() error
}

// Initializer is implemented by drivers that need a setup sequence after Identify.
type Initializer interface {
	Init(ctx context.Context) error
}

// Bus is the subset of bus.Transport the drivers use.
type Bus interface {
	Write(ctx context.Context, addr uint16, b []byte) error
	Read(ctx context.Context, addr uint16, n int) ([]byte, error)
	Tx(ctx context.Context, addr uint16, w []byte, n int) ([]byte, error)
	Probe(ctx context.Context, addr uint16) error
}

// Options carries the collaborators shared by all drivers.
type Options struct {
	Clock  clock.Clock
	Logger *zap.SugaredLogger
}

func (o Options) withDefaults() Options {
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop().Sugar()
	}
	return o
}

// Range is the declared physical range of a metric.
type Range struct {
	Min, Max float64
}

func (r Range) Contains(v float64) bool { return v >= r.Min && v <= r.Max }

// metric describes one output channel of a driver.
type metric struct {
	name string
	unit string
	rng  *Range
}

func (m metric) reading(id string, v float64, ts time.Time) Reading {
	r := Reading{SensorID: id, Metric: m.name, Value: v, Unit: m.unit, Timestamp: ts}
	if m.rng != nil && !m.rng.Contains(v) {
		r.Invalid = true
	}
	return r
}

// allInvalid reports whether no reading in rs is usable.
func allInvalid(rs []Reading) bool {
	for _, r := range rs {
		if !r.Invalid {
			return false
		}
	}
	return len(rs) > 0
}
