// Package cache keeps the last known good sample of every sensor and decides
// when repeated failures or frozen data call for recovery.
package cache

import (
	"bytes"
	"errors"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ericogr/sensorlink/pkg/sensor"
)

// Thresholds control escalation. Zero fields take the defaults.
type Thresholds struct {
	// StaleAfter identical consecutive samples mark the sensor stale.
	StaleAfter int
	// ResetAfter consecutive failures ask for a bus reset, and again every
	// ResetAfter failures after that.
	ResetAfter int
	// More than RestartAfter consecutive failures ask for a process restart.
	RestartAfter int
}

func DefaultThresholds() Thresholds {
	return Thresholds{StaleAfter: 10, ResetAfter: 3, RestartAfter: 10}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.StaleAfter <= 0 {
		t.StaleAfter = d.StaleAfter
	}
	if t.ResetAfter <= 0 {
		t.ResetAfter = d.ResetAfter
	}
	if t.RestartAfter <= 0 {
		t.RestartAfter = d.RestartAfter
	}
	return t
}

// Entry is the per-sensor state.
type Entry struct {
	SensorID     string
	Last         sensor.Sample
	HasLast      bool
	SameCount    int
	FailureCount int
	UpdatedAt    time.Time
}

// Effective is what the loop publishes for one poll, plus the recovery
// signals derived from the entry.
type Effective struct {
	Readings []sensor.Reading
	// Cached is set when Readings are the last known good values.
	Cached bool
	Age    time.Duration
	// Skipped is set when the driver had no new sample yet.
	Skipped       bool
	Stale         bool
	NeedsBusReset bool
	NeedsRestart  bool
	// Err is the read error, if any.
	Err error
}

// Cache is used by the single acquisition loop only.
type Cache struct {
	th      Thresholds
	clock   clock.Clock
	entries map[string]*Entry
}

func New(th Thresholds, clk clock.Clock) *Cache {
	if clk == nil {
		clk = clock.New()
	}
	return &Cache{th: th.withDefaults(), clock: clk, entries: make(map[string]*Entry)}
}

// Update records the outcome of one read of sensor id.
func (c *Cache) Update(id string, s sensor.Sample, err error) Effective {
	e, ok := c.entries[id]
	if !ok {
		e = &Entry{SensorID: id}
		c.entries[id] = e
	}
	now := c.clock.Now()

	if err != nil {
		eff := c.fallback(e, now)
		eff.Err = err
		if errors.Is(err, sensor.ErrNotReady) {
			eff.Skipped = true
			return eff
		}
		e.FailureCount++
		eff.NeedsBusReset = e.FailureCount >= c.th.ResetAfter && (e.FailureCount-c.th.ResetAfter)%c.th.ResetAfter == 0
		eff.NeedsRestart = e.FailureCount > c.th.RestartAfter
		return eff
	}

	e.FailureCount = 0
	eff := Effective{Readings: s.Readings}
	if e.HasLast && sameSample(e.Last, s) {
		e.SameCount++
		if e.SameCount >= c.th.StaleAfter {
			eff.Stale = true
			e.SameCount = 0
		}
	} else {
		e.SameCount = 0
	}
	e.Last = s
	e.HasLast = true
	e.UpdatedAt = now
	return eff
}

// Get returns a copy of the entry for id.
func (c *Cache) Get(id string) (Entry, bool) {
	e, ok := c.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// ClearSame restarts stale detection for id, used after the bus was reset.
func (c *Cache) ClearSame(id string) {
	if e, ok := c.entries[id]; ok {
		e.SameCount = 0
	}
}

func (c *Cache) fallback(e *Entry, now time.Time) Effective {
	if !e.HasLast {
		return Effective{}
	}
	age := now.Sub(e.UpdatedAt)
	out := make([]sensor.Reading, len(e.Last.Readings))
	for i, r := range e.Last.Readings {
		r.Cached = true
		r.Age = age
		out[i] = r
	}
	return Effective{Readings: out, Cached: true, Age: age}
}

// sameSample compares raw frames, or the decoded values when a driver keeps
// no raw frame.
func sameSample(a, b sensor.Sample) bool {
	if len(a.Raw.Data) > 0 || len(b.Raw.Data) > 0 {
		return a.Raw.Command == b.Raw.Command && bytes.Equal(a.Raw.Data, b.Raw.Data)
	}
	if len(a.Readings) != len(b.Readings) {
		return false
	}
	for i := range a.Readings {
		if a.Readings[i].Metric != b.Readings[i].Metric || a.Readings[i].Value != b.Readings[i].Value {
			return false
		}
	}
	return true
}
