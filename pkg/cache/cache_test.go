package cache

import (
	"errors"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/go-cmp/cmp"

	"github.com/ericogr/sensorlink/pkg/bus"
	"github.com/ericogr/sensorlink/pkg/sensor"
)

func sample(raw byte, v float64) sensor.Sample {
	return sensor.Sample{
		SensorID: "fs3000",
		Raw:      sensor.RawSample{Data: []byte{0x00, raw}},
		Readings: []sensor.Reading{{SensorID: "fs3000", Metric: "air_velocity", Value: v, Unit: "m/s"}},
	}
}

var errBus = &bus.BusError{Kind: bus.Unresponsive, Addr: 0x28, Err: errors.New("nack")}

func TestUpdateIdenticalIncrementsOncePerCall(t *testing.T) {
	c := New(Thresholds{}, clock.NewMock())
	s := sample(0x10, 1.5)
	c.Update("fs3000", s, nil)
	for want := 1; want <= 3; want++ {
		eff := c.Update("fs3000", s, nil)
		e, _ := c.Get("fs3000")
		if e.SameCount != want {
			t.Fatalf("same count: got %d want %d", e.SameCount, want)
		}
		if eff.Readings[0].Value != 1.5 || e.Last.Readings[0].Value != 1.5 {
			t.Fatalf("value mutated: %+v", eff.Readings)
		}
	}
	c.Update("fs3000", sample(0x11, 1.6), nil)
	if e, _ := c.Get("fs3000"); e.SameCount != 0 {
		t.Fatalf("same count not reset: %d", e.SameCount)
	}
}

func TestUpdateSignalsStale(t *testing.T) {
	c := New(Thresholds{}, clock.NewMock())
	s := sample(0x10, 1.5)
	c.Update("fs3000", s, nil)
	for i := 1; i <= 10; i++ {
		eff := c.Update("fs3000", s, nil)
		if eff.Stale != (i == 10) {
			t.Fatalf("update %d: stale=%v", i, eff.Stale)
		}
	}
	if e, _ := c.Get("fs3000"); e.SameCount != 0 {
		t.Fatalf("same count after stale: %d", e.SameCount)
	}
}

func TestUpdateBusResetOnThirdFailure(t *testing.T) {
	c := New(Thresholds{}, clock.NewMock())
	c.Update("fs3000", sample(0x10, 1.5), nil)
	for i := 1; i <= 3; i++ {
		eff := c.Update("fs3000", sensor.Sample{}, errBus)
		if eff.NeedsBusReset != (i == 3) {
			t.Fatalf("failure %d: needs reset=%v", i, eff.NeedsBusReset)
		}
		if eff.NeedsRestart {
			t.Fatalf("failure %d: restart requested", i)
		}
	}
}

func TestUpdateEscalatesToRestart(t *testing.T) {
	c := New(Thresholds{}, clock.NewMock())
	var resets []int
	for i := 1; i <= 11; i++ {
		eff := c.Update("scd41", sensor.Sample{}, errBus)
		if eff.NeedsBusReset {
			resets = append(resets, i)
		}
		if eff.NeedsRestart != (i == 11) {
			t.Fatalf("failure %d: restart=%v", i, eff.NeedsRestart)
		}
	}
	if diff := cmp.Diff([]int{3, 6, 9}, resets); diff != "" {
		t.Fatalf("resets (-want +got):\n%s", diff)
	}
}

func TestFailureReturnsCachedWithAge(t *testing.T) {
	clk := clock.NewMock()
	c := New(Thresholds{}, clk)
	c.Update("fs3000", sample(0x10, 1.5), nil)
	clk.Add(30 * time.Second)
	eff := c.Update("fs3000", sensor.Sample{}, errBus)
	if !eff.Cached || eff.Age != 30*time.Second || !errors.Is(eff.Err, bus.ErrUnresponsive) {
		t.Fatalf("effective: %+v", eff)
	}
	r := eff.Readings[0]
	if !r.Cached || r.Age != 30*time.Second || r.Value != 1.5 {
		t.Fatalf("reading: %+v", r)
	}
	e, _ := c.Get("fs3000")
	if e.Last.Readings[0].Cached {
		t.Fatalf("stored sample was tagged")
	}
}

func TestFailureWithoutHistory(t *testing.T) {
	c := New(Thresholds{}, clock.NewMock())
	eff := c.Update("fs3000", sensor.Sample{}, errBus)
	if eff.Cached || len(eff.Readings) != 0 || eff.Err == nil {
		t.Fatalf("effective: %+v", eff)
	}
}

func TestNotReadyIsNotAFailure(t *testing.T) {
	c := New(Thresholds{}, clock.NewMock())
	c.Update("scd41", sample(0x01, 400), nil)
	for i := 0; i < 5; i++ {
		eff := c.Update("scd41", sensor.Sample{}, &sensor.SensorError{Kind: sensor.NotReady, Sensor: "scd41"})
		if !eff.Skipped || !eff.Cached || eff.NeedsBusReset {
			t.Fatalf("poll %d: %+v", i, eff)
		}
	}
	if e, _ := c.Get("scd41"); e.FailureCount != 0 {
		t.Fatalf("failures %d", e.FailureCount)
	}
}

func TestSuccessClearsFailures(t *testing.T) {
	c := New(Thresholds{ResetAfter: 2}, clock.NewMock())
	c.Update("fs3000", sensor.Sample{}, errBus)
	c.Update("fs3000", sample(0x10, 1.5), nil)
	if eff := c.Update("fs3000", sensor.Sample{}, errBus); eff.NeedsBusReset {
		t.Fatalf("failure count carried across a success")
	}
}

func TestSameValuesWithoutRaw(t *testing.T) {
	c := New(Thresholds{StaleAfter: 1}, clock.NewMock())
	s := sensor.Sample{Readings: []sensor.Reading{{Metric: "moisture", Value: 42}}}
	c.Update("soil", s, nil)
	if eff := c.Update("soil", s, nil); !eff.Stale {
		t.Fatalf("identical values not detected")
	}
}
