package publisher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap/zaptest"

	"github.com/ericogr/sensorlink/pkg/health"
	"github.com/ericogr/sensorlink/pkg/metrics"
	"github.com/ericogr/sensorlink/pkg/output"
	"github.com/ericogr/sensorlink/pkg/output/rest"
	"github.com/ericogr/sensorlink/pkg/sensor"
)

type memOutput struct {
	name string
	res  output.Result
	got  []output.Payload
}

func (m *memOutput) Name() string { return m.name }
func (m *memOutput) Publish(ctx context.Context, p output.Payload) output.Result {
	m.got = append(m.got, p)
	return m.res
}
func (m *memOutput) Close() error { return nil }

type recordSink struct{ got []health.Pattern }

func (r *recordSink) Signal(p health.Pattern) { r.got = append(r.got, p) }

func readings() map[string]sensor.Reading {
	return map[string]sensor.Reading{
		"temperature": {SensorID: "scd41", Metric: "temperature", Value: 23.456, Unit: "C"},
		"co2":         {SensorID: "scd41", Metric: "co2", Value: 0, Unit: "ppm", Invalid: true},
	}
}

func TestBuildPayload(t *testing.T) {
	got := BuildPayload("sensorPico1", readings(), zaptest.NewLogger(t).Sugar())
	want := output.Payload{DeviceID: "sensorPico1", Sensors: map[string]output.Value{
		"temperature": {Value: 23.46, Unit: "C"},
	}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("payload (-want +got):\n%s", diff)
	}
}

func TestSendAllSucceed(t *testing.T) {
	a := &memOutput{name: "console", res: output.OK(0)}
	b := &memOutput{name: "rest", res: output.OK(201)}
	sink := &recordSink{}
	m := metrics.New()
	p := New([]output.Output{a, b}, Options{Health: sink, Metrics: m, Logger: zaptest.NewLogger(t).Sugar()})

	res := p.Send(context.Background(), "sensorPico1", readings())
	if !res.Success || res.Status != 201 {
		t.Fatalf("result: %+v", res)
	}
	if len(a.got) != 1 || len(b.got) != 1 {
		t.Fatalf("fan out: %d %d", len(a.got), len(b.got))
	}
	if diff := cmp.Diff([]health.Pattern{health.OKPulse}, sink.got); diff != "" {
		t.Fatalf("health (-want +got):\n%s", diff)
	}
	if got := testutil.ToFloat64(m.Publishes.WithLabelValues("rest", metrics.ResultOK)); got != 1 {
		t.Fatalf("publish counter: %v", got)
	}
}

func TestSendRESTRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	r, err := rest.New(rest.Config{URL: srv.URL}, srv.Client(), zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatalf("rest: %v", err)
	}
	ok := &memOutput{name: "console", res: output.OK(0)}
	sink := &recordSink{}
	p := New([]output.Output{ok, r}, Options{Health: sink, Logger: zaptest.NewLogger(t).Sugar()})

	res := p.Send(context.Background(), "sensorPico1", readings())
	if res.Success {
		t.Fatalf("expected failure")
	}
	if !errors.Is(res.Err, output.ErrServerRejected) || res.Status != http.StatusInternalServerError {
		t.Fatalf("result: %+v", res)
	}
	if res.Kind() != output.ServerRejected {
		t.Fatalf("kind: %v", res.Kind())
	}
	if diff := cmp.Diff([]health.Pattern{health.ErrorPulses}, sink.got); diff != "" {
		t.Fatalf("health (-want +got):\n%s", diff)
	}
	if len(ok.got) != 1 {
		t.Fatalf("healthy output skipped")
	}
}

func TestSendNothingValid(t *testing.T) {
	o := &memOutput{name: "console", res: output.OK(0)}
	p := New([]output.Output{o}, Options{})
	res := p.Send(context.Background(), "d", map[string]sensor.Reading{
		"co2": {Metric: "co2", Invalid: true},
	})
	if !res.Success || len(o.got) != 0 {
		t.Fatalf("res=%+v calls=%d", res, len(o.got))
	}
}
