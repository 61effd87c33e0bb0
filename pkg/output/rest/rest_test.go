package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"

	"github.com/ericogr/sensorlink/pkg/output"
)

var payload = output.Payload{
	DeviceID: "sensorPico1",
	Sensors: map[string]output.Value{
		"air_velocity": {Value: 0.63, Unit: "m/s"},
		"temperature":  {Value: 22.5, Unit: "C"},
	},
}

func TestPublishPostsJSON(t *testing.T) {
	var got output.Payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/sensors" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("content type %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	o, err := New(Config{URL: srv.URL + "/sensors"}, nil, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	res := o.Publish(context.Background(), payload)
	if !res.Success || res.Status != http.StatusCreated || res.Err != nil {
		t.Fatalf("result: %+v", res)
	}
	if diff := cmp.Diff(payload, got); diff != "" {
		t.Fatalf("payload (-want +got):\n%s", diff)
	}
}

func TestPublishServerRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "database unavailable", http.StatusInternalServerError)
	}))
	defer srv.Close()

	o, _ := New(Config{URL: srv.URL}, nil, zaptest.NewLogger(t).Sugar())
	res := o.Publish(context.Background(), payload)
	if res.Success || res.Status != 500 || res.Kind() != output.ServerRejected {
		t.Fatalf("result: %+v", res)
	}
	if !errors.Is(res.Err, &output.TransportError{Kind: output.ServerRejected, Status: 500}) {
		t.Fatalf("err: %v", res.Err)
	}
}

func TestPublishNetworkUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	o, _ := New(Config{URL: url}, nil, zaptest.NewLogger(t).Sugar())
	res := o.Publish(context.Background(), payload)
	if res.Success || !errors.Is(res.Err, output.ErrNetworkUnreachable) {
		t.Fatalf("result: %+v", res)
	}
}

func TestNewRequiresURL(t *testing.T) {
	if _, err := New(Config{}, nil, nil); err == nil {
		t.Fatalf("expected error")
	}
}
