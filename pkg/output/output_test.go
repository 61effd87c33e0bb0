package output

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestTransportErrorIs(t *testing.T) {
	err := fmt.Errorf("post: %w", Rejected(500, errors.New("boom")))
	if !errors.Is(err, ErrServerRejected) {
		t.Fatalf("kind match failed")
	}
	if !errors.Is(err, &TransportError{Kind: ServerRejected, Status: 500}) {
		t.Fatalf("status match failed")
	}
	if errors.Is(err, &TransportError{Kind: ServerRejected, Status: 404}) {
		t.Fatalf("matched wrong status")
	}
	if errors.Is(err, ErrNetworkUnreachable) {
		t.Fatalf("matched wrong kind")
	}
	if got := err.Error(); got != "post: server_rejected(500): boom" {
		t.Fatalf("message: %q", got)
	}
}

func TestFailedResultCarriesStatus(t *testing.T) {
	r := Failed(Rejected(503, nil))
	if r.Success || r.Status != 503 || r.Kind() != ServerRejected {
		t.Fatalf("result: %+v", r)
	}
	if OK(200).Kind() != 0 {
		t.Fatalf("ok result has a kind")
	}
}

func TestPayloadWireFormat(t *testing.T) {
	p := Payload{DeviceID: "sensorPico1", Sensors: map[string]Value{"air_velocity": {Value: 0.63, Unit: "m/s"}}}
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	want := `{"device_id":"sensorPico1","sensors":{"air_velocity":{"value":0.63,"unit":"m/s"}}}`
	if string(b) != want {
		t.Fatalf("got %s\nwant %s", b, want)
	}
}
