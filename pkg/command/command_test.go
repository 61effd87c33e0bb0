package command

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestDecode(t *testing.T) {
	c, err := Decode([]byte(`{"id":"c-1","component":"led","action":"power","value":"on"}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	want := Command{ID: "c-1", Component: "led", Action: "power", Value: "on"}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	c, _ = Decode([]byte(`{"component":"fan"}`))
	if c.ID != "unknown" {
		t.Fatalf("missing id: %q", c.ID)
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatalf("expected error")
	}
}

func TestAckWireFormat(t *testing.T) {
	ack := NewAck(Command{ID: "c-1"}, true, "LED turned on", time.Unix(1700000000, 0))
	b, _ := json.Marshal(ack)
	want := `{"command_id":"c-1","success":true,"message":"LED turned on","timestamp":1700000000}`
	if string(b) != want {
		t.Fatalf("got %s", b)
	}
}

func TestMux(t *testing.T) {
	m := NewMux()
	m.Handle("led", DispatcherFunc(func(ctx context.Context, c Command) (bool, string) {
		return c.Value == "on", "LED turned " + c.Value
	}))
	m.Handle("fan", DispatcherFunc(func(ctx context.Context, c Command) (bool, string) { return true, "" }))

	ok, msg := m.Dispatch(context.Background(), Command{Component: "led", Value: "on"})
	if !ok || msg != "LED turned on" {
		t.Fatalf("led: %v %q", ok, msg)
	}
	ok, msg = m.Dispatch(context.Background(), Command{Component: "pump"})
	if ok || msg != "Unknown command" {
		t.Fatalf("pump: %v %q", ok, msg)
	}
	if diff := cmp.Diff([]string{"fan", "led"}, m.Capabilities()); diff != "" {
		t.Fatalf("capabilities (-want +got):\n%s", diff)
	}
}
