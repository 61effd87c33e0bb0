package sensor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

type radioWrite struct {
	Conn, Handle uint16
	Value        []byte
}

// scriptedRadio records calls; tests post the resulting events by hand.
type scriptedRadio struct {
	scans, stopScans int
	connects         []string
	discovers        []uint16
	writes           []radioWrite
	disconnects      []uint16
}

func (r *scriptedRadio) Scan() error { r.scans++; return nil }
func (r *scriptedRadio) StopScan() error { r.stopScans++; return nil }
func (r *scriptedRadio) Connect(addr string) error { r.connects = append(r.connects, addr); return nil }
func (r *scriptedRadio) Disconnect(conn uint16) error {
	r.disconnects = append(r.disconnects, conn)
	return nil
}
func (r *scriptedRadio) DiscoverCharacteristics(conn uint16) error {
	r.discovers = append(r.discovers, conn)
	return nil
}
func (r *scriptedRadio) Write(conn, handle uint16, value []byte) error {
	r.writes = append(r.writes, radioWrite{conn, handle, value})
	return nil
}

func newTestThermometer(t *testing.T, radio Radio) *BLEThermometer {
	t.Helper()
	th, err := NewBLEThermometer(radio, BLEConfig{Address: "A4:C1:38:4D:8D:E3"}, testOptions(t, newStepClock()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return th
}

func step(t *testing.T, th *BLEThermometer, ev BLEEvent, want BLEState) {
	t.Helper()
	th.Post(ev)
	if err := th.Poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	if th.State() != want {
		t.Fatalf("after %+v: state %s want %s", ev, th.State(), want)
	}
}

func connectThermometer(t *testing.T, th *BLEThermometer, conn uint16) {
	t.Helper()
	step(t, th, BLEEvent{Kind: EventAdvertisement, Addr: "a4c1384d8de3"}, BLEConnecting)
	step(t, th, BLEEvent{Kind: EventConnected, Conn: conn}, BLEConnected)
	step(t, th, BLEEvent{Kind: EventDiscoveryDone, Conn: conn}, BLEStreaming)
}

func TestBLEThermometerLifecycle(t *testing.T) {
	radio := &scriptedRadio{}
	th := newTestThermometer(t, radio)
	ctx := context.Background()
	if th.State() != BLEIdle {
		t.Fatalf("initial state %s", th.State())
	}
	if err := th.Identify(ctx); err != nil {
		t.Fatalf("identify: %v", err)
	}
	if th.State() != BLEScanning || radio.scans != 1 {
		t.Fatalf("state %s scans %d", th.State(), radio.scans)
	}

	step(t, th, BLEEvent{Kind: EventAdvertisement, Addr: "11:22:33:44:55:66"}, BLEScanning)
	connectThermometer(t, th, 7)
	if diff := cmp.Diff([]string{"a4c1384d8de3"}, radio.connects); diff != "" {
		t.Fatalf("connects (-want +got):\n%s", diff)
	}
	wantWrites := []radioWrite{{Conn: 7, Handle: BLENotifyHandle, Value: []byte{0x01, 0x00}}}
	if diff := cmp.Diff(wantWrites, radio.writes); diff != "" {
		t.Fatalf("writes (-want +got):\n%s", diff)
	}

	if _, err := th.Read(ctx); !errors.Is(err, ErrNotReady) {
		t.Fatalf("read before notification: %v", err)
	}
	th.Post(BLEEvent{Kind: EventNotification, Conn: 7, Handle: BLENotifyHandle, Data: []byte{0x34, 0x08, 0x37, 0xB8, 0x0B}})
	got, err := th.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	want := map[string]float64{"temperature": 21.0, "humidity": 55, "battery": 3.0}
	for _, r := range got.Readings {
		if r.Value != want[r.Metric] {
			t.Fatalf("reading %+v want %v", r, want[r.Metric])
		}
	}
	if _, err := th.Read(ctx); !errors.Is(err, ErrNotReady) {
		t.Fatalf("second read: %v", err)
	}

	// unexpected drop goes back to scanning
	step(t, th, BLEEvent{Kind: EventDisconnected, Conn: 7}, BLEScanning)
	if radio.scans != 2 {
		t.Fatalf("scans %d", radio.scans)
	}

	connectThermometer(t, th, 8)
	if err := th.Disconnect(); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if th.State() != BLEDisconnecting {
		t.Fatalf("state %s", th.State())
	}
	step(t, th, BLEEvent{Kind: EventDisconnected, Conn: 8}, BLEIdle)
	if diff := cmp.Diff([]uint16{8}, radio.disconnects); diff != "" {
		t.Fatalf("disconnects (-want +got):\n%s", diff)
	}
	if radio.scans != 2 {
		t.Fatalf("rescanned after deliberate disconnect: %d", radio.scans)
	}
}

func TestBLEThermometerIgnoresStaleConnection(t *testing.T) {
	th := newTestThermometer(t, &scriptedRadio{})
	if err := th.Identify(context.Background()); err != nil {
		t.Fatalf("identify: %v", err)
	}
	connectThermometer(t, th, 3)
	th.Post(BLEEvent{Kind: EventNotification, Conn: 9, Data: []byte{1, 2, 3, 4, 5}})
	if _, err := th.Read(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("notification from another link accepted: %v", err)
	}
}

func TestBLEDisconnectWhileScanning(t *testing.T) {
	radio := &scriptedRadio{}
	th := newTestThermometer(t, radio)
	_ = th.Identify(context.Background())
	if err := th.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if th.State() != BLEIdle || radio.stopScans != 1 || len(radio.disconnects) != 0 {
		t.Fatalf("state %s stopScans %d disconnects %v", th.State(), radio.stopScans, radio.disconnects)
	}
}

func TestBLEEventQueueDropsWhenFull(t *testing.T) {
	th := newTestThermometer(t, &scriptedRadio{})
	for i := 0; i < bleEventQueueDepth; i++ {
		if !th.Post(BLEEvent{Kind: EventAdvertisement}) {
			t.Fatalf("event %d dropped", i)
		}
	}
	if th.Post(BLEEvent{Kind: EventAdvertisement}) {
		t.Fatalf("overflow accepted")
	}
	if th.Dropped() != 1 {
		t.Fatalf("dropped %d", th.Dropped())
	}
}

func TestDecodeBLENotification(t *testing.T) {
	m, err := DecodeBLENotification([]byte{0x34, 0x08, 0x37, 0xB8, 0x0B})
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if diff := cmp.Diff(BLEMeasurement{Temperature: 21, Humidity: 55, Battery: 3}, m); diff != "" {
		t.Fatalf("(-want +got):\n%s", diff)
	}
	m, _ = DecodeBLENotification([]byte{0x0C, 0xFE, 0x50, 0x00, 0x0C})
	if m.Temperature != -5 {
		t.Fatalf("below zero: got %v", m.Temperature)
	}
	if _, err := DecodeBLENotification([]byte{1, 2, 3}); err == nil {
		t.Fatalf("short frame accepted")
	}
}

func TestNormalizeMAC(t *testing.T) {
	for _, in := range []string{"A4:C1:38:4D:8D:E3", "a4-c1-38-4d-8d-e3", "a4c1384d8de3"} {
		if got := NormalizeMAC(in); got != "a4c1384d8de3" {
			t.Fatalf("%q -> %q", in, got)
		}
	}
	if _, err := NewBLEThermometer(&scriptedRadio{}, BLEConfig{Address: "nope"}, Options{}); err == nil {
		t.Fatalf("invalid address accepted")
	}
}

func TestSimRadioStreams(t *testing.T) {
	radio := NewSimRadio("a4c1384d8de3", time.Hour, newStepClock().Mock)
	th, err := NewBLEThermometer(radio, BLEConfig{Address: "a4c1384d8de3"}, testOptions(t, newStepClock()))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	radio.Attach(th.Post)
	ctx := context.Background()
	if err := th.Identify(ctx); err != nil {
		t.Fatalf("identify: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		s, err := th.Read(ctx)
		if err == nil {
			if len(s.Readings) != 3 || th.State() != BLEStreaming {
				t.Fatalf("sample %+v state %s", s, th.State())
			}
			break
		}
		if !errors.Is(err, ErrNotReady) || time.Now().After(deadline) {
			t.Fatalf("read: %v (state %s)", err, th.State())
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := th.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if th.State() != BLEIdle {
		t.Fatalf("state after close %s", th.State())
	}
}
