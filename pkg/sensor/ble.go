package sensor

import (
	"context"
	"encoding/binary"
	"fmt"
	"strings"
	"sync/atomic"
	"time"
)

// BLEState is the connection state of a BLE thermometer.
type BLEState int

const (
	BLEIdle BLEState = iota
	BLEScanning
	BLEConnecting
	BLEConnected
	BLESubscribing
	BLEStreaming
	BLEDisconnecting
)

func (s BLEState) String() string {
	switch s {
	case BLEIdle:
		return "idle"
	case BLEScanning:
		return "scanning"
	case BLEConnecting:
		return "connecting"
	case BLEConnected:
		return "connected"
	case BLESubscribing:
		return "subscribing_characteristics"
	case BLEStreaming:
		return "streaming"
	case BLEDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("BLEState(%d)", int(s))
	}
}

// BLEEventKind enumerates what a Radio can report.
type BLEEventKind int

const (
	EventAdvertisement BLEEventKind = iota + 1
	EventConnected
	EventDisconnected
	EventDiscoveryDone
	EventNotification
)

// BLEEvent is posted by the radio and consumed at poll points.
type BLEEvent struct {
	Kind   BLEEventKind
	Addr   string
	Conn   uint16
	Handle uint16
	Data   []byte
}

// Radio is the host BLE central. Results of its calls arrive later as
// events posted to the thermometer.
type Radio interface {
	Scan() error
	StopScan() error
	Connect(addr string) error
	DiscoverCharacteristics(conn uint16) error
	Write(conn, handle uint16, value []byte) error
	Disconnect(conn uint16) error
}

const (
	// BLENotifyHandle is the characteristic of LYWSD03MMC-class thermometers
	// that carries temperature, humidity and battery.
	BLENotifyHandle    = 0x0038
	bleEventQueueDepth = 32
	bleFrameLen        = 5
)

var bleNotifyEnable = []byte{0x01, 0x00}

var (
	metricBLETemperature = metric{name: "temperature", unit: "C", rng: &Range{Min: -40, Max: 85}}
	metricBLEHumidity    = metric{name: "humidity", unit: "%", rng: &Range{Min: 0, Max: 100}}
	metricBLEBattery     = metric{name: "battery", unit: "V", rng: &Range{Min: 0, Max: 3.6}}
)

type BLEConfig struct {
	ID string
	// Address is the peripheral MAC; case and separators are ignored.
	Address string
	Handle  uint16
}

// BLEThermometer is a remote thermometer driven by an explicit state machine.
// The radio posts events from its own goroutine; every state change happens
// inside Read, Identify or Disconnect on the caller's goroutine.
type BLEThermometer struct {
	radio   Radio
	cfg     BLEConfig
	opts    Options
	events  chan BLEEvent
	dropped atomic.Uint64

	state       BLEState
	conn        uint16
	deliberate  bool
	latest      *BLEMeasurement
	latestFrame []byte
	latestAt    time.Time
}

func NewBLEThermometer(radio Radio, cfg BLEConfig, opts Options) (*BLEThermometer, error) {
	addr := NormalizeMAC(cfg.Address)
	if len(addr) != 12 {
		return nil, fmt.Errorf("ble: invalid address %q", cfg.Address)
	}
	cfg.Address = addr
	if cfg.ID == "" {
		cfg.ID = "ble-" + addr
	}
	if cfg.Handle == 0 {
		cfg.Handle = BLENotifyHandle
	}
	return &BLEThermometer{
		radio:  radio,
		cfg:    cfg,
		opts:   opts.withDefaults(),
		events: make(chan BLEEvent, bleEventQueueDepth),
	}, nil
}

func (t *BLEThermometer) ID() string { return t.cfg.ID }

// State returns the current state. Only meaningful on the polling goroutine.
func (t *BLEThermometer) State() BLEState { return t.state }

// Dropped counts events discarded because the queue was full.
func (t *BLEThermometer) Dropped() uint64 { return t.dropped.Load() }

// Post queues an event without blocking. It is safe to call from the radio's
// goroutine and returns false when the event had to be dropped.
func (t *BLEThermometer) Post(ev BLEEvent) bool {
	select {
	case t.events <- ev:
		return true
	default:
		t.dropped.Add(1)
		return false
	}
}

// Identify starts scanning for the configured peripheral.
func (t *BLEThermometer) Identify(ctx context.Context) error {
	if t.state != BLEIdle {
		return nil
	}
	t.deliberate = false
	return t.startScan()
}

// Read drains queued events and returns the newest notification, or
// NotReady when none arrived since the previous read.
func (t *BLEThermometer) Read(ctx context.Context) (Sample, error) {
	if err := t.Poll(ctx); err != nil {
		return Sample{}, err
	}
	if t.latest == nil {
		return Sample{}, newError(NotReady, t.cfg.ID, "no notification (state %s)", t.state)
	}
	m, frame, ts := *t.latest, t.latestFrame, t.latestAt
	t.latest = nil
	return Sample{
		SensorID: t.cfg.ID,
		Raw:      RawSample{Command: t.cfg.Handle, Data: frame},
		Readings: []Reading{
			metricBLETemperature.reading(t.cfg.ID, m.Temperature, ts),
			metricBLEHumidity.reading(t.cfg.ID, m.Humidity, ts),
			metricBLEBattery.reading(t.cfg.ID, m.Battery, ts),
		},
	}, nil
}

// Poll processes every queued event in arrival order.
func (t *BLEThermometer) Poll(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-t.events:
			t.handle(ev)
		default:
			return nil
		}
	}
}

// Disconnect tears the link down deliberately. The thermometer ends in Idle
// once the radio confirms, or immediately when no link is up.
func (t *BLEThermometer) Disconnect() error {
	t.deliberate = true
	switch t.state {
	case BLEIdle:
		return nil
	case BLEScanning:
		t.state = BLEIdle
		return t.radio.StopScan()
	case BLEConnecting:
		// no connection handle yet; the radio reports the aborted attempt as
		// a disconnect
		t.state = BLEDisconnecting
		return nil
	case BLEDisconnecting:
		return nil
	}
	t.state = BLEDisconnecting
	if err := t.radio.Disconnect(t.conn); err != nil {
		t.state = BLEIdle
		return fmt.Errorf("ble disconnect: %w", err)
	}
	return nil
}

// Close disconnects and drains any confirmation already queued.
func (t *BLEThermometer) Close() error {
	err := t.Disconnect()
	_ = t.Poll(context.Background())
	if t.state == BLEDisconnecting {
		t.state = BLEIdle
	}
	return err
}

func (t *BLEThermometer) handle(ev BLEEvent) {
	log := t.opts.Logger
	switch ev.Kind {
	case EventAdvertisement:
		if t.state != BLEScanning || NormalizeMAC(ev.Addr) != t.cfg.Address {
			return
		}
		log.Infow("ble device found", "sensor", t.cfg.ID, "addr", t.cfg.Address)
		if err := t.radio.StopScan(); err != nil {
			log.Warnw("ble stop scan", "sensor", t.cfg.ID, "err", err)
		}
		t.state = BLEConnecting
		if err := t.radio.Connect(t.cfg.Address); err != nil {
			log.Warnw("ble connect", "sensor", t.cfg.ID, "err", err)
			t.restartScan()
		}
	case EventConnected:
		if t.state == BLEDisconnecting {
			t.conn = ev.Conn
			if err := t.radio.Disconnect(ev.Conn); err != nil {
				t.state = BLEIdle
			}
			return
		}
		if t.state != BLEConnecting {
			return
		}
		t.conn = ev.Conn
		t.state = BLEConnected
		log.Infow("ble connected", "sensor", t.cfg.ID, "conn", ev.Conn)
		if err := t.radio.DiscoverCharacteristics(ev.Conn); err != nil {
			log.Warnw("ble discover", "sensor", t.cfg.ID, "err", err)
			t.dropLink()
		}
	case EventDiscoveryDone:
		if t.state != BLEConnected || ev.Conn != t.conn {
			return
		}
		t.state = BLESubscribing
		if err := t.radio.Write(t.conn, t.cfg.Handle, bleNotifyEnable); err != nil {
			log.Warnw("ble subscribe", "sensor", t.cfg.ID, "err", err)
			t.dropLink()
			return
		}
		t.state = BLEStreaming
	case EventNotification:
		if t.state != BLEStreaming || ev.Conn != t.conn {
			return
		}
		m, err := DecodeBLENotification(ev.Data)
		if err != nil {
			log.Warnw("ble notification", "sensor", t.cfg.ID, "err", err)
			return
		}
		t.latest = &m
		t.latestFrame = append([]byte(nil), ev.Data[:bleFrameLen]...)
		t.latestAt = t.opts.Clock.Now()
	case EventDisconnected:
		if t.deliberate {
			t.state = BLEIdle
			log.Infow("ble disconnected", "sensor", t.cfg.ID)
			return
		}
		if t.state == BLEIdle {
			return
		}
		log.Warnw("ble link lost, rescanning", "sensor", t.cfg.ID, "state", t.state)
		t.restartScan()
	}
}

// dropLink abandons a half-open link; the disconnect event restarts the scan.
func (t *BLEThermometer) dropLink() {
	if err := t.radio.Disconnect(t.conn); err != nil {
		t.restartScan()
	}
}

func (t *BLEThermometer) restartScan() {
	if err := t.startScan(); err != nil {
		t.opts.Logger.Warnw("ble scan", "sensor", t.cfg.ID, "err", err)
	}
}

func (t *BLEThermometer) startScan() error {
	t.state = BLEScanning
	if err := t.radio.Scan(); err != nil {
		t.state = BLEIdle
		return fmt.Errorf("ble scan: %w", err)
	}
	return nil
}

// BLEMeasurement is one decoded thermometer notification.
type BLEMeasurement struct {
	Temperature float64
	Humidity    float64
	Battery     float64
}

// DecodeBLENotification decodes a little-endian centi-degree temperature,
// a humidity byte and a millivolt battery word.
func DecodeBLENotification(data []byte) (BLEMeasurement, error) {
	if len(data) < bleFrameLen {
		return BLEMeasurement{}, fmt.Errorf("ble frame: got %d bytes, want %d", len(data), bleFrameLen)
	}
	return BLEMeasurement{
		Temperature: float64(int16(binary.LittleEndian.Uint16(data[0:2]))) / 100,
		Humidity:    float64(data[2]),
		Battery:     float64(binary.LittleEndian.Uint16(data[3:5])) / 1000,
	}, nil
}

// NormalizeMAC lower-cases addr and strips ':' and '-' separators.
func NormalizeMAC(addr string) string {
	return strings.ToLower(strings.NewReplacer(":", "", "-", "").Replace(addr))
}
