package sensor

import (
	"encoding/binary"
	"math/rand"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// SimRadio is an in-memory BLE central that advertises one thermometer and
// streams synthetic notifications once subscribed.
type SimRadio struct {
	addr     string
	interval time.Duration
	clock    clock.Clock

	mu   sync.Mutex
	post func(BLEEvent) bool
	conn uint16
	stop chan struct{}
	rnd  *rand.Rand
}

func NewSimRadio(addr string, interval time.Duration, clk clock.Clock) *SimRadio {
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &SimRadio{
		addr:     NormalizeMAC(addr),
		interval: interval,
		clock:    clk,
		rnd:      rand.New(rand.NewSource(clk.Now().UnixNano())),
	}
}

// Attach sets where events are delivered, normally BLEThermometer.Post.
func (r *SimRadio) Attach(post func(BLEEvent) bool) {
	r.mu.Lock()
	r.post = post
	r.mu.Unlock()
}

func (r *SimRadio) Scan() error {
	r.emit(BLEEvent{Kind: EventAdvertisement, Addr: r.addr})
	return nil
}

func (r *SimRadio) StopScan() error { return nil }

func (r *SimRadio) Connect(addr string) error {
	r.mu.Lock()
	r.conn++
	conn := r.conn
	r.mu.Unlock()
	r.emit(BLEEvent{Kind: EventConnected, Addr: addr, Conn: conn})
	return nil
}

func (r *SimRadio) DiscoverCharacteristics(conn uint16) error {
	r.emit(BLEEvent{Kind: EventDiscoveryDone, Conn: conn})
	return nil
}

// Write starts the notification stream when the enable value hits the
// thermometer characteristic.
func (r *SimRadio) Write(conn, handle uint16, value []byte) error {
	r.mu.Lock()
	start := handle == BLENotifyHandle && len(value) == 2 && value[0] == 0x01 && r.stop == nil
	if start {
		r.stop = make(chan struct{})
		go r.stream(conn, r.stop)
	}
	r.mu.Unlock()
	return nil
}

func (r *SimRadio) Disconnect(conn uint16) error {
	r.mu.Lock()
	if r.stop != nil {
		close(r.stop)
		r.stop = nil
	}
	r.mu.Unlock()
	r.emit(BLEEvent{Kind: EventDisconnected, Conn: conn})
	return nil
}

// Notify emits one synthetic notification immediately.
func (r *SimRadio) Notify(conn uint16) {
	r.mu.Lock()
	frame := make([]byte, bleFrameLen)
	binary.LittleEndian.PutUint16(frame[0:2], uint16(1800+r.rnd.Intn(1000)))
	frame[2] = byte(40 + r.rnd.Intn(30))
	binary.LittleEndian.PutUint16(frame[3:5], uint16(2900+r.rnd.Intn(200)))
	r.mu.Unlock()
	r.emit(BLEEvent{Kind: EventNotification, Conn: conn, Handle: BLENotifyHandle, Data: frame})
}

func (r *SimRadio) stream(conn uint16, stop <-chan struct{}) {
	t := r.clock.Ticker(r.interval)
	defer t.Stop()
	r.Notify(conn)
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			r.Notify(conn)
		}
	}
}

func (r *SimRadio) emit(ev BLEEvent) {
	r.mu.Lock()
	post := r.post
	r.mu.Unlock()
	if post != nil {
		post(ev)
	}
}
