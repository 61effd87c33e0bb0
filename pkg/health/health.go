// Package health turns publish outcomes into operator-visible signals.
package health

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

type Pattern int

const (
	OKPulse Pattern = iota + 1
	ErrorPulses
	StartupPulses
)

func (p Pattern) String() string {
	switch p {
	case OKPulse:
		return "ok"
	case ErrorPulses:
		return "error"
	case StartupPulses:
		return "startup"
	default:
		return fmt.Sprintf("pattern(%d)", int(p))
	}
}

// Sink receives health patterns. Signal must not block.
type Sink interface {
	Signal(p Pattern)
}

type step struct {
	level gpio.Level
	d     time.Duration
}

func blink(on, off time.Duration, n int) []step {
	out := make([]step, 0, 2*n)
	for i := 0; i < n; i++ {
		out = append(out, step{gpio.High, on}, step{gpio.Low, off})
	}
	return out
}

func steps(p Pattern) []step {
	switch p {
	case OKPulse:
		return blink(100*time.Millisecond, 0, 1)
	case ErrorPulses:
		return blink(300*time.Millisecond, 300*time.Millisecond, 2)
	case StartupPulses:
		return blink(100*time.Millisecond, 100*time.Millisecond, 3)
	}
	return nil
}

// LED plays patterns on a GPIO pin from its own goroutine. One pattern may
// be pending while another plays; further signals are dropped.
type LED struct {
	pin     gpio.PinOut
	clock   clock.Clock
	logger  *zap.SugaredLogger
	reqs    chan Pattern
	quit    chan struct{}
	wg      sync.WaitGroup
	dropped atomic.Uint64
	once    sync.Once
}

// OpenLED looks the pin up by name in the periph registry.
func OpenLED(name string, logger *zap.SugaredLogger) (*LED, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "periph host init")
	}
	pin := gpioreg.ByName(name)
	if pin == nil {
		return nil, errors.Errorf("no gpio pin named %q", name)
	}
	return NewLED(pin, clock.New(), logger), nil
}

func NewLED(pin gpio.PinOut, clk clock.Clock, logger *zap.SugaredLogger) *LED {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	l := &LED{
		pin:    pin,
		clock:  clk,
		logger: logger,
		reqs:   make(chan Pattern, 1),
		quit:   make(chan struct{}),
	}
	l.wg.Add(1)
	go l.run()
	return l
}

func (l *LED) Signal(p Pattern) {
	select {
	case l.reqs <- p:
	default:
		l.dropped.Add(1)
	}
}

// Dropped counts signals discarded while busy.
func (l *LED) Dropped() uint64 { return l.dropped.Load() }

// Close stops the player after the current step and turns the LED off.
func (l *LED) Close() error {
	l.once.Do(func() { close(l.quit) })
	l.wg.Wait()
	return l.pin.Out(gpio.Low)
}

func (l *LED) run() {
	defer l.wg.Done()
	for {
		select {
		case <-l.quit:
			return
		case p := <-l.reqs:
			if !l.play(steps(p)) {
				return
			}
		}
	}
}

func (l *LED) play(seq []step) bool {
	for _, s := range seq {
		if err := l.pin.Out(s.level); err != nil {
			l.logger.Warnw("led write failed", "pin", l.pin, "error", err)
			return true
		}
		if s.d > 0 {
			l.clock.Sleep(s.d)
		}
		select {
		case <-l.quit:
			return false
		default:
		}
	}
	return true
}

// LogSink logs patterns instead of blinking.
type LogSink struct {
	Logger *zap.SugaredLogger
}

func (s LogSink) Signal(p Pattern) {
	switch p {
	case ErrorPulses:
		s.Logger.Warnw("health", "pattern", p)
	default:
		s.Logger.Debugw("health", "pattern", p)
	}
}

// Multi signals every sink in order.
type Multi []Sink

func (m Multi) Signal(p Pattern) {
	for _, s := range m {
		s.Signal(p)
	}
}
