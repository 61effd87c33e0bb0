// Package bus owns the shared I2C handle used by every sensor driver.
package bus

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"
)

const (
	DefaultAttempts   = 3
	DefaultRetryDelay = 200 * time.Millisecond
)

var errClosed = errors.New("bus handle closed")

// Opener builds a fresh bus handle. Reset calls it again with the same settings.
type Opener func() (i2c.BusCloser, error)

// PeriphOpener opens a host I2C bus by name ("1" -> /dev/i2c-1).
func PeriphOpener(name string) Opener {
	return func() (i2c.BusCloser, error) {
		if _, err := host.Init(); err != nil {
			return nil, fmt.Errorf("host init: %w", err)
		}
		b, err := i2creg.Open(name)
		if err != nil {
			return nil, fmt.Errorf("open i2c %q: %w", name, err)
		}
		return b, nil
	}
}

type Config struct {
	// Speed is applied after every open when non-zero.
	Speed physic.Frequency
	// Attempts is the total number of tries per transaction. Default 3.
	Attempts int
	// RetryDelay is the fixed pause between attempts. Default 200ms.
	RetryDelay time.Duration
}

// Transport serializes all traffic on one bus. It is owned by the acquisition
// loop and is not safe for concurrent use.
type Transport struct {
	cfg    Config
	open   Opener
	bus    i2c.BusCloser
	logger *zap.SugaredLogger
}

// New opens the bus through open and returns a ready transport.
func New(cfg Config, open Opener, logger *zap.SugaredLogger) (*Transport, error) {
	if cfg.Attempts <= 0 {
		cfg.Attempts = DefaultAttempts
	}
	if cfg.RetryDelay < 0 {
		cfg.RetryDelay = 0
	}
	t := &Transport{cfg: cfg, open: open, logger: logger}
	if err := t.connect(); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Transport) connect() error {
	b, err := t.open()
	if err != nil {
		return err
	}
	if t.cfg.Speed > 0 {
		if err := b.SetSpeed(t.cfg.Speed); err != nil {
			return multierr.Append(fmt.Errorf("set speed %s: %w", t.cfg.Speed, err), b.Close())
		}
	}
	t.bus = b
	return nil
}

// String names the underlying bus.
func (t *Transport) String() string {
	if t.bus == nil {
		return "closed"
	}
	return t.bus.String()
}

// Write sends b to addr.
func (t *Transport) Write(ctx context.Context, addr uint16, b []byte) error {
	_, err := t.Tx(ctx, addr, b, 0)
	return err
}

// Read reads n bytes from addr.
func (t *Transport) Read(ctx context.Context, addr uint16, n int) ([]byte, error) {
	return t.Tx(ctx, addr, nil, n)
}

// Tx writes w and then reads n bytes in a single combined transaction.
func (t *Transport) Tx(ctx context.Context, addr uint16, w []byte, n int) ([]byte, error) {
	var r []byte
	if n > 0 {
		r = make([]byte, n)
	}
	attempt := 0
	op := func() error {
		attempt++
		if t.bus == nil {
			return errClosed
		}
		return t.bus.Tx(addr, w, r)
	}
	notify := func(err error, d time.Duration) {
		t.logger.Debugw("bus retry", "addr", fmt.Sprintf("0x%02X", addr), "attempt", attempt, "delay", d, "error", err)
	}
	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(t.cfg.RetryDelay), uint64(t.cfg.Attempts-1)),
		ctx,
	)
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		return nil, &BusError{Kind: Unresponsive, Addr: addr, Err: err}
	}
	return r, nil
}

// Probe checks presence of addr with a single one-byte read and no retries.
func (t *Transport) Probe(ctx context.Context, addr uint16) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.bus == nil {
		return &BusError{Kind: DeviceAbsent, Addr: addr, Err: errClosed}
	}
	if err := t.bus.Tx(addr, nil, make([]byte, 1)); err != nil {
		return &BusError{Kind: DeviceAbsent, Addr: addr, Err: err}
	}
	return nil
}

// Reset tears down the handle and opens a new one with the same settings.
// On failure the transport stays closed and the next Reset tries again.
func (t *Transport) Reset() error {
	var err error
	if t.bus != nil {
		err = t.bus.Close()
		t.bus = nil
	}
	if cerr := t.connect(); cerr != nil {
		return multierr.Append(err, fmt.Errorf("reopen bus: %w", cerr))
	}
	if err != nil {
		t.logger.Warnw("bus close during reset", "error", err)
	}
	t.logger.Infow("bus reset", "bus", t.String())
	return nil
}

// Close releases the handle.
func (t *Transport) Close() error {
	if t.bus == nil {
		return nil
	}
	err := t.bus.Close()
	t.bus = nil
	return err
}
