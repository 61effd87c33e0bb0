package bus

import (
	"errors"
	"fmt"
)

// ErrorKind classifies bus failures.
type ErrorKind int

const (
	// Unresponsive means every attempt of a transaction failed.
	Unresponsive ErrorKind = iota + 1
	// ShortRead means the device returned fewer bytes than the frame needs.
	ShortRead
	// DeviceAbsent means the address did not answer a presence probe.
	DeviceAbsent
)

func (k ErrorKind) String() string {
	switch k {
	case Unresponsive:
		return "unresponsive"
	case ShortRead:
		return "short_read"
	case DeviceAbsent:
		return "device_absent"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is.
var (
	ErrUnresponsive = &BusError{Kind: Unresponsive}
	ErrShortRead    = &BusError{Kind: ShortRead}
	ErrDeviceAbsent = &BusError{Kind: DeviceAbsent}
)

// BusError is returned by Transport and by frame decoders.
type BusError struct {
	Kind ErrorKind
	Addr uint16
	Err  error
}

func (e *BusError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bus 0x%02X: %s: %v", e.Addr, e.Kind, e.Err)
	}
	return fmt.Sprintf("bus 0x%02X: %s", e.Addr, e.Kind)
}

func (e *BusError) Unwrap() error { return e.Err }

// Is matches on Kind so callers can compare against the sentinels.
func (e *BusError) Is(target error) bool {
	var t *BusError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// CheckLength returns a ShortRead error if b holds fewer than n bytes.
func CheckLength(addr uint16, b []byte, n int) error {
	if len(b) < n {
		return &BusError{Kind: ShortRead, Addr: addr, Err: fmt.Errorf("got %d bytes, want %d", len(b), n)}
	}
	return nil
}
