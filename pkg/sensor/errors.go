package sensor

import (
	"errors"
	"fmt"
)

// ErrorKind classifies driver failures that are not plain bus errors.
type ErrorKind int

const (
	// NotReady means the device has no new sample yet; the poll is skipped.
	NotReady ErrorKind = iota + 1
	// ChecksumMismatch means a CRC over a response word did not match.
	ChecksumMismatch
	// OutOfRange means no decoded value was physically plausible.
	OutOfRange
	// DriverBusy means a measurement did not finish within its bound.
	DriverBusy
)

func (k ErrorKind) String() string {
	switch k {
	case NotReady:
		return "not_ready"
	case ChecksumMismatch:
		return "checksum_mismatch"
	case OutOfRange:
		return "out_of_range"
	case DriverBusy:
		return "driver_busy"
	default:
		return "unknown"
	}
}

var (
	ErrNotReady         = &SensorError{Kind: NotReady}
	ErrChecksumMismatch = &SensorError{Kind: ChecksumMismatch}
	ErrOutOfRange       = &SensorError{Kind: OutOfRange}
	ErrDriverBusy       = &SensorError{Kind: DriverBusy}
)

type SensorError struct {
	Kind   ErrorKind
	Sensor string
	Err    error
}

func newError(kind ErrorKind, id string, format string, args ...interface{}) *SensorError {
	return &SensorError{Kind: kind, Sensor: id, Err: fmt.Errorf(format, args...)}
}

func (e *SensorError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sensor %s: %s: %v", e.Sensor, e.Kind, e.Err)
	}
	return fmt.Sprintf("sensor %s: %s", e.Sensor, e.Kind)
}

func (e *SensorError) Unwrap() error { return e.Err }

func (e *SensorError) Is(target error) bool {
	var t *SensorError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}
