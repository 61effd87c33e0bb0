// Package output defines the telemetry wire payload and the transports that
// deliver it.
package output

import (
	"context"
	"errors"
)

// Value is one metric in the wire payload.
type Value struct {
	Value float64 `json:"value"`
	Unit  string  `json:"unit"`
}

// Payload is the body sent for one device per publish.
type Payload struct {
	DeviceID string           `json:"device_id"`
	Sensors  map[string]Value `json:"sensors"`
}

// Output is a telemetry transport. Publish is at most once: a failed payload
// is not queued.
type Output interface {
	Name() string
	Publish(ctx context.Context, p Payload) Result
	Close() error
}

// Result is the outcome of one publish attempt.
type Result struct {
	Success bool
	// Status is the HTTP status for REST, zero otherwise.
	Status int
	Err    error
}

// OK is a successful result.
func OK(status int) Result { return Result{Success: true, Status: status} }

// Failed builds a failed result from err, carrying its status if any.
func Failed(err error) Result {
	r := Result{Err: err}
	var te *TransportError
	if errors.As(err, &te) {
		r.Status = te.Status
	}
	return r
}

// Kind returns the transport error kind of a failed result, or zero.
func (r Result) Kind() ErrorKind {
	var te *TransportError
	if errors.As(r.Err, &te) {
		return te.Kind
	}
	return 0
}
