package output

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	NetworkUnreachable ErrorKind = iota + 1
	ServerRejected
	SerializationFailed
)

func (k ErrorKind) String() string {
	switch k {
	case NetworkUnreachable:
		return "network_unreachable"
	case ServerRejected:
		return "server_rejected"
	case SerializationFailed:
		return "serialization_failed"
	default:
		return "none"
	}
}

var (
	ErrNetworkUnreachable  = &TransportError{Kind: NetworkUnreachable}
	ErrServerRejected      = &TransportError{Kind: ServerRejected}
	ErrSerializationFailed = &TransportError{Kind: SerializationFailed}
)

// TransportError is returned by every Output. Status is set for
// ServerRejected.
type TransportError struct {
	Kind   ErrorKind
	Status int
	Err    error
}

func (e *TransportError) Error() string {
	msg := e.Kind.String()
	if e.Kind == ServerRejected {
		msg = fmt.Sprintf("%s(%d)", msg, e.Status)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// Is matches on Kind, and on Status too when the target sets one.
func (e *TransportError) Is(target error) bool {
	var t *TransportError
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Status == 0 || t.Status == e.Status)
}

func Unreachable(err error) *TransportError {
	return &TransportError{Kind: NetworkUnreachable, Err: err}
}

func Rejected(status int, err error) *TransportError {
	return &TransportError{Kind: ServerRejected, Status: status, Err: err}
}

func Serialization(err error) *TransportError {
	return &TransportError{Kind: SerializationFailed, Err: err}
}
