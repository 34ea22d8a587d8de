package plotter

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned by operations that need an open port.
var ErrNotConnected = errors.New("plotter: not connected")

// ConnKind classifies a connection failure.
type ConnKind string

const (
	KindTimeout          ConnKind = "timeout"
	KindPermissionDenied ConnKind = "permission_denied"
	KindPortNotFound     ConnKind = "port_not_found"
	KindAlreadyOpen      ConnKind = "already_open_elsewhere"
	KindCanceled         ConnKind = "canceled"
	KindOpenFailed       ConnKind = "open_failed"
)

// ConnectionError is a typed open failure. PermissionDenied carries
// remediation text for the operator.
type ConnectionError struct {
	Kind   ConnKind
	Path   string
	Remedy string
	Err    error
}

func (e *ConnectionError) Error() string {
	msg := fmt.Sprintf("plotter: connect %s: %s", e.Path, e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Remedy != "" {
		msg += " (" + e.Remedy + ")"
	}
	return msg
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// connKindOf extracts the ConnKind from an error, or "" if it is not a
// ConnectionError.
func connKindOf(err error) ConnKind {
	var ce *ConnectionError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}
