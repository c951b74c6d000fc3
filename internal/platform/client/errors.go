package client

import (
	"errors"
	"fmt"
)

// TransportError wraps a failure to send a request or read its response.
type TransportError struct {
	Method string
	URL    string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError reports a response whose status differs from the one the
// call requires.
type StatusError struct {
	Method      string
	URL         string
	StatusCode  int
	Expected    int
	Diagnostics string
}

func (e *StatusError) Error() string {
	msg := fmt.Sprintf("%s %s: unexpected response [%d], expected [%d]", e.Method, e.URL, e.StatusCode, e.Expected)
	if e.Diagnostics != "" {
		msg += ": " + e.Diagnostics
	}
	return msg
}

// IsTransport reports whether err is, or wraps, a *TransportError.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// IsStatus reports whether err is, or wraps, a *StatusError.
func IsStatus(err error) bool {
	var se *StatusError
	return errors.As(err, &se)
}
