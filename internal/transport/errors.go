package transport

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrNoSender = errors.New("transport: no sender configured")

// ErrorKind tells the dispatcher whether a failed send may be retried.
type ErrorKind int

const (
	Fatal ErrorKind = iota
	Transient
)

func (k ErrorKind) String() string {
	if k == Transient {
		return "transient"
	}
	return "fatal"
}

// SendError is a classified provider failure.
type SendError struct {
	Kind ErrorKind
	// Code is the provider status code, 0 when unknown (network errors).
	Code int
	// RetryAfter is the provider's requested wait, 0 when not given.
	RetryAfter time.Duration
	Err        error
}

func (e *SendError) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := "<nil>"
	if e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Code != 0 {
		return fmt.Sprintf("%s send error (code %d): %s", e.Kind, e.Code, msg)
	}
	return fmt.Sprintf("%s send error: %s", e.Kind, msg)
}

func (e *SendError) Unwrap() error { return e.Err }

func NewTransient(err error) *SendError { return &SendError{Kind: Transient, Err: err} }

func NewFatal(err error) *SendError { return &SendError{Kind: Fatal, Err: err} }

// KindOf returns the kind of err. Deadline expiry counts as transient;
// unclassified errors are fatal.
func KindOf(err error) ErrorKind {
	if err == nil {
		return Fatal
	}
	var se *SendError
	if errors.As(err, &se) {
		return se.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	return Fatal
}

func IsTransient(err error) bool { return err != nil && KindOf(err) == Transient }

// RetryAfter returns the provider-requested wait carried by err, if any.
func RetryAfter(err error) time.Duration {
	var se *SendError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}
