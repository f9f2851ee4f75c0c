package godiag

import (
	"errors"
	"fmt"
	"time"
)

type unrecoverableError struct {
	error
}

func (e unrecoverableError) Error() string {
	if e.error == nil {
		return "unrecoverable error"
	}
	return e.error.Error()
}

func (e unrecoverableError) Unwrap() error {
	return e.error
}

// Unrecoverable wraps an error in `unrecoverableError` struct
func Unrecoverable(err error) error {
	return unrecoverableError{err}
}

// IsRecoverable checks if error is an instance of `unrecoverableError`
func IsRecoverable(err error) bool {
	var ue unrecoverableError
	return !errors.As(err, &ue)
}

var (
	ErrNotConnected    = errors.New("transport not connected")
	ErrClosed          = errors.New("transport closed")
	ErrDroppedFrame    = errors.New("adapter incoming channel full")
	ErrNoDevice        = errors.New("no device selected")
	ErrNotSupported    = errors.New("adapter not supported")
	ErrPermission      = errors.New("permission denied")
	ErrChannelBusy     = errors.New("channel is owned by another session")
	ErrWriteIncomplete = errors.New("short write to transport")
)

type TimeoutError struct {
	Timeout time.Duration
	Request []byte
	Type    string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timeout (%dms) for request % X", e.Type, e.Timeout.Milliseconds(), e.Request)
}
