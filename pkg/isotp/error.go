package isotp

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNoData          = errors.New("NO DATA")
	ErrSearching       = errors.New("SEARCHING")
	ErrCANError        = errors.New("CAN ERROR")
	ErrStopped         = errors.New("STOPPED")
	ErrUnknownCommand  = errors.New("UNKNOWN COMMAND")
	ErrBufferFull      = errors.New("BUFFER FULL")
	ErrPayloadTooLarge = errors.New("payload exceeds 4095 bytes")
	ErrOverflow        = errors.New("receiver reported flow control overflow")
)

// FrameError is returned for lines or frames that violate the framing rules.
type FrameError struct {
	Line   string
	Reason string
}

func (e *FrameError) Error() string {
	if e.Line == "" {
		return "isotp: " + e.Reason
	}
	return fmt.Sprintf("isotp: %s: %q", e.Reason, e.Line)
}

func statusError(line string) error {
	switch {
	case line == "NODATA", line == "NO DATA":
		return ErrNoData
	case strings.HasPrefix(line, "SEARCHING"):
		return ErrSearching
	case line == "CANERROR", line == "CAN ERROR":
		return ErrCANError
	case line == "STOPPED":
		return ErrStopped
	case line == "?":
		return ErrUnknownCommand
	case line == "BUFFERFULL", line == "BUFFER FULL":
		return ErrBufferFull
	}
	return nil
}
