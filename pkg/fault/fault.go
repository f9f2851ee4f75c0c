package fault

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"

	"github.com/roffe/godiag"
	"github.com/roffe/godiag/pkg/isotp"
	"github.com/roffe/godiag/pkg/uds"
)

// Kind is the closed set of failure categories.
type Kind int

const (
	Unknown Kind = iota
	DeviceNotFound
	ConnectionLost
	ProtocolMismatch
	CommandTimeout
	ParseError
	InvalidResponse
	AdapterNotSupported
	TransportError
	PermissionDenied
)

func (k Kind) String() string {
	switch k {
	case DeviceNotFound:
		return "DeviceNotFound"
	case ConnectionLost:
		return "ConnectionLost"
	case ProtocolMismatch:
		return "ProtocolMismatch"
	case CommandTimeout:
		return "CommandTimeout"
	case ParseError:
		return "ParseError"
	case InvalidResponse:
		return "InvalidResponse"
	case AdapterNotSupported:
		return "AdapterNotSupported"
	case TransportError:
		return "TransportError"
	case PermissionDenied:
		return "PermissionDenied"
	default:
		return "Unknown"
	}
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(text []byte) error {
	for c := Unknown; c <= PermissionDenied; c++ {
		if c.String() == string(text) {
			*k = c
			return nil
		}
	}
	return fmt.Errorf("unknown error kind %q", text)
}

// Recoverable reports if failures of this kind may be retried.
func (k Kind) Recoverable() bool {
	switch k {
	case ConnectionLost, CommandTimeout, ProtocolMismatch, TransportError:
		return true
	}
	return false
}

// Error is a classified failure. Detail carries the kind specific payload:
// the command for CommandTimeout, the raw text for ParseError, the response
// for InvalidResponse, the adapter kind, the transport message or the
// permission name.
type Error struct {
	Kind   Kind   `json:"kind"`
	Detail string `json:"detail,omitempty"`
	Err    error  `json:"-"`
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Detail != "" {
		b.WriteString("(" + e.Detail + ")")
	}
	if e.Err != nil {
		b.WriteString(": " + e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

// FromError maps any error from the transport or protocol layers into the
// taxonomy. cmd names the command that was in flight, if any.
func FromError(err error, cmd string) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe
	}

	var (
		timeout *godiag.TimeoutError
		nrc     *uds.NegativeResponseError
		resp    *uds.ResponseError
		frame   *isotp.FrameError
		netErr  net.Error
	)
	switch {
	case errors.As(err, &timeout), errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: CommandTimeout, Detail: cmd, Err: err}
	case errors.Is(err, godiag.ErrClosed), errors.Is(err, godiag.ErrNotConnected), errors.Is(err, io.EOF):
		return &Error{Kind: ConnectionLost, Err: err}
	case errors.Is(err, godiag.ErrNoDevice):
		return &Error{Kind: DeviceNotFound, Err: err}
	case errors.Is(err, godiag.ErrPermission):
		return &Error{Kind: PermissionDenied, Detail: "device", Err: err}
	case errors.Is(err, godiag.ErrNotSupported):
		return &Error{Kind: AdapterNotSupported, Err: err}
	case errors.As(err, &nrc):
		return &Error{Kind: InvalidResponse, Detail: fmt.Sprintf("7F %02X %02X", nrc.Service, nrc.Code), Err: err}
	case errors.As(err, &resp):
		return &Error{Kind: InvalidResponse, Detail: fmt.Sprintf("% X", resp.Response), Err: err}
	case errors.Is(err, uds.ErrEmptyResponse), errors.Is(err, uds.ErrNoSeed):
		return &Error{Kind: InvalidResponse, Err: err}
	case errors.As(err, &frame):
		return &Error{Kind: ParseError, Detail: frame.Line, Err: err}
	case errors.Is(err, isotp.ErrNoData):
		return &Error{Kind: CommandTimeout, Detail: cmd, Err: err}
	case errors.Is(err, isotp.ErrUnknownCommand), errors.Is(err, isotp.ErrCANError):
		return &Error{Kind: ProtocolMismatch, Err: err}
	case errors.Is(err, isotp.ErrBufferFull), errors.Is(err, isotp.ErrStopped), errors.Is(err, godiag.ErrWriteIncomplete),
		errors.Is(err, godiag.ErrDroppedFrame), errors.Is(err, isotp.ErrSearching):
		return &Error{Kind: TransportError, Detail: err.Error(), Err: err}
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return &Error{Kind: CommandTimeout, Detail: cmd, Err: err}
		}
		return &Error{Kind: ConnectionLost, Err: err}
	}
	return &Error{Kind: Unknown, Err: err}
}
