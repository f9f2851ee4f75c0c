package godiag

import (
	"context"
)

const (
	CR = 0x0D
)

// Transport is a byte duplex connection to a diagnostic adapter.
// Framing is left to the layers above, Read returns whatever chunk the
// adapter produced next. Flush drops chunks that arrived but were never read.
type Transport interface {
	Name() string
	Open(context.Context) error
	Write([]byte) (int, error)
	Read(context.Context) ([]byte, error)
	Flush()
	Close() error
	IsConnected() bool
}
