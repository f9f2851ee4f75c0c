package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/roffe/godiag"
)

func init() {
	if err := godiag.RegisterAdapter(&godiag.AdapterInfo{
		Name:        "ELM327 WiFi",
		Description: "ELM327 compatible adapter reachable over TCP",
		Capabilities: godiag.AdapterCapabilities{
			OBD: true,
			UDS: true,
		},
		New: func(cfg *godiag.AdapterConfig) (godiag.Transport, error) {
			return NewTCP("ELM327 WiFi", cfg)
		},
	}); err != nil {
		panic(err)
	}
}

const defaultTCPAddress = "192.168.0.10:35000"

// TCP is the WiFi flavour of the ELM327, same line protocol as Serial.
type TCP struct {
	*godiag.BaseAdapter
	conn net.Conn

	mu     sync.Mutex
	closed bool
}

func NewTCP(name string, cfg *godiag.AdapterConfig) (*TCP, error) {
	if cfg.Address == "" {
		cfg.Address = defaultTCPAddress
	}
	return &TCP{
		BaseAdapter: godiag.NewBaseAdapter(name, cfg),
	}, nil
}

func (t *TCP) Open(ctx context.Context) error {
	cfg := t.Config()
	d := net.Dialer{Timeout: 3 * time.Second}
	err := retry.Do(func() error {
		conn, err := d.DialContext(ctx, "tcp", cfg.Address)
		if err != nil {
			var oerr *net.OpError
			if errors.As(err, &oerr) && oerr.Op == "dial" && !oerr.Timeout() {
				return fmt.Errorf("%w: %v", godiag.ErrNoDevice, err)
			}
			return err
		}
		t.conn = conn
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.Delay(250*time.Millisecond),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			cfg.OnError(fmt.Errorf("retry #%d: %w", n, err))
		}),
	)
	if err != nil {
		return err
	}
	if err := elmInit(ctx, t.conn, cfg); err != nil {
		t.conn.Close()
		return err
	}
	if err := t.discard(100 * time.Millisecond); err != nil {
		t.conn.Close()
		return err
	}
	go t.recvManager()
	return nil
}

// discard reads and drops whatever the adapter sends until it has been quiet for d.
func (t *TCP) discard(d time.Duration) error {
	buf := make([]byte, 256)
	for {
		if err := t.conn.SetReadDeadline(time.Now().Add(d)); err != nil {
			return err
		}
		if _, err := t.conn.Read(buf); err != nil {
			var nerr net.Error
			if errors.As(err, &nerr) && nerr.Timeout() {
				return t.conn.SetReadDeadline(time.Time{})
			}
			return fmt.Errorf("connection lost: %w", err)
		}
	}
}

func (t *TCP) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn != nil && !t.closed
}

func (t *TCP) Write(b []byte) (int, error) {
	if !t.IsConnected() {
		return 0, godiag.ErrNotConnected
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(time.Second)); err != nil {
		return 0, err
	}
	return t.conn.Write(b)
}

func (t *TCP) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.BaseAdapter.Close()
	if t.closed || t.conn == nil {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

func (t *TCP) recvManager() {
	buff := bytes.NewBuffer(nil)
	readBuffer := make([]byte, 256)
	for {
		n, err := t.conn.Read(readBuffer)
		if err != nil {
			t.mu.Lock()
			closed := t.closed
			t.mu.Unlock()
			if !closed {
				t.Fatal(fmt.Errorf("connection lost: %w", err))
			}
			return
		}
		for _, b := range readBuffer[:n] {
			switch b {
			case '>':
				continue
			case godiag.CR, '\n':
				if buff.Len() == 0 {
					continue
				}
				line := make([]byte, buff.Len())
				copy(line, buff.Bytes())
				buff.Reset()
				t.Deliver(line)
			default:
				buff.WriteByte(b)
			}
		}
	}
}
