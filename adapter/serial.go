package adapter

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/roffe/godiag"
	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

func init() {
	for _, name := range []string{"ELM327", "OBDLink SX", "Bluetooth SPP"} {
		name := name
		if err := godiag.RegisterAdapter(&godiag.AdapterInfo{
			Name:               name,
			Description:        "ELM327 compatible adapter on a serial port",
			RequiresSerialPort: true,
			Capabilities: godiag.AdapterCapabilities{
				OBD: true,
				UDS: true,
			},
			New: func(cfg *godiag.AdapterConfig) (godiag.Transport, error) {
				return NewSerial(name, cfg)
			},
		}); err != nil {
			panic(err)
		}
	}
}

// Serial talks to an ELM327 style adapter over a (virtual) com port.
// Incoming data is split on CR, every non empty line is delivered as one chunk.
type Serial struct {
	*godiag.BaseAdapter
	port serial.Port

	mu     sync.Mutex
	closed bool
}

func NewSerial(name string, cfg *godiag.AdapterConfig) (*Serial, error) {
	if cfg.Port == "" {
		return nil, godiag.ErrNoDevice
	}
	if cfg.PortBaudrate == 0 {
		cfg.PortBaudrate = 38400
	}
	return &Serial{
		BaseAdapter: godiag.NewBaseAdapter(name, cfg),
	}, nil
}

func (s *Serial) Open(ctx context.Context) error {
	cfg := s.Config()
	mode := &serial.Mode{
		BaudRate: cfg.PortBaudrate,
		Parity:   serial.NoParity,
		DataBits: 8,
		StopBits: serial.OneStopBit,
	}

	err := retry.Do(func() error {
		p, err := serial.Open(cfg.Port, mode)
		if err != nil {
			var perr *serial.PortError
			if errors.As(err, &perr) && perr.Code() == serial.PortNotFound {
				return retry.Unrecoverable(fmt.Errorf("%w: %s", godiag.ErrNoDevice, cfg.Port))
			}
			if errors.As(err, &perr) && perr.Code() == serial.PermissionDenied {
				return retry.Unrecoverable(fmt.Errorf("%w: %s", godiag.ErrPermission, cfg.Port))
			}
			return fmt.Errorf("failed to open com port %q : %v", cfg.Port, err)
		}
		s.port = p
		return nil
	},
		retry.Context(ctx),
		retry.Attempts(3),
		retry.OnRetry(func(n uint, err error) {
			cfg.OnError(fmt.Errorf("retry #%d: %w", n, err))
		}),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return err
	}

	if err := s.port.SetReadTimeout(5 * time.Millisecond); err != nil {
		s.port.Close()
		return err
	}
	s.port.ResetOutputBuffer()
	s.port.ResetInputBuffer()

	if err := elmInit(ctx, s.port, cfg); err != nil {
		s.port.Close()
		return err
	}
	time.Sleep(elmInitDelay)
	s.port.ResetInputBuffer()

	go s.recvManager(ctx)
	return nil
}

func (s *Serial) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port != nil && !s.closed
}

func (s *Serial) Write(b []byte) (int, error) {
	if !s.IsConnected() {
		return 0, godiag.ErrNotConnected
	}
	if s.Config().Debug {
		s.Config().OnMessage("<o> " + strings.TrimSpace(string(b)))
	}
	n, err := s.port.Write(b)
	if err != nil {
		return n, fmt.Errorf("failed to write to com port: %w", err)
	}
	if n != len(b) {
		return n, godiag.ErrWriteIncomplete
	}
	return n, nil
}

func (s *Serial) Close() error {
	s.mu.Lock()
	if s.closed || s.port == nil {
		s.mu.Unlock()
		s.BaseAdapter.Close()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.BaseAdapter.Close()
	time.Sleep(50 * time.Millisecond)
	s.port.ResetOutputBuffer()
	s.port.Write([]byte("ATZ\r"))
	time.Sleep(50 * time.Millisecond)
	s.port.ResetInputBuffer()
	return s.port.Close()
}

func (s *Serial) recvManager(ctx context.Context) {
	buff := bytes.NewBuffer(nil)
	readBuffer := make([]byte, 64)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.Done():
			return
		default:
		}
		n, err := s.port.Read(readBuffer)
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if !closed {
				s.Fatal(fmt.Errorf("failed to read com port: %w", err))
			}
			return
		}
		if n == 0 {
			continue
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
				if s.Config().Debug {
					s.Config().OnMessage("<i> " + string(line))
				}
				s.Deliver(line)
			default:
				buff.WriteByte(b)
			}
		}
	}
}

// ListPorts returns the names of the serial ports present on the system.
func ListPorts() ([]string, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, err
	}
	if len(ports) == 0 {
		return nil, errors.New("no serial ports found")
	}
	var out []string
	for _, port := range ports {
		name := port.Name
		if runtime.GOOS == "windows" {
			name = strings.ToUpper(name)
		}
		if port.IsUSB {
			log.Printf("port: %s USB ID %s:%s serial %s", name, port.VID, port.PID, port.SerialNumber)
		}
		out = append(out, name)
	}
	return out, nil
}
