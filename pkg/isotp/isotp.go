package isotp

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/roffe/godiag"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	pciSingleFrame      = 0x00
	pciFirstFrame       = 0x10
	pciConsecutiveFrame = 0x20
	pciFlowControl      = 0x30
	flowStatusContinue  = 0x00
	flowStatusWait      = 0x01
	flowStatusOverflow  = 0x02
	maxPayload          = 0xFFF
	maxFlowControlWaits = 10
	frameDataLength     = 8
	singleFramePayload  = frameDataLength - 1
	firstFramePayload   = frameDataLength - 2
	consecutivePayload  = frameDataLength - 1
)

type config struct {
	timeout   time.Duration
	blockSize byte
	stMin     byte
	padding   byte
	logger    *zap.Logger
}

func defaultConfig() config {
	return config{
		timeout:   1 * time.Second,
		blockSize: 0,
		stMin:     0,
		padding:   0x00,
		logger:    zap.NewNop(),
	}
}

type Option func(*config)

// WithTimeout sets how long to wait for any single frame from the ECU.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithFlowControl sets the block size and separation time we ask the ECU for.
func WithFlowControl(blockSize, stMin byte) Option {
	return func(c *config) {
		c.blockSize = blockSize
		c.stMin = stMin
	}
}

func WithPadding(b byte) Option {
	return func(c *config) {
		c.padding = b
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// Layer segments outgoing payloads into CAN frames and reassembles incoming ones.
// All traffic to the transport goes through mu so there is never more than
// one request in flight on the channel.
//
// The adapter is expected in raw CAN mode, headers on and automatic
// formatting off. Frames are written as data only, the identifier is
// programmed with ATSH and the receive filter with ATCRA whenever the
// addresses change.
type Layer struct {
	t    godiag.Transport
	txID uint32
	rxID uint32
	cfg  config
	mu   sync.Mutex

	// header and filter currently programmed in the adapter, 0 when unknown
	header   uint32
	filter   uint32
	inflight []byte

	sent   atomic.Uint64
	recvd  atomic.Uint64
	failed atomic.Uint64
}

func New(t godiag.Transport, txID, rxID uint32, opts ...Option) *Layer {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &Layer{
		t:    t,
		txID: txID,
		rxID: rxID,
		cfg:  cfg,
	}
}

// Transport returns the underlying transport.
func (l *Layer) Transport() godiag.Transport {
	return l.t
}

// Addresses returns the request and response identifiers.
func (l *Layer) Addresses() (uint32, uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.txID, l.rxID
}

// SetAddresses changes the request and response identifiers.
func (l *Layer) SetAddresses(txID, rxID uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.txID = txID
	l.rxID = rxID
}

// Request sends payload and waits for the complete response. Anything the
// adapter delivered before the request, such as a late answer to an earlier
// one, is discarded.
func (l *Layer) Request(ctx context.Context, payload []byte) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.t.Flush()
	if err := l.send(ctx, payload); err != nil {
		return nil, err
	}
	return l.receive(ctx)
}

// Send transmits one payload, segmenting it if needed.
func (l *Layer) Send(ctx context.Context, payload []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.t.Flush()
	return l.send(ctx, payload)
}

// Receive waits for the next complete payload from the ECU.
func (l *Layer) Receive(ctx context.Context) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.receive(ctx)
}

// Command writes a raw adapter command (AT style) and collects the reply lines.
// A successful ATSH or ATCRA also changes the request or response identifier.
func (l *Layer) Command(ctx context.Context, cmd string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.t.Flush()
	l.inflight = nil
	lines, err := l.command(ctx, cmd)
	if err != nil {
		return lines, err
	}
	l.track(cmd)
	return lines, nil
}

func (l *Layer) command(ctx context.Context, cmd string) ([]string, error) {
	if err := l.write([]byte(cmd + "\r")); err != nil {
		return nil, err
	}
	var lines []string
	for {
		b, err := l.read(ctx)
		if err != nil {
			var te *godiag.TimeoutError
			if errors.As(err, &te) && len(lines) > 0 {
				return lines, nil
			}
			return lines, err
		}
		line := strings.TrimSpace(string(b))
		if line == "" || line == cmd {
			continue
		}
		lines = append(lines, line)
		switch {
		case line == "OK", strings.HasPrefix(line, "ELM327"):
			return lines, nil
		case line == "?":
			return lines, fmt.Errorf("%w: %s", ErrUnknownCommand, cmd)
		}
	}
}

// track follows identifiers set through Command so the next frame does not
// reprogram them.
func (l *Layer) track(cmd string) {
	c := strings.ToUpper(strings.ReplaceAll(cmd, " ", ""))
	var arg string
	switch {
	case strings.HasPrefix(c, "ATSH") && len(c) == 7:
		arg = c[4:]
	case strings.HasPrefix(c, "ATCRA") && (len(c) == 8 || len(c) == 13):
		arg = c[5:]
	default:
		return
	}
	id, err := strconv.ParseUint(arg, 16, 32)
	if err != nil {
		return
	}
	if strings.HasPrefix(c, "ATSH") {
		l.txID, l.header = uint32(id), uint32(id)
		return
	}
	l.rxID, l.filter = uint32(id), uint32(id)
}

// program sets the adapter header and receive filter to the current addresses.
func (l *Layer) program(ctx context.Context) error {
	if l.header != l.txID {
		var cmds []string
		if l.txID > 0x7FF {
			cmds = []string{fmt.Sprintf("ATCP%02X", l.txID>>24), fmt.Sprintf("ATSH%06X", l.txID&0xFFFFFF)}
		} else {
			cmds = []string{fmt.Sprintf("ATSH%03X", l.txID)}
		}
		for _, cmd := range cmds {
			if _, err := l.command(ctx, cmd); err != nil {
				return fmt.Errorf("set header: %w", err)
			}
		}
		l.header = l.txID
	}
	if l.rxID != 0 && l.filter != l.rxID {
		cmd := fmt.Sprintf("ATCRA%03X", l.rxID)
		if l.rxID > 0x7FF {
			cmd = fmt.Sprintf("ATCRA%08X", l.rxID)
		}
		if _, err := l.command(ctx, cmd); err != nil {
			return fmt.Errorf("set receive filter: %w", err)
		}
		l.filter = l.rxID
	}
	return nil
}

// Stats returns frames sent, frames received and framing errors.
func (l *Layer) Stats() (sent, received, errs uint64) {
	return l.sent.Load(), l.recvd.Load(), l.failed.Load()
}

func (l *Layer) send(ctx context.Context, payload []byte) error {
	if len(payload) == 0 {
		return &FrameError{Reason: "empty payload"}
	}
	if len(payload) > maxPayload {
		return ErrPayloadTooLarge
	}
	l.inflight = payload
	if err := l.program(ctx); err != nil {
		return err
	}
	if len(payload) <= singleFramePayload {
		data := append([]byte{pciSingleFrame | byte(len(payload))}, payload...)
		return l.writeFrame(data)
	}

	first := append([]byte{pciFirstFrame | byte(len(payload)>>8), byte(len(payload))}, payload[:firstFramePayload]...)
	if err := l.writeFrame(first); err != nil {
		return err
	}

	rest := payload[firstFramePayload:]
	var seq byte = 1
	for len(rest) > 0 {
		bs, stMin, err := l.waitFlowControl(ctx)
		if err != nil {
			return err
		}
		sentInBlock := 0
		for len(rest) > 0 && (bs == 0 || sentInBlock < int(bs)) {
			if err := ctx.Err(); err != nil {
				return err
			}
			n := consecutivePayload
			if len(rest) < n {
				n = len(rest)
			}
			data := append([]byte{pciConsecutiveFrame | seq}, rest[:n]...)
			if err := l.writeFrame(data); err != nil {
				return err
			}
			rest = rest[n:]
			seq = (seq + 1) & 0x0F
			sentInBlock++
			if len(rest) > 0 && stMin > 0 {
				if err := sleep(ctx, stMin); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (l *Layer) waitFlowControl(ctx context.Context) (byte, time.Duration, error) {
	for waits := 0; waits <= maxFlowControlWaits; {
		f, err := l.readFrame(ctx)
		if err != nil {
			return 0, 0, fmt.Errorf("waiting for flow control: %w", err)
		}
		if len(f.Data) < 3 || f.Data[0]&0xF0 != pciFlowControl {
			l.cfg.logger.Debug("ignoring frame while waiting for flow control", zap.Stringer("frame", f))
			continue
		}
		switch f.Data[0] & 0x0F {
		case flowStatusContinue:
			return f.Data[1], decodeSTmin(f.Data[2]), nil
		case flowStatusWait:
			waits++
			continue
		case flowStatusOverflow:
			return 0, 0, ErrOverflow
		default:
			return 0, 0, &FrameError{Reason: fmt.Sprintf("invalid flow status 0x%02X", f.Data[0]&0x0F)}
		}
	}
	return 0, 0, &FrameError{Reason: "too many flow control wait frames"}
}

func (l *Layer) receive(ctx context.Context) ([]byte, error) {
	for {
		f, err := l.readFrame(ctx)
		if err != nil {
			return nil, err
		}
		if len(f.Data) == 0 {
			continue
		}
		switch f.Data[0] & 0xF0 {
		case pciSingleFrame:
			n := int(f.Data[0] & 0x0F)
			if n == 0 || n > len(f.Data)-1 {
				l.failed.Inc()
				return nil, &FrameError{Reason: fmt.Sprintf("invalid single frame length %d", n)}
			}
			return f.Data[1 : 1+n], nil
		case pciFirstFrame:
			return l.receiveMulti(ctx, f)
		case pciFlowControl:
			continue
		default:
			l.failed.Inc()
			return nil, &FrameError{Reason: fmt.Sprintf("unexpected frame type 0x%02X", f.Data[0]&0xF0)}
		}
	}
}

func (l *Layer) receiveMulti(ctx context.Context, first *Frame) ([]byte, error) {
	if len(first.Data) < 2 {
		return nil, &FrameError{Reason: "short first frame"}
	}
	total := int(first.Data[0]&0x0F)<<8 | int(first.Data[1])
	if total <= singleFramePayload {
		l.failed.Inc()
		return nil, &FrameError{Reason: fmt.Sprintf("invalid first frame length %d", total)}
	}
	out := make([]byte, 0, total)
	out = append(out, first.Data[2:]...)

	if err := l.sendFlowControl(); err != nil {
		return nil, err
	}

	var seq byte = 1
	inBlock := 0
	for len(out) < total {
		f, err := l.readFrame(ctx)
		if err != nil {
			return nil, err
		}
		if len(f.Data) == 0 || f.Data[0]&0xF0 != pciConsecutiveFrame {
			l.failed.Inc()
			return nil, &FrameError{Reason: "expected consecutive frame"}
		}
		if f.Data[0]&0x0F != seq {
			l.failed.Inc()
			return nil, &FrameError{Reason: fmt.Sprintf("frame sequence out of order, expected 0x%X got 0x%X", seq, f.Data[0]&0x0F)}
		}
		out = append(out, f.Data[1:]...)
		seq = (seq + 1) & 0x0F
		inBlock++
		if l.cfg.blockSize > 0 && inBlock == int(l.cfg.blockSize) && len(out) < total {
			inBlock = 0
			if err := l.sendFlowControl(); err != nil {
				return nil, err
			}
		}
	}
	return out[:total], nil
}

func (l *Layer) sendFlowControl() error {
	return l.writeFrame([]byte{pciFlowControl | flowStatusContinue, l.cfg.blockSize, l.cfg.stMin})
}

func (l *Layer) writeFrame(data []byte) error {
	for len(data) < frameDataLength {
		data = append(data, l.cfg.padding)
	}
	f := NewFrame(l.txID, data)
	l.cfg.logger.Debug("tx", zap.Stringer("frame", f))
	if err := l.write(f.Encode()); err != nil {
		return err
	}
	l.sent.Inc()
	return nil
}

func (l *Layer) write(b []byte) error {
	if !l.t.IsConnected() {
		return godiag.ErrNotConnected
	}
	n, err := l.t.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return godiag.ErrWriteIncomplete
	}
	return nil
}

func (l *Layer) readFrame(ctx context.Context) (*Frame, error) {
	for {
		b, err := l.read(ctx)
		if err != nil {
			return nil, err
		}
		line := strings.TrimSpace(string(b))
		if line == "" || line == "OK" {
			continue
		}
		f, err := DecodeFrame(b)
		if err != nil {
			var fe *FrameError
			if errors.As(err, &fe) {
				l.failed.Inc()
			}
			return nil, err
		}
		if l.rxID != 0 && f.Identifier != l.rxID {
			continue
		}
		l.recvd.Inc()
		l.cfg.logger.Debug("rx", zap.Stringer("frame", f))
		return f, nil
	}
}

func (l *Layer) read(ctx context.Context) ([]byte, error) {
	rctx, cancel := context.WithTimeout(ctx, l.cfg.timeout)
	defer cancel()
	b, err := l.t.Read(rctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, &godiag.TimeoutError{Timeout: l.cfg.timeout, Request: l.inflight, Type: "isotp"}
		}
		return nil, err
	}
	return b, nil
}

func decodeSTmin(b byte) time.Duration {
	switch {
	case b <= 0x7F:
		return time.Duration(b) * time.Millisecond
	case b >= 0xF1 && b <= 0xF9:
		return time.Duration(b-0xF0) * 100 * time.Microsecond
	default:
		return 127 * time.Millisecond
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
