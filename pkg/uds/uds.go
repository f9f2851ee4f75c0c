package uds

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/albenik/bcd"
	"go.uber.org/zap"
)

// Conn is the transport a Client talks through. Request sends one payload
// and returns the next complete response, Receive waits for another one
// without sending.
type Conn interface {
	Request(ctx context.Context, payload []byte) ([]byte, error)
	Receive(ctx context.Context) ([]byte, error)
}

// maxUnrelated is how many answers to other requests are skipped while
// waiting for the response to the current one.
const maxUnrelated = 4

// SeedKeyFunc computes the key for a seed at the given security level.
type SeedKeyFunc func(level int, seed []byte) ([]byte, error)

type config struct {
	maxPending int
	logger     *zap.Logger
}

type Option func(*config)

// WithMaxPending limits how many response pending replies are accepted for one request.
func WithMaxPending(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxPending = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// Client encodes UDS services. It never retries, failures are returned to the caller.
type Client struct {
	c   Conn
	cfg config
}

func New(c Conn, opts ...Option) *Client {
	cfg := config{
		maxPending: 20,
		logger:     zap.NewNop(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	return &Client{c: c, cfg: cfg}
}

// SendRequest sends sid+data and returns the positive response including the
// response service id.
func (cl *Client) SendRequest(ctx context.Context, sid byte, data []byte) ([]byte, error) {
	payload := append([]byte{sid}, data...)
	resp, err := cl.exchange(ctx, payload)
	if err != nil {
		return nil, err
	}
	if resp[0] != sid+positiveOffset {
		return nil, &ResponseError{Service: sid, Response: resp}
	}
	return resp, nil
}

// SendRaw sends payload as is. The positive response to it is returned unchanged.
func (cl *Client) SendRaw(ctx context.Context, payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, errors.New("empty request")
	}
	return cl.exchange(ctx, payload)
}

// exchange sends payload and waits for the answer to it. Response pending
// replies and responses to other services are consumed without resending.
func (cl *Client) exchange(ctx context.Context, payload []byte) ([]byte, error) {
	start := time.Now()
	sid := payload[0]
	resp, err := cl.c.Request(ctx, payload)
	for pending, unrelated := 0, 0; ; {
		if err != nil {
			return nil, fmt.Errorf("%s: %w", TranslateServiceCode(sid), err)
		}
		if len(resp) == 0 {
			return nil, fmt.Errorf("%s: %w", TranslateServiceCode(sid), ErrEmptyResponse)
		}
		negative := resp[0] == NegativeResponse && len(resp) >= 3 && resp[1] == sid
		switch {
		case resp[0] == sid+positiveOffset:
			cl.cfg.logger.Debug("uds exchange",
				zap.Binary("request", payload),
				zap.Binary("response", resp),
				zap.Duration("took", time.Since(start)),
			)
			return resp, nil
		case negative && resp[2] == NRCResponsePending:
			if pending >= cl.cfg.maxPending {
				return nil, fmt.Errorf("%s: %w", TranslateServiceCode(sid), ErrTooManyPending)
			}
			pending++
			cl.cfg.logger.Debug("response pending", zap.String("service", TranslateServiceCode(sid)))
		case negative:
			return nil, &NegativeResponseError{Service: sid, Code: resp[2]}
		default:
			if unrelated >= maxUnrelated {
				return nil, &ResponseError{Service: sid, Response: resp}
			}
			unrelated++
			cl.cfg.logger.Debug("discarding unrelated response",
				zap.String("service", TranslateServiceCode(sid)),
				zap.Binary("response", resp),
			)
		}
		resp, err = cl.c.Receive(ctx)
	}
}

func (cl *Client) DiagnosticSessionControl(ctx context.Context, sessionType byte) error {
	_, err := cl.SendRequest(ctx, DiagnosticSessionControl, []byte{sessionType})
	return err
}

// SecurityAccess requests a seed for level, lets fn compute the key and sends it.
// No key is ever sent unless a seed was received in the same call.
func (cl *Client) SecurityAccess(ctx context.Context, level int, fn SeedKeyFunc) error {
	if level < 1 || level > 0x3F {
		return fmt.Errorf("SecurityAccess: invalid level %d", level)
	}
	if fn == nil {
		return errors.New("SecurityAccess: no seed key function")
	}
	requestSeed := byte(2*level - 1)
	sendKey := byte(2 * level)

	resp, err := cl.SendRequest(ctx, SecurityAccess, []byte{requestSeed})
	if err != nil {
		return err
	}
	if len(resp) < 2 || resp[1] != requestSeed {
		return &ResponseError{Service: SecurityAccess, Response: resp}
	}
	seed := resp[2:]
	if len(seed) == 0 {
		return fmt.Errorf("SecurityAccess level %d: %w", level, ErrNoSeed)
	}

	key, err := fn(level, seed)
	if err != nil {
		return fmt.Errorf("SecurityAccess level %d: compute key: %w", level, err)
	}

	if _, err := cl.SendRequest(ctx, SecurityAccess, append([]byte{sendKey}, key...)); err != nil {
		return err
	}
	cl.cfg.logger.Debug("security access granted", zap.Int("level", level))
	return nil
}

// RequestDownload announces a download of size bytes to addr and returns the
// maximum TransferData request length the ECU accepts.
func (cl *Client) RequestDownload(ctx context.Context, addr, size uint32, format byte) (int, error) {
	data := make([]byte, 10)
	data[0] = format
	data[1] = 0x44
	binary.BigEndian.PutUint32(data[2:], addr)
	binary.BigEndian.PutUint32(data[6:], size)
	resp, err := cl.SendRequest(ctx, RequestDownload, data)
	if err != nil {
		return 0, err
	}
	if len(resp) < 2 {
		return 0, &ResponseError{Service: RequestDownload, Response: resp}
	}
	n := int(resp[1] >> 4)
	if n == 0 || n > 4 || len(resp) < 2+n {
		return 0, &ResponseError{Service: RequestDownload, Response: resp}
	}
	var maxLen int
	for _, b := range resp[2 : 2+n] {
		maxLen = maxLen<<8 | int(b)
	}
	return maxLen, nil
}

func (cl *Client) TransferData(ctx context.Context, seq byte, chunk []byte) error {
	resp, err := cl.SendRequest(ctx, TransferData, append([]byte{seq}, chunk...))
	if err != nil {
		return err
	}
	if len(resp) < 2 || resp[1] != seq {
		return &ResponseError{Service: TransferData, Response: resp}
	}
	return nil
}

func (cl *Client) RequestTransferExit(ctx context.Context) error {
	_, err := cl.SendRequest(ctx, RequestTransferExit, nil)
	return err
}

func (cl *Client) ECUReset(ctx context.Context, resetType byte) error {
	resp, err := cl.SendRequest(ctx, ECUReset, []byte{resetType})
	if err != nil {
		return err
	}
	if len(resp) < 2 || resp[1] != resetType {
		return &ResponseError{Service: ECUReset, Response: resp}
	}
	return nil
}

func (cl *Client) TesterPresent(ctx context.Context) error {
	_, err := cl.SendRequest(ctx, TesterPresent, []byte{0x00})
	return err
}

// ReadDataByIdentifier returns the record for did without the echoed identifier.
func (cl *Client) ReadDataByIdentifier(ctx context.Context, did uint16) ([]byte, error) {
	resp, err := cl.SendRequest(ctx, ReadDataByIdentifier, []byte{byte(did >> 8), byte(did)})
	if err != nil {
		return nil, err
	}
	if len(resp) < 3 || binary.BigEndian.Uint16(resp[1:3]) != did {
		return nil, &ResponseError{Service: ReadDataByIdentifier, Response: resp}
	}
	return resp[3:], nil
}

func (cl *Client) ReadMemoryByAddress(ctx context.Context, addr uint32, size uint16) ([]byte, error) {
	data := make([]byte, 7)
	data[0] = 0x24
	binary.BigEndian.PutUint32(data[1:], addr)
	binary.BigEndian.PutUint16(data[5:], size)
	resp, err := cl.SendRequest(ctx, ReadMemoryByAddress, data)
	if err != nil {
		return nil, err
	}
	if len(resp)-1 != int(size) {
		return nil, &ResponseError{Service: ReadMemoryByAddress, Response: resp}
	}
	return resp[1:], nil
}

// ReadProgrammingDate reads and decodes DID 0xF199.
func (cl *Client) ReadProgrammingDate(ctx context.Context) (time.Time, error) {
	b, err := cl.ReadDataByIdentifier(ctx, DIDProgrammingDate)
	if err != nil {
		return time.Time{}, err
	}
	return DecodeBCDDate(b)
}

// DecodeBCDDate decodes a BCD date in YYMMDD or YYYYMMDD form.
func DecodeBCDDate(b []byte) (time.Time, error) {
	var year int
	switch len(b) {
	case 3:
		year = 2000 + int(bcd.ToUint8(b[0]))
		b = b[1:]
	case 4:
		year = int(bcd.ToUint16(b[:2]))
		b = b[2:]
	default:
		return time.Time{}, fmt.Errorf("invalid BCD date length %d", len(b))
	}
	month := int(bcd.ToUint8(b[0]))
	day := int(bcd.ToUint8(b[1]))
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, fmt.Errorf("invalid BCD date % X", b)
	}
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC), nil
}

// IsPositive reports if resp is the positive response for sid.
func IsPositive(sid byte, resp []byte) bool {
	return len(resp) > 0 && resp[0] == sid+positiveOffset
}
