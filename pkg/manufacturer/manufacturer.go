package manufacturer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roffe/godiag/pkg/isotp"
	"go.uber.org/zap"
)

// Link is what the Layer sends through, normally an *isotp.Layer.
type Link interface {
	Request(ctx context.Context, payload []byte) ([]byte, error)
	Receive(ctx context.Context) ([]byte, error)
	Command(ctx context.Context, cmd string) ([]string, error)
}

type config struct {
	settleDelay time.Duration
	noDataDelay time.Duration
	logger      *zap.Logger
}

type Option func(*config)

// WithSettleDelay sets the wait before retransmitting after a SEARCHING reply.
func WithSettleDelay(d time.Duration) Option {
	return func(c *config) {
		c.settleDelay = d
	}
}

// WithNoDataDelay sets the wait before retrying after a NO DATA reply.
func WithNoDataDelay(d time.Duration) Option {
	return func(c *config) {
		c.noDataDelay = d
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// Layer applies a manufacturer profile to every request going through it.
// It only changes timing and framing, the response bytes handed back are
// what the ECU answered.
type Layer struct {
	link   Link
	tables Tables
	cfg    config

	mu      sync.RWMutex
	profile Profile
}

func New(link Link, tables Tables, opts ...Option) *Layer {
	cfg := config{
		settleDelay: 500 * time.Millisecond,
		noDataDelay: 200 * time.Millisecond,
		logger:      zap.NewNop(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	return &Layer{
		link:    link,
		tables:  tables,
		cfg:     cfg,
		profile: tables.Profile(Generic),
	}
}

// Select picks the profile for the manufacturer encoded in vin.
func (l *Layer) Select(vin string) Profile {
	return l.SelectManufacturer(l.tables.Detect(vin))
}

func (l *Layer) SelectManufacturer(m Manufacturer) Profile {
	p := l.tables.Profile(m)
	l.mu.Lock()
	l.profile = p
	l.mu.Unlock()
	l.cfg.logger.Info("manufacturer profile selected", zap.String("manufacturer", string(p.Manufacturer)))
	return p
}

func (l *Layer) Profile() Profile {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.profile
}

// Init sends the protocol and custom init commands of the active profile.
func (l *Layer) Init(ctx context.Context) error {
	p := l.Profile()
	var cmds []string
	if p.InitProtocol != "" && p.InitProtocol != AutoProtocol {
		cmds = append(cmds, p.InitProtocol)
	}
	cmds = append(cmds, p.InitCommands...)
	for i, cmd := range cmds {
		if i > 0 {
			if err := wait(ctx, p.CommandDelay); err != nil {
				return err
			}
		}
		if _, err := l.link.Command(ctx, cmd); err != nil {
			return fmt.Errorf("init %s: %w", cmd, err)
		}
	}
	return nil
}

func (l *Layer) Request(ctx context.Context, payload []byte) ([]byte, error) {
	p := l.Profile()
	out := payload
	extended := p.ExtendedAddressing && len(payload) > 0 && payload[0] == 0x01
	if extended {
		out = append([]byte{p.TargetAddress}, payload...)
	}

	resp, err := l.send(ctx, p, out)
	switch {
	case err == nil:
	case errors.Is(err, isotp.ErrSearching) && p.RetryOnSearching:
		l.cfg.logger.Debug("adapter searching, retransmitting", zap.Binary("request", out))
		if err := wait(ctx, l.cfg.settleDelay); err != nil {
			return nil, err
		}
		resp, err = l.send(ctx, p, out)
	case errors.Is(err, isotp.ErrNoData) && p.RetryOnNoData:
		l.cfg.logger.Debug("no data, retrying", zap.Binary("request", out))
		if err := wait(ctx, l.cfg.noDataDelay); err != nil {
			return nil, err
		}
		resp, err = l.send(ctx, p, out)
	}
	if err != nil {
		return nil, err
	}
	if extended {
		resp = stripTarget(resp, p.TargetAddress)
	}
	return resp, nil
}

func (l *Layer) Receive(ctx context.Context) ([]byte, error) {
	p := l.Profile()
	if p.ResponseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.ResponseTimeout)
		defer cancel()
	}
	return l.link.Receive(ctx)
}

func (l *Layer) send(ctx context.Context, p Profile, payload []byte) ([]byte, error) {
	if err := wait(ctx, p.CommandDelay); err != nil {
		return nil, err
	}
	if p.ResponseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.ResponseTimeout)
		defer cancel()
	}
	return l.link.Request(ctx, payload)
}

func stripTarget(resp []byte, target byte) []byte {
	if len(resp) >= 2 && resp[0] == target && (resp[1] == 0x41 || resp[1] == 0x7F) {
		return resp[1:]
	}
	return resp
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
