package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/roffe/godiag"
	"github.com/roffe/godiag/pkg/fault"
	"github.com/roffe/godiag/pkg/obd"
	"go.uber.org/zap"
)

// Reading is one polled PID value or the error reading it.
type Reading struct {
	PID   byte
	Value obd.Value
	Err   error
	Time  time.Time
}

func (r Reading) String() string {
	if r.Err != nil {
		return fmt.Sprintf("%02X: %v", r.PID, r.Err)
	}
	return r.Value.String()
}

type config struct {
	interval   time.Duration
	ttl        time.Duration
	lock       *godiag.ChannelLock
	classifier *fault.Classifier
	logger     *zap.Logger
}

type Option func(*config)

func WithInterval(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.interval = d
		}
	}
}

// WithTTL sets how long a reading stays available from Latest.
func WithTTL(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithChannelLock makes the poller hold l for each poll cycle.
func WithChannelLock(l *godiag.ChannelLock) Option {
	return func(c *config) {
		c.lock = l
	}
}

func WithClassifier(cl *fault.Classifier) Option {
	return func(c *config) {
		c.classifier = cl
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// Poller reads a set of PIDs periodically.
type Poller struct {
	c     *obd.Client
	pids  []byte
	cfg   config
	cache *ttlcache.Cache[byte, obd.Value]
	hub   *godiag.Hub[Reading]
}

func New(c *obd.Client, pids []byte, opts ...Option) *Poller {
	cfg := config{
		interval: 500 * time.Millisecond,
		ttl:      5 * time.Second,
		logger:   zap.NewNop(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	return &Poller{
		c:     c,
		pids:  pids,
		cfg:   cfg,
		cache: ttlcache.New[byte, obd.Value](ttlcache.WithTTL[byte, obd.Value](cfg.ttl)),
		hub:   godiag.NewHub[Reading](),
	}
}

func (p *Poller) Subscribe(buffer int) *godiag.Subscriber[Reading] {
	return p.hub.Subscribe(buffer)
}

// Latest returns the last value read for pid if it has not expired.
func (p *Poller) Latest(pid byte) (obd.Value, bool) {
	item := p.cache.Get(pid)
	if item == nil {
		return obd.Value{}, false
	}
	return item.Value(), true
}

// Snapshot returns every unexpired value.
func (p *Poller) Snapshot() map[byte]obd.Value {
	out := make(map[byte]obd.Value)
	p.cache.Range(func(item *ttlcache.Item[byte, obd.Value]) bool {
		if !item.IsExpired() {
			out[item.Key()] = item.Value()
		}
		return true
	})
	return out
}

// Run polls until ctx is done. A poll cycle waits for the channel lock, so
// it never interleaves with a procedure holding it.
func (p *Poller) Run(ctx context.Context) error {
	go p.cache.Start()
	defer p.cache.Stop()
	defer p.hub.Close()

	t := time.NewTicker(p.cfg.interval)
	defer t.Stop()
	for {
		if err := p.Poll(ctx); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
		}
	}
}

// Poll runs one cycle over all PIDs.
func (p *Poller) Poll(ctx context.Context) error {
	if p.cfg.lock != nil {
		if err := p.cfg.lock.Acquire(ctx); err != nil {
			return err
		}
		defer p.cfg.lock.Release()
	}
	for _, pid := range p.pids {
		if err := ctx.Err(); err != nil {
			return err
		}
		v, err := p.c.ReadPID(ctx, pid)
		r := Reading{PID: pid, Value: v, Err: err, Time: time.Now()}
		if err != nil {
			p.cfg.logger.Debug("poll failed", zap.Uint8("pid", pid), zap.Error(err))
			if p.cfg.classifier != nil {
				a := p.cfg.classifier.ClassifyError(err, fmt.Sprintf("01%02X", pid))
				if a.Type == fault.SelectDevice || a.Type == fault.RequestPermission {
					p.hub.Publish(r)
					return fmt.Errorf("polling stopped: %w", err)
				}
			}
		} else {
			p.cache.Set(pid, v, ttlcache.DefaultTTL)
			if p.cfg.classifier != nil {
				p.cfg.classifier.Reset(fmt.Sprintf("01%02X", pid))
			}
		}
		p.hub.Publish(r)
	}
	return nil
}
