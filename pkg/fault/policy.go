package fault

import (
	"context"
	"errors"
	"time"

	"github.com/avast/retry-go"
	"go.uber.org/zap"
)

// Policy retries a single command send according to the classifier.
type Policy struct {
	c     *Classifier
	delay time.Duration
}

func NewPolicy(c *Classifier, delay time.Duration) *Policy {
	return &Policy{c: c, delay: delay}
}

// Do runs fn until it succeeds, fails with something the classifier does not
// answer with RetryCommand, or the retry bound is hit. Every failure is
// classified exactly once, except cancellation of ctx which is returned
// as is. The counter for cmd is reset on success.
func (p *Policy) Do(ctx context.Context, cmd string, fn func(context.Context) error) error {
	err := retry.Do(
		func() error {
			return fn(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(uint(p.c.MaxRetries())+1),
		retry.Delay(p.delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return false
			}
			return p.c.ClassifyError(err, cmd).Type == RetryCommand
		}),
		retry.OnRetry(func(n uint, err error) {
			p.c.cfg.logger.Debug("retrying command", zap.String("command", cmd), zap.Uint("attempt", n+1), zap.Error(err))
		}),
	)
	if err == nil {
		p.c.Reset(cmd)
	}
	return err
}
