package procedure

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/roffe/godiag"
	"github.com/roffe/godiag/pkg/fault"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var (
	ErrBusy    = errors.New("a procedure is already running")
	ErrAborted = errors.New("procedure aborted")
)

// Sender sends one raw request and returns the response, normally a *uds.Client.
type Sender interface {
	SendRaw(ctx context.Context, payload []byte) ([]byte, error)
}

// Compatibility checks a definition against the connected vehicle before a run.
type Compatibility func(ctx context.Context, def *Definition) error

// ManufacturerCompatibility accepts definitions that list manufacturer or no manufacturer at all.
func ManufacturerCompatibility(manufacturer string) Compatibility {
	return func(_ context.Context, def *Definition) error {
		if len(def.Manufacturers) == 0 {
			return nil
		}
		for _, m := range def.Manufacturers {
			if strings.EqualFold(m, manufacturer) {
				return nil
			}
		}
		return fmt.Errorf("not compatible with %s, requires one of %s", manufacturer, strings.Join(def.Manufacturers, ", "))
	}
}

type config struct {
	displayDelay time.Duration
	stepTimeout  time.Duration
	retryDelay   time.Duration
	lock         *godiag.ChannelLock
	classifier   *fault.Classifier
	compat       Compatibility
	logger       *zap.Logger
}

type Option func(*config)

// WithDisplayDelay sets how long Completed is shown before returning to Idle.
func WithDisplayDelay(d time.Duration) Option {
	return func(c *config) {
		c.displayDelay = d
	}
}

// WithStepTimeout sets the timeout used for steps that do not define one.
func WithStepTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.stepTimeout = d
		}
	}
}

// WithChannelLock makes the executor hold l for the whole run.
func WithChannelLock(l *godiag.ChannelLock) Option {
	return func(c *config) {
		c.lock = l
	}
}

// WithClassifier classifies step failures and retries single sends that the
// classifier answers with RetryCommand.
func WithClassifier(cl *fault.Classifier, retryDelay time.Duration) Option {
	return func(c *config) {
		c.classifier = cl
		c.retryDelay = retryDelay
	}
}

func WithCompatibility(fn Compatibility) Option {
	return func(c *config) {
		c.compat = fn
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// Executor runs procedure definitions one at a time.
type Executor struct {
	sender Sender
	cfg    config
	policy *fault.Policy

	mu        sync.Mutex
	state     State
	idleTimer *time.Timer
	abortCh   chan struct{}

	running atomic.Bool
	aborted atomic.Bool

	states *godiag.Hub[State]
}

func New(sender Sender, opts ...Option) *Executor {
	cfg := config{
		displayDelay: 2 * time.Second,
		stepTimeout:  2 * time.Second,
		logger:       zap.NewNop(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	e := &Executor{
		sender: sender,
		cfg:    cfg,
		state:  State{Kind: Idle},
		states: godiag.NewHub[State](),
	}
	if cfg.classifier != nil {
		e.policy = fault.NewPolicy(cfg.classifier, cfg.retryDelay)
	}
	return e
}

// State returns the current state.
func (e *Executor) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Subscribe returns a subscriber for state transitions.
func (e *Executor) Subscribe(buffer int) *godiag.Subscriber[State] {
	return e.states.Subscribe(buffer)
}

// Abort stops a running procedure before its next step.
func (e *Executor) Abort() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running.Load() {
		return
	}
	if e.aborted.CAS(false, true) {
		close(e.abortCh)
	}
}

func (e *Executor) Close() {
	e.mu.Lock()
	if e.idleTimer != nil {
		e.idleTimer.Stop()
	}
	e.mu.Unlock()
	e.states.Close()
}

// transition is the only place the state changes.
func (e *Executor) transition(s State) {
	e.mu.Lock()
	if e.idleTimer != nil {
		e.idleTimer.Stop()
		e.idleTimer = nil
	}
	e.state = s
	if s.Kind == Completed && e.cfg.displayDelay >= 0 {
		e.idleTimer = time.AfterFunc(e.cfg.displayDelay, e.returnToIdle)
	}
	e.mu.Unlock()
	e.cfg.logger.Debug("procedure state", zap.Stringer("state", s))
	e.states.Publish(s)
}

func (e *Executor) returnToIdle() {
	e.mu.Lock()
	if e.state.Kind != Completed {
		e.mu.Unlock()
		return
	}
	e.state = State{Kind: Idle}
	e.idleTimer = nil
	e.mu.Unlock()
	e.states.Publish(State{Kind: Idle})
}

// Run executes def once.
func (e *Executor) Run(ctx context.Context, def *Definition) (*Result, error) {
	return e.run(ctx, def, 0)
}

// RunContinuous repeats the step list of def until d has passed. The
// running cycle is reported in State.Cycle. A cycle in progress when d runs
// out is completed.
func (e *Executor) RunContinuous(ctx context.Context, def *Definition, d time.Duration) (*Result, error) {
	if d <= 0 {
		return nil, fmt.Errorf("invalid continuous duration %v", d)
	}
	return e.run(ctx, def, d)
}

func (e *Executor) run(ctx context.Context, def *Definition, continuous time.Duration) (*Result, error) {
	e.mu.Lock()
	if e.running.Load() {
		e.mu.Unlock()
		return nil, ErrBusy
	}
	abortCh := make(chan struct{})
	e.abortCh = abortCh
	e.aborted.Store(false)
	e.running.Store(true)
	e.mu.Unlock()
	defer e.running.Store(false)

	if e.cfg.lock != nil {
		if err := e.cfg.lock.Acquire(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", godiag.ErrChannelBusy, err)
		}
		defer e.cfg.lock.Release()
	}

	res := &Result{ProcedureID: def.ID}
	e.transition(State{Kind: Preparing, ProcedureID: def.ID})

	if err := def.Validate(); err != nil {
		return e.fail(res, err.Error()), nil
	}
	if e.cfg.compat != nil {
		if err := e.cfg.compat(ctx, def); err != nil {
			return e.fail(res, err.Error()), nil
		}
	}

	e.transition(State{Kind: Executing, ProcedureID: def.ID})
	start := time.Now()
	for cycle := 1; ; cycle++ {
		if continuous > 0 {
			res.Cycles = cycle
		}
		for i := range def.Steps {
			if e.aborted.Load() {
				return e.abort(res), ErrAborted
			}
			step := &def.Steps[i]
			st := State{
				Kind:        Executing,
				ProcedureID: def.ID,
				Step:        i,
				Progress:    (i + 1) * 100 / len(def.Steps),
			}
			if continuous > 0 {
				st.Cycle = cycle
			}
			e.transition(st)

			sr := e.execute(ctx, step)
			res.Steps = append(res.Steps, sr)
			e.cfg.logger.Info("step done",
				zap.String("procedure", def.ID),
				zap.String("step", step.ID),
				zap.Bool("success", sr.Success),
				zap.Duration("took", sr.Duration),
			)

			if ctx.Err() != nil {
				return e.abort(res), ctx.Err()
			}
			if !sr.Success && step.Critical {
				reason := fmt.Sprintf("critical step %q failed", step.ID)
				if sr.Error != nil {
					reason += ": " + sr.Error.Error()
				}
				return e.fail(res, reason), nil
			}
			if step.DelayAfter > 0 && !e.sleep(ctx, abortCh, step.DelayAfter) {
				if ctx.Err() != nil {
					return e.abort(res), ctx.Err()
				}
				return e.abort(res), ErrAborted
			}
		}
		if continuous == 0 || time.Since(start) >= continuous {
			break
		}
	}

	res.SuccessRate = successRate(res.Steps)
	res.Verdict = Fail
	if res.SuccessRate >= def.MinimumSuccessRate {
		res.Verdict = Pass
	}
	res.Timestamp = time.Now()
	e.transition(State{Kind: Completed, ProcedureID: def.ID, Progress: 100, Cycle: res.Cycles, Result: res})
	return res, nil
}

func (e *Executor) execute(ctx context.Context, step *Step) StepResult {
	timeout := step.Timeout
	if timeout <= 0 {
		timeout = e.cfg.stepTimeout
	}
	start := time.Now()
	var resp []byte
	send := func(ctx context.Context) error {
		sctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		r, err := e.sender.SendRaw(sctx, step.Command)
		if err != nil {
			return err
		}
		resp = r
		if len(step.ExpectedResponse) > 0 && !bytes.Equal(r, step.ExpectedResponse) {
			return fault.New(fault.InvalidResponse, fmt.Sprintf("% X", r))
		}
		return nil
	}

	cmd := fmt.Sprintf("%X", []byte(step.Command))
	var err error
	if e.policy != nil {
		err = e.policy.Do(ctx, cmd, send)
	} else {
		err = send(ctx)
	}

	sr := StepResult{
		StepID:   step.ID,
		Success:  err == nil,
		Response: resp,
		Duration: time.Since(start),
	}
	if err != nil {
		sr.Error = fault.FromError(err, cmd)
	}
	return sr
}

func (e *Executor) sleep(ctx context.Context, abortCh <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-abortCh:
		return false
	case <-t.C:
		return true
	}
}

func (e *Executor) fail(res *Result, reason string) *Result {
	res.SuccessRate = successRate(res.Steps)
	res.Verdict = Fail
	res.Reason = reason
	res.Timestamp = time.Now()
	e.transition(State{Kind: Failed, ProcedureID: res.ProcedureID, Reason: reason, Cycle: res.Cycles, Result: res})
	return res
}

func (e *Executor) abort(res *Result) *Result {
	res.SuccessRate = successRate(res.Steps)
	res.Verdict = Fail
	res.Reason = "aborted"
	res.Timestamp = time.Now()
	e.transition(State{Kind: Aborted, ProcedureID: res.ProcedureID, Reason: res.Reason, Cycle: res.Cycles, Result: res})
	return res
}
