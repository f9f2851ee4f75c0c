package fault

import (
	"sync"
	"time"

	"github.com/roffe/godiag"
	"go.uber.org/zap"
)

const (
	DefaultMaxRetries = 3
	connectionKey     = "connection"
)

// Event is published for every classification.
type Event struct {
	Err    *Error
	Action Action
	Time   time.Time
}

type config struct {
	maxRetries int
	logger     *zap.Logger
}

type Option func(*config)

func WithMaxRetries(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.maxRetries = n
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

// Classifier turns failures into actions and keeps the retry counters.
// It is safe for concurrent use.
type Classifier struct {
	cfg config

	mu       sync.Mutex
	counters map[string]int

	events *godiag.Hub[Event]
}

func NewClassifier(opts ...Option) *Classifier {
	cfg := config{
		maxRetries: DefaultMaxRetries,
		logger:     zap.NewNop(),
	}
	for _, o := range opts {
		o(&cfg)
	}
	return &Classifier{
		cfg:      cfg,
		counters: make(map[string]int),
		events:   godiag.NewHub[Event](),
	}
}

// MaxRetries returns the configured retry bound.
func (c *Classifier) MaxRetries() int {
	return c.cfg.maxRetries
}

// Classify decides what to do about err and publishes an Event.
func (c *Classifier) Classify(err *Error) Action {
	if err == nil {
		return Action{Type: ShowError}
	}
	var a Action
	switch err.Kind {
	case ConnectionLost:
		if c.bump(connectionKey) {
			a = Action{Type: Reconnect}
		} else {
			a = Action{Type: SelectDevice}
		}
	case CommandTimeout:
		if c.bump(err.Detail) {
			a = Action{Type: RetryCommand, Command: err.Detail}
		} else {
			a = Action{Type: ReportMessage, Message: "command " + err.Detail + " timed out after retries"}
		}
	case DeviceNotFound, AdapterNotSupported:
		a = Action{Type: SelectDevice}
	case PermissionDenied:
		a = Action{Type: RequestPermission}
	case ProtocolMismatch:
		a = Action{Type: SwitchProtocol}
	case TransportError:
		a = Action{Type: ReportMessage, Message: err.Error()}
	default:
		a = Action{Type: ShowError, Message: err.Error()}
	}

	c.cfg.logger.Debug("classified error",
		zap.Stringer("kind", err.Kind),
		zap.Stringer("action", a),
		zap.Error(err),
	)
	c.events.Publish(Event{Err: err, Action: a, Time: time.Now()})
	return a
}

// ClassifyError is a shorthand for Classify(FromError(err, cmd)).
func (c *Classifier) ClassifyError(err error, cmd string) Action {
	return c.Classify(FromError(err, cmd))
}

// bump increments the counter for key and reports if another attempt is
// allowed. Once the bound is passed the counter is reset.
func (c *Classifier) bump(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[key]++
	if c.counters[key] <= c.cfg.maxRetries {
		return true
	}
	delete(c.counters, key)
	return false
}

// Count returns the current counter for key.
func (c *Classifier) Count(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counters[key]
}

// Reset clears the counter for key, or every counter if key is empty.
func (c *Classifier) Reset(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key == "" {
		c.counters = make(map[string]int)
		return
	}
	delete(c.counters, key)
}

// ResetConnection clears the connection counter, call it after a successful reconnect.
func (c *Classifier) ResetConnection() {
	c.Reset(connectionKey)
}

// IsRecoverable reports if err may be retried.
func (c *Classifier) IsRecoverable(err error) bool {
	fe := FromError(err, "")
	if fe == nil {
		return false
	}
	return fe.Kind.Recoverable() && godiag.IsRecoverable(err)
}

// Subscribe returns a subscriber for classification events.
func (c *Classifier) Subscribe(buffer int) *godiag.Subscriber[Event] {
	return c.events.Subscribe(buffer)
}

func (c *Classifier) Close() {
	c.events.Close()
}
