// Package telemetry forwards session state and error events to an MQTT broker.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/roffe/godiag"
	"github.com/roffe/godiag/pkg/fault"
	"github.com/roffe/godiag/pkg/procedure"
	"github.com/roffe/godiag/pkg/programming"
	"go.uber.org/zap"
)

const (
	DefaultBroker   = "tcp://localhost:1883"
	DefaultClientID = "godiag"
	DefaultTopic    = "godiag"
)

var ErrNotConnected = errors.New("mqtt client not connected")

type Config struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Topic    string `mapstructure:"topic"`
}

// Publisher delivers one message to a topic.
type Publisher interface {
	Publish(topic string, payload []byte) error
}

// Client is a Publisher backed by paho.
type Client struct {
	cfg    Config
	client mqtt.Client
	logger *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) *Client {
	if cfg.Broker == "" {
		cfg.Broker = DefaultBroker
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{cfg: cfg, logger: logger}
}

func (c *Client) Connect() error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.Broker)
	opts.SetClientID(c.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(5 * time.Second)
	opts.SetOnConnectHandler(func(mqtt.Client) {
		c.logger.Info("connected to broker", zap.String("broker", c.cfg.Broker))
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Warn("broker connection lost", zap.Error(err))
	})

	c.client = mqtt.NewClient(opts)
	if token := c.client.Connect(); token.Wait() && token.Error() != nil {
		return token.Error()
	}
	return nil
}

func (c *Client) Publish(topic string, payload []byte) error {
	if c.client == nil || !c.client.IsConnected() {
		return ErrNotConnected
	}
	token := c.client.Publish(topic, 0, false, payload)
	token.Wait()
	return token.Error()
}

func (c *Client) Disconnect() {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
}

// ErrorMessage is the wire form of a classified error event.
type ErrorMessage struct {
	Kind    fault.Kind `json:"kind"`
	Detail  string     `json:"detail,omitempty"`
	Error   string     `json:"error"`
	Action  string     `json:"action"`
	Command string     `json:"command,omitempty"`
	Time    time.Time  `json:"time"`
}

func errorMessage(ev fault.Event) ErrorMessage {
	m := ErrorMessage{
		Action:  ev.Action.Type.String(),
		Command: ev.Action.Command,
		Time:    ev.Time,
	}
	if ev.Err != nil {
		m.Kind = ev.Err.Kind
		m.Detail = ev.Err.Detail
		m.Error = ev.Err.Error()
	}
	return m
}

// Sink publishes JSON encoded events below a topic prefix:
// <topic>/state, <topic>/error and <topic>/programming.
type Sink struct {
	p      Publisher
	topic  string
	logger *zap.Logger
}

func NewSink(p Publisher, topic string, logger *zap.Logger) *Sink {
	if topic == "" {
		topic = DefaultTopic
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{p: p, topic: topic, logger: logger}
}

func (s *Sink) publish(sub string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("encode telemetry", zap.String("topic", sub), zap.Error(err))
		return
	}
	if err := s.p.Publish(s.topic+"/"+sub, data); err != nil {
		s.logger.Debug("publish telemetry", zap.String("topic", sub), zap.Error(err))
	}
}

func (s *Sink) State(st procedure.State) {
	s.publish("state", st)
}

func (s *Sink) Error(ev fault.Event) {
	s.publish("error", errorMessage(ev))
}

// Progress can be passed to programming.WithProgressCallback.
func (s *Sink) Progress(p programming.Progress) {
	s.publish("programming", p)
}

// Forward drains the subscriptions until ctx is done or both are closed.
// Either subscription may be nil.
func (s *Sink) Forward(ctx context.Context, states *godiag.Subscriber[procedure.State], events *godiag.Subscriber[fault.Event]) {
	var stateC <-chan procedure.State
	var eventC <-chan fault.Event
	if states != nil {
		stateC = states.C()
	}
	if events != nil {
		eventC = events.C()
	}
	for stateC != nil || eventC != nil {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-stateC:
			if !ok {
				stateC = nil
				continue
			}
			s.State(st)
		case ev, ok := <-eventC:
			if !ok {
				eventC = nil
				continue
			}
			s.Error(ev)
		}
	}
}
