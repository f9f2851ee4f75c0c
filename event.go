package godiag

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EventType is the severity of an adapter event.
type EventType int

const (
	EventTypeError EventType = iota
	EventTypeWarning
	EventTypeInfo
	EventTypeDebug
)

// Level maps the event type to the log level it is written with.
func (et EventType) Level() zapcore.Level {
	switch et {
	case EventTypeError:
		return zapcore.ErrorLevel
	case EventTypeWarning:
		return zapcore.WarnLevel
	case EventTypeInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

func (et EventType) String() string {
	if et < EventTypeError || et > EventTypeDebug {
		return "UNKNOWN"
	}
	return et.Level().CapitalString()
}

// Event is a status message from an adapter that is not tied to a request.
type Event struct {
	Type    EventType
	Details string
}

func (e Event) String() string {
	return fmt.Sprintf("[%s] %s", e.Type.String(), e.Details)
}

// LogEvents writes adapter events to logger until done is closed.
func LogEvents(logger *zap.Logger, events <-chan Event, done <-chan struct{}) {
	for {
		select {
		case <-done:
			return
		case e := <-events:
			if ce := logger.Check(e.Type.Level(), e.Details); ce != nil {
				ce.Write(zap.String("source", "adapter"))
			}
		}
	}
}
