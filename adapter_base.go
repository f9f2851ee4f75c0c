package godiag

import (
	"context"
	"log"
	"path/filepath"
	"runtime"
	"sync"
)

// BaseAdapter carries the channel plumbing shared by all adapters.
// Concrete adapters push incoming chunks with Deliver and read them back
// through Read.
type BaseAdapter struct {
	name     string
	cfg      *AdapterConfig
	recvChan chan []byte

	errOnce sync.Once
	errChan chan error

	evtChan chan Event

	closeOnce sync.Once
	closeChan chan struct{}
}

func NewBaseAdapter(name string, cfg *AdapterConfig) *BaseAdapter {
	return &BaseAdapter{
		name:      name,
		cfg:       cfg,
		recvChan:  make(chan []byte, 1024),
		errChan:   make(chan error, 1),
		evtChan:   make(chan Event, 100),
		closeChan: make(chan struct{}),
	}
}

// Name returns the adapter name.
func (base *BaseAdapter) Name() string {
	return base.name
}

func (base *BaseAdapter) Config() *AdapterConfig {
	return base.cfg
}

// Read blocks until the adapter delivers the next chunk, the adapter is closed or ctx is done.
func (base *BaseAdapter) Read(ctx context.Context) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-base.errChan:
		if err == nil {
			return nil, ErrClosed
		}
		return nil, err
	case <-base.closeChan:
		return nil, ErrClosed
	case b := <-base.recvChan:
		return b, nil
	}
}

// Flush discards everything delivered but not yet read.
func (base *BaseAdapter) Flush() {
	for {
		select {
		case <-base.recvChan:
		default:
			return
		}
	}
}

// Deliver queues data for Read, dropping it if the queue is full.
func (base *BaseAdapter) Deliver(b []byte) {
	select {
	case base.recvChan <- b:
	default:
		base.Error(ErrDroppedFrame)
	}
}

// Return the error channel for the adapter
func (base *BaseAdapter) Err() <-chan error {
	return base.errChan
}

func (base *BaseAdapter) Event() <-chan Event {
	return base.evtChan
}

// Done is closed when the adapter is closed.
func (base *BaseAdapter) Done() <-chan struct{} {
	return base.closeChan
}

func (base *BaseAdapter) Close() {
	base.closeOnce.Do(func() {
		close(base.closeChan)
	})
}

// Set a fatal adapter error, meaning communication is broken and cannot continue.
func (base *BaseAdapter) Fatal(err error) {
	base.errOnce.Do(func() {
		select {
		case base.errChan <- err:
		default:
			_, file, no, ok := runtime.Caller(1)
			if ok {
				log.Printf("%s:%d error channel full: %v\n", filepath.Base(file), no, err)
			} else {
				log.Printf("error channel full: %v", err)
			}
		}
	})
}

func (base *BaseAdapter) sendEvent(eventType EventType, details string) {
	select {
	case base.evtChan <- Event{Type: eventType, Details: details}:
	default:
		_, file, no, ok := runtime.Caller(1)
		if ok {
			log.Printf("%s#%d event channel full: %s\n", filepath.Base(file), no, details)
		} else {
			log.Printf("event channel full: %s", details)
		}
	}
}

// Send an error event
func (base *BaseAdapter) Error(err error) {
	base.sendEvent(EventTypeError, err.Error())
}

// Send a warning event
func (base *BaseAdapter) Warn(warn string) {
	base.sendEvent(EventTypeWarning, warn)
}

// Send an info event
func (base *BaseAdapter) Info(info string) {
	base.sendEvent(EventTypeInfo, info)
}

// Send a debug event
func (base *BaseAdapter) Debug(debug string) {
	if base.cfg != nil && base.cfg.Debug {
		base.sendEvent(EventTypeDebug, debug)
	}
}
