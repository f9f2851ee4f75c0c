package godiag

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// ChannelLock grants one owner at a time exclusive use of a transport.
// A procedure run holds it for its whole duration, the PID poller only for
// one polling cycle, so the two never interleave requests.
type ChannelLock struct {
	sem *semaphore.Weighted
}

func NewChannelLock() *ChannelLock {
	return &ChannelLock{sem: semaphore.NewWeighted(1)}
}

// Acquire waits for the channel or until ctx is done.
func (l *ChannelLock) Acquire(ctx context.Context) error {
	return l.sem.Acquire(ctx, 1)
}

// TryAcquire takes the channel only if it is free.
func (l *ChannelLock) TryAcquire() bool {
	return l.sem.TryAcquire(1)
}

func (l *ChannelLock) Release() {
	l.sem.Release(1)
}

// With runs fn while holding the channel.
func (l *ChannelLock) With(ctx context.Context, fn func() error) error {
	if err := l.Acquire(ctx); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}
