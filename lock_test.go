package godiag

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestChannelLockExclusive(t *testing.T) {
	l := NewChannelLock()
	if err := l.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}
	if l.TryAcquire() {
		t.Fatal("TryAcquire() succeeded while lock is held")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Acquire() error = %v, want deadline exceeded", err)
	}

	l.Release()
	if !l.TryAcquire() {
		t.Fatal("TryAcquire() failed after Release")
	}
	l.Release()
}

func TestChannelLockWith(t *testing.T) {
	l := NewChannelLock()
	want := errors.New("boom")
	if err := l.With(context.Background(), func() error { return want }); !errors.Is(err, want) {
		t.Fatalf("With() error = %v, want %v", err, want)
	}
	if !l.TryAcquire() {
		t.Fatal("With() did not release the lock")
	}
}

func TestIsRecoverable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"plain", errors.New("x"), true},
		{"unrecoverable", Unrecoverable(errors.New("x")), false},
		{"wrapped unrecoverable", errors.Join(Unrecoverable(ErrClosed)), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRecoverable(tt.err); got != tt.want {
				t.Errorf("IsRecoverable() = %v, want %v", got, tt.want)
			}
		})
	}
}
