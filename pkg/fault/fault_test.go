package fault

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/roffe/godiag"
	"github.com/roffe/godiag/pkg/isotp"
	"github.com/roffe/godiag/pkg/uds"
)

func TestConnectionLostEscalates(t *testing.T) {
	c := NewClassifier()
	want := []ActionType{Reconnect, Reconnect, Reconnect, SelectDevice}
	for i, w := range want {
		if got := c.Classify(New(ConnectionLost, "")); got.Type != w {
			t.Fatalf("classification %d = %v, want %v", i+1, got, w)
		}
	}
	if n := c.Count(connectionKey); n != 0 {
		t.Errorf("counter after escalation = %d, want 0", n)
	}
	if got := c.Classify(New(ConnectionLost, "")); got.Type != Reconnect {
		t.Errorf("after reset got %v, want Reconnect", got)
	}
}

func TestCommandTimeoutPerCommand(t *testing.T) {
	c := NewClassifier()
	for i := 0; i < 3; i++ {
		a := c.Classify(New(CommandTimeout, "010C"))
		if a.Type != RetryCommand || a.Command != "010C" {
			t.Fatalf("attempt %d = %v, want RetryCommand(010C)", i+1, a)
		}
	}
	if a := c.Classify(New(CommandTimeout, "010D")); a.Type != RetryCommand {
		t.Errorf("other command shares counter: %v", a)
	}
	if a := c.Classify(New(CommandTimeout, "010C")); a.Type != ReportMessage {
		t.Errorf("4th timeout = %v, want ReportMessage", a)
	}
	if n := c.Count("010C"); n != 0 {
		t.Errorf("counter = %d, want 0", n)
	}
	if n := c.Count("010D"); n != 1 {
		t.Errorf("counter for 010D = %d, want 1", n)
	}
}

func TestClassifyFixedActions(t *testing.T) {
	tests := []struct {
		kind Kind
		want ActionType
	}{
		{DeviceNotFound, SelectDevice},
		{AdapterNotSupported, SelectDevice},
		{PermissionDenied, RequestPermission},
		{ProtocolMismatch, SwitchProtocol},
		{ParseError, ShowError},
		{InvalidResponse, ShowError},
		{Unknown, ShowError},
		{TransportError, ReportMessage},
	}
	c := NewClassifier()
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			if got := c.Classify(New(tt.kind, "x")); got.Type != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.kind, got, tt.want)
			}
		})
	}
}

func TestRecoverable(t *testing.T) {
	recoverable := map[Kind]bool{
		ConnectionLost:   true,
		CommandTimeout:   true,
		ProtocolMismatch: true,
		TransportError:   true,
	}
	for k := Unknown; k <= PermissionDenied; k++ {
		if got := k.Recoverable(); got != recoverable[k] {
			t.Errorf("%v.Recoverable() = %v", k, got)
		}
	}
}

func TestFromError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"timeout", &godiag.TimeoutError{Timeout: time.Second, Type: "isotp"}, CommandTimeout},
		{"deadline", fmt.Errorf("read: %w", context.DeadlineExceeded), CommandTimeout},
		{"no data", isotp.ErrNoData, CommandTimeout},
		{"closed", godiag.ErrClosed, ConnectionLost},
		{"not connected", godiag.ErrNotConnected, ConnectionLost},
		{"no device", godiag.Unrecoverable(godiag.ErrNoDevice), DeviceNotFound},
		{"permission", godiag.ErrPermission, PermissionDenied},
		{"not supported", godiag.ErrNotSupported, AdapterNotSupported},
		{"nrc", &uds.NegativeResponseError{Service: 0x10, Code: 0x22}, InvalidResponse},
		{"unexpected", &uds.ResponseError{Service: 0x10, Response: []byte{0x51}}, InvalidResponse},
		{"frame", &isotp.FrameError{Line: "7E8ZZ", Reason: "bad"}, ParseError},
		{"unknown command", isotp.ErrUnknownCommand, ProtocolMismatch},
		{"can error", isotp.ErrCANError, ProtocolMismatch},
		{"buffer full", isotp.ErrBufferFull, TransportError},
		{"other", errors.New("boom"), Unknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FromError(tt.err, "010C")
			if got.Kind != tt.want {
				t.Errorf("FromError() kind = %v, want %v", got.Kind, tt.want)
			}
			if !errors.Is(got, tt.err) {
				t.Errorf("FromError() does not wrap the original error")
			}
		})
	}
	if FromError(nil, "") != nil {
		t.Error("FromError(nil) != nil")
	}
	if got := FromError(&godiag.TimeoutError{}, "0902"); got.Detail != "0902" {
		t.Errorf("timeout detail = %q, want command", got.Detail)
	}
}

func TestClassifyPublishesEvents(t *testing.T) {
	c := NewClassifier()
	sub := c.Subscribe(1)
	defer sub.Close()

	c.Classify(New(ProtocolMismatch, ""))
	// buffer is full now, classification must not block
	c.Classify(New(ProtocolMismatch, ""))

	select {
	case ev := <-sub.C():
		if ev.Err.Kind != ProtocolMismatch || ev.Action.Type != SwitchProtocol || ev.Time.IsZero() {
			t.Errorf("unexpected event %+v", ev)
		}
	default:
		t.Fatal("no event published")
	}
}

func TestConcurrentCounters(t *testing.T) {
	c := NewClassifier()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		actions = map[ActionType]int{}
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a := c.Classify(New(ConnectionLost, ""))
			mu.Lock()
			actions[a.Type]++
			mu.Unlock()
		}()
	}
	wg.Wait()
	if actions[Reconnect] != 30 || actions[SelectDevice] != 10 {
		t.Errorf("actions = %v, want 30 Reconnect and 10 SelectDevice", actions)
	}
}

func TestPolicyDo(t *testing.T) {
	t.Run("retries timeouts then gives up", func(t *testing.T) {
		c := NewClassifier()
		calls := 0
		err := NewPolicy(c, 0).Do(context.Background(), "010C", func(context.Context) error {
			calls++
			return &godiag.TimeoutError{Type: "isotp"}
		})
		var te *godiag.TimeoutError
		if !errors.As(err, &te) {
			t.Fatalf("Do() error = %v", err)
		}
		if calls != 4 {
			t.Errorf("calls = %d, want 4", calls)
		}
		if c.Count("010C") != 0 {
			t.Errorf("counter not reset after escalation")
		}
	})
	t.Run("succeeds after timeout", func(t *testing.T) {
		c := NewClassifier()
		calls := 0
		err := NewPolicy(c, 0).Do(context.Background(), "010C", func(context.Context) error {
			calls++
			if calls == 1 {
				return isotp.ErrNoData
			}
			return nil
		})
		if err != nil || calls != 2 {
			t.Errorf("Do() = %v after %d calls", err, calls)
		}
		if c.Count("010C") != 0 {
			t.Errorf("counter not reset after success")
		}
	})
	t.Run("does not retry negative responses", func(t *testing.T) {
		calls := 0
		err := NewPolicy(NewClassifier(), 0).Do(context.Background(), "1002", func(context.Context) error {
			calls++
			return &uds.NegativeResponseError{Service: 0x10, Code: 0x22}
		})
		if err == nil || calls != 1 {
			t.Errorf("Do() = %v after %d calls", err, calls)
		}
	})
	t.Run("cancellation is not classified", func(t *testing.T) {
		c := NewClassifier()
		defer c.Close()
		sub := c.Subscribe(1)
		defer sub.Close()
		ctx, cancel := context.WithCancel(context.Background())
		calls := 0
		err := NewPolicy(c, 0).Do(ctx, "010C", func(context.Context) error {
			calls++
			cancel()
			return context.Canceled
		})
		if !errors.Is(err, context.Canceled) || calls != 1 {
			t.Errorf("Do() = %v after %d calls", err, calls)
		}
		if c.Count("010C") != 0 {
			t.Errorf("cancellation counted against the command")
		}
		select {
		case ev := <-sub.C():
			t.Errorf("event published for cancellation: %+v", ev)
		default:
		}
	})
}
