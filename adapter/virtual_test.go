package adapter

import (
	"context"
	"testing"
	"time"

	"github.com/roffe/godiag"
)

func readLine(t *testing.T, v *Virtual) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	b, err := v.Read(ctx)
	if err != nil {
		t.Fatalf("Read() error = %v", err)
	}
	return string(b)
}

func TestVirtualAddressing(t *testing.T) {
	var got []string
	v := NewVirtual(&godiag.AdapterConfig{}, func(line []byte) [][]byte {
		got = append(got, string(line))
		return nil
	})
	if err := v.Open(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer v.Close()

	for _, cmd := range []string{"ATSH7E0", "ATCRA7E8"} {
		if _, err := v.Write([]byte(cmd + "\r")); err != nil {
			t.Fatal(err)
		}
		if line := readLine(t, v); line != "OK" {
			t.Errorf("%s answered %q, want OK", cmd, line)
		}
	}
	v.Write([]byte("0210030000000000\r"))
	if v.Header() != 0x7E0 || v.Filter() != 0x7E8 {
		t.Errorf("header %X filter %X", v.Header(), v.Filter())
	}

	v.Write([]byte("ATCP18\rATSHDA10F1\r0210030000000000\r"))
	if v.Header() != 0x18DA10F1 {
		t.Errorf("header = %X, want 18DA10F1", v.Header())
	}

	want := []string{"7E00210030000000000", "18DA10F10210030000000000"}
	if len(got) != len(want) {
		t.Fatalf("responder got %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestVirtualDefaultResponder(t *testing.T) {
	v := NewVirtual(nil, nil)
	v.Open(context.Background())
	defer v.Close()
	v.Write([]byte("ATE0\r"))
	if line := readLine(t, v); line != "OK" {
		t.Errorf("ATE0 answered %q, want OK", line)
	}
	v.Write([]byte("ATSH123\r0102\r"))
	readLine(t, v)
	if line := readLine(t, v); line != "1230102" {
		t.Errorf("echo = %q, want 1230102", line)
	}
}

func TestVirtualFlush(t *testing.T) {
	v := NewVirtual(nil, nil)
	v.Open(context.Background())
	defer v.Close()
	v.Write([]byte("ATE0\rATS0\r"))
	v.Flush()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if b, err := v.Read(ctx); err == nil {
		t.Errorf("Read() after Flush = %q", b)
	}
}
