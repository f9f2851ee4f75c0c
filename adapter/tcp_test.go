package adapter

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/roffe/godiag"
	"github.com/roffe/godiag/pkg/isotp"
)

// fakeELM accepts one connection and answers like an ELM327 with echo off.
// AT commands get OK, frames are answered by respond.
type fakeELM struct {
	mu    sync.Mutex
	lines []string
}

func (f *fakeELM) received() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

func serveELM(t *testing.T, respond func(line string) []string) (string, *fakeELM) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	f := &fakeELM{}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		for {
			line, err := r.ReadString('\r')
			if err != nil {
				return
			}
			line = strings.TrimSpace(line)
			f.mu.Lock()
			f.lines = append(f.lines, line)
			f.mu.Unlock()
			var out bytes.Buffer
			if strings.HasPrefix(line, "AT") {
				out.WriteString("OK\r")
			} else {
				for _, l := range respond(line) {
					out.WriteString(l + "\r")
				}
			}
			out.WriteString("\r>")
			if _, err := conn.Write(out.Bytes()); err != nil {
				return
			}
		}
	}()
	return ln.Addr().String(), f
}

func TestTCPRawFrameExchange(t *testing.T) {
	addr, elm := serveELM(t, func(line string) []string {
		if line == "02010C0000000000" {
			return []string{"7E804410C1AF8000000"}
		}
		return []string{"NO DATA"}
	})
	cfg := &godiag.AdapterConfig{
		Address:   addr,
		OnMessage: func(string) {},
		OnError:   func(error) {},
	}
	tcp, err := NewTCP("ELM327 WiFi", cfg)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tcp.Open(ctx); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer tcp.Close()

	l := isotp.New(tcp, 0x7E0, 0x7E8, isotp.WithTimeout(500*time.Millisecond))
	resp, err := l.Request(ctx, []byte{0x01, 0x0C})
	if err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	if !bytes.Equal(resp, []byte{0x41, 0x0C, 0x1A, 0xF8}) {
		t.Errorf("Request() = % X, want 41 0C 1A F8", resp)
	}

	want := append(append([]string(nil), elmInitCmds...), "ATSH7E0", "ATCRA7E8", "02010C0000000000")
	got := elm.received()
	if len(got) != len(want) {
		t.Fatalf("adapter received %q, want %q", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("line %d = %q, want %q", i, got[i], want[i])
		}
	}
}
