package adapter

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/roffe/godiag"
)

func init() {
	if err := godiag.RegisterAdapter(&godiag.AdapterInfo{
		Name:        "Virtual",
		Description: "in-process adapter driven by a responder function",
		New: func(cfg *godiag.AdapterConfig) (godiag.Transport, error) {
			return NewVirtual(cfg, nil), nil
		},
	}); err != nil {
		panic(err)
	}
}

// Responder answers one written line with zero or more lines.
type Responder func(line []byte) [][]byte

// Virtual is a transport without hardware that behaves like an ELM327 in raw
// CAN mode. ATSH, ATCP and ATCRA are answered by Virtual itself. Data lines
// are prefixed with the programmed header before they reach the responder,
// every other line is passed on as written. With a nil responder commands
// are acknowledged and frames echoed.
type Virtual struct {
	*godiag.BaseAdapter
	respond Responder

	mu       sync.Mutex
	open     bool
	pending  bytes.Buffer
	written  [][]byte
	header   uint32
	priority uint32
	filter   uint32
}

func NewVirtual(cfg *godiag.AdapterConfig, respond Responder) *Virtual {
	if cfg == nil {
		cfg = &godiag.AdapterConfig{}
	}
	if respond == nil {
		respond = func(line []byte) [][]byte {
			if bytes.HasPrefix(line, []byte("AT")) {
				return [][]byte{[]byte("OK")}
			}
			return [][]byte{line}
		}
	}
	return &Virtual{
		BaseAdapter: godiag.NewBaseAdapter("Virtual", cfg),
		respond:     respond,
	}
}

func (v *Virtual) Open(context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.open = true
	return nil
}

func (v *Virtual) IsConnected() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.open
}

func (v *Virtual) Write(b []byte) (int, error) {
	v.mu.Lock()
	if !v.open {
		v.mu.Unlock()
		return 0, godiag.ErrNotConnected
	}
	v.pending.Write(b)
	var lines [][]byte
	for {
		idx := bytes.IndexByte(v.pending.Bytes(), godiag.CR)
		if idx < 0 {
			break
		}
		line := make([]byte, idx)
		copy(line, v.pending.Bytes()[:idx])
		v.pending.Next(idx + 1)
		if v.setRegister(string(line)) {
			lines = append(lines, nil)
			continue
		}
		if isHex(line) {
			line = []byte(v.headerHex() + string(line))
		}
		v.written = append(v.written, line)
		lines = append(lines, line)
	}
	v.mu.Unlock()

	for _, line := range lines {
		if line == nil {
			v.Deliver([]byte("OK"))
			continue
		}
		for _, resp := range v.respond(line) {
			v.Deliver(resp)
		}
	}
	return len(b), nil
}

// setRegister handles the addressing commands, reporting if line was one.
func (v *Virtual) setRegister(line string) bool {
	c := strings.ToUpper(strings.ReplaceAll(line, " ", ""))
	var (
		arg string
		reg *uint32
	)
	switch {
	case strings.HasPrefix(c, "ATSH"):
		arg, reg = c[4:], &v.header
	case strings.HasPrefix(c, "ATCRA"):
		arg, reg = c[5:], &v.filter
	case strings.HasPrefix(c, "ATCP"):
		arg, reg = c[4:], &v.priority
	default:
		return false
	}
	id, err := strconv.ParseUint(arg, 16, 32)
	if err != nil {
		return false
	}
	*reg = uint32(id)
	if reg == &v.header && len(arg) == 3 {
		v.priority = 0
	}
	return true
}

func (v *Virtual) headerHex() string {
	if v.priority != 0 || v.header > 0x7FF {
		return fmt.Sprintf("%08X", v.priority<<24|v.header)
	}
	return fmt.Sprintf("%03X", v.header)
}

// Header returns the identifier frames are currently sent with.
func (v *Virtual) Header() uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.priority != 0 || v.header > 0x7FF {
		return v.priority<<24 | v.header
	}
	return v.header
}

// Filter returns the receive address set with ATCRA.
func (v *Virtual) Filter() uint32 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.filter
}

func isHex(line []byte) bool {
	if len(line) == 0 || len(line)%2 != 0 {
		return false
	}
	_, err := hex.DecodeString(string(line))
	return err == nil
}

// Written returns every line written so far except the addressing commands.
// Frames carry the header they were sent with.
func (v *Virtual) Written() [][]byte {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([][]byte, len(v.written))
	copy(out, v.written)
	return out
}

func (v *Virtual) Close() error {
	v.mu.Lock()
	v.open = false
	v.mu.Unlock()
	v.BaseAdapter.Close()
	return nil
}
