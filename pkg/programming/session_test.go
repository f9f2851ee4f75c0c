package programming

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/roffe/godiag/pkg/uds"
)

// mockECU is an in memory ECU that records every call.
type mockECU struct {
	mu       sync.Mutex
	calls    []string
	memory   map[uint32]byte
	addr     uint32
	maxLen   int
	failAt   uint32
	failSet  bool
	seed     []byte
	onWrite  func(addr uint32)
	badRead  bool
	sessions []byte
}

func newMockECU() *mockECU {
	return &mockECU{memory: make(map[uint32]byte), maxLen: 0x0802, seed: []byte{0x11, 0x22}}
}

func (m *mockECU) record(format string, args ...interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, fmt.Sprintf(format, args...))
}

func (m *mockECU) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockECU) count(prefix string) int {
	n := 0
	for _, c := range m.Calls() {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (m *mockECU) DiagnosticSessionControl(ctx context.Context, t byte) error {
	m.record("session %02X", t)
	m.sessions = append(m.sessions, t)
	return nil
}

func (m *mockECU) SecurityAccess(ctx context.Context, level int, fn uds.SeedKeyFunc) error {
	m.record("security %d", level)
	key, err := fn(level, m.seed)
	if err != nil {
		return err
	}
	if !bytes.Equal(key, []byte{m.seed[0] + byte(level), m.seed[1] + byte(level)}) {
		return &uds.NegativeResponseError{Service: uds.SecurityAccess, Code: uds.NRCInvalidKey}
	}
	return nil
}

func (m *mockECU) RequestDownload(ctx context.Context, addr, size uint32, format byte) (int, error) {
	m.record("download %08X %d", addr, size)
	if m.onWrite != nil {
		m.onWrite(addr)
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if m.failSet && addr == m.failAt {
		return 0, &uds.NegativeResponseError{Service: uds.RequestDownload, Code: uds.NRCUploadDownloadNotAccepted}
	}
	m.addr = addr
	return m.maxLen, nil
}

func (m *mockECU) TransferData(ctx context.Context, seq byte, chunk []byte) error {
	m.record("transfer %02X %d", seq, len(chunk))
	for i, b := range chunk {
		m.memory[m.addr+uint32(i)] = b
	}
	m.addr += uint32(len(chunk))
	return nil
}

func (m *mockECU) RequestTransferExit(ctx context.Context) error {
	m.record("exit")
	return nil
}

func (m *mockECU) ReadMemoryByAddress(ctx context.Context, addr uint32, size uint16) ([]byte, error) {
	m.record("read %08X %d", addr, size)
	out := make([]byte, size)
	for i := range out {
		out[i] = m.memory[addr+uint32(i)]
	}
	if m.badRead {
		out[0] ^= 0xFF
	}
	return out, nil
}

func (m *mockECU) ECUReset(ctx context.Context, t byte) error {
	m.record("reset %02X", t)
	return nil
}

func (m *mockECU) SendRaw(ctx context.Context, payload []byte) ([]byte, error) {
	m.record("raw % X", payload)
	return []byte{payload[0] + 0x40}, nil
}

type addLevel struct{}

func (addLevel) ComputeKey(alg string, level int, seed []byte) ([]byte, error) {
	key := make([]byte, len(seed))
	for i, b := range seed {
		key[i] = b + byte(level)
	}
	return key, nil
}

type probe struct {
	volts   float64
	running bool
}

func (p probe) BatteryVoltage(context.Context) (float64, error) { return p.volts, nil }
func (p probe) EngineRunning(context.Context) (bool, error)     { return p.running, nil }

func image(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func flashCap() Capability {
	return Capability{
		Flash:        true,
		EEPROM:       true,
		FileFormats:  []string{"bin", "hex"},
		FlashAddress: 0x00020000,
		Security:     &SecurityAccessInfo{AlgorithmID: "test", Levels: []int{1, 3}},
	}
}

func TestChunk(t *testing.T) {
	blocks := Chunk(image(10000), 0x1000, FlashBlockSize)
	if len(blocks) != 3 {
		t.Fatalf("got %d blocks, want 3", len(blocks))
	}
	wantAddr := []uint32{0x1000, 0x2000, 0x3000}
	wantSize := []int{4096, 4096, 1808}
	for i, b := range blocks {
		if b.StartAddress != wantAddr[i] || b.Size != wantSize[i] || len(b.Data) != b.Size {
			t.Errorf("block %d = %08X/%d", i, b.StartAddress, b.Size)
		}
	}
	if n := len(Chunk(image(512), 0, EEPROMBlockSize)); n != 2 {
		t.Errorf("EEPROM blocks = %d, want 2", n)
	}
	if Chunk(nil, 0, 256) == nil || len(Chunk(nil, 0, 256)) != 0 {
		t.Error("Chunk(nil) should be empty")
	}
}

func TestFlashSuccess(t *testing.T) {
	ecu := newMockECU()
	var phases []string
	s := New(ecu, flashCap(),
		WithSecurityAlgorithm(addLevel{}),
		WithSafetyProbe(probe{volts: 12.6}),
		WithResetAfter(uds.HardReset),
		WithProgressCallback(func(p Progress) { phases = append(phases, p.Phase) }),
	)
	img := image(3 * FlashBlockSize)
	res, err := s.Run(context.Background(), Request{Type: Flash, Data: img, Format: "bin"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !res.Success || !res.Verified || !res.Finalized || res.BlocksDone != 3 || res.BytesWritten != len(img) {
		t.Errorf("result = %+v", res)
	}
	for i, b := range img {
		if ecu.memory[0x00020000+uint32(i)] != b {
			t.Fatalf("memory differs at offset %d", i)
		}
	}
	// 4096 byte blocks with a 0x802 max request length need two transfers each.
	if n := ecu.count("transfer"); n != 6 {
		t.Errorf("transfers = %d, want 6", n)
	}
	if n := ecu.count("read"); n != 2 {
		t.Errorf("verification reads = %d, want 2", n)
	}
	if !bytes.Equal(ecu.sessions, []byte{uds.ProgrammingSession, uds.DefaultSession}) {
		t.Errorf("sessions = % X", ecu.sessions)
	}
	calls := ecu.Calls()
	if calls[1] != "security 1" || calls[2] != "security 3" {
		t.Errorf("security levels not in order: %v", calls[:3])
	}
	if ecu.count("reset 01") != 1 {
		t.Error("ECU not reset")
	}
	if phases[len(phases)-1] != PhaseComplete {
		t.Errorf("last phase = %s", phases[len(phases)-1])
	}
}

func TestBlockFailureStopsAndFinalizes(t *testing.T) {
	ecu := newMockECU()
	ecu.failSet = true
	ecu.failAt = 0x00020000 + FlashBlockSize // block 1
	s := New(ecu, flashCap(), WithSecurityAlgorithm(addLevel{}), WithSafetyProbe(probe{volts: 13}))
	res, err := s.Run(context.Background(), Request{Type: Flash, Data: image(4 * FlashBlockSize), Format: "bin"})

	var bte *BlockTransferError
	if !errors.As(err, &bte) || bte.Index != 1 {
		t.Fatalf("Run() error = %v, want BlockTransferError for block 1", err)
	}
	if res.Success || res.BlocksDone != 1 {
		t.Errorf("result = %+v", res)
	}
	if n := ecu.count("download"); n != 2 {
		t.Errorf("downloads = %d, want 2 (blocks 2 and 3 must not be sent)", n)
	}
	if ecu.count("read") != 0 {
		t.Error("verification ran after a failed block")
	}
	if !res.Finalized || ecu.sessions[len(ecu.sessions)-1] != uds.DefaultSession {
		t.Error("session not finalized after block failure")
	}
}

func TestAbortFinalizes(t *testing.T) {
	ecu := newMockECU()
	var s *Session
	ecu.onWrite = func(addr uint32) {
		if addr == 0x00020000+FlashBlockSize {
			s.Abort()
		}
	}
	s = New(ecu, flashCap(), WithSecurityAlgorithm(addLevel{}), WithSafetyProbe(probe{volts: 13}))
	res, err := s.Run(context.Background(), Request{Type: Flash, Data: image(4 * FlashBlockSize), Format: "bin"})
	if !errors.Is(err, ErrAborted) {
		t.Fatalf("Run() error = %v, want ErrAborted", err)
	}
	if ecu.count("download") != 2 {
		t.Errorf("downloads = %d, want 2", ecu.count("download"))
	}
	if !res.Finalized {
		t.Error("session not finalized after abort")
	}
}

func TestVerificationFailure(t *testing.T) {
	ecu := newMockECU()
	ecu.badRead = true
	s := New(ecu, flashCap(), WithSecurityAlgorithm(addLevel{}), WithSafetyProbe(probe{volts: 13}))
	res, err := s.Run(context.Background(), Request{Type: EEPROM, Data: image(300), Format: "hex"})
	var ve *VerificationError
	if !errors.As(err, &ve) {
		t.Fatalf("Run() error = %v, want VerificationError", err)
	}
	if res.Success || res.Verified || !res.Finalized {
		t.Errorf("result = %+v", res)
	}
	if ecu.count("download") != 2 {
		t.Errorf("EEPROM blocks = %d, want 2", ecu.count("download"))
	}
}

func TestPreflightFailures(t *testing.T) {
	tests := []struct {
		name    string
		cap     Capability
		opts    []Option
		req     Request
		safety  bool
		capable bool
	}{
		{
			name:    "unsupported type",
			cap:     Capability{EEPROM: true},
			opts:    []Option{WithSafetyProbe(probe{volts: 13})},
			req:     Request{Type: Flash, Data: image(10)},
			capable: true,
		},
		{
			name:    "unsupported format",
			cap:     Capability{Flash: true, FileFormats: []string{"bin"}},
			opts:    []Option{WithSafetyProbe(probe{volts: 13})},
			req:     Request{Type: Flash, Data: image(10), Format: "s19"},
			capable: true,
		},
		{
			name:    "calibration without writer",
			cap:     Capability{Calibration: true},
			opts:    []Option{WithSafetyProbe(probe{volts: 13})},
			req:     Request{Type: Calibration, Data: image(10)},
			capable: true,
		},
		{
			name:    "security without algorithm",
			cap:     flashCap(),
			opts:    []Option{WithSafetyProbe(probe{volts: 13})},
			req:     Request{Type: Flash, Data: image(10), Format: "bin"},
			capable: true,
		},
		{
			name:   "low battery",
			cap:    Capability{Flash: true},
			opts:   []Option{WithSafetyProbe(probe{volts: 11.9})},
			req:    Request{Type: Flash, Data: image(10)},
			safety: true,
		},
		{
			name:   "engine running",
			cap:    Capability{Flash: true},
			opts:   []Option{WithSafetyProbe(probe{volts: 14.1, running: true})},
			req:    Request{Type: Flash, Data: image(10)},
			safety: true,
		},
		{
			name:   "no probe",
			cap:    Capability{Flash: true},
			req:    Request{Type: Flash, Data: image(10)},
			safety: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ecu := newMockECU()
			_, err := New(ecu, tt.cap, tt.opts...).Run(context.Background(), tt.req)
			var ce *CapabilityError
			if tt.capable && !errors.As(err, &ce) {
				t.Errorf("Run() error = %v, want CapabilityError", err)
			}
			if tt.safety && !IsSafetyError(err) {
				t.Errorf("Run() error = %v, want SafetyError", err)
			}
			if len(ecu.Calls()) != 0 {
				t.Errorf("ECU contacted before preflight passed: %v", ecu.Calls())
			}
		})
	}
}

func TestEngineRunningAllowed(t *testing.T) {
	ecu := newMockECU()
	s := New(ecu, Capability{Flash: true}, WithSafetyProbe(probe{volts: 14.1, running: true}))
	if _, err := s.Run(context.Background(), Request{Type: Flash, Data: image(100), AllowEngineRunning: true}); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
}

type failingAlgorithm struct{}

func (failingAlgorithm) ComputeKey(string, int, []byte) ([]byte, error) {
	return []byte{0xDE, 0xAD}, nil
}

func TestSecurityFailureAbortsSession(t *testing.T) {
	ecu := newMockECU()
	s := New(ecu, flashCap(), WithSecurityAlgorithm(failingAlgorithm{}), WithSafetyProbe(probe{volts: 13}))
	res, err := s.Run(context.Background(), Request{Type: Flash, Data: image(100), Format: "bin"})
	var se *SecurityError
	if !errors.As(err, &se) || se.Level != 1 {
		t.Fatalf("Run() error = %v, want SecurityError level 1", err)
	}
	if ecu.count("security") != 1 || ecu.count("download") != 0 {
		t.Errorf("calls = %v", ecu.Calls())
	}
	if !res.Finalized {
		t.Error("session not finalized")
	}
}

type recordingWriter struct {
	data []byte
}

func (w *recordingWriter) WriteCalibration(ctx context.Context, c Client, data []byte) error {
	w.data = data
	_, err := c.SendRaw(ctx, []byte{0x2E, 0x01, 0x00})
	return err
}

func TestCalibrationUsesWriter(t *testing.T) {
	ecu := newMockECU()
	w := &recordingWriter{}
	s := New(ecu, Capability{Calibration: true}, WithCalibrationWriter(w), WithSafetyProbe(probe{volts: 12.0}))
	res, err := s.Run(context.Background(), Request{Type: Calibration, Data: []byte{1, 2, 3}})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !bytes.Equal(w.data, []byte{1, 2, 3}) || res.BytesWritten != 3 {
		t.Errorf("writer got % X, result %+v", w.data, res)
	}
}
