package programming

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/roffe/godiag/pkg/uds"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Result describes a finished programming run.
type Result struct {
	Type         Type          `json:"type"`
	Success      bool          `json:"success"`
	TotalBlocks  int           `json:"total_blocks"`
	BlocksDone   int           `json:"blocks_done"`
	BytesWritten int           `json:"bytes_written"`
	Verified     bool          `json:"verified"`
	Finalized    bool          `json:"finalized"`
	Reason       string        `json:"reason,omitempty"`
	Duration     time.Duration `json:"duration"`
	Timestamp    time.Time     `json:"timestamp"`
}

// Session programs one ECU.
type Session struct {
	client Client
	cap    Capability
	cfg    config

	running atomic.Bool
	aborted atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
}

func New(client Client, capability Capability, opts ...Option) *Session {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &Session{
		client: client,
		cap:    capability,
		cfg:    cfg,
	}
}

// Abort cancels the running job. The ECU is still returned to the default session.
func (s *Session) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil && s.aborted.CAS(false, true) {
		s.cancel()
	}
}

// Run validates, writes and verifies req. The returned Result is never nil
// once the session has started, err is set for every failed run.
func (s *Session) Run(ctx context.Context, req Request) (res *Result, err error) {
	if !s.running.CAS(false, true) {
		return nil, ErrBusy
	}
	defer s.running.Store(false)

	if s.cfg.lock != nil {
		if err := s.cfg.lock.Acquire(ctx); err != nil {
			return nil, err
		}
		defer s.cfg.lock.Release()
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancel = cancel
	s.aborted.Store(false)
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.mu.Unlock()
	}()

	start := time.Now()
	res = &Result{Type: req.Type}
	defer func() {
		if err != nil {
			if s.aborted.Load() {
				err = fmt.Errorf("%w: %v", ErrAborted, err)
			}
			res.Reason = err.Error()
			s.cfg.logger.Error("programming failed", zap.Stringer("type", req.Type), zap.Error(err))
		}
		res.Duration = time.Since(start)
		res.Timestamp = time.Now()
	}()

	s.report(Progress{Phase: PhaseValidating}, start)
	if err := s.validate(req); err != nil {
		return res, err
	}

	s.report(Progress{Phase: PhaseSafety}, start)
	if err := s.checkSafety(runCtx, req); err != nil {
		return res, err
	}

	s.report(Progress{Phase: PhaseSession}, start)
	if err := s.client.DiagnosticSessionControl(runCtx, uds.ProgrammingSession); err != nil {
		s.finalize(ctx, res, start)
		return res, fmt.Errorf("enter programming session: %w", err)
	}
	defer s.finalize(ctx, res, start)

	if s.cap.Security != nil {
		s.report(Progress{Phase: PhaseSecurity}, start)
		if err := s.unlock(runCtx); err != nil {
			return res, err
		}
	}

	switch req.Type {
	case Flash, EEPROM:
		if err := s.writeBlocks(runCtx, req, res, start); err != nil {
			return res, err
		}
		s.report(Progress{Phase: PhaseVerifying, Percentage: 95, BytesWritten: res.BytesWritten, TotalBlocks: res.TotalBlocks, Block: res.BlocksDone}, start)
		if err := s.verify(runCtx, req); err != nil {
			return res, err
		}
		res.Verified = true
	case Calibration:
		if err := s.cfg.calibration.WriteCalibration(runCtx, s.client, req.Data); err != nil {
			return res, fmt.Errorf("write calibration: %w", err)
		}
		res.BytesWritten = len(req.Data)
	case Key:
		if err := s.cfg.keys.WriteKey(runCtx, s.client, req.Data); err != nil {
			return res, fmt.Errorf("write key: %w", err)
		}
		res.BytesWritten = len(req.Data)
	}

	if s.cfg.resetAfter {
		s.report(Progress{Phase: PhaseResetting, Percentage: 98}, start)
		if err := s.client.ECUReset(runCtx, s.cfg.resetType); err != nil {
			s.cfg.logger.Warn("ECU reset failed", zap.Error(err))
		}
	}

	res.Success = true
	return res, nil
}

func (s *Session) validate(req Request) error {
	if !s.cap.supports(req.Type) {
		return &CapabilityError{Type: req.Type, Reason: "not declared by ECU"}
	}
	if !s.cap.acceptsFormat(req.Format) {
		return &CapabilityError{Type: req.Type, Format: req.Format, Reason: "file format not accepted"}
	}
	if len(req.Data) == 0 {
		return &CapabilityError{Type: req.Type, Reason: "empty image"}
	}
	switch req.Type {
	case Calibration:
		if s.cfg.calibration == nil {
			return &CapabilityError{Type: req.Type, Reason: "no calibration writer configured"}
		}
	case Key:
		if s.cfg.keys == nil {
			return &CapabilityError{Type: req.Type, Reason: "no key writer configured"}
		}
	}
	if s.cap.Security != nil && len(s.cap.Security.Levels) > 0 && s.cfg.algorithm == nil {
		return &CapabilityError{Type: req.Type, Reason: "ECU requires security access but no key algorithm is configured"}
	}
	return nil
}

func (s *Session) checkSafety(ctx context.Context, req Request) error {
	if s.cfg.probe == nil {
		return &SafetyError{Check: "probe", Reason: "no safety probe configured"}
	}
	v, err := s.cfg.probe.BatteryVoltage(ctx)
	if err != nil {
		return &SafetyError{Check: "battery", Reason: err.Error()}
	}
	if v < s.cfg.minVoltage {
		return &SafetyError{Check: "battery", Reason: fmt.Sprintf("%.1f V is below %.1f V", v, s.cfg.minVoltage)}
	}
	if !req.AllowEngineRunning {
		running, err := s.cfg.probe.EngineRunning(ctx)
		if err != nil {
			return &SafetyError{Check: "engine", Reason: err.Error()}
		}
		if running {
			return &SafetyError{Check: "engine", Reason: "engine is running"}
		}
	}
	return nil
}

func (s *Session) unlock(ctx context.Context) error {
	sec := s.cap.Security
	if len(sec.UnlockSequence) > 0 {
		if _, err := s.client.SendRaw(ctx, sec.UnlockSequence); err != nil {
			return fmt.Errorf("unlock sequence: %w", err)
		}
	}
	fn := func(level int, seed []byte) ([]byte, error) {
		return s.cfg.algorithm.ComputeKey(sec.AlgorithmID, level, seed)
	}
	for _, level := range sec.Levels {
		if err := s.client.SecurityAccess(ctx, level, fn); err != nil {
			return &SecurityError{Level: level, Err: err}
		}
		s.cfg.logger.Info("security level unlocked", zap.Int("level", level))
	}
	return nil
}

func (s *Session) blocks(req Request) []MemoryBlock {
	if req.Type == EEPROM {
		return Chunk(req.Data, s.cap.EEPROMAddress, EEPROMBlockSize)
	}
	return Chunk(req.Data, s.cap.FlashAddress, FlashBlockSize)
}

func (s *Session) writeBlocks(ctx context.Context, req Request, res *Result, start time.Time) error {
	blocks := s.blocks(req)
	res.TotalBlocks = len(blocks)
	for i, b := range blocks {
		if err := ctx.Err(); err != nil {
			return &BlockTransferError{Index: i, Address: b.StartAddress, Err: err}
		}
		if err := s.writeBlock(ctx, b); err != nil {
			return &BlockTransferError{Index: i, Address: b.StartAddress, Err: err}
		}
		res.BlocksDone = i + 1
		res.BytesWritten += b.Size
		s.report(Progress{
			Phase:        PhaseWriting,
			Block:        i + 1,
			TotalBlocks:  len(blocks),
			Percentage:   float64(i+1) / float64(len(blocks)) * 90,
			BytesWritten: res.BytesWritten,
		}, start)
	}
	return nil
}

// writeBlock announces the block at its address and sends it in as many
// TransferData requests as the ECU's maximum request length needs.
func (s *Session) writeBlock(ctx context.Context, b MemoryBlock) error {
	maxLen, err := s.client.RequestDownload(ctx, b.StartAddress, uint32(b.Size), 0x00)
	if err != nil {
		return err
	}
	chunkSize := maxLen - 2
	if chunkSize <= 0 || chunkSize > b.Size {
		chunkSize = b.Size
	}
	var seq byte = 1
	for off := 0; off < b.Size; off += chunkSize {
		end := off + chunkSize
		if end > b.Size {
			end = b.Size
		}
		if err := s.client.TransferData(ctx, seq, b.Data[off:end]); err != nil {
			return err
		}
		seq++
	}
	return s.client.RequestTransferExit(ctx)
}

// verify reads back the start of the first and last block.
func (s *Session) verify(ctx context.Context, req Request) error {
	blocks := s.blocks(req)
	samples := []MemoryBlock{blocks[0]}
	if len(blocks) > 1 {
		samples = append(samples, blocks[len(blocks)-1])
	}
	for _, b := range samples {
		n := b.Size
		if n > s.cfg.verifySize {
			n = s.cfg.verifySize
		}
		got, err := s.client.ReadMemoryByAddress(ctx, b.StartAddress, uint16(n))
		if err != nil {
			return &VerificationError{Address: b.StartAddress, Message: err.Error()}
		}
		if !bytes.Equal(got, b.Data[:n]) {
			return &VerificationError{Address: b.StartAddress, Message: "read back data differs from image"}
		}
	}
	return nil
}

// finalize returns the ECU to the default session. It runs on its own
// context so it still happens after an abort.
func (s *Session) finalize(ctx context.Context, res *Result, start time.Time) {
	s.report(Progress{Phase: PhaseFinalizing, BytesWritten: res.BytesWritten, Block: res.BlocksDone, TotalBlocks: res.TotalBlocks}, start)
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.exitTimeout)
	defer cancel()
	if err := s.client.DiagnosticSessionControl(fctx, uds.DefaultSession); err != nil {
		s.cfg.logger.Warn("failed to return ECU to default session", zap.Error(err))
		return
	}
	res.Finalized = true
	if res.Success {
		s.report(Progress{Phase: PhaseComplete, Percentage: 100, BytesWritten: res.BytesWritten, Block: res.BlocksDone, TotalBlocks: res.TotalBlocks}, start)
	}
}

func (s *Session) report(p Progress, start time.Time) {
	if s.cfg.progress == nil {
		return
	}
	p.ElapsedTime = time.Since(start)
	s.cfg.progress(p)
}

// IsSafetyError reports if err is a failed precondition.
func IsSafetyError(err error) bool {
	var se *SafetyError
	return errors.As(err, &se)
}
