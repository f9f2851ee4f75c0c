package programming

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/roffe/godiag"
	"github.com/roffe/godiag/pkg/uds"
	"go.uber.org/zap"
)

type Type int

const (
	Flash Type = iota
	EEPROM
	Calibration
	Key
)

func (t Type) String() string {
	switch t {
	case Flash:
		return "flash"
	case EEPROM:
		return "EEPROM"
	case Calibration:
		return "calibration"
	case Key:
		return "key"
	default:
		return "unknown"
	}
}

// ParseType parses the names returned by Type.String, case insensitive.
func ParseType(s string) (Type, bool) {
	for _, t := range []Type{Flash, EEPROM, Calibration, Key} {
		if strings.EqualFold(t.String(), s) {
			return t, true
		}
	}
	return 0, false
}

func (t Type) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

func (t *Type) UnmarshalText(text []byte) error {
	v, ok := ParseType(string(text))
	if !ok {
		return fmt.Errorf("unknown programming type %q", text)
	}
	*t = v
	return nil
}

// Block sizes used when splitting images.
const (
	FlashBlockSize  = 4096
	EEPROMBlockSize = 256
)

type SecurityAccessInfo struct {
	AlgorithmID string
	Levels      []int
	// UnlockSequence is sent as a raw request before the first level, if set.
	UnlockSequence []byte
}

// Capability is what the ECU declares it can be programmed with.
type Capability struct {
	Flash         bool
	EEPROM        bool
	Calibration   bool
	Key           bool
	FileFormats   []string
	FlashAddress  uint32
	EEPROMAddress uint32
	Security      *SecurityAccessInfo
}

func (c *Capability) supports(t Type) bool {
	switch t {
	case Flash:
		return c.Flash
	case EEPROM:
		return c.EEPROM
	case Calibration:
		return c.Calibration
	case Key:
		return c.Key
	}
	return false
}

func (c *Capability) acceptsFormat(format string) bool {
	if len(c.FileFormats) == 0 {
		return true
	}
	for _, f := range c.FileFormats {
		if strings.EqualFold(strings.TrimPrefix(f, "."), strings.TrimPrefix(format, ".")) {
			return true
		}
	}
	return false
}

// Request describes one programming job.
type Request struct {
	Type               Type
	Data               []byte
	Format             string
	AllowEngineRunning bool
}

// MemoryBlock is one slice of an image at its absolute address.
type MemoryBlock struct {
	StartAddress uint32
	Size         int
	Data         []byte
}

// Chunk splits data into blocks of blockSize starting at start. The last
// block may be shorter.
func Chunk(data []byte, start uint32, blockSize int) []MemoryBlock {
	if blockSize <= 0 {
		return nil
	}
	blocks := make([]MemoryBlock, 0, (len(data)+blockSize-1)/blockSize)
	for off := 0; off < len(data); off += blockSize {
		end := off + blockSize
		if end > len(data) {
			end = len(data)
		}
		blocks = append(blocks, MemoryBlock{
			StartAddress: start + uint32(off),
			Size:         end - off,
			Data:         data[off:end],
		})
	}
	return blocks
}

// Client is the subset of the UDS client a session needs.
type Client interface {
	DiagnosticSessionControl(ctx context.Context, sessionType byte) error
	SecurityAccess(ctx context.Context, level int, fn uds.SeedKeyFunc) error
	RequestDownload(ctx context.Context, addr, size uint32, format byte) (int, error)
	TransferData(ctx context.Context, seq byte, chunk []byte) error
	RequestTransferExit(ctx context.Context) error
	ReadMemoryByAddress(ctx context.Context, addr uint32, size uint16) ([]byte, error)
	ECUReset(ctx context.Context, resetType byte) error
	SendRaw(ctx context.Context, payload []byte) ([]byte, error)
}

// SecurityKeyAlgorithm computes keys for an OEM seed key scheme.
type SecurityKeyAlgorithm interface {
	ComputeKey(algorithmID string, level int, seed []byte) ([]byte, error)
}

// CalibrationWriter writes calibration data with an ECU specific procedure.
type CalibrationWriter interface {
	WriteCalibration(ctx context.Context, c Client, data []byte) error
}

// KeyWriter programs immobilizer or radio keys.
type KeyWriter interface {
	WriteKey(ctx context.Context, c Client, data []byte) error
}

// SafetyProbe reads the vehicle state checked before programming.
type SafetyProbe interface {
	BatteryVoltage(ctx context.Context) (float64, error)
	EngineRunning(ctx context.Context) (bool, error)
}

// Progress is reported after each phase change and each written block.
type Progress struct {
	Phase        string        `json:"phase"`
	Block        int           `json:"block"`
	TotalBlocks  int           `json:"total_blocks"`
	Percentage   float64       `json:"percentage"`
	BytesWritten int           `json:"bytes_written"`
	ElapsedTime  time.Duration `json:"elapsed"`
}

const (
	PhaseValidating = "validating"
	PhaseSafety     = "safety"
	PhaseSession    = "session"
	PhaseSecurity   = "security"
	PhaseWriting    = "writing"
	PhaseVerifying  = "verifying"
	PhaseResetting  = "resetting"
	PhaseFinalizing = "finalizing"
	PhaseComplete   = "complete"
)

type ProgressCallback func(Progress)

type config struct {
	minVoltage  float64
	verifySize  int
	exitTimeout time.Duration
	resetAfter  bool
	resetType   byte
	algorithm   SecurityKeyAlgorithm
	calibration CalibrationWriter
	keys        KeyWriter
	probe       SafetyProbe
	lock        *godiag.ChannelLock
	progress    ProgressCallback
	logger      *zap.Logger
}

func defaultConfig() config {
	return config{
		minVoltage:  12.0,
		verifySize:  256,
		exitTimeout: 2 * time.Second,
		logger:      zap.NewNop(),
	}
}

type Option func(*config)

func WithSecurityAlgorithm(a SecurityKeyAlgorithm) Option {
	return func(c *config) {
		c.algorithm = a
	}
}

func WithCalibrationWriter(w CalibrationWriter) Option {
	return func(c *config) {
		c.calibration = w
	}
}

func WithKeyWriter(w KeyWriter) Option {
	return func(c *config) {
		c.keys = w
	}
}

func WithSafetyProbe(p SafetyProbe) Option {
	return func(c *config) {
		c.probe = p
	}
}

// WithMinBatteryVoltage overrides the 12.0 V minimum.
func WithMinBatteryVoltage(v float64) Option {
	return func(c *config) {
		c.minVoltage = v
	}
}

// WithVerifySize sets how many bytes of the first and last block are read back.
func WithVerifySize(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.verifySize = n
		}
	}
}

// WithResetAfter resets the ECU after a successful write.
func WithResetAfter(resetType byte) Option {
	return func(c *config) {
		c.resetAfter = true
		c.resetType = resetType
	}
}

func WithChannelLock(l *godiag.ChannelLock) Option {
	return func(c *config) {
		c.lock = l
	}
}

func WithProgressCallback(fn ProgressCallback) Option {
	return func(c *config) {
		c.progress = fn
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}
