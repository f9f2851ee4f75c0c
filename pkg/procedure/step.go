package procedure

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/roffe/godiag/pkg/fault"
)

// Bytes is a byte string written as hex in procedure files, spaces allowed.
type Bytes []byte

func (b Bytes) MarshalText() ([]byte, error) {
	return []byte(strings.ToUpper(hex.EncodeToString(b))), nil
}

func (b *Bytes) UnmarshalText(text []byte) error {
	s := strings.NewReplacer(" ", "", ":", "", "0x", "", "0X", "").Replace(string(text))
	out, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("invalid hex %q: %w", text, err)
	}
	*b = out
	return nil
}

func (b Bytes) String() string {
	return fmt.Sprintf("% X", []byte(b))
}

// Step is one command of a procedure.
type Step struct {
	ID               string        `json:"id" mapstructure:"id"`
	Description      string        `json:"description" mapstructure:"description"`
	Command          Bytes         `json:"command" mapstructure:"command"`
	ExpectedResponse Bytes         `json:"expected_response,omitempty" mapstructure:"expected_response"`
	Critical         bool          `json:"critical" mapstructure:"critical"`
	DelayAfter       time.Duration `json:"delay_after" mapstructure:"delay_after"`
	Timeout          time.Duration `json:"timeout" mapstructure:"timeout"`
}

// Definition is an ordered list of steps and the pass threshold.
type Definition struct {
	ID                 string   `json:"id" mapstructure:"id"`
	Name               string   `json:"name" mapstructure:"name"`
	Steps              []Step   `json:"steps" mapstructure:"steps"`
	MinimumSuccessRate float64  `json:"minimum_success_rate" mapstructure:"minimum_success_rate"`
	Requirements       []string `json:"requirements,omitempty" mapstructure:"requirements"`
	// Manufacturers limits the procedure to these manufacturers, empty means any.
	Manufacturers []string `json:"manufacturers,omitempty" mapstructure:"manufacturers"`
}

func (d *Definition) Validate() error {
	if len(d.Steps) == 0 {
		return fmt.Errorf("procedure %q has no steps", d.ID)
	}
	if d.MinimumSuccessRate < 0 || d.MinimumSuccessRate > 100 {
		return fmt.Errorf("procedure %q: minimum success rate %v out of range", d.ID, d.MinimumSuccessRate)
	}
	for i, s := range d.Steps {
		if len(s.Command) == 0 {
			return fmt.Errorf("procedure %q: step %d (%s) has no command", d.ID, i, s.ID)
		}
	}
	return nil
}

type StepResult struct {
	StepID   string        `json:"step_id"`
	Success  bool          `json:"success"`
	Response Bytes         `json:"response,omitempty"`
	Error    *fault.Error  `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

type Verdict string

const (
	Pass Verdict = "Pass"
	Fail Verdict = "Fail"
)

type Result struct {
	ProcedureID string       `json:"procedure_id"`
	SuccessRate float64      `json:"success_rate"`
	Verdict     Verdict      `json:"verdict"`
	Steps       []StepResult `json:"steps"`
	Cycles      int          `json:"cycles,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	Timestamp   time.Time    `json:"timestamp"`
}

// successRate is computed over executed steps only.
func successRate(steps []StepResult) float64 {
	if len(steps) == 0 {
		return 0
	}
	ok := 0
	for _, s := range steps {
		if s.Success {
			ok++
		}
	}
	return 100 * float64(ok) / float64(len(steps))
}
