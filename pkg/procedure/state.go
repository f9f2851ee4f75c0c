package procedure

import "fmt"

type StateKind int

const (
	Idle StateKind = iota
	Preparing
	Executing
	Completed
	Failed
	Aborted
)

func (k StateKind) String() string {
	switch k {
	case Idle:
		return "Idle"
	case Preparing:
		return "Preparing"
	case Executing:
		return "Executing"
	case Completed:
		return "Completed"
	case Failed:
		return "Failed"
	case Aborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

func (k StateKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Terminal reports if the state ends a run.
func (k StateKind) Terminal() bool {
	return k == Completed || k == Failed || k == Aborted
}

// State is the observable state of an Executor. Step and Progress are set
// while Executing, Cycle in continuous mode, Reason for Failed and Aborted
// and Result once the run is over.
type State struct {
	Kind        StateKind `json:"state"`
	ProcedureID string    `json:"procedure_id,omitempty"`
	Step        int       `json:"step"`
	Progress    int       `json:"progress"`
	Cycle       int       `json:"cycle,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	Result      *Result   `json:"result,omitempty"`
}

func (s State) String() string {
	switch s.Kind {
	case Executing:
		if s.Cycle > 0 {
			return fmt.Sprintf("Executing(step %d, %d%%, cycle %d)", s.Step, s.Progress, s.Cycle)
		}
		return fmt.Sprintf("Executing(step %d, %d%%)", s.Step, s.Progress)
	case Failed, Aborted:
		return s.Kind.String() + ": " + s.Reason
	}
	return s.Kind.String()
}
