package journal

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/roffe/godiag/pkg/fault"
	"github.com/roffe/godiag/pkg/procedure"
	"github.com/roffe/godiag/pkg/programming"
)

func openTemp(t *testing.T) *Journal {
	t.Helper()
	j, err := Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { j.Close() })
	return j
}

func TestProceduresNewestFirst(t *testing.T) {
	j := openTemp(t)
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, id := range []string{"dpf-regen", "abs-bleed", "throttle-adapt"} {
		r := &procedure.Result{
			ProcedureID: id,
			SuccessRate: 100,
			Verdict:     procedure.Pass,
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
			Steps: []procedure.StepResult{
				{StepID: "s1", Success: true, Response: procedure.Bytes{0x50, 0x03}},
				{StepID: "s2", Error: fault.New(fault.CommandTimeout, "3101FF00")},
			},
		}
		if err := j.SaveProcedure(r); err != nil {
			t.Fatalf("SaveProcedure(%s) error = %v", id, err)
		}
	}

	got, err := j.Procedures(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || got[0].ProcedureID != "throttle-adapt" || got[2].ProcedureID != "dpf-regen" {
		t.Fatalf("Procedures() = %+v", got)
	}
	if e := got[0].Steps[1].Error; e == nil || e.Kind != fault.CommandTimeout || e.Detail != "3101FF00" {
		t.Errorf("step error = %v", e)
	}
	if string(got[0].Steps[0].Response) != "\x50\x03" {
		t.Errorf("response = %X", got[0].Steps[0].Response)
	}

	got, err = j.Procedures(2)
	if err != nil || len(got) != 2 {
		t.Errorf("Procedures(2) = %d, %v", len(got), err)
	}
}

func TestSaveProgramming(t *testing.T) {
	j := openTemp(t)
	r := &programming.Result{
		Type:         programming.EEPROM,
		Success:      true,
		TotalBlocks:  2,
		BlocksDone:   2,
		BytesWritten: 512,
		Verified:     true,
		Finalized:    true,
		Duration:     1500 * time.Millisecond,
		Timestamp:    time.Now(),
	}
	if err := j.SaveProgramming("WVWZZZ1JZXW000001", r); err != nil {
		t.Fatal(err)
	}
	got, err := j.Programming(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Type != programming.EEPROM || got[0].BytesWritten != 512 || !got[0].Verified {
		t.Errorf("Programming() = %+v", got)
	}
}

func TestSaveRejectsEmptyID(t *testing.T) {
	j := openTemp(t)
	if err := j.SaveProcedure(&procedure.Result{Timestamp: time.Now()}); err != ErrEmptyID {
		t.Errorf("SaveProcedure() error = %v, want ErrEmptyID", err)
	}
}

func TestClear(t *testing.T) {
	j := openTemp(t)
	if err := j.SaveProcedure(&procedure.Result{ProcedureID: "x", Timestamp: time.Now()}); err != nil {
		t.Fatal(err)
	}
	if err := j.Clear(); err != nil {
		t.Fatal(err)
	}
	got, err := j.Procedures(0)
	if err != nil || len(got) != 0 {
		t.Errorf("after Clear: %d results, %v", len(got), err)
	}
}
