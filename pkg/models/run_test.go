package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestRecordResultFirstWriteWins(t *testing.T) {
	s := &RunState{}
	first := TaskResult{TaskID: "lint", Status: TaskSuccess, Severity: SeverityLow}
	replay := TaskResult{TaskID: "lint", Status: TaskFailure, Severity: SeverityCritical}

	if !s.RecordResult(first) {
		t.Fatal("first write should record")
	}
	if s.RecordResult(replay) {
		t.Error("replay for the same task id should be rejected")
	}
	if got := s.Results["lint"]; got.Status != TaskSuccess || got.Severity != SeverityLow {
		t.Errorf("replay overwrote the recorded result: %+v", got)
	}
	if !s.HasResult("lint") || s.HasResult("ghost") {
		t.Error("HasResult wrong")
	}
}

func TestSeverityOrdering(t *testing.T) {
	levels := Severities()
	for i := 1; i < len(levels); i++ {
		if levels[i].Rank() <= levels[i-1].Rank() {
			t.Errorf("%s should rank above %s", levels[i], levels[i-1])
		}
	}
	if !SeverityHigh.AtLeast(SeverityHigh) || !SeverityCritical.AtLeast(SeverityHigh) {
		t.Error("AtLeast should be inclusive and ordered")
	}
	if SeverityMedium.AtLeast(SeverityHigh) {
		t.Error("MEDIUM is below HIGH")
	}
	if Severity("BOGUS").Rank() != 0 {
		t.Error("unknown severity should rank as NONE")
	}
}

func TestRunStatusTerminal(t *testing.T) {
	for status, want := range map[RunStatus]bool{
		RunCreated:   false,
		RunRunning:   false,
		RunAdmitted:  true,
		RunBlocked:   true,
		RunCancelled: true,
		RunFailed:    true,
	} {
		if status.Terminal() != want {
			t.Errorf("%s.Terminal() = %v", status, !want)
		}
	}
}

func TestRunContextLabels(t *testing.T) {
	ctx := RunContext{Fields: map[string]interface{}{
		"labels": []interface{}{"urgent", 7, "backend"},
	}}
	labels := ctx.Labels()
	if len(labels) != 2 || labels[0] != "urgent" || labels[1] != "backend" {
		t.Errorf("labels = %v", labels)
	}

	if got := (RunContext{}).Labels(); got != nil {
		t.Errorf("no labels field should yield nil, got %v", got)
	}
	if got := (RunContext{Fields: map[string]interface{}{"labels": "urgent"}}).Labels(); got != nil {
		t.Errorf("non-list labels should yield nil, got %v", got)
	}
}

func TestDurationJSONRoundTrip(t *testing.T) {
	type wrapper struct {
		Timeout Duration `json:"timeout"`
	}

	out, err := json.Marshal(wrapper{Timeout: Duration(90 * time.Second)})
	if err != nil {
		t.Fatal(err)
	}
	if string(out) != `{"timeout":"1m30s"}` {
		t.Errorf("marshalled = %s", out)
	}

	var in wrapper
	if err := json.Unmarshal([]byte(`{"timeout":"250ms"}`), &in); err != nil {
		t.Fatal(err)
	}
	if in.Timeout.Std() != 250*time.Millisecond {
		t.Errorf("parsed = %v", in.Timeout.Std())
	}

	if err := json.Unmarshal([]byte(`{"timeout":"soon"}`), &in); err == nil {
		t.Error("bad duration string should fail")
	}
}
