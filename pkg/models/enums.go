package models

// TaskStatus is the terminal status of a single task within a run.
type TaskStatus string

const (
	TaskSuccess TaskStatus = "SUCCESS"
	TaskFailure TaskStatus = "FAILURE"
	TaskTimeout TaskStatus = "TIMEOUT"
	TaskSkipped TaskStatus = "SKIPPED"
)

// Severity is the ordinal classification of a task's finding.
type Severity string

const (
	SeverityNone     Severity = "NONE"
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

var severityRank = map[Severity]int{
	SeverityNone:     0,
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the ordinal position of the severity. Unknown values rank as NONE.
func (s Severity) Rank() int {
	return severityRank[s]
}

// AtLeast reports whether s is at or above the given threshold.
func (s Severity) AtLeast(threshold Severity) bool {
	return s.Rank() >= threshold.Rank()
}

// Severities lists all severity levels in ascending order.
func Severities() []Severity {
	return []Severity{SeverityNone, SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
}

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunCreated   RunStatus = "CREATED"
	RunRunning   RunStatus = "RUNNING"
	RunAdmitted  RunStatus = "ADMITTED"
	RunBlocked   RunStatus = "BLOCKED"
	RunCancelled RunStatus = "CANCELLED"
	RunFailed    RunStatus = "FAILED"
)

// Terminal reports whether the status is final. Terminal runs are immutable.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunAdmitted, RunBlocked, RunCancelled, RunFailed:
		return true
	}
	return false
}

// DecisionOutcome is the binary admit/block verdict for a run.
type DecisionOutcome string

const (
	DecisionAdmit DecisionOutcome = "ADMIT"
	DecisionBlock DecisionOutcome = "BLOCK"
)

// StageMode controls how tasks inside a stage are dispatched.
type StageMode string

const (
	ModeSequential StageMode = "sequential"
	ModeParallel   StageMode = "parallel"
)
