package models

import "time"

// RunContext is the immutable input bag a run is triggered with: change
// identifier, author, file list, labels, and whatever else the trigger
// supplies. Task results accumulate separately on the RunState.
type RunContext struct {
	Fields map[string]interface{} `json:"fields"`
}

// Labels extracts the "labels" field as a string slice, tolerating both
// []string and []interface{} shapes from JSON/YAML decoding.
func (c RunContext) Labels() []string {
	raw, ok := c.Fields["labels"]
	if !ok {
		return nil
	}
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		labels := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				labels = append(labels, s)
			}
		}
		return labels
	}
	return nil
}

// TaskResult records the outcome of one task invocation within a run.
type TaskResult struct {
	TaskID     string                 `json:"taskId"`
	Status     TaskStatus             `json:"status"`
	Severity   Severity               `json:"severity"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
	Reason     string                 `json:"reason,omitempty"`
	RetryCount int                    `json:"retryCount"`
	Attempt    int                    `json:"attempt"`
	StartedAt  time.Time              `json:"startedAt"`
	FinishedAt time.Time              `json:"finishedAt"`
}

// CompensationAction is the persisted record of one remediation step, kept on
// the run state so a retried compensation pass never re-issues an action
// already marked executed.
type CompensationAction struct {
	ID         string                 `json:"id"`
	Kind       string                 `json:"kind"`
	Params     map[string]interface{} `json:"params,omitempty"`
	Executed   bool                   `json:"executed"`
	ExecutedAt *time.Time             `json:"executedAt,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// Decision is the rendered admit/block verdict with its machine-readable
// reason code and the contributing factors. A decision is never a bare boolean.
type Decision struct {
	Outcome    DecisionOutcome `json:"outcome"`
	ReasonCode string          `json:"reasonCode"`
	Reason     string          `json:"reason"`
	Factors    []string        `json:"factors,omitempty"`
}

// RunState is the durable snapshot of one pipeline run. It is mutated only by
// the execution engine through conditional writes keyed on Version, and
// becomes immutable once Status is terminal.
type RunState struct {
	RunID           string                 `json:"runId"`
	Pipeline        string                 `json:"pipeline"`
	PipelineVersion string                 `json:"pipelineVersion,omitempty"`
	Status          RunStatus              `json:"status"`
	CurrentStage    int                    `json:"currentStage"`
	Context         RunContext             `json:"context"`
	Results         map[string]TaskResult  `json:"results"`
	Compensations   []CompensationAction   `json:"compensations,omitempty"`
	Decision        *Decision              `json:"decision,omitempty"`
	Reason          string                 `json:"reason,omitempty"`
	CancelRequested bool                   `json:"cancelRequested,omitempty"`
	Version         int64                  `json:"version"`
	CreatedAt       time.Time              `json:"createdAt"`
	UpdatedAt       time.Time              `json:"updatedAt"`
	Deadline        *time.Time             `json:"deadline,omitempty"`
}

// RecordResult stores a task result if no result exists yet for that task id.
// Persistence is at-least-once, so replays of the same task must not produce
// two distinct results.
func (s *RunState) RecordResult(r TaskResult) bool {
	if s.Results == nil {
		s.Results = make(map[string]TaskResult)
	}
	if _, exists := s.Results[r.TaskID]; exists {
		return false
	}
	s.Results[r.TaskID] = r
	return true
}

// HasResult reports whether a result is already recorded for the task id.
func (s *RunState) HasResult(taskID string) bool {
	_, ok := s.Results[taskID]
	return ok
}

// AggregatedResult is derived from the TaskResult set on demand and never
// persisted independently.
type AggregatedResult struct {
	OverallSeverity     Severity         `json:"overallSeverity"`
	Counts              map[Severity]int `json:"counts"`
	BlockingIssuesFound bool             `json:"blockingIssuesFound"`
	FailedRequired      []string         `json:"failedRequired,omitempty"`
	AboveThreshold      []string         `json:"aboveThreshold,omitempty"`
	Warnings            []string         `json:"warnings,omitempty"`
}

// DecisionPolicy is pure configuration mapping aggregated findings to an
// admit/block outcome.
type DecisionPolicy struct {
	BlockingThreshold Severity         `yaml:"blockingThreshold" json:"blockingThreshold"`
	MaxBySeverity     map[Severity]int `yaml:"maxBySeverity,omitempty" json:"maxBySeverity,omitempty"`
	OverrideLabels    []string         `yaml:"overrideLabels,omitempty" json:"overrideLabels,omitempty"`
}
