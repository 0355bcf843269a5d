package models

import "time"

// PipelineDefinition is the immutable, versioned description of a review
// pipeline. It is loaded once per run and never mutated afterwards.
type PipelineDefinition struct {
	Name         string             `yaml:"name" json:"name"`
	Version      string             `yaml:"version" json:"version"`
	Defaults     Defaults           `yaml:"defaults" json:"defaults"`
	Stages       []Stage            `yaml:"stages" json:"stages"`
	Compensation []CompensationSpec `yaml:"compensation,omitempty" json:"compensation,omitempty"`
}

// Defaults holds run-wide fallbacks applied where a stage or task does not
// override them.
type Defaults struct {
	TaskTimeout Duration `yaml:"taskTimeout,omitempty" json:"taskTimeout,omitempty"`
	MaxRetries  int      `yaml:"maxRetries,omitempty" json:"maxRetries,omitempty"`
	Parallelism int      `yaml:"parallelism,omitempty" json:"parallelism,omitempty"`
	FailFast    bool     `yaml:"failFast,omitempty" json:"failFast,omitempty"`
}

type Stage struct {
	ID          string     `yaml:"id" json:"id"`
	Mode        StageMode  `yaml:"mode" json:"mode"`
	Condition   *Condition `yaml:"condition,omitempty" json:"condition,omitempty"`
	Required    bool       `yaml:"required,omitempty" json:"required,omitempty"`
	Parallelism int        `yaml:"parallelism,omitempty" json:"parallelism,omitempty"`
	Tasks       []TaskSpec `yaml:"tasks" json:"tasks"`
}

type TaskSpec struct {
	ID        string                 `yaml:"id" json:"id"`
	Ref       string                 `yaml:"ref" json:"ref"`
	Timeout   Duration               `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Retries   *int                   `yaml:"retries,omitempty" json:"retries,omitempty"`
	Condition *Condition             `yaml:"condition,omitempty" json:"condition,omitempty"`
	DependsOn []string               `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`
	Required  bool                   `yaml:"required,omitempty" json:"required,omitempty"`
	Payload   map[string]interface{} `yaml:"payload,omitempty" json:"payload,omitempty"`
}

// EffectiveTimeout resolves the task timeout against the definition defaults.
// Zero means no timeout.
func (t TaskSpec) EffectiveTimeout(d Defaults) time.Duration {
	if t.Timeout > 0 {
		return t.Timeout.Std()
	}
	return d.TaskTimeout.Std()
}

// EffectiveRetries resolves the task retry count against the definition defaults.
func (t TaskSpec) EffectiveRetries(d Defaults) int {
	if t.Retries != nil {
		return *t.Retries
	}
	return d.MaxRetries
}

// EffectiveParallelism resolves the stage parallelism cap against the defaults.
func (s Stage) EffectiveParallelism(d Defaults) int {
	if s.Parallelism > 0 {
		return s.Parallelism
	}
	if d.Parallelism > 0 {
		return d.Parallelism
	}
	return 4
}

// RequiredTasks returns the set of task ids marked required across all stages.
func (p *PipelineDefinition) RequiredTasks() map[string]bool {
	req := make(map[string]bool)
	for _, st := range p.Stages {
		for _, task := range st.Tasks {
			if task.Required {
				req[task.ID] = true
			}
		}
	}
	return req
}

// FindTask returns the spec for the given task id, or nil if absent.
func (p *PipelineDefinition) FindTask(id string) *TaskSpec {
	for si := range p.Stages {
		for ti := range p.Stages[si].Tasks {
			if p.Stages[si].Tasks[ti].ID == id {
				return &p.Stages[si].Tasks[ti]
			}
		}
	}
	return nil
}

// CompensationSpec declares one remediation action to run when a pipeline
// ends BLOCKED or FAILED.
type CompensationSpec struct {
	ID     string                 `yaml:"id" json:"id"`
	Kind   string                 `yaml:"kind" json:"kind"`
	Params map[string]interface{} `yaml:"params,omitempty" json:"params,omitempty"`
}
