package definition

import (
	"fmt"
	"os"
	"regexp"

	"github.com/Promptonauts/gatekeeper/pkg/condition"
	"github.com/Promptonauts/gatekeeper/pkg/models"

	"gopkg.in/yaml.v3"
)

// ValidationError rejects a pipeline definition before any task executes.
// It carries every issue found, not just the first.
type ValidationError struct {
	Pipeline string
	Issues   []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("pipeline %q validation failed with %d issue(s): %v", e.Pipeline, len(e.Issues), e.Issues)
}

// Load reads a pipeline definition from a YAML file and validates it against
// the custom predicate registry.
func Load(path string, registry *condition.Registry) (*models.PipelineDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pipeline definition: %w", err)
	}
	return Parse(data, registry)
}

// Parse decodes and validates a YAML pipeline definition.
func Parse(data []byte, registry *condition.Registry) (*models.PipelineDefinition, error) {
	var def models.PipelineDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse pipeline definition: %w", err)
	}
	if err := Validate(&def, registry); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks structural correctness: unique ids, resolvable dependsOn
// references, acyclic dependencies, known operators, registered custom
// predicates, and compilable match patterns. A definition that passes here
// cannot produce a definition-shaped error at runtime.
func Validate(def *models.PipelineDefinition, registry *condition.Registry) error {
	var issues []string

	if def.Name == "" {
		issues = append(issues, "pipeline name is required")
	}
	if len(def.Stages) == 0 {
		issues = append(issues, "pipeline has no stages")
	}
	if def.Defaults.MaxRetries < 0 {
		issues = append(issues, "defaults.maxRetries must not be negative")
	}
	if def.Defaults.Parallelism < 0 {
		issues = append(issues, "defaults.parallelism must not be negative")
	}

	stageIDs := make(map[string]bool)
	taskIDs := make(map[string]bool)
	taskStage := make(map[string]int)

	for si, stage := range def.Stages {
		if stage.ID == "" {
			issues = append(issues, fmt.Sprintf("stage %d has no id", si))
			continue
		}
		if stageIDs[stage.ID] {
			issues = append(issues, fmt.Sprintf("duplicate stage id %q", stage.ID))
		}
		stageIDs[stage.ID] = true

		switch stage.Mode {
		case models.ModeSequential, models.ModeParallel, "":
		default:
			issues = append(issues, fmt.Sprintf("stage %q has unknown mode %q", stage.ID, stage.Mode))
		}

		issues = append(issues, validateCondition(stage.Condition, "stage "+stage.ID, registry)...)

		if len(stage.Tasks) == 0 {
			issues = append(issues, fmt.Sprintf("stage %q has no tasks", stage.ID))
		}

		for _, task := range stage.Tasks {
			if task.ID == "" {
				issues = append(issues, fmt.Sprintf("stage %q contains a task with no id", stage.ID))
				continue
			}
			if taskIDs[task.ID] {
				issues = append(issues, fmt.Sprintf("duplicate task id %q", task.ID))
			}
			taskIDs[task.ID] = true
			taskStage[task.ID] = si

			if task.Ref == "" {
				issues = append(issues, fmt.Sprintf("task %q has no ref", task.ID))
			}
			if task.Retries != nil && *task.Retries < 0 {
				issues = append(issues, fmt.Sprintf("task %q retries must not be negative", task.ID))
			}
			issues = append(issues, validateCondition(task.Condition, "task "+task.ID, registry)...)
		}
	}

	// dependsOn targets must exist and must not live in a later stage; the
	// engine only orders tasks within a stage, earlier stages are already done.
	for si, stage := range def.Stages {
		for _, task := range stage.Tasks {
			for _, dep := range task.DependsOn {
				depStage, ok := taskStage[dep]
				if !ok {
					issues = append(issues, fmt.Sprintf("task %q depends on unknown task %q", task.ID, dep))
					continue
				}
				if depStage > si {
					issues = append(issues, fmt.Sprintf("task %q depends on task %q in a later stage", task.ID, dep))
				}
			}
		}
		if cycle := findCycle(stage); cycle != "" {
			issues = append(issues, fmt.Sprintf("stage %q has a dependency cycle involving task %q", stage.ID, cycle))
		}
	}

	if len(issues) > 0 {
		return &ValidationError{Pipeline: def.Name, Issues: issues}
	}
	return nil
}

func validateCondition(cond *models.Condition, where string, registry *condition.Registry) []string {
	if cond == nil {
		return nil
	}
	var issues []string

	switch cond.Type {
	case models.CondAlways, models.CondNever:
	case models.CondField:
		if cond.Path == "" {
			issues = append(issues, fmt.Sprintf("%s: field condition needs a path", where))
		}
		issues = append(issues, validateOperator(cond, where)...)
	case models.CondResult:
		if cond.TaskID == "" {
			issues = append(issues, fmt.Sprintf("%s: result condition needs a taskId", where))
		}
		if cond.Field == "" {
			issues = append(issues, fmt.Sprintf("%s: result condition needs a field", where))
		}
		issues = append(issues, validateOperator(cond, where)...)
	case models.CondCustom:
		if cond.Name == "" {
			issues = append(issues, fmt.Sprintf("%s: custom condition needs a name", where))
		} else if registry != nil {
			if _, ok := registry.Resolve(cond.Name); !ok {
				issues = append(issues, fmt.Sprintf("%s: custom predicate %q is not registered", where, cond.Name))
			}
		}
	default:
		issues = append(issues, fmt.Sprintf("%s: unknown condition type %q", where, cond.Type))
	}
	return issues
}

func validateOperator(cond *models.Condition, where string) []string {
	var issues []string
	if !models.KnownOperator(cond.Operator) {
		issues = append(issues, fmt.Sprintf("%s: unknown operator %q", where, cond.Operator))
		return issues
	}
	if cond.Operator == models.OpMatches {
		pattern, ok := cond.Value.(string)
		if !ok {
			issues = append(issues, fmt.Sprintf("%s: matches operator needs a string pattern", where))
		} else if _, err := regexp.Compile(pattern); err != nil {
			issues = append(issues, fmt.Sprintf("%s: invalid match pattern %q: %v", where, pattern, err))
		}
	}
	return issues
}

// findCycle runs a depth-first check over the intra-stage dependency edges.
// Returns the id of a task on a cycle, or "" when the stage is acyclic.
func findCycle(stage models.Stage) string {
	inStage := make(map[string][]string)
	present := make(map[string]bool)
	for _, task := range stage.Tasks {
		present[task.ID] = true
	}
	for _, task := range stage.Tasks {
		for _, dep := range task.DependsOn {
			if present[dep] {
				inStage[task.ID] = append(inStage[task.ID], dep)
			}
		}
	}

	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int)

	var visit func(id string) string
	visit = func(id string) string {
		color[id] = grey
		for _, dep := range inStage[id] {
			switch color[dep] {
			case grey:
				return dep
			case white:
				if hit := visit(dep); hit != "" {
					return hit
				}
			}
		}
		color[id] = black
		return ""
	}

	for _, task := range stage.Tasks {
		if color[task.ID] == white {
			if hit := visit(task.ID); hit != "" {
				return hit
			}
		}
	}
	return ""
}
