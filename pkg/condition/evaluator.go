package condition

import (
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strings"

	"github.com/Promptonauts/gatekeeper/pkg/models"
)

// Evaluator decides whether a stage or task condition holds against the run
// context and the results produced so far. Evaluation is total and
// side-effect-free: malformed input evaluates to false with a warning, never
// an error. Absence of evidence is treated as "condition not met": a result
// predicate referencing a skipped or never-run task is false, not a failure.
type Evaluator struct {
	registry *Registry

	// Warnf receives diagnostics for type mismatches and bad regexes.
	// Defaults to log.Printf.
	Warnf func(format string, args ...interface{})
}

func NewEvaluator(registry *Registry) *Evaluator {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Evaluator{registry: registry, Warnf: log.Printf}
}

// Evaluate returns true when the condition holds. A nil condition is
// unconditional and always holds.
func (e *Evaluator) Evaluate(cond *models.Condition, ctx models.RunContext, results map[string]models.TaskResult) bool {
	if cond == nil {
		return true
	}

	switch cond.Type {
	case models.CondAlways:
		return true
	case models.CondNever:
		return false
	case models.CondField:
		return e.evalField(cond, ctx)
	case models.CondResult:
		return e.evalResult(cond, results)
	case models.CondCustom:
		p, ok := e.registry.Resolve(cond.Name)
		if !ok {
			e.warnf("condition: custom predicate %q not registered, evaluating false", cond.Name)
			return false
		}
		return p(ctx, results)
	default:
		e.warnf("condition: unknown condition type %q, evaluating false", cond.Type)
		return false
	}
}

func (e *Evaluator) evalField(cond *models.Condition, ctx models.RunContext) bool {
	actual, found := ResolvePath(ctx.Fields, cond.Path)

	switch cond.Operator {
	case models.OpExists:
		return found
	case models.OpNotExists:
		return !found
	}
	if !found {
		return false
	}
	return e.compare(cond.Operator, actual, cond.Value, "field "+cond.Path)
}

func (e *Evaluator) evalResult(cond *models.Condition, results map[string]models.TaskResult) bool {
	res, ok := results[cond.TaskID]
	if !ok || res.Status == models.TaskSkipped {
		return false
	}

	actual, found := resolveResultField(res, cond.Field)

	switch cond.Operator {
	case models.OpExists:
		return found
	case models.OpNotExists:
		return !found
	}
	if !found {
		return false
	}
	return e.compare(cond.Operator, actual, cond.Value, fmt.Sprintf("result %s.%s", cond.TaskID, cond.Field))
}

// resolveResultField maps well-known field names onto the result record and
// falls through to the payload for dotted paths.
func resolveResultField(res models.TaskResult, field string) (interface{}, bool) {
	switch field {
	case "status":
		return string(res.Status), true
	case "severity":
		return string(res.Severity), true
	case "retryCount":
		return res.RetryCount, true
	case "reason":
		return res.Reason, true
	}
	path := field
	if strings.HasPrefix(path, "payload.") {
		path = strings.TrimPrefix(path, "payload.")
	}
	return ResolvePath(res.Payload, path)
}

// ResolvePath walks a dotted path through nested string-keyed maps.
func ResolvePath(fields map[string]interface{}, path string) (interface{}, bool) {
	if fields == nil || path == "" {
		return nil, false
	}

	parts := strings.Split(path, ".")
	var current interface{} = fields
	for _, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// compare applies the operator to actual and expected. Type mismatches and
// unsupported operators evaluate to false with a warning.
func (e *Evaluator) compare(op models.Operator, actual, expected interface{}, where string) bool {
	switch op {
	case models.OpEq:
		eq, ok := valuesEqual(actual, expected)
		if !ok {
			e.warnf("condition: type mismatch comparing %s (%T vs %T)", where, actual, expected)
			return false
		}
		return eq
	case models.OpNe:
		eq, ok := valuesEqual(actual, expected)
		if !ok {
			e.warnf("condition: type mismatch comparing %s (%T vs %T)", where, actual, expected)
			return false
		}
		return !eq
	case models.OpGt, models.OpLt:
		return e.compareOrdered(op, actual, expected, where)
	case models.OpContains:
		return e.compareContains(actual, expected, where)
	case models.OpMatches:
		return e.compareMatches(actual, expected, where)
	default:
		e.warnf("condition: unknown operator %q at %s", op, where)
		return false
	}
}

func (e *Evaluator) compareOrdered(op models.Operator, actual, expected interface{}, where string) bool {
	if an, aok := toFloat(actual); aok {
		if en, eok := toFloat(expected); eok {
			if op == models.OpGt {
				return an > en
			}
			return an < en
		}
	}
	as, aok := actual.(string)
	es, eok := expected.(string)
	if aok && eok {
		if op == models.OpGt {
			return as > es
		}
		return as < es
	}
	e.warnf("condition: cannot order %s (%T vs %T)", where, actual, expected)
	return false
}

func (e *Evaluator) compareContains(actual, expected interface{}, where string) bool {
	switch v := actual.(type) {
	case string:
		if sub, ok := expected.(string); ok {
			return strings.Contains(v, sub)
		}
	case []string:
		for _, item := range v {
			if eq, ok := valuesEqual(item, expected); ok && eq {
				return true
			}
		}
		return false
	case []interface{}:
		for _, item := range v {
			if eq, ok := valuesEqual(item, expected); ok && eq {
				return true
			}
		}
		return false
	}
	e.warnf("condition: contains needs a string or list at %s, got %T", where, actual)
	return false
}

func (e *Evaluator) compareMatches(actual, expected interface{}, where string) bool {
	s, sok := actual.(string)
	pattern, pok := expected.(string)
	if !sok || !pok {
		e.warnf("condition: matches needs string operands at %s (%T vs %T)", where, actual, expected)
		return false
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		e.warnf("condition: invalid regex %q at %s: %v", pattern, where, err)
		return false
	}
	return re.MatchString(s)
}

// valuesEqual compares two values, coercing numerics so YAML ints and JSON
// floats compare as equals. The second return is false on a type mismatch.
func valuesEqual(a, b interface{}) (equal bool, comparable bool) {
	if an, aok := toFloat(a); aok {
		if bn, bok := toFloat(b); bok {
			return an == bn, true
		}
		return false, false
	}
	switch av := a.(type) {
	case string:
		bv, ok := b.(string)
		if !ok {
			return false, false
		}
		return av == bv, true
	case bool:
		bv, ok := b.(bool)
		if !ok {
			return false, false
		}
		return av == bv, true
	case nil:
		return b == nil, true
	}
	return false, false
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}

func (e *Evaluator) warnf(format string, args ...interface{}) {
	if e.Warnf != nil {
		e.Warnf(format, args...)
	}
}
