package decision

import (
	"fmt"
	"os"
	"sort"

	"github.com/Promptonauts/gatekeeper/pkg/models"

	"gopkg.in/yaml.v3"
)

// Machine-readable reason codes carried by every decision.
const (
	ReasonOverride         = "override_applied"
	ReasonBlockingIssues   = "blocking_issues_found"
	ReasonSeverityExceeded = "severity_count_exceeded"
	ReasonClean            = "no_blocking_issues"
)

// LoadPolicy reads a DecisionPolicy from a YAML file.
func LoadPolicy(path string) (models.DecisionPolicy, error) {
	var policy models.DecisionPolicy
	data, err := os.ReadFile(path)
	if err != nil {
		return policy, fmt.Errorf("read decision policy: %w", err)
	}
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return policy, fmt.Errorf("parse decision policy: %w", err)
	}
	return policy, nil
}

// Decide applies the policy to an aggregated result. Evaluation order:
// override labels short-circuit to ADMIT, then blocking issues and severity
// count ceilings BLOCK, otherwise ADMIT. The returned decision always names
// its reason code and the contributing factors.
func Decide(agg models.AggregatedResult, policy models.DecisionPolicy, ctx models.RunContext) models.Decision {
	if label, ok := matchOverride(ctx.Labels(), policy.OverrideLabels); ok {
		return models.Decision{
			Outcome:    models.DecisionAdmit,
			ReasonCode: ReasonOverride,
			Reason:     fmt.Sprintf("override applied via label %q", label),
			Factors:    []string{"label:" + label},
		}
	}

	if agg.BlockingIssuesFound {
		var factors []string
		for _, id := range agg.FailedRequired {
			factors = append(factors, "required-task-failed:"+id)
		}
		for _, id := range agg.AboveThreshold {
			factors = append(factors, "severity-threshold:"+id)
		}
		return models.Decision{
			Outcome:    models.DecisionBlock,
			ReasonCode: ReasonBlockingIssues,
			Reason:     fmt.Sprintf("blocking issues found (%d contributing factor(s))", len(factors)),
			Factors:    factors,
		}
	}

	if sev, count, max, ok := exceededCeiling(agg.Counts, policy.MaxBySeverity); ok {
		return models.Decision{
			Outcome:    models.DecisionBlock,
			ReasonCode: ReasonSeverityExceeded,
			Reason:     fmt.Sprintf("severity %s count %d exceeds configured maximum %d", sev, count, max),
			Factors:    []string{fmt.Sprintf("severity-count:%s:%d>%d", sev, count, max)},
		}
	}

	return models.Decision{
		Outcome:    models.DecisionAdmit,
		ReasonCode: ReasonClean,
		Reason:     "no blocking issues",
	}
}

func matchOverride(labels, allowed []string) (string, bool) {
	if len(labels) == 0 || len(allowed) == 0 {
		return "", false
	}
	allowSet := make(map[string]bool, len(allowed))
	for _, l := range allowed {
		allowSet[l] = true
	}
	for _, l := range labels {
		if allowSet[l] {
			return l, true
		}
	}
	return "", false
}

// exceededCeiling finds the most severe ceiling violation, checked in
// descending severity order for a deterministic reason.
func exceededCeiling(counts map[models.Severity]int, ceilings map[models.Severity]int) (models.Severity, int, int, bool) {
	if len(ceilings) == 0 {
		return "", 0, 0, false
	}

	ordered := make([]models.Severity, 0, len(ceilings))
	for sev := range ceilings {
		ordered = append(ordered, sev)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].Rank() > ordered[j].Rank() })

	for _, sev := range ordered {
		if counts[sev] > ceilings[sev] {
			return sev, counts[sev], ceilings[sev], true
		}
	}
	return "", 0, 0, false
}
