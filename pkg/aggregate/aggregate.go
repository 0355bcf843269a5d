package aggregate

import (
	"fmt"
	"sort"

	"github.com/Promptonauts/gatekeeper/pkg/models"
)

// Mode selects how the overall severity is derived from individual results.
type Mode string

const (
	ModeMax      Mode = "max"
	ModeWeighted Mode = "weighted"
)

// Level maps a weighted score range onto an overall severity.
type Level struct {
	MinScore float64         `yaml:"minScore" json:"minScore"`
	Severity models.Severity `yaml:"severity" json:"severity"`
}

// Config is pure aggregation configuration. Weights and levels only apply in
// weighted mode.
type Config struct {
	Mode    Mode                        `yaml:"mode" json:"mode"`
	Weights map[models.Severity]float64 `yaml:"weights,omitempty" json:"weights,omitempty"`
	Levels  []Level                     `yaml:"levels,omitempty" json:"levels,omitempty"`
}

// DefaultConfig aggregates by maximum severity.
func DefaultConfig() Config {
	return Config{Mode: ModeMax}
}

// DefaultWeightedConfig carries tunable starting weights for weighted-sum mode.
func DefaultWeightedConfig() Config {
	return Config{
		Mode: ModeWeighted,
		Weights: map[models.Severity]float64{
			models.SeverityLow:      1,
			models.SeverityMedium:   3,
			models.SeverityHigh:     7,
			models.SeverityCritical: 15,
		},
		Levels: []Level{
			{MinScore: 1, Severity: models.SeverityLow},
			{MinScore: 3, Severity: models.SeverityMedium},
			{MinScore: 7, Severity: models.SeverityHigh},
			{MinScore: 15, Severity: models.SeverityCritical},
		},
	}
}

// Aggregator reduces a run's TaskResult set into an AggregatedResult. The
// reduction is pure and recomputed from scratch on every call, never
// incrementally mutated, so it stays consistent after resumption or partial
// replays.
type Aggregator struct {
	cfg Config
}

func New(cfg Config) *Aggregator {
	if cfg.Mode == "" {
		cfg.Mode = ModeMax
	}
	return &Aggregator{cfg: cfg}
}

// Aggregate computes the overall severity, per-severity counts, and blocking
// flags. Skipped results carry no findings and are excluded everywhere.
// blockingThreshold comes from the decision policy; a result at or above it
// marks the run as having blocking issues.
func (a *Aggregator) Aggregate(results map[string]models.TaskResult, required map[string]bool, blockingThreshold models.Severity) models.AggregatedResult {
	agg := models.AggregatedResult{
		OverallSeverity: models.SeverityNone,
		Counts:          make(map[models.Severity]int),
	}

	ids := make([]string, 0, len(results))
	for id := range results {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	score := 0.0
	for _, id := range ids {
		res := results[id]
		if res.Status == models.TaskSkipped {
			continue
		}

		agg.Counts[res.Severity]++
		score += a.cfg.Weights[res.Severity]
		if res.Severity.Rank() > agg.OverallSeverity.Rank() {
			agg.OverallSeverity = res.Severity
		}

		if res.Status == models.TaskFailure || res.Status == models.TaskTimeout {
			if required[id] {
				agg.FailedRequired = append(agg.FailedRequired, id)
			} else {
				agg.Warnings = append(agg.Warnings, fmt.Sprintf("task %s ended %s: %s", id, res.Status, res.Reason))
			}
		}
		if blockingThreshold != "" && blockingThreshold != models.SeverityNone && res.Severity.AtLeast(blockingThreshold) {
			agg.AboveThreshold = append(agg.AboveThreshold, id)
		}
	}

	if a.cfg.Mode == ModeWeighted {
		agg.OverallSeverity = a.severityForScore(score)
	}

	agg.BlockingIssuesFound = len(agg.FailedRequired) > 0 || len(agg.AboveThreshold) > 0
	return agg
}

// severityForScore picks the highest level whose minimum the score reaches.
func (a *Aggregator) severityForScore(score float64) models.Severity {
	overall := models.SeverityNone
	for _, level := range a.cfg.Levels {
		if score >= level.MinScore && level.Severity.Rank() > overall.Rank() {
			overall = level.Severity
		}
	}
	return overall
}
