package engine

import (
	"github.com/Promptonauts/gatekeeper/pkg/models"
)

// partitionWaves splits a stage's tasks into dependency-respecting waves.
// A task joins the earliest wave in which every dependsOn target either lives
// in an earlier wave, already has a recorded result, or belongs to an earlier
// stage. Declared order is preserved inside each wave. Definitions are
// validated acyclic before a run starts, so layering always terminates.
func partitionWaves(tasks []models.TaskSpec, results map[string]models.TaskResult) [][]models.TaskSpec {
	inStage := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		inStage[t.ID] = true
	}

	placed := make(map[string]bool, len(tasks))
	var waves [][]models.TaskSpec

	remaining := make([]models.TaskSpec, len(tasks))
	copy(remaining, tasks)

	for len(remaining) > 0 {
		var wave []models.TaskSpec
		var deferred []models.TaskSpec

		for _, t := range remaining {
			ready := true
			for _, dep := range t.DependsOn {
				if !inStage[dep] {
					continue // earlier stage, already complete
				}
				if _, done := results[dep]; done {
					continue
				}
				if !placed[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, t)
			} else {
				deferred = append(deferred, t)
			}
		}

		if len(wave) == 0 {
			// Unsatisfiable dependencies; validation prevents this, but a
			// stalled layering must not loop forever.
			return append(waves, remaining)
		}

		for _, t := range wave {
			placed[t.ID] = true
		}
		waves = append(waves, wave)
		remaining = deferred
	}

	return waves
}
