package compensation

import (
	"context"
	"log"
	"time"

	"github.com/Promptonauts/gatekeeper/pkg/models"
)

// Notifier is the external collaborator that carries out a compensation
// action: open a tracking record, notify a channel, roll something back.
// The handler only cares that execution either succeeds or errors.
type Notifier interface {
	Execute(ctx context.Context, runID string, action models.CompensationAction) error
}

// LogNotifier writes actions to the process log. Default collaborator for
// local runs and tests.
type LogNotifier struct{}

func (LogNotifier) Execute(ctx context.Context, runID string, action models.CompensationAction) error {
	log.Printf("compensation: run=%s action=%s kind=%s", runID, action.ID, action.Kind)
	return nil
}

// Handler executes the declared compensation actions for a run that ended
// BLOCKED or FAILED. Each action's outcome is recorded on the run state so a
// retried compensation pass skips actions already marked executed.
type Handler struct {
	notifier Notifier
}

func NewHandler(n Notifier) *Handler {
	if n == nil {
		n = LogNotifier{}
	}
	return &Handler{notifier: n}
}

// Run seeds missing action records from the declared specs, executes every
// pending action, and records each outcome in place. It returns true when the
// state changed and needs persisting.
func (h *Handler) Run(ctx context.Context, specs []models.CompensationSpec, state *models.RunState) bool {
	changed := false

	recorded := make(map[string]int, len(state.Compensations))
	for i, action := range state.Compensations {
		recorded[action.ID] = i
	}
	for _, spec := range specs {
		if _, ok := recorded[spec.ID]; ok {
			continue
		}
		state.Compensations = append(state.Compensations, models.CompensationAction{
			ID:     spec.ID,
			Kind:   spec.Kind,
			Params: spec.Params,
		})
		recorded[spec.ID] = len(state.Compensations) - 1
		changed = true
	}

	for i := range state.Compensations {
		action := &state.Compensations[i]
		if action.Executed {
			continue
		}

		err := h.notifier.Execute(ctx, state.RunID, *action)
		now := time.Now().UTC()
		if err != nil {
			action.Error = err.Error()
		} else {
			action.Executed = true
			action.ExecutedAt = &now
			action.Error = ""
		}
		changed = true
	}

	return changed
}
