package compensation

import (
	"context"
	"errors"
	"testing"

	"github.com/Promptonauts/gatekeeper/pkg/models"
)

type countingNotifier struct {
	calls map[string]int
	fail  map[string]bool
}

func newCountingNotifier() *countingNotifier {
	return &countingNotifier{calls: make(map[string]int), fail: make(map[string]bool)}
}

func (n *countingNotifier) Execute(ctx context.Context, runID string, action models.CompensationAction) error {
	n.calls[action.ID]++
	if n.fail[action.ID] {
		return errors.New("downstream unavailable")
	}
	return nil
}

func specs() []models.CompensationSpec {
	return []models.CompensationSpec{
		{ID: "notify", Kind: "notify", Params: map[string]interface{}{"channel": "review-alerts"}},
		{ID: "ticket", Kind: "ticket"},
	}
}

func TestRunExecutesAllActionsOnce(t *testing.T) {
	notifier := newCountingNotifier()
	h := NewHandler(notifier)
	state := &models.RunState{RunID: "r1", Status: models.RunBlocked}

	if !h.Run(context.Background(), specs(), state) {
		t.Fatal("first pass should report a state change")
	}
	if notifier.calls["notify"] != 1 || notifier.calls["ticket"] != 1 {
		t.Errorf("calls = %v, want one each", notifier.calls)
	}
	for _, action := range state.Compensations {
		if !action.Executed || action.ExecutedAt == nil {
			t.Errorf("action %s not marked executed", action.ID)
		}
	}
}

func TestRunIsIdempotentAcrossReplays(t *testing.T) {
	notifier := newCountingNotifier()
	h := NewHandler(notifier)
	state := &models.RunState{RunID: "r1", Status: models.RunBlocked}

	h.Run(context.Background(), specs(), state)
	if h.Run(context.Background(), specs(), state) {
		t.Error("replay over fully executed actions should not change state")
	}
	if notifier.calls["notify"] != 1 || notifier.calls["ticket"] != 1 {
		t.Errorf("replay re-executed actions: %v", notifier.calls)
	}
}

func TestRunRetriesOnlyFailedActions(t *testing.T) {
	notifier := newCountingNotifier()
	notifier.fail["ticket"] = true
	h := NewHandler(notifier)
	state := &models.RunState{RunID: "r1", Status: models.RunFailed}

	h.Run(context.Background(), specs(), state)

	var ticket *models.CompensationAction
	for i := range state.Compensations {
		if state.Compensations[i].ID == "ticket" {
			ticket = &state.Compensations[i]
		}
	}
	if ticket == nil || ticket.Executed {
		t.Fatal("failed action must stay pending")
	}
	if ticket.Error == "" {
		t.Error("failed action should record its error")
	}

	notifier.fail["ticket"] = false
	h.Run(context.Background(), specs(), state)

	if notifier.calls["notify"] != 1 {
		t.Errorf("already executed action re-ran: %d calls", notifier.calls["notify"])
	}
	if notifier.calls["ticket"] != 2 {
		t.Errorf("pending action should be retried, got %d calls", notifier.calls["ticket"])
	}
	if !ticket.Executed || ticket.Error != "" {
		t.Errorf("retried action not cleaned up: %+v", *ticket)
	}
}
