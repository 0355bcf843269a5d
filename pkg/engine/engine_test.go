package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Promptonauts/gatekeeper/pkg/compensation"
	"github.com/Promptonauts/gatekeeper/pkg/condition"
	"github.com/Promptonauts/gatekeeper/pkg/decision"
	"github.com/Promptonauts/gatekeeper/pkg/invoker"
	"github.com/Promptonauts/gatekeeper/pkg/models"
	"github.com/Promptonauts/gatekeeper/pkg/observability"
	"github.com/Promptonauts/gatekeeper/pkg/store"
)

// countingInvoker wraps a FuncInvoker and counts invocations per ref, so
// tests can assert that resumption and replays never re-invoke tasks.
type countingInvoker struct {
	inner *invoker.FuncInvoker
	mu    sync.Mutex
	calls map[string]int
}

func newCountingInvoker() *countingInvoker {
	return &countingInvoker{inner: invoker.NewFuncInvoker(), calls: make(map[string]int)}
}

func (c *countingInvoker) Invoke(ctx context.Context, ref, key string, payload map[string]interface{}, timeout time.Duration) (*invoker.Response, error) {
	c.mu.Lock()
	c.calls[ref]++
	c.mu.Unlock()
	return c.inner.Invoke(ctx, ref, key, payload, timeout)
}

func (c *countingInvoker) count(ref string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[ref]
}

func succeed(sev models.Severity) invoker.TaskFunc {
	return func(ctx context.Context, key string, payload map[string]interface{}) (*invoker.Response, error) {
		return &invoker.Response{Status: models.TaskSuccess, Severity: sev}, nil
	}
}

func fail(reason string) invoker.TaskFunc {
	return func(ctx context.Context, key string, payload map[string]interface{}) (*invoker.Response, error) {
		return &invoker.Response{Status: models.TaskFailure, Severity: models.SeverityNone, Reason: reason}, nil
	}
}

func testEngine(def *models.PipelineDefinition, inv invoker.Invoker, policy models.DecisionPolicy, notifier compensation.Notifier) (*Engine, *store.MemoryStore) {
	st := store.NewMemoryStore()
	eng := New(Options{
		Store:       st,
		Invoker:     inv,
		Definitions: StaticDefinitions{def.Name: def},
		Registry:    condition.NewRegistry(),
		Policy:      policy,
		Notifier:    notifier,
		Config: Config{
			Owner:   "test-engine",
			Backoff: BackoffConfig{InitialDelay: time.Millisecond, Factor: 1, MaxDelay: time.Millisecond},
		},
	})
	return eng, st
}

func defaultPolicy() models.DecisionPolicy {
	return models.DecisionPolicy{BlockingThreshold: models.SeverityHigh}
}

func intPtr(n int) *int { return &n }

func mustRun(t *testing.T, eng *Engine, pipeline string, fields map[string]interface{}) *models.RunState {
	t.Helper()
	runID, err := eng.CreateRun(pipeline, models.RunContext{Fields: fields})
	if err != nil {
		t.Fatalf("create run: %v", err)
	}
	state, err := eng.Execute(context.Background(), runID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	return state
}

func TestCleanRunAdmits(t *testing.T) {
	inv := newCountingInvoker()
	inv.inner.Register("lint", succeed(models.SeverityLow))
	inv.inner.Register("secrets", succeed(models.SeverityNone))
	inv.inner.Register("report", succeed(models.SeverityNone))
	inv.inner.Register("summarize", succeed(models.SeverityNone))

	def := &models.PipelineDefinition{
		Name: "code-review",
		Stages: []models.Stage{
			{ID: "checks", Mode: models.ModeParallel, Tasks: []models.TaskSpec{
				{ID: "lint", Ref: "lint", Required: true},
				{ID: "secrets", Ref: "secrets", Required: true},
				{ID: "report", Ref: "report", DependsOn: []string{"lint", "secrets"}},
			}},
			{ID: "summary", Mode: models.ModeSequential, Tasks: []models.TaskSpec{
				{ID: "summarize", Ref: "summarize"},
			}},
		},
	}
	eng, st := testEngine(def, inv, defaultPolicy(), nil)

	state := mustRun(t, eng, "code-review", map[string]interface{}{"change": "c-1"})

	if state.Status != models.RunAdmitted {
		t.Fatalf("status = %s, want ADMITTED (reason: %s)", state.Status, state.Reason)
	}
	if state.Decision == nil || state.Decision.ReasonCode != decision.ReasonClean {
		t.Errorf("decision = %+v", state.Decision)
	}
	if len(state.Results) != 4 {
		t.Errorf("results = %d, want 4", len(state.Results))
	}
	for id, res := range state.Results {
		if res.Status != models.TaskSuccess {
			t.Errorf("task %s = %s", id, res.Status)
		}
	}
	for _, ref := range []string{"lint", "secrets", "report", "summarize"} {
		if inv.count(ref) != 1 {
			t.Errorf("ref %s invoked %d times", ref, inv.count(ref))
		}
	}

	persisted, err := st.Get(state.RunID)
	if err != nil || persisted.Status != models.RunAdmitted {
		t.Errorf("persisted state = %+v, err %v", persisted, err)
	}
	if events := eng.Bus().RunEvents(state.RunID, observability.EventRunDecided, ""); len(events) != 1 {
		t.Errorf("decided events = %d, want 1", len(events))
	}
}

func TestStageConditionOnAbsentFieldSkipsStage(t *testing.T) {
	inv := newCountingInvoker()
	inv.inner.Register("lint", succeed(models.SeverityNone))
	inv.inner.Register("security", succeed(models.SeverityCritical))

	def := &models.PipelineDefinition{
		Name: "conditional",
		Stages: []models.Stage{
			{ID: "checks", Tasks: []models.TaskSpec{{ID: "lint", Ref: "lint"}}},
			{
				ID: "deep-scan",
				Condition: &models.Condition{
					Type: models.CondField, Path: "change.files",
					Operator: models.OpGt, Value: 50,
				},
				Tasks: []models.TaskSpec{{ID: "security", Ref: "security", Required: true}},
			},
		},
	}
	eng, _ := testEngine(def, inv, defaultPolicy(), nil)

	// change.files is absent: the predicate evaluates false, never errors.
	state := mustRun(t, eng, "conditional", map[string]interface{}{"change": "c-2"})

	if state.Status != models.RunAdmitted {
		t.Fatalf("status = %s, want ADMITTED", state.Status)
	}
	if res, ok := state.Results["security"]; !ok || res.Status != models.TaskSkipped {
		t.Errorf("security result = %+v", res)
	}
	if inv.count("security") != 0 {
		t.Errorf("skipped task was invoked %d times", inv.count("security"))
	}
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []string
}

func (n *recordingNotifier) Execute(ctx context.Context, runID string, action models.CompensationAction) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, action.ID)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}

func TestFailFastTruncatesAndCompensatesOnce(t *testing.T) {
	inv := newCountingInvoker()
	inv.inner.Register("lint", fail("unfixable findings"))
	inv.inner.Register("summarize", succeed(models.SeverityNone))
	notifier := &recordingNotifier{}

	def := &models.PipelineDefinition{
		Name:     "strict",
		Defaults: models.Defaults{FailFast: true},
		Stages: []models.Stage{
			{ID: "checks", Tasks: []models.TaskSpec{{ID: "lint", Ref: "lint", Required: true}}},
			{ID: "summary", Tasks: []models.TaskSpec{{ID: "summarize", Ref: "summarize"}}},
		},
		Compensation: []models.CompensationSpec{{ID: "notify", Kind: "notify"}},
	}
	eng, _ := testEngine(def, inv, defaultPolicy(), notifier)

	state := mustRun(t, eng, "strict", nil)

	if state.Status != models.RunBlocked {
		t.Fatalf("status = %s, want BLOCKED", state.Status)
	}
	if !strings.HasPrefix(state.Reason, "stage truncated by fail-fast") {
		t.Errorf("reason = %q", state.Reason)
	}
	if inv.count("summarize") != 0 {
		t.Errorf("later stage ran despite fail-fast: %d invocations", inv.count("summarize"))
	}
	if state.Decision == nil || state.Decision.ReasonCode != decision.ReasonBlockingIssues {
		t.Errorf("decision = %+v", state.Decision)
	}
	foundFactor := false
	for _, f := range state.Decision.Factors {
		if f == "required-task-failed:lint" {
			foundFactor = true
		}
	}
	if !foundFactor {
		t.Errorf("factors = %v", state.Decision.Factors)
	}
	if notifier.count() != 1 {
		t.Fatalf("compensation executed %d times, want 1", notifier.count())
	}

	// Re-executing a terminal run must not re-run compensation.
	if _, err := eng.Execute(context.Background(), state.RunID); err != nil {
		t.Fatalf("re-execute: %v", err)
	}
	if notifier.count() != 1 {
		t.Errorf("compensation re-ran on terminal replay: %d", notifier.count())
	}
}

func TestNonRequiredTimeoutStillAdmits(t *testing.T) {
	inv := newCountingInvoker()
	inv.inner.Register("lint", succeed(models.SeverityNone))
	inv.inner.Register("slow", func(ctx context.Context, key string, payload map[string]interface{}) (*invoker.Response, error) {
		select {
		case <-time.After(500 * time.Millisecond):
			return &invoker.Response{Status: models.TaskSuccess}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	def := &models.PipelineDefinition{
		Name: "timeouts",
		Stages: []models.Stage{
			{ID: "checks", Tasks: []models.TaskSpec{
				{ID: "lint", Ref: "lint", Required: true},
				{ID: "slow", Ref: "slow", Timeout: models.Duration(20 * time.Millisecond), Retries: intPtr(0)},
			}},
		},
	}
	eng, _ := testEngine(def, inv, defaultPolicy(), nil)

	state := mustRun(t, eng, "timeouts", nil)

	if state.Status != models.RunAdmitted {
		t.Fatalf("status = %s, want ADMITTED (reason %s)", state.Status, state.Reason)
	}
	res := state.Results["slow"]
	if res.Status != models.TaskTimeout {
		t.Errorf("slow result = %s, want TIMEOUT", res.Status)
	}
	if !strings.Contains(res.Reason, "timed out") {
		t.Errorf("reason = %q", res.Reason)
	}
}

func TestRetriesThenSucceeds(t *testing.T) {
	inv := newCountingInvoker()
	attempts := 0
	var mu sync.Mutex
	inv.inner.Register("flaky", func(ctx context.Context, key string, payload map[string]interface{}) (*invoker.Response, error) {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return nil, errors.New("connection reset")
		}
		return &invoker.Response{Status: models.TaskSuccess, Severity: models.SeverityNone}, nil
	})

	def := &models.PipelineDefinition{
		Name:     "retries",
		Defaults: models.Defaults{MaxRetries: 3},
		Stages: []models.Stage{
			{ID: "checks", Tasks: []models.TaskSpec{{ID: "flaky", Ref: "flaky", Required: true}}},
		},
	}
	eng, _ := testEngine(def, inv, defaultPolicy(), nil)

	state := mustRun(t, eng, "retries", nil)

	if state.Status != models.RunAdmitted {
		t.Fatalf("status = %s, want ADMITTED", state.Status)
	}
	res := state.Results["flaky"]
	if res.Status != models.TaskSuccess || res.RetryCount != 2 || res.Attempt != 3 {
		t.Errorf("flaky result = %+v, want SUCCESS after 2 retries", res)
	}
}

func TestSuspendAndResumeWithoutDuplicateInvocations(t *testing.T) {
	inv := newCountingInvoker()
	inv.inner.Register("lint", succeed(models.SeverityNone))
	inv.inner.Register("finalize", succeed(models.SeverityNone))

	def := &models.PipelineDefinition{
		Name: "approval-flow",
		Stages: []models.Stage{
			{ID: "checks", Tasks: []models.TaskSpec{{ID: "lint", Ref: "lint", Required: true}}},
			{ID: "approval", Tasks: []models.TaskSpec{{ID: "approval", Ref: "wait", Required: true}}},
			{ID: "final", Tasks: []models.TaskSpec{{ID: "finalize", Ref: "finalize"}}},
		},
	}
	eng, _ := testEngine(def, inv, defaultPolicy(), nil)

	runID, err := eng.CreateRun("approval-flow", models.RunContext{})
	if err != nil {
		t.Fatal(err)
	}

	state, err := eng.Execute(context.Background(), runID)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	if state.Status != models.RunRunning {
		t.Fatalf("suspended run status = %s, want RUNNING", state.Status)
	}
	if inv.count("finalize") != 0 {
		t.Error("stage after the suspension point ran early")
	}
	if events := eng.Bus().RunEvents(runID, observability.EventTaskSuspended, "approval"); len(events) != 1 {
		t.Errorf("suspended events = %d, want 1", len(events))
	}

	if err := eng.ResumeSignal(runID, models.TaskResult{TaskID: "approval"}); err != nil {
		t.Fatalf("resume signal: %v", err)
	}
	// A duplicate signal for the same task is a no-op, not an error.
	if err := eng.ResumeSignal(runID, models.TaskResult{TaskID: "approval", Status: models.TaskFailure}); err != nil {
		t.Fatalf("duplicate resume signal: %v", err)
	}

	state, err = eng.Execute(context.Background(), runID)
	if err != nil {
		t.Fatalf("resumed execute: %v", err)
	}
	if state.Status != models.RunAdmitted {
		t.Fatalf("status = %s, want ADMITTED (reason %s)", state.Status, state.Reason)
	}

	approval := state.Results["approval"]
	if approval.Status != models.TaskSuccess {
		t.Errorf("duplicate signal overwrote the recorded result: %+v", approval)
	}
	if inv.count("lint") != 1 || inv.count("wait") != 1 || inv.count("finalize") != 1 {
		t.Errorf("invocation counts: lint=%d wait=%d finalize=%d, want 1 each",
			inv.count("lint"), inv.count("wait"), inv.count("finalize"))
	}
}

func TestResumeSignalValidation(t *testing.T) {
	inv := newCountingInvoker()
	def := &models.PipelineDefinition{
		Name: "p",
		Stages: []models.Stage{
			{ID: "s", Tasks: []models.TaskSpec{{ID: "approval", Ref: "wait"}}},
		},
	}
	eng, _ := testEngine(def, inv, defaultPolicy(), nil)

	runID, err := eng.CreateRun("p", models.RunContext{})
	if err != nil {
		t.Fatal(err)
	}

	if err := eng.ResumeSignal(runID, models.TaskResult{}); err == nil {
		t.Error("signal without a taskId should fail")
	}
	if err := eng.ResumeSignal(runID, models.TaskResult{TaskID: "ghost"}); err == nil {
		t.Error("signal for an unknown task should fail")
	}
	if err := eng.ResumeSignal("missing-run", models.TaskResult{TaskID: "approval"}); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("signal for a missing run: %v", err)
	}
}

func TestOverrideLabelAdmitsDespiteRequiredFailure(t *testing.T) {
	inv := newCountingInvoker()
	inv.inner.Register("lint", fail("findings"))

	def := &models.PipelineDefinition{
		Name: "override",
		Stages: []models.Stage{
			{ID: "checks", Tasks: []models.TaskSpec{{ID: "lint", Ref: "lint", Required: true}}},
		},
	}
	policy := defaultPolicy()
	policy.OverrideLabels = []string{"emergency-override"}
	eng, _ := testEngine(def, inv, policy, nil)

	state := mustRun(t, eng, "override", map[string]interface{}{
		"labels": []interface{}{"emergency-override"},
	})

	if state.Status != models.RunAdmitted {
		t.Fatalf("status = %s, want ADMITTED via override", state.Status)
	}
	if state.Decision.ReasonCode != decision.ReasonOverride {
		t.Errorf("reason code = %s", state.Decision.ReasonCode)
	}
	if len(state.Decision.Factors) != 1 || state.Decision.Factors[0] != "label:emergency-override" {
		t.Errorf("factors = %v", state.Decision.Factors)
	}
}

func TestCancelBeforeExecution(t *testing.T) {
	inv := newCountingInvoker()
	inv.inner.Register("lint", succeed(models.SeverityNone))

	def := &models.PipelineDefinition{
		Name: "cancellable",
		Stages: []models.Stage{
			{ID: "checks", Tasks: []models.TaskSpec{{ID: "lint", Ref: "lint"}}},
		},
	}
	eng, _ := testEngine(def, inv, defaultPolicy(), nil)

	runID, err := eng.CreateRun("cancellable", models.RunContext{})
	if err != nil {
		t.Fatal(err)
	}
	if err := eng.CancelRun(runID, "change withdrawn"); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	state, err := eng.Execute(context.Background(), runID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if state.Status != models.RunCancelled {
		t.Fatalf("status = %s, want CANCELLED", state.Status)
	}
	if state.Reason != "change withdrawn" {
		t.Errorf("reason = %q", state.Reason)
	}
	if inv.count("lint") != 0 {
		t.Errorf("task ran on a cancelled run: %d invocations", inv.count("lint"))
	}

	if err := eng.CancelRun(runID, "again"); err == nil {
		t.Error("cancelling a terminal run should fail")
	}
}

func TestReconcilePicksUpOrphanedRuns(t *testing.T) {
	inv := newCountingInvoker()
	inv.inner.Register("lint", succeed(models.SeverityNone))

	def := &models.PipelineDefinition{
		Name: "orphaned",
		Stages: []models.Stage{
			{ID: "checks", Tasks: []models.TaskSpec{{ID: "lint", Ref: "lint"}}},
		},
	}
	eng, st := testEngine(def, inv, defaultPolicy(), nil)

	runID, err := eng.CreateRun("orphaned", models.RunContext{})
	if err != nil {
		t.Fatal(err)
	}

	n, err := eng.Reconcile(context.Background())
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if n != 1 {
		t.Errorf("resumed %d runs, want 1", n)
	}

	state, err := st.Get(runID)
	if err != nil {
		t.Fatal(err)
	}
	if !state.Status.Terminal() {
		t.Errorf("reconciled run not driven to a terminal state: %s", state.Status)
	}
}

func TestCorruptedStateFailsRun(t *testing.T) {
	inv := newCountingInvoker()
	def := &models.PipelineDefinition{
		Name: "p",
		Stages: []models.Stage{
			{ID: "s", Tasks: []models.TaskSpec{{ID: "t", Ref: "noop"}}},
		},
	}
	eng, st := testEngine(def, inv, defaultPolicy(), nil)

	runID, err := eng.CreateRun("p", models.RunContext{})
	if err != nil {
		t.Fatal(err)
	}
	st.Corrupt(runID)

	if _, err := eng.Execute(context.Background(), runID); !errors.Is(err, store.ErrCorrupted) {
		t.Fatalf("expected ErrCorrupted, got %v", err)
	}

	state, err := st.Get(runID)
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != models.RunFailed {
		t.Errorf("corrupted run status = %s, want FAILED", state.Status)
	}
}

// leaseCountingStore wraps MemoryStore to observe lease claims and optionally
// deny renewals after a number of successful ones.
type leaseCountingStore struct {
	*store.MemoryStore
	mu        sync.Mutex
	claims    int
	denyAfter int
}

func (s *leaseCountingStore) LeaseClaim(runID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	s.claims++
	deny := s.denyAfter > 0 && s.claims > s.denyAfter
	s.mu.Unlock()
	if deny {
		return fmt.Errorf("run %s: %w", runID, store.ErrLeaseDenied)
	}
	return s.MemoryStore.LeaseClaim(runID, owner, ttl)
}

func (s *leaseCountingStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.claims
}

func TestLeaseRenewedDuringLongWave(t *testing.T) {
	inv := newCountingInvoker()
	inv.inner.Register("long", func(ctx context.Context, key string, payload map[string]interface{}) (*invoker.Response, error) {
		time.Sleep(120 * time.Millisecond)
		return &invoker.Response{Status: models.TaskSuccess}, nil
	})

	def := &models.PipelineDefinition{
		Name: "long-wave",
		Stages: []models.Stage{
			{ID: "checks", Tasks: []models.TaskSpec{{ID: "long", Ref: "long", Required: true}}},
		},
	}

	st := &leaseCountingStore{MemoryStore: store.NewMemoryStore()}
	eng := New(Options{
		Store:       st,
		Invoker:     inv,
		Definitions: StaticDefinitions{def.Name: def},
		Registry:    condition.NewRegistry(),
		Policy:      defaultPolicy(),
		Config: Config{
			Owner:    "test-engine",
			LeaseTTL: 20 * time.Millisecond,
			Backoff:  BackoffConfig{InitialDelay: time.Millisecond, Factor: 1, MaxDelay: time.Millisecond},
		},
	})

	state := mustRun(t, eng, "long-wave", nil)
	if state.Status != models.RunAdmitted {
		t.Fatalf("status = %s", state.Status)
	}
	// A wave longer than the TTL must renew, not just the initial claim.
	if st.count() < 2 {
		t.Errorf("lease claimed %d time(s), expected renewals during the wave", st.count())
	}
}

func TestLostLeaseStopsDispatch(t *testing.T) {
	inv := newCountingInvoker()
	inv.inner.Register("blocked", func(ctx context.Context, key string, payload map[string]interface{}) (*invoker.Response, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	inv.inner.Register("next", succeed(models.SeverityNone))

	def := &models.PipelineDefinition{
		Name: "lease-lost",
		Stages: []models.Stage{
			{ID: "first", Tasks: []models.TaskSpec{{ID: "a", Ref: "blocked"}}},
			{ID: "second", Tasks: []models.TaskSpec{{ID: "b", Ref: "next"}}},
		},
	}

	st := &leaseCountingStore{MemoryStore: store.NewMemoryStore(), denyAfter: 1}
	eng := New(Options{
		Store:       st,
		Invoker:     inv,
		Definitions: StaticDefinitions{def.Name: def},
		Registry:    condition.NewRegistry(),
		Policy:      defaultPolicy(),
		Config: Config{
			Owner:    "test-engine",
			LeaseTTL: 20 * time.Millisecond,
			Backoff:  BackoffConfig{InitialDelay: time.Millisecond, Factor: 1, MaxDelay: time.Millisecond},
		},
	})

	runID, err := eng.CreateRun("lease-lost", models.RunContext{})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := eng.Execute(context.Background(), runID); err == nil {
		t.Fatal("execution with a lost lease should stop with an error")
	}
	if inv.count("next") != 0 {
		t.Errorf("dispatch continued after lease loss: %d invocations", inv.count("next"))
	}

	// The run stays non-terminal and resumable for the next owner.
	state, err := st.Get(runID)
	if err != nil {
		t.Fatal(err)
	}
	if state.Status.Terminal() {
		t.Errorf("status = %s, want non-terminal", state.Status)
	}
}

func TestSecondOwnerDeniedWhileWaveInFlight(t *testing.T) {
	inv := newCountingInvoker()
	inv.inner.Register("slow", func(ctx context.Context, key string, payload map[string]interface{}) (*invoker.Response, error) {
		time.Sleep(300 * time.Millisecond)
		return &invoker.Response{Status: models.TaskSuccess}, nil
	})

	def := &models.PipelineDefinition{
		Name: "contended",
		Stages: []models.Stage{
			{ID: "checks", Tasks: []models.TaskSpec{{ID: "slow", Ref: "slow", Required: true}}},
		},
	}

	shared := store.NewMemoryStore()
	opts := Options{
		Store:       shared,
		Invoker:     inv,
		Definitions: StaticDefinitions{def.Name: def},
		Registry:    condition.NewRegistry(),
		Policy:      defaultPolicy(),
	}
	optsA := opts
	optsA.Config = Config{Owner: "owner-a", LeaseTTL: 50 * time.Millisecond}
	engA := New(optsA)
	optsB := opts
	optsB.Config = Config{Owner: "owner-b", LeaseTTL: 50 * time.Millisecond}
	engB := New(optsB)

	runID, err := engA.CreateRun("contended", models.RunContext{})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := engA.Execute(context.Background(), runID)
		done <- err
	}()

	// Well past owner-a's original TTL; the renewed lease must still hold.
	time.Sleep(150 * time.Millisecond)
	if _, err := engB.Execute(context.Background(), runID); !errors.Is(err, store.ErrLeaseDenied) {
		t.Errorf("second owner mid-wave: got %v, want lease denied", err)
	}

	if err := <-done; err != nil {
		t.Fatalf("first owner: %v", err)
	}
	if inv.count("slow") != 1 {
		t.Errorf("task invoked %d times, want 1", inv.count("slow"))
	}
	state, _ := shared.Get(runID)
	if state.Status != models.RunAdmitted {
		t.Errorf("status = %s", state.Status)
	}
}

func TestPurgeExpiredDropsRunEvents(t *testing.T) {
	inv := newCountingInvoker()
	inv.inner.Register("lint", succeed(models.SeverityNone))

	def := &models.PipelineDefinition{
		Name: "purgeable",
		Stages: []models.Stage{
			{ID: "checks", Tasks: []models.TaskSpec{{ID: "lint", Ref: "lint"}}},
		},
	}
	eng, st := testEngine(def, inv, defaultPolicy(), nil)

	state := mustRun(t, eng, "purgeable", nil)
	if len(eng.Bus().RunEvents(state.RunID, "", "")) == 0 {
		t.Fatal("expected recorded events before purge")
	}

	n, err := eng.PurgeExpired(-time.Second)
	if err != nil || n != 1 {
		t.Fatalf("purge = %d, %v", n, err)
	}
	if _, err := st.Get(state.RunID); !errors.Is(err, store.ErrNotFound) {
		t.Error("purged run still in store")
	}
	if got := eng.Bus().RunEvents(state.RunID, "", ""); len(got) != 0 {
		t.Errorf("events kept after purge: %d", len(got))
	}
}

func TestConcurrentCancelMergesAtWaveBoundary(t *testing.T) {
	inv := newCountingInvoker()
	var eng *Engine
	var runID string

	// The first stage's task requests cancellation mid-run; the engine must
	// honor it at the next wave boundary and never reach the second stage.
	inv.inner.Register("trigger-cancel", func(ctx context.Context, key string, payload map[string]interface{}) (*invoker.Response, error) {
		if err := eng.CancelRun(runID, "cancelled mid-run"); err != nil {
			return nil, err
		}
		return &invoker.Response{Status: models.TaskSuccess}, nil
	})
	inv.inner.Register("next", succeed(models.SeverityNone))

	def := &models.PipelineDefinition{
		Name: "midrun-cancel",
		Stages: []models.Stage{
			{ID: "first", Tasks: []models.TaskSpec{{ID: "a", Ref: "trigger-cancel"}}},
			{ID: "second", Tasks: []models.TaskSpec{{ID: "b", Ref: "next"}}},
		},
	}
	var st *store.MemoryStore
	eng, st = testEngine(def, inv, defaultPolicy(), nil)

	var err error
	runID, err = eng.CreateRun("midrun-cancel", models.RunContext{})
	if err != nil {
		t.Fatal(err)
	}

	state, err := eng.Execute(context.Background(), runID)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if state.Status != models.RunCancelled {
		t.Fatalf("status = %s, want CANCELLED", state.Status)
	}
	// The in-flight task finished and its result was kept.
	if res, ok := state.Results["a"]; !ok || res.Status != models.TaskSuccess {
		t.Errorf("in-flight result dropped: %+v", res)
	}
	if inv.count("next") != 0 {
		t.Errorf("stage after cancellation ran: %d invocations", inv.count("next"))
	}

	persisted, _ := st.Get(runID)
	if persisted.Status != models.RunCancelled {
		t.Errorf("persisted status = %s", persisted.Status)
	}
}
