package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Promptonauts/gatekeeper/pkg/aggregate"
	"github.com/Promptonauts/gatekeeper/pkg/compensation"
	"github.com/Promptonauts/gatekeeper/pkg/condition"
	"github.com/Promptonauts/gatekeeper/pkg/decision"
	"github.com/Promptonauts/gatekeeper/pkg/invoker"
	"github.com/Promptonauts/gatekeeper/pkg/models"
	"github.com/Promptonauts/gatekeeper/pkg/observability"
	"github.com/Promptonauts/gatekeeper/pkg/store"

	"github.com/google/uuid"
)

// DefinitionSource resolves pipeline names recorded on a run back to their
// immutable definitions.
type DefinitionSource interface {
	Definition(name string) (*models.PipelineDefinition, error)
}

// StaticDefinitions is a fixed in-memory DefinitionSource.
type StaticDefinitions map[string]*models.PipelineDefinition

func (s StaticDefinitions) Definition(name string) (*models.PipelineDefinition, error) {
	def, ok := s[name]
	if !ok {
		return nil, fmt.Errorf("pipeline %q not found", name)
	}
	return def, nil
}

// Config holds engine tunables.
type Config struct {
	Owner    string        // lease owner identity; defaults to a random id
	LeaseTTL time.Duration // defaults to 60s
	RunSLA   time.Duration // optional deadline stamped on new runs
	Backoff  BackoffConfig
}

// Options wires the engine's collaborators.
type Options struct {
	Store       store.Store
	Invoker     invoker.Invoker
	Definitions DefinitionSource
	Registry    *condition.Registry
	Policy      models.DecisionPolicy
	Aggregation aggregate.Config
	Notifier    compensation.Notifier
	Bus         *observability.Bus
	Metrics     *observability.Metrics
	Config      Config
}

// Engine interprets pipeline definitions: it walks stages in declared order,
// dispatches tasks in dependency waves, persists state after every
// transition, and renders the terminal decision. One engine serves many
// concurrent runs; per-run exclusivity comes from the store lease.
type Engine struct {
	store       store.Store
	invoker     invoker.Invoker
	defs        DefinitionSource
	evaluator   *condition.Evaluator
	aggregator  *aggregate.Aggregator
	policy      models.DecisionPolicy
	compensator *compensation.Handler
	bus         *observability.Bus
	metrics     *observability.Metrics
	cfg         Config
}

func New(opts Options) *Engine {
	cfg := opts.Config
	if cfg.Owner == "" {
		cfg.Owner = "engine-" + uuid.New().String()[:8]
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 60 * time.Second
	}
	if cfg.Backoff == (BackoffConfig{}) {
		cfg.Backoff = DefaultBackoff()
	}
	if opts.Bus == nil {
		opts.Bus = observability.NewBus()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetrics()
	}

	return &Engine{
		store:       opts.Store,
		invoker:     opts.Invoker,
		defs:        opts.Definitions,
		evaluator:   condition.NewEvaluator(opts.Registry),
		aggregator:  aggregate.New(opts.Aggregation),
		policy:      opts.Policy,
		compensator: compensation.NewHandler(opts.Notifier),
		bus:         opts.Bus,
		metrics:     opts.Metrics,
		cfg:         cfg,
	}
}

// Bus exposes the engine's event bus for API and collector wiring.
func (e *Engine) Bus() *observability.Bus { return e.bus }

// Metrics exposes the engine's metrics registry.
func (e *Engine) Metrics() *observability.Metrics { return e.metrics }

// CreateRun validates the pipeline reference and persists a fresh CREATED
// run. No task executes until Execute is called.
func (e *Engine) CreateRun(pipeline string, rctx models.RunContext) (string, error) {
	def, err := e.defs.Definition(pipeline)
	if err != nil {
		return "", err
	}

	state := &models.RunState{
		RunID:           uuid.New().String(),
		Pipeline:        def.Name,
		PipelineVersion: def.Version,
		Status:          models.RunCreated,
		Context:         rctx,
		Results:         make(map[string]models.TaskResult),
	}
	if e.cfg.RunSLA > 0 {
		deadline := time.Now().UTC().Add(e.cfg.RunSLA)
		state.Deadline = &deadline
	}

	if err := e.store.Create(state); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}
	e.metrics.Counter("runs.created").Inc()
	return state.RunID, nil
}

// Execute claims the run and drives it forward until it reaches a terminal
// state or suspends on an awaiting task. Runs already past a stage resume at
// the recorded stage; tasks with recorded results are never re-invoked.
func (e *Engine) Execute(ctx context.Context, runID string) (*models.RunState, error) {
	if err := e.store.LeaseClaim(runID, e.cfg.Owner, e.cfg.LeaseTTL); err != nil {
		return nil, err
	}
	defer e.store.LeaseRelease(runID, e.cfg.Owner)

	// The lease is renewed in the background for as long as this call runs.
	// A wave may outlive the TTL, so a one-shot claim is not enough: losing
	// the lease cancels dispatch, keeping a single owner per run.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go e.keepLease(ctx, runID, cancel)

	state, err := e.store.Get(runID)
	if err != nil {
		if errors.Is(err, store.ErrCorrupted) {
			return nil, e.failCorrupted(runID, err)
		}
		return nil, err
	}
	if state.Status.Terminal() {
		return state, nil
	}

	def, err := e.defs.Definition(state.Pipeline)
	if err != nil {
		return e.failRun(ctx, state, nil, fmt.Sprintf("pipeline definition unavailable: %v", err))
	}

	resumed := state.Status == models.RunRunning
	if state.Status == models.RunCreated {
		state.Status = models.RunRunning
		if err := e.persist(state); err != nil {
			return nil, err
		}
	}
	eventType := observability.EventRunStarted
	if resumed {
		eventType = observability.EventRunResumed
	}
	e.bus.Emit(observability.Event{Type: eventType, RunID: runID, Data: map[string]interface{}{"stage": state.CurrentStage}})
	e.metrics.Gauge("runs.active").Inc()
	defer e.metrics.Gauge("runs.active").Dec()

	truncated := false

stages:
	for state.CurrentStage < len(def.Stages) {
		if cancelled, err := e.checkCancel(ctx, state); err != nil || cancelled {
			if cancelled {
				return e.finishCancelled(ctx, state, def)
			}
			return nil, err
		}

		stage := def.Stages[state.CurrentStage]

		if !e.evaluator.Evaluate(stage.Condition, state.Context, state.Results) {
			for _, task := range stage.Tasks {
				if !state.HasResult(task.ID) {
					state.RecordResult(skippedResult(task.ID, "stage condition not met"))
					e.bus.Emit(observability.Event{Type: observability.EventTaskSkipped, RunID: runID, StageID: stage.ID, TaskID: task.ID})
				}
			}
			e.bus.Emit(observability.Event{Type: observability.EventStageSkipped, RunID: runID, StageID: stage.ID})
			state.CurrentStage++
			if err := e.persist(state); err != nil {
				return nil, err
			}
			continue
		}

		e.bus.Emit(observability.Event{Type: observability.EventStageStarted, RunID: runID, StageID: stage.ID})

		for {
			waves := partitionWaves(pendingTasks(stage.Tasks, state.Results), state.Results)
			if len(waves) == 0 {
				break
			}
			wave := waves[0]

			if cancelled, err := e.checkCancel(ctx, state); err != nil || cancelled {
				if cancelled {
					return e.finishCancelled(ctx, state, def)
				}
				return nil, err
			}

			// Task-level conditions: skipped tasks are recorded, never invoked.
			var invocable []models.TaskSpec
			for _, task := range wave {
				if !e.evaluator.Evaluate(task.Condition, state.Context, state.Results) {
					state.RecordResult(skippedResult(task.ID, "task condition not met"))
					e.bus.Emit(observability.Event{Type: observability.EventTaskSkipped, RunID: runID, StageID: stage.ID, TaskID: task.ID})
					continue
				}
				invocable = append(invocable, task)
			}

			out, err := e.dispatchWave(ctx, state, stage, invocable, def.Defaults)
			for _, res := range out.results {
				state.RecordResult(res)
			}
			// Results resolved so far are durable before anything else is
			// dispatched; replay after a crash never re-issues them.
			if perr := e.persist(state); perr != nil {
				return nil, perr
			}
			if err != nil {
				if ctx.Err() != nil {
					return state, ctx.Err()
				}
				return e.failRun(ctx, state, def, fmt.Sprintf("wave dispatch failed: %v", err))
			}
			if out.suspended {
				return state, nil
			}

			if def.Defaults.FailFast && e.requiredFailure(out.results, def) {
				truncated = true
				break stages
			}
		}

		state.CurrentStage++
		e.bus.Emit(observability.Event{Type: observability.EventStageComplete, RunID: runID, StageID: stage.ID})
		if err := e.persist(state); err != nil {
			return nil, err
		}
	}

	return e.decide(ctx, state, def, truncated)
}

// keepLease renews the run lease at half-TTL intervals until ctx ends. A
// failed renewal cancels execution; the run is picked up later by Reconcile.
func (e *Engine) keepLease(ctx context.Context, runID string, cancel context.CancelFunc) {
	ticker := time.NewTicker(e.cfg.LeaseTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.store.LeaseClaim(runID, e.cfg.Owner, e.cfg.LeaseTTL); err != nil {
				e.metrics.Counter("lease.lost").Inc()
				cancel()
				return
			}
		}
	}
}

// pendingTasks filters out tasks that already have a recorded result.
func pendingTasks(tasks []models.TaskSpec, results map[string]models.TaskResult) []models.TaskSpec {
	var pending []models.TaskSpec
	for _, t := range tasks {
		if _, done := results[t.ID]; !done {
			pending = append(pending, t)
		}
	}
	return pending
}

func (e *Engine) requiredFailure(results []models.TaskResult, def *models.PipelineDefinition) bool {
	required := def.RequiredTasks()
	for _, res := range results {
		if !required[res.TaskID] {
			continue
		}
		if res.Status == models.TaskFailure || res.Status == models.TaskTimeout {
			return true
		}
	}
	return false
}

// decide aggregates the results, applies the decision policy, transitions to
// the terminal state, and fires compensation on BLOCK.
func (e *Engine) decide(ctx context.Context, state *models.RunState, def *models.PipelineDefinition, truncated bool) (*models.RunState, error) {
	agg := e.aggregator.Aggregate(state.Results, def.RequiredTasks(), e.policy.BlockingThreshold)
	dec := decision.Decide(agg, e.policy, state.Context)

	state.Decision = &dec
	state.Reason = dec.Reason
	if truncated {
		state.Reason = "stage truncated by fail-fast: " + dec.Reason
	}
	if dec.Outcome == models.DecisionAdmit {
		state.Status = models.RunAdmitted
		e.metrics.Counter("runs.admitted").Inc()
	} else {
		state.Status = models.RunBlocked
		e.metrics.Counter("runs.blocked").Inc()
	}

	if state.Status == models.RunBlocked {
		e.runCompensation(ctx, state, def)
	}

	if err := e.persist(state); err != nil {
		return nil, err
	}

	e.bus.Emit(observability.Event{
		Type:  observability.EventRunDecided,
		RunID: state.RunID,
		Data: map[string]interface{}{
			"outcome":    string(dec.Outcome),
			"reasonCode": dec.ReasonCode,
			"factors":    dec.Factors,
			"severity":   string(agg.OverallSeverity),
		},
	})
	return state, nil
}

func (e *Engine) runCompensation(ctx context.Context, state *models.RunState, def *models.PipelineDefinition) {
	if def == nil || len(def.Compensation) == 0 {
		return
	}
	if e.compensator.Run(ctx, def.Compensation, state) {
		e.bus.Emit(observability.Event{Type: observability.EventCompensation, RunID: state.RunID, Data: map[string]interface{}{"actions": len(state.Compensations)}})
	}
}

// failRun moves a run to FAILED with a reason. Used for infrastructure-level
// faults that are fatal for this run only.
func (e *Engine) failRun(ctx context.Context, state *models.RunState, def *models.PipelineDefinition, reason string) (*models.RunState, error) {
	state.Status = models.RunFailed
	state.Reason = reason
	e.runCompensation(ctx, state, def)
	if err := e.persist(state); err != nil {
		return nil, err
	}
	e.metrics.Counter("runs.failed").Inc()
	e.bus.Emit(observability.Event{Type: observability.EventRunFailed, RunID: state.RunID, Data: map[string]interface{}{"reason": reason}})
	return state, fmt.Errorf("run %s failed: %s", state.RunID, reason)
}

func (e *Engine) failCorrupted(runID string, cause error) error {
	if err := e.store.MarkFailed(runID, fmt.Sprintf("state corrupted: %v", cause)); err != nil {
		return fmt.Errorf("mark corrupted run failed: %v (original: %w)", err, cause)
	}
	e.metrics.Counter("runs.failed").Inc()
	e.bus.Emit(observability.Event{Type: observability.EventRunFailed, RunID: runID, Data: map[string]interface{}{"reason": "state corrupted"}})
	return fmt.Errorf("run %s: %w", runID, cause)
}

// checkCancel reloads the cancel flag at a wave boundary. Cancellation set by
// another writer is only honored here, never mid-wave.
func (e *Engine) checkCancel(ctx context.Context, state *models.RunState) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	fresh, err := e.store.Get(state.RunID)
	if err != nil {
		return false, err
	}
	state.CancelRequested = state.CancelRequested || fresh.CancelRequested
	if fresh.Version != state.Version {
		e.mergeFresh(state, fresh)
	}
	return state.CancelRequested, nil
}

func (e *Engine) finishCancelled(ctx context.Context, state *models.RunState, def *models.PipelineDefinition) (*models.RunState, error) {
	state.Status = models.RunCancelled
	if state.Reason == "" {
		state.Reason = "run cancelled"
	}
	if err := e.persist(state); err != nil {
		return nil, err
	}
	e.metrics.Counter("runs.cancelled").Inc()
	e.bus.Emit(observability.Event{Type: observability.EventRunCancelled, RunID: state.RunID, Data: map[string]interface{}{"reason": state.Reason}})
	return state, nil
}

// persist writes the state through the conditional-write protocol. On
// conflict the writer reloads, folds the concurrent changes in (results and
// flags are add-only), and retries.
func (e *Engine) persist(state *models.RunState) error {
	for attempt := 0; attempt < 5; attempt++ {
		err := e.store.ConditionalPut(state, state.Version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
		e.metrics.Counter("state.conflicts").Inc()

		fresh, gerr := e.store.Get(state.RunID)
		if gerr != nil {
			return gerr
		}
		e.mergeFresh(state, fresh)
	}
	return fmt.Errorf("run %s: persistent version conflict", state.RunID)
}

// mergeFresh folds a concurrently written snapshot into the in-flight state.
// Concurrent writers only add: task results arriving via resume signals, the
// cancel flag, and compensation markers. The engine's own stage cursor and
// terminal transition win over the snapshot's.
func (e *Engine) mergeFresh(state *models.RunState, fresh *models.RunState) {
	for id, res := range fresh.Results {
		if _, ok := state.Results[id]; !ok {
			if state.Results == nil {
				state.Results = make(map[string]models.TaskResult)
			}
			state.Results[id] = res
		}
	}
	state.CancelRequested = state.CancelRequested || fresh.CancelRequested
	if fresh.CurrentStage > state.CurrentStage {
		state.CurrentStage = fresh.CurrentStage
	}
	if fresh.Status.Terminal() && !state.Status.Terminal() {
		state.Status = fresh.Status
		state.Reason = fresh.Reason
		state.Decision = fresh.Decision
	}
	if len(fresh.Compensations) > len(state.Compensations) {
		state.Compensations = fresh.Compensations
	}
	if state.Reason == "" {
		state.Reason = fresh.Reason
	}
	state.Version = fresh.Version
}

// CancelRun requests cancellation. The run transitions to CANCELLED at the
// next wave boundary; in-flight invocations finish but their results no
// longer drive transitions.
func (e *Engine) CancelRun(runID, reason string) error {
	for attempt := 0; attempt < 5; attempt++ {
		state, err := e.store.Get(runID)
		if err != nil {
			return err
		}
		if state.Status.Terminal() {
			return fmt.Errorf("run %s already terminal (%s)", runID, state.Status)
		}
		state.CancelRequested = true
		state.Reason = reason

		err = e.store.ConditionalPut(state, state.Version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("run %s: persistent version conflict on cancel", runID)
}

// ResumeSignal records an externally produced task result: the completion
// of a human-approval wait or any asynchronous task. Recording is idempotent:
// a result already present for the task id is left untouched.
func (e *Engine) ResumeSignal(runID string, result models.TaskResult) error {
	if result.TaskID == "" {
		return fmt.Errorf("resume signal needs a taskId")
	}

	for attempt := 0; attempt < 5; attempt++ {
		state, err := e.store.Get(runID)
		if err != nil {
			return err
		}
		if state.Status.Terminal() {
			return fmt.Errorf("run %s already terminal (%s)", runID, state.Status)
		}

		def, err := e.defs.Definition(state.Pipeline)
		if err != nil {
			return err
		}
		if def.FindTask(result.TaskID) == nil {
			return fmt.Errorf("run %s has no task %q", runID, result.TaskID)
		}

		if state.HasResult(result.TaskID) {
			return nil
		}
		if result.Status == "" {
			result.Status = models.TaskSuccess
		}
		if result.Severity == "" {
			result.Severity = models.SeverityNone
		}
		now := time.Now().UTC()
		if result.StartedAt.IsZero() {
			result.StartedAt = now
		}
		if result.FinishedAt.IsZero() {
			result.FinishedAt = now
		}
		if result.Attempt == 0 {
			result.Attempt = 1
		}
		state.RecordResult(result)

		err = e.store.ConditionalPut(state, state.Version)
		if err == nil {
			return nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return err
		}
	}
	return fmt.Errorf("run %s: persistent version conflict on resume signal", runID)
}

// PurgeExpired removes terminal runs older than the retention window and
// drops their recorded events, so a long-lived server does not accumulate
// one event ring per run forever.
func (e *Engine) PurgeExpired(olderThan time.Duration) (int, error) {
	ids, err := e.store.PurgeTerminal(olderThan)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		e.bus.Forget(id)
	}
	return len(ids), nil
}

// Reconcile scans for resumable runs, non-terminal with no live owner, and
// drives each forward. Returns how many runs were picked up.
func (e *Engine) Reconcile(ctx context.Context) (int, error) {
	ids, err := e.store.ListResumable()
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return resumed, ctx.Err()
		}
		if _, err := e.Execute(ctx, id); err != nil {
			if errors.Is(err, store.ErrLeaseDenied) {
				continue
			}
			// Run-level failures are already recorded on the run itself.
			continue
		}
		resumed++
	}
	return resumed, nil
}
