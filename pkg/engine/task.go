package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Promptonauts/gatekeeper/pkg/invoker"
	"github.com/Promptonauts/gatekeeper/pkg/models"
	"github.com/Promptonauts/gatekeeper/pkg/observability"
)

// errSuspend signals that a task awaits an external resume signal and the
// run must be persisted and torn down.
var errSuspend = errors.New("run suspended awaiting external signal")

// runTask invokes one task with its effective timeout and retry allowance.
// Timeouts become TIMEOUT results; transport errors are retried with
// exponential backoff and jitter, then recorded as FAILURE. Task-level
// failures never escape as process errors; only suspension and caller
// cancellation propagate.
func (e *Engine) runTask(ctx context.Context, state *models.RunState, stageID string, task models.TaskSpec, defaults models.Defaults) (models.TaskResult, error) {
	timeout := task.EffectiveTimeout(defaults)
	maxAttempts := task.EffectiveRetries(defaults) + 1

	payload := map[string]interface{}{
		"runId":   state.RunID,
		"taskId":  task.ID,
		"context": state.Context.Fields,
	}
	for k, v := range task.Payload {
		payload[k] = v
	}

	started := time.Now().UTC()
	e.bus.Emit(observability.Event{Type: observability.EventTaskStarted, RunID: state.RunID, StageID: stageID, TaskID: task.ID})
	e.metrics.Counter("tasks.invoked").Inc()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return models.TaskResult{}, ctx.Err()
		}

		key := fmt.Sprintf("%s:%s:%d", state.RunID, task.ID, attempt)
		resp, err := e.invoker.Invoke(ctx, task.Ref, key, payload, timeout)

		if err == nil {
			res := models.TaskResult{
				TaskID:     task.ID,
				Status:     resp.Status,
				Severity:   resp.Severity,
				Payload:    resp.Payload,
				Reason:     resp.Reason,
				RetryCount: attempt - 1,
				Attempt:    attempt,
				StartedAt:  started,
				FinishedAt: time.Now().UTC(),
			}
			if res.Status == "" {
				res.Status = models.TaskSuccess
			}
			if res.Severity == "" {
				res.Severity = models.SeverityNone
			}
			e.observeTask(state.RunID, stageID, res)
			return res, nil
		}

		if errors.Is(err, invoker.ErrAwaitSignal) {
			e.bus.Emit(observability.Event{Type: observability.EventTaskSuspended, RunID: state.RunID, StageID: stageID, TaskID: task.ID})
			return models.TaskResult{}, errSuspend
		}

		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			res := models.TaskResult{
				TaskID:     task.ID,
				Status:     models.TaskTimeout,
				Severity:   models.SeverityNone,
				Reason:     fmt.Sprintf("timed out after %s", timeout),
				RetryCount: attempt - 1,
				Attempt:    attempt,
				StartedAt:  started,
				FinishedAt: time.Now().UTC(),
			}
			e.observeTask(state.RunID, stageID, res)
			return res, nil
		}
		if ctx.Err() != nil {
			return models.TaskResult{}, ctx.Err()
		}

		lastErr = err
		if attempt < maxAttempts {
			e.metrics.Counter("tasks.retries").Inc()
			e.bus.Emit(observability.Event{
				Type:   observability.EventTaskRetried,
				RunID:  state.RunID,
				TaskID: task.ID,
				Data:   map[string]interface{}{"attempt": attempt, "error": err.Error()},
			})
			sleepWithContext(ctx, e.cfg.Backoff.DelayForAttempt(attempt-1))
		}
	}

	res := models.TaskResult{
		TaskID:     task.ID,
		Status:     models.TaskFailure,
		Severity:   models.SeverityNone,
		Reason:     fmt.Sprintf("invocation failed after %d attempt(s): %v", maxAttempts, lastErr),
		RetryCount: maxAttempts - 1,
		Attempt:    maxAttempts,
		StartedAt:  started,
		FinishedAt: time.Now().UTC(),
	}
	e.observeTask(state.RunID, stageID, res)
	return res, nil
}

func (e *Engine) observeTask(runID, stageID string, res models.TaskResult) {
	e.metrics.Histogram("task.latency_ms").Observe(float64(res.FinishedAt.Sub(res.StartedAt).Milliseconds()))
	e.bus.Emit(observability.Event{
		Type:    observability.EventTaskComplete,
		RunID:   runID,
		StageID: stageID,
		TaskID:  res.TaskID,
		Data: map[string]interface{}{
			"status":   string(res.Status),
			"severity": string(res.Severity),
			"attempts": res.Attempt,
		},
	})
}

func skippedResult(taskID, reason string) models.TaskResult {
	now := time.Now().UTC()
	return models.TaskResult{
		TaskID:     taskID,
		Status:     models.TaskSkipped,
		Severity:   models.SeverityNone,
		Reason:     reason,
		StartedAt:  now,
		FinishedAt: now,
	}
}

// waveOutcome collects results from dispatching one wave.
type waveOutcome struct {
	results   []models.TaskResult
	suspended bool
}

// dispatchWave runs the pending tasks of one wave according to the stage
// mode. In parallel mode invocations run concurrently under the stage's
// parallelism cap; sequential mode runs them one at a time in declared order.
// All resolved results are returned even when one task suspends the run.
func (e *Engine) dispatchWave(ctx context.Context, state *models.RunState, stage models.Stage, wave []models.TaskSpec, defaults models.Defaults) (waveOutcome, error) {
	if stage.Mode != models.ModeParallel {
		return e.dispatchSequential(ctx, state, stage, wave, defaults)
	}
	return e.dispatchParallel(ctx, state, stage, wave, defaults)
}

func (e *Engine) dispatchSequential(ctx context.Context, state *models.RunState, stage models.Stage, wave []models.TaskSpec, defaults models.Defaults) (waveOutcome, error) {
	var out waveOutcome
	for _, task := range wave {
		res, err := e.runTask(ctx, state, stage.ID, task, defaults)
		if errors.Is(err, errSuspend) {
			out.suspended = true
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out.results = append(out.results, res)
	}
	return out, nil
}

func (e *Engine) dispatchParallel(ctx context.Context, state *models.RunState, stage models.Stage, wave []models.TaskSpec, defaults models.Defaults) (waveOutcome, error) {
	type slot struct {
		res       models.TaskResult
		suspended bool
		err       error
		ok        bool
	}

	limit := stage.EffectiveParallelism(defaults)
	semaphore := make(chan struct{}, limit)
	slots := make([]slot, len(wave))

	var wg sync.WaitGroup
	for i, task := range wave {
		wg.Add(1)
		go func(idx int, t models.TaskSpec) {
			defer wg.Done()

			select {
			case semaphore <- struct{}{}:
				defer func() { <-semaphore }()
			case <-ctx.Done():
				slots[idx] = slot{err: ctx.Err()}
				return
			}

			res, err := e.runTask(ctx, state, stage.ID, t, defaults)
			if errors.Is(err, errSuspend) {
				slots[idx] = slot{suspended: true}
				return
			}
			if err != nil {
				slots[idx] = slot{err: err}
				return
			}
			slots[idx] = slot{res: res, ok: true}
		}(i, task)
	}
	wg.Wait()

	var out waveOutcome
	var firstErr error
	for _, s := range slots {
		switch {
		case s.ok:
			out.results = append(out.results, s.res)
		case s.suspended:
			out.suspended = true
		case s.err != nil && firstErr == nil:
			firstErr = s.err
		}
	}
	if firstErr != nil && !out.suspended {
		return out, firstErr
	}
	return out, nil
}
