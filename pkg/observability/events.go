package observability

import (
	"sync"
	"time"
)

type EventType string

const (
	EventRunStarted    EventType = "run.started"
	EventRunResumed    EventType = "run.resumed"
	EventRunDecided    EventType = "run.decided"
	EventRunCancelled  EventType = "run.cancelled"
	EventRunFailed     EventType = "run.failed"
	EventStageStarted  EventType = "stage.started"
	EventStageSkipped  EventType = "stage.skipped"
	EventStageComplete EventType = "stage.completed"
	EventTaskStarted   EventType = "task.started"
	EventTaskRetried   EventType = "task.retried"
	EventTaskSkipped   EventType = "task.skipped"
	EventTaskComplete  EventType = "task.completed"
	EventTaskSuspended EventType = "task.suspended"
	EventCompensation  EventType = "compensation.executed"
)

// Event is one structured lifecycle record, suitable for external log and
// metrics collectors.
type Event struct {
	Type      EventType              `json:"type"`
	RunID     string                 `json:"runId"`
	StageID   string                 `json:"stageId,omitempty"`
	TaskID    string                 `json:"taskId,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Bus fans events out to subscribers over buffered channels. Emission never
// blocks: a slow subscriber drops events rather than stalling the engine.
// A bounded recent-event ring is kept per run for the query API.
type Bus struct {
	mu     sync.RWMutex
	subs   []chan Event
	byRun  map[string][]Event
	perRun int
}

func NewBus() *Bus {
	return &Bus{
		byRun:  make(map[string][]Event),
		perRun: 1000,
	}
}

func (b *Bus) Subscribe() <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan Event, 100)
	b.subs = append(b.subs, ch)
	return ch
}

func (b *Bus) Emit(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.Lock()
	if evt.RunID != "" {
		events := append(b.byRun[evt.RunID], evt)
		if len(events) > b.perRun {
			events = events[len(events)-b.perRun:]
		}
		b.byRun[evt.RunID] = events
	}
	subs := b.subs
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- evt:
		default:
			// Drop event if channel is full, never block
		}
	}
}

// RunEvents returns recorded events for a run, optionally filtered by event
// type and task id.
func (b *Bus) RunEvents(runID string, eventType EventType, taskID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, evt := range b.byRun[runID] {
		if eventType != "" && evt.Type != eventType {
			continue
		}
		if taskID != "" && evt.TaskID != taskID {
			continue
		}
		out = append(out, evt)
	}
	return out
}

// Forget drops the recorded events for a run. Called after retention purge.
func (b *Bus) Forget(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.byRun, runID)
}
