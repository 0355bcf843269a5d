package invoker

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// TaskFunc is an in-process task implementation.
type TaskFunc func(ctx context.Context, key string, payload map[string]interface{}) (*Response, error)

// FuncInvoker routes refs to registered Go functions. It backs tests and the
// built-in "wait" task used for human-approval stages.
type FuncInvoker struct {
	mu    sync.RWMutex
	tasks map[string]TaskFunc
}

func NewFuncInvoker() *FuncInvoker {
	f := &FuncInvoker{tasks: make(map[string]TaskFunc)}
	// Built-in suspension point: completion arrives via a resume signal.
	f.Register("wait", func(ctx context.Context, key string, payload map[string]interface{}) (*Response, error) {
		return nil, ErrAwaitSignal
	})
	return f
}

func (f *FuncInvoker) Register(ref string, fn TaskFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[ref] = fn
}

func (f *FuncInvoker) Invoke(ctx context.Context, ref, key string, payload map[string]interface{}, timeout time.Duration) (*Response, error) {
	f.mu.RLock()
	fn, ok := f.tasks[ref]
	f.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no task registered for ref %q", ref)
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return fn(ctx, key, payload)
}
