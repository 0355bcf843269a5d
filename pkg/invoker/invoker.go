package invoker

import (
	"context"
	"errors"
	"time"

	"github.com/Promptonauts/gatekeeper/pkg/models"
)

// ErrAwaitSignal is returned by an invocation whose completion arrives later
// through an external resume signal (human approval, long review). The engine
// persists the run and exits; it never busy-waits on such a task.
var ErrAwaitSignal = errors.New("task awaits external signal")

// Response is the contract every remote task honors. The engine is agnostic
// to what a task does beyond these declared fields.
type Response struct {
	Status   models.TaskStatus      `json:"status"`
	Severity models.Severity        `json:"severity"`
	Payload  map[string]interface{} `json:"payload,omitempty"`
	Reason   string                 `json:"reason,omitempty"`
}

// Invoker dispatches a single remote task call. Implementations are stateless
// and know nothing about pipeline structure. The key is a stable identity
// ("runId:taskId:attempt") handed to the remote side for idempotency.
type Invoker interface {
	Invoke(ctx context.Context, ref, key string, payload map[string]interface{}, timeout time.Duration) (*Response, error)
}
