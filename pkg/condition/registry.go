package condition

import (
	"sync"

	"github.com/Promptonauts/gatekeeper/pkg/models"
)

// Predicate is a registered custom condition function. Predicates must be
// pure: same inputs, same answer, no side effects.
type Predicate func(ctx models.RunContext, results map[string]models.TaskResult) bool

// Registry holds named custom predicates. Pipeline definitions reference
// predicates by name so they stay serializable data.
type Registry struct {
	mu         sync.RWMutex
	predicates map[string]Predicate
}

func NewRegistry() *Registry {
	return &Registry{predicates: make(map[string]Predicate)}
}

func (r *Registry) Register(name string, p Predicate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.predicates[name] = p
}

func (r *Registry) Resolve(name string) (Predicate, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.predicates[name]
	return p, ok
}

// Names returns all registered predicate names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.predicates))
	for name := range r.predicates {
		names = append(names, name)
	}
	return names
}
