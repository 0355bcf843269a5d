package store

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Promptonauts/gatekeeper/pkg/models"
)

// MemoryStore keeps run state in process memory with the same conditional
// write and lease semantics as SQLiteStore. Used by tests and single-shot
// CLI runs.
type MemoryStore struct {
	mu     sync.Mutex
	runs   map[string]*memoryRun
	broken map[string]bool
}

type memoryRun struct {
	data         []byte
	status       models.RunStatus
	version      int64
	leaseOwner   string
	leaseExpires time.Time
	updatedAt    time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:   make(map[string]*memoryRun),
		broken: make(map[string]bool),
	}
}

func (m *MemoryStore) Migrate() error { return nil }
func (m *MemoryStore) Close() error   { return nil }

// Corrupt marks a run so the next Get reports ErrCorrupted. Test hook.
func (m *MemoryStore) Corrupt(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.broken[runID] = true
}

func (m *MemoryStore) Create(state *models.RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[state.RunID]; exists {
		return fmt.Errorf("run %s already exists", state.RunID)
	}

	now := time.Now().UTC()
	state.Version = 1
	state.CreatedAt = now
	state.UpdatedAt = now

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}
	m.runs[state.RunID] = &memoryRun{
		data:      data,
		status:    state.Status,
		version:   state.Version,
		updatedAt: now,
	}
	return nil
}

func (m *MemoryStore) Get(runID string) (*models.RunState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if m.broken[runID] {
		return nil, fmt.Errorf("run %s: %w", runID, ErrCorrupted)
	}

	var state models.RunState
	if err := json.Unmarshal(run.data, &state); err != nil {
		return nil, fmt.Errorf("run %s: %w: %v", runID, ErrCorrupted, err)
	}
	return &state, nil
}

func (m *MemoryStore) ConditionalPut(state *models.RunState, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[state.RunID]
	if !ok {
		return fmt.Errorf("run %s: %w", state.RunID, ErrNotFound)
	}
	if run.version != expectedVersion {
		return fmt.Errorf("run %s expected version %d have %d: %w", state.RunID, expectedVersion, run.version, ErrConflict)
	}

	now := time.Now().UTC()
	state.Version = expectedVersion + 1
	state.UpdatedAt = now

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}
	run.data = data
	run.status = state.Status
	run.version = state.Version
	run.updatedAt = now
	return nil
}

func (m *MemoryStore) LeaseClaim(runID, owner string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}

	now := time.Now().UTC()
	if run.leaseOwner != "" && run.leaseOwner != owner && run.leaseExpires.After(now) {
		return fmt.Errorf("run %s held by %s: %w", runID, run.leaseOwner, ErrLeaseDenied)
	}
	run.leaseOwner = owner
	run.leaseExpires = now.Add(ttl)
	return nil
}

func (m *MemoryStore) LeaseRelease(runID, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if run.leaseOwner == owner {
		run.leaseOwner = ""
		run.leaseExpires = time.Time{}
	}
	return nil
}

func (m *MemoryStore) ListResumable() ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var ids []string
	for id, run := range m.runs {
		if run.status.Terminal() {
			continue
		}
		if run.leaseOwner != "" && run.leaseExpires.After(now) {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *MemoryStore) MarkFailed(runID, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[runID]
	if !ok {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}

	now := time.Now().UTC()
	failed := models.RunState{
		RunID:     runID,
		Status:    models.RunFailed,
		Reason:    reason,
		Version:   run.version + 1,
		UpdatedAt: now,
	}
	data, err := json.Marshal(&failed)
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}
	run.data = data
	run.status = models.RunFailed
	run.version = failed.Version
	run.updatedAt = now
	delete(m.broken, runID)
	return nil
}

func (m *MemoryStore) PurgeTerminal(olderThan time.Duration) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	var ids []string
	for id, run := range m.runs {
		if run.status.Terminal() && run.updatedAt.Before(cutoff) {
			delete(m.runs, id)
			ids = append(ids, id)
		}
	}
	return ids, nil
}
