package store

import (
	"errors"
	"time"

	"github.com/Promptonauts/gatekeeper/pkg/models"
)

var (
	// ErrNotFound means no run exists with the given id.
	ErrNotFound = errors.New("run not found")
	// ErrConflict means a conditional write lost the optimistic-lock race.
	// Callers reload and recompute; the error never reaches a trigger caller.
	ErrConflict = errors.New("run version conflict")
	// ErrLeaseDenied means another live owner holds the run.
	ErrLeaseDenied = errors.New("run lease denied")
	// ErrCorrupted means the persisted record no longer decodes. Fatal for
	// that run only; the engine moves it to FAILED, never silently repairs it.
	ErrCorrupted = errors.New("run state corrupted")
)

// Store is the durable home of RunState records. All mutation goes through
// compare-and-swap on Version so no update is ever lost; the lease methods
// enforce a single logical owner per run at any time.
type Store interface {
	Create(state *models.RunState) error
	Get(runID string) (*models.RunState, error)
	ConditionalPut(state *models.RunState, expectedVersion int64) error

	LeaseClaim(runID, owner string, ttl time.Duration) error
	LeaseRelease(runID, owner string) error
	ListResumable() ([]string, error)

	MarkFailed(runID, reason string) error
	PurgeTerminal(olderThan time.Duration) ([]string, error)

	Migrate() error
	Close() error
}
