package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Promptonauts/gatekeeper/pkg/models"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore persists run state as JSON blobs in sqlite. The version and
// lease columns are kept alongside the blob so conditional writes and lease
// claims run as single guarded UPDATEs.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		version INTEGER NOT NULL,
		lease_owner TEXT NOT NULL DEFAULT '',
		lease_expires_at DATETIME,
		data TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_updated_at ON runs(updated_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(state *models.RunState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	state.Version = 1
	state.CreatedAt = now
	state.UpdatedAt = now

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO runs (id, status, version, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, state.RunID, string(state.Status), state.Version, string(data), now, now)
	if err != nil {
		return fmt.Errorf("insert run %s: %w", state.RunID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(runID string) (*models.RunState, error) {
	var data string
	err := s.db.QueryRow("SELECT data FROM runs WHERE id = ?", runID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("query run %s: %w", runID, err)
	}

	var state models.RunState
	if err := json.Unmarshal([]byte(data), &state); err != nil {
		return nil, fmt.Errorf("run %s: %w: %v", runID, ErrCorrupted, err)
	}
	return &state, nil
}

// ConditionalPut writes the state only if the stored version still matches
// expectedVersion, then advances it. A losing writer gets ErrConflict and is
// expected to reload and recompute.
func (s *SQLiteStore) ConditionalPut(state *models.RunState, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	state.Version = expectedVersion + 1
	state.UpdatedAt = now

	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}

	res, err := s.db.Exec(`
		UPDATE runs SET status = ?, version = ?, data = ?, updated_at = ?
		WHERE id = ? AND version = ?
	`, string(state.Status), state.Version, string(data), now, state.RunID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update run %s: %w", state.RunID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run %s: %w", state.RunID, err)
	}
	if affected == 0 {
		state.Version = expectedVersion
		if !s.exists(state.RunID) {
			return fmt.Errorf("run %s: %w", state.RunID, ErrNotFound)
		}
		return fmt.Errorf("run %s expected version %d: %w", state.RunID, expectedVersion, ErrConflict)
	}
	return nil
}

func (s *SQLiteStore) exists(runID string) bool {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM runs WHERE id = ?", runID).Scan(&one)
	return err == nil
}

// LeaseClaim takes ownership of a run when it is unowned, already ours, or
// the previous owner's lease has expired.
func (s *SQLiteStore) LeaseClaim(runID, owner string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	expires := now.Add(ttl)

	res, err := s.db.Exec(`
		UPDATE runs SET lease_owner = ?, lease_expires_at = ?
		WHERE id = ? AND (lease_owner = '' OR lease_owner = ? OR lease_expires_at < ?)
	`, owner, expires, runID, owner, now)
	if err != nil {
		return fmt.Errorf("claim lease for run %s: %w", runID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("claim lease for run %s: %w", runID, err)
	}
	if affected == 0 {
		if !s.exists(runID) {
			return fmt.Errorf("run %s: %w", runID, ErrNotFound)
		}
		return fmt.Errorf("run %s: %w", runID, ErrLeaseDenied)
	}
	return nil
}

func (s *SQLiteStore) LeaseRelease(runID, owner string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE runs SET lease_owner = '', lease_expires_at = NULL
		WHERE id = ? AND lease_owner = ?
	`, runID, owner)
	if err != nil {
		return fmt.Errorf("release lease for run %s: %w", runID, err)
	}
	return nil
}

// ListResumable returns ids of non-terminal runs with no live owner lease.
func (s *SQLiteStore) ListResumable() ([]string, error) {
	now := time.Now().UTC()
	rows, err := s.db.Query(`
		SELECT id FROM runs
		WHERE status IN (?, ?) AND (lease_owner = '' OR lease_expires_at < ?)
		ORDER BY updated_at ASC
	`, string(models.RunCreated), string(models.RunRunning), now)
	if err != nil {
		return nil, fmt.Errorf("list resumable runs: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkFailed force-moves a run to FAILED, bypassing the version check. Used
// only for corrupted records that cannot round-trip through ConditionalPut.
func (s *SQLiteStore) MarkFailed(runID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	failed := models.RunState{
		RunID:     runID,
		Status:    models.RunFailed,
		Reason:    reason,
		UpdatedAt: now,
	}

	var version int64
	err := s.db.QueryRow("SELECT version FROM runs WHERE id = ?", runID).Scan(&version)
	if err == sql.ErrNoRows {
		return fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("query run %s: %w", runID, err)
	}
	failed.Version = version + 1

	data, err := json.Marshal(&failed)
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}

	_, err = s.db.Exec(`
		UPDATE runs SET status = ?, version = ?, data = ?, updated_at = ? WHERE id = ?
	`, string(models.RunFailed), failed.Version, string(data), now, runID)
	if err != nil {
		return fmt.Errorf("mark run %s failed: %w", runID, err)
	}
	return nil
}

// PurgeTerminal deletes terminal runs last touched before the retention
// window and returns their ids so callers can drop per-run state of their
// own, such as recorded events.
func (s *SQLiteStore) PurgeTerminal(olderThan time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := s.db.Query(`
		SELECT id FROM runs WHERE status IN (?, ?, ?, ?) AND updated_at < ?
	`, string(models.RunAdmitted), string(models.RunBlocked), string(models.RunCancelled), string(models.RunFailed), cutoff)
	if err != nil {
		return nil, fmt.Errorf("purge terminal runs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, id := range ids {
		if _, err := s.db.Exec("DELETE FROM runs WHERE id = ?", id); err != nil {
			return nil, fmt.Errorf("purge run %s: %w", id, err)
		}
	}
	return ids, nil
}
