// Package runstate records which (step, unit) pairs have completed across
// process restarts. It backs item-level resume for stages whose outputs are
// written as multiple files and therefore cannot rely on a single
// output-file existence check.
//
// Completion is the very last write for a unit: a record with started_at but
// no completed_at always causes reprocessing.
package runstate

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"loom/internal/config"
)

// Store manages run-state persistence backed by SQLite.
type Store struct {
	db   *sql.DB
	path string
}

// Open initializes or connects to the run-state database.
func Open(cfg *config.Config) (*Store, error) {
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, fmt.Errorf("ensure directories: %w", err)
	}

	dbPath := filepath.Join(cfg.Paths.LogDir, "runstate.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.Exec(pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	store := &Store{db: db, path: dbPath}
	if err := store.applySchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Path returns the database file location.
func (s *Store) Path() string {
	return s.path
}

// Start marks a unit as in flight for the given step. Restarting an
// already-started unit resets its start time and clears any stale
// completion marker, so the unit is retried in full.
func (s *Store) Start(ctx context.Context, step, unit string) error {
	if step == "" || unit == "" {
		return errors.New("step and unit are required")
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO unit_runs (step_name, unit_id, started_at, completed_at)
         VALUES (?, ?, ?, NULL)
         ON CONFLICT(step_name, unit_id)
         DO UPDATE SET started_at = excluded.started_at, completed_at = NULL`,
		step, unit, now,
	)
	if err != nil {
		return fmt.Errorf("mark unit started: %w", err)
	}
	return nil
}

// Complete marks a unit as finished. It must be the final write for the
// unit's processing.
func (s *Store) Complete(ctx context.Context, step, unit string) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE unit_runs SET completed_at = ? WHERE step_name = ? AND unit_id = ?`,
		now, step, unit,
	)
	if err != nil {
		return fmt.Errorf("mark unit completed: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("complete %s/%s: unit was never started", step, unit)
	}
	return nil
}

// Completed reports whether a unit has an explicit completion marker.
func (s *Store) Completed(ctx context.Context, step, unit string) (bool, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT completed_at FROM unit_runs WHERE step_name = ? AND unit_id = ?`,
		step, unit,
	)
	var completed sql.NullString
	if err := row.Scan(&completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("query unit: %w", err)
	}
	return completed.Valid && completed.String != "", nil
}

// ResetIncomplete deletes started-but-unfinished records for a step,
// returning the number removed. Called at step start so crashed units are
// rediscovered cleanly.
func (s *Store) ResetIncomplete(ctx context.Context, step string) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM unit_runs WHERE step_name = ? AND completed_at IS NULL`,
		step,
	)
	if err != nil {
		return 0, fmt.Errorf("reset incomplete units: %w", err)
	}
	count, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return count, nil
}

// CompletedUnits returns the unit IDs with completion markers for a step,
// in unit order.
func (s *Store) CompletedUnits(ctx context.Context, step string) ([]string, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT unit_id FROM unit_runs
         WHERE step_name = ? AND completed_at IS NOT NULL
         ORDER BY unit_id`,
		step,
	)
	if err != nil {
		return nil, fmt.Errorf("query completed units: %w", err)
	}
	defer rows.Close()

	var units []string
	for rows.Next() {
		var unit string
		if err := rows.Scan(&unit); err != nil {
			return nil, fmt.Errorf("scan unit: %w", err)
		}
		units = append(units, unit)
	}
	return units, rows.Err()
}
