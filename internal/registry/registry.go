// Package registry persists backup runs and the singleton status row.
package registry

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/edvin/boosterclub/internal/model"
)

var (
	// ErrNotFound is returned when no run matches.
	ErrNotFound = errors.New("backup run not found")
	// ErrRunInProgress is returned by Start when another run holds the claim.
	ErrRunInProgress = errors.New("another backup is running")
)

// AbandonedMessage is recorded on a run whose claim went stale.
const AbandonedMessage = "abandoned: run exceeded the stale claim threshold"

// DB is the query surface of the registry database.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const runColumns = `id, kind, status, stage, triggered_by, started_at, finished_at, artifact_location,
	size_bytes, duration_millis, checksum, table_count, object_count, warnings, error_message,
	purged_at, created_at, updated_at`

// Registry stores backup run metadata in PostgreSQL.
type Registry struct {
	db  DB
	now func() time.Time
}

// New creates a Registry over db.
func New(db DB) *Registry {
	return &Registry{db: db, now: time.Now}
}

// Create inserts a pending run. ID, Kind and Trigger must be set.
func (r *Registry) Create(ctx context.Context, run *model.BackupRun) error {
	now := r.now().UTC()
	run.Status = model.StatusPending
	if run.StartedAt.IsZero() {
		run.StartedAt = now
	}
	run.CreatedAt = now
	run.UpdatedAt = now
	if run.Warnings == nil {
		run.Warnings = []string{}
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO backup_runs (id, kind, status, stage, triggered_by, started_at, warnings, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		run.ID, run.Kind, run.Status, run.Stage, run.Trigger, run.StartedAt, run.Warnings, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert backup run: %w", err)
	}
	return nil
}

// Start claims the singleton for run id and marks the run running. A claim
// older than staleAfter is taken over and its run is marked failed; the id
// of that abandoned run is returned. If a live claim exists Start returns
// ErrRunInProgress.
func (r *Registry) Start(ctx context.Context, id string, staleAfter time.Duration) (string, error) {
	now := r.now().UTC()
	staleBefore := now.Add(-staleAfter)

	var claimed int
	var abandoned *string
	err := r.db.QueryRow(ctx,
		`WITH prev AS (
			SELECT running_run_id FROM backup_status WHERE id = 1
		), claimed AS (
			UPDATE backup_status
			SET running_run_id = $1, running_since = $2, updated_at = $2
			WHERE id = 1 AND (running_run_id IS NULL OR running_since < $3)
			RETURNING 1
		), abandoned AS (
			UPDATE backup_runs
			SET status = 'failed', finished_at = $2, error_message = $4, updated_at = $2
			WHERE id = (SELECT running_run_id FROM prev)
			  AND id <> $1
			  AND status IN ('pending', 'running')
			  AND EXISTS (SELECT 1 FROM claimed)
			RETURNING id
		), started AS (
			UPDATE backup_runs
			SET status = 'running', updated_at = $2
			WHERE id = $1 AND EXISTS (SELECT 1 FROM claimed)
			RETURNING id
		)
		SELECT (SELECT count(*) FROM started), (SELECT id FROM abandoned)`,
		id, now, staleBefore, AbandonedMessage,
	).Scan(&claimed, &abandoned)
	if err != nil {
		return "", fmt.Errorf("claim backup run %s: %w", id, err)
	}
	if claimed == 0 {
		return "", ErrRunInProgress
	}
	if abandoned != nil {
		return *abandoned, nil
	}
	return "", nil
}

// SetStage records the orchestrator stage of a running run.
func (r *Registry) SetStage(ctx context.Context, id, stage string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE backup_runs SET stage = $2, updated_at = $3 WHERE id = $1`,
		id, stage, r.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set stage of backup run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Finish writes the terminal state of run, releases the singleton claim if
// run holds it and refreshes the status row. Only successful runs count
// toward backup_count and total_backup_size.
func (r *Registry) Finish(ctx context.Context, run *model.BackupRun) error {
	if run.FinishedAt == nil {
		now := r.now().UTC()
		run.FinishedAt = &now
	}
	run.UpdatedAt = *run.FinishedAt
	if run.Warnings == nil {
		run.Warnings = []string{}
	}

	tag, err := r.db.Exec(ctx,
		`WITH run AS (
			UPDATE backup_runs
			SET status = $2, stage = $3, finished_at = $4, artifact_location = $5, size_bytes = $6,
			    duration_millis = $7, checksum = $8, table_count = $9, object_count = $10,
			    warnings = $11, error_message = $12, updated_at = $4
			WHERE id = $1
			RETURNING id, status, size_bytes, finished_at
		)
		UPDATE backup_status s
		SET running_run_id = CASE WHEN s.running_run_id = run.id THEN NULL ELSE s.running_run_id END,
		    running_since = CASE WHEN s.running_run_id = run.id THEN NULL ELSE s.running_since END,
		    last_backup = run.finished_at,
		    last_backup_status = run.status,
		    backup_count = s.backup_count + CASE WHEN run.status = 'success' THEN 1 ELSE 0 END,
		    total_backup_size = s.total_backup_size + CASE WHEN run.status = 'success' THEN run.size_bytes ELSE 0 END,
		    updated_at = run.finished_at
		FROM run
		WHERE s.id = 1`,
		run.ID, run.Status, run.Stage, run.FinishedAt, run.ArtifactLocation, run.SizeBytes,
		run.DurationMillis, run.Checksum, run.TableCount, run.ObjectCount,
		run.Warnings, run.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("finish backup run %s: %w", run.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Reject marks a run that never obtained the claim as failed. The status
// row is left alone so it keeps describing the run that is in flight.
func (r *Registry) Reject(ctx context.Context, id, message string) error {
	now := r.now().UTC()
	tag, err := r.db.Exec(ctx,
		`UPDATE backup_runs SET status = 'failed', finished_at = $2, error_message = $3, updated_at = $2
		 WHERE id = $1 AND status = 'pending'`,
		id, now, message,
	)
	if err != nil {
		return fmt.Errorf("reject backup run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Get returns one run.
func (r *Registry) Get(ctx context.Context, id string) (*model.BackupRun, error) {
	run, err := scanRun(r.db.QueryRow(ctx, `SELECT `+runColumns+` FROM backup_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get backup run %s: %w", id, err)
	}
	return run, nil
}

// List returns runs newest first, optionally restricted to one kind.
func (r *Registry) List(ctx context.Context, kind string, limit int) ([]model.BackupRun, error) {
	query := `SELECT ` + runColumns + ` FROM backup_runs`
	args := []any{}
	argIdx := 1

	if kind != "" {
		query += fmt.Sprintf(` WHERE kind = $%d`, argIdx)
		args = append(args, kind)
		argIdx++
	}
	query += ` ORDER BY started_at DESC, id`
	if limit > 0 {
		query += fmt.Sprintf(` LIMIT $%d`, argIdx)
		args = append(args, limit)
	}

	return r.queryRuns(ctx, "list backup runs", query, args...)
}

// LatestSuccessful returns the newest successful run of kind.
func (r *Registry) LatestSuccessful(ctx context.Context, kind string) (*model.BackupRun, error) {
	run, err := scanRun(r.db.QueryRow(ctx,
		`SELECT `+runColumns+` FROM backup_runs
		 WHERE kind = $1 AND status = 'success' AND purged_at IS NULL
		 ORDER BY finished_at DESC LIMIT 1`, kind))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get latest %s backup: %w", kind, err)
	}
	return run, nil
}

// ListExpired returns successful runs of kind that still have an artifact
// and finished before the cutoff, oldest first.
func (r *Registry) ListExpired(ctx context.Context, kind string, before time.Time) ([]model.BackupRun, error) {
	return r.queryRuns(ctx, "list expired backup runs",
		`SELECT `+runColumns+` FROM backup_runs
		 WHERE kind = $1 AND status = 'success' AND purged_at IS NULL
		   AND artifact_location <> '' AND finished_at < $2
		 ORDER BY finished_at`, kind, before)
}

// ArtifactLocations returns the artifact paths under prefix that still have
// a live run. Purged runs are not included.
func (r *Registry) ArtifactLocations(ctx context.Context, prefix string) (map[string]bool, error) {
	rows, err := r.db.Query(ctx,
		`SELECT artifact_location FROM backup_runs
		 WHERE purged_at IS NULL AND artifact_location <> '' AND starts_with(artifact_location, $1)`, prefix)
	if err != nil {
		return nil, fmt.Errorf("list artifact locations: %w", err)
	}
	defer rows.Close()

	out := make(map[string]bool)
	for rows.Next() {
		var loc string
		if err := rows.Scan(&loc); err != nil {
			return nil, fmt.Errorf("scan artifact location: %w", err)
		}
		out[loc] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifact locations: %w", err)
	}
	return out, nil
}

// MarkPurged records that a run's artifact was removed and subtracts its
// size from the status total. Purging an already purged run is a no-op.
func (r *Registry) MarkPurged(ctx context.Context, id string) error {
	_, err := r.markPurged(ctx, `id = $1`, id)
	if err != nil {
		return fmt.Errorf("mark backup run %s purged: %w", id, err)
	}
	return nil
}

// MarkPurgedByLocation marks every live run whose artifact is at path as
// purged and returns how many were updated.
func (r *Registry) MarkPurgedByLocation(ctx context.Context, path string) (int, error) {
	n, err := r.markPurged(ctx, `artifact_location = $1`, path)
	if err != nil {
		return 0, fmt.Errorf("mark artifact %s purged: %w", path, err)
	}
	return n, nil
}

func (r *Registry) markPurged(ctx context.Context, where string, arg any) (int, error) {
	var n int
	err := r.db.QueryRow(ctx,
		`WITH purged AS (
			UPDATE backup_runs SET purged_at = $2, updated_at = $2
			WHERE `+where+` AND purged_at IS NULL
			RETURNING status, size_bytes
		), total AS (
			UPDATE backup_status
			SET total_backup_size = GREATEST(total_backup_size - (SELECT COALESCE(SUM(size_bytes), 0) FROM purged WHERE status = 'success'), 0),
			    updated_at = $2
			WHERE id = 1
		)
		SELECT count(*) FROM purged`,
		arg, r.now().UTC(),
	).Scan(&n)
	return n, err
}

// Status returns the singleton status row.
func (r *Registry) Status(ctx context.Context) (*model.BackupStatus, error) {
	var s model.BackupStatus
	err := r.db.QueryRow(ctx,
		`SELECT last_backup, last_backup_status, backup_count, total_backup_size,
		        next_scheduled_backup, running_run_id, running_since
		 FROM backup_status WHERE id = 1`,
	).Scan(&s.LastBackup, &s.LastBackupStatus, &s.BackupCount, &s.TotalBackupSize,
		&s.NextScheduledBackup, &s.RunningRunID, &s.RunningSince)
	if err != nil {
		return nil, fmt.Errorf("get backup status: %w", err)
	}
	return &s, nil
}

// SetNextScheduled records when the next scheduled backup will run.
func (r *Registry) SetNextScheduled(ctx context.Context, next *time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE backup_status SET next_scheduled_backup = $1, updated_at = $2 WHERE id = 1`,
		next, r.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set next scheduled backup: %w", err)
	}
	return nil
}

func (r *Registry) queryRuns(ctx context.Context, op, query string, args ...any) ([]model.BackupRun, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	runs := []model.BackupRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan backup run: %w", err)
		}
		runs = append(runs, *run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backup runs: %w", err)
	}
	return runs, nil
}

func scanRun(row pgx.Row) (*model.BackupRun, error) {
	var run model.BackupRun
	err := row.Scan(&run.ID, &run.Kind, &run.Status, &run.Stage, &run.Trigger, &run.StartedAt,
		&run.FinishedAt, &run.ArtifactLocation, &run.SizeBytes, &run.DurationMillis, &run.Checksum,
		&run.TableCount, &run.ObjectCount, &run.Warnings, &run.ErrorMessage, &run.PurgedAt,
		&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &run, nil
}
