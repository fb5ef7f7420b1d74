package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// =====================================================
// SCHEDULE RUNS
// =====================================================

const scheduleRunSelect = `
	SELECT id, account_id, run_date, status, forced, symbols_evaluated, symbols_enabled,
		symbols_disabled, symbols_watched, symbols_failed, error_message, started_at, finished_at, created_at
	FROM schedule_runs`

func scanScheduleRun(row pgx.Row) (*ScheduleRun, error) {
	run := &ScheduleRun{}
	var status string
	err := row.Scan(&run.ID, &run.AccountID, &run.RunDate, &status, &run.Forced, &run.SymbolsEvaluated,
		&run.SymbolsEnabled, &run.SymbolsDisabled, &run.SymbolsWatched, &run.SymbolsFailed,
		&run.ErrorMessage, &run.StartedAt, &run.FinishedAt, &run.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan schedule run: %w", err)
	}
	run.Status = RunStatus(status)
	return run, nil
}

// ClaimRun moves the (account, date) run row to running.
//
// A completed run for the date returns ErrAlreadyCompleted unless force is
// set; a pending or running run for the account (any date) returns
// ErrRunInProgress. A failed run for the date is reclaimed.
func (r *Repository) ClaimRun(ctx context.Context, accountID string, date time.Time, force bool, now time.Time) (*ScheduleRun, error) {
	day := TruncateDay(date)
	var run *ScheduleRun

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var insertedID string
		err := tx.QueryRow(ctx, `
			INSERT INTO schedule_runs (id, account_id, run_date, status, forced, started_at)
			VALUES ($1, $2, $3, 'running', $4, $5)
			ON CONFLICT (account_id, run_date) DO NOTHING
			RETURNING id
		`, uuid.NewString(), accountID, day, force, now).Scan(&insertedID)
		if IsUniqueViolation(err) {
			return ErrRunInProgress
		}
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("failed to insert schedule run: %w", err)
		}

		existing, err := scanScheduleRun(tx.QueryRow(ctx, scheduleRunSelect+`
			WHERE account_id = $1 AND run_date = $2 FOR UPDATE
		`, accountID, day))
		if err != nil {
			return err
		}
		if insertedID != "" {
			run = existing
			return nil
		}

		switch existing.Status {
		case RunPending, RunRunning:
			return ErrRunInProgress
		case RunCompleted:
			if !force {
				return ErrAlreadyCompleted
			}
		}

		_, err = tx.Exec(ctx, `
			UPDATE schedule_runs SET
				status = 'running', forced = $2, symbols_evaluated = 0, symbols_enabled = 0,
				symbols_disabled = 0, symbols_watched = 0, symbols_failed = 0,
				error_message = '', started_at = $3, finished_at = NULL
			WHERE id = $1
		`, existing.ID, force, now)
		if IsUniqueViolation(err) {
			return ErrRunInProgress
		}
		if err != nil {
			return fmt.Errorf("failed to reclaim schedule run: %w", err)
		}

		started := now
		existing.Status = RunRunning
		existing.Forced = force
		existing.SymbolsEvaluated, existing.SymbolsEnabled, existing.SymbolsDisabled = 0, 0, 0
		existing.SymbolsWatched, existing.SymbolsFailed = 0, 0
		existing.ErrorMessage = ""
		existing.StartedAt = &started
		existing.FinishedAt = nil
		run = existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// FinishRun stores the run's final counters and status
func (r *Repository) FinishRun(ctx context.Context, run *ScheduleRun) error {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE schedule_runs SET
			status = $2, symbols_evaluated = $3, symbols_enabled = $4, symbols_disabled = $5,
			symbols_watched = $6, symbols_failed = $7, error_message = $8, finished_at = $9
		WHERE id = $1
	`, run.ID, string(run.Status), run.SymbolsEvaluated, run.SymbolsEnabled, run.SymbolsDisabled,
		run.SymbolsWatched, run.SymbolsFailed, run.ErrorMessage, run.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to finish schedule run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FailStaleRuns marks pending/running runs started before cutoff as failed
func (r *Repository) FailStaleRuns(ctx context.Context, cutoff time.Time, message string) (int64, error) {
	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE schedule_runs
		SET status = 'failed', error_message = $2, finished_at = NOW()
		WHERE status IN ('pending', 'running') AND COALESCE(started_at, created_at) < $1
	`, cutoff, message)
	if err != nil {
		return 0, fmt.Errorf("failed to reconcile stale runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListRuns returns the account's most recent runs, newest first
func (r *Repository) ListRuns(ctx context.Context, accountID string, limit int) ([]ScheduleRun, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := r.db.Pool.Query(ctx, scheduleRunSelect+`
		WHERE account_id = $1 ORDER BY run_date DESC LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedule runs: %w", err)
	}
	defer rows.Close()

	var runs []ScheduleRun
	for rows.Next() {
		run, err := scanScheduleRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}
