package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// querier is satisfied by both *pgxpool.Pool and pgx.Tx
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// TransitionFunc decides what happens to a locked symbol row. It may mutate
// state and returns the event to append in the same transaction, or nil when
// nothing changed.
type TransitionFunc func(state *SymbolState) (*OptimizationEvent, error)

// =====================================================
// SYMBOL STATUS
// =====================================================

// GetSymbolState reads the latest committed status row, or ErrNotFound
func (r *Repository) GetSymbolState(ctx context.Context, accountID, symbol string) (*SymbolState, error) {
	return scanSymbolState(r.db.Pool.QueryRow(ctx, `
		SELECT account_id, symbol, status, shadow_enabled, reason, last_evaluated, updated_at
		FROM symbol_status WHERE account_id = $1 AND symbol = $2
	`, accountID, symbol))
}

// ListSymbolStates returns every status row for an account
func (r *Repository) ListSymbolStates(ctx context.Context, accountID string) ([]SymbolState, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT account_id, symbol, status, shadow_enabled, reason, last_evaluated, updated_at
		FROM symbol_status WHERE account_id = $1 ORDER BY symbol
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list symbol states: %w", err)
	}
	defer rows.Close()

	var states []SymbolState
	for rows.Next() {
		s, err := scanSymbolState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, *s)
	}
	return states, rows.Err()
}

func scanSymbolState(row pgx.Row) (*SymbolState, error) {
	s := &SymbolState{}
	var status string
	err := row.Scan(&s.AccountID, &s.Symbol, &status, &s.ShadowEnabled, &s.Reason, &s.LastEvaluated, &s.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan symbol state: %w", err)
	}
	s.Status = SymbolStatus(status)
	return s, nil
}

// lockSymbolState seeds a missing row as active and locks it for update
func lockSymbolState(ctx context.Context, tx pgx.Tx, accountID, symbol string) (*SymbolState, error) {
	if _, err := tx.Exec(ctx, `
		INSERT INTO symbol_status (account_id, symbol, status) VALUES ($1, $2, 'active')
		ON CONFLICT (account_id, symbol) DO NOTHING
	`, accountID, symbol); err != nil {
		return nil, fmt.Errorf("failed to seed symbol status: %w", err)
	}

	return scanSymbolState(tx.QueryRow(ctx, `
		SELECT account_id, symbol, status, shadow_enabled, reason, last_evaluated, updated_at
		FROM symbol_status WHERE account_id = $1 AND symbol = $2
		FOR UPDATE
	`, accountID, symbol))
}

func writeSymbolState(ctx context.Context, tx pgx.Tx, s *SymbolState) error {
	err := tx.QueryRow(ctx, `
		UPDATE symbol_status
		SET status = $3, shadow_enabled = $4, reason = $5, last_evaluated = $6, updated_at = NOW()
		WHERE account_id = $1 AND symbol = $2
		RETURNING updated_at
	`, s.AccountID, s.Symbol, string(s.Status), s.ShadowEnabled, s.Reason, s.LastEvaluated).Scan(&s.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to update symbol status: %w", err)
	}
	return nil
}

// UpdateSymbolState locks the (account, symbol) row, applies fn and appends
// the returned event, all in one transaction.
func (r *Repository) UpdateSymbolState(ctx context.Context, accountID, symbol string, fn TransitionFunc) (*SymbolState, *OptimizationEvent, error) {
	var state *SymbolState
	var event *OptimizationEvent

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		var err error
		state, err = lockSymbolState(ctx, tx, accountID, symbol)
		if err != nil {
			return err
		}

		event, err = fn(state)
		if err != nil {
			return err
		}
		if err := writeSymbolState(ctx, tx, state); err != nil {
			return err
		}
		if event != nil {
			return insertEvent(ctx, tx, event)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return state, event, nil
}

// CommitEvaluation persists the day's snapshot and, in the same transaction,
// locks the symbol row, applies fn and appends its event. A snapshot that
// already exists for (account, symbol, date) yields ErrDuplicate and leaves
// everything untouched.
func (r *Repository) CommitEvaluation(ctx context.Context, snap *PerformanceSnapshot, fn TransitionFunc) (*SymbolState, *OptimizationEvent, error) {
	var state *SymbolState
	var event *OptimizationEvent

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		if err := insertSnapshot(ctx, tx, snap); err != nil {
			return err
		}

		var err error
		state, err = lockSymbolState(ctx, tx, snap.AccountID, snap.Symbol)
		if err != nil {
			return err
		}

		event, err = fn(state)
		if err != nil {
			return err
		}

		evaluated := TruncateDay(snap.EvaluationDate)
		state.LastEvaluated = &evaluated
		if err := writeSymbolState(ctx, tx, state); err != nil {
			return err
		}

		if event != nil {
			if event.SnapshotID == nil {
				event.SnapshotID = &snap.ID
			}
			return insertEvent(ctx, tx, event)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return state, event, nil
}

// =====================================================
// PERFORMANCE SNAPSHOTS
// =====================================================

// EncodeMetrics serializes metrics for the JSONB snapshot columns
func EncodeMetrics(m Metrics) ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMetrics is the inverse of EncodeMetrics
func DecodeMetrics(raw []byte) (Metrics, error) {
	var m Metrics
	if len(raw) == 0 {
		return m, nil
	}
	err := json.Unmarshal(raw, &m)
	return m, err
}

func insertSnapshot(ctx context.Context, q querier, snap *PerformanceSnapshot) error {
	backtest, err := EncodeMetrics(snap.Backtest)
	if err != nil {
		return fmt.Errorf("failed to encode backtest metrics: %w", err)
	}
	live, err := EncodeMetrics(snap.Live)
	if err != nil {
		return fmt.Errorf("failed to encode live metrics: %w", err)
	}
	shadow, err := EncodeMetrics(snap.Shadow)
	if err != nil {
		return fmt.Errorf("failed to encode shadow metrics: %w", err)
	}

	err = q.QueryRow(ctx, `
		INSERT INTO performance_snapshots (
			account_id, symbol, evaluation_date, window_start, window_end,
			backtest_metrics, live_metrics, shadow_metrics,
			meets_enable_criteria, meets_disable_criteria, backtest_run_id, backtest_error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id, created_at
	`,
		snap.AccountID, snap.Symbol, TruncateDay(snap.EvaluationDate), snap.WindowStart, snap.WindowEnd,
		backtest, live, shadow,
		snap.MeetsEnableCriteria, snap.MeetsDisableCriteria, snap.BacktestRunID, snap.BacktestError,
	).Scan(&snap.ID, &snap.CreatedAt)
	if IsUniqueViolation(err) {
		return fmt.Errorf("snapshot %s/%s %s: %w", snap.AccountID, snap.Symbol,
			snap.EvaluationDate.Format("2006-01-02"), ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to insert performance snapshot: %w", err)
	}
	return nil
}

// GetSnapshot loads the snapshot for (account, symbol, date), or ErrNotFound
func (r *Repository) GetSnapshot(ctx context.Context, accountID, symbol string, date time.Time) (*PerformanceSnapshot, error) {
	row := r.db.Pool.QueryRow(ctx, snapshotSelect+`
		WHERE account_id = $1 AND symbol = $2 AND evaluation_date = $3
	`, accountID, symbol, TruncateDay(date))
	return scanSnapshot(row)
}

// ListSnapshots returns the most recent snapshots for a symbol, newest first
func (r *Repository) ListSnapshots(ctx context.Context, accountID, symbol string, limit int) ([]PerformanceSnapshot, error) {
	if limit <= 0 {
		limit = 30
	}
	rows, err := r.db.Pool.Query(ctx, snapshotSelect+`
		WHERE account_id = $1 AND symbol = $2
		ORDER BY evaluation_date DESC LIMIT $3
	`, accountID, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var snaps []PerformanceSnapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, *s)
	}
	return snaps, rows.Err()
}

const snapshotSelect = `
	SELECT id, account_id, symbol, evaluation_date, window_start, window_end,
		backtest_metrics, live_metrics, shadow_metrics,
		meets_enable_criteria, meets_disable_criteria, backtest_run_id, backtest_error, created_at
	FROM performance_snapshots`

func scanSnapshot(row pgx.Row) (*PerformanceSnapshot, error) {
	s := &PerformanceSnapshot{}
	var backtest, live, shadow []byte
	err := row.Scan(
		&s.ID, &s.AccountID, &s.Symbol, &s.EvaluationDate, &s.WindowStart, &s.WindowEnd,
		&backtest, &live, &shadow,
		&s.MeetsEnableCriteria, &s.MeetsDisableCriteria, &s.BacktestRunID, &s.BacktestError, &s.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan snapshot: %w", err)
	}

	if s.Backtest, err = DecodeMetrics(backtest); err != nil {
		return nil, fmt.Errorf("failed to decode backtest metrics: %w", err)
	}
	if s.Live, err = DecodeMetrics(live); err != nil {
		return nil, fmt.Errorf("failed to decode live metrics: %w", err)
	}
	if s.Shadow, err = DecodeMetrics(shadow); err != nil {
		return nil, fmt.Errorf("failed to decode shadow metrics: %w", err)
	}
	return s, nil
}

// =====================================================
// OPTIMIZATION EVENTS
// =====================================================

// prepareEvent assigns identity and timestamp to a new event
func prepareEvent(e *OptimizationEvent) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
}

func insertEvent(ctx context.Context, q querier, e *OptimizationEvent) error {
	prepareEvent(e)

	metrics, err := json.Marshal(e.Metrics)
	if err != nil {
		return fmt.Errorf("failed to encode event metrics: %w", err)
	}

	_, err = q.Exec(ctx, `
		INSERT INTO optimization_events (
			id, account_id, symbol, event_type, old_status, new_status, reason, metrics, snapshot_id, run_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, e.ID, e.AccountID, e.Symbol, string(e.EventType), string(e.OldStatus), string(e.NewStatus),
		e.Reason, metrics, e.SnapshotID, e.RunID, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert optimization event: %w", err)
	}
	return nil
}

// InsertEvent appends an audit event outside of any status transaction
func (r *Repository) InsertEvent(ctx context.Context, e *OptimizationEvent) error {
	return insertEvent(ctx, r.db.Pool, e)
}

// ListEvents returns events matching the filter, newest first
func (r *Repository) ListEvents(ctx context.Context, f EventFilter) ([]OptimizationEvent, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, account_id, symbol, event_type, old_status, new_status, reason, metrics, snapshot_id, run_id, created_at
		FROM optimization_events
		WHERE account_id = $1
			AND ($2 = '' OR symbol = $2)
			AND ($3 = '' OR event_type = $3)
			AND created_at >= $4
		ORDER BY created_at DESC
		LIMIT $5
	`, f.AccountID, f.Symbol, string(f.EventType), f.Since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list optimization events: %w", err)
	}
	defer rows.Close()

	var events []OptimizationEvent
	for rows.Next() {
		var e OptimizationEvent
		var eventType, oldStatus, newStatus string
		var metrics []byte
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Symbol, &eventType, &oldStatus, &newStatus,
			&e.Reason, &metrics, &e.SnapshotID, &e.RunID, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan optimization event: %w", err)
		}
		e.EventType = EventType(eventType)
		e.OldStatus = SymbolStatus(oldStatus)
		e.NewStatus = SymbolStatus(newStatus)
		if len(metrics) > 0 {
			if err := json.Unmarshal(metrics, &e.Metrics); err != nil {
				return nil, fmt.Errorf("failed to decode event metrics: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
