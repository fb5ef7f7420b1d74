package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =====================================================
// SHADOW TRADES
// =====================================================

const shadowTradeSelect = `
	SELECT id, account_id, symbol, direction, volume, entry_time, entry_price, stop_loss, take_profit,
		exit_time, exit_price, profit, exit_reason, signal_id, regime, snapshot_date, created_at
	FROM shadow_trades`

// CreateShadowTrade inserts an open simulated position. The partial unique
// index on open positions turns a concurrent second open into ErrDuplicate.
func (r *Repository) CreateShadowTrade(ctx context.Context, t *ShadowTrade) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO shadow_trades (
			id, account_id, symbol, direction, volume, entry_time, entry_price,
			stop_loss, take_profit, signal_id, regime
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at
	`, t.ID, t.AccountID, t.Symbol, t.Direction, t.Volume, t.EntryTime, t.EntryPrice,
		t.StopLoss, t.TakeProfit, t.SignalID, t.Regime,
	).Scan(&t.CreatedAt)
	if IsUniqueViolation(err) {
		return fmt.Errorf("open shadow trade for %s/%s: %w", t.AccountID, t.Symbol, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("failed to create shadow trade: %w", err)
	}
	return nil
}

// CloseShadowTrade writes the exit exactly once. Closing an already closed
// or unknown trade returns ErrNotFound.
func (r *Repository) CloseShadowTrade(ctx context.Context, t *ShadowTrade) error {
	if t.ExitTime == nil || t.ExitPrice == nil || t.Profit == nil || t.ExitReason == nil {
		return fmt.Errorf("close shadow trade %s: exit fields are required", t.ID)
	}

	tag, err := r.db.Pool.Exec(ctx, `
		UPDATE shadow_trades
		SET exit_time = $2, exit_price = $3, profit = $4, exit_reason = $5, snapshot_date = $6
		WHERE id = $1 AND exit_time IS NULL
	`, t.ID, *t.ExitTime, *t.ExitPrice, *t.Profit, string(*t.ExitReason), t.SnapshotDate)
	if err != nil {
		return fmt.Errorf("failed to close shadow trade: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("shadow trade %s not open: %w", t.ID, ErrNotFound)
	}
	return nil
}

// ListOpenShadowTrades returns every open simulated position
func (r *Repository) ListOpenShadowTrades(ctx context.Context) ([]ShadowTrade, error) {
	return r.queryShadowTrades(ctx, shadowTradeSelect+` WHERE exit_time IS NULL ORDER BY entry_time`)
}

// ListClosedShadowTrades returns trades for a symbol that exited within [from, to)
func (r *Repository) ListClosedShadowTrades(ctx context.Context, accountID, symbol string, from, to time.Time) ([]ShadowTrade, error) {
	return r.queryShadowTrades(ctx, shadowTradeSelect+`
		WHERE account_id = $1 AND symbol = $2 AND exit_time >= $3 AND exit_time < $4
		ORDER BY exit_time
	`, accountID, symbol, from, to)
}

func (r *Repository) queryShadowTrades(ctx context.Context, query string, args ...any) ([]ShadowTrade, error) {
	rows, err := r.db.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query shadow trades: %w", err)
	}
	defer rows.Close()

	var trades []ShadowTrade
	for rows.Next() {
		var t ShadowTrade
		var reason *string
		if err := rows.Scan(&t.ID, &t.AccountID, &t.Symbol, &t.Direction, &t.Volume, &t.EntryTime, &t.EntryPrice,
			&t.StopLoss, &t.TakeProfit, &t.ExitTime, &t.ExitPrice, &t.Profit, &reason,
			&t.SignalID, &t.Regime, &t.SnapshotDate, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan shadow trade: %w", err)
		}
		if reason != nil {
			er := ExitReason(*reason)
			t.ExitReason = &er
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// =====================================================
// TRADE OUTCOMES
// =====================================================

// InsertTradeOutcome records a closed live or shadow trade
func (r *Repository) InsertTradeOutcome(ctx context.Context, o *TradeOutcome) error {
	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO trade_outcomes (account_id, symbol, direction, source, profit, profit_percent, opened_at, closed_at, regime)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, o.AccountID, o.Symbol, o.Direction, o.Source, o.Profit, o.ProfitPercent, o.OpenedAt, o.ClosedAt, o.Regime).Scan(&o.ID)
	if err != nil {
		return fmt.Errorf("failed to insert trade outcome: %w", err)
	}
	return nil
}

// ListTradeOutcomes returns outcomes from source closed within [from, to), oldest first
func (r *Repository) ListTradeOutcomes(ctx context.Context, accountID, symbol, source string, from, to time.Time) ([]TradeOutcome, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, account_id, symbol, direction, source, profit, profit_percent, opened_at, closed_at, regime
		FROM trade_outcomes
		WHERE account_id = $1 AND symbol = $2 AND source = $3 AND closed_at >= $4 AND closed_at < $5
		ORDER BY closed_at
	`, accountID, symbol, source, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to list trade outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []TradeOutcome
	for rows.Next() {
		var o TradeOutcome
		if err := rows.Scan(&o.ID, &o.AccountID, &o.Symbol, &o.Direction, &o.Source, &o.Profit,
			&o.ProfitPercent, &o.OpenedAt, &o.ClosedAt, &o.Regime); err != nil {
			return nil, fmt.Errorf("failed to scan trade outcome: %w", err)
		}
		outcomes = append(outcomes, o)
	}
	return outcomes, rows.Err()
}

// GetShadowTrade loads a single simulated position, or ErrNotFound
func (r *Repository) GetShadowTrade(ctx context.Context, id string) (*ShadowTrade, error) {
	trades, err := r.queryShadowTrades(ctx, shadowTradeSelect+` WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return nil, ErrNotFound
	}
	return &trades[0], nil
}
