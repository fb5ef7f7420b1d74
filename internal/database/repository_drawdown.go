package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// =====================================================
// DRAWDOWN STATE (account-wide kill switches)
// =====================================================

const drawdownSelect = `
	SELECT account_id, tracking_date, daily_pnl::text, daily_pnl_percent, start_of_day_equity,
		high_water_mark, current_equity, consecutive_losses, limit_reached, consecutive_limit_reached,
		circuit_breaker_tripped, trip_reason, tripped_at, updated_at
	FROM drawdown_states`

func scanDrawdown(row pgx.Row) (*DrawdownState, error) {
	d := &DrawdownState{}
	var pnl string
	err := row.Scan(&d.AccountID, &d.TrackingDate, &pnl, &d.DailyPnLPercent, &d.StartOfDayEquity,
		&d.HighWaterMark, &d.CurrentEquity, &d.ConsecutiveLosses, &d.LimitReached, &d.ConsecutiveLimitReached,
		&d.CircuitBreakerTripped, &d.TripReason, &d.TrippedAt, &d.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan drawdown state: %w", err)
	}
	if d.DailyPnL, err = decimal.NewFromString(pnl); err != nil {
		return nil, fmt.Errorf("failed to parse daily pnl %q: %w", pnl, err)
	}
	return d, nil
}

// GetDrawdownState reads the latest committed state, or ErrNotFound
func (r *Repository) GetDrawdownState(ctx context.Context, accountID string) (*DrawdownState, error) {
	return scanDrawdown(r.db.Pool.QueryRow(ctx, drawdownSelect+` WHERE account_id = $1`, accountID))
}

// UpdateDrawdownState locks the account row (creating it if needed), applies
// fn and writes the result back in one transaction.
func (r *Repository) UpdateDrawdownState(ctx context.Context, accountID string, fn func(*DrawdownState) error) (*DrawdownState, error) {
	var state *DrawdownState

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO drawdown_states (account_id, tracking_date) VALUES ($1, $2)
			ON CONFLICT (account_id) DO NOTHING
		`, accountID, TruncateDay(time.Now())); err != nil {
			return fmt.Errorf("failed to seed drawdown state: %w", err)
		}

		var err error
		state, err = scanDrawdown(tx.QueryRow(ctx, drawdownSelect+` WHERE account_id = $1 FOR UPDATE`, accountID))
		if err != nil {
			return err
		}

		if err := fn(state); err != nil {
			return err
		}

		return tx.QueryRow(ctx, `
			UPDATE drawdown_states SET
				tracking_date = $2, daily_pnl = $3::numeric, daily_pnl_percent = $4, start_of_day_equity = $5,
				high_water_mark = $6, current_equity = $7, consecutive_losses = $8,
				limit_reached = $9, consecutive_limit_reached = $10, circuit_breaker_tripped = $11,
				trip_reason = $12, tripped_at = $13, updated_at = NOW()
			WHERE account_id = $1
			RETURNING updated_at
		`, state.AccountID, TruncateDay(state.TrackingDate), state.DailyPnL.String(), state.DailyPnLPercent,
			state.StartOfDayEquity, state.HighWaterMark, state.CurrentEquity, state.ConsecutiveLosses,
			state.LimitReached, state.ConsecutiveLimitReached, state.CircuitBreakerTripped,
			state.TripReason, state.TrippedAt).Scan(&state.UpdatedAt)
	})
	if err != nil {
		return nil, err
	}
	return state, nil
}

// =====================================================
// SYMBOL TRADING CONFIG (risk adjuster state)
// =====================================================

const tradingConfigSelect = `
	SELECT account_id, symbol, direction, confidence_threshold, risk_multiplier, position_size_multiplier,
		sl_multiplier, tp_multiplier, trade_window, window_wins, window_losses, window_breakeven,
		window_profit, window_win_rate, window_avg_profit, window_profit_factor,
		total_trades, consecutive_wins, consecutive_losses, regime_wins, regime_totals, preferred_regime,
		paused_at, cooldown_hours, pause_reason, updated_at
	FROM symbol_trading_configs`

func scanTradingConfig(row pgx.Row) (*SymbolTradingConfig, error) {
	c := &SymbolTradingConfig{}
	var window, wins, totals []byte
	err := row.Scan(&c.AccountID, &c.Symbol, &c.Direction, &c.ConfidenceThreshold, &c.RiskMultiplier,
		&c.PositionSizeMultiplier, &c.SLMultiplier, &c.TPMultiplier, &window, &c.WindowWins, &c.WindowLosses,
		&c.WindowBreakeven, &c.WindowProfit, &c.WindowWinRate, &c.WindowAvgProfit, &c.WindowProfitFactor,
		&c.TotalTrades, &c.ConsecutiveWins, &c.ConsecutiveLosses, &wins, &totals, &c.PreferredRegime,
		&c.PausedAt, &c.CooldownHours, &c.PauseReason, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan symbol trading config: %w", err)
	}

	if err := json.Unmarshal(window, &c.Window); err != nil {
		return nil, fmt.Errorf("failed to decode trade window: %w", err)
	}
	if err := json.Unmarshal(wins, &c.RegimeWins); err != nil {
		return nil, fmt.Errorf("failed to decode regime wins: %w", err)
	}
	if err := json.Unmarshal(totals, &c.RegimeTotals); err != nil {
		return nil, fmt.Errorf("failed to decode regime totals: %w", err)
	}
	return c, nil
}

// GetSymbolTradingConfig returns the tuning state for a key, or ErrNotFound
func (r *Repository) GetSymbolTradingConfig(ctx context.Context, key TradingKey) (*SymbolTradingConfig, error) {
	return scanTradingConfig(r.db.Pool.QueryRow(ctx, tradingConfigSelect+`
		WHERE account_id = $1 AND symbol = $2 AND direction = $3
	`, key.AccountID, key.Symbol, key.Direction))
}

// UpdateSymbolTradingConfig inserts seed when the row does not exist, then
// locks the row, applies fn and writes it back in one transaction.
func (r *Repository) UpdateSymbolTradingConfig(ctx context.Context, seed *SymbolTradingConfig, fn func(*SymbolTradingConfig) error) (*SymbolTradingConfig, error) {
	var cfg *SymbolTradingConfig

	err := r.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO symbol_trading_configs (
				account_id, symbol, direction, confidence_threshold, risk_multiplier,
				position_size_multiplier, sl_multiplier, tp_multiplier
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (account_id, symbol, direction) DO NOTHING
		`, seed.AccountID, seed.Symbol, seed.Direction, seed.ConfidenceThreshold, seed.RiskMultiplier,
			seed.PositionSizeMultiplier, seed.SLMultiplier, seed.TPMultiplier); err != nil {
			return fmt.Errorf("failed to seed symbol trading config: %w", err)
		}

		var err error
		cfg, err = scanTradingConfig(tx.QueryRow(ctx, tradingConfigSelect+`
			WHERE account_id = $1 AND symbol = $2 AND direction = $3
			FOR UPDATE
		`, seed.AccountID, seed.Symbol, seed.Direction))
		if err != nil {
			return err
		}

		if err := fn(cfg); err != nil {
			return err
		}

		window, err := json.Marshal(cfg.Window)
		if err != nil {
			return fmt.Errorf("failed to encode trade window: %w", err)
		}
		wins, err := json.Marshal(nonNilCounts(cfg.RegimeWins))
		if err != nil {
			return fmt.Errorf("failed to encode regime wins: %w", err)
		}
		totals, err := json.Marshal(nonNilCounts(cfg.RegimeTotals))
		if err != nil {
			return fmt.Errorf("failed to encode regime totals: %w", err)
		}

		return tx.QueryRow(ctx, `
			UPDATE symbol_trading_configs SET
				confidence_threshold = $4, risk_multiplier = $5, position_size_multiplier = $6,
				sl_multiplier = $7, tp_multiplier = $8, trade_window = $9, window_wins = $10,
				window_losses = $11, window_breakeven = $12, window_profit = $13, window_win_rate = $14,
				window_avg_profit = $15, window_profit_factor = $16, total_trades = $17,
				consecutive_wins = $18, consecutive_losses = $19, regime_wins = $20, regime_totals = $21,
				preferred_regime = $22, paused_at = $23, cooldown_hours = $24, pause_reason = $25,
				updated_at = NOW()
			WHERE account_id = $1 AND symbol = $2 AND direction = $3
			RETURNING updated_at
		`, cfg.AccountID, cfg.Symbol, cfg.Direction,
			cfg.ConfidenceThreshold, cfg.RiskMultiplier, cfg.PositionSizeMultiplier,
			cfg.SLMultiplier, cfg.TPMultiplier, window, cfg.WindowWins,
			cfg.WindowLosses, cfg.WindowBreakeven, cfg.WindowProfit, cfg.WindowWinRate,
			cfg.WindowAvgProfit, cfg.WindowProfitFactor, cfg.TotalTrades,
			cfg.ConsecutiveWins, cfg.ConsecutiveLosses, wins, totals,
			cfg.PreferredRegime, cfg.PausedAt, cfg.CooldownHours, cfg.PauseReason,
		).Scan(&cfg.UpdatedAt)
	})
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

func nonNilCounts(m map[string]int) map[string]int {
	if m == nil {
		return map[string]int{}
	}
	return m
}
