package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// =====================================================
// OPTIMIZATION CONFIG AND SUBSCRIPTIONS
// =====================================================

// GetOptimizationConfig returns the account's thresholds, or ErrNotFound
func (r *Repository) GetOptimizationConfig(ctx context.Context, accountID string) (*OptimizationConfig, error) {
	query := `
		SELECT account_id, disable_min_trades, disable_consecutive_loss_days, disable_min_win_rate,
			disable_max_loss_percent, disable_max_drawdown_percent,
			enable_min_shadow_trades, enable_consecutive_profit_days, enable_min_win_rate, enable_min_profit_percent,
			watch_min_win_rate, watch_max_win_rate, watch_min_profit_percent, watch_max_profit_percent,
			backtest_window_days, max_daily_loss_percent, max_daily_loss_absolute,
			kill_switch_consecutive_losses, max_total_drawdown_percent, rollover_hour_utc,
			auto_disable, auto_enable, shadow_trading, notifications, updated_at
		FROM optimization_configs
		WHERE account_id = $1
	`

	c := &OptimizationConfig{}
	err := r.db.Pool.QueryRow(ctx, query, accountID).Scan(
		&c.AccountID, &c.DisableMinTrades, &c.DisableConsecutiveLossDays, &c.DisableMinWinRate,
		&c.DisableMaxLossPercent, &c.DisableMaxDrawdownPercent,
		&c.EnableMinShadowTrades, &c.EnableConsecutiveProfitDays, &c.EnableMinWinRate, &c.EnableMinProfitPercent,
		&c.WatchMinWinRate, &c.WatchMaxWinRate, &c.WatchMinProfitPercent, &c.WatchMaxProfitPercent,
		&c.BacktestWindowDays, &c.MaxDailyLossPercent, &c.MaxDailyLossAbsolute,
		&c.KillSwitchConsecutiveLosses, &c.MaxTotalDrawdownPercent, &c.RolloverHourUTC,
		&c.AutoDisable, &c.AutoEnable, &c.ShadowTrading, &c.Notifications, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get optimization config: %w", err)
	}
	return c, nil
}

// SaveOptimizationConfig validates and upserts the account's thresholds.
// This is the only write path for OptimizationConfig.
func (r *Repository) SaveOptimizationConfig(ctx context.Context, c *OptimizationConfig) error {
	if err := c.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO optimization_configs (
			account_id, disable_min_trades, disable_consecutive_loss_days, disable_min_win_rate,
			disable_max_loss_percent, disable_max_drawdown_percent,
			enable_min_shadow_trades, enable_consecutive_profit_days, enable_min_win_rate, enable_min_profit_percent,
			watch_min_win_rate, watch_max_win_rate, watch_min_profit_percent, watch_max_profit_percent,
			backtest_window_days, max_daily_loss_percent, max_daily_loss_absolute,
			kill_switch_consecutive_losses, max_total_drawdown_percent, rollover_hour_utc,
			auto_disable, auto_enable, shadow_trading, notifications, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24, NOW())
		ON CONFLICT (account_id) DO UPDATE SET
			disable_min_trades = EXCLUDED.disable_min_trades,
			disable_consecutive_loss_days = EXCLUDED.disable_consecutive_loss_days,
			disable_min_win_rate = EXCLUDED.disable_min_win_rate,
			disable_max_loss_percent = EXCLUDED.disable_max_loss_percent,
			disable_max_drawdown_percent = EXCLUDED.disable_max_drawdown_percent,
			enable_min_shadow_trades = EXCLUDED.enable_min_shadow_trades,
			enable_consecutive_profit_days = EXCLUDED.enable_consecutive_profit_days,
			enable_min_win_rate = EXCLUDED.enable_min_win_rate,
			enable_min_profit_percent = EXCLUDED.enable_min_profit_percent,
			watch_min_win_rate = EXCLUDED.watch_min_win_rate,
			watch_max_win_rate = EXCLUDED.watch_max_win_rate,
			watch_min_profit_percent = EXCLUDED.watch_min_profit_percent,
			watch_max_profit_percent = EXCLUDED.watch_max_profit_percent,
			backtest_window_days = EXCLUDED.backtest_window_days,
			max_daily_loss_percent = EXCLUDED.max_daily_loss_percent,
			max_daily_loss_absolute = EXCLUDED.max_daily_loss_absolute,
			kill_switch_consecutive_losses = EXCLUDED.kill_switch_consecutive_losses,
			max_total_drawdown_percent = EXCLUDED.max_total_drawdown_percent,
			rollover_hour_utc = EXCLUDED.rollover_hour_utc,
			auto_disable = EXCLUDED.auto_disable,
			auto_enable = EXCLUDED.auto_enable,
			shadow_trading = EXCLUDED.shadow_trading,
			notifications = EXCLUDED.notifications,
			updated_at = NOW()
		RETURNING updated_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		c.AccountID, c.DisableMinTrades, c.DisableConsecutiveLossDays, c.DisableMinWinRate,
		c.DisableMaxLossPercent, c.DisableMaxDrawdownPercent,
		c.EnableMinShadowTrades, c.EnableConsecutiveProfitDays, c.EnableMinWinRate, c.EnableMinProfitPercent,
		c.WatchMinWinRate, c.WatchMaxWinRate, c.WatchMinProfitPercent, c.WatchMaxProfitPercent,
		c.BacktestWindowDays, c.MaxDailyLossPercent, c.MaxDailyLossAbsolute,
		c.KillSwitchConsecutiveLosses, c.MaxTotalDrawdownPercent, c.RolloverHourUTC,
		c.AutoDisable, c.AutoEnable, c.ShadowTrading, c.Notifications,
	).Scan(&c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save optimization config: %w", err)
	}
	return nil
}

// AddSubscription subscribes a symbol and seeds its status as active.
// Subscribing an already subscribed symbol is a no-op.
func (r *Repository) AddSubscription(ctx context.Context, accountID, symbol string) error {
	return r.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO subscriptions (account_id, symbol) VALUES ($1, $2)
			ON CONFLICT (account_id, symbol) DO NOTHING
		`, accountID, symbol); err != nil {
			return fmt.Errorf("failed to add subscription: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO symbol_status (account_id, symbol, status) VALUES ($1, $2, 'active')
			ON CONFLICT (account_id, symbol) DO NOTHING
		`, accountID, symbol); err != nil {
			return fmt.Errorf("failed to seed symbol status: %w", err)
		}
		return nil
	})
}

// RemoveSubscription stops daily evaluation; status history is kept
func (r *Repository) RemoveSubscription(ctx context.Context, accountID, symbol string) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM subscriptions WHERE account_id = $1 AND symbol = $2`, accountID, symbol)
	if err != nil {
		return fmt.Errorf("failed to remove subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSubscriptions returns the account's subscribed symbols ordered by symbol
func (r *Repository) ListSubscriptions(ctx context.Context, accountID string) ([]Subscription, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT account_id, symbol, created_at FROM subscriptions
		WHERE account_id = $1 ORDER BY symbol
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()

	var subs []Subscription
	for rows.Next() {
		var s Subscription
		if err := rows.Scan(&s.AccountID, &s.Symbol, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, s)
	}
	return subs, rows.Err()
}

// ListAccounts returns every account with at least one subscription
func (r *Repository) ListAccounts(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, `SELECT DISTINCT account_id FROM subscriptions ORDER BY account_id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, id)
	}
	return accounts, rows.Err()
}
