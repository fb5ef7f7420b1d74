// Package backtest is the client side of the external backtest simulator.
// The simulator replays history; this package only requests windows and
// maps results into performance metrics.
package backtest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"symbol-optimizer/internal/database"
	"symbol-optimizer/internal/performance"
)

// ErrServiceFailed marks a backtest the simulator could not complete. The
// symbol is skipped for the day, never treated as zero trades.
var ErrServiceFailed = errors.New("backtest failed")

// Service runs one backtest window for a symbol
type Service interface {
	RunBacktest(ctx context.Context, symbol string, start, end time.Time) (*Result, error)
}

// Result is the simulator's answer for a window
type Result struct {
	RunID           string    `json:"run_id,omitempty"`
	Symbol          string    `json:"symbol"`
	WindowStart     time.Time `json:"start_time"`
	WindowEnd       time.Time `json:"end_time"`
	Trades          int       `json:"trades"`
	Wins            int       `json:"wins"`
	Losses          int       `json:"losses"`
	WinRate         float64   `json:"win_rate"` // percent
	Profit          float64   `json:"profit"`
	ProfitPercent   float64   `json:"profit_percent"`
	Drawdown        float64   `json:"drawdown"`
	DrawdownPercent float64   `json:"drawdown_percent"`
	ProfitFactor    float64   `json:"profit_factor"`
	Sharpe          float64   `json:"sharpe"`
	AvgDuration     float64   `json:"avg_duration"` // seconds
	BestTrade       float64   `json:"best_trade"`
	WorstTrade      float64   `json:"worst_trade"`
	// TradeList is optional per-trade detail; when present it supplies the
	// consecutive loss and profit day streaks.
	TradeList []database.TradeOutcome `json:"trade_list,omitempty"`
	Error     string                  `json:"error,omitempty"`
}

// Validate rejects results that cannot be trusted as metrics
func (r *Result) Validate() error {
	if r.Error != "" {
		return fmt.Errorf("%w: %s", ErrServiceFailed, r.Error)
	}
	if r.Trades < 0 || r.Wins < 0 || r.Losses < 0 {
		return fmt.Errorf("%w: negative trade counts", ErrServiceFailed)
	}
	if r.WinRate < 0 || r.WinRate > 100 {
		return fmt.Errorf("%w: win rate %.2f out of range", ErrServiceFailed, r.WinRate)
	}
	for _, v := range []float64{r.Profit, r.ProfitPercent, r.Drawdown, r.DrawdownPercent, r.ProfitFactor, r.Sharpe} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: non-finite metric", ErrServiceFailed)
		}
	}
	return nil
}

// Metrics maps the result to snapshot metrics. loc decides trading days for
// streaks; nil means UTC.
func (r *Result) Metrics(loc *time.Location) database.Metrics {
	if loc == nil {
		loc = time.UTC
	}

	m := database.Metrics{
		Trades:             r.Trades,
		Wins:               r.Wins,
		Losses:             r.Losses,
		WinRate:            r.WinRate,
		NetProfit:          r.Profit,
		ProfitPercent:      r.ProfitPercent,
		Drawdown:           r.Drawdown,
		DrawdownPercent:    r.DrawdownPercent,
		ProfitFactor:       r.ProfitFactor,
		Sharpe:             r.Sharpe,
		AvgDurationMinutes: r.AvgDuration / 60,
		BestTrade:          r.BestTrade,
		WorstTrade:         r.WorstTrade,
	}

	if m.Trades > 0 && m.Wins+m.Losses == 0 {
		m.Wins = int(math.Round(float64(m.Trades) * m.WinRate / 100))
		m.Losses = m.Trades - m.Wins
	}

	if len(r.TradeList) > 0 {
		m.ConsecutiveLossDays, m.ConsecutiveProfitDays = performance.DailyStreaks(r.TradeList, loc)
	}
	return m
}
