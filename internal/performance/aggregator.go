// Package performance derives rolling trade statistics from closed trades.
// Everything here is a pure function of its inputs.
package performance

import (
	"math"
	"sort"
	"time"

	"symbol-optimizer/internal/database"
)

// Aggregate computes metrics for a set of closed trades.
//
// When startingBalance is positive, ProfitPercent and DrawdownPercent are
// measured against the equity curve that starts at that balance. Otherwise
// they are derived from the per-trade ProfitPercent values.
func Aggregate(outcomes []database.TradeOutcome, startingBalance float64) database.Metrics {
	var m database.Metrics
	if len(outcomes) == 0 {
		return m
	}

	trades := sortedByClose(outcomes)
	m.Trades = len(trades)

	var grossProfit, grossLoss, totalMinutes, percentSum float64
	m.BestTrade = math.Inf(-1)
	m.WorstTrade = math.Inf(1)

	for _, t := range trades {
		switch {
		case t.Profit > 0:
			m.Wins++
			grossProfit += t.Profit
		case t.Profit < 0:
			m.Losses++
			grossLoss += -t.Profit
		}
		m.NetProfit += t.Profit
		percentSum += t.ProfitPercent
		totalMinutes += t.Duration().Minutes()
		m.BestTrade = math.Max(m.BestTrade, t.Profit)
		m.WorstTrade = math.Min(m.WorstTrade, t.Profit)
	}

	m.WinRate = float64(m.Wins) / float64(m.Trades) * 100
	m.AvgDurationMinutes = totalMinutes / float64(m.Trades)

	// Profit factor stays 0 when there are no losing trades
	if grossLoss > 0 {
		m.ProfitFactor = grossProfit / grossLoss
	}

	if startingBalance > 0 {
		m.ProfitPercent = m.NetProfit / startingBalance * 100
		m.Drawdown, m.DrawdownPercent = equityDrawdown(trades, startingBalance)
	} else {
		m.ProfitPercent = percentSum
		m.Drawdown, _ = equityDrawdown(trades, 0)
		m.DrawdownPercent = percentDrawdown(trades)
	}

	m.Sharpe = sharpe(trades)
	m.ConsecutiveLossDays, m.ConsecutiveProfitDays = DailyStreaks(trades, time.UTC)
	return m
}

func sortedByClose(outcomes []database.TradeOutcome) []database.TradeOutcome {
	trades := make([]database.TradeOutcome, len(outcomes))
	copy(trades, outcomes)
	sort.SliceStable(trades, func(i, j int) bool { return trades[i].ClosedAt.Before(trades[j].ClosedAt) })
	return trades
}

// equityDrawdown walks the equity curve and returns the largest peak-to-trough
// decline in money and as a percentage of the peak.
func equityDrawdown(trades []database.TradeOutcome, start float64) (float64, float64) {
	equity := start
	peak := start
	var maxDD, maxPct float64

	for _, t := range trades {
		equity += t.Profit
		if equity > peak {
			peak = equity
		}
		dd := peak - equity
		if dd > maxDD {
			maxDD = dd
		}
		if peak > 0 {
			if pct := dd / peak * 100; pct > maxPct {
				maxPct = pct
			}
		}
	}
	return maxDD, maxPct
}

// percentDrawdown is the largest decline of the cumulative ProfitPercent curve
func percentDrawdown(trades []database.TradeOutcome) float64 {
	var cum, peak, maxDD float64
	for _, t := range trades {
		cum += t.ProfitPercent
		if cum > peak {
			peak = cum
		}
		if dd := peak - cum; dd > maxDD {
			maxDD = dd
		}
	}
	return maxDD
}

// sharpe is the per-trade mean return over its standard deviation, with a
// zero risk-free rate.
func sharpe(trades []database.TradeOutcome) float64 {
	if len(trades) < 2 {
		return 0
	}

	var sum float64
	for _, t := range trades {
		sum += t.ProfitPercent
	}
	mean := sum / float64(len(trades))

	var variance float64
	for _, t := range trades {
		diff := t.ProfitPercent - mean
		variance += diff * diff
	}
	stdDev := math.Sqrt(variance / float64(len(trades)))
	if stdDev == 0 {
		return 0
	}
	return mean / stdDev
}

// DailyStreaks groups trades by the calendar day they closed in loc and
// returns the number of consecutive losing days and consecutive profitable
// days that end at the most recent trading day. Days without closed trades
// do not break a streak; a flat day does. At most one of the two is non-zero.
func DailyStreaks(outcomes []database.TradeOutcome, loc *time.Location) (lossDays, profitDays int) {
	if len(outcomes) == 0 {
		return 0, 0
	}
	if loc == nil {
		loc = time.UTC
	}

	daily := make(map[string]float64)
	for _, t := range outcomes {
		daily[t.ClosedAt.In(loc).Format("2006-01-02")] += t.Profit
	}

	days := make([]string, 0, len(daily))
	for d := range daily {
		days = append(days, d)
	}
	sort.Strings(days)

	last := daily[days[len(days)-1]]
	for i := len(days) - 1; i >= 0; i-- {
		pnl := daily[days[i]]
		switch {
		case last < 0 && pnl < 0:
			lossDays++
		case last > 0 && pnl > 0:
			profitDays++
		default:
			return lossDays, profitDays
		}
	}
	return lossDays, profitDays
}
