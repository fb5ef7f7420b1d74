package performance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"symbol-optimizer/internal/database"
)

var day0 = time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

func trade(dayOffset int, hour int, profit, pct float64) database.TradeOutcome {
	closed := day0.AddDate(0, 0, dayOffset).Add(time.Duration(hour) * time.Hour)
	return database.TradeOutcome{
		AccountID:     "a",
		Symbol:        "EURUSD",
		Profit:        profit,
		ProfitPercent: pct,
		OpenedAt:      closed.Add(-30 * time.Minute),
		ClosedAt:      closed,
	}
}

func TestAggregateEmpty(t *testing.T) {
	assert.Equal(t, database.Metrics{}, Aggregate(nil, 1000))
}

func TestAggregateBasicStats(t *testing.T) {
	trades := []database.TradeOutcome{
		trade(0, 1, 100, 1),
		trade(0, 2, -50, -0.5),
		trade(1, 1, 200, 2),
		trade(1, 2, -100, -1),
		trade(2, 1, 0, 0),
	}

	m := Aggregate(trades, 10000)
	assert.Equal(t, 5, m.Trades)
	assert.Equal(t, 2, m.Wins)
	assert.Equal(t, 2, m.Losses)
	assert.InDelta(t, 40.0, m.WinRate, 1e-9)
	assert.InDelta(t, 150.0, m.NetProfit, 1e-9)
	assert.InDelta(t, 1.5, m.ProfitPercent, 1e-9)
	assert.InDelta(t, 2.0, m.ProfitFactor, 1e-9)
	assert.InDelta(t, 30.0, m.AvgDurationMinutes, 1e-9)
	assert.Equal(t, 200.0, m.BestTrade)
	assert.Equal(t, -100.0, m.WorstTrade)
	// Peak 10250 after trade 3, trough 10150 after trade 4
	assert.InDelta(t, 100.0, m.Drawdown, 1e-9)
	assert.InDelta(t, 100.0/10250*100, m.DrawdownPercent, 1e-9)
}

func TestAggregateWithoutBalanceUsesTradePercents(t *testing.T) {
	trades := []database.TradeOutcome{
		trade(0, 1, 10, 1.0),
		trade(0, 2, -30, -3.0),
		trade(0, 3, 5, 0.5),
	}
	m := Aggregate(trades, 0)
	assert.InDelta(t, -1.5, m.ProfitPercent, 1e-9)
	assert.InDelta(t, 3.0, m.DrawdownPercent, 1e-9)
	assert.InDelta(t, 30.0, m.Drawdown, 1e-9)
}

func TestAggregateSortsByCloseTime(t *testing.T) {
	ordered := []database.TradeOutcome{trade(0, 1, 100, 1), trade(0, 2, -300, -3), trade(0, 3, 50, 0.5)}
	shuffled := []database.TradeOutcome{ordered[2], ordered[0], ordered[1]}
	assert.Equal(t, Aggregate(ordered, 1000), Aggregate(shuffled, 1000))
}

func TestAggregateNoLossesLeavesProfitFactorZero(t *testing.T) {
	m := Aggregate([]database.TradeOutcome{trade(0, 1, 10, 1), trade(0, 2, 20, 2)}, 0)
	assert.Zero(t, m.ProfitFactor)
	assert.Equal(t, 100.0, m.WinRate)
}

func TestAggregateSharpe(t *testing.T) {
	flat := Aggregate([]database.TradeOutcome{trade(0, 1, 10, 1), trade(0, 2, 10, 1)}, 0)
	assert.Zero(t, flat.Sharpe, "zero variance")

	m := Aggregate([]database.TradeOutcome{trade(0, 1, 10, 1), trade(0, 2, 30, 3)}, 0)
	// mean 2, population std dev 1
	assert.InDelta(t, 2.0, m.Sharpe, 1e-9)
}

func TestDailyStreaks(t *testing.T) {
	tests := []struct {
		name       string
		trades     []database.TradeOutcome
		lossDays   int
		profitDays int
	}{
		{"empty", nil, 0, 0},
		{
			"three losing days",
			[]database.TradeOutcome{trade(0, 1, 50, 1), trade(1, 1, -10, -1), trade(2, 1, -5, -1), trade(3, 1, -1, -1)},
			3, 0,
		},
		{
			"net of the day counts",
			[]database.TradeOutcome{trade(0, 1, -10, -1), trade(1, 1, -10, -1), trade(1, 2, 30, 3)},
			0, 1,
		},
		{
			"gaps do not break streak",
			[]database.TradeOutcome{trade(0, 1, 10, 1), trade(3, 1, 10, 1), trade(7, 1, 10, 1)},
			0, 3,
		},
		{
			"flat day breaks streak",
			[]database.TradeOutcome{trade(0, 1, 10, 1), trade(1, 1, 0, 0), trade(2, 1, 10, 1)},
			0, 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			loss, profit := DailyStreaks(tt.trades, time.UTC)
			assert.Equal(t, tt.lossDays, loss)
			assert.Equal(t, tt.profitDays, profit)
		})
	}
}

func TestDailyStreaksHonorsLocation(t *testing.T) {
	tokyo := time.FixedZone("JST", 9*3600)
	// 20:00 UTC on day 0 is already day 1 in Tokyo
	trades := []database.TradeOutcome{trade(0, 1, 10, 1), trade(0, 20, 10, 1)}

	_, utcDays := DailyStreaks(trades, time.UTC)
	_, tokyoDays := DailyStreaks(trades, tokyo)
	assert.Equal(t, 1, utcDays)
	assert.Equal(t, 2, tokyoDays)
}

func TestWindowEvictsOldest(t *testing.T) {
	w := NewWindow[float64](3)
	for _, v := range []float64{1, 2, 3} {
		_, evicted := w.Push(v)
		assert.False(t, evicted)
	}
	old, evicted := w.Push(4)
	assert.True(t, evicted)
	assert.Equal(t, 1.0, old)
	assert.Equal(t, []float64{2, 3, 4}, w.Values())
}

func TestWindowFromTrimsFront(t *testing.T) {
	w := WindowFrom(2, []int{5, 6, 7})
	assert.Equal(t, []int{6, 7}, w.Values())
	assert.Equal(t, 2, w.Size())
}

func TestWindowStats(t *testing.T) {
	w := WindowFrom(20, []float64{10, -5, 0, 20, -5})
	s := w.Stats()
	assert.Equal(t, 2, s.Wins)
	assert.Equal(t, 2, s.Losses)
	assert.Equal(t, 1, s.Breakeven)
	assert.InDelta(t, 20.0, s.Profit, 1e-9)
	assert.InDelta(t, 40.0, s.WinRate, 1e-9)
	assert.InDelta(t, 4.0, s.AvgProfit, 1e-9)
	assert.InDelta(t, 3.0, s.ProfitFactor, 1e-9)

	assert.Equal(t, WindowStats{}, NewWindow[float64](5).Stats())
}

func TestMergeSnapshotFlagsCriteria(t *testing.T) {
	cfg := database.DefaultOptimizationConfig("a")
	evalDate := day0.AddDate(0, 0, 10).Add(3 * time.Hour)

	shadow := make([]database.TradeOutcome, 0, 12)
	for i := 0; i < 5; i++ {
		shadow = append(shadow, trade(i+5, 1, 20, 0.4), trade(i+5, 2, -5, -0.1))
	}
	shadow = append(shadow, trade(9, 3, 15, 0.3), trade(9, 4, 15, 0.3))

	snap, err := MergeSnapshot(SnapshotInput{
		AccountID:      "a",
		Symbol:         "EURUSD",
		EvaluationDate: evalDate,
		WindowStart:    database.TruncateDay(evalDate).AddDate(0, 0, -14),
		WindowEnd:      database.TruncateDay(evalDate),
		Backtest:       database.Metrics{Trades: 6, WinRate: 20, ConsecutiveLossDays: 3},
		Shadow:         Aggregate(shadow, 0),
	}, cfg)
	require.NoError(t, err)

	assert.Equal(t, database.TruncateDay(evalDate), snap.EvaluationDate)
	assert.True(t, snap.MeetsDisableCriteria)
	assert.Equal(t, 12, snap.Shadow.Trades)
	assert.Equal(t, 5, snap.Shadow.ConsecutiveProfitDays)
	assert.True(t, snap.MeetsEnableCriteria, "criteria flags are independent of each other")
	assert.Zero(t, snap.Live.Trades)
}

func TestMergeSnapshotRejectsWideWindow(t *testing.T) {
	cfg := database.DefaultOptimizationConfig("a")
	_, err := MergeSnapshot(SnapshotInput{
		AccountID:      "a",
		Symbol:         "EURUSD",
		EvaluationDate: day0.AddDate(0, 0, 30),
		WindowStart:    day0,
		WindowEnd:      day0.AddDate(0, 0, 30),
	}, cfg)
	assert.ErrorIs(t, err, database.ErrInvalidSnapshot)
}

func losingSnapshot(date time.Time, profitPct float64) database.PerformanceSnapshot {
	return database.PerformanceSnapshot{
		AccountID:      "a",
		Symbol:         "EURUSD",
		EvaluationDate: date,
		Backtest:       database.Metrics{Trades: 8, WinRate: 37.5, ProfitPercent: profitPct},
	}
}

func TestEvaluationLossStreak(t *testing.T) {
	cfg := database.DefaultOptimizationConfig("a")
	today := losingSnapshot(day0.AddDate(0, 0, 10), -1.2)

	history := []database.PerformanceSnapshot{
		losingSnapshot(day0.AddDate(0, 0, 7), 0.4),
		losingSnapshot(day0.AddDate(0, 0, 9), -0.8),
		losingSnapshot(day0.AddDate(0, 0, 8), -2.0),
		losingSnapshot(day0.AddDate(0, 0, 10), -1.2),
	}
	assert.Equal(t, 3, EvaluationLossStreak(&today, history, cfg))
	assert.Equal(t, 1, EvaluationLossStreak(&today, nil, cfg))

	history[1].Backtest.Trades = 0
	assert.Equal(t, 1, EvaluationLossStreak(&today, history, cfg), "a day without trades ends the run")

	today.Backtest.ProfitPercent = 0.1
	assert.Zero(t, EvaluationLossStreak(&today, history, cfg))
}

func TestMergeSnapshotDisablesOnLosingEvaluationDays(t *testing.T) {
	cfg := database.DefaultOptimizationConfig("a")
	evalDate := day0.AddDate(0, 0, 20)
	in := SnapshotInput{
		AccountID:      "a",
		Symbol:         "EURUSD",
		EvaluationDate: evalDate,
		WindowStart:    evalDate.AddDate(0, 0, -14),
		WindowEnd:      evalDate,
		// Above the win rate and loss floors, so only the streak can disable
		Backtest: database.Metrics{Trades: 8, WinRate: 37.5, ProfitPercent: -1.2},
	}

	snap, err := MergeSnapshot(in, cfg)
	require.NoError(t, err)
	assert.Equal(t, 1, snap.Backtest.ConsecutiveLossDays)
	assert.False(t, snap.MeetsDisableCriteria)

	in.History = []database.PerformanceSnapshot{
		losingSnapshot(evalDate.AddDate(0, 0, -1), -1.2),
		losingSnapshot(evalDate.AddDate(0, 0, -2), -1.2),
	}
	snap, err = MergeSnapshot(in, cfg)
	require.NoError(t, err)
	assert.Equal(t, 3, snap.Backtest.ConsecutiveLossDays)
	assert.True(t, snap.MeetsDisableCriteria)
}
