package optimizer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"symbol-optimizer/internal/database"
)

var evalDay = time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC)

func scenarioConfig() *database.OptimizationConfig {
	cfg := database.DefaultOptimizationConfig("acct-1")
	cfg.DisableConsecutiveLossDays = 3
	cfg.DisableMinWinRate = 35.0
	cfg.DisableMinTrades = 5
	cfg.EnableMinShadowTrades = 10
	cfg.EnableConsecutiveProfitDays = 5
	cfg.EnableMinWinRate = 55.0
	return cfg
}

func snapshot(backtest, live, shadow database.Metrics) *database.PerformanceSnapshot {
	return &database.PerformanceSnapshot{
		AccountID:      "acct-1",
		Symbol:         "EURUSD",
		EvaluationDate: evalDay,
		WindowStart:    evalDay.AddDate(0, 0, -14),
		WindowEnd:      evalDay,
		Backtest:       backtest,
		Live:           live,
		Shadow:         shadow,
	}
}

func losingBacktest() database.Metrics {
	return database.Metrics{Trades: 6, Wins: 1, Losses: 5, WinRate: 20, ProfitPercent: -3.2, ConsecutiveLossDays: 3}
}

func recoveredShadow() database.Metrics {
	return database.Metrics{Trades: 12, Wins: 7, Losses: 5, WinRate: 60, ProfitPercent: 2.4, ConsecutiveProfitDays: 5}
}

func healthyBacktest() database.Metrics {
	return database.Metrics{Trades: 20, Wins: 12, Losses: 8, WinRate: 60, ProfitPercent: 3.5, DrawdownPercent: 2}
}

func TestEvaluateDisablesLosingSymbol(t *testing.T) {
	cfg := scenarioConfig()
	d := Evaluate(database.SymbolStatusActive, snapshot(losingBacktest(), database.Metrics{}, database.Metrics{}), cfg)

	assert.Equal(t, RuleDisable, d.Rule)
	assert.Equal(t, database.SymbolStatusDisabled, d.To)
	assert.True(t, d.ShadowEnabled, "disabling turns shadow trading on")
	assert.Contains(t, d.Reason, "3 consecutive loss days")
	assert.Contains(t, d.Reason, "win rate 20.0%")
}

func TestEvaluateDisableWithoutShadowFeature(t *testing.T) {
	cfg := scenarioConfig()
	cfg.ShadowTrading = false
	d := Evaluate(database.SymbolStatusWatch, snapshot(losingBacktest(), database.Metrics{}, database.Metrics{}), cfg)
	assert.Equal(t, database.SymbolStatusDisabled, d.To)
	assert.False(t, d.ShadowEnabled)
}

func TestEvaluateNeedsMinimumTradesToDisable(t *testing.T) {
	cfg := scenarioConfig()
	thin := losingBacktest()
	thin.Trades = 4
	d := Evaluate(database.SymbolStatusActive, snapshot(thin, database.Metrics{}, database.Metrics{}), cfg)
	assert.False(t, d.Changed())
}

func TestEvaluatePrefersLiveMetricsOnceSampleQualifies(t *testing.T) {
	cfg := scenarioConfig()
	live := database.Metrics{Trades: 8, Wins: 2, Losses: 6, WinRate: 25, ProfitPercent: -1}
	d := Evaluate(database.SymbolStatusActive, snapshot(healthyBacktest(), live, database.Metrics{}), cfg)
	assert.Equal(t, database.SymbolStatusDisabled, d.To)
	assert.Contains(t, d.Reason, "live")
}

func TestEvaluateEnablesRecoveredShadowSymbol(t *testing.T) {
	cfg := scenarioConfig()
	snap := snapshot(healthyBacktest(), database.Metrics{}, recoveredShadow())

	for _, from := range []database.SymbolStatus{database.SymbolStatusShadowTrade, database.SymbolStatusDisabled} {
		d := Evaluate(from, snap, cfg)
		assert.Equal(t, RuleEnable, d.Rule, from)
		assert.Equal(t, database.SymbolStatusActive, d.To, from)
	}
}

func TestEvaluateEnableThresholds(t *testing.T) {
	cfg := scenarioConfig()
	tests := []struct {
		name   string
		mutate func(m *database.Metrics)
	}{
		{"too few shadow trades", func(m *database.Metrics) { m.Trades = 9 }},
		{"too few profitable days", func(m *database.Metrics) { m.ConsecutiveProfitDays = 4 }},
		{"win rate too low", func(m *database.Metrics) { m.WinRate = 54.9 }},
		{"profit too low", func(m *database.Metrics) { m.ProfitPercent = 0.4 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shadow := recoveredShadow()
			tt.mutate(&shadow)
			d := Evaluate(database.SymbolStatusShadowTrade, snapshot(healthyBacktest(), database.Metrics{}, shadow), cfg)
			assert.False(t, d.Changed())
		})
	}
}

func TestEvaluateEnableRequiresShadowAndAutoEnable(t *testing.T) {
	snap := snapshot(healthyBacktest(), database.Metrics{}, recoveredShadow())

	cfg := scenarioConfig()
	cfg.ShadowTrading = false
	assert.False(t, Evaluate(database.SymbolStatusDisabled, snap, cfg).Changed())

	cfg = scenarioConfig()
	cfg.AutoEnable = false
	assert.False(t, Evaluate(database.SymbolStatusDisabled, snap, cfg).Changed())
}

func TestEnableNeverFiresFromWatch(t *testing.T) {
	cfg := scenarioConfig()
	backtests := []database.Metrics{
		{},
		healthyBacktest(),
		{Trades: 10, WinRate: 45, ProfitPercent: 0},
	}
	for _, bt := range backtests {
		d := Evaluate(database.SymbolStatusWatch, snapshot(bt, database.Metrics{}, recoveredShadow()), cfg)
		assert.NotEqual(t, RuleEnable, d.Rule)
	}
}

func TestEvaluateWatchBand(t *testing.T) {
	cfg := scenarioConfig()
	tests := []struct {
		name    string
		winRate float64
		profit  float64
		watch   bool
	}{
		{"inside band", 45, 0, true},
		{"profit at lower edge", 45, -2, true},
		{"profit at upper edge", 45, 1, true},
		{"win rate at lower edge", 40, 0, false},
		{"win rate at upper edge", 50, 0, false},
		{"profit above band", 45, 1.5, false},
		{"profit below band", 45, -2.5, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bt := database.Metrics{Trades: 10, WinRate: tt.winRate, ProfitPercent: tt.profit}
			d := Evaluate(database.SymbolStatusActive, snapshot(bt, database.Metrics{}, database.Metrics{}), cfg)
			if tt.watch {
				assert.Equal(t, database.SymbolStatusWatch, d.To)
			} else {
				assert.False(t, d.Changed())
			}
		})
	}
}

// Win rate 38% sits below the disable threshold and close to the watch band;
// disable has priority.
func TestDisableWinsOverlappingBands(t *testing.T) {
	cfg := scenarioConfig()
	cfg.WatchMinWinRate = 30
	bt := database.Metrics{Trades: 10, WinRate: 34, ProfitPercent: 0}
	d := Evaluate(database.SymbolStatusActive, snapshot(bt, database.Metrics{}, database.Metrics{}), cfg)
	assert.Equal(t, RuleDisable, d.Rule)
}

func TestWatchRecoversWhenHealthy(t *testing.T) {
	cfg := scenarioConfig()
	d := Evaluate(database.SymbolStatusWatch, snapshot(healthyBacktest(), database.Metrics{}, database.Metrics{}), cfg)
	assert.Equal(t, RuleRecover, d.Rule)
	assert.Equal(t, database.SymbolStatusActive, d.To)
}

func TestDisableCriteriaAreMonotonic(t *testing.T) {
	cfg := scenarioConfig()
	statuses := []database.SymbolStatus{
		database.SymbolStatusActive, database.SymbolStatusWatch,
		database.SymbolStatusShadowTrade, database.SymbolStatusDisabled,
	}
	backtests := []database.Metrics{
		losingBacktest(),
		{Trades: 5, WinRate: 60, ProfitPercent: -6},
		{Trades: 5, WinRate: 60, ProfitPercent: 3, DrawdownPercent: 15},
		{Trades: 7, WinRate: 60, ProfitPercent: 3, ConsecutiveLossDays: 4},
	}
	shadows := []database.Metrics{{}, recoveredShadow()}

	for _, bt := range backtests {
		for _, sh := range shadows {
			snap := snapshot(bt, database.Metrics{}, sh)
			meets, _ := MeetsDisableCriteria(snap, cfg)
			require.True(t, meets)
			for _, status := range statuses {
				d := Evaluate(status, snap, cfg)
				assert.NotEqual(t, database.SymbolStatusActive, d.To, "from %s", status)
			}
		}
	}
}

func TestEvaluateRulesCustomOrder(t *testing.T) {
	cfg := scenarioConfig()
	always := func(*database.PerformanceSnapshot, *database.OptimizationConfig) (bool, string) { return true, "always" }
	rules := []Rule{
		{Name: "first", From: []database.SymbolStatus{database.SymbolStatusActive}, To: database.SymbolStatusWatch, Match: always},
		{Name: "second", From: []database.SymbolStatus{database.SymbolStatusActive}, To: database.SymbolStatusDisabled, Match: always},
	}
	d := EvaluateRules(rules, database.SymbolStatusActive, snapshot(database.Metrics{}, database.Metrics{}, database.Metrics{}), cfg)
	assert.Equal(t, "first", d.Rule)

	d = EvaluateRules(rules, database.SymbolStatusDisabled, snapshot(database.Metrics{}, database.Metrics{}, database.Metrics{}), cfg)
	assert.Equal(t, RuleNoChange, d.Rule)
}
