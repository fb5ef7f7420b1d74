package risk

import (
	"context"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"symbol-optimizer/internal/database"
)

var t0 = time.Date(2024, 3, 20, 9, 0, 0, 0, time.UTC)

func outcome(profit float64, regime string) database.TradeOutcome {
	return database.TradeOutcome{
		AccountID: "a", Symbol: "EURUSD", Direction: database.DirectionBuy,
		Source: database.SourceLive, Profit: profit, Regime: regime,
	}
}

func TestDefaultLimitsValid(t *testing.T) {
	require.NoError(t, DefaultLimits().Validate())

	bad := DefaultLimits()
	bad.MinRisk = 0
	assert.Error(t, bad.Validate())
}

func TestApplyLossTightens(t *testing.T) {
	l := DefaultLimits()
	c := l.Seed(database.TradingKey{AccountID: "a", Symbol: "EURUSD", Direction: database.DirectionBuy})

	Apply(c, outcome(-10, ""), l, t0)
	assert.InDelta(t, 0.67, c.ConfidenceThreshold, 1e-9)
	assert.InDelta(t, 0.95, c.RiskMultiplier, 1e-9)
	assert.Equal(t, 1, c.ConsecutiveLosses)
	assert.Equal(t, []float64{-10}, c.Window)
	assert.Equal(t, 1, c.WindowLosses)

	Apply(c, outcome(25, ""), l, t0)
	assert.InDelta(t, 0.65, c.ConfidenceThreshold, 1e-9)
	assert.InDelta(t, 1.0, c.RiskMultiplier, 1e-9)
	assert.Equal(t, 0, c.ConsecutiveLosses)
	assert.Equal(t, 1, c.ConsecutiveWins)
	assert.InDelta(t, 50.0, c.WindowWinRate, 1e-9)
	assert.InDelta(t, 2.5, c.WindowProfitFactor, 1e-9)
}

func TestApplyWindowIsFIFO(t *testing.T) {
	l := DefaultLimits()
	l.WindowSize = 3
	c := l.Seed(database.TradingKey{AccountID: "a", Symbol: "EURUSD"})
	for _, p := range []float64{1, 2, 3, 4, 5} {
		Apply(c, outcome(p, ""), l, t0)
	}
	assert.Equal(t, []float64{3, 4, 5}, c.Window)
	assert.Equal(t, 5, c.TotalTrades)
	assert.InDelta(t, 12.0, c.WindowProfit, 1e-9)
}

func TestMultipliersStayClamped(t *testing.T) {
	l := DefaultLimits()
	rng := rand.New(rand.NewSource(42))

	for run := 0; run < 50; run++ {
		c := l.Seed(database.TradingKey{AccountID: "a", Symbol: "EURUSD"})
		now := t0
		for i := 0; i < 500; i++ {
			profit := rng.NormFloat64() * 50
			// Long one-sided streaks push hardest against the bounds
			if run%2 == 0 {
				profit = -abs(profit) - 1
			} else if run%3 == 0 {
				profit = abs(profit) + 1
			}
			Apply(c, outcome(profit, ""), l, now)
			now = now.Add(time.Hour)

			require.GreaterOrEqual(t, c.ConfidenceThreshold, l.MinConfidence)
			require.LessOrEqual(t, c.ConfidenceThreshold, l.MaxConfidence)
			require.GreaterOrEqual(t, c.RiskMultiplier, l.MinRisk)
			require.LessOrEqual(t, c.RiskMultiplier, l.MaxRisk)
			require.GreaterOrEqual(t, c.PositionSizeMultiplier, l.MinPositionSize)
			require.LessOrEqual(t, c.PositionSizeMultiplier, l.MaxPositionSize)
			require.GreaterOrEqual(t, c.SLMultiplier, l.MinSL)
			require.LessOrEqual(t, c.SLMultiplier, l.MaxSL)
			require.GreaterOrEqual(t, c.TPMultiplier, l.MinTP)
			require.LessOrEqual(t, c.TPMultiplier, l.MaxTP)
			require.LessOrEqual(t, len(c.Window), l.WindowSize)
		}
	}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func TestPauseAndCooldown(t *testing.T) {
	l := DefaultLimits()
	c := l.Seed(database.TradingKey{AccountID: "a", Symbol: "EURUSD"})

	for i := 0; i < l.PauseAfterLosses; i++ {
		Apply(c, outcome(-5, ""), l, t0)
	}
	require.NotNil(t, c.PausedAt)
	assert.True(t, IsPaused(c, t0.Add(time.Hour)))
	assert.Equal(t, "3 consecutive losses", c.PauseReason)

	resume := t0.Add(4 * time.Hour)
	assert.False(t, IsPaused(c, resume), "eligible to resume after cooldown")

	Apply(c, outcome(-5, ""), l, resume)
	assert.Nil(t, c.PausedAt, "expired pause is cleared and the streak restarts")
	assert.Equal(t, 1, c.ConsecutiveLosses)
}

func TestRegimePreference(t *testing.T) {
	l := DefaultLimits()
	l.MinRegimeTrades = 2
	c := l.Seed(database.TradingKey{AccountID: "a", Symbol: "EURUSD"})

	Apply(c, outcome(10, database.RegimeTrending), l, t0)
	assert.Empty(t, c.PreferredRegime, "not enough trades yet")

	Apply(c, outcome(10, database.RegimeTrending), l, t0)
	Apply(c, outcome(-10, database.RegimeRanging), l, t0)
	Apply(c, outcome(5, database.RegimeRanging), l, t0)

	assert.Equal(t, database.RegimeTrending, c.PreferredRegime)
	assert.Equal(t, 2, c.RegimeWins[database.RegimeTrending])
	assert.Equal(t, 2, c.RegimeTotals[database.RegimeRanging])
}

func TestAdjusterConcurrentClosesKeepEveryLoss(t *testing.T) {
	ctx := context.Background()
	repo := database.NewMemoryRepository()
	l := DefaultLimits()
	l.PauseAfterLosses = 1000
	adj := NewAdjuster(repo, l, nil)

	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := adj.RecordOutcome(ctx, outcome(-1, ""))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	cfg, err := repo.GetSymbolTradingConfig(ctx, database.TradingKey{AccountID: "a", Symbol: "EURUSD", Direction: database.DirectionBuy})
	require.NoError(t, err)
	assert.Equal(t, 40, cfg.ConsecutiveLosses)
	assert.Equal(t, 40, cfg.TotalTrades)
	assert.Len(t, cfg.Window, 20)
}

func TestAdjusterParams(t *testing.T) {
	ctx := context.Background()
	repo := database.NewMemoryRepository()
	adj := NewAdjuster(repo, DefaultLimits(), nil)
	adj.now = func() time.Time { return t0 }
	key := database.TradingKey{AccountID: "a", Symbol: "EURUSD", Direction: database.DirectionBuy}

	p, err := adj.Params(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, 0.65, p.ConfidenceThreshold)
	assert.False(t, p.Paused)

	for i := 0; i < 3; i++ {
		_, err := adj.RecordOutcome(ctx, outcome(-3, ""))
		require.NoError(t, err)
	}
	p, err = adj.Params(ctx, key)
	require.NoError(t, err)
	assert.True(t, p.Paused)
	require.NotNil(t, p.ResumeAt)
	assert.Equal(t, t0.Add(4*time.Hour), *p.ResumeAt)

	adj.now = func() time.Time { return t0.Add(5 * time.Hour) }
	p, err = adj.Params(ctx, key)
	require.NoError(t, err)
	assert.False(t, p.Paused)
}

func TestNewAdjusterFallsBackOnInvalidLimits(t *testing.T) {
	adj := NewAdjuster(database.NewMemoryRepository(), Limits{}, nil)
	assert.Equal(t, DefaultLimits(), adj.Limits())
}
