package circuit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"symbol-optimizer/internal/database"
	"symbol-optimizer/internal/risk"
)

type eventLog struct {
	mu     sync.Mutex
	events []*database.OptimizationEvent
}

func (l *eventLog) Record(ctx context.Context, e *database.OptimizationEvent) error {
	l.Publish(e)
	return nil
}

func (l *eventLog) Publish(e *database.OptimizationEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *eventLog) types() []database.EventType {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]database.EventType, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.EventType)
	}
	return out
}

func newTestInterlock(t *testing.T) (*Interlock, *database.MemoryRepository, *eventLog, *time.Time) {
	t.Helper()
	repo := database.NewMemoryRepository()
	log := &eventLog{}
	il := NewInterlock(repo, nil, log, nil)
	// The memory repository seeds rows with today's date, so the test clock starts today
	now := time.Now().UTC()
	il.now = func() time.Time { return now }
	return il, repo, log, &now
}

func setStatus(t *testing.T, repo *database.MemoryRepository, account, symbol string, status database.SymbolStatus) {
	t.Helper()
	_, _, err := repo.UpdateSymbolState(context.Background(), account, symbol, func(s *database.SymbolState) (*database.OptimizationEvent, error) {
		s.Status = status
		return nil, nil
	})
	require.NoError(t, err)
}

func TestDailyLossBlocksAllSymbolsForTheDay(t *testing.T) {
	ctx := context.Background()
	il, repo, log, now := newTestInterlock(t)
	setStatus(t, repo, "acct", "EURUSD", database.SymbolStatusActive)

	_, err := il.RecordTradeResult(ctx, "acct", decimal.NewFromInt(-200), 9800)
	require.NoError(t, err)

	v, err := il.CheckTrade(ctx, Request{AccountID: "acct", Symbol: "EURUSD", Direction: database.DirectionBuy})
	require.NoError(t, err)
	assert.True(t, v.Allowed, "a 2 percent loss is inside the limit")

	state, err := il.RecordTradeResult(ctx, "acct", decimal.NewFromInt(-300), 9500)
	require.NoError(t, err)
	assert.InDelta(t, -0.05, state.DailyPnLPercent, 1e-12)
	assert.True(t, state.LimitReached)
	assert.Equal(t, "-500", state.DailyPnL.String())

	for _, sym := range []string{"EURUSD", "GBPUSD", "BTCUSDT"} {
		v, err := il.CheckTrade(ctx, Request{AccountID: "acct", Symbol: sym, Direction: database.DirectionSell})
		require.NoError(t, err)
		assert.False(t, v.Allowed, sym)
		assert.Equal(t, ReasonDailyLoss, v.Reason, sym)
	}

	// Other accounts are unaffected
	v, err = il.CheckTrade(ctx, Request{AccountID: "other", Symbol: "EURUSD", Direction: database.DirectionBuy})
	require.NoError(t, err)
	assert.True(t, v.Allowed)

	assert.Equal(t, []database.EventType{database.EventKillSwitchTriggered}, log.types())
	require.NotNil(t, log.events[0].Metrics.KillSwitch)
	assert.Equal(t, GuardDailyLoss, log.events[0].Metrics.KillSwitch.Guard)

	// Next trading day the daily limit clears
	*now = now.Add(24 * time.Hour)
	v, err = il.CheckTrade(ctx, Request{AccountID: "acct", Symbol: "EURUSD", Direction: database.DirectionBuy})
	require.NoError(t, err)
	assert.True(t, v.Allowed)

	state, err = il.RecordTradeResult(ctx, "acct", decimal.NewFromInt(50), 9550)
	require.NoError(t, err)
	assert.False(t, state.LimitReached)
	assert.Equal(t, "50", state.DailyPnL.String())
	assert.Equal(t, 9500.0, state.StartOfDayEquity)
}

func TestTotalDrawdownBreakerNeedsExplicitReset(t *testing.T) {
	ctx := context.Background()
	il, _, log, now := newTestInterlock(t)
	req := Request{AccountID: "acct", Symbol: "EURUSD", Direction: database.DirectionBuy}

	_, err := il.RecordTradeResult(ctx, "acct", decimal.NewFromInt(1000), 11000)
	require.NoError(t, err)

	*now = now.Add(24 * time.Hour)
	state, err := il.RecordTradeResult(ctx, "acct", decimal.NewFromInt(-400), 10600)
	require.NoError(t, err)
	assert.False(t, state.CircuitBreakerTripped)

	*now = now.Add(24 * time.Hour)
	state, err = il.RecordTradeResult(ctx, "acct", decimal.NewFromInt(-500), 10100)
	require.NoError(t, err)
	assert.False(t, state.CircuitBreakerTripped)

	*now = now.Add(24 * time.Hour)
	state, err = il.RecordTradeResult(ctx, "acct", decimal.NewFromInt(-500), 9600)
	require.NoError(t, err)
	assert.False(t, state.CircuitBreakerTripped)
	assert.False(t, state.LimitReached)

	// 11000 -> 8800 is a 20% drawdown
	*now = now.Add(24 * time.Hour)
	state, err = il.RecordTradeResult(ctx, "acct", decimal.NewFromInt(-400), 9200)
	require.NoError(t, err)
	assert.False(t, state.CircuitBreakerTripped)
	*now = now.Add(24 * time.Hour)
	state, err = il.RecordTradeResult(ctx, "acct", decimal.NewFromInt(-400), 8800)
	require.NoError(t, err)
	require.True(t, state.CircuitBreakerTripped)
	assert.NotNil(t, state.TrippedAt)

	v, err := il.CheckTrade(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, Verdict{Allowed: false, Guard: GuardTotalDrawdown, Reason: ReasonTotalDrawdown}, v)

	// Survives rollover
	*now = now.Add(72 * time.Hour)
	v, err = il.CheckTrade(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ReasonTotalDrawdown, v.Reason)

	_, err = il.Reset(ctx, "acct", "", "")
	assert.Error(t, err, "reset needs an operator")

	state, err = il.Reset(ctx, "acct", "ops@example.com", "reviewed")
	require.NoError(t, err)
	assert.False(t, state.CircuitBreakerTripped)
	assert.Equal(t, 8800.0, state.HighWaterMark)

	v, err = il.CheckTrade(ctx, req)
	require.NoError(t, err)
	assert.True(t, v.Allowed)

	types := log.types()
	require.NotEmpty(t, types)
	assert.Equal(t, database.EventKillSwitchReset, types[len(types)-1])
	assert.Contains(t, types, database.EventKillSwitchTriggered)
}

func TestConsecutiveLossKillSwitch(t *testing.T) {
	ctx := context.Background()
	il, _, _, _ := newTestInterlock(t)
	req := Request{AccountID: "acct", Symbol: "EURUSD", Direction: database.DirectionBuy}

	equity := 100000.0
	for i := 0; i < 4; i++ {
		equity -= 10
		_, err := il.RecordTradeResult(ctx, "acct", decimal.NewFromInt(-10), equity)
		require.NoError(t, err)
	}
	v, err := il.CheckTrade(ctx, req)
	require.NoError(t, err)
	assert.True(t, v.Allowed)

	state, err := il.RecordTradeResult(ctx, "acct", decimal.NewFromInt(-10), equity-10)
	require.NoError(t, err)
	assert.Equal(t, 5, state.ConsecutiveLosses)
	assert.True(t, state.ConsecutiveLimitReached)
	assert.False(t, state.LimitReached)

	v, err = il.CheckTrade(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, ReasonConsecutiveLosses, v.Reason)

	_, err = il.Reset(ctx, "acct", "ops", "")
	require.NoError(t, err)
	v, err = il.CheckTrade(ctx, req)
	require.NoError(t, err)
	assert.True(t, v.Allowed)
}

func TestResetKeepsDailyLimitTrippedAfterConsecutiveSwitch(t *testing.T) {
	ctx := context.Background()
	il, _, log, _ := newTestInterlock(t)
	req := Request{AccountID: "acct", Symbol: "EURUSD", Direction: database.DirectionBuy}

	equity := 10000.0
	for i := 0; i < 5; i++ {
		equity -= 10
		_, err := il.RecordTradeResult(ctx, "acct", decimal.NewFromInt(-10), equity)
		require.NoError(t, err)
	}

	// -650 on the day is 6.5%, past the daily limit
	equity -= 600
	state, err := il.RecordTradeResult(ctx, "acct", decimal.NewFromInt(-600), equity)
	require.NoError(t, err)
	assert.True(t, state.ConsecutiveLimitReached)
	assert.True(t, state.LimitReached)

	var guards []string
	for _, e := range log.events {
		require.Equal(t, database.EventKillSwitchTriggered, e.EventType)
		guards = append(guards, e.Metrics.KillSwitch.Guard)
	}
	assert.Equal(t, []string{GuardConsecutiveLosses, GuardDailyLoss}, guards)

	state, err = il.Reset(ctx, "acct", "ops", "")
	require.NoError(t, err)
	assert.False(t, state.ConsecutiveLimitReached)
	assert.True(t, state.LimitReached, "reset leaves the daily limit alone")

	// Back inside the limit, the day stays blocked
	state, err = il.RecordTradeResult(ctx, "acct", decimal.NewFromInt(200), equity+200)
	require.NoError(t, err)
	assert.InDelta(t, -0.045, state.DailyPnLPercent, 1e-12)

	v, err := il.CheckTrade(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, Verdict{Allowed: false, Guard: GuardDailyLoss, Reason: ReasonDailyLoss}, v)
}

func TestGuardPrecedence(t *testing.T) {
	ctx := context.Background()
	cfg := database.DefaultOptimizationConfig("acct")
	req := Request{AccountID: "acct", Symbol: "EURUSD", Direction: database.DirectionBuy}

	st := &GateState{
		Config: cfg,
		Drawdown: &database.DrawdownState{
			DailyPnL:              decimal.NewFromInt(-600),
			DailyPnLPercent:       -0.06,
			StartOfDayEquity:      10000,
			ConsecutiveLosses:     6,
			CircuitBreakerTripped: true,
		},
		Symbol: &database.SymbolState{Status: database.SymbolStatusDisabled},
		Params: &risk.Params{Paused: true},
	}

	chain := DefaultChain()
	assert.Equal(t, ReasonTotalDrawdown, chain.Check(ctx, req, st).Reason)

	st.Drawdown.CircuitBreakerTripped = false
	assert.Equal(t, ReasonDailyLoss, chain.Check(ctx, req, st).Reason)

	st.Drawdown.DailyPnL = decimal.Zero
	st.Drawdown.DailyPnLPercent = 0
	assert.Equal(t, ReasonConsecutiveLosses, chain.Check(ctx, req, st).Reason)

	st.Drawdown.ConsecutiveLosses = 0
	assert.Equal(t, ReasonSymbolDisabled, chain.Check(ctx, req, st).Reason)

	st.Symbol.Status = database.SymbolStatusShadowTrade
	assert.Equal(t, ReasonSymbolShadow, chain.Check(ctx, req, st).Reason)

	st.Symbol.Status = database.SymbolStatusWatch
	assert.Equal(t, ReasonSymbolPaused, chain.Check(ctx, req, st).Reason)

	st.Params.Paused = false
	assert.Equal(t, Allow, chain.Check(ctx, req, st))
}

func TestNewChainSortsByPrecedence(t *testing.T) {
	chain := NewChain(SymbolGuard{}, ConsecutiveLossGuard{}, TotalDrawdownGuard{}, DailyLossGuard{})
	names := make([]string, 0, len(chain.guards))
	for _, g := range chain.guards {
		names = append(names, g.Name())
	}
	assert.Equal(t, []string{GuardTotalDrawdown, GuardDailyLoss, GuardConsecutiveLosses, GuardSymbol}, names)
}

func TestAbsoluteDailyLimit(t *testing.T) {
	cfg := database.DefaultOptimizationConfig("acct")
	cfg.MaxDailyLossAbsolute = 250
	d := &database.DrawdownState{DailyPnL: decimal.NewFromInt(-250), StartOfDayEquity: 100000, DailyPnLPercent: -0.0025}
	assert.True(t, dailyLimitExceeded(d, cfg))

	d.DailyPnL = decimal.NewFromInt(-249)
	assert.False(t, dailyLimitExceeded(d, cfg))
}

func TestSymbolPauseBlocksTrades(t *testing.T) {
	ctx := context.Background()
	repo := database.NewMemoryRepository()
	adj := risk.NewAdjuster(repo, risk.DefaultLimits(), nil)
	il := NewInterlock(repo, adj, nil, nil)

	for i := 0; i < risk.DefaultLimits().PauseAfterLosses; i++ {
		_, err := adj.RecordOutcome(ctx, database.TradeOutcome{
			AccountID: "acct", Symbol: "EURUSD", Direction: database.DirectionBuy,
			Source: database.SourceLive, Profit: -1, ClosedAt: time.Now(),
		})
		require.NoError(t, err)
	}

	v, err := il.CheckTrade(ctx, Request{AccountID: "acct", Symbol: "EURUSD", Direction: database.DirectionBuy})
	require.NoError(t, err)
	assert.Equal(t, ReasonSymbolPaused, v.Reason)

	// The pause is per direction
	v, err = il.CheckTrade(ctx, Request{AccountID: "acct", Symbol: "EURUSD", Direction: database.DirectionSell})
	require.NoError(t, err)
	assert.True(t, v.Allowed)
}

func TestTradingDayRespectsRolloverHour(t *testing.T) {
	at := time.Date(2024, 3, 20, 2, 30, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 20, 0, 0, 0, 0, time.UTC), TradingDay(at, 0))
	assert.Equal(t, time.Date(2024, 3, 19, 0, 0, 0, 0, time.UTC), TradingDay(at, 5))
}
