package circuit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"symbol-optimizer/internal/database"
	"symbol-optimizer/internal/logging"
	"symbol-optimizer/internal/optimizer"
	"symbol-optimizer/internal/risk"
)

// Store is the committed state the interlock reads and the drawdown row it
// updates under lock.
type Store interface {
	optimizer.ConfigSource
	GetSymbolState(ctx context.Context, accountID, symbol string) (*database.SymbolState, error)
	GetDrawdownState(ctx context.Context, accountID string) (*database.DrawdownState, error)
	UpdateDrawdownState(ctx context.Context, accountID string, fn func(*database.DrawdownState) error) (*database.DrawdownState, error)
}

// ParamsSource reports a symbol's adaptive parameters, including its pause
type ParamsSource interface {
	Params(ctx context.Context, key database.TradingKey) (*risk.Params, error)
}

// Interlock gates live trade attempts. Every check reads committed rows so
// a tripped switch is visible to all processes at once.
type Interlock struct {
	store    Store
	params   ParamsSource
	recorder optimizer.Recorder
	chain    *Chain
	logger   *logging.Logger
	now      func() time.Time
}

// NewInterlock creates an interlock with the default guard chain. params may
// be nil when no risk adjuster is running.
func NewInterlock(store Store, params ParamsSource, recorder optimizer.Recorder, logger *logging.Logger) *Interlock {
	if logger == nil {
		logger = logging.Default()
	}
	return &Interlock{
		store:    store,
		params:   params,
		recorder: recorder,
		chain:    DefaultChain(),
		logger:   logger.WithComponent("interlock"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// TradingDay is the tracking date that now falls in, given the rollover hour
func TradingDay(now time.Time, rolloverHourUTC int) time.Time {
	return database.TruncateDay(now.UTC().Add(-time.Duration(rolloverHourUTC) * time.Hour))
}

// rollover resets the daily counters when the stored day is stale. The total
// drawdown breaker survives.
func rollover(d *database.DrawdownState, day time.Time) bool {
	if !database.TruncateDay(d.TrackingDate).Before(day) {
		return false
	}
	d.TrackingDate = day
	d.DailyPnL = decimal.Zero
	d.DailyPnLPercent = 0
	d.StartOfDayEquity = d.CurrentEquity
	d.ConsecutiveLosses = 0
	d.LimitReached = false
	d.ConsecutiveLimitReached = false
	return true
}

// CheckTrade decides whether a live trade may be opened
func (il *Interlock) CheckTrade(ctx context.Context, req Request) (Verdict, error) {
	if req.AccountID == "" || req.Symbol == "" {
		return Verdict{}, fmt.Errorf("account and symbol are required")
	}

	st, err := il.loadState(ctx, req)
	if err != nil {
		return Verdict{}, err
	}

	v := il.chain.Check(ctx, req, st)
	if !v.Allowed {
		il.logger.Debug("Trade blocked",
			"account_id", req.AccountID,
			"symbol", req.Symbol,
			"direction", req.Direction,
			"guard", v.Guard,
			"reason", v.Reason)
	}
	return v, nil
}

func (il *Interlock) loadState(ctx context.Context, req Request) (*GateState, error) {
	cfg, err := optimizer.LoadConfig(ctx, il.store, req.AccountID)
	if err != nil {
		return nil, err
	}
	st := &GateState{Config: cfg}

	dd, err := il.store.GetDrawdownState(ctx, req.AccountID)
	switch {
	case errors.Is(err, database.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to load drawdown state: %w", err)
	default:
		// A stale row is judged as if the rollover already ran
		rollover(dd, TradingDay(il.now(), cfg.RolloverHourUTC))
		st.Drawdown = dd
	}

	sym, err := il.store.GetSymbolState(ctx, req.AccountID, req.Symbol)
	switch {
	case errors.Is(err, database.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to load symbol state: %w", err)
	default:
		st.Symbol = sym
	}

	if il.params != nil && req.Direction != "" {
		p, err := il.params.Params(ctx, database.TradingKey{AccountID: req.AccountID, Symbol: req.Symbol, Direction: req.Direction})
		if err != nil {
			return nil, fmt.Errorf("failed to load trading params: %w", err)
		}
		st.Params = p
	}
	return st, nil
}

// RecordTradeResult folds a closed live trade into the account's drawdown
// state and trips any switch whose limit it crosses.
func (il *Interlock) RecordTradeResult(ctx context.Context, accountID string, pnl decimal.Decimal, equity float64) (*database.DrawdownState, error) {
	if math.IsNaN(equity) || math.IsInf(equity, 0) {
		return nil, fmt.Errorf("invalid equity %v", equity)
	}
	cfg, err := optimizer.LoadConfig(ctx, il.store, accountID)
	if err != nil {
		return nil, err
	}

	var tripped []database.KillSwitchMetrics
	now := il.now()

	state, err := il.store.UpdateDrawdownState(ctx, accountID, func(d *database.DrawdownState) error {
		tripped = tripped[:0]
		if rollover(d, TradingDay(now, cfg.RolloverHourUTC)) {
			il.logger.Info("Daily drawdown counters rolled over", "account_id", accountID, "tracking_date", d.TrackingDate.Format("2006-01-02"))
		}

		if d.StartOfDayEquity <= 0 {
			d.StartOfDayEquity = equity - pnl.InexactFloat64()
		}
		d.DailyPnL = d.DailyPnL.Add(pnl)
		d.CurrentEquity = equity
		d.HighWaterMark = math.Max(d.HighWaterMark, math.Max(equity, d.StartOfDayEquity))
		if d.StartOfDayEquity > 0 {
			d.DailyPnLPercent = d.DailyPnL.Div(decimal.NewFromFloat(d.StartOfDayEquity)).InexactFloat64()
		}

		switch pnl.Sign() {
		case -1:
			d.ConsecutiveLosses++
		case 1:
			d.ConsecutiveLosses = 0
		}

		// Each switch trips once per day on its own
		if !d.LimitReached && dailyLimitExceeded(d, cfg) {
			d.LimitReached = true
			tripped = append(tripped, killSwitchMetrics(d, GuardDailyLoss, cfg.MaxDailyLossPercent))
		}
		if !d.ConsecutiveLimitReached && cfg.KillSwitchConsecutiveLosses > 0 && d.ConsecutiveLosses >= cfg.KillSwitchConsecutiveLosses {
			d.ConsecutiveLimitReached = true
			tripped = append(tripped, killSwitchMetrics(d, GuardConsecutiveLosses, float64(cfg.KillSwitchConsecutiveLosses)))
		}

		if !d.CircuitBreakerTripped && cfg.MaxTotalDrawdownPercent > 0 && d.DrawdownPercent() >= cfg.MaxTotalDrawdownPercent {
			d.CircuitBreakerTripped = true
			d.TripReason = fmt.Sprintf("drawdown %.2f%% from high-water mark %.2f", d.DrawdownPercent()*100, d.HighWaterMark)
			d.TrippedAt = &now
			tripped = append(tripped, killSwitchMetrics(d, GuardTotalDrawdown, cfg.MaxTotalDrawdownPercent))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update drawdown state: %w", err)
	}

	for i := range tripped {
		m := tripped[i]
		il.logger.Warn("Kill switch triggered",
			"account_id", accountID,
			"guard", m.Guard,
			"daily_pnl", m.DailyPnL,
			"daily_pnl_percent", m.DailyPnLPercent,
			"consecutive_losses", m.ConsecutiveLosses,
			"drawdown_percent", m.DrawdownPercent)
		il.record(ctx, &database.OptimizationEvent{
			AccountID: accountID,
			EventType: database.EventKillSwitchTriggered,
			Reason:    reasonFor(m.Guard),
			Metrics:   database.EventMetrics{KillSwitch: &m},
		})
	}
	return state, nil
}

// Reset is the operator action that clears the total drawdown breaker and
// the consecutive-loss switch. The daily loss limit still waits for rollover.
func (il *Interlock) Reset(ctx context.Context, accountID, operator, reason string) (*database.DrawdownState, error) {
	if operator == "" {
		return nil, fmt.Errorf("operator is required")
	}
	var before database.DrawdownState

	state, err := il.store.UpdateDrawdownState(ctx, accountID, func(d *database.DrawdownState) error {
		before = *d
		d.CircuitBreakerTripped = false
		d.TripReason = ""
		d.TrippedAt = nil
		d.HighWaterMark = d.CurrentEquity
		d.ConsecutiveLosses = 0
		d.ConsecutiveLimitReached = false
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to reset kill switches: %w", err)
	}

	m := killSwitchMetrics(&before, GuardTotalDrawdown, 0)
	m.Operator = operator
	if reason == "" {
		reason = "manual reset"
	}
	il.logger.Info("Kill switches reset", "account_id", accountID, "operator", operator, "reason", reason)
	il.record(ctx, &database.OptimizationEvent{
		AccountID: accountID,
		EventType: database.EventKillSwitchReset,
		Reason:    reason,
		Metrics:   database.EventMetrics{KillSwitch: &m},
	})
	return state, nil
}

// Status returns the account's drawdown state as the gate would judge it now
func (il *Interlock) Status(ctx context.Context, accountID string) (*database.DrawdownState, error) {
	cfg, err := optimizer.LoadConfig(ctx, il.store, accountID)
	if err != nil {
		return nil, err
	}
	d, err := il.store.GetDrawdownState(ctx, accountID)
	if err != nil {
		return nil, err
	}
	rollover(d, TradingDay(il.now(), cfg.RolloverHourUTC))
	return d, nil
}

func (il *Interlock) record(ctx context.Context, e *database.OptimizationEvent) {
	if il.recorder == nil {
		return
	}
	if err := il.recorder.Record(ctx, e); err != nil {
		il.logger.Error("Failed to record kill switch event", "account_id", e.AccountID, "event_type", e.EventType, "error", err)
	}
}

func killSwitchMetrics(d *database.DrawdownState, guard string, limit float64) database.KillSwitchMetrics {
	return database.KillSwitchMetrics{
		Guard:             guard,
		DailyPnL:          d.DailyPnL.String(),
		DailyPnLPercent:   d.DailyPnLPercent,
		Limit:             limit,
		ConsecutiveLosses: d.ConsecutiveLosses,
		DrawdownPercent:   d.DrawdownPercent(),
		HighWaterMark:     d.HighWaterMark,
		Equity:            d.CurrentEquity,
	}
}

func reasonFor(guard string) string {
	switch guard {
	case GuardTotalDrawdown:
		return ReasonTotalDrawdown
	case GuardDailyLoss:
		return ReasonDailyLoss
	case GuardConsecutiveLosses:
		return ReasonConsecutiveLosses
	}
	return guard
}
