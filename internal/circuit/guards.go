// Package circuit is the pre-trade safety interlock. Account-wide kill
// switches and per-symbol blocks are independent guards combined by a fixed
// precedence; the broadest block wins.
package circuit

import (
	"context"
	"sort"

	"symbol-optimizer/internal/database"
	"symbol-optimizer/internal/risk"
)

// Guard names, also used as KillSwitchMetrics.Guard
const (
	GuardTotalDrawdown     = "total_drawdown"
	GuardDailyLoss         = "daily_loss"
	GuardConsecutiveLosses = "consecutive_losses"
	GuardSymbol            = "symbol"
)

// Human-readable block reasons surfaced to callers and events
const (
	ReasonTotalDrawdown     = "total drawdown circuit breaker tripped"
	ReasonDailyLoss         = "daily loss limit reached"
	ReasonConsecutiveLosses = "consecutive loss kill switch"
	ReasonSymbolDisabled    = "symbol disabled"
	ReasonSymbolShadow      = "symbol in shadow trading"
	ReasonSymbolPaused      = "symbol paused"
)

// Request is a trade the execution layer wants to open
type Request struct {
	AccountID string `json:"account_id" binding:"required"`
	Symbol    string `json:"symbol" binding:"required"`
	Direction string `json:"direction" binding:"required,oneof=BUY SELL"`
}

// Verdict is the gate's answer. Reason and Guard are empty when allowed.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
	Guard   string `json:"guard,omitempty"`
}

// Allow is the passing verdict
var Allow = Verdict{Allowed: true}

func deny(guard, reason string) Verdict {
	return Verdict{Allowed: false, Guard: guard, Reason: reason}
}

// GateState is the committed state one check reads. It is loaded once so all
// guards judge the same snapshot.
type GateState struct {
	Config   *database.OptimizationConfig
	Drawdown *database.DrawdownState
	Symbol   *database.SymbolState
	Params   *risk.Params
}

// Guard is one independent interlock. Lower Precedence wins.
type Guard interface {
	Name() string
	Precedence() int
	Check(ctx context.Context, req Request, st *GateState) Verdict
}

// Chain evaluates guards in precedence order and returns the first denial
type Chain struct {
	guards []Guard
}

// NewChain orders guards by precedence
func NewChain(guards ...Guard) *Chain {
	sorted := make([]Guard, len(guards))
	copy(sorted, guards)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Precedence() < sorted[j].Precedence() })
	return &Chain{guards: sorted}
}

// DefaultChain is total drawdown > daily loss > consecutive losses > symbol
func DefaultChain() *Chain {
	return NewChain(TotalDrawdownGuard{}, DailyLossGuard{}, ConsecutiveLossGuard{}, SymbolGuard{})
}

// Check returns the highest-precedence denial, or Allow
func (c *Chain) Check(ctx context.Context, req Request, st *GateState) Verdict {
	for _, g := range c.guards {
		if v := g.Check(ctx, req, st); !v.Allowed {
			return v
		}
	}
	return Allow
}

// TotalDrawdownGuard blocks while the breaker is tripped. Only an explicit
// reset clears it.
type TotalDrawdownGuard struct{}

func (TotalDrawdownGuard) Name() string    { return GuardTotalDrawdown }
func (TotalDrawdownGuard) Precedence() int { return 1 }

func (TotalDrawdownGuard) Check(_ context.Context, _ Request, st *GateState) Verdict {
	d := st.Drawdown
	if d == nil {
		return Allow
	}
	if d.CircuitBreakerTripped || (st.Config != nil && st.Config.MaxTotalDrawdownPercent > 0 && d.DrawdownPercent() >= st.Config.MaxTotalDrawdownPercent) {
		return deny(GuardTotalDrawdown, ReasonTotalDrawdown)
	}
	return Allow
}

// DailyLossGuard blocks for the rest of the trading day once the daily loss
// limit is reached.
type DailyLossGuard struct{}

func (DailyLossGuard) Name() string    { return GuardDailyLoss }
func (DailyLossGuard) Precedence() int { return 2 }

func (DailyLossGuard) Check(_ context.Context, _ Request, st *GateState) Verdict {
	d := st.Drawdown
	if d == nil {
		return Allow
	}
	if d.LimitReached || dailyLimitExceeded(d, st.Config) {
		return deny(GuardDailyLoss, ReasonDailyLoss)
	}
	return Allow
}

// ConsecutiveLossGuard blocks after N losing trades in a row account-wide
type ConsecutiveLossGuard struct{}

func (ConsecutiveLossGuard) Name() string    { return GuardConsecutiveLosses }
func (ConsecutiveLossGuard) Precedence() int { return 3 }

func (ConsecutiveLossGuard) Check(_ context.Context, _ Request, st *GateState) Verdict {
	d := st.Drawdown
	if d == nil {
		return Allow
	}
	if d.ConsecutiveLimitReached {
		return deny(GuardConsecutiveLosses, ReasonConsecutiveLosses)
	}
	if st.Config != nil && st.Config.KillSwitchConsecutiveLosses > 0 && d.ConsecutiveLosses >= st.Config.KillSwitchConsecutiveLosses {
		return deny(GuardConsecutiveLosses, ReasonConsecutiveLosses)
	}
	return Allow
}

// SymbolGuard enforces the decision engine's status and the risk adjuster's
// intraday pause.
type SymbolGuard struct{}

func (SymbolGuard) Name() string    { return GuardSymbol }
func (SymbolGuard) Precedence() int { return 4 }

func (SymbolGuard) Check(_ context.Context, _ Request, st *GateState) Verdict {
	if st.Symbol != nil {
		switch st.Symbol.Status {
		case database.SymbolStatusDisabled:
			return deny(GuardSymbol, ReasonSymbolDisabled)
		case database.SymbolStatusShadowTrade:
			return deny(GuardSymbol, ReasonSymbolShadow)
		}
	}
	if st.Params != nil && st.Params.Paused {
		return deny(GuardSymbol, ReasonSymbolPaused)
	}
	return Allow
}

func dailyLimitExceeded(d *database.DrawdownState, cfg *database.OptimizationConfig) bool {
	if cfg == nil {
		return false
	}
	if cfg.MaxDailyLossPercent > 0 && d.StartOfDayEquity > 0 && d.DailyPnLPercent <= -cfg.MaxDailyLossPercent {
		return true
	}
	if cfg.MaxDailyLossAbsolute > 0 && d.DailyPnL.InexactFloat64() <= -cfg.MaxDailyLossAbsolute {
		return true
	}
	return false
}
