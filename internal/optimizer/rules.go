// Package optimizer decides the daily status of every (account, symbol) pair.
//
// Rules form an ordered cascade evaluated short-circuit: disable, then enable,
// then watch, then recovery of watched symbols. When nothing matches the
// symbol keeps its status.
package optimizer

import (
	"fmt"
	"strings"

	"symbol-optimizer/internal/database"
)

// Rule names, recorded on decisions and in event metrics
const (
	RuleDisable  = "disable"
	RuleEnable   = "enable"
	RuleWatch    = "watch"
	RuleRecover  = "recover"
	RuleNoChange = "no_change"
)

// Rule is one step of the cascade. It only applies to symbols whose current
// status is in From; Match reports whether it fires and a human-readable reason.
type Rule struct {
	Name  string
	From  []database.SymbolStatus
	To    database.SymbolStatus
	Match func(snap *database.PerformanceSnapshot, cfg *database.OptimizationConfig) (bool, string)
}

func (r Rule) appliesTo(status database.SymbolStatus) bool {
	for _, s := range r.From {
		if s == status {
			return true
		}
	}
	return false
}

// Decision is the outcome of evaluating one snapshot
type Decision struct {
	Rule          string                `json:"rule"`
	From          database.SymbolStatus `json:"from"`
	To            database.SymbolStatus `json:"to"`
	Reason        string                `json:"reason"`
	ShadowEnabled bool                  `json:"shadow_enabled"`
}

// Changed reports whether the decision is a status transition
func (d Decision) Changed() bool {
	return d.From != d.To
}

// DefaultRules is the production cascade in priority order
var DefaultRules = []Rule{
	{
		Name: RuleDisable,
		From: []database.SymbolStatus{database.SymbolStatusActive, database.SymbolStatusWatch},
		To:   database.SymbolStatusDisabled,
		Match: func(snap *database.PerformanceSnapshot, cfg *database.OptimizationConfig) (bool, string) {
			if !cfg.AutoDisable {
				return false, ""
			}
			return MeetsDisableCriteria(snap, cfg)
		},
	},
	{
		Name: RuleEnable,
		From: []database.SymbolStatus{database.SymbolStatusDisabled, database.SymbolStatusShadowTrade},
		To:   database.SymbolStatusActive,
		Match: func(snap *database.PerformanceSnapshot, cfg *database.OptimizationConfig) (bool, string) {
			if !cfg.ShadowTrading || !cfg.AutoEnable {
				return false, ""
			}
			// A snapshot that still meets the disable criteria never re-enables
			if bad, _ := MeetsDisableCriteria(snap, cfg); bad {
				return false, ""
			}
			return MeetsEnableCriteria(snap, cfg)
		},
	},
	{
		Name:  RuleWatch,
		From:  []database.SymbolStatus{database.SymbolStatusActive},
		To:    database.SymbolStatusWatch,
		Match: inWatchBand,
	},
	{
		Name:  RuleRecover,
		From:  []database.SymbolStatus{database.SymbolStatusWatch},
		To:    database.SymbolStatusActive,
		Match: aboveWatchBand,
	},
}

// Evaluate runs DefaultRules against a snapshot
func Evaluate(current database.SymbolStatus, snap *database.PerformanceSnapshot, cfg *database.OptimizationConfig) Decision {
	return EvaluateRules(DefaultRules, current, snap, cfg)
}

// EvaluateRules returns the decision of the first matching rule that applies
// to current. It has no side effects.
func EvaluateRules(rules []Rule, current database.SymbolStatus, snap *database.PerformanceSnapshot, cfg *database.OptimizationConfig) Decision {
	for _, rule := range rules {
		if !rule.appliesTo(current) {
			continue
		}
		ok, reason := rule.Match(snap, cfg)
		if !ok {
			continue
		}
		d := Decision{Rule: rule.Name, From: current, To: rule.To, Reason: reason}
		if rule.To == database.SymbolStatusDisabled {
			d.ShadowEnabled = cfg.ShadowTrading
		}
		return d
	}
	return Decision{Rule: RuleNoChange, From: current, To: current, Reason: "no rule matched"}
}

// PrimaryMetrics picks live metrics once live trading has produced a
// qualifying sample, otherwise the backtest.
func PrimaryMetrics(snap *database.PerformanceSnapshot, cfg *database.OptimizationConfig) (database.Metrics, string) {
	if snap.Live.Trades >= cfg.DisableMinTrades {
		return snap.Live, database.SourceLive
	}
	return snap.Backtest, "backtest"
}

// MeetsDisableCriteria applies the disable thresholds regardless of toggles
func MeetsDisableCriteria(snap *database.PerformanceSnapshot, cfg *database.OptimizationConfig) (bool, string) {
	m, source := PrimaryMetrics(snap, cfg)
	if m.Trades < cfg.DisableMinTrades {
		return false, ""
	}

	lossDays := snap.Backtest.ConsecutiveLossDays
	if snap.Live.ConsecutiveLossDays > lossDays {
		lossDays = snap.Live.ConsecutiveLossDays
	}

	var reasons []string
	if lossDays >= cfg.DisableConsecutiveLossDays {
		reasons = append(reasons, fmt.Sprintf("%d consecutive loss days (limit %d)", lossDays, cfg.DisableConsecutiveLossDays))
	}
	if m.WinRate < cfg.DisableMinWinRate {
		reasons = append(reasons, fmt.Sprintf("%s win rate %.1f%% below %.1f%%", source, m.WinRate, cfg.DisableMinWinRate))
	}
	if m.ProfitPercent <= cfg.DisableMaxLossPercent {
		reasons = append(reasons, fmt.Sprintf("%s profit %.2f%% at or below %.2f%%", source, m.ProfitPercent, cfg.DisableMaxLossPercent))
	}
	if m.DrawdownPercent >= cfg.DisableMaxDrawdownPercent {
		reasons = append(reasons, fmt.Sprintf("%s drawdown %.2f%% at or above %.2f%%", source, m.DrawdownPercent, cfg.DisableMaxDrawdownPercent))
	}
	if len(reasons) == 0 {
		return false, ""
	}
	return true, fmt.Sprintf("%s over %d trades: %s", source, m.Trades, strings.Join(reasons, "; "))
}

// MeetsEnableCriteria applies the shadow recovery thresholds regardless of toggles
func MeetsEnableCriteria(snap *database.PerformanceSnapshot, cfg *database.OptimizationConfig) (bool, string) {
	s := snap.Shadow
	if s.Trades < cfg.EnableMinShadowTrades ||
		s.ConsecutiveProfitDays < cfg.EnableConsecutiveProfitDays ||
		s.WinRate < cfg.EnableMinWinRate ||
		s.ProfitPercent < cfg.EnableMinProfitPercent {
		return false, ""
	}
	return true, fmt.Sprintf("shadow recovered: %d trades, win rate %.1f%%, profit %.2f%%, %d profitable days",
		s.Trades, s.WinRate, s.ProfitPercent, s.ConsecutiveProfitDays)
}

func inWatchBand(snap *database.PerformanceSnapshot, cfg *database.OptimizationConfig) (bool, string) {
	m, source := PrimaryMetrics(snap, cfg)
	if m.Trades == 0 {
		return false, ""
	}
	if m.WinRate <= cfg.WatchMinWinRate || m.WinRate >= cfg.WatchMaxWinRate {
		return false, ""
	}
	if m.ProfitPercent < cfg.WatchMinProfitPercent || m.ProfitPercent > cfg.WatchMaxProfitPercent {
		return false, ""
	}
	return true, fmt.Sprintf("%s borderline: win rate %.1f%%, profit %.2f%%", source, m.WinRate, m.ProfitPercent)
}

// aboveWatchBand returns a watched symbol to active once it trades clearly
// above the borderline band.
func aboveWatchBand(snap *database.PerformanceSnapshot, cfg *database.OptimizationConfig) (bool, string) {
	m, source := PrimaryMetrics(snap, cfg)
	if m.Trades < cfg.DisableMinTrades {
		return false, ""
	}
	if m.WinRate < cfg.WatchMaxWinRate || m.ProfitPercent <= cfg.WatchMaxProfitPercent {
		return false, ""
	}
	if bad, _ := MeetsDisableCriteria(snap, cfg); bad {
		return false, ""
	}
	return true, fmt.Sprintf("%s healthy: win rate %.1f%%, profit %.2f%%", source, m.WinRate, m.ProfitPercent)
}
