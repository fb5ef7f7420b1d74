package performance

import (
	"sort"
	"time"

	"symbol-optimizer/internal/database"
	"symbol-optimizer/internal/optimizer"
)

// SnapshotInput is everything known about a symbol on its evaluation day
type SnapshotInput struct {
	AccountID      string
	Symbol         string
	EvaluationDate time.Time
	WindowStart    time.Time
	WindowEnd      time.Time

	Backtest      database.Metrics
	BacktestRunID string

	// Live is aggregated here; Shadow arrives already aggregated by the
	// shadow simulator.
	Live   []database.TradeOutcome
	Shadow database.Metrics

	// History is earlier snapshots of the symbol, in any order
	History []database.PerformanceSnapshot

	// Location decides which calendar day a trade closed on; nil means UTC
	Location *time.Location
}

// MergeSnapshot combines backtest, live and shadow results into the day's
// snapshot and flags it against the account's criteria. It proposes; the
// decision engine commits.
//
// Live and shadow profit percentages are sums of per-trade percentages, so
// they do not depend on account size.
func MergeSnapshot(in SnapshotInput, cfg *database.OptimizationConfig) (*database.PerformanceSnapshot, error) {
	snap := &database.PerformanceSnapshot{
		AccountID:      in.AccountID,
		Symbol:         in.Symbol,
		EvaluationDate: database.TruncateDay(in.EvaluationDate),
		WindowStart:    in.WindowStart,
		WindowEnd:      in.WindowEnd,
		Backtest:       in.Backtest,
		BacktestRunID:  in.BacktestRunID,
		Live:           Aggregate(in.Live, 0),
		Shadow:         in.Shadow,
	}

	if in.Location != nil {
		snap.Live.ConsecutiveLossDays, snap.Live.ConsecutiveProfitDays = DailyStreaks(in.Live, in.Location)
	}

	if err := snap.Validate(cfg.BacktestWindowDays); err != nil {
		return nil, err
	}

	if streak := EvaluationLossStreak(snap, in.History, cfg); streak > 0 {
		primary := &snap.Backtest
		if _, source := optimizer.PrimaryMetrics(snap, cfg); source == database.SourceLive {
			primary = &snap.Live
		}
		if streak > primary.ConsecutiveLossDays {
			primary.ConsecutiveLossDays = streak
		}
	}

	snap.MeetsDisableCriteria, _ = optimizer.MeetsDisableCriteria(snap, cfg)
	snap.MeetsEnableCriteria, _ = optimizer.MeetsEnableCriteria(snap, cfg)
	return snap, nil
}

// EvaluationLossStreak counts the losing evaluation days that end at snap:
// snap itself plus the unbroken run of earlier snapshots whose primary
// metrics lost money. A snapshot without trades ends the run. History on or
// after snap's date is ignored.
func EvaluationLossStreak(snap *database.PerformanceSnapshot, history []database.PerformanceSnapshot, cfg *database.OptimizationConfig) int {
	if !losingDay(snap, cfg) {
		return 0
	}

	prior := make([]database.PerformanceSnapshot, 0, len(history))
	for _, h := range history {
		if h.EvaluationDate.Before(snap.EvaluationDate) {
			prior = append(prior, h)
		}
	}
	sort.Slice(prior, func(i, j int) bool { return prior[i].EvaluationDate.After(prior[j].EvaluationDate) })

	streak := 1
	for i := range prior {
		if !losingDay(&prior[i], cfg) {
			break
		}
		streak++
	}
	return streak
}

func losingDay(snap *database.PerformanceSnapshot, cfg *database.OptimizationConfig) bool {
	m, _ := optimizer.PrimaryMetrics(snap, cfg)
	return m.Trades > 0 && m.ProfitPercent < 0
}
