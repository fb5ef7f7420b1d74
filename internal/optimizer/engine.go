package optimizer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"symbol-optimizer/internal/database"
	"symbol-optimizer/internal/logging"
)

// ConfigSource loads the per-account thresholds
type ConfigSource interface {
	GetOptimizationConfig(ctx context.Context, accountID string) (*database.OptimizationConfig, error)
}

// Store is the persistence the engine needs. Both calls run the transition
// function against a row-locked status inside one transaction.
type Store interface {
	ConfigSource
	CommitEvaluation(ctx context.Context, snap *database.PerformanceSnapshot, fn database.TransitionFunc) (*database.SymbolState, *database.OptimizationEvent, error)
	UpdateSymbolState(ctx context.Context, accountID, symbol string, fn database.TransitionFunc) (*database.SymbolState, *database.OptimizationEvent, error)
}

// Recorder appends standalone audit events and fans out committed ones
type Recorder interface {
	Record(ctx context.Context, e *database.OptimizationEvent) error
	Publish(e *database.OptimizationEvent)
}

// LoadConfig returns the account's config, or the defaults when none is stored
func LoadConfig(ctx context.Context, src ConfigSource, accountID string) (*database.OptimizationConfig, error) {
	cfg, err := src.GetOptimizationConfig(ctx, accountID)
	if errors.Is(err, database.ErrNotFound) {
		return database.DefaultOptimizationConfig(accountID), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load optimization config for %s: %w", accountID, err)
	}
	return cfg, nil
}

type runIDKey struct{}

// WithRunID tags events produced under ctx with a schedule run id
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

func RunIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}

// Result describes what Apply or ForceStatus did
type Result struct {
	Decision  Decision
	State     *database.SymbolState
	Event     *database.OptimizationEvent
	Duplicate bool // the day was already evaluated; nothing changed
}

// Engine commits decisions. It is the only writer of symbol status.
type Engine struct {
	store    Store
	recorder Recorder
	rules    []Rule
	logger   *logging.Logger
}

// NewEngine creates an engine using DefaultRules
func NewEngine(store Store, recorder Recorder, logger *logging.Logger) *Engine {
	if logger == nil {
		logger = logging.Default()
	}
	return &Engine{
		store:    store,
		recorder: recorder,
		rules:    DefaultRules,
		logger:   logger.WithComponent("optimizer"),
	}
}

// Apply evaluates and persists one daily snapshot. A snapshot that already
// exists for the (account, symbol, date) is reported as Duplicate and is not
// an error.
func (e *Engine) Apply(ctx context.Context, snap *database.PerformanceSnapshot) (*Result, error) {
	cfg, err := LoadConfig(ctx, e.store, snap.AccountID)
	if err != nil {
		return nil, err
	}
	if err := snap.Validate(cfg.BacktestWindowDays); err != nil {
		return nil, err
	}

	snap.MeetsDisableCriteria, _ = MeetsDisableCriteria(snap, cfg)
	snap.MeetsEnableCriteria, _ = MeetsEnableCriteria(snap, cfg)
	runID := RunIDFromContext(ctx)

	var decision Decision
	state, event, err := e.store.CommitEvaluation(ctx, snap, func(s *database.SymbolState) (*database.OptimizationEvent, error) {
		decision = EvaluateRules(e.rules, s.Status, snap, cfg)
		if !decision.Changed() {
			return nil, nil
		}

		s.Status = decision.To
		s.ShadowEnabled = decision.ShadowEnabled
		s.Reason = decision.Reason
		return &database.OptimizationEvent{
			AccountID: s.AccountID,
			Symbol:    s.Symbol,
			EventType: eventTypeFor(decision.From, decision.To),
			OldStatus: decision.From,
			NewStatus: decision.To,
			Reason:    decision.Reason,
			Metrics: database.EventMetrics{Decision: &database.DecisionMetrics{
				Rule:     decision.Rule,
				Backtest: snap.Backtest,
				Live:     snap.Live,
				Shadow:   snap.Shadow,
			}},
			RunID: runID,
		}, nil
	})
	if errors.Is(err, database.ErrDuplicate) {
		e.logger.Info("Symbol already evaluated for date, skipping",
			"account", snap.AccountID, "symbol", snap.Symbol,
			"date", snap.EvaluationDate.Format("2006-01-02"))
		return &Result{Duplicate: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("commit evaluation for %s/%s: %w", snap.AccountID, snap.Symbol, err)
	}

	if event != nil {
		e.logger.Info("Symbol status changed",
			"account", snap.AccountID, "symbol", snap.Symbol,
			"from", decision.From, "to", decision.To, "rule", decision.Rule, "reason", decision.Reason)
		if e.recorder != nil {
			e.recorder.Publish(event)
		}
	} else {
		e.logger.Debug("Symbol status unchanged",
			"account", snap.AccountID, "symbol", snap.Symbol, "status", state.Status)
	}

	return &Result{Decision: decision, State: state, Event: event}, nil
}

// RecordBacktestFailure logs a backtest_completed event carrying the error and
// leaves the symbol's status alone.
func (e *Engine) RecordBacktestFailure(ctx context.Context, accountID, symbol string, run database.BacktestRunMetrics, cause error) error {
	if cause != nil && run.Error == "" {
		run.Error = cause.Error()
	}
	e.logger.Warn("Backtest failed, evaluation skipped",
		"account", accountID, "symbol", symbol, "error", run.Error)

	if e.recorder == nil {
		return nil
	}
	return e.recorder.Record(ctx, &database.OptimizationEvent{
		AccountID: accountID,
		Symbol:    symbol,
		EventType: database.EventBacktestCompleted,
		Reason:    "backtest failed: " + run.Error,
		Metrics:   database.EventMetrics{Backtest: &run},
		RunID:     RunIDFromContext(ctx),
	})
}

// ForceStatus is the operator override. Setting the current status again
// records nothing.
func (e *Engine) ForceStatus(ctx context.Context, accountID, symbol string, status database.SymbolStatus, operator, reason string) (*Result, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("force status %q: unknown status", status)
	}
	cfg, err := LoadConfig(ctx, e.store, accountID)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = "manual override"
	}
	reason = fmt.Sprintf("%s (by %s)", reason, operator)

	var decision Decision
	state, event, err := e.store.UpdateSymbolState(ctx, accountID, symbol, func(s *database.SymbolState) (*database.OptimizationEvent, error) {
		decision = Decision{Rule: "manual", From: s.Status, To: status, Reason: reason}
		if !decision.Changed() {
			return nil, nil
		}
		s.Status = status
		s.ShadowEnabled = !status.IsLive() && cfg.ShadowTrading
		s.Reason = reason
		return &database.OptimizationEvent{
			AccountID: accountID,
			Symbol:    symbol,
			EventType: eventTypeFor(decision.From, decision.To),
			OldStatus: decision.From,
			NewStatus: decision.To,
			Reason:    reason,
			Metrics: database.EventMetrics{
				Decision: &database.DecisionMetrics{Rule: decision.Rule},
				Extra:    map[string]interface{}{"operator": operator, "at": time.Now().UTC()},
			},
		}, nil
	})
	if err != nil {
		return nil, fmt.Errorf("force status for %s/%s: %w", accountID, symbol, err)
	}

	if event != nil {
		e.logger.Warn("Symbol status overridden",
			"account", accountID, "symbol", symbol, "from", decision.From, "to", decision.To, "operator", operator)
		if e.recorder != nil {
			e.recorder.Publish(event)
		}
	}
	return &Result{Decision: decision, State: state, Event: event}, nil
}

func eventTypeFor(from, to database.SymbolStatus) database.EventType {
	switch {
	case to == database.SymbolStatusDisabled:
		return database.EventSymbolDisabled
	case to == database.SymbolStatusActive && !from.IsLive():
		return database.EventSymbolEnabled
	default:
		return database.EventStatusChanged
	}
}
