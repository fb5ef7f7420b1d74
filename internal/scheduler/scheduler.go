// Package scheduler runs the daily backtest-and-evaluate pass per account.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"symbol-optimizer/internal/backtest"
	"symbol-optimizer/internal/database"
	"symbol-optimizer/internal/logging"
	"symbol-optimizer/internal/optimizer"
	"symbol-optimizer/internal/performance"
)

// Store is the persistence the scheduler needs
type Store interface {
	optimizer.ConfigSource
	ListAccounts(ctx context.Context) ([]string, error)
	ListSubscriptions(ctx context.Context, accountID string) ([]database.Subscription, error)
	ListTradeOutcomes(ctx context.Context, accountID, symbol, source string, from, to time.Time) ([]database.TradeOutcome, error)
	ListSnapshots(ctx context.Context, accountID, symbol string, limit int) ([]database.PerformanceSnapshot, error)
	ClaimRun(ctx context.Context, accountID string, date time.Time, force bool, now time.Time) (*database.ScheduleRun, error)
	FinishRun(ctx context.Context, run *database.ScheduleRun) error
	FailStaleRuns(ctx context.Context, cutoff time.Time, message string) (int64, error)
}

// Evaluator commits snapshots; *optimizer.Engine satisfies it
type Evaluator interface {
	Apply(ctx context.Context, snap *database.PerformanceSnapshot) (*optimizer.Result, error)
	RecordBacktestFailure(ctx context.Context, accountID, symbol string, run database.BacktestRunMetrics, cause error) error
}

// ShadowSource supplies the shadow block of a snapshot; *shadow.Simulator
// satisfies it
type ShadowSource interface {
	DailyStats(ctx context.Context, accountID, symbol string, from, to time.Time, loc *time.Location) (database.Metrics, error)
}

// Config holds scheduler configuration
type Config struct {
	Cron                  string
	Location              *time.Location
	MaxConcurrentAccounts int
	SymbolTimeout         time.Duration
	StaleRunAge           time.Duration
}

// DefaultConfig runs at midnight UTC
func DefaultConfig() Config {
	return Config{
		Cron:                  "0 0 0 * * *",
		Location:              time.UTC,
		MaxConcurrentAccounts: 4,
		SymbolTimeout:         2 * time.Minute,
		StaleRunAge:           6 * time.Hour,
	}
}

// Scheduler owns the daily evaluation runs
type Scheduler struct {
	store     Store
	backtests backtest.Service
	engine    Evaluator
	shadow    ShadowSource
	recorder  optimizer.Recorder
	cfg       Config
	logger    *logging.Logger
	now       func() time.Time

	mu      sync.Mutex
	cron    *cron.Cron
	cancel  context.CancelFunc
	running bool
}

// New creates a scheduler. shadow and recorder may be nil.
func New(store Store, backtests backtest.Service, engine Evaluator, shadow ShadowSource, recorder optimizer.Recorder, cfg Config, logger *logging.Logger) *Scheduler {
	if logger == nil {
		logger = logging.Default()
	}
	def := DefaultConfig()
	if cfg.Cron == "" {
		cfg.Cron = def.Cron
	}
	if cfg.Location == nil {
		cfg.Location = def.Location
	}
	if cfg.MaxConcurrentAccounts <= 0 {
		cfg.MaxConcurrentAccounts = def.MaxConcurrentAccounts
	}
	if cfg.SymbolTimeout <= 0 {
		cfg.SymbolTimeout = def.SymbolTimeout
	}
	if cfg.StaleRunAge <= 0 {
		cfg.StaleRunAge = def.StaleRunAge
	}
	return &Scheduler{
		store:     store,
		backtests: backtests,
		engine:    engine,
		shadow:    shadow,
		recorder:  recorder,
		cfg:       cfg,
		logger:    logger.WithComponent("scheduler"),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Start registers the daily job. Runs in flight when ctx ends or Stop is
// called are cancelled and marked failed.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	clog := cronLogger{s.logger}
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLocation(s.cfg.Location),
		cron.WithChain(cron.Recover(clog), cron.SkipIfStillRunning(clog)),
	)
	if _, err := c.AddFunc(s.cfg.Cron, func() {
		s.RunAll(runCtx, s.RunDate(s.now()), false)
	}); err != nil {
		cancel()
		return fmt.Errorf("invalid schedule %q: %w", s.cfg.Cron, err)
	}
	c.Start()

	s.cron = c
	s.cancel = cancel
	s.running = true
	s.logger.Info("Scheduler started", "cron", s.cfg.Cron, "timezone", s.cfg.Location.String())
	return nil
}

// Stop cancels in-flight runs and waits for the job to return
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	c, cancel := s.cron, s.cancel
	s.mu.Unlock()

	cancel()
	<-c.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

// IsRunning returns whether the cron job is registered
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RunDate is the evaluation date for an instant: the calendar day in the
// scheduler's timezone, stored as midnight UTC.
func (s *Scheduler) RunDate(t time.Time) time.Time {
	local := t.In(s.cfg.Location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
}

// RecoverStale fails runs left running by a previous process
func (s *Scheduler) RecoverStale(ctx context.Context) (int64, error) {
	cutoff := s.now().Add(-s.cfg.StaleRunAge)
	n, err := s.store.FailStaleRuns(ctx, cutoff, "run abandoned: process stopped before completion")
	if err != nil {
		return 0, err
	}
	if n > 0 {
		s.logger.Warn("Marked stale runs as failed", "count", n, "older_than", s.cfg.StaleRunAge.String())
	}
	return n, nil
}

// RunAll evaluates every account with subscriptions, a few at a time
func (s *Scheduler) RunAll(ctx context.Context, date time.Time, force bool) []*database.ScheduleRun {
	accounts, err := s.store.ListAccounts(ctx)
	if err != nil {
		s.logger.Error("Failed to list accounts", "error", err)
		return nil
	}
	if len(accounts) == 0 {
		return nil
	}

	s.logger.Info("Starting daily evaluation", "accounts", len(accounts), "date", date.Format("2006-01-02"))

	var (
		mu   sync.Mutex
		runs []*database.ScheduleRun
		wg   sync.WaitGroup
	)
	semaphore := make(chan struct{}, s.cfg.MaxConcurrentAccounts)
	for _, account := range accounts {
		wg.Add(1)
		semaphore <- struct{}{}

		go func(accountID string) {
			defer wg.Done()
			defer func() { <-semaphore }()
			defer func() {
				if r := recover(); r != nil {
					s.logger.Error("Panic recovered during account run", "account", accountID, "panic", r)
				}
			}()

			run, err := s.RunAccount(ctx, accountID, date, force)
			switch {
			case errors.Is(err, database.ErrAlreadyCompleted), errors.Is(err, database.ErrRunInProgress):
				s.logger.Info("Account run skipped", "account", accountID, "reason", err.Error())
			case err != nil:
				s.logger.Error("Account run failed", "account", accountID, "error", err)
			}
			if run != nil {
				mu.Lock()
				runs = append(runs, run)
				mu.Unlock()
			}
		}(account)
	}
	wg.Wait()
	return runs
}

// RunAccount evaluates every subscribed symbol of one account for date.
//
// A completed run for the date returns database.ErrAlreadyCompleted unless
// force is set. Snapshots are written once per date, so a forced re-run only
// evaluates symbols that have no snapshot yet, typically those that failed
// the first time. A symbol whose backtest fails is recorded and skipped; the
// run still completes. Cancelling ctx stops between symbols and marks the
// run failed.
func (s *Scheduler) RunAccount(ctx context.Context, accountID string, date time.Time, force bool) (*database.ScheduleRun, error) {
	day := database.TruncateDay(date)
	run, err := s.store.ClaimRun(ctx, accountID, day, force, s.now())
	if err != nil {
		return nil, err
	}
	ctx = optimizer.WithRunID(ctx, run.ID)
	log := s.logger.WithFields(map[string]interface{}{"account": accountID, "run_id": run.ID})

	cfg, err := optimizer.LoadConfig(ctx, s.store, accountID)
	if err != nil {
		return s.finish(ctx, run, fmt.Errorf("load config: %w", err))
	}
	subs, err := s.store.ListSubscriptions(ctx, accountID)
	if err != nil {
		return s.finish(ctx, run, fmt.Errorf("list subscriptions: %w", err))
	}

	log.Info("Run started", "date", day.Format("2006-01-02"), "symbols", len(subs), "forced", force)

	for _, sub := range subs {
		if err := ctx.Err(); err != nil {
			return s.finish(ctx, run, fmt.Errorf("run cancelled: %w", err))
		}

		res, err := s.evaluateSymbol(ctx, cfg, sub.Symbol, day)
		if err != nil {
			if ctx.Err() != nil {
				return s.finish(ctx, run, fmt.Errorf("run cancelled during %s: %w", sub.Symbol, ctx.Err()))
			}
			run.SymbolsFailed++
			log.Warn("Symbol evaluation failed", "symbol", sub.Symbol, "error", err)
			continue
		}
		if res.Duplicate {
			continue
		}
		run.SymbolsEvaluated++
		countTransition(run, res)
	}

	if run.SymbolsFailed > 0 {
		run.ErrorMessage = fmt.Sprintf("%d of %d symbols failed", run.SymbolsFailed, len(subs))
	}
	return s.finish(ctx, run, nil)
}

func countTransition(run *database.ScheduleRun, res *optimizer.Result) {
	if res.Event == nil {
		return
	}
	switch res.Decision.To {
	case database.SymbolStatusDisabled:
		run.SymbolsDisabled++
	case database.SymbolStatusWatch:
		run.SymbolsWatched++
	case database.SymbolStatusActive:
		if !res.Decision.From.IsLive() {
			run.SymbolsEnabled++
		}
	}
}

func (s *Scheduler) evaluateSymbol(ctx context.Context, cfg *database.OptimizationConfig, symbol string, day time.Time) (*optimizer.Result, error) {
	start := day.AddDate(0, 0, -cfg.BacktestWindowDays)
	end := day
	runMetrics := database.BacktestRunMetrics{WindowStart: start, WindowEnd: end}

	symCtx, cancel := context.WithTimeout(ctx, s.cfg.SymbolTimeout)
	started := time.Now()
	res, err := s.backtests.RunBacktest(symCtx, symbol, start, end)
	cancel()
	runMetrics.DurationMs = time.Since(started).Milliseconds()
	if err != nil {
		// The failure is recorded even when the run itself is being cancelled
		if rerr := s.engine.RecordBacktestFailure(context.WithoutCancel(ctx), cfg.AccountID, symbol, runMetrics, err); rerr != nil {
			s.logger.Warn("Failed to record backtest failure", "symbol", symbol, "error", rerr)
		}
		return nil, err
	}

	live, err := s.store.ListTradeOutcomes(ctx, cfg.AccountID, symbol, database.SourceLive, start, end)
	if err != nil {
		return nil, fmt.Errorf("load live outcomes: %w", err)
	}
	var shadowStats database.Metrics
	if s.shadow != nil {
		shadowStats, err = s.shadow.DailyStats(ctx, cfg.AccountID, symbol, start, end, s.cfg.Location)
		if err != nil {
			return nil, fmt.Errorf("load shadow stats: %w", err)
		}
	}
	history, err := s.store.ListSnapshots(ctx, cfg.AccountID, symbol, cfg.BacktestWindowDays)
	if err != nil {
		return nil, fmt.Errorf("load snapshot history: %w", err)
	}

	snap, err := performance.MergeSnapshot(performance.SnapshotInput{
		AccountID:      cfg.AccountID,
		Symbol:         symbol,
		EvaluationDate: day,
		WindowStart:    start,
		WindowEnd:      end,
		Backtest:       res.Metrics(s.cfg.Location),
		BacktestRunID:  res.RunID,
		Live:           live,
		Shadow:         shadowStats,
		History:        history,
		Location:       s.cfg.Location,
	}, cfg)
	if err != nil {
		return nil, err
	}

	result, err := s.engine.Apply(ctx, snap)
	if err != nil {
		return nil, err
	}
	if result.Duplicate {
		return result, nil
	}

	runMetrics.RunID = res.RunID
	runMetrics.Trades = res.Trades
	runMetrics.WinRate = res.WinRate
	runMetrics.ProfitPercent = res.ProfitPercent
	if s.recorder != nil {
		event := &database.OptimizationEvent{
			AccountID: cfg.AccountID,
			Symbol:    symbol,
			EventType: database.EventBacktestCompleted,
			Reason:    fmt.Sprintf("backtest %s..%s: %d trades", start.Format("2006-01-02"), end.Format("2006-01-02"), res.Trades),
			Metrics:   database.EventMetrics{Backtest: &runMetrics},
			RunID:     optimizer.RunIDFromContext(ctx),
		}
		if err := s.recorder.Record(ctx, event); err != nil {
			s.logger.Warn("Failed to record backtest event", "symbol", symbol, "error", err)
		}
	}
	return result, nil
}

// finish persists the outcome with a context that outlives cancellation,
// so an aborted run never stays running.
func (s *Scheduler) finish(ctx context.Context, run *database.ScheduleRun, cause error) (*database.ScheduleRun, error) {
	finished := s.now()
	run.FinishedAt = &finished
	if cause != nil {
		run.Status = database.RunFailed
		run.ErrorMessage = cause.Error()
	} else {
		run.Status = database.RunCompleted
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.store.FinishRun(saveCtx, run); err != nil {
		return run, fmt.Errorf("finish run %s: %w", run.ID, err)
	}

	log := s.logger
	if run.StartedAt != nil {
		log = log.WithDuration(finished.Sub(*run.StartedAt))
	}
	log.Info("Run finished",
		"account", run.AccountID,
		"run_id", run.ID,
		"status", string(run.Status),
		"evaluated", run.SymbolsEvaluated,
		"enabled", run.SymbolsEnabled,
		"disabled", run.SymbolsDisabled,
		"watched", run.SymbolsWatched,
		"failed", run.SymbolsFailed)
	return run, cause
}
