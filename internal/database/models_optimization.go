package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Persistence-boundary errors. Callers match them with errors.Is.
var (
	ErrNotFound         = errors.New("record not found")
	ErrDuplicate        = errors.New("duplicate record")
	ErrInvalidConfig    = errors.New("invalid optimization config")
	ErrInvalidSnapshot  = errors.New("invalid performance snapshot")
	ErrRunInProgress    = errors.New("schedule run already in progress for account")
	ErrAlreadyCompleted = errors.New("schedule run already completed for date")
)

// SymbolStatus is the per-(account, symbol) trading state owned by the decision engine.
type SymbolStatus string

const (
	SymbolStatusActive      SymbolStatus = "active"
	SymbolStatusWatch       SymbolStatus = "watch"
	SymbolStatusShadowTrade SymbolStatus = "shadow_trade"
	SymbolStatusDisabled    SymbolStatus = "disabled"
)

// Valid reports whether s is one of the known statuses
func (s SymbolStatus) Valid() bool {
	switch s {
	case SymbolStatusActive, SymbolStatusWatch, SymbolStatusShadowTrade, SymbolStatusDisabled:
		return true
	}
	return false
}

// IsLive reports whether orders for the symbol reach the broker
func (s SymbolStatus) IsLive() bool {
	return s == SymbolStatusActive || s == SymbolStatusWatch
}

// ParseSymbolStatus validates a status string from the API or database
func ParseSymbolStatus(s string) (SymbolStatus, error) {
	status := SymbolStatus(s)
	if !status.Valid() {
		return "", fmt.Errorf("unknown symbol status %q", s)
	}
	return status, nil
}

// Trade directions, matching the sides used by the execution layer
const (
	DirectionBuy  = "BUY"
	DirectionSell = "SELL"
)

// Market regime buckets supplied by the external classifier
const (
	RegimeTrending = "trending"
	RegimeRanging  = "ranging"
)

// SymbolState is the current status row for an (account, symbol) pair
type SymbolState struct {
	AccountID     string       `json:"account_id"`
	Symbol        string       `json:"symbol"`
	Status        SymbolStatus `json:"status"`
	ShadowEnabled bool         `json:"shadow_enabled"`
	Reason        string       `json:"reason,omitempty"`
	LastEvaluated *time.Time   `json:"last_evaluated,omitempty"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// Subscription marks a symbol as traded on an account and therefore evaluated daily
type Subscription struct {
	AccountID string    `json:"account_id"`
	Symbol    string    `json:"symbol"`
	CreatedAt time.Time `json:"created_at"`
}

// Metrics is the common shape of backtest, live and shadow statistics.
// WinRate and the *Percent fields are percentages (55.0 = 55%).
type Metrics struct {
	Trades                int     `json:"trades"`
	Wins                  int     `json:"wins"`
	Losses                int     `json:"losses"`
	WinRate               float64 `json:"win_rate"`
	NetProfit             float64 `json:"net_profit"`
	ProfitPercent         float64 `json:"profit_percent"`
	Drawdown              float64 `json:"drawdown"`
	DrawdownPercent       float64 `json:"drawdown_percent"`
	ProfitFactor          float64 `json:"profit_factor"`
	Sharpe                float64 `json:"sharpe"`
	AvgDurationMinutes    float64 `json:"avg_duration_minutes"`
	BestTrade             float64 `json:"best_trade"`
	WorstTrade            float64 `json:"worst_trade"`
	ConsecutiveLossDays   int     `json:"consecutive_loss_days"`
	ConsecutiveProfitDays int     `json:"consecutive_profit_days"`
}

// PerformanceSnapshot is the append-only daily evaluation record for a symbol
type PerformanceSnapshot struct {
	ID                   int64     `json:"id"`
	AccountID            string    `json:"account_id"`
	Symbol               string    `json:"symbol"`
	EvaluationDate       time.Time `json:"evaluation_date"`
	WindowStart          time.Time `json:"window_start"`
	WindowEnd            time.Time `json:"window_end"`
	Backtest             Metrics   `json:"backtest"`
	Live                 Metrics   `json:"live"`
	Shadow               Metrics   `json:"shadow"`
	MeetsEnableCriteria  bool      `json:"meets_enable_criteria"`
	MeetsDisableCriteria bool      `json:"meets_disable_criteria"`
	BacktestRunID        string    `json:"backtest_run_id,omitempty"`
	BacktestError        string    `json:"backtest_error,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
}

// Validate checks the snapshot invariants: identity present and the backtest
// window contained in the trailing windowDays days ending on the evaluation date.
func (s *PerformanceSnapshot) Validate(windowDays int) error {
	if s.AccountID == "" || s.Symbol == "" {
		return fmt.Errorf("%w: account and symbol are required", ErrInvalidSnapshot)
	}
	if s.EvaluationDate.IsZero() {
		return fmt.Errorf("%w: evaluation date is required", ErrInvalidSnapshot)
	}
	if windowDays <= 0 {
		return fmt.Errorf("%w: window days must be positive", ErrInvalidSnapshot)
	}

	day := TruncateDay(s.EvaluationDate)
	earliest := day.AddDate(0, 0, -windowDays)
	latest := day.AddDate(0, 0, 1)
	if s.WindowEnd.Before(s.WindowStart) {
		return fmt.Errorf("%w: window end %s before start %s", ErrInvalidSnapshot,
			s.WindowEnd.Format(time.RFC3339), s.WindowStart.Format(time.RFC3339))
	}
	if s.WindowStart.Before(earliest) || s.WindowEnd.After(latest) {
		return fmt.Errorf("%w: window %s..%s outside trailing %d days of %s", ErrInvalidSnapshot,
			s.WindowStart.Format(time.RFC3339), s.WindowEnd.Format(time.RFC3339), windowDays, day.Format("2006-01-02"))
	}
	return nil
}

// TruncateDay returns midnight UTC of t's UTC calendar day
func TruncateDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// OptimizationConfig holds every per-account threshold and feature toggle.
// Win rates and profit/drawdown thresholds for symbol evaluation are
// percentages; kill-switch loss and total-drawdown limits are fractions of
// equity (0.05 = 5%).
type OptimizationConfig struct {
	AccountID string `json:"account_id"`

	DisableMinTrades           int     `json:"disable_min_trades"`
	DisableConsecutiveLossDays int     `json:"disable_consecutive_loss_days"`
	DisableMinWinRate          float64 `json:"disable_min_win_rate"`
	DisableMaxLossPercent      float64 `json:"disable_max_loss_percent"`
	DisableMaxDrawdownPercent  float64 `json:"disable_max_drawdown_percent"`

	EnableMinShadowTrades       int     `json:"enable_min_shadow_trades"`
	EnableConsecutiveProfitDays int     `json:"enable_consecutive_profit_days"`
	EnableMinWinRate            float64 `json:"enable_min_win_rate"`
	EnableMinProfitPercent      float64 `json:"enable_min_profit_percent"`

	WatchMinWinRate       float64 `json:"watch_min_win_rate"`
	WatchMaxWinRate       float64 `json:"watch_max_win_rate"`
	WatchMinProfitPercent float64 `json:"watch_min_profit_percent"`
	WatchMaxProfitPercent float64 `json:"watch_max_profit_percent"`

	BacktestWindowDays int `json:"backtest_window_days"`

	MaxDailyLossPercent         float64 `json:"max_daily_loss_percent"`
	MaxDailyLossAbsolute        float64 `json:"max_daily_loss_absolute"`
	KillSwitchConsecutiveLosses int     `json:"kill_switch_consecutive_losses"`
	MaxTotalDrawdownPercent     float64 `json:"max_total_drawdown_percent"`
	RolloverHourUTC             int     `json:"rollover_hour_utc"`

	AutoDisable   bool `json:"auto_disable"`
	AutoEnable    bool `json:"auto_enable"`
	ShadowTrading bool `json:"shadow_trading"`
	Notifications bool `json:"notifications"`

	UpdatedAt time.Time `json:"updated_at"`
}

// DefaultOptimizationConfig returns conservative defaults with auto-disable on
func DefaultOptimizationConfig(accountID string) *OptimizationConfig {
	return &OptimizationConfig{
		AccountID:                   accountID,
		DisableMinTrades:            5,
		DisableConsecutiveLossDays:  3,
		DisableMinWinRate:           35.0,
		DisableMaxLossPercent:       -5.0,
		DisableMaxDrawdownPercent:   15.0,
		EnableMinShadowTrades:       10,
		EnableConsecutiveProfitDays: 5,
		EnableMinWinRate:            55.0,
		EnableMinProfitPercent:      0.5,
		WatchMinWinRate:             40.0,
		WatchMaxWinRate:             50.0,
		WatchMinProfitPercent:       -2.0,
		WatchMaxProfitPercent:       1.0,
		BacktestWindowDays:          14,
		MaxDailyLossPercent:         0.05,
		KillSwitchConsecutiveLosses: 5,
		MaxTotalDrawdownPercent:     0.20,
		RolloverHourUTC:             0,
		AutoDisable:                 true,
		AutoEnable:                  true,
		ShadowTrading:               true,
		Notifications:               true,
	}
}

// Validate rejects unsafe or inconsistent thresholds instead of defaulting them
func (c *OptimizationConfig) Validate() error {
	var problems []string
	check := func(ok bool, format string, args ...interface{}) {
		if !ok {
			problems = append(problems, fmt.Sprintf(format, args...))
		}
	}

	check(c.AccountID != "", "account_id is required")
	check(c.DisableMinTrades >= 1, "disable_min_trades must be >= 1, got %d", c.DisableMinTrades)
	check(c.DisableConsecutiveLossDays >= 1, "disable_consecutive_loss_days must be >= 1, got %d", c.DisableConsecutiveLossDays)
	check(inPercentRange(c.DisableMinWinRate), "disable_min_win_rate must be within [0,100], got %.2f", c.DisableMinWinRate)
	check(c.DisableMaxLossPercent <= 0, "disable_max_loss_percent must be <= 0, got %.2f", c.DisableMaxLossPercent)
	check(c.DisableMaxDrawdownPercent > 0 && c.DisableMaxDrawdownPercent <= 100,
		"disable_max_drawdown_percent must be within (0,100], got %.2f", c.DisableMaxDrawdownPercent)

	check(c.EnableMinShadowTrades >= 1, "enable_min_shadow_trades must be >= 1, got %d", c.EnableMinShadowTrades)
	check(c.EnableConsecutiveProfitDays >= 1, "enable_consecutive_profit_days must be >= 1, got %d", c.EnableConsecutiveProfitDays)
	check(inPercentRange(c.EnableMinWinRate), "enable_min_win_rate must be within [0,100], got %.2f", c.EnableMinWinRate)
	check(c.EnableMinWinRate > c.DisableMinWinRate,
		"enable_min_win_rate (%.2f) must exceed disable_min_win_rate (%.2f)", c.EnableMinWinRate, c.DisableMinWinRate)

	check(inPercentRange(c.WatchMinWinRate) && inPercentRange(c.WatchMaxWinRate),
		"watch win rate band must be within [0,100]")
	check(c.WatchMinWinRate < c.WatchMaxWinRate,
		"watch_min_win_rate (%.2f) must be below watch_max_win_rate (%.2f)", c.WatchMinWinRate, c.WatchMaxWinRate)
	check(c.WatchMinProfitPercent <= c.WatchMaxProfitPercent,
		"watch_min_profit_percent (%.2f) must not exceed watch_max_profit_percent (%.2f)", c.WatchMinProfitPercent, c.WatchMaxProfitPercent)

	check(c.BacktestWindowDays >= 1 && c.BacktestWindowDays <= 90, "backtest_window_days must be within [1,90], got %d", c.BacktestWindowDays)

	check(c.MaxDailyLossPercent > 0 && c.MaxDailyLossPercent < 1,
		"max_daily_loss_percent must be a fraction within (0,1), got %.4f", c.MaxDailyLossPercent)
	check(c.MaxDailyLossAbsolute >= 0, "max_daily_loss_absolute must be >= 0, got %.2f", c.MaxDailyLossAbsolute)
	check(c.KillSwitchConsecutiveLosses >= 1, "kill_switch_consecutive_losses must be >= 1, got %d", c.KillSwitchConsecutiveLosses)
	check(c.MaxTotalDrawdownPercent > 0 && c.MaxTotalDrawdownPercent < 1,
		"max_total_drawdown_percent must be a fraction within (0,1), got %.4f", c.MaxTotalDrawdownPercent)
	check(c.RolloverHourUTC >= 0 && c.RolloverHourUTC <= 23, "rollover_hour_utc must be within [0,23], got %d", c.RolloverHourUTC)

	if len(problems) > 0 {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, problems)
	}
	return nil
}

func inPercentRange(v float64) bool {
	return v >= 0 && v <= 100
}

// ExitReason records why a shadow position closed
type ExitReason string

const (
	ExitStopLoss   ExitReason = "SL_HIT"
	ExitTakeProfit ExitReason = "TP_HIT"
	ExitManual     ExitReason = "MANUAL"
	ExitTimeout    ExitReason = "TIMEOUT"
)

// ShadowTrade is a simulated position. Exit fields are written exactly once.
type ShadowTrade struct {
	ID           string      `json:"id"`
	AccountID    string      `json:"account_id"`
	Symbol       string      `json:"symbol"`
	Direction    string      `json:"direction"`
	Volume       float64     `json:"volume"`
	EntryTime    time.Time   `json:"entry_time"`
	EntryPrice   float64     `json:"entry_price"`
	StopLoss     float64     `json:"stop_loss"`
	TakeProfit   float64     `json:"take_profit"`
	ExitTime     *time.Time  `json:"exit_time,omitempty"`
	ExitPrice    *float64    `json:"exit_price,omitempty"`
	Profit       *float64    `json:"profit,omitempty"`
	ExitReason   *ExitReason `json:"exit_reason,omitempty"`
	SignalID     string      `json:"signal_id,omitempty"`
	Regime       string      `json:"regime,omitempty"`
	SnapshotDate *time.Time  `json:"snapshot_date,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// IsOpen reports whether the simulated position has not exited yet
func (t *ShadowTrade) IsOpen() bool {
	return t.ExitTime == nil
}

// TradeOutcome is a closed trade, live or shadow, as consumed by the
// aggregator and risk adjuster.
type TradeOutcome struct {
	ID            int64     `json:"id"`
	AccountID     string    `json:"account_id"`
	Symbol        string    `json:"symbol"`
	Direction     string    `json:"direction"`
	Source        string    `json:"source"` // "live" or "shadow"
	Profit        float64   `json:"profit"`
	ProfitPercent float64   `json:"profit_percent"`
	OpenedAt      time.Time `json:"opened_at"`
	ClosedAt      time.Time `json:"closed_at"`
	Regime        string    `json:"regime,omitempty"`
}

// Trade outcome sources
const (
	SourceLive   = "live"
	SourceShadow = "shadow"
)

// Duration returns how long the trade was held
func (o TradeOutcome) Duration() time.Duration {
	return o.ClosedAt.Sub(o.OpenedAt)
}

// EventType classifies audit events
type EventType string

const (
	EventSymbolDisabled      EventType = "symbol_disabled"
	EventSymbolEnabled       EventType = "symbol_enabled"
	EventStatusChanged       EventType = "status_changed"
	EventBacktestCompleted   EventType = "backtest_completed"
	EventKillSwitchTriggered EventType = "kill_switch_triggered"
	EventKillSwitchReset     EventType = "kill_switch_reset"
)

// DecisionMetrics is attached to status transitions
type DecisionMetrics struct {
	Rule     string  `json:"rule"`
	Backtest Metrics `json:"backtest"`
	Live     Metrics `json:"live"`
	Shadow   Metrics `json:"shadow"`
}

// BacktestRunMetrics is attached to backtest_completed events
type BacktestRunMetrics struct {
	RunID         string    `json:"run_id,omitempty"`
	WindowStart   time.Time `json:"window_start"`
	WindowEnd     time.Time `json:"window_end"`
	Trades        int       `json:"trades"`
	WinRate       float64   `json:"win_rate"`
	ProfitPercent float64   `json:"profit_percent"`
	DurationMs    int64     `json:"duration_ms"`
	Error         string    `json:"error,omitempty"`
}

// KillSwitchMetrics is attached to kill_switch_triggered events
type KillSwitchMetrics struct {
	Guard             string  `json:"guard"`
	DailyPnL          string  `json:"daily_pnl"`
	DailyPnLPercent   float64 `json:"daily_pnl_percent"`
	Limit             float64 `json:"limit"`
	ConsecutiveLosses int     `json:"consecutive_losses"`
	DrawdownPercent   float64 `json:"drawdown_percent"`
	HighWaterMark     float64 `json:"high_water_mark"`
	Equity            float64 `json:"equity"`
	Operator          string  `json:"operator,omitempty"`
}

// EventMetrics is the typed union stored with every event. At most one of the
// typed members is set; Extra carries forward-compatible audit fields.
type EventMetrics struct {
	Decision   *DecisionMetrics       `json:"decision,omitempty"`
	Backtest   *BacktestRunMetrics    `json:"backtest,omitempty"`
	KillSwitch *KillSwitchMetrics     `json:"kill_switch,omitempty"`
	Extra      map[string]interface{} `json:"extra,omitempty"`
}

// OptimizationEvent is an immutable audit record
type OptimizationEvent struct {
	ID         string        `json:"id"`
	AccountID  string        `json:"account_id"`
	Symbol     string        `json:"symbol,omitempty"`
	EventType  EventType     `json:"event_type"`
	OldStatus  SymbolStatus  `json:"old_status,omitempty"`
	NewStatus  SymbolStatus  `json:"new_status,omitempty"`
	Reason     string        `json:"reason"`
	Metrics    EventMetrics  `json:"metrics"`
	SnapshotID *int64        `json:"snapshot_id,omitempty"`
	RunID      string        `json:"run_id,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// EventFilter narrows event listings
type EventFilter struct {
	AccountID string
	Symbol    string
	EventType EventType
	Since     time.Time
	Limit     int
}

// DrawdownState is the durable account-wide kill-switch state.
// DailyPnLPercent is a fraction of StartOfDayEquity. LimitReached is the
// daily loss flag and only rollover clears it; ConsecutiveLimitReached is
// cleared by rollover or an operator reset.
type DrawdownState struct {
	AccountID               string          `json:"account_id"`
	TrackingDate            time.Time       `json:"tracking_date"`
	DailyPnL                decimal.Decimal `json:"daily_pnl"`
	DailyPnLPercent         float64         `json:"daily_pnl_percent"`
	StartOfDayEquity        float64         `json:"start_of_day_equity"`
	HighWaterMark           float64         `json:"high_water_mark"`
	CurrentEquity           float64         `json:"current_equity"`
	ConsecutiveLosses       int             `json:"consecutive_losses"`
	LimitReached            bool            `json:"limit_reached"`
	ConsecutiveLimitReached bool            `json:"consecutive_limit_reached"`
	CircuitBreakerTripped   bool            `json:"circuit_breaker_tripped"`
	TripReason              string          `json:"trip_reason,omitempty"`
	TrippedAt               *time.Time      `json:"tripped_at,omitempty"`
	UpdatedAt               time.Time       `json:"updated_at"`
}

// DrawdownPercent is the fractional drawdown of current equity from the high-water mark
func (d *DrawdownState) DrawdownPercent() float64 {
	if d.HighWaterMark <= 0 {
		return 0
	}
	dd := (d.HighWaterMark - d.CurrentEquity) / d.HighWaterMark
	if dd < 0 {
		return 0
	}
	return dd
}

// TradingKey identifies a SymbolTradingConfig row
type TradingKey struct {
	AccountID string `json:"account_id"`
	Symbol    string `json:"symbol"`
	Direction string `json:"direction"`
}

func (k TradingKey) String() string {
	return k.AccountID + ":" + k.Symbol + ":" + k.Direction
}

// SymbolTradingConfig is per-(account, symbol, direction) dynamic tuning state
type SymbolTradingConfig struct {
	TradingKey

	ConfidenceThreshold    float64 `json:"confidence_threshold"`
	RiskMultiplier         float64 `json:"risk_multiplier"`
	PositionSizeMultiplier float64 `json:"position_size_multiplier"`
	SLMultiplier           float64 `json:"sl_multiplier"`
	TPMultiplier           float64 `json:"tp_multiplier"`

	// Window holds the profits of the most recent trades, oldest first.
	Window             []float64 `json:"window"`
	WindowWins         int       `json:"window_wins"`
	WindowLosses       int       `json:"window_losses"`
	WindowBreakeven    int       `json:"window_breakeven"`
	WindowProfit       float64   `json:"window_profit"`
	WindowWinRate      float64   `json:"window_win_rate"`
	WindowAvgProfit    float64   `json:"window_avg_profit"`
	WindowProfitFactor float64   `json:"window_profit_factor"`

	TotalTrades       int `json:"total_trades"`
	ConsecutiveWins   int `json:"consecutive_wins"`
	ConsecutiveLosses int `json:"consecutive_losses"`

	RegimeWins      map[string]int `json:"regime_wins"`
	RegimeTotals    map[string]int `json:"regime_totals"`
	PreferredRegime string         `json:"preferred_regime,omitempty"`

	PausedAt      *time.Time `json:"paused_at,omitempty"`
	CooldownHours float64    `json:"cooldown_hours"`
	PauseReason   string     `json:"pause_reason,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// RunStatus is the lifecycle state of a ScheduleRun
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// ScheduleRun records one daily evaluation pass for an account
type ScheduleRun struct {
	ID               string     `json:"id"`
	AccountID        string     `json:"account_id"`
	RunDate          time.Time  `json:"run_date"`
	Status           RunStatus  `json:"status"`
	Forced           bool       `json:"forced"`
	SymbolsEvaluated int        `json:"symbols_evaluated"`
	SymbolsEnabled   int        `json:"symbols_enabled"`
	SymbolsDisabled  int        `json:"symbols_disabled"`
	SymbolsWatched   int        `json:"symbols_watched"`
	SymbolsFailed    int        `json:"symbols_failed"`
	ErrorMessage     string     `json:"error_message,omitempty"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	FinishedAt       *time.Time `json:"finished_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}
