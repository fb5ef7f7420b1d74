package risk

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"symbol-optimizer/internal/database"
	"symbol-optimizer/internal/logging"
	"symbol-optimizer/internal/performance"
)

// Limits bounds every dynamic parameter. Adjustments step toward a bound and
// stop there.
type Limits struct {
	WindowSize int `json:"window_size" yaml:"window_size"`

	BaseConfidence float64 `json:"base_confidence" yaml:"base_confidence"`
	ConfidenceStep float64 `json:"confidence_step" yaml:"confidence_step"`
	RiskStep       float64 `json:"risk_step" yaml:"risk_step"`

	MinConfidence   float64 `json:"min_confidence" yaml:"min_confidence"`
	MaxConfidence   float64 `json:"max_confidence" yaml:"max_confidence"`
	MinRisk         float64 `json:"min_risk" yaml:"min_risk"`
	MaxRisk         float64 `json:"max_risk" yaml:"max_risk"`
	MinPositionSize float64 `json:"min_position_size" yaml:"min_position_size"`
	MaxPositionSize float64 `json:"max_position_size" yaml:"max_position_size"`
	MinSL           float64 `json:"min_sl" yaml:"min_sl"`
	MaxSL           float64 `json:"max_sl" yaml:"max_sl"`
	MinTP           float64 `json:"min_tp" yaml:"min_tp"`
	MaxTP           float64 `json:"max_tp" yaml:"max_tp"`

	PauseAfterLosses int     `json:"pause_after_losses" yaml:"pause_after_losses"`
	CooldownHours    float64 `json:"cooldown_hours" yaml:"cooldown_hours"`
	MinRegimeTrades  int     `json:"min_regime_trades" yaml:"min_regime_trades"`
}

// DefaultLimits returns the documented safe ranges
func DefaultLimits() Limits {
	return Limits{
		WindowSize:       20,
		BaseConfidence:   0.65,
		ConfidenceStep:   0.02,
		RiskStep:         0.05,
		MinConfidence:    0.50,
		MaxConfidence:    0.95,
		MinRisk:          0.25,
		MaxRisk:          1.5,
		MinPositionSize:  0.25,
		MaxPositionSize:  1.5,
		MinSL:            0.5,
		MaxSL:            2.0,
		MinTP:            0.5,
		MaxTP:            3.0,
		PauseAfterLosses: 3,
		CooldownHours:    4,
		MinRegimeTrades:  5,
	}
}

// Validate rejects ranges that would let adjustment run away
func (l Limits) Validate() error {
	switch {
	case l.WindowSize < 1:
		return fmt.Errorf("window_size must be >= 1, got %d", l.WindowSize)
	case l.ConfidenceStep <= 0 || l.RiskStep <= 0:
		return errors.New("adjustment steps must be positive")
	case l.MinConfidence <= 0 || l.MinConfidence > l.MaxConfidence || l.MaxConfidence >= 1:
		return fmt.Errorf("confidence range [%.2f, %.2f] is invalid", l.MinConfidence, l.MaxConfidence)
	case l.MinRisk <= 0 || l.MinRisk > l.MaxRisk:
		return fmt.Errorf("risk range [%.2f, %.2f] is invalid", l.MinRisk, l.MaxRisk)
	case l.MinPositionSize <= 0 || l.MinPositionSize > l.MaxPositionSize:
		return fmt.Errorf("position size range [%.2f, %.2f] is invalid", l.MinPositionSize, l.MaxPositionSize)
	case l.MinSL <= 0 || l.MinSL > l.MaxSL:
		return fmt.Errorf("sl range [%.2f, %.2f] is invalid", l.MinSL, l.MaxSL)
	case l.MinTP <= 0 || l.MinTP > l.MaxTP:
		return fmt.Errorf("tp range [%.2f, %.2f] is invalid", l.MinTP, l.MaxTP)
	case l.PauseAfterLosses < 1:
		return fmt.Errorf("pause_after_losses must be >= 1, got %d", l.PauseAfterLosses)
	case l.CooldownHours < 0:
		return fmt.Errorf("cooldown_hours must be >= 0, got %.2f", l.CooldownHours)
	}
	return nil
}

// Seed returns the starting state for a key that has no history
func (l Limits) Seed(key database.TradingKey) *database.SymbolTradingConfig {
	c := &database.SymbolTradingConfig{
		TradingKey:             key,
		ConfidenceThreshold:    l.BaseConfidence,
		RiskMultiplier:         1.0,
		PositionSizeMultiplier: 1.0,
		SLMultiplier:           1.0,
		TPMultiplier:           1.0,
		RegimeWins:             map[string]int{},
		RegimeTotals:           map[string]int{},
	}
	clampAll(c, l)
	return c
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func clampAll(c *database.SymbolTradingConfig, l Limits) {
	c.ConfidenceThreshold = clamp(c.ConfidenceThreshold, l.MinConfidence, l.MaxConfidence)
	c.RiskMultiplier = clamp(c.RiskMultiplier, l.MinRisk, l.MaxRisk)
	c.PositionSizeMultiplier = clamp(c.PositionSizeMultiplier, l.MinPositionSize, l.MaxPositionSize)
	c.SLMultiplier = clamp(c.SLMultiplier, l.MinSL, l.MaxSL)
	c.TPMultiplier = clamp(c.TPMultiplier, l.MinTP, l.MaxTP)
}

// PauseExpired reports whether a paused config has served its cooldown
func PauseExpired(c *database.SymbolTradingConfig, now time.Time) bool {
	if c.PausedAt == nil {
		return false
	}
	resume := c.PausedAt.Add(time.Duration(c.CooldownHours * float64(time.Hour)))
	return !now.Before(resume)
}

// IsPaused reports whether the key is inside an active cooldown
func IsPaused(c *database.SymbolTradingConfig, now time.Time) bool {
	return c.PausedAt != nil && !PauseExpired(c, now)
}

// Apply folds one closed trade into the tuning state. It is pure apart from
// mutating c.
func Apply(c *database.SymbolTradingConfig, o database.TradeOutcome, l Limits, now time.Time) {
	if PauseExpired(c, now) {
		c.PausedAt = nil
		c.PauseReason = ""
		c.ConsecutiveLosses = 0
	}

	window := performance.WindowFrom(l.WindowSize, c.Window)
	window.Push(o.Profit)
	stats := window.Stats()
	c.Window = window.Values()
	c.WindowWins = stats.Wins
	c.WindowLosses = stats.Losses
	c.WindowBreakeven = stats.Breakeven
	c.WindowProfit = stats.Profit
	c.WindowWinRate = stats.WinRate
	c.WindowAvgProfit = stats.AvgProfit
	c.WindowProfitFactor = stats.ProfitFactor
	c.TotalTrades++

	switch {
	case o.Profit < 0:
		c.ConsecutiveLosses++
		c.ConsecutiveWins = 0
		c.ConfidenceThreshold += l.ConfidenceStep
		c.RiskMultiplier -= l.RiskStep
		c.PositionSizeMultiplier -= l.RiskStep
	case o.Profit > 0:
		c.ConsecutiveWins++
		c.ConsecutiveLosses = 0
		c.ConfidenceThreshold -= l.ConfidenceStep
		c.RiskMultiplier += l.RiskStep
		c.PositionSizeMultiplier += l.RiskStep
	}

	// A losing window tightens take-profit; a winning one lets it run
	if window.Len() >= l.WindowSize/2 {
		if stats.ProfitFactor >= 1 || stats.Losses == 0 {
			c.TPMultiplier += l.RiskStep
		} else {
			c.TPMultiplier -= l.RiskStep
		}
	}
	clampAll(c, l)

	if c.ConsecutiveLosses >= l.PauseAfterLosses && c.PausedAt == nil {
		paused := now
		c.PausedAt = &paused
		c.CooldownHours = l.CooldownHours
		c.PauseReason = fmt.Sprintf("%d consecutive losses", c.ConsecutiveLosses)
	}

	if o.Regime != "" {
		if c.RegimeWins == nil {
			c.RegimeWins = map[string]int{}
		}
		if c.RegimeTotals == nil {
			c.RegimeTotals = map[string]int{}
		}
		c.RegimeTotals[o.Regime]++
		if o.Profit > 0 {
			c.RegimeWins[o.Regime]++
		}
		c.PreferredRegime = preferredRegime(c, l.MinRegimeTrades)
	}
}

// preferredRegime picks the regime with the best win rate among those with
// enough trades. Ties go to the regime name that sorts first.
func preferredRegime(c *database.SymbolTradingConfig, minTrades int) string {
	regimes := make([]string, 0, len(c.RegimeTotals))
	for r := range c.RegimeTotals {
		regimes = append(regimes, r)
	}
	sort.Strings(regimes)

	best, bestRate := "", -1.0
	for _, r := range regimes {
		total := c.RegimeTotals[r]
		if total < minTrades {
			continue
		}
		rate := float64(c.RegimeWins[r]) / float64(total)
		if rate > bestRate {
			best, bestRate = r, rate
		}
	}
	return best
}

// Params is what the pre-trade gate and execution layer read before entry
type Params struct {
	database.TradingKey
	ConfidenceThreshold    float64    `json:"confidence_threshold"`
	RiskMultiplier         float64    `json:"risk_multiplier"`
	PositionSizeMultiplier float64    `json:"position_size_multiplier"`
	SLMultiplier           float64    `json:"sl_multiplier"`
	TPMultiplier           float64    `json:"tp_multiplier"`
	WindowWinRate          float64    `json:"window_win_rate"`
	PreferredRegime        string     `json:"preferred_regime,omitempty"`
	Paused                 bool       `json:"paused"`
	PauseReason            string     `json:"pause_reason,omitempty"`
	ResumeAt               *time.Time `json:"resume_at,omitempty"`
}

// Store persists SymbolTradingConfig rows under a row lock
type Store interface {
	GetSymbolTradingConfig(ctx context.Context, key database.TradingKey) (*database.SymbolTradingConfig, error)
	UpdateSymbolTradingConfig(ctx context.Context, seed *database.SymbolTradingConfig, fn func(*database.SymbolTradingConfig) error) (*database.SymbolTradingConfig, error)
}

// Adjuster applies trade outcomes to per-(account, symbol, direction) state
type Adjuster struct {
	store  Store
	limits Limits
	logger *logging.Logger
	now    func() time.Time
}

// NewAdjuster creates an adjuster; invalid limits fall back to DefaultLimits
func NewAdjuster(store Store, limits Limits, logger *logging.Logger) *Adjuster {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("risk_adjuster")
	if err := limits.Validate(); err != nil {
		logger.Warn("Invalid risk limits, using defaults", "error", err)
		limits = DefaultLimits()
	}
	return &Adjuster{
		store:  store,
		limits: limits,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Limits returns the active bounds
func (a *Adjuster) Limits() Limits { return a.limits }

// RecordOutcome applies a closed trade under the row lock, so concurrent
// closes for the same key never lose an update.
func (a *Adjuster) RecordOutcome(ctx context.Context, o database.TradeOutcome) (*database.SymbolTradingConfig, error) {
	key := database.TradingKey{AccountID: o.AccountID, Symbol: o.Symbol, Direction: o.Direction}
	now := a.now()
	wasPaused := false

	cfg, err := a.store.UpdateSymbolTradingConfig(ctx, a.limits.Seed(key), func(c *database.SymbolTradingConfig) error {
		wasPaused = IsPaused(c, now)
		Apply(c, o, a.limits, now)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("record outcome for %s: %w", key, err)
	}

	if !wasPaused && IsPaused(cfg, now) {
		a.logger.Warn("Symbol paused after losing streak",
			"key", key.String(), "consecutive_losses", cfg.ConsecutiveLosses, "cooldown_hours", cfg.CooldownHours)
	}
	a.logger.Debug("Risk parameters adjusted",
		"key", key.String(), "source", o.Source, "profit", o.Profit,
		"confidence", cfg.ConfidenceThreshold, "risk", cfg.RiskMultiplier, "window_win_rate", cfg.WindowWinRate)
	return cfg, nil
}

// Params returns the current parameters for key. A key with no history gets
// the seed values. An expired pause reads as resumed.
func (a *Adjuster) Params(ctx context.Context, key database.TradingKey) (*Params, error) {
	cfg, err := a.store.GetSymbolTradingConfig(ctx, key)
	if errors.Is(err, database.ErrNotFound) {
		cfg = a.limits.Seed(key)
	} else if err != nil {
		return nil, fmt.Errorf("load trading config for %s: %w", key, err)
	}

	now := a.now()
	p := &Params{
		TradingKey:             key,
		ConfidenceThreshold:    cfg.ConfidenceThreshold,
		RiskMultiplier:         cfg.RiskMultiplier,
		PositionSizeMultiplier: cfg.PositionSizeMultiplier,
		SLMultiplier:           cfg.SLMultiplier,
		TPMultiplier:           cfg.TPMultiplier,
		WindowWinRate:          cfg.WindowWinRate,
		PreferredRegime:        cfg.PreferredRegime,
	}
	if IsPaused(cfg, now) {
		resume := cfg.PausedAt.Add(time.Duration(cfg.CooldownHours * float64(time.Hour)))
		p.Paused = true
		p.PauseReason = cfg.PauseReason
		p.ResumeAt = &resume
	}
	return p, nil
}
