// Package shadow paper-trades signals for symbols that are not live, so a
// disabled symbol can prove itself before it is re-enabled.
package shadow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"symbol-optimizer/internal/cache"
	"symbol-optimizer/internal/database"
	"symbol-optimizer/internal/feed"
	"symbol-optimizer/internal/logging"
	"symbol-optimizer/internal/optimizer"
	"symbol-optimizer/internal/performance"
	"symbol-optimizer/internal/risk"
)

var (
	ErrPositionOpen = errors.New("shadow position already open")
	ErrNotEligible  = errors.New("symbol not eligible for shadow trading")
	ErrNoPosition   = errors.New("no open shadow position")
	ErrNoPrice      = errors.New("no price available")
	ErrInvalid      = errors.New("invalid signal")
)

// Signal is a candidate entry from the signal pipeline
type Signal struct {
	ID         string    `json:"id,omitempty"`
	AccountID  string    `json:"account_id"`
	Symbol     string    `json:"symbol"`
	Timeframe  string    `json:"timeframe,omitempty"`
	Direction  string    `json:"direction"`
	Confidence float64   `json:"confidence"`
	EntryPrice float64   `json:"entry_price"`
	Stop       float64   `json:"stop"`
	Target     float64   `json:"target"`
	Volume     float64   `json:"volume,omitempty"`
	Regime     string    `json:"regime,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Normalize upper-cases identifiers and checks the levels sit on the right
// side of the entry.
func (s *Signal) Normalize() error {
	s.Symbol = strings.ToUpper(strings.TrimSpace(s.Symbol))
	s.Direction = strings.ToUpper(strings.TrimSpace(s.Direction))

	switch {
	case s.AccountID == "" || s.Symbol == "":
		return fmt.Errorf("%w: account and symbol are required", ErrInvalid)
	case s.Direction != database.DirectionBuy && s.Direction != database.DirectionSell:
		return fmt.Errorf("%w: direction %q", ErrInvalid, s.Direction)
	case s.EntryPrice <= 0:
		return fmt.Errorf("%w: entry price %v", ErrInvalid, s.EntryPrice)
	}

	long := s.Direction == database.DirectionBuy
	if s.Stop > 0 && (long && s.Stop >= s.EntryPrice || !long && s.Stop <= s.EntryPrice) {
		return fmt.Errorf("%w: stop %v on wrong side of entry %v", ErrInvalid, s.Stop, s.EntryPrice)
	}
	if s.Target > 0 && (long && s.Target <= s.EntryPrice || !long && s.Target >= s.EntryPrice) {
		return fmt.Errorf("%w: target %v on wrong side of entry %v", ErrInvalid, s.Target, s.EntryPrice)
	}
	if s.Volume <= 0 {
		s.Volume = 1
	}
	return nil
}

// Store is the persistence the simulator needs
type Store interface {
	optimizer.ConfigSource
	GetSymbolState(ctx context.Context, accountID, symbol string) (*database.SymbolState, error)
	CreateShadowTrade(ctx context.Context, t *database.ShadowTrade) error
	CloseShadowTrade(ctx context.Context, t *database.ShadowTrade) error
	ListOpenShadowTrades(ctx context.Context) ([]database.ShadowTrade, error)
	ListClosedShadowTrades(ctx context.Context, accountID, symbol string, from, to time.Time) ([]database.ShadowTrade, error)
	InsertTradeOutcome(ctx context.Context, o *database.TradeOutcome) error
}

// OutcomeRecorder receives every closed shadow trade; *risk.Adjuster
// satisfies it.
type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, o database.TradeOutcome) (*database.SymbolTradingConfig, error)
}

// Config tunes the simulator
type Config struct {
	MaxHold       time.Duration
	SweepInterval time.Duration
	Trailing      risk.TrailingConfig
}

func DefaultConfig() Config {
	return Config{MaxHold: 24 * time.Hour, SweepInterval: time.Minute, Trailing: risk.DefaultTrailingConfig()}
}

type position struct {
	trade database.ShadowTrade
}

// Simulator tracks open shadow positions in memory and persists every
// open and close. One position per (account, symbol) is enforced by the
// slot guard and, underneath it, the database's unique open-trade index.
type Simulator struct {
	store    Store
	slots    cache.SlotGuard
	trailing *risk.TrailingStopManager
	outcomes OutcomeRecorder
	cfg      Config
	logger   *logging.Logger
	now      func() time.Time

	mu        sync.Mutex
	positions map[string]*position // account:symbol
	lastTick  map[string]feed.Tick
}

// NewSimulator creates a simulator. outcomes may be nil.
func NewSimulator(store Store, slots cache.SlotGuard, outcomes OutcomeRecorder, cfg Config, logger *logging.Logger) *Simulator {
	if logger == nil {
		logger = logging.Default()
	}
	if slots == nil {
		slots = cache.NewMemorySlots()
	}
	if cfg.MaxHold <= 0 {
		cfg.MaxHold = DefaultConfig().MaxHold
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultConfig().SweepInterval
	}
	logger = logger.WithComponent("shadow_simulator")
	return &Simulator{
		store:     store,
		slots:     slots,
		trailing:  risk.NewTrailingStopManager(cfg.Trailing, logger),
		outcomes:  outcomes,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
		positions: make(map[string]*position),
		lastTick:  make(map[string]feed.Tick),
	}
}

func positionKey(accountID, symbol string) string {
	return accountID + ":" + symbol
}

// OnSignal opens a shadow position when the symbol is not live and shadow
// trading is on. A signal for a symbol that already has one open returns
// ErrPositionOpen and changes nothing.
func (s *Simulator) OnSignal(ctx context.Context, sig Signal) (*database.ShadowTrade, error) {
	if err := sig.Normalize(); err != nil {
		return nil, err
	}
	if err := s.eligible(ctx, sig.AccountID, sig.Symbol); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	ok, err := s.slots.Acquire(ctx, sig.AccountID, sig.Symbol, id)
	if err != nil {
		return nil, fmt.Errorf("claim shadow slot: %w", err)
	}
	if !ok {
		return nil, ErrPositionOpen
	}

	entryTime := sig.Timestamp.UTC()
	if entryTime.IsZero() {
		entryTime = s.now()
	}
	trade := database.ShadowTrade{
		ID:         id,
		AccountID:  sig.AccountID,
		Symbol:     sig.Symbol,
		Direction:  sig.Direction,
		Volume:     sig.Volume,
		EntryTime:  entryTime,
		EntryPrice: sig.EntryPrice,
		StopLoss:   sig.Stop,
		TakeProfit: sig.Target,
		SignalID:   sig.ID,
		Regime:     sig.Regime,
	}

	if err := s.store.CreateShadowTrade(ctx, &trade); err != nil {
		s.release(trade)
		if errors.Is(err, database.ErrDuplicate) {
			return nil, ErrPositionOpen
		}
		return nil, err
	}

	s.track(trade)
	s.logger.Info("Shadow position opened",
		"account", trade.AccountID,
		"symbol", trade.Symbol,
		"direction", trade.Direction,
		"entry_price", trade.EntryPrice,
		"stop", trade.StopLoss,
		"target", trade.TakeProfit)
	return &trade, nil
}

func (s *Simulator) eligible(ctx context.Context, accountID, symbol string) error {
	cfg, err := optimizer.LoadConfig(ctx, s.store, accountID)
	if err != nil {
		return err
	}
	if !cfg.ShadowTrading {
		return fmt.Errorf("%w: shadow trading is off for %s", ErrNotEligible, accountID)
	}

	state, err := s.store.GetSymbolState(ctx, accountID, symbol)
	if errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("%w: %s is not subscribed", ErrNotEligible, symbol)
	}
	if err != nil {
		return fmt.Errorf("load symbol state: %w", err)
	}

	switch state.Status {
	case database.SymbolStatusShadowTrade:
		return nil
	case database.SymbolStatusDisabled:
		if state.ShadowEnabled {
			return nil
		}
	}
	return fmt.Errorf("%w: %s is %s", ErrNotEligible, symbol, state.Status)
}

func (s *Simulator) track(trade database.ShadowTrade) {
	s.mu.Lock()
	s.positions[positionKey(trade.AccountID, trade.Symbol)] = &position{trade: trade}
	s.mu.Unlock()
	s.trailing.AddPosition(trade.ID, trade.Symbol, trade.Direction, trade.EntryPrice, trade.StopLoss)
}

func (s *Simulator) release(trade database.ShadowTrade) {
	// A fresh context so a cancelled caller cannot strand the slot
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.slots.Release(ctx, trade.AccountID, trade.Symbol, trade.ID); err != nil {
		s.logger.Warn("Failed to release shadow slot", "account", trade.AccountID, "symbol", trade.Symbol, "error", err)
	}
}

// OnTick checks every open position on the tick's symbol against its stop,
// target and hold timeout. Longs are marked at the bid, shorts at the ask.
func (s *Simulator) OnTick(ctx context.Context, tick feed.Tick) error {
	tick.Symbol = strings.ToUpper(tick.Symbol)
	if tick.Time.IsZero() {
		tick.Time = s.now()
	}

	s.mu.Lock()
	s.lastTick[tick.Symbol] = tick
	var open []database.ShadowTrade
	for _, p := range s.positions {
		if p.trade.Symbol == tick.Symbol {
			open = append(open, p.trade)
		}
	}
	s.mu.Unlock()

	var errs []error
	for _, trade := range open {
		price := tick.ExitPrice(trade.Direction)
		if price <= 0 {
			continue
		}
		reason, hit := s.exitReason(trade, price, tick.Time)
		if !hit {
			continue
		}
		if _, err := s.closePosition(ctx, trade, price, reason, tick.Time); err != nil && !errors.Is(err, ErrNoPosition) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Simulator) exitReason(trade database.ShadowTrade, price float64, at time.Time) (database.ExitReason, bool) {
	if update := s.trailing.UpdatePrice(trade.ID, price); update != nil && update.IsTriggered {
		return database.ExitStopLoss, true
	}

	if trade.TakeProfit > 0 {
		if trade.Direction == database.DirectionBuy && price >= trade.TakeProfit ||
			trade.Direction == database.DirectionSell && price <= trade.TakeProfit {
			return database.ExitTakeProfit, true
		}
	}

	if at.Sub(trade.EntryTime) >= s.cfg.MaxHold {
		return database.ExitTimeout, true
	}
	return "", false
}

// closePosition persists the exit once. The position leaves the map before
// the write so a concurrent tick cannot close it twice.
func (s *Simulator) closePosition(ctx context.Context, trade database.ShadowTrade, price float64, reason database.ExitReason, at time.Time) (*database.ShadowTrade, error) {
	key := positionKey(trade.AccountID, trade.Symbol)

	s.mu.Lock()
	p, ok := s.positions[key]
	if !ok || p.trade.ID != trade.ID {
		s.mu.Unlock()
		return nil, ErrNoPosition
	}
	delete(s.positions, key)
	s.mu.Unlock()

	stop := trade.StopLoss
	if tp := s.trailing.GetPosition(trade.ID); tp != nil {
		stop = tp.CurrentStopLoss
	}
	s.trailing.RemovePosition(trade.ID)

	closed := p.trade
	profit := Profit(closed.Direction, closed.EntryPrice, price, closed.Volume)
	exitTime := at.UTC()
	day := database.TruncateDay(exitTime)
	closed.ExitTime = &exitTime
	closed.ExitPrice = &price
	closed.Profit = &profit
	closed.ExitReason = &reason
	closed.SnapshotDate = &day

	if err := s.store.CloseShadowTrade(ctx, &closed); err != nil {
		if errors.Is(err, database.ErrNotFound) {
			// Closed by another process
			s.release(closed)
			return nil, ErrNoPosition
		}
		s.mu.Lock()
		s.positions[key] = p
		s.mu.Unlock()
		s.trailing.AddPosition(trade.ID, trade.Symbol, trade.Direction, trade.EntryPrice, stop)
		return nil, fmt.Errorf("close shadow trade %s: %w", trade.ID, err)
	}
	s.release(closed)

	outcome := OutcomeOf(closed)
	if err := s.store.InsertTradeOutcome(ctx, &outcome); err != nil {
		s.logger.Warn("Failed to record shadow outcome", "id", closed.ID, "error", err)
	}
	if s.outcomes != nil {
		if _, err := s.outcomes.RecordOutcome(ctx, outcome); err != nil {
			s.logger.Warn("Failed to adjust risk after shadow close", "id", closed.ID, "error", err)
		}
	}

	s.logger.Info("Shadow position closed",
		"account", closed.AccountID,
		"symbol", closed.Symbol,
		"reason", string(reason),
		"entry_price", closed.EntryPrice,
		"exit_price", price,
		"profit", profit,
		"held", exitTime.Sub(closed.EntryTime).String())
	return &closed, nil
}

// CloseManual closes the open position at price, or at the last tick when
// price is zero.
func (s *Simulator) CloseManual(ctx context.Context, accountID, symbol string, price float64) (*database.ShadowTrade, error) {
	symbol = strings.ToUpper(symbol)

	s.mu.Lock()
	p, ok := s.positions[positionKey(accountID, symbol)]
	var trade database.ShadowTrade
	if ok {
		trade = p.trade
	}
	tick, haveTick := s.lastTick[symbol]
	s.mu.Unlock()

	if !ok {
		return nil, ErrNoPosition
	}
	if price <= 0 {
		if !haveTick {
			return nil, fmt.Errorf("%w for %s", ErrNoPrice, symbol)
		}
		price = tick.ExitPrice(trade.Direction)
	}
	return s.closePosition(ctx, trade, price, database.ExitManual, s.now())
}

// SweepTimeouts closes positions held longer than MaxHold. It covers
// symbols whose feed has gone quiet; the exit is the last seen price, or
// the entry when no tick ever arrived.
func (s *Simulator) SweepTimeouts(ctx context.Context, now time.Time) (int, error) {
	type expiredPos struct {
		trade database.ShadowTrade
		price float64
	}

	s.mu.Lock()
	var expired []expiredPos
	for _, p := range s.positions {
		if now.Sub(p.trade.EntryTime) < s.cfg.MaxHold {
			continue
		}
		price := p.trade.EntryPrice
		if tick, ok := s.lastTick[p.trade.Symbol]; ok {
			if px := tick.ExitPrice(p.trade.Direction); px > 0 {
				price = px
			}
		}
		expired = append(expired, expiredPos{trade: p.trade, price: price})
	}
	s.mu.Unlock()

	closed := 0
	var errs []error
	for _, e := range expired {
		_, err := s.closePosition(ctx, e.trade, e.price, database.ExitTimeout, now)
		switch {
		case err == nil:
			closed++
		case !errors.Is(err, ErrNoPosition):
			errs = append(errs, err)
		}
	}
	return closed, errors.Join(errs...)
}

// Restore reloads open positions after a restart and reclaims their slots
func (s *Simulator) Restore(ctx context.Context) (int, error) {
	open, err := s.store.ListOpenShadowTrades(ctx)
	if err != nil {
		return 0, fmt.Errorf("restore shadow positions: %w", err)
	}
	for _, trade := range open {
		// Ownership is the trade id, so a slot still held from before the
		// restart already belongs to this position.
		if _, err := s.slots.Acquire(ctx, trade.AccountID, trade.Symbol, trade.ID); err != nil {
			s.logger.Warn("Failed to reclaim shadow slot", "id", trade.ID, "error", err)
		}
		s.track(trade)
	}
	if len(open) > 0 {
		s.logger.Info("Restored shadow positions", "count", len(open))
	}
	return len(open), nil
}

// Open returns the open position for (account, symbol), if any
func (s *Simulator) Open(accountID, symbol string) (*database.ShadowTrade, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.positions[positionKey(accountID, strings.ToUpper(symbol))]
	if !ok {
		return nil, false
	}
	t := p.trade
	return &t, true
}

// OpenCount returns the number of open positions
func (s *Simulator) OpenCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.positions)
}

// Outcomes returns shadow trades for a symbol that closed within [from, to)
func (s *Simulator) Outcomes(ctx context.Context, accountID, symbol string, from, to time.Time) ([]database.TradeOutcome, error) {
	trades, err := s.store.ListClosedShadowTrades(ctx, accountID, symbol, from, to)
	if err != nil {
		return nil, err
	}
	out := make([]database.TradeOutcome, 0, len(trades))
	for _, t := range trades {
		out = append(out, OutcomeOf(t))
	}
	return out, nil
}

// DailyStats is the shadow block of a snapshot: metrics over [from, to)
// plus the profitable-day streak ending at the latest trading day in loc.
// Profit percentages are per unit of entry price, so they hold for any
// volume and any account size.
func (s *Simulator) DailyStats(ctx context.Context, accountID, symbol string, from, to time.Time, loc *time.Location) (database.Metrics, error) {
	outcomes, err := s.Outcomes(ctx, accountID, symbol, from, to)
	if err != nil {
		return database.Metrics{}, err
	}
	m := performance.Aggregate(outcomes, 0)
	m.ConsecutiveLossDays, m.ConsecutiveProfitDays = performance.DailyStreaks(outcomes, loc)
	return m, nil
}

// HandleSignal is OnSignal for message consumers: expected rejections are
// logged and swallowed, so only failures worth a redelivery are returned.
func (s *Simulator) HandleSignal(ctx context.Context, sig Signal) error {
	_, err := s.OnSignal(ctx, sig)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrPositionOpen), errors.Is(err, ErrNotEligible), errors.Is(err, ErrInvalid):
		s.logger.Debug("Signal skipped", "account", sig.AccountID, "symbol", sig.Symbol, "reason", err.Error())
		return nil
	default:
		return err
	}
}

// Run consumes signals and ticks until ctx is done, sweeping timeouts on
// an interval.
func (s *Simulator) Run(ctx context.Context, signals <-chan Signal, ticks <-chan feed.Tick) error {
	sweep := time.NewTicker(s.cfg.SweepInterval)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case sig, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			if err := s.HandleSignal(ctx, sig); err != nil {
				s.logger.Warn("Failed to open shadow position", "account", sig.AccountID, "symbol", sig.Symbol, "error", err)
			}

		case tick, ok := <-ticks:
			if !ok {
				ticks = nil
				continue
			}
			if err := s.OnTick(ctx, tick); err != nil {
				s.logger.Warn("Tick processing failed", "symbol", tick.Symbol, "error", err)
			}

		case now := <-sweep.C:
			if n, err := s.SweepTimeouts(ctx, now.UTC()); err != nil {
				s.logger.Warn("Timeout sweep failed", "error", err)
			} else if n > 0 {
				s.logger.Info("Closed timed out shadow positions", "count", n)
			}
		}
	}
}

// Profit is the P&L of a fill at exit for volume units
func Profit(direction string, entry, exit, volume float64) float64 {
	if direction == database.DirectionSell {
		return (entry - exit) * volume
	}
	return (exit - entry) * volume
}

// OutcomeOf converts a closed shadow trade into an aggregator outcome
func OutcomeOf(t database.ShadowTrade) database.TradeOutcome {
	o := database.TradeOutcome{
		AccountID: t.AccountID,
		Symbol:    t.Symbol,
		Direction: t.Direction,
		Source:    database.SourceShadow,
		OpenedAt:  t.EntryTime,
		Regime:    t.Regime,
	}
	if t.ExitTime != nil {
		o.ClosedAt = *t.ExitTime
	}
	if t.Profit != nil {
		o.Profit = *t.Profit
	}
	if t.ExitPrice != nil && t.EntryPrice > 0 {
		o.ProfitPercent = Profit(t.Direction, t.EntryPrice, *t.ExitPrice, 1) / t.EntryPrice * 100
	}
	return o
}
