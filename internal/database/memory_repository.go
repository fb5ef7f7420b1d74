package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// MemoryRepository is an in-process implementation of the Repository methods
// with the same uniqueness and locking semantics. It backs dry-run mode and
// package tests. A single mutex stands in for row locks.
type MemoryRepository struct {
	mu sync.Mutex

	configs        map[string]OptimizationConfig
	subscriptions  map[string]map[string]Subscription
	states         map[string]SymbolState
	snapshots      map[string]PerformanceSnapshot
	nextSnapshotID int64
	shadowTrades   map[string]ShadowTrade
	outcomes       []TradeOutcome
	events         []OptimizationEvent
	drawdowns      map[string]DrawdownState
	tradingConfigs map[string]SymbolTradingConfig
	runs           map[string]ScheduleRun

	now func() time.Time
}

// NewMemoryRepository creates an empty in-memory store
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		configs:        make(map[string]OptimizationConfig),
		subscriptions:  make(map[string]map[string]Subscription),
		states:         make(map[string]SymbolState),
		snapshots:      make(map[string]PerformanceSnapshot),
		shadowTrades:   make(map[string]ShadowTrade),
		drawdowns:      make(map[string]DrawdownState),
		tradingConfigs: make(map[string]SymbolTradingConfig),
		runs:           make(map[string]ScheduleRun),
		now:            func() time.Time { return time.Now().UTC() },
	}
}

func pairKey(accountID, symbol string) string {
	return accountID + ":" + symbol
}

func snapshotKey(accountID, symbol string, date time.Time) string {
	return accountID + ":" + symbol + ":" + TruncateDay(date).Format("2006-01-02")
}

func runKey(accountID string, date time.Time) string {
	return accountID + ":" + TruncateDay(date).Format("2006-01-02")
}

// HealthCheck always succeeds
func (m *MemoryRepository) HealthCheck(ctx context.Context) error {
	return nil
}

// ---- config and subscriptions ----

func (m *MemoryRepository) GetOptimizationConfig(ctx context.Context, accountID string) (*OptimizationConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.configs[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *MemoryRepository) SaveOptimizationConfig(ctx context.Context, c *OptimizationConfig) error {
	if err := c.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c.UpdatedAt = m.now()
	m.configs[c.AccountID] = *c
	return nil
}

func (m *MemoryRepository) AddSubscription(ctx context.Context, accountID, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs, ok := m.subscriptions[accountID]
	if !ok {
		subs = make(map[string]Subscription)
		m.subscriptions[accountID] = subs
	}
	if _, exists := subs[symbol]; !exists {
		subs[symbol] = Subscription{AccountID: accountID, Symbol: symbol, CreatedAt: m.now()}
	}
	m.seedStateLocked(accountID, symbol)
	return nil
}

func (m *MemoryRepository) RemoveSubscription(ctx context.Context, accountID, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subscriptions[accountID][symbol]; !ok {
		return ErrNotFound
	}
	delete(m.subscriptions[accountID], symbol)
	return nil
}

func (m *MemoryRepository) ListSubscriptions(ctx context.Context, accountID string) ([]Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var subs []Subscription
	for _, s := range m.subscriptions[accountID] {
		subs = append(subs, s)
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].Symbol < subs[j].Symbol })
	return subs, nil
}

func (m *MemoryRepository) ListAccounts(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var accounts []string
	for id, subs := range m.subscriptions {
		if len(subs) > 0 {
			accounts = append(accounts, id)
		}
	}
	sort.Strings(accounts)
	return accounts, nil
}

// ---- symbol status, snapshots, events ----

func (m *MemoryRepository) seedStateLocked(accountID, symbol string) SymbolState {
	key := pairKey(accountID, symbol)
	s, ok := m.states[key]
	if !ok {
		s = SymbolState{AccountID: accountID, Symbol: symbol, Status: SymbolStatusActive, UpdatedAt: m.now()}
		m.states[key] = s
	}
	return s
}

func (m *MemoryRepository) GetSymbolState(ctx context.Context, accountID, symbol string) (*SymbolState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[pairKey(accountID, symbol)]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryRepository) ListSymbolStates(ctx context.Context, accountID string) ([]SymbolState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var states []SymbolState
	for _, s := range m.states {
		if s.AccountID == accountID {
			states = append(states, s)
		}
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Symbol < states[j].Symbol })
	return states, nil
}

func (m *MemoryRepository) UpdateSymbolState(ctx context.Context, accountID, symbol string, fn TransitionFunc) (*SymbolState, *OptimizationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.seedStateLocked(accountID, symbol)
	event, err := fn(&state)
	if err != nil {
		return nil, nil, err
	}
	state.UpdatedAt = m.now()
	m.states[pairKey(accountID, symbol)] = state
	if event != nil {
		m.appendEventLocked(event)
	}
	return &state, event, nil
}

func (m *MemoryRepository) CommitEvaluation(ctx context.Context, snap *PerformanceSnapshot, fn TransitionFunc) (*SymbolState, *OptimizationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := snapshotKey(snap.AccountID, snap.Symbol, snap.EvaluationDate)
	if _, exists := m.snapshots[key]; exists {
		return nil, nil, fmt.Errorf("snapshot %s: %w", key, ErrDuplicate)
	}

	previous, hadState := m.states[pairKey(snap.AccountID, snap.Symbol)]
	state := m.seedStateLocked(snap.AccountID, snap.Symbol)
	event, err := fn(&state)
	if err != nil {
		if !hadState {
			delete(m.states, pairKey(snap.AccountID, snap.Symbol))
		} else {
			m.states[pairKey(snap.AccountID, snap.Symbol)] = previous
		}
		return nil, nil, err
	}

	m.nextSnapshotID++
	snap.ID = m.nextSnapshotID
	snap.CreatedAt = m.now()
	m.snapshots[key] = *snap

	evaluated := TruncateDay(snap.EvaluationDate)
	state.LastEvaluated = &evaluated
	state.UpdatedAt = m.now()
	m.states[pairKey(snap.AccountID, snap.Symbol)] = state

	if event != nil {
		if event.SnapshotID == nil {
			id := snap.ID
			event.SnapshotID = &id
		}
		m.appendEventLocked(event)
	}
	return &state, event, nil
}

func (m *MemoryRepository) GetSnapshot(ctx context.Context, accountID, symbol string, date time.Time) (*PerformanceSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.snapshots[snapshotKey(accountID, symbol, date)]
	if !ok {
		return nil, ErrNotFound
	}
	return &s, nil
}

func (m *MemoryRepository) ListSnapshots(ctx context.Context, accountID, symbol string, limit int) ([]PerformanceSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var snaps []PerformanceSnapshot
	for _, s := range m.snapshots {
		if s.AccountID == accountID && s.Symbol == symbol {
			snaps = append(snaps, s)
		}
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].EvaluationDate.After(snaps[j].EvaluationDate) })
	if limit > 0 && len(snaps) > limit {
		snaps = snaps[:limit]
	}
	return snaps, nil
}

func (m *MemoryRepository) appendEventLocked(e *OptimizationEvent) {
	prepareEvent(e)
	m.events = append(m.events, *e)
}

func (m *MemoryRepository) InsertEvent(ctx context.Context, e *OptimizationEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendEventLocked(e)
	return nil
}

func (m *MemoryRepository) ListEvents(ctx context.Context, f EventFilter) ([]OptimizationEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var out []OptimizationEvent
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := m.events[i]
		if e.AccountID != f.AccountID {
			continue
		}
		if f.Symbol != "" && e.Symbol != f.Symbol {
			continue
		}
		if f.EventType != "" && e.EventType != f.EventType {
			continue
		}
		if e.CreatedAt.Before(f.Since) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// ---- shadow trades and outcomes ----

func (m *MemoryRepository) CreateShadowTrade(ctx context.Context, t *ShadowTrade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.shadowTrades {
		if existing.AccountID == t.AccountID && existing.Symbol == t.Symbol && existing.IsOpen() {
			return fmt.Errorf("open shadow trade for %s/%s: %w", t.AccountID, t.Symbol, ErrDuplicate)
		}
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.CreatedAt = m.now()
	m.shadowTrades[t.ID] = *t
	return nil
}

func (m *MemoryRepository) CloseShadowTrade(ctx context.Context, t *ShadowTrade) error {
	if t.ExitTime == nil || t.ExitPrice == nil || t.Profit == nil || t.ExitReason == nil {
		return fmt.Errorf("close shadow trade %s: exit fields are required", t.ID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	existing, ok := m.shadowTrades[t.ID]
	if !ok || !existing.IsOpen() {
		return fmt.Errorf("shadow trade %s not open: %w", t.ID, ErrNotFound)
	}
	existing.ExitTime = t.ExitTime
	existing.ExitPrice = t.ExitPrice
	existing.Profit = t.Profit
	existing.ExitReason = t.ExitReason
	existing.SnapshotDate = t.SnapshotDate
	m.shadowTrades[t.ID] = existing
	return nil
}

func (m *MemoryRepository) GetShadowTrade(ctx context.Context, id string) (*ShadowTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.shadowTrades[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

func (m *MemoryRepository) ListOpenShadowTrades(ctx context.Context) ([]ShadowTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var open []ShadowTrade
	for _, t := range m.shadowTrades {
		if t.IsOpen() {
			open = append(open, t)
		}
	}
	sort.Slice(open, func(i, j int) bool { return open[i].EntryTime.Before(open[j].EntryTime) })
	return open, nil
}

func (m *MemoryRepository) ListClosedShadowTrades(ctx context.Context, accountID, symbol string, from, to time.Time) ([]ShadowTrade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var closed []ShadowTrade
	for _, t := range m.shadowTrades {
		if t.AccountID != accountID || t.Symbol != symbol || t.IsOpen() {
			continue
		}
		if t.ExitTime.Before(from) || !t.ExitTime.Before(to) {
			continue
		}
		closed = append(closed, t)
	}
	sort.Slice(closed, func(i, j int) bool { return closed[i].ExitTime.Before(*closed[j].ExitTime) })
	return closed, nil
}

func (m *MemoryRepository) InsertTradeOutcome(ctx context.Context, o *TradeOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o.ID = int64(len(m.outcomes) + 1)
	m.outcomes = append(m.outcomes, *o)
	return nil
}

func (m *MemoryRepository) ListTradeOutcomes(ctx context.Context, accountID, symbol, source string, from, to time.Time) ([]TradeOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []TradeOutcome
	for _, o := range m.outcomes {
		if o.AccountID == accountID && o.Symbol == symbol && o.Source == source &&
			!o.ClosedAt.Before(from) && o.ClosedAt.Before(to) {
			out = append(out, o)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ClosedAt.Before(out[j].ClosedAt) })
	return out, nil
}

// ---- drawdown and trading configs ----

func (m *MemoryRepository) GetDrawdownState(ctx context.Context, accountID string) (*DrawdownState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drawdowns[accountID]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (m *MemoryRepository) UpdateDrawdownState(ctx context.Context, accountID string, fn func(*DrawdownState) error) (*DrawdownState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drawdowns[accountID]
	if !ok {
		d = DrawdownState{AccountID: accountID, TrackingDate: TruncateDay(m.now()), DailyPnL: decimal.Zero}
	}
	if err := fn(&d); err != nil {
		return nil, err
	}
	d.UpdatedAt = m.now()
	m.drawdowns[accountID] = d
	return &d, nil
}

func (m *MemoryRepository) GetSymbolTradingConfig(ctx context.Context, key TradingKey) (*SymbolTradingConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.tradingConfigs[key.String()]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTradingConfig(&c), nil
}

func (m *MemoryRepository) UpdateSymbolTradingConfig(ctx context.Context, seed *SymbolTradingConfig, fn func(*SymbolTradingConfig) error) (*SymbolTradingConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := seed.TradingKey.String()
	current, ok := m.tradingConfigs[key]
	if !ok {
		current = *seed
	}
	working := cloneTradingConfig(&current)
	if err := fn(working); err != nil {
		return nil, err
	}
	working.UpdatedAt = m.now()
	m.tradingConfigs[key] = *cloneTradingConfig(working)
	return working, nil
}

func cloneTradingConfig(c *SymbolTradingConfig) *SymbolTradingConfig {
	out := *c
	out.Window = append([]float64(nil), c.Window...)
	out.RegimeWins = make(map[string]int, len(c.RegimeWins))
	for k, v := range c.RegimeWins {
		out.RegimeWins[k] = v
	}
	out.RegimeTotals = make(map[string]int, len(c.RegimeTotals))
	for k, v := range c.RegimeTotals {
		out.RegimeTotals[k] = v
	}
	return &out
}

// ---- schedule runs ----

func (m *MemoryRepository) ClaimRun(ctx context.Context, accountID string, date time.Time, force bool, now time.Time) (*ScheduleRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := runKey(accountID, date)
	existing, exists := m.runs[key]

	for k, r := range m.runs {
		if k != key && r.AccountID == accountID && (r.Status == RunPending || r.Status == RunRunning) {
			return nil, ErrRunInProgress
		}
	}

	started := now
	if !exists {
		run := ScheduleRun{
			ID:        uuid.NewString(),
			AccountID: accountID,
			RunDate:   TruncateDay(date),
			Status:    RunRunning,
			Forced:    force,
			StartedAt: &started,
			CreatedAt: now,
		}
		m.runs[key] = run
		return &run, nil
	}

	switch existing.Status {
	case RunPending, RunRunning:
		return nil, ErrRunInProgress
	case RunCompleted:
		if !force {
			return nil, ErrAlreadyCompleted
		}
	}

	existing.Status = RunRunning
	existing.Forced = force
	existing.SymbolsEvaluated, existing.SymbolsEnabled, existing.SymbolsDisabled = 0, 0, 0
	existing.SymbolsWatched, existing.SymbolsFailed = 0, 0
	existing.ErrorMessage = ""
	existing.StartedAt = &started
	existing.FinishedAt = nil
	m.runs[key] = existing
	return &existing, nil
}

func (m *MemoryRepository) FinishRun(ctx context.Context, run *ScheduleRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := runKey(run.AccountID, run.RunDate)
	if existing, ok := m.runs[key]; !ok || existing.ID != run.ID {
		return ErrNotFound
	}
	m.runs[key] = *run
	return nil
}

func (m *MemoryRepository) FailStaleRuns(ctx context.Context, cutoff time.Time, message string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, r := range m.runs {
		if r.Status != RunPending && r.Status != RunRunning {
			continue
		}
		started := r.CreatedAt
		if r.StartedAt != nil {
			started = *r.StartedAt
		}
		if started.Before(cutoff) {
			finished := m.now()
			r.Status = RunFailed
			r.ErrorMessage = message
			r.FinishedAt = &finished
			m.runs[k] = r
			n++
		}
	}
	return n, nil
}

func (m *MemoryRepository) ListRuns(ctx context.Context, accountID string, limit int) ([]ScheduleRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var runs []ScheduleRun
	for _, r := range m.runs {
		if r.AccountID == accountID {
			runs = append(runs, r)
		}
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].RunDate.After(runs[j].RunDate) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}
