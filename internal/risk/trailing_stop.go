package risk

import (
	"sync"
	"time"

	"symbol-optimizer/internal/database"
	"symbol-optimizer/internal/logging"
)

// TrailingConfig holds trailing stop configuration
type TrailingConfig struct {
	Enabled           bool    `json:"enabled" yaml:"enabled"`
	TrailingPercent   float64 `json:"trailing_percent" yaml:"trailing_percent"`     // Distance from the best price
	ActivationPercent float64 `json:"activation_percent" yaml:"activation_percent"` // Profit % before trailing starts
}

// DefaultTrailingConfig matches the live execution layer's defaults
func DefaultTrailingConfig() TrailingConfig {
	return TrailingConfig{Enabled: true, TrailingPercent: 0.5, ActivationPercent: 0.5}
}

// TrailingPosition tracks one position's stop
type TrailingPosition struct {
	ID               string
	Symbol           string
	Direction        string
	EntryPrice       float64
	CurrentStopLoss  float64
	OriginalStopLoss float64
	HighWaterMark    float64 // best price since entry for longs
	LowWaterMark     float64 // best price since entry for shorts
	IsActivated      bool
	LastUpdate       time.Time
}

// StopUpdate is returned when a stop moves or is hit
type StopUpdate struct {
	ID           string
	OldStopLoss  float64
	NewStopLoss  float64
	IsTriggered  bool
	TriggerPrice float64
}

// TrailingStopManager keeps trailing stops for open positions keyed by
// position id, so live and shadow positions can share the rules.
type TrailingStopManager struct {
	positions map[string]*TrailingPosition
	config    TrailingConfig
	logger    *logging.Logger
	mu        sync.RWMutex
}

// NewTrailingStopManager creates a manager
func NewTrailingStopManager(config TrailingConfig, logger *logging.Logger) *TrailingStopManager {
	if logger == nil {
		logger = logging.Default()
	}
	return &TrailingStopManager{
		positions: make(map[string]*TrailingPosition),
		config:    config,
		logger:    logger.WithComponent("trailing_stop"),
	}
}

// AddPosition starts tracking a position
func (tsm *TrailingStopManager) AddPosition(id, symbol, direction string, entryPrice, stopLoss float64) {
	tsm.mu.Lock()
	defer tsm.mu.Unlock()

	tsm.positions[id] = &TrailingPosition{
		ID:               id,
		Symbol:           symbol,
		Direction:        direction,
		EntryPrice:       entryPrice,
		CurrentStopLoss:  stopLoss,
		OriginalStopLoss: stopLoss,
		HighWaterMark:    entryPrice,
		LowWaterMark:     entryPrice,
		LastUpdate:       time.Now(),
	}
}

// RemovePosition stops tracking a position
func (tsm *TrailingStopManager) RemovePosition(id string) {
	tsm.mu.Lock()
	defer tsm.mu.Unlock()
	delete(tsm.positions, id)
}

// UpdatePrice feeds the latest price for a position and returns a stop
// update when the stop moved or was crossed.
func (tsm *TrailingStopManager) UpdatePrice(id string, price float64) *StopUpdate {
	tsm.mu.Lock()
	defer tsm.mu.Unlock()

	pos, exists := tsm.positions[id]
	if !exists || price <= 0 {
		return nil
	}

	var update *StopUpdate
	if pos.Direction == database.DirectionBuy {
		update = tsm.updateLong(pos, price)
	} else {
		update = tsm.updateShort(pos, price)
	}
	pos.LastUpdate = time.Now()
	return update
}

func (tsm *TrailingStopManager) updateLong(pos *TrailingPosition, price float64) *StopUpdate {
	if pos.CurrentStopLoss > 0 && price <= pos.CurrentStopLoss {
		return &StopUpdate{ID: pos.ID, OldStopLoss: pos.CurrentStopLoss, NewStopLoss: pos.CurrentStopLoss, IsTriggered: true, TriggerPrice: price}
	}

	if price > pos.HighWaterMark {
		pos.HighWaterMark = price
	}

	profitPercent := (price - pos.EntryPrice) / pos.EntryPrice * 100
	if !pos.IsActivated && profitPercent >= tsm.config.ActivationPercent {
		pos.IsActivated = true
		tsm.logger.Debug("Trailing stop activated", "id", pos.ID, "symbol", pos.Symbol, "profit_percent", profitPercent)
	}
	if !pos.IsActivated || !tsm.config.Enabled {
		return nil
	}

	newStop := pos.HighWaterMark * (1 - tsm.config.TrailingPercent/100)
	// Only ever tighten
	if newStop <= pos.CurrentStopLoss {
		return nil
	}
	old := pos.CurrentStopLoss
	pos.CurrentStopLoss = newStop
	return &StopUpdate{ID: pos.ID, OldStopLoss: old, NewStopLoss: newStop}
}

func (tsm *TrailingStopManager) updateShort(pos *TrailingPosition, price float64) *StopUpdate {
	if pos.CurrentStopLoss > 0 && price >= pos.CurrentStopLoss {
		return &StopUpdate{ID: pos.ID, OldStopLoss: pos.CurrentStopLoss, NewStopLoss: pos.CurrentStopLoss, IsTriggered: true, TriggerPrice: price}
	}

	if price < pos.LowWaterMark {
		pos.LowWaterMark = price
	}

	profitPercent := (pos.EntryPrice - price) / pos.EntryPrice * 100
	if !pos.IsActivated && profitPercent >= tsm.config.ActivationPercent {
		pos.IsActivated = true
		tsm.logger.Debug("Trailing stop activated", "id", pos.ID, "symbol", pos.Symbol, "profit_percent", profitPercent)
	}
	if !pos.IsActivated || !tsm.config.Enabled {
		return nil
	}

	newStop := pos.LowWaterMark * (1 + tsm.config.TrailingPercent/100)
	if pos.CurrentStopLoss > 0 && newStop >= pos.CurrentStopLoss {
		return nil
	}
	old := pos.CurrentStopLoss
	pos.CurrentStopLoss = newStop
	return &StopUpdate{ID: pos.ID, OldStopLoss: old, NewStopLoss: newStop}
}

// GetPosition returns a copy of a tracked position, or nil
func (tsm *TrailingStopManager) GetPosition(id string) *TrailingPosition {
	tsm.mu.RLock()
	defer tsm.mu.RUnlock()

	if pos, exists := tsm.positions[id]; exists {
		cp := *pos
		return &cp
	}
	return nil
}

// Count returns the number of tracked positions
func (tsm *TrailingStopManager) Count() int {
	tsm.mu.RLock()
	defer tsm.mu.RUnlock()
	return len(tsm.positions)
}
