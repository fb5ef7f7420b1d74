// Package feed delivers price ticks to the shadow simulator
package feed

import (
	"context"
	"strings"
	"time"
)

// Tick is a top-of-book quote
type Tick struct {
	Symbol string    `json:"symbol"`
	Bid    float64   `json:"bid"`
	Ask    float64   `json:"ask"`
	Last   float64   `json:"price,omitempty"`
	Time   time.Time `json:"time"`
}

// Mid is the midpoint, or the last price when one side is missing
func (t Tick) Mid() float64 {
	if t.Bid > 0 && t.Ask > 0 {
		return (t.Bid + t.Ask) / 2
	}
	return t.Last
}

// ExitPrice is where a position in direction would close: longs sell at the
// bid, shorts buy at the ask.
func (t Tick) ExitPrice(direction string) float64 {
	var p float64
	if strings.EqualFold(direction, "SELL") {
		p = t.Ask
	} else {
		p = t.Bid
	}
	if p <= 0 {
		p = t.Mid()
	}
	return p
}

// Source streams ticks for symbols into out until ctx is done
type Source interface {
	Stream(ctx context.Context, symbols []string, out chan<- Tick) error
}
