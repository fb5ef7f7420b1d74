package feed

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"

	"symbol-optimizer/internal/logging"
)

type bookTickerServeFunc func(symbol string, handler futures.WsBookTickerHandler, errHandler futures.ErrHandler) (doneC, stopC chan struct{}, err error)

// BinanceBookTicker streams USD-M futures best bid/ask per symbol
type BinanceBookTicker struct {
	serve          bookTickerServeFunc
	reconnectDelay time.Duration
	logger         *logging.Logger
}

func NewBinanceBookTicker(testnet bool, logger *logging.Logger) *BinanceBookTicker {
	if logger == nil {
		logger = logging.Default()
	}
	futures.UseTestnet = testnet
	return &BinanceBookTicker{
		serve:          futures.WsBookTickerServe,
		reconnectDelay: 5 * time.Second,
		logger:         logger.WithComponent("binance_feed"),
	}
}

func (b *BinanceBookTicker) Stream(ctx context.Context, symbols []string, out chan<- Tick) error {
	if len(symbols) == 0 {
		return fmt.Errorf("no symbols to stream")
	}

	var wg sync.WaitGroup
	for _, symbol := range symbols {
		wg.Add(1)
		go func(symbol string) {
			defer wg.Done()
			b.streamSymbol(ctx, strings.ToUpper(symbol), out)
		}(symbol)
	}
	wg.Wait()
	return ctx.Err()
}

func (b *BinanceBookTicker) streamSymbol(ctx context.Context, symbol string, out chan<- Tick) {
	for {
		handler := func(ev *futures.WsBookTickerEvent) {
			tick, err := parseBookTicker(ev)
			if err != nil {
				b.logger.Debug("Skipping book ticker", "symbol", symbol, "error", err)
				return
			}
			select {
			case out <- tick:
			case <-ctx.Done():
			}
		}
		errHandler := func(err error) {
			b.logger.Warn("Book ticker stream error", "symbol", symbol, "error", err)
		}

		doneC, stopC, err := b.serve(symbol, handler, errHandler)
		if err != nil {
			b.logger.Warn("Book ticker connect failed", "symbol", symbol, "error", err)
		} else {
			select {
			case <-ctx.Done():
				close(stopC)
				<-doneC
				return
			case <-doneC:
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(b.reconnectDelay):
		}
	}
}

func parseBookTicker(ev *futures.WsBookTickerEvent) (Tick, error) {
	bid, err := strconv.ParseFloat(ev.BestBidPrice, 64)
	if err != nil {
		return Tick{}, fmt.Errorf("bid %q: %w", ev.BestBidPrice, err)
	}
	ask, err := strconv.ParseFloat(ev.BestAskPrice, 64)
	if err != nil {
		return Tick{}, fmt.Errorf("ask %q: %w", ev.BestAskPrice, err)
	}
	at := time.Now().UTC()
	if ev.Time > 0 {
		at = time.UnixMilli(ev.Time).UTC()
	}
	return Tick{Symbol: ev.Symbol, Bid: bid, Ask: ask, Time: at}, nil
}
