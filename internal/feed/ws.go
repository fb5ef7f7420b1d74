package feed

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"symbol-optimizer/internal/logging"
)

// WSFeed reads JSON ticks ({"symbol","bid","ask","price","time"}) from a
// generic websocket endpoint and reconnects until the context ends.
type WSFeed struct {
	url            string
	dialer         *websocket.Dialer
	reconnectDelay time.Duration
	logger         *logging.Logger
}

func NewWSFeed(url string, logger *logging.Logger) *WSFeed {
	if logger == nil {
		logger = logging.Default()
	}
	return &WSFeed{
		url:            url,
		dialer:         websocket.DefaultDialer,
		reconnectDelay: 3 * time.Second,
		logger:         logger.WithComponent("ws_feed"),
	}
}

func (f *WSFeed) Stream(ctx context.Context, symbols []string, out chan<- Tick) error {
	wanted := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		wanted[strings.ToUpper(s)] = true
	}

	for {
		conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
		if err != nil {
			f.logger.Warn("Feed connection failed", "url", f.url, "error", err)
		} else {
			f.logger.Info("Feed connected", "url", f.url, "symbols", len(wanted))
			f.readLoop(ctx, conn, wanted, out)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(f.reconnectDelay):
		}
	}
}

func (f *WSFeed) readLoop(ctx context.Context, conn *websocket.Conn, wanted map[string]bool, out chan<- Tick) {
	// Closing the connection unblocks ReadMessage on shutdown
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
		}
		conn.Close()
	}()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				f.logger.Warn("Feed read error", "error", err)
			}
			return
		}

		var tick Tick
		if err := json.Unmarshal(message, &tick); err != nil {
			f.logger.Debug("Skipping malformed tick", "error", err)
			continue
		}
		tick.Symbol = strings.ToUpper(tick.Symbol)
		if len(wanted) > 0 && !wanted[tick.Symbol] {
			continue
		}
		if tick.Time.IsZero() {
			tick.Time = time.Now().UTC()
		}

		select {
		case out <- tick:
		case <-ctx.Done():
			return
		}
	}
}
