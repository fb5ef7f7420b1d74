package backtest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"golang.org/x/time/rate"

	"symbol-optimizer/internal/logging"
)

// HTTPConfig configures the simulator client
type HTTPConfig struct {
	BaseURL       string
	Timeout       time.Duration
	MaxRetries    int
	RatePerSecond float64
	Burst         int
}

// HTTPClient calls the simulator's REST API. Requests are throttled so a
// nightly run over many symbols cannot flood the simulator, and transient
// 5xx answers are retried with backoff.
type HTTPClient struct {
	baseURL string
	client  *retryablehttp.Client
	limiter *rate.Limiter
	logger  *logging.Logger
}

type runRequest struct {
	Symbol    string    `json:"symbol"`
	StartTime time.Time `json:"start_time"`
	EndTime   time.Time `json:"end_time"`
}

// NewHTTPClient creates a simulator client
func NewHTTPClient(cfg HTTPConfig, logger *logging.Logger) *HTTPClient {
	if logger == nil {
		logger = logging.Default()
	}
	logger = logger.WithComponent("backtest_client")

	if cfg.Burst < 1 {
		cfg.Burst = 1
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 1
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.MaxRetries
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = logger
	if cfg.Timeout > 0 {
		rc.HTTPClient.Timeout = cfg.Timeout
	}

	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  rc,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:  logger,
	}
}

// RunBacktest requests one window. ctx carries the per-symbol timeout.
func (c *HTTPClient) RunBacktest(ctx context.Context, symbol string, start, end time.Time) (*Result, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limiter: %v", ErrServiceFailed, err)
	}

	body, err := json.Marshal(runRequest{Symbol: symbol, StartTime: start.UTC(), EndTime: end.UTC()})
	if err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/backtests", body)
	if err != nil {
		return nil, fmt.Errorf("failed to build backtest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrServiceFailed, symbol, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", ErrServiceFailed, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %s: status %d: %s", ErrServiceFailed, symbol, resp.StatusCode, strings.TrimSpace(string(payload)))
	}

	var result Result
	if err := json.Unmarshal(payload, &result); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrServiceFailed, err)
	}
	if err := result.Validate(); err != nil {
		return nil, err
	}
	if result.Symbol == "" {
		result.Symbol = symbol
	}
	if result.WindowStart.IsZero() {
		result.WindowStart, result.WindowEnd = start, end
	}

	c.logger.Debug("Backtest completed",
		"symbol", symbol,
		"trades", result.Trades,
		"win_rate", result.WinRate,
		"duration_ms", time.Since(started).Milliseconds())
	return &result, nil
}
