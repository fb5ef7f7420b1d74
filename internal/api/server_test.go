package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"symbol-optimizer/internal/audit"
	"symbol-optimizer/internal/auth"
	"symbol-optimizer/internal/cache"
	"symbol-optimizer/internal/circuit"
	"symbol-optimizer/internal/database"
	"symbol-optimizer/internal/events"
	"symbol-optimizer/internal/optimizer"
	"symbol-optimizer/internal/risk"
	"symbol-optimizer/internal/shadow"
)

type fakeRuns struct {
	mu    sync.Mutex
	calls []string
	err   error
	done  chan struct{}
}

func (f *fakeRuns) RunAccount(_ context.Context, accountID string, date time.Time, force bool) (*database.ScheduleRun, error) {
	f.mu.Lock()
	f.calls = append(f.calls, accountID+"@"+date.Format(runDateLayout))
	f.mu.Unlock()
	if f.done != nil {
		defer func() { f.done <- struct{}{} }()
	}
	if f.err != nil {
		return nil, f.err
	}
	return &database.ScheduleRun{ID: "run-1", AccountID: accountID, RunDate: date, Status: database.RunCompleted, Forced: force}, nil
}

func (f *fakeRuns) RunDate(t time.Time) time.Time {
	return database.TruncateDay(t)
}

type harness struct {
	server *Server
	repo   *database.MemoryRepository
	engine *optimizer.Engine
	sim    *shadow.Simulator
	runs   *fakeRuns
}

func newHarness(t *testing.T, authEnabled bool, jwtManager *auth.JWTManager, operators *auth.OperatorStore) *harness {
	t.Helper()
	gin.SetMode(gin.TestMode)

	repo := database.NewMemoryRepository()
	bus := events.NewEventBus()
	trail := audit.NewTrail(repo, bus, nil)
	engine := optimizer.NewEngine(repo, trail, nil)
	adjuster := risk.NewAdjuster(repo, risk.DefaultLimits(), nil)
	gate := circuit.NewInterlock(repo, adjuster, trail, nil)
	sim := shadow.NewSimulator(repo, cache.NewMemorySlots(), adjuster, shadow.DefaultConfig(), nil)
	runs := &fakeRuns{}

	srv := NewServer(ServerConfig{AuthEnabled: authEnabled}, Deps{
		Store:    repo,
		Gate:     gate,
		Engine:   engine,
		Adjuster: adjuster,
		Runs:     runs,
		Events:   trail,
		Shadow:   sim,
		Bus:      bus,
	}, jwtManager, operators, nil)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	return &harness{server: srv, repo: repo, engine: engine, sim: sim, runs: runs}
}

type envelope struct {
	Success bool            `json:"success"`
	Error   bool            `json:"error"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (h *harness) do(t *testing.T, method, path string, body interface{}, header ...string) (int, envelope) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)

	var env envelope
	if w.Body.Len() > 0 {
		_ = json.Unmarshal(w.Body.Bytes(), &env)
	}
	return w.Code, env
}

func decode[T any](t *testing.T, env envelope) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(env.Data, &v))
	return v
}

func TestHealthEndpoint(t *testing.T) {
	h := newHarness(t, false, nil, nil)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
	assert.EqualValues(t, 0, body["open_shadow_trades"])
	assert.Len(t, w.Header().Get("X-Trace-ID"), 36)
	assert.NotContains(t, body, "redis")
}

type staticCache bool

func (c staticCache) IsHealthy() bool { return bool(c) }

func TestHealthReportsRedis(t *testing.T) {
	h := newHarness(t, false, nil, nil)

	for _, tc := range []struct {
		up   bool
		want string
	}{{true, "healthy"}, {false, "degraded"}} {
		h.server.deps.Cache = staticCache(tc.up)
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		w := httptest.NewRecorder()
		h.server.Handler().ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code, "redis outage does not fail the health check")
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
		assert.Equal(t, "healthy", body["status"])
		assert.Equal(t, tc.want, body["redis"])
	}
}

func TestGateCheckReflectsSymbolStatus(t *testing.T) {
	h := newHarness(t, false, nil, nil)

	code, env := h.do(t, http.MethodPost, "/api/v1/gate/check", circuit.Request{AccountID: "acct-1", Symbol: "eurusd", Direction: "BUY"})
	require.Equal(t, http.StatusOK, code)
	assert.True(t, decode[circuit.Verdict](t, env).Allowed)

	_, err := h.engine.ForceStatus(context.Background(), "acct-1", "EURUSD", database.SymbolStatusDisabled, "ops", "losing streak")
	require.NoError(t, err)

	code, env = h.do(t, http.MethodPost, "/api/v1/gate/check", circuit.Request{AccountID: "acct-1", Symbol: "EURUSD", Direction: "SELL"})
	require.Equal(t, http.StatusOK, code)
	v := decode[circuit.Verdict](t, env)
	assert.False(t, v.Allowed)
	assert.Equal(t, circuit.ReasonSymbolDisabled, v.Reason)

	code, _ = h.do(t, http.MethodPost, "/api/v1/gate/check", map[string]string{"account_id": "acct-1", "symbol": "EURUSD", "direction": "LONG"})
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestTradeClosedTripsDailyLimit(t *testing.T) {
	h := newHarness(t, false, nil, nil)
	now := time.Now().UTC()

	code, _ := h.do(t, http.MethodGet, "/api/v1/accounts/acct-1/drawdown", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, env := h.do(t, http.MethodPost, "/api/v1/trades/closed", map[string]interface{}{
		"account_id": "acct-1",
		"symbol":     "gbpusd",
		"direction":  "BUY",
		"profit":     "-600",
		"equity":     9400,
		"opened_at":  now.Add(-time.Hour),
		"closed_at":  now,
	})
	require.Equal(t, http.StatusOK, code, env.Message)

	var body struct {
		Drawdown database.DrawdownState `json:"drawdown"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &body))
	assert.True(t, body.Drawdown.LimitReached)
	assert.InDelta(t, -0.06, body.Drawdown.DailyPnLPercent, 1e-9)

	code, env = h.do(t, http.MethodPost, "/api/v1/gate/check", circuit.Request{AccountID: "acct-1", Symbol: "USDJPY", Direction: "BUY"})
	require.Equal(t, http.StatusOK, code)
	v := decode[circuit.Verdict](t, env)
	assert.False(t, v.Allowed)
	assert.Equal(t, circuit.ReasonDailyLoss, v.Reason)

	outcomes, err := h.repo.ListTradeOutcomes(context.Background(), "acct-1", "GBPUSD", database.SourceLive, now.Add(-24*time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	assert.Equal(t, -600.0, outcomes[0].Profit)

	code, env = h.do(t, http.MethodGet, "/api/v1/accounts/acct-1/events?type=kill_switch_triggered", nil)
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, decode[[]database.OptimizationEvent](t, env), 1)

	code, env = h.do(t, http.MethodGet, "/api/v1/accounts/acct-1/drawdown", nil)
	require.Equal(t, http.StatusOK, code)
	assert.True(t, decode[database.DrawdownState](t, env).LimitReached)
}

func TestTradeClosedValidation(t *testing.T) {
	h := newHarness(t, false, nil, nil)
	now := time.Now().UTC()

	code, _ := h.do(t, http.MethodPost, "/api/v1/trades/closed", map[string]interface{}{
		"account_id": "acct-1", "symbol": "EURUSD", "direction": "BUY",
		"profit": 10, "equity": 10010, "opened_at": now, "closed_at": now.Add(-time.Minute),
	})
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = h.do(t, http.MethodPost, "/api/v1/trades/closed", map[string]interface{}{
		"account_id": "acct-1", "symbol": "EURUSD", "direction": "BUY", "profit": 10,
		"opened_at": now.Add(-time.Minute), "closed_at": now,
	})
	assert.Equal(t, http.StatusBadRequest, code, "equity is required")
}

func TestBreakerResetRecordsOperator(t *testing.T) {
	h := newHarness(t, false, nil, nil)

	code, env := h.do(t, http.MethodPost, "/api/v1/accounts/acct-1/breaker/reset", BreakerResetRequest{Reason: "reviewed"})
	require.Equal(t, http.StatusOK, code, env.Message)

	evts, err := h.repo.ListEvents(context.Background(), database.EventFilter{AccountID: "acct-1", EventType: database.EventKillSwitchReset})
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, "reviewed", evts[0].Reason)
	require.NotNil(t, evts[0].Metrics.KillSwitch)
	assert.Equal(t, "local", evts[0].Metrics.KillSwitch.Operator)
}

func TestStatusOverride(t *testing.T) {
	h := newHarness(t, false, nil, nil)
	path := "/api/v1/accounts/acct-1/symbols/eurusd/status"

	code, env := h.do(t, http.MethodPut, path, StatusOverrideRequest{Status: "shadow_trade", Reason: "news week"})
	require.Equal(t, http.StatusOK, code, env.Message)
	var body struct {
		State   database.SymbolState `json:"state"`
		Changed bool                 `json:"changed"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &body))
	assert.True(t, body.Changed)
	assert.Equal(t, database.SymbolStatusShadowTrade, body.State.Status)
	assert.True(t, body.State.ShadowEnabled)
	assert.Contains(t, body.State.Reason, "(by local)")

	code, env = h.do(t, http.MethodPut, path, StatusOverrideRequest{Status: "shadow_trade"})
	require.Equal(t, http.StatusOK, code)
	require.NoError(t, json.Unmarshal(env.Data, &body))
	assert.False(t, body.Changed, "same status records nothing")

	code, _ = h.do(t, http.MethodPut, path, StatusOverrideRequest{Status: "paused"})
	assert.Equal(t, http.StatusBadRequest, code)

	code, env = h.do(t, http.MethodGet, "/api/v1/accounts/acct-1/symbols?status=shadow_trade", nil)
	require.Equal(t, http.StatusOK, code)
	states := decode[[]database.SymbolState](t, env)
	require.Len(t, states, 1)
	assert.Equal(t, "EURUSD", states[0].Symbol)
}

func TestSubscriptions(t *testing.T) {
	h := newHarness(t, false, nil, nil)

	code, _ := h.do(t, http.MethodGet, "/api/v1/accounts/acct-1/symbols/XAUUSD", nil)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = h.do(t, http.MethodPost, "/api/v1/accounts/acct-1/symbols", SubscribeRequest{Symbol: " xauusd "})
	require.Equal(t, http.StatusOK, code)

	code, env := h.do(t, http.MethodGet, "/api/v1/accounts/acct-1/symbols/XAUUSD", nil)
	require.Equal(t, http.StatusOK, code)
	detail := decode[SymbolDetail](t, env)
	assert.Equal(t, database.SymbolStatusActive, detail.State.Status)
	assert.Empty(t, detail.Snapshots)
	assert.Nil(t, detail.ShadowTrade)

	code, _ = h.do(t, http.MethodDelete, "/api/v1/accounts/acct-1/symbols/XAUUSD", nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = h.do(t, http.MethodDelete, "/api/v1/accounts/acct-1/symbols/XAUUSD", nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestConfigRoundTrip(t *testing.T) {
	h := newHarness(t, false, nil, nil)
	path := "/api/v1/accounts/acct-1/config"

	code, env := h.do(t, http.MethodGet, path, nil)
	require.Equal(t, http.StatusOK, code)
	cfg := decode[database.OptimizationConfig](t, env)
	assert.Equal(t, "acct-1", cfg.AccountID)
	assert.Equal(t, 14, cfg.BacktestWindowDays)

	cfg.EnableMinWinRate = 20 // below the disable threshold
	code, env = h.do(t, http.MethodPut, path, cfg)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Contains(t, env.Message, "enable_min_win_rate")

	cfg.EnableMinWinRate = 60
	cfg.AutoEnable = false
	code, _ = h.do(t, http.MethodPut, path, cfg)
	require.Equal(t, http.StatusOK, code)

	stored, err := h.repo.GetOptimizationConfig(context.Background(), "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 60.0, stored.EnableMinWinRate)
	assert.False(t, stored.AutoEnable)
}

func TestTriggerRun(t *testing.T) {
	h := newHarness(t, false, nil, nil)
	path := "/api/v1/accounts/acct-1/runs"

	code, env := h.do(t, http.MethodPost, path, TriggerRunRequest{Date: "2024-03-20", Force: true, Wait: true})
	require.Equal(t, http.StatusOK, code, env.Message)
	run := decode[database.ScheduleRun](t, env)
	assert.True(t, run.Forced)
	assert.Equal(t, []string{"acct-1@2024-03-20"}, h.runs.calls)

	code, _ = h.do(t, http.MethodPost, path, TriggerRunRequest{Date: "20-03-2024"})
	assert.Equal(t, http.StatusBadRequest, code)

	h.runs.err = database.ErrAlreadyCompleted
	code, _ = h.do(t, http.MethodPost, path, TriggerRunRequest{Date: "2024-03-20", Wait: true})
	assert.Equal(t, http.StatusConflict, code)

	h.runs.err = nil
	h.runs.done = make(chan struct{}, 1)
	code, _ = h.do(t, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusAccepted, code)
	select {
	case <-h.runs.done:
	case <-time.After(2 * time.Second):
		t.Fatal("background run never started")
	}
}

func TestCloseShadowTrade(t *testing.T) {
	h := newHarness(t, false, nil, nil)
	ctx := context.Background()

	_, err := h.engine.ForceStatus(ctx, "acct-1", "EURUSD", database.SymbolStatusDisabled, "ops", "")
	require.NoError(t, err)
	_, err = h.sim.OnSignal(ctx, shadow.Signal{
		AccountID:  "acct-1",
		Symbol:     "EURUSD",
		Direction:  "BUY",
		EntryPrice: 100,
		Stop:       95,
		Target:     110,
		Timestamp:  time.Now().UTC(),
	})
	require.NoError(t, err)

	path := "/api/v1/accounts/acct-1/symbols/EURUSD/shadow/close"
	code, env := h.do(t, http.MethodPost, path, nil)
	assert.Equal(t, http.StatusConflict, code, "no tick yet and no explicit price")

	code, env = h.do(t, http.MethodPost, path, CloseShadowRequest{Price: 105})
	require.Equal(t, http.StatusOK, code, env.Message)
	trade := decode[database.ShadowTrade](t, env)
	require.NotNil(t, trade.Profit)
	assert.InDelta(t, 5.0, *trade.Profit, 1e-9)

	code, _ = h.do(t, http.MethodPost, path, CloseShadowRequest{Price: 105})
	assert.Equal(t, http.StatusNotFound, code)
}

func TestParamsDefaults(t *testing.T) {
	h := newHarness(t, false, nil, nil)

	code, env := h.do(t, http.MethodGet, "/api/v1/accounts/acct-1/symbols/EURUSD/params?direction=sell", nil)
	require.Equal(t, http.StatusOK, code)
	p := decode[risk.Params](t, env)
	assert.Equal(t, "SELL", p.Direction)
	assert.False(t, p.Paused)

	code, _ = h.do(t, http.MethodGet, "/api/v1/accounts/acct-1/symbols/EURUSD/params?direction=up", nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestAuthRequiredWhenEnabled(t *testing.T) {
	const key = "operator-key-for-api-tests-01"
	hash, err := auth.HashKey(key, bcrypt.MinCost)
	require.NoError(t, err)
	operators, err := auth.NewOperatorStore([]auth.Operator{{Name: "alice", KeyHash: hash}})
	require.NoError(t, err)
	jwtManager := auth.NewJWTManager("0123456789abcdef0123456789abcdef", time.Minute)

	h := newHarness(t, true, jwtManager, operators)

	code, _ := h.do(t, http.MethodGet, "/api/v1/accounts/acct-1/config", nil)
	assert.Equal(t, http.StatusUnauthorized, code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/token", bytes.NewReader([]byte(`{"operator":"alice","api_key":"`+key+`"}`)))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var token auth.TokenResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &token))

	code, _ = h.do(t, http.MethodPut, "/api/v1/accounts/acct-1/symbols/EURUSD/status",
		StatusOverrideRequest{Status: "watch"}, "Authorization", "Bearer "+token.AccessToken)
	require.Equal(t, http.StatusOK, code)

	state, err := h.repo.GetSymbolState(context.Background(), "acct-1", "EURUSD")
	require.NoError(t, err)
	assert.Contains(t, state.Reason, "(by alice)")
}

func TestUnknownRoute(t *testing.T) {
	h := newHarness(t, false, nil, nil)
	code, env := h.do(t, http.MethodGet, "/api/v1/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.True(t, env.Error)
}
