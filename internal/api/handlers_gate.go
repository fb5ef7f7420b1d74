package api

import (
	"errors"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"symbol-optimizer/internal/circuit"
	"symbol-optimizer/internal/database"
	"symbol-optimizer/internal/logging"
)

// TradeClosedRequest is a live trade close reported by the execution layer
type TradeClosedRequest struct {
	AccountID     string          `json:"account_id" binding:"required"`
	Symbol        string          `json:"symbol" binding:"required"`
	Direction     string          `json:"direction" binding:"required,oneof=BUY SELL"`
	Profit        decimal.Decimal `json:"profit"`
	ProfitPercent float64         `json:"profit_percent"`
	Equity        float64         `json:"equity" binding:"required,gt=0"`
	OpenedAt      time.Time       `json:"opened_at" binding:"required"`
	ClosedAt      time.Time       `json:"closed_at" binding:"required"`
	Regime        string          `json:"regime"`
}

// BreakerResetRequest carries the operator's reason
type BreakerResetRequest struct {
	Reason string `json:"reason"`
}

// handleGateCheck answers whether a live trade may open
// POST /api/v1/gate/check
func (s *Server) handleGateCheck(c *gin.Context) {
	var req circuit.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	req.Symbol = strings.ToUpper(req.Symbol)

	verdict, err := s.deps.Gate.CheckTrade(c.Request.Context(), req)
	if err != nil {
		// Fail closed: the execution layer must not trade on an unknown state
		logging.FromContext(c.Request.Context()).Error("Gate check failed", "account_id", req.AccountID, "symbol", req.Symbol, "error", err)
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   true,
			"message": "gate state unavailable",
			"data":    circuit.Verdict{Allowed: false, Reason: "gate state unavailable"},
		})
		return
	}
	successResponse(c, verdict)
}

// handleTradeClosed feeds a live trade result to the interlock and adjuster
// POST /api/v1/trades/closed
func (s *Server) handleTradeClosed(c *gin.Context) {
	var req TradeClosedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if req.ClosedAt.Before(req.OpenedAt) {
		errorResponse(c, http.StatusBadRequest, "closed_at is before opened_at")
		return
	}
	if math.IsNaN(req.Equity) || math.IsInf(req.Equity, 0) {
		errorResponse(c, http.StatusBadRequest, "equity must be finite")
		return
	}

	ctx := c.Request.Context()
	outcome := database.TradeOutcome{
		AccountID:     req.AccountID,
		Symbol:        strings.ToUpper(req.Symbol),
		Direction:     req.Direction,
		Source:        database.SourceLive,
		Profit:        req.Profit.InexactFloat64(),
		ProfitPercent: req.ProfitPercent,
		OpenedAt:      req.OpenedAt.UTC(),
		ClosedAt:      req.ClosedAt.UTC(),
		Regime:        req.Regime,
	}

	drawdown, err := s.deps.Gate.RecordTradeResult(ctx, req.AccountID, req.Profit, req.Equity)
	if err != nil {
		logging.FromContext(ctx).Error("Failed to record trade result", "account_id", req.AccountID, "symbol", outcome.Symbol, "error", err)
		errorResponse(c, http.StatusInternalServerError, "failed to record trade result")
		return
	}

	if err := s.deps.Store.InsertTradeOutcome(ctx, &outcome); err != nil {
		s.logger.Error("Failed to store trade outcome", "account_id", req.AccountID, "symbol", outcome.Symbol, "error", err)
		errorResponse(c, http.StatusInternalServerError, "failed to store trade outcome")
		return
	}

	tradingCfg, err := s.deps.Adjuster.RecordOutcome(ctx, outcome)
	if err != nil {
		// The drawdown update already stands; parameters catch up on the next trade
		s.logger.Warn("Failed to adjust trading parameters", "account_id", req.AccountID, "symbol", outcome.Symbol, "error", err)
	}

	successResponse(c, gin.H{
		"drawdown":       drawdown,
		"trading_config": tradingCfg,
	})
}

// handleGetDrawdown returns the account's kill-switch state
// GET /api/v1/accounts/:account/drawdown
func (s *Server) handleGetDrawdown(c *gin.Context) {
	accountID := c.Param("account")
	state, err := s.deps.Gate.Status(c.Request.Context(), accountID)
	if errors.Is(err, database.ErrNotFound) {
		errorResponse(c, http.StatusNotFound, "no drawdown state for account")
		return
	}
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, state)
}

// handleResetBreaker clears the total drawdown breaker and the consecutive-loss switch
// POST /api/v1/accounts/:account/breaker/reset
func (s *Server) handleResetBreaker(c *gin.Context) {
	var req BreakerResetRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errorResponse(c, http.StatusBadRequest, err.Error())
			return
		}
	}

	state, err := s.deps.Gate.Reset(c.Request.Context(), c.Param("account"), s.operator(c), req.Reason)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, state)
}
