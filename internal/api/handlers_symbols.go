package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"symbol-optimizer/internal/database"
	"symbol-optimizer/internal/shadow"
)

const snapshotHistoryDays = 14

// SubscribeRequest adds a symbol to the account's daily evaluation
type SubscribeRequest struct {
	Symbol string `json:"symbol" binding:"required"`
}

// StatusOverrideRequest is an operator status change
type StatusOverrideRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
}

// CloseShadowRequest closes a shadow position. Price 0 uses the last tick.
type CloseShadowRequest struct {
	Price float64 `json:"price" binding:"gte=0"`
}

// SymbolDetail is the symbol view: state, recent snapshots and any open shadow trade
type SymbolDetail struct {
	State       *database.SymbolState          `json:"state"`
	Snapshots   []database.PerformanceSnapshot `json:"snapshots"`
	ShadowTrade *database.ShadowTrade          `json:"shadow_trade,omitempty"`
}

// GET /api/v1/accounts/:account/symbols
func (s *Server) handleListSymbols(c *gin.Context) {
	states, err := s.deps.Store.ListSymbolStates(c.Request.Context(), c.Param("account"))
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	if filter := c.Query("status"); filter != "" {
		status, err := database.ParseSymbolStatus(filter)
		if err != nil {
			errorResponse(c, http.StatusBadRequest, err.Error())
			return
		}
		kept := states[:0]
		for _, st := range states {
			if st.Status == status {
				kept = append(kept, st)
			}
		}
		states = kept
	}
	successResponse(c, states)
}

// POST /api/v1/accounts/:account/symbols
func (s *Server) handleSubscribe(c *gin.Context) {
	var req SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	accountID := c.Param("account")
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))

	if err := s.deps.Store.AddSubscription(c.Request.Context(), accountID, symbol); err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("Symbol subscribed", "account_id", accountID, "symbol", symbol, "operator", s.operator(c))
	successResponse(c, gin.H{"account_id": accountID, "symbol": symbol})
}

// DELETE /api/v1/accounts/:account/symbols/:symbol
func (s *Server) handleUnsubscribe(c *gin.Context) {
	accountID, symbol := c.Param("account"), pathSymbol(c)
	err := s.deps.Store.RemoveSubscription(c.Request.Context(), accountID, symbol)
	if errors.Is(err, database.ErrNotFound) {
		errorResponse(c, http.StatusNotFound, "symbol not subscribed")
		return
	}
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("Symbol unsubscribed", "account_id", accountID, "symbol", symbol, "operator", s.operator(c))
	successResponse(c, gin.H{"account_id": accountID, "symbol": symbol})
}

// GET /api/v1/accounts/:account/symbols/:symbol
func (s *Server) handleGetSymbol(c *gin.Context) {
	ctx := c.Request.Context()
	accountID, symbol := c.Param("account"), pathSymbol(c)

	state, err := s.deps.Store.GetSymbolState(ctx, accountID, symbol)
	if errors.Is(err, database.ErrNotFound) {
		errorResponse(c, http.StatusNotFound, "symbol not found")
		return
	}
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	snaps, err := s.deps.Store.ListSnapshots(ctx, accountID, symbol, snapshotHistoryDays)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	detail := SymbolDetail{State: state, Snapshots: snaps}
	if s.deps.Shadow != nil {
		if trade, ok := s.deps.Shadow.Open(accountID, symbol); ok {
			detail.ShadowTrade = trade
		}
	}
	successResponse(c, detail)
}

// PUT /api/v1/accounts/:account/symbols/:symbol/status
func (s *Server) handleOverrideStatus(c *gin.Context) {
	var req StatusOverrideRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	status, err := database.ParseSymbolStatus(req.Status)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}

	res, err := s.deps.Engine.ForceStatus(c.Request.Context(), c.Param("account"), pathSymbol(c), status, s.operator(c), req.Reason)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, gin.H{
		"state":   res.State,
		"changed": res.Event != nil,
		"event":   res.Event,
	})
}

// GET /api/v1/accounts/:account/symbols/:symbol/params?direction=BUY
func (s *Server) handleGetParams(c *gin.Context) {
	direction := strings.ToUpper(c.DefaultQuery("direction", database.DirectionBuy))
	if direction != database.DirectionBuy && direction != database.DirectionSell {
		errorResponse(c, http.StatusBadRequest, "direction must be BUY or SELL")
		return
	}

	params, err := s.deps.Adjuster.Params(c.Request.Context(), database.TradingKey{
		AccountID: c.Param("account"),
		Symbol:    pathSymbol(c),
		Direction: direction,
	})
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, params)
}

// POST /api/v1/accounts/:account/symbols/:symbol/shadow/close
func (s *Server) handleCloseShadow(c *gin.Context) {
	if s.deps.Shadow == nil {
		errorResponse(c, http.StatusServiceUnavailable, "shadow simulator not running")
		return
	}
	var req CloseShadowRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errorResponse(c, http.StatusBadRequest, err.Error())
			return
		}
	}

	trade, err := s.deps.Shadow.CloseManual(c.Request.Context(), c.Param("account"), pathSymbol(c), req.Price)
	switch {
	case errors.Is(err, shadow.ErrNoPosition):
		errorResponse(c, http.StatusNotFound, "no open shadow trade")
		return
	case errors.Is(err, shadow.ErrNoPrice):
		errorResponse(c, http.StatusConflict, "no price seen yet, pass an explicit price")
		return
	case err != nil:
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("Shadow trade closed manually", "account_id", trade.AccountID, "symbol", trade.Symbol, "operator", s.operator(c))
	successResponse(c, trade)
}
