package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"symbol-optimizer/internal/database"
	"symbol-optimizer/internal/optimizer"
)

const (
	runDateLayout   = "2006-01-02"
	defaultRunLimit = 30
)

// TriggerRunRequest starts an evaluation outside the schedule. Date defaults
// to today in the scheduler's timezone.
type TriggerRunRequest struct {
	Date  string `json:"date"`
	Force bool   `json:"force"`
	Wait  bool   `json:"wait"`
}

// GET /api/v1/accounts/:account/config
func (s *Server) handleGetConfig(c *gin.Context) {
	cfg, err := optimizer.LoadConfig(c.Request.Context(), s.deps.Store, c.Param("account"))
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, cfg)
}

// PUT /api/v1/accounts/:account/config replaces the account's thresholds.
// Invalid values are rejected, never defaulted.
func (s *Server) handlePutConfig(c *gin.Context) {
	var cfg database.OptimizationConfig
	if err := c.ShouldBindJSON(&cfg); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	cfg.AccountID = c.Param("account")

	if err := cfg.Validate(); err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.deps.Store.SaveOptimizationConfig(c.Request.Context(), &cfg); err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}

	s.logger.Info("Optimization config updated",
		"account_id", cfg.AccountID,
		"operator", s.operator(c),
		"auto_disable", cfg.AutoDisable,
		"auto_enable", cfg.AutoEnable,
		"shadow_trading", cfg.ShadowTrading)
	successResponse(c, cfg)
}

// GET /api/v1/accounts/:account/runs
func (s *Server) handleListRuns(c *gin.Context) {
	limit, err := queryLimit(c, defaultRunLimit)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	runs, err := s.deps.Store.ListRuns(c.Request.Context(), c.Param("account"), limit)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, runs)
}

// POST /api/v1/accounts/:account/runs
func (s *Server) handleTriggerRun(c *gin.Context) {
	if s.deps.Runs == nil {
		errorResponse(c, http.StatusServiceUnavailable, "scheduler not running")
		return
	}
	var req TriggerRunRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			errorResponse(c, http.StatusBadRequest, err.Error())
			return
		}
	}

	accountID := c.Param("account")
	date := s.deps.Runs.RunDate(time.Now())
	if req.Date != "" {
		d, err := time.Parse(runDateLayout, req.Date)
		if err != nil {
			errorResponse(c, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		date = d
	}
	operator := s.operator(c)

	if req.Wait {
		run, err := s.deps.Runs.RunAccount(c.Request.Context(), accountID, date, req.Force)
		if errors.Is(err, database.ErrRunInProgress) || errors.Is(err, database.ErrAlreadyCompleted) {
			errorResponse(c, http.StatusConflict, err.Error())
			return
		}
		if err != nil && run == nil {
			errorResponse(c, http.StatusInternalServerError, err.Error())
			return
		}
		successResponse(c, run)
		return
	}

	go func(ctx context.Context) {
		run, err := s.deps.Runs.RunAccount(ctx, accountID, date, req.Force)
		if err != nil {
			s.logger.Warn("Triggered run did not complete", "account_id", accountID, "date", date.Format(runDateLayout), "operator", operator, "error", err)
			return
		}
		s.logger.Info("Triggered run finished", "account_id", accountID, "run_id", run.ID, "status", string(run.Status), "operator", operator)
	}(s.baseCtx)

	c.JSON(http.StatusAccepted, gin.H{
		"success": true,
		"data": gin.H{
			"account_id": accountID,
			"run_date":   date.Format(runDateLayout),
			"force":      req.Force,
		},
	})
}

// GET /api/v1/accounts/:account/events?symbol=&type=&since=&limit=
func (s *Server) handleListEvents(c *gin.Context) {
	limit, err := queryLimit(c, 0)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, err.Error())
		return
	}
	filter := database.EventFilter{
		AccountID: c.Param("account"),
		Symbol:    c.Query("symbol"),
		EventType: database.EventType(c.Query("type")),
		Limit:     limit,
	}
	if since := c.Query("since"); since != "" {
		t, err := time.Parse(time.RFC3339, since)
		if err != nil {
			errorResponse(c, http.StatusBadRequest, "since must be RFC3339")
			return
		}
		filter.Since = t
	}

	events, err := s.deps.Events.List(c.Request.Context(), filter)
	if err != nil {
		errorResponse(c, http.StatusInternalServerError, err.Error())
		return
	}
	successResponse(c, events)
}

func queryLimit(c *gin.Context, def int) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, errors.New("limit must be a non-negative integer")
	}
	return n, nil
}
