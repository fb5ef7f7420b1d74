package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"symbol-optimizer/internal/logging"
)

// Handlers contains the auth HTTP handlers
type Handlers struct {
	operators *OperatorStore
	jwt       *JWTManager
	logger    *logging.Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(operators *OperatorStore, jwtManager *JWTManager, logger *logging.Logger) *Handlers {
	if logger == nil {
		logger = logging.Default()
	}
	return &Handlers{operators: operators, jwt: jwtManager, logger: logger.WithComponent("auth")}
}

// RegisterRoutes mounts the public auth routes on group
func (h *Handlers) RegisterRoutes(group *gin.RouterGroup) {
	group.POST("/token", h.IssueToken)
}

// IssueToken exchanges an operator key for an access token
// POST /api/v1/auth/token
func (h *Handlers) IssueToken(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "VALIDATION_ERROR",
			"message": err.Error(),
		})
		return
	}

	op, err := h.operators.Authenticate(req.Operator, req.APIKey)
	if err != nil {
		h.logger.Warn("Rejected operator token request", "operator", req.Operator, "client_ip", c.ClientIP())
		c.JSON(http.StatusUnauthorized, gin.H{
			"error":   ErrInvalidCredentials.Code,
			"message": ErrInvalidCredentials.Message,
		})
		return
	}

	token, expiresAt, err := h.jwt.GenerateAccessToken(OperatorClaims{Operator: op.Name, Role: RoleOperator})
	if err != nil {
		h.logger.Error("Failed to issue token", "operator", op.Name, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "INTERNAL_ERROR",
			"message": "failed to issue token",
		})
		return
	}

	h.logger.Info("Issued operator token", "operator", op.Name)
	c.JSON(http.StatusOK, TokenResponse{
		AccessToken: token,
		ExpiresIn:   h.jwt.GetAccessTokenDuration(),
		ExpiresAt:   expiresAt,
		TokenType:   "Bearer",
	})
}
