package auth

import (
	"time"
)

// OperatorClaims represents the JWT claims for an operator
type OperatorClaims struct {
	Operator string `json:"operator"`
	Role     string `json:"role"`
}

// RoleOperator is the only role the optimizer API knows
const RoleOperator = "operator"

// Operator is a static credential loaded from configuration. KeyHash is a
// bcrypt hash of the operator's API key.
type Operator struct {
	Name    string
	KeyHash string
}

// TokenRequest exchanges an operator key for an access token
type TokenRequest struct {
	Operator string `json:"operator" binding:"required"`
	APIKey   string `json:"api_key" binding:"required"`
}

// TokenResponse represents an issued access token
type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresIn   int64     `json:"expires_in"` // Access token expiry in seconds
	ExpiresAt   time.Time `json:"expires_at"`
	TokenType   string    `json:"token_type"` // Always "Bearer"
}

// Error types for authentication
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e AuthError) Error() string {
	return e.Message
}

// Common authentication errors
var (
	ErrInvalidCredentials = AuthError{Code: "INVALID_CREDENTIALS", Message: "invalid operator or api key"}
	ErrInvalidToken       = AuthError{Code: "INVALID_TOKEN", Message: "invalid or expired token"}
	ErrTokenExpired       = AuthError{Code: "TOKEN_EXPIRED", Message: "token has expired"}
	ErrUnauthorized       = AuthError{Code: "UNAUTHORIZED", Message: "unauthorized access"}
	ErrForbidden          = AuthError{Code: "FORBIDDEN", Message: "access forbidden"}
)
