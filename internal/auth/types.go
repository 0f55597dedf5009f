// Package auth issues and checks bearer tokens for the engine API.
package auth

import (
	"time"
)

// Roles carried in the token.
const (
	RoleOperator = "operator" // may place, modify and cancel orders
	RoleViewer   = "viewer"   // read-only
)

// OperatorClaims represents the JWT claims for an API caller
type OperatorClaims struct {
	Subject string `json:"sub_name"`
	Role    string `json:"role"`
}

// CanTrade reports whether the caller may mutate orders.
func (c OperatorClaims) CanTrade() bool {
	return c.Role == RoleOperator
}

// TokenResponse is returned when a token is issued.
type TokenResponse struct {
	AccessToken string    `json:"access_token"`
	ExpiresIn   int64     `json:"expires_in"` // seconds
	ExpiresAt   time.Time `json:"expires_at"`
	TokenType   string    `json:"token_type"` // Always "Bearer"
}

// Config holds authentication configuration
type Config struct {
	JWTSecret           string        `json:"jwt_secret"`
	Issuer              string        `json:"issuer"`
	AccessTokenDuration time.Duration `json:"access_token_duration"`
}

// DefaultConfig returns default authentication configuration
func DefaultConfig() Config {
	return Config{
		JWTSecret:           "", // Must be set
		Issuer:              "futures-risk-engine",
		AccessTokenDuration: 12 * time.Hour,
	}
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
	ErrInvalidToken = AuthError{Code: "INVALID_TOKEN", Message: "invalid or expired token"}
	ErrTokenExpired = AuthError{Code: "TOKEN_EXPIRED", Message: "token has expired"}
	ErrUnauthorized = AuthError{Code: "UNAUTHORIZED", Message: "unauthorized access"}
	ErrForbidden    = AuthError{Code: "FORBIDDEN", Message: "access forbidden"}
	ErrInvalidRole  = AuthError{Code: "INVALID_ROLE", Message: "unknown role"}
)
