package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const audience = "futures-risk-engine-api"

// JWTManager handles JWT token operations
type JWTManager struct {
	secret              []byte
	issuer              string
	accessTokenDuration time.Duration
	now                 func() time.Time
}

// Claims represents the JWT claims
type Claims struct {
	OperatorClaims
	jwt.RegisteredClaims
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(cfg Config) *JWTManager {
	def := DefaultConfig()
	if cfg.Issuer == "" {
		cfg.Issuer = def.Issuer
	}
	if cfg.AccessTokenDuration <= 0 {
		cfg.AccessTokenDuration = def.AccessTokenDuration
	}
	return &JWTManager{
		secret:              []byte(cfg.JWTSecret),
		issuer:              cfg.Issuer,
		accessTokenDuration: cfg.AccessTokenDuration,
		now:                 time.Now,
	}
}

// GenerateAccessToken signs a token for subject with the given role.
func (m *JWTManager) GenerateAccessToken(subject, role string) (*TokenResponse, error) {
	if role != RoleOperator && role != RoleViewer {
		return nil, ErrInvalidRole
	}
	now := m.now()
	expiresAt := now.Add(m.accessTokenDuration)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		OperatorClaims: OperatorClaims{Subject: subject, Role: role},
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    m.issuer,
			Audience:  []string{audience},
		},
	})

	signedToken, err := token.SignedString(m.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &TokenResponse{
		AccessToken: signedToken,
		ExpiresIn:   int64(m.accessTokenDuration.Seconds()),
		ExpiresAt:   expiresAt,
		TokenType:   "Bearer",
	}, nil
}

// ValidateAccessToken validates an access token and returns the claims
func (m *JWTManager) ValidateAccessToken(tokenString string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		// Validate signing method
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	},
		jwt.WithIssuer(m.issuer),
		jwt.WithAudience(audience),
		jwt.WithTimeFunc(m.now),
	)

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Role != RoleOperator && claims.Role != RoleViewer {
		return nil, ErrInvalidRole
	}

	return &claims.OperatorClaims, nil
}

// GetAccessTokenDuration returns the access token duration in seconds
func (m *JWTManager) GetAccessTokenDuration() int64 {
	return int64(m.accessTokenDuration.Seconds())
}
