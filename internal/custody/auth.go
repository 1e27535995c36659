package custody

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/medvault/custody/pkg/logger"
	"github.com/medvault/custody/pkg/types"
)

type claimsKey struct{}

// JWTClaims represents JWT token claims
type JWTClaims struct {
	UserID  string `json:"user_id"`
	Name    string `json:"name"`
	Role    string `json:"role"`
	VaultID string `json:"vault_id,omitempty"`
	HPRID   string `json:"hprid,omitempty"`
	jwt.RegisteredClaims
}

// TokenValidator validates HS256 bearer tokens
type TokenValidator struct {
	jwtSecret []byte
	issuer    string
	audience  string
}

// NewTokenValidator creates a new token validator. Empty issuer or audience
// disables that check.
func NewTokenValidator(secret, issuer, audience string) *TokenValidator {
	return &TokenValidator{
		jwtSecret: []byte(secret),
		issuer:    issuer,
		audience:  audience,
	}
}

// ValidateJWT validates a JWT token and returns user claims
func (tv *TokenValidator) ValidateJWT(tokenString string) (*types.UserClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if tv.issuer != "" {
		opts = append(opts, jwt.WithIssuer(tv.issuer))
	}
	if tv.audience != "" {
		opts = append(opts, jwt.WithAudience(tv.audience))
	}

	token, err := jwt.ParseWithClaims(tokenString, &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
		return tv.jwtSecret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*JWTClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	role := types.UserRole(claims.Role)
	if !role.Valid() {
		return nil, fmt.Errorf("unknown role %q", claims.Role)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("token has no user id")
	}

	return &types.UserClaims{
		UserID:  claims.UserID,
		Name:    claims.Name,
		Role:    role,
		VaultID: claims.VaultID,
		HPRID:   claims.HPRID,
	}, nil
}

// GenerateToken signs a token for claims valid for ttl
func (tv *TokenValidator) GenerateToken(claims *types.UserClaims, ttl time.Duration) (string, error) {
	now := time.Now()
	jwtClaims := &JWTClaims{
		UserID:  claims.UserID,
		Name:    claims.Name,
		Role:    string(claims.Role),
		VaultID: claims.VaultID,
		HPRID:   claims.HPRID,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    tv.issuer,
			Subject:   claims.UserID,
		},
	}
	if tv.audience != "" {
		jwtClaims.Audience = jwt.ClaimStrings{tv.audience}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwtClaims)
	signed, err := token.SignedString(tv.jwtSecret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// authMiddleware validates the bearer token and puts the caller's claims
// in the request context
func (h *Handlers) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			h.writeError(w, http.StatusUnauthorized, "unauthorized", "missing authorization header", false, nil)
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			h.writeError(w, http.StatusUnauthorized, "unauthorized", "invalid authorization header format", false, nil)
			return
		}

		claims, err := h.validator.ValidateJWT(parts[1])
		if err != nil {
			h.logger.Security(r.Context(), "token_rejected", "", map[string]interface{}{"error": err.Error()})
			h.writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token", false, nil)
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey{}, claims)
		ctx = context.WithValue(ctx, logger.CallerIDKey, claims.UserID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ClaimsFromContext returns the authenticated caller, if any
func ClaimsFromContext(ctx context.Context) (*types.UserClaims, bool) {
	claims, ok := ctx.Value(claimsKey{}).(*types.UserClaims)
	return claims, ok
}
