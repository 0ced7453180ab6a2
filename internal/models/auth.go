package models

import "github.com/golang-jwt/jwt/v5"

// TokenClaims are the JWT claims carried by a bearer credential. The token
// format itself is outside the security core; the Gateway only reads the
// resolved identity out of it.
type TokenClaims struct {
	UserID   string `json:"uid"`
	TenantID string `json:"tid"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}
