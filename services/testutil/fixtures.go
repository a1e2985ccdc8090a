package testutil

import (
	"time"

	"github.com/brokerx/brokerx/libs/auth"
	"github.com/golang-jwt/jwt/v5"
)

const (
	TraderIdentity = "trader@example.com"
	DemoIdentity   = "demo@example.com"
)

// GenerateJWT signs a token for identity the way the auth service does.
func GenerateJWT(identity string, secret []byte, ttl time.Duration, now time.Time) (string, error) {
	claims := auth.Claims{
		Roles: []string{"trader"},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "brokerx-auth",
			Subject:   identity,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}
