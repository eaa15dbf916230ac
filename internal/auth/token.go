// Package auth mints and verifies the bearer tokens optionally attached to
// outbound deliveries. Both ends share the endpoint secret, so tokens use
// HS256; receivers verify with the secret they already hold for signature
// checks, no key distribution needed.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "relaypoint"

// MintDeliveryToken returns a short-lived token identifying one delivery
// attempt.
func MintDeliveryToken(secret string, attempt int, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"iss":     issuer,
		"attempt": attempt,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

// VerifyDeliveryToken validates a token and returns the attempt count it
// was minted for.
func VerifyDeliveryToken(secret, tokenString string) (int, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(issuer), jwt.WithExpirationRequired())
	if err != nil {
		return 0, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return 0, fmt.Errorf("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return 0, fmt.Errorf("invalid claims")
	}

	attempt, ok := claims["attempt"].(float64)
	if !ok {
		return 0, fmt.Errorf("missing or invalid attempt claim")
	}

	return int(attempt), nil
}
