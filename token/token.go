// Package token decodes access-token claims on the client side.
//
// The SDK treats tokens as opaque credentials minted and verified by the
// server; the only claim the client acts on is the expiry. Decoding is
// therefore unverified — no signature check — and strictly fail-closed: a
// token that cannot be decoded is treated as already expired.
package token

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	lexcase "github.com/lexcase/lexcase-go"
)

// Decode parses the claims of an access token without verifying its signature.
func Decode(access string) (*lexcase.Claims, error) {
	parser := jwt.NewParser()

	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(access, claims); err != nil {
		return nil, fmt.Errorf("lexcase/token: %w", err)
	}

	result := &lexcase.Claims{Extra: make(map[string]any)}

	if sub, ok := claims["sub"].(string); ok {
		result.Subject = sub
	}
	if email, ok := claims["email"].(string); ok {
		result.Email = email
	}
	if firmID, ok := claims["firm_id"].(string); ok {
		result.FirmID = firmID
	}
	if exp, ok := claims["exp"].(float64); ok {
		result.ExpiresAt = time.Unix(int64(exp), 0)
	}
	if iat, ok := claims["iat"].(float64); ok {
		result.IssuedAt = time.Unix(int64(iat), 0)
	}

	for key, value := range claims {
		switch key {
		case "sub", "email", "firm_id", "exp", "iat", "aud", "nbf", "jti", "iss":
		default:
			result.Extra[key] = value
		}
	}

	return result, nil
}

// ExpiresAt returns the decoded expiry claim of an access token. A token
// without a decodable expiry yields the zero time, which every freshness
// check treats as long past.
func ExpiresAt(access string) time.Time {
	claims, err := Decode(access)
	if err != nil {
		return time.Time{}
	}
	return claims.ExpiresAt
}

// Expired reports whether the token's expiry has passed at the given instant.
// Undecodable tokens are expired.
func Expired(access string, now time.Time) bool {
	return !ExpiresAt(access).After(now)
}
