package keeper

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenExpiry reads the exp claim of a JWT-shaped token.
//
// The signature is NOT verified. The result is only used to decide when to
// refresh; the server stays the authority on whether a token is valid.
func TokenExpiry(token string) (time.Time, error) {
	if strings.TrimSpace(token) == "" {
		return time.Time{}, fmt.Errorf("%w: empty token", ErrMalformedToken)
	}

	// An unknown alg only matters for verification; the claims are decoded by then.
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil && (parsed == nil || parsed.Claims == nil || !errors.Is(err, jwt.ErrTokenUnverifiable)) {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	exp, err := parsed.Claims.GetExpirationTime()
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	if exp == nil {
		return time.Time{}, fmt.Errorf("%w: no exp claim", ErrMalformedToken)
	}

	return exp.Time, nil
}

// IsTokenExpired reports whether token is absent, undecodable, or expired at now.
func IsTokenExpired(token string, now time.Time) bool {
	exp, err := TokenExpiry(token)
	if err != nil {
		return true
	}
	return !now.Before(exp)
}
