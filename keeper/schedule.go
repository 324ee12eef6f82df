package keeper

import (
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Refresh timing defaults.
const (
	DefaultRefreshBuffer  = 5 * time.Minute
	DefaultMinDelay       = 5 * time.Second
	DefaultFallbackDelay  = 55 * time.Minute
	DefaultRetryBaseDelay = 30 * time.Second
	DefaultMaxRetries     = 5
)

// Policy holds the timing knobs of a controller.
type Policy struct {
	// RefreshBuffer is how long before expiry a refresh is attempted.
	// It is clamped to half of the remaining lifetime.
	RefreshBuffer time.Duration
	// MinDelay is the lower bound for a scheduled refresh of a live token.
	MinDelay time.Duration
	// FallbackDelay is used when the token carries no readable expiry.
	FallbackDelay time.Duration
	// RetryBaseDelay is the first backoff step after a transient failure.
	RetryBaseDelay time.Duration
	// MaxRetries is the number of retries allowed before the session is dropped.
	MaxRetries int
}

// DefaultPolicy returns the standard refresh policy.
func DefaultPolicy() Policy {
	return Policy{
		RefreshBuffer:  DefaultRefreshBuffer,
		MinDelay:       DefaultMinDelay,
		FallbackDelay:  DefaultFallbackDelay,
		RetryBaseDelay: DefaultRetryBaseDelay,
		MaxRetries:     DefaultMaxRetries,
	}
}

// RefreshDelay computes how long to wait before refreshing accessToken.
//
// A token that has already expired yields 0. A token without a readable
// expiry yields FallbackDelay.
func (p Policy) RefreshDelay(accessToken string, now time.Time) time.Duration {
	exp, err := TokenExpiry(accessToken)
	if err != nil {
		return p.FallbackDelay
	}

	ttl := exp.Sub(now)
	if ttl <= 0 {
		return 0
	}

	buffer := min(p.RefreshBuffer, ttl/2)
	return min(ttl, max(p.MinDelay, ttl-buffer))
}

// newBackOff returns the retry sequence RetryBaseDelay * 2^(n-1) for n in 1..MaxRetries.
func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     p.RetryBaseDelay,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         p.RetryBaseDelay << max(p.MaxRetries-1, 0),
	}
	b.Reset()
	return b
}
