package keeper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRefreshDelay(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name  string
		token string
		want  time.Duration
	}{
		{"one hour", mintToken(t, epoch.Add(time.Hour)), 55 * time.Minute},
		{"one day", mintToken(t, epoch.Add(24*time.Hour)), 24*time.Hour - 5*time.Minute},
		{"ten minutes", mintToken(t, epoch.Add(10*time.Minute)), 5 * time.Minute},
		{"buffer clamped to half", mintToken(t, epoch.Add(9*time.Minute)), 270 * time.Second},
		{"one minute", mintToken(t, epoch.Add(time.Minute)), 30 * time.Second},
		{"min delay floor", mintToken(t, epoch.Add(6*time.Second)), 5 * time.Second},
		{"shorter than min delay", mintToken(t, epoch.Add(3*time.Second)), 3 * time.Second},
		{"expired", mintToken(t, epoch.Add(-time.Minute)), 0},
		{"expires now", mintToken(t, epoch), 0},
		{"malformed", "opaque-token", 55 * time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.RefreshDelay(tt.token, epoch))
		})
	}
}

// Every delay fits in the token's lifetime and leaves the buffer free whenever
// the lifetime is long enough for MinDelay not to dominate.
func TestRefreshDelay_Bounds(t *testing.T) {
	p := DefaultPolicy()

	for ttl := 10 * time.Second; ttl <= 48*time.Hour; ttl += 37 * time.Second {
		d := p.RefreshDelay(mintToken(t, epoch.Add(ttl)), epoch)
		buffer := min(p.RefreshBuffer, ttl/2)

		if d < 0 || d > ttl {
			t.Fatalf("ttl %v: delay %v outside [0, ttl]", ttl, d)
		}
		if d > ttl-buffer {
			t.Fatalf("ttl %v: delay %v leaves less than buffer %v", ttl, d, buffer)
		}
	}
}

func TestPolicy_BackOffSequence(t *testing.T) {
	b := DefaultPolicy().newBackOff()

	want := []time.Duration{
		30 * time.Second,
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
		480 * time.Second,
	}
	for i, w := range want {
		assert.Equal(t, w, b.NextBackOff(), "retry %d", i+1)
	}

	b.Reset()
	assert.Equal(t, 30*time.Second, b.NextBackOff())
}
