package keeper

import (
	"context"
	"errors"
	"fmt"
)

// doRefresh performs one refresh attempt and applies its outcome. It returns
// false when the attempt was dropped without calling the backend.
func (c *Controller) doRefresh() bool {
	c.mu.Lock()
	if c.state == StateTerminated || c.inFlight {
		c.mu.Unlock()
		return false
	}

	s := c.session.Snapshot()
	if s.RefreshToken == "" {
		c.terminateLocked()
		c.mu.Unlock()
		c.logger.Info().Msg("refresh token gone, stopping")
		return false
	}
	switch tracked := c.trackedToken(); {
	case tracked == "":
		c.track(s.RefreshToken)
	case tracked != s.RefreshToken:
		c.terminateLocked()
		c.mu.Unlock()
		c.logger.Info().Msg("session replaced, stopping")
		return false
	}

	c.inFlight = true
	c.state = StateRefreshing
	ctx := c.ctx
	c.mu.Unlock()

	c.observer.Refreshing()
	c.logger.Debug().Msg("refreshing access token")

	res, err := c.call(ctx, s.RefreshToken)

	// The flag is cleared under the same lock that applies the outcome, so a
	// timer armed below can never observe a stale in-flight refresh.
	c.mu.Lock()
	c.inFlight = false
	if c.state == StateTerminated {
		c.mu.Unlock()
		c.metrics.refresh(outcomeDiscarded)
		c.logger.Debug().Msg("stopped while refreshing, result discarded")
		return true
	}
	// The result belongs to the refresh token it was requested with; a session
	// removed or replaced meanwhile must not receive it.
	if c.session.Snapshot().RefreshToken != s.RefreshToken {
		c.terminateLocked()
		c.mu.Unlock()
		c.metrics.refresh(outcomeDiscarded)
		c.logger.Info().Msg("session changed while refreshing, result discarded")
		return true
	}

	switch {
	case err == nil && res != nil && res.AccessToken != "":
		if !c.applyLocked(s.RefreshToken, res) {
			c.terminateLocked()
			c.mu.Unlock()
			c.metrics.refresh(outcomeDiscarded)
			c.logger.Info().Msg("session changed while storing tokens, result discarded")
			return true
		}
		c.retries = 0
		c.backoff.Reset()
		delay := c.scheduleLocked(res.AccessToken)
		c.mu.Unlock()

		c.metrics.refresh(outcomeSuccess)
		exp, _ := TokenExpiry(res.AccessToken)
		c.logger.Info().Time("expires_at", exp).Dur("next_refresh", delay).Msg("access token refreshed")
		c.observer.Refreshed(exp)
		c.observer.Armed(delay)

	case err == nil:
		c.terminateLocked()
		c.mu.Unlock()

		c.metrics.refresh(outcomeMissingToken)
		c.logoutAndClear(s.RefreshToken, ErrMissingAccessToken)

	case IsAuthFailure(err):
		c.terminateLocked()
		c.mu.Unlock()

		c.metrics.refresh(outcomeAuthFailure)
		c.logoutAndClear(s.RefreshToken, err)

	case c.retries < c.policy.MaxRetries:
		c.retries++
		attempt := c.retries
		delay := c.backoff.NextBackOff()
		c.armLocked(delay)
		c.mu.Unlock()

		c.metrics.refresh(outcomeTransient)
		c.metrics.retry()
		c.logger.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("refresh failed, retrying")
		c.observer.RetryScheduled(attempt, delay, err)

	default:
		c.terminateLocked()
		c.mu.Unlock()

		c.metrics.refresh(outcomeTransient)
		c.logoutAndClear(s.RefreshToken, fmt.Errorf("%w: %w", ErrRetriesExhausted, err))
	}

	return true
}

// applyLocked stores the refreshed tokens if the session still holds sent. It
// reports false when the session changed underneath.
func (c *Controller) applyLocked(sent string, res *RefreshResult) bool {
	next := sent
	if res.RefreshToken != "" {
		next = res.RefreshToken
	}
	// Tracked before writing, so the notification for our own write is ignored.
	if sw, ok := c.session.(tokenSwapper); ok {
		c.track(next)
		return sw.SwapTokens(sent, res.AccessToken, res.RefreshToken)
	}

	c.session.SetNewAccessToken(res.AccessToken)
	if next != sent {
		if rs, ok := c.session.(refreshTokenSetter); ok {
			c.track(next)
			rs.SetRefreshToken(next)
		}
	}
	return true
}

// call invokes the backend. If it panics the in-flight flag is released
// before the panic propagates.
func (c *Controller) call(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	ok := false
	defer func() {
		if !ok {
			c.mu.Lock()
			c.inFlight = false
			c.mu.Unlock()
		}
	}()

	res, err := c.api.Refresh(ctx, refreshToken)
	ok = true
	return res, err
}

// logoutAndClear revokes refreshToken and drops the session. The controller
// must already be terminated. Logout errors are logged and otherwise ignored.
func (c *Controller) logoutAndClear(refreshToken string, reason error) {
	c.logger.Warn().Err(reason).Msg("session can no longer be refreshed, logging out")

	if err := c.api.Logout(context.WithoutCancel(c.ctx), refreshToken); err != nil {
		c.logger.Warn().Err(err).Msg("logout request failed")
	}
	c.session.RemoveUser()

	c.metrics.logout(logoutReason(reason))
	c.observer.LoggedOut(reason)
}

func logoutReason(err error) string {
	switch {
	case errors.Is(err, ErrRetriesExhausted):
		return "retries_exhausted"
	case errors.Is(err, ErrMissingAccessToken):
		return "missing_access_token"
	case errors.Is(err, ErrAuthFailure):
		return "auth_failure"
	default:
		return "other"
	}
}
