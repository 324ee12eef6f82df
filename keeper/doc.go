// Package keeper keeps a bearer session alive in the background.
//
// A Controller reads the session from a SessionState, arms a single timer
// ahead of the access token's expiry and exchanges the refresh token for a new
// access token when it fires. Transient failures are retried with exponential
// backoff up to Policy.MaxRetries. Anything else that ends the session, such
// as a rejected refresh token, logs the user out.
//
// Expiry is read from the token's exp claim without verifying its signature.
// It is a scheduling hint, not a trust decision.
//
// Controllers in different processes sharing one Store do not coordinate; each
// refreshes on its own schedule.
package keeper
