package tui

import (
	"time"

	"github.com/go-authgate/session-keeper/keeper"
)

// MsgBanner signals that the banner/title should be displayed.
type MsgBanner struct{}

// MsgSessionLoaded signals that a stored session was found.
type MsgSessionLoaded struct{ Key string }

// MsgSessionMissing signals that there is no session to keep alive.
type MsgSessionMissing struct{}

// MsgLoginOK signals that a login produced a new session.
type MsgLoginOK struct{ User *keeper.UserDetails }

// MsgProfileOK signals that the current access token was accepted by the server.
type MsgProfileOK struct{ User *keeper.UserDetails }

// MsgProfileFailed signals that the profile check failed.
type MsgProfileFailed struct{ Err error }

// MsgArmed signals that the next refresh is scheduled.
type MsgArmed struct{ At time.Time }

// MsgRefreshing signals that a token refresh is in progress.
type MsgRefreshing struct{}

// MsgRefreshed signals that the access token was replaced.
type MsgRefreshed struct{ Expiry time.Time }

// MsgRetryScheduled signals that a failed refresh will be retried.
type MsgRetryScheduled struct {
	Attempt int
	At      time.Time
	Err     error
}

// MsgLoggedOut signals that the keeper gave up and cleared the session.
type MsgLoggedOut struct{ Reason error }

// MsgStopped signals that the keeper was stopped by the user.
type MsgStopped struct{}

// MsgFatal signals a fatal error that should terminate the program.
type MsgFatal struct{ Err error }
