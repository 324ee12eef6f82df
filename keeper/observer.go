package keeper

import "time"

// Observer receives fire-and-forget notifications about the refresh cycle.
// Methods are called without any controller lock held and must not block for long.
type Observer interface {
	// Armed reports that the next refresh fires after delay.
	Armed(delay time.Duration)
	Refreshing()
	// Refreshed reports a new access token; expiry is zero when unreadable.
	Refreshed(expiry time.Time)
	RetryScheduled(attempt int, delay time.Duration, err error)
	// LoggedOut reports that the session was dropped because of reason.
	LoggedOut(reason error)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) Armed(time.Duration)                      {}
func (NopObserver) Refreshing()                              {}
func (NopObserver) Refreshed(time.Time)                      {}
func (NopObserver) RetryScheduled(int, time.Duration, error) {}
func (NopObserver) LoggedOut(error)                          {}
