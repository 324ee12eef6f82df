package tui

import (
	"fmt"
	"io"
	"time"

	tea "charm.land/bubbletea/v2"

	"github.com/go-authgate/session-keeper/keeper"
)

// Displayer abstracts all user-facing output: the keeper's refresh
// notifications plus the CLI's own lifecycle events.
type Displayer interface {
	keeper.Observer

	Banner()
	SessionLoaded(key string)
	SessionMissing()
	LoginOK(user *keeper.UserDetails)
	ProfileOK(user *keeper.UserDetails)
	ProfileFailed(err error)
	Stopped()
	Fatal(err error)
}

// PlainDisplayer writes plain text output to w.
// Used when stdout is not a TTY (pipes, CI, SSH without pty).
type PlainDisplayer struct {
	w   io.Writer
	now func() time.Time
}

// NewPlainDisplayer creates a PlainDisplayer that writes to w.
func NewPlainDisplayer(w io.Writer) *PlainDisplayer {
	return &PlainDisplayer{w: w, now: time.Now}
}

func (p *PlainDisplayer) Banner() {
	fmt.Fprintln(p.w, "=== Session Keeper ===")
	fmt.Fprintln(p.w)
}

func (p *PlainDisplayer) SessionLoaded(key string) {
	fmt.Fprintf(p.w, "Found stored session %q\n", key)
}

func (p *PlainDisplayer) SessionMissing() {
	fmt.Fprintln(p.w, "No stored session found, run 'login' first")
}

func (p *PlainDisplayer) LoginOK(user *keeper.UserDetails) {
	fmt.Fprintf(p.w, "Signed in as %s\n", describeUser(user))
}

func (p *PlainDisplayer) ProfileOK(user *keeper.UserDetails) {
	fmt.Fprintf(p.w, "Access token accepted for %s\n", describeUser(user))
}

func (p *PlainDisplayer) ProfileFailed(err error) {
	fmt.Fprintf(p.w, "Profile check failed: %v\n", err)
}

func (p *PlainDisplayer) Armed(delay time.Duration) {
	fmt.Fprintf(p.w, "Next refresh in %s (at %s)\n",
		formatDuration(delay), p.now().Add(delay).Format(time.TimeOnly))
}

func (p *PlainDisplayer) Refreshing() {
	fmt.Fprintln(p.w, "Refreshing access token...")
}

func (p *PlainDisplayer) Refreshed(expiry time.Time) {
	if expiry.IsZero() {
		fmt.Fprintln(p.w, "Token refreshed successfully!")
		return
	}
	fmt.Fprintf(p.w, "Token refreshed successfully, valid until %s\n", expiry.Local().Format(time.DateTime))
}

func (p *PlainDisplayer) RetryScheduled(attempt int, delay time.Duration, err error) {
	fmt.Fprintf(p.w, "Refresh failed: %v\n", err)
	fmt.Fprintf(p.w, "Retry %d in %s\n", attempt, formatDuration(delay))
}

func (p *PlainDisplayer) LoggedOut(reason error) {
	fmt.Fprintf(p.w, "Session ended: %v\n", reason)
}

func (p *PlainDisplayer) Stopped() {
	fmt.Fprintln(p.w, "Stopped.")
}

func (p *PlainDisplayer) Fatal(err error) {
	fmt.Fprintf(p.w, "Error: %v\n", err)
}

// NoopDisplayer is a no-op implementation used in tests.
type NoopDisplayer struct {
	keeper.NopObserver
}

func (NoopDisplayer) Banner()                         {}
func (NoopDisplayer) SessionLoaded(_ string)          {}
func (NoopDisplayer) SessionMissing()                 {}
func (NoopDisplayer) LoginOK(_ *keeper.UserDetails)   {}
func (NoopDisplayer) ProfileOK(_ *keeper.UserDetails) {}
func (NoopDisplayer) ProfileFailed(_ error)           {}
func (NoopDisplayer) Stopped()                        {}
func (NoopDisplayer) Fatal(_ error)                   {}

// sender is the part of *tea.Program a ProgramDisplayer needs.
type sender interface {
	Send(msg tea.Msg)
}

// ProgramDisplayer sends BubbleTea messages to a running tea.Program.
type ProgramDisplayer struct {
	p   sender
	now func() time.Time
}

// NewProgramDisplayer creates a ProgramDisplayer that sends messages to p.
func NewProgramDisplayer(p *tea.Program) *ProgramDisplayer {
	return &ProgramDisplayer{p: p, now: time.Now}
}

func (t *ProgramDisplayer) Banner() {
	t.p.Send(MsgBanner{})
}

func (t *ProgramDisplayer) SessionLoaded(key string) {
	t.p.Send(MsgSessionLoaded{Key: key})
}

func (t *ProgramDisplayer) SessionMissing() {
	t.p.Send(MsgSessionMissing{})
}

func (t *ProgramDisplayer) LoginOK(user *keeper.UserDetails) {
	t.p.Send(MsgLoginOK{User: user})
}

func (t *ProgramDisplayer) ProfileOK(user *keeper.UserDetails) {
	t.p.Send(MsgProfileOK{User: user})
}

func (t *ProgramDisplayer) ProfileFailed(err error) {
	t.p.Send(MsgProfileFailed{Err: err})
}

// Armed converts the delay to a deadline so the countdown survives slow delivery.
func (t *ProgramDisplayer) Armed(delay time.Duration) {
	t.p.Send(MsgArmed{At: t.now().Add(delay)})
}

func (t *ProgramDisplayer) Refreshing() {
	t.p.Send(MsgRefreshing{})
}

func (t *ProgramDisplayer) Refreshed(expiry time.Time) {
	t.p.Send(MsgRefreshed{Expiry: expiry})
}

func (t *ProgramDisplayer) RetryScheduled(attempt int, delay time.Duration, err error) {
	t.p.Send(MsgRetryScheduled{Attempt: attempt, At: t.now().Add(delay), Err: err})
}

func (t *ProgramDisplayer) LoggedOut(reason error) {
	t.p.Send(MsgLoggedOut{Reason: reason})
}

func (t *ProgramDisplayer) Stopped() {
	t.p.Send(MsgStopped{})
}

func (t *ProgramDisplayer) Fatal(err error) {
	t.p.Send(MsgFatal{Err: err})
}

func describeUser(u *keeper.UserDetails) string {
	switch {
	case u == nil:
		return "unknown user"
	case u.Name != "" && u.Role != "":
		return fmt.Sprintf("%s (%s)", u.Name, u.Role)
	case u.Name != "":
		return u.Name
	case u.Email != "":
		return u.Email
	default:
		return u.ID
	}
}

var (
	_ Displayer = (*PlainDisplayer)(nil)
	_ Displayer = NoopDisplayer{}
	_ Displayer = (*ProgramDisplayer)(nil)
)
