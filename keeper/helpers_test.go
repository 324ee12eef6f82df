package keeper

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var epoch = time.Date(2026, time.January, 1, 12, 0, 0, 0, time.UTC)

// mintToken returns an HS256 token expiring at exp.
func mintToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": exp.Unix(),
	})
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return s
}

// fakeClock only moves when Advance is called. Due callbacks run on the
// goroutine calling Advance, in expiry order.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.stopped || t.fired || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()

		next.f()
	}
}

// Pending returns the remaining delay of every armed timer, shortest first.
func (c *fakeClock) Pending() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped && !t.fired {
			out = append(out, t.at.Sub(c.now))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// fakeAPI counts calls and delegates refreshes to refreshFn.
type fakeAPI struct {
	mu           sync.Mutex
	refreshCalls int
	logoutCalls  int
	logoutTokens []string
	refreshFn    func(ctx context.Context, refreshToken string) (*RefreshResult, error)
	logoutErr    error
}

func (a *fakeAPI) Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error) {
	a.mu.Lock()
	a.refreshCalls++
	fn := a.refreshFn
	a.mu.Unlock()
	return fn(ctx, refreshToken)
}

func (a *fakeAPI) Logout(_ context.Context, refreshToken string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.logoutCalls++
	a.logoutTokens = append(a.logoutTokens, refreshToken)
	return a.logoutErr
}

func (a *fakeAPI) RefreshCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.refreshCalls
}

func (a *fakeAPI) LogoutCalls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.logoutCalls
}

// recordingObserver keeps every notification.
type recordingObserver struct {
	mu          sync.Mutex
	armed       []time.Duration
	refreshing  int
	refreshed   []time.Time
	retryDelays []time.Duration
	loggedOut   []error
}

func (o *recordingObserver) Armed(d time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.armed = append(o.armed, d)
}

func (o *recordingObserver) Refreshing() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.refreshing++
}

func (o *recordingObserver) Refreshed(exp time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.refreshed = append(o.refreshed, exp)
}

func (o *recordingObserver) RetryScheduled(_ int, d time.Duration, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.retryDelays = append(o.retryDelays, d)
}

func (o *recordingObserver) LoggedOut(reason error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.loggedOut = append(o.loggedOut, reason)
}

func (o *recordingObserver) RetryDelays() []time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]time.Duration(nil), o.retryDelays...)
}

func (o *recordingObserver) RefreshedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.refreshed)
}

func (o *recordingObserver) LoggedOutReasons() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]error(nil), o.loggedOut...)
}

// memStore is an in-memory Store that ignores TTLs.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]Session
	ttls     map[string]time.Duration
	sets     int
	err      error
}

func newMemStore() *memStore {
	return &memStore{sessions: map[string]Session{}, ttls: map[string]time.Duration{}}
}

func (m *memStore) Get(_ context.Context, key string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	s, ok := m.sessions[key]
	if !ok {
		return nil, ErrNoSession
	}
	return &s, nil
}

func (m *memStore) Set(_ context.Context, key string, s Session, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sessions[key] = s
	m.ttls[key] = ttl
	m.sets++
	return nil
}

func (m *memStore) Remove(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	delete(m.sessions, key)
	return nil
}

func (m *memStore) Sets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets
}
