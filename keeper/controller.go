package keeper

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// State is the lifecycle phase of a Controller.
type State int

const (
	StateIdle       State = iota
	StateArmed            // a refresh or retry timer is pending
	StateRefreshing       // a refresh request is outstanding
	StateTerminated       // absorbing; create a new controller to resume
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateRefreshing:
		return "refreshing"
	case StateTerminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// RefreshResult is the backend's answer to a refresh request.
type RefreshResult struct {
	AccessToken string
	// RefreshToken is set only when the backend rotates refresh tokens.
	RefreshToken string
}

// AuthAPI exchanges and revokes refresh tokens.
//
// Refresh must wrap ErrAuthFailure into its error when the backend rejects the
// refresh token itself; every other error is treated as transient.
type AuthAPI interface {
	Refresh(ctx context.Context, refreshToken string) (*RefreshResult, error)
	Logout(ctx context.Context, refreshToken string) error
}

// Controller keeps the access token of one session fresh.
//
// It arms at most one timer at a time, runs at most one refresh at a time, and
// once stopped never touches the session again.
type Controller struct {
	id       string
	session  SessionState
	api      AuthAPI
	policy   Policy
	clock    Clock
	logger   zerolog.Logger
	observer Observer
	metrics  *Metrics

	mu          sync.Mutex
	state       State
	timer       Timer
	timerGen    uint64
	retries     int
	inFlight    bool
	backoff     *backoff.ExponentialBackOff
	unsubscribe func()

	// tracked is the refresh token this controller works for. It is read by
	// onSessionChange, which may run while mu is held.
	tracked atomic.Pointer[string]

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Controller.
type Option func(*Controller)

// WithPolicy overrides the refresh timing policy.
func WithPolicy(p Policy) Option {
	return func(c *Controller) { c.policy = p }
}

// WithClock replaces the wall clock, mostly for tests.
func WithClock(clock Clock) Option {
	return func(c *Controller) { c.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Controller) { c.logger = logger }
}

// WithObserver sets the receiver of refresh notifications.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// WithMetrics enables Prometheus instrumentation.
func WithMetrics(m *Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// New creates an idle controller for session. Call Start to begin.
func New(session SessionState, api AuthAPI, opts ...Option) *Controller {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		id:       uuid.NewString(),
		session:  session,
		api:      api,
		policy:   DefaultPolicy(),
		clock:    realClock{},
		logger:   zerolog.Nop(),
		observer: NopObserver{},
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("keeper_id", c.id).Logger()
	c.backoff = c.policy.newBackOff()
	return c
}

// ID returns the instance id used in log lines.
func (c *Controller) ID() string { return c.id }

// Start begins keeping the session alive.
//
// Without a refresh token it does nothing and may be called again later. With
// a missing or expired access token it refreshes immediately; otherwise it
// arms a timer ahead of the token's expiry. Calling Start on a running
// controller is a no-op; on a stopped one it returns ErrTerminated.
func (c *Controller) Start() error {
	c.mu.Lock()
	switch c.state {
	case StateTerminated:
		c.mu.Unlock()
		return ErrTerminated
	case StateArmed, StateRefreshing:
		c.mu.Unlock()
		return nil
	}

	s := c.session.Snapshot()
	if s.RefreshToken == "" {
		c.mu.Unlock()
		c.logger.Debug().Msg("no refresh token, nothing to keep alive")
		return nil
	}

	c.track(s.RefreshToken)
	if sub, ok := c.session.(subscriber); ok && c.unsubscribe == nil {
		c.unsubscribe = sub.Subscribe(c.onSessionChange)
	}

	if IsTokenExpired(s.AccessToken, c.clock.Now()) {
		c.state = StateRefreshing
		c.wg.Add(1)
		c.mu.Unlock()

		c.logger.Info().Msg("access token missing or expired, refreshing now")
		go func() {
			defer c.wg.Done()
			c.doRefresh()
		}()
		return nil
	}

	delay := c.scheduleLocked(s.AccessToken)
	c.mu.Unlock()

	c.logger.Info().Dur("delay", delay).Msg("refresh scheduled")
	c.observer.Armed(delay)
	return nil
}

// RefreshNow runs a refresh on the calling goroutine. It returns false when
// the attempt was dropped because another one is in flight, the controller is
// stopped, or there is no refresh token.
func (c *Controller) RefreshNow() bool {
	return c.doRefresh()
}

// Stop tears the controller down: the pending timer is cleared, the in-flight
// request is cancelled and its result will be ignored. Stop is idempotent.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.state == StateTerminated {
		c.mu.Unlock()
		return
	}
	c.terminateLocked()
	c.mu.Unlock()

	c.logger.Debug().Msg("controller stopped")
}

// Done is closed once the controller reaches StateTerminated.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Wait blocks until refresh work started before termination has returned.
// Call it only after Stop or after Done is closed.
func (c *Controller) Wait() {
	c.wg.Wait()
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Retries returns the number of consecutive transient failures.
func (c *Controller) Retries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

// scheduleLocked arms the next cycle from the expiry of accessToken.
func (c *Controller) scheduleLocked(accessToken string) time.Duration {
	delay := c.policy.RefreshDelay(accessToken, c.clock.Now())
	c.armLocked(delay)
	return delay
}

// armLocked replaces the pending timer, if any, with one firing after d.
func (c *Controller) armLocked(d time.Duration) {
	if c.timer != nil {
		c.timer.Stop()
	}
	c.timerGen++
	gen := c.timerGen
	c.timer = c.clock.AfterFunc(d, func() { c.fire(gen) })
	c.state = StateArmed
	c.metrics.armed(d)
}

func (c *Controller) fire(gen uint64) {
	c.mu.Lock()
	// A superseded timer can still fire if Stop lost the race with expiry.
	if c.state == StateTerminated || gen != c.timerGen {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.wg.Add(1)
	c.mu.Unlock()

	defer c.wg.Done()
	c.doRefresh()
}

func (c *Controller) terminateLocked() {
	c.state = StateTerminated
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerGen++
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
	c.cancel()
	close(c.done)
}

func (c *Controller) track(refreshToken string) {
	c.tracked.Store(&refreshToken)
}

func (c *Controller) trackedToken() string {
	if p := c.tracked.Load(); p != nil {
		return *p
	}
	return ""
}

// onSessionChange stops the controller once someone else removed or replaced
// the session. Stop runs on its own goroutine: the change may be published
// while this controller holds its lock to write the session.
func (c *Controller) onSessionChange(s Session) {
	if s.RefreshToken != "" && s.RefreshToken == c.trackedToken() {
		return
	}
	if s.RefreshToken == "" {
		c.logger.Info().Msg("session removed externally")
	} else {
		c.logger.Info().Msg("session replaced externally")
	}
	go c.Stop()
}
