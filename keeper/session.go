package keeper

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
)

// DefaultSessionTTL is how long a persisted session survives without being rewritten.
const DefaultSessionTTL = 7 * 24 * time.Hour

const storeTimeout = 5 * time.Second

// UserDetails is the identity snapshot returned at login. The keeper never
// interprets it.
type UserDetails struct {
	ID    string `json:"id"`
	Role  string `json:"role"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// Session is the credential set of a signed-in user.
type Session struct {
	AccessToken  string       `json:"access_token"`
	RefreshToken string       `json:"refresh_token"`
	User         *UserDetails `json:"user,omitempty"`
}

// Store persists sessions by key with an expiry.
type Store interface {
	// Get returns ErrNoSession when nothing (or only an expired record) is stored.
	Get(ctx context.Context, key string) (*Session, error)
	Set(ctx context.Context, key string, s Session, ttl time.Duration) error
	Remove(ctx context.Context, key string) error
}

// SessionReader gives read access to the current session.
type SessionReader interface {
	Snapshot() Session
}

// SessionActions are the two mutations the controller is allowed to perform.
type SessionActions interface {
	SetNewAccessToken(token string)
	RemoveUser()
}

// SessionState is what a Controller needs from the session owner.
type SessionState interface {
	SessionReader
	SessionActions
}

// refreshTokenSetter is implemented by session owners that accept rotated refresh tokens.
type refreshTokenSetter interface {
	SetRefreshToken(token string)
}

// tokenSwapper is implemented by session owners that can replace both tokens
// in one write, provided the session still holds the refresh token the new
// pair was issued for.
type tokenSwapper interface {
	SwapTokens(refreshToken, accessToken, newRefreshToken string) bool
}

// subscriber is implemented by session owners that publish changes.
type subscriber interface {
	Subscribe(fn func(Session)) (cancel func())
}

// Holder owns the current session and writes every change through to a Store.
type Holder struct {
	mu     sync.RWMutex
	s      Session
	store  Store
	key    string
	ttl    time.Duration
	logger zerolog.Logger

	subMu  sync.Mutex
	nextID int
	subs   map[int]func(Session)
}

// HolderOption configures a Holder.
type HolderOption func(*Holder)

// WithSessionTTL sets the expiry used for persisted sessions.
func WithSessionTTL(ttl time.Duration) HolderOption {
	return func(h *Holder) { h.ttl = ttl }
}

// WithHolderLogger sets the logger used for persistence failures.
func WithHolderLogger(logger zerolog.Logger) HolderOption {
	return func(h *Holder) { h.logger = logger }
}

// NewHolder creates an empty holder bound to key in store. A nil store keeps
// the session in memory only.
func NewHolder(store Store, key string, opts ...HolderOption) *Holder {
	h := &Holder{
		store:  store,
		key:    key,
		ttl:    DefaultSessionTTL,
		logger: zerolog.Nop(),
		subs:   make(map[int]func(Session)),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Load seeds the holder from the store. It returns ErrNoSession when the store
// has nothing usable.
func (h *Holder) Load(ctx context.Context) error {
	if h.store == nil {
		return ErrNoSession
	}

	s, err := h.store.Get(ctx, h.key)
	if err != nil {
		return err
	}

	h.mu.Lock()
	h.s = *s
	h.mu.Unlock()

	h.logger.Debug().Str("key", h.key).Msg("session loaded")
	h.publish(*s)
	return nil
}

// Snapshot returns a copy of the current session.
func (h *Holder) Snapshot() Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.s
}

// Establish replaces the session, typically after a login.
func (h *Holder) Establish(s Session) {
	h.update(func(cur *Session) { *cur = s })
}

// SetNewAccessToken replaces the access token and keeps everything else.
func (h *Holder) SetNewAccessToken(token string) {
	h.update(func(cur *Session) { cur.AccessToken = token })
}

// SetRefreshToken stores a rotated refresh token.
func (h *Holder) SetRefreshToken(token string) {
	h.update(func(cur *Session) { cur.RefreshToken = token })
}

// SwapTokens stores accessToken, and newRefreshToken when it is not empty,
// only if the session still carries refreshToken. It reports whether the
// session was updated; the store is written once.
func (h *Holder) SwapTokens(refreshToken, accessToken, newRefreshToken string) bool {
	return h.updateIf(func(cur *Session) bool {
		if cur.RefreshToken == "" || cur.RefreshToken != refreshToken {
			return false
		}
		cur.AccessToken = accessToken
		if newRefreshToken != "" {
			cur.RefreshToken = newRefreshToken
		}
		return true
	})
}

// RemoveUser clears the session and deletes it from the store.
func (h *Holder) RemoveUser() {
	h.mu.Lock()
	h.s = Session{}
	h.mu.Unlock()

	if h.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := h.store.Remove(ctx, h.key); err != nil {
			h.logger.Warn().Err(err).Str("key", h.key).Msg("failed to remove persisted session")
		}
	}

	h.publish(Session{})
}

func (h *Holder) update(fn func(*Session)) {
	h.updateIf(func(cur *Session) bool {
		fn(cur)
		return true
	})
}

// updateIf applies fn and, if it reports a change, persists and publishes the result.
func (h *Holder) updateIf(fn func(*Session) bool) bool {
	h.mu.Lock()
	if !fn(&h.s) {
		h.mu.Unlock()
		return false
	}
	s := h.s
	h.mu.Unlock()

	if h.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		if err := h.store.Set(ctx, h.key, s, h.ttl); err != nil {
			h.logger.Warn().Err(err).Str("key", h.key).Msg("failed to persist session")
		}
	}

	h.publish(s)
	return true
}

// Subscribe registers fn to be called after every change. Callbacks run on the
// mutating goroutine, after the holder's locks are released.
func (h *Holder) Subscribe(fn func(Session)) (cancel func()) {
	h.subMu.Lock()
	id := h.nextID
	h.nextID++
	h.subs[id] = fn
	h.subMu.Unlock()

	return func() {
		h.subMu.Lock()
		delete(h.subs, id)
		h.subMu.Unlock()
	}
}

func (h *Holder) publish(s Session) {
	h.subMu.Lock()
	fns := make([]func(Session), 0, len(h.subs))
	for _, fn := range h.subs {
		fns = append(fns, fn)
	}
	h.subMu.Unlock()

	for _, fn := range fns {
		fn(s)
	}
}

// Token implements oauth2.TokenSource over the current access token.
func (h *Holder) Token() (*oauth2.Token, error) {
	s := h.Snapshot()
	if s.AccessToken == "" {
		return nil, ErrNoSession
	}

	tok := &oauth2.Token{
		AccessToken:  s.AccessToken,
		RefreshToken: s.RefreshToken,
		TokenType:    "Bearer",
	}
	if exp, err := TokenExpiry(s.AccessToken); err == nil {
		tok.Expiry = exp
	}
	return tok, nil
}

var _ oauth2.TokenSource = (*Holder)(nil)
