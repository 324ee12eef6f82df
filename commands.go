package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/go-authgate/session-keeper/keeper"
	"github.com/go-authgate/session-keeper/tui"
)

// errSessionEnded is returned by run when the keeper dropped the session.
var errSessionEnded = errors.New("session ended")

const (
	profileCheckTimeout = 15 * time.Second
	metricsShutdown     = 5 * time.Second
)

// RunCmd keeps the stored session alive.
type RunCmd struct {
	Verify bool `help:"Check the access token against the profile endpoint on start." default:"true" negatable:""`
}

func (r *RunCmd) Run(ctx context.Context, g *Globals) error {
	e, err := g.setup()
	if err != nil {
		return err
	}
	defer e.close()

	reg := prometheus.NewRegistry()
	metrics := keeper.NewMetrics(reg)
	if g.MetricsAddr != "" {
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		serveMetrics(ctx, g.MetricsAddr, reg, e.logger)
	}

	return g.withDisplayer(func(d tui.Displayer) error {
		return r.run(ctx, e, d, keeper.WithMetrics(metrics))
	})
}

func (r *RunCmd) run(ctx context.Context, e *env, d tui.Displayer, opts ...keeper.Option) error {
	if err := e.holder.Load(ctx); err != nil {
		if errors.Is(err, keeper.ErrNoSession) {
			d.SessionMissing()
			return err
		}
		return fmt.Errorf("failed to load session: %w", err)
	}
	if e.holder.Snapshot().RefreshToken == "" {
		d.SessionMissing()
		return keeper.ErrNoSession
	}
	d.SessionLoaded(e.key)

	opts = append([]keeper.Option{
		keeper.WithLogger(e.logger),
		keeper.WithObserver(d),
	}, opts...)
	ctrl := keeper.New(e.holder, e.api, opts...)
	if err := ctrl.Start(); err != nil {
		return err
	}
	defer func() {
		ctrl.Stop()
		ctrl.Wait()
	}()

	// An expired token is already being refreshed; checking it would only fail.
	if r.Verify && ctrl.State() == keeper.StateArmed {
		r.verify(ctx, e, d)
	}

	select {
	case <-ctx.Done():
		ctrl.Stop()
		ctrl.Wait()
		d.Stopped()
		return nil
	case <-ctrl.Done():
		ctrl.Wait()
		if ctx.Err() != nil {
			d.Stopped()
			return nil
		}
		return errSessionEnded
	}
}

func (r *RunCmd) verify(ctx context.Context, e *env, d tui.Displayer) {
	reqCtx, cancel := context.WithTimeout(ctx, profileCheckTimeout)
	defer cancel()

	user, err := e.api.Profile(reqCtx, e.holder)
	if err != nil {
		d.ProfileFailed(err)
		return
	}
	d.ProfileOK(user)
}

// serveMetrics exposes reg on addr until ctx is done.
func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), metricsShutdown)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("serving metrics")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()
}

// LoginCmd signs in with email and password.
type LoginCmd struct {
	Email    string `help:"Account email." env:"LOGIN_EMAIL" required:""`
	Password string `help:"Account password." env:"LOGIN_PASSWORD" required:""`
}

func (l *LoginCmd) Run(ctx context.Context, g *Globals) error {
	e, err := g.setup()
	if err != nil {
		return err
	}
	defer e.close()

	return g.withDisplayer(func(d tui.Displayer) error {
		return l.run(ctx, e, d)
	})
}

func (l *LoginCmd) run(ctx context.Context, e *env, d tui.Displayer) error {
	s, err := e.api.Login(ctx, l.Email, l.Password)
	if err != nil {
		return err
	}

	e.holder.Establish(*s)
	d.LoginOK(s.User)
	return nil
}

// StatusCmd prints the stored session.
type StatusCmd struct{}

func (s *StatusCmd) Run(ctx context.Context, g *Globals) error {
	e, err := g.setup()
	if err != nil {
		return err
	}
	defer e.close()

	return s.run(ctx, e, os.Stdout, time.Now())
}

func (s *StatusCmd) run(ctx context.Context, e *env, w io.Writer, now time.Time) error {
	if err := e.holder.Load(ctx); err != nil {
		if errors.Is(err, keeper.ErrNoSession) {
			fmt.Fprintf(w, "No stored session for %q\n", e.key)
			return nil
		}
		return fmt.Errorf("failed to load session: %w", err)
	}

	sess := e.holder.Snapshot()
	fmt.Fprintf(w, "Session:       %s\n", e.key)
	if u := sess.User; u != nil {
		fmt.Fprintf(w, "User:          %s <%s> (%s)\n", u.Name, u.Email, u.Role)
	}

	exp, err := keeper.TokenExpiry(sess.AccessToken)
	switch {
	case err != nil:
		fmt.Fprintln(w, "Access token:  unreadable expiry")
	case keeper.IsTokenExpired(sess.AccessToken, now):
		fmt.Fprintf(w, "Access token:  expired at %s\n", exp.Local().Format(time.DateTime))
	default:
		fmt.Fprintf(w, "Access token:  valid until %s\n", exp.Local().Format(time.DateTime))
	}

	if sess.RefreshToken == "" {
		fmt.Fprintln(w, "Refresh token: missing, session cannot be kept alive")
		return nil
	}
	fmt.Fprintln(w, "Refresh token: present")
	fmt.Fprintf(w, "Next refresh:  in %s\n", keeper.DefaultPolicy().RefreshDelay(sess.AccessToken, now).Round(time.Second))
	return nil
}

// LogoutCmd revokes the stored refresh token and removes the session.
type LogoutCmd struct{}

func (l *LogoutCmd) Run(ctx context.Context, g *Globals) error {
	e, err := g.setup()
	if err != nil {
		return err
	}
	defer e.close()

	return l.run(ctx, e, os.Stdout)
}

func (l *LogoutCmd) run(ctx context.Context, e *env, w io.Writer) error {
	if err := e.holder.Load(ctx); err != nil {
		if errors.Is(err, keeper.ErrNoSession) {
			fmt.Fprintf(w, "No stored session for %q\n", e.key)
			return nil
		}
		return fmt.Errorf("failed to load session: %w", err)
	}

	if rt := e.holder.Snapshot().RefreshToken; rt != "" {
		if err := e.api.Logout(ctx, rt); err != nil {
			// The local copy is removed regardless.
			e.logger.Warn().Err(err).Msg("logout request failed")
		}
	}
	e.holder.RemoveUser()

	fmt.Fprintf(w, "Signed out of %q\n", e.key)
	return nil
}
