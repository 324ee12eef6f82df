// Package authapi talks to the job board's authentication endpoints.
package authapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"

	"github.com/go-authgate/session-keeper/keeper"
)

// Endpoint paths relative to the server URL.
const (
	LoginPath   = "/api/auth/login"
	RefreshPath = "/api/auth/refresh-token"
	LogoutPath  = "/api/auth/logout"
	ProfilePath = "/api/users/me"
)

// Timeout configuration for different operations
const (
	loginTimeout   = 10 * time.Second
	refreshTimeout = 10 * time.Second
	logoutTimeout  = 5 * time.Second
	profileTimeout = 10 * time.Second
)

// ErrorResponse is the error body returned by the backend.
type ErrorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	Message          string `json:"message"`
}

// Client calls the backend with retry support.
type Client struct {
	serverURL string
	http      *retry.Client
	logger    zerolog.Logger
}

// Option configures a Client.
type Option func(*clientOptions)

type clientOptions struct {
	httpClient *http.Client
	logger     zerolog.Logger
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *clientOptions) { o.httpClient = c }
}

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(o *clientOptions) { o.logger = l }
}

// New creates a client for serverURL.
func New(serverURL string, opts ...Option) (*Client, error) {
	o := clientOptions{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	if o.httpClient == nil {
		o.httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}

	rc, err := retry.NewBackgroundClient(retry.WithHTTPClient(o.httpClient))
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}

	return &Client{
		serverURL: strings.TrimRight(serverURL, "/"),
		http:      rc,
		logger:    o.logger,
	}, nil
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// tokenResponse accepts both the camelCase fields and the older snake_case ones.
type tokenResponse struct {
	AccessToken       string              `json:"accessToken"`
	AccessTokenLegacy string              `json:"access_token"`
	RefreshToken      string              `json:"refreshToken"`
	RefreshLegacy     string              `json:"refresh_token"`
	User              *keeper.UserDetails `json:"user,omitempty"`
}

func (r tokenResponse) access() string {
	if r.AccessToken != "" {
		return r.AccessToken
	}
	return r.AccessTokenLegacy
}

func (r tokenResponse) refresh() string {
	if r.RefreshToken != "" {
		return r.RefreshToken
	}
	return r.RefreshLegacy
}

// Login exchanges credentials for a new session.
func (c *Client) Login(ctx context.Context, email, password string) (*keeper.Session, error) {
	reqCtx, cancel := context.WithTimeout(ctx, loginTimeout)
	defer cancel()

	var resp tokenResponse
	err := c.postJSON(reqCtx, LoginPath, map[string]string{
		"email":    email,
		"password": password,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("login failed: %w", err)
	}

	if resp.access() == "" || resp.refresh() == "" {
		return nil, errors.New("login response is missing tokens")
	}

	return &keeper.Session{
		AccessToken:  resp.access(),
		RefreshToken: resp.refresh(),
		User:         resp.User,
	}, nil
}

// Refresh exchanges refreshToken for a new access token. A rejected refresh
// token yields an error wrapping keeper.ErrAuthFailure.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*keeper.RefreshResult, error) {
	reqCtx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	var resp tokenResponse
	if err := c.postJSON(reqCtx, RefreshPath, refreshRequest{RefreshToken: refreshToken}, &resp); err != nil {
		return nil, fmt.Errorf("refresh failed: %w", err)
	}

	return &keeper.RefreshResult{
		AccessToken:  resp.access(),
		RefreshToken: resp.refresh(),
	}, nil
}

// Logout revokes refreshToken on the server.
func (c *Client) Logout(ctx context.Context, refreshToken string) error {
	reqCtx, cancel := context.WithTimeout(ctx, logoutTimeout)
	defer cancel()

	if err := c.postJSON(reqCtx, LogoutPath, refreshRequest{RefreshToken: refreshToken}, nil); err != nil {
		return fmt.Errorf("logout failed: %w", err)
	}
	return nil
}

// Profile fetches the signed-in user with a token taken from ts.
func (c *Client) Profile(ctx context.Context, ts oauth2.TokenSource) (*keeper.UserDetails, error) {
	reqCtx, cancel := context.WithTimeout(ctx, profileTimeout)
	defer cancel()

	tok, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("no token available: %w", err)
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, c.serverURL+ProfilePath, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	tok.SetAuthHeader(req)

	var user keeper.UserDetails
	if err := c.do(req, &user); err != nil {
		return nil, fmt.Errorf("profile request failed: %w", err)
	}
	return &user, nil
}

func (c *Client) postJSON(ctx context.Context, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serverURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

// do sends req and decodes a 2xx JSON body into out, which may be nil.
func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.DoWithContext(req.Context(), req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.logger.Debug().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Int("status", resp.StatusCode).
		Msg("auth api response")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp, body)
	}

	if out == nil || len(bytes.TrimSpace(body)) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

// statusError turns a non-2xx response into an *oauth2.RetrieveError, wrapped
// with keeper.ErrAuthFailure when the credential itself was rejected.
func statusError(resp *http.Response, body []byte) error {
	rerr := &oauth2.RetrieveError{Response: resp, Body: body}

	var errResp ErrorResponse
	if json.Unmarshal(body, &errResp) == nil {
		rerr.ErrorCode = errResp.Error
		rerr.ErrorDescription = errResp.ErrorDescription
		if rerr.ErrorDescription == "" {
			rerr.ErrorDescription = errResp.Message
		}
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %w", keeper.ErrAuthFailure, rerr)
	case rerr.ErrorCode == "invalid_grant", rerr.ErrorCode == "invalid_token":
		return fmt.Errorf("%w: %w", keeper.ErrAuthFailure, rerr)
	default:
		return rerr
	}
}

var _ keeper.AuthAPI = (*Client)(nil)
