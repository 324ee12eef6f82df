package authapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/go-authgate/session-keeper/keeper"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(h)
	t.Cleanup(server.Close)

	c, err := New(server.URL + "/")
	require.NoError(t, err)
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func TestRefresh_Success(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, RefreshPath, r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "rt-1", req["refreshToken"])

		writeJSON(w, http.StatusOK, map[string]string{
			"accessToken":  "at-new",
			"refreshToken": "rt-2",
		})
	})

	res, err := c.Refresh(context.Background(), "rt-1")
	require.NoError(t, err)
	assert.Equal(t, "at-new", res.AccessToken)
	assert.Equal(t, "rt-2", res.RefreshToken)
}

func TestRefresh_LegacyFieldNames(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"access_token": "at-legacy"})
	})

	res, err := c.Refresh(context.Background(), "rt-1")
	require.NoError(t, err)
	assert.Equal(t, "at-legacy", res.AccessToken)
	assert.Empty(t, res.RefreshToken)
}

func TestRefresh_MissingAccessTokenIsNotAnError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	res, err := c.Refresh(context.Background(), "rt-1")
	require.NoError(t, err)
	assert.Empty(t, res.AccessToken)
}

func TestRefresh_ErrorClassification(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     any
		authFail bool
		code     string
	}{
		{"unauthorized", http.StatusUnauthorized, map[string]string{"message": "jwt expired"}, true, ""},
		{"forbidden", http.StatusForbidden, nil, true, ""},
		{"invalid grant", http.StatusBadRequest, ErrorResponse{Error: "invalid_grant"}, true, "invalid_grant"},
		{"invalid token", http.StatusBadRequest, ErrorResponse{Error: "invalid_token"}, true, "invalid_token"},
		{"bad request", http.StatusBadRequest, ErrorResponse{Error: "invalid_request"}, false, "invalid_request"},
		{"not found", http.StatusNotFound, nil, false, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, tt.body)
			})

			_, err := c.Refresh(context.Background(), "rt-1")
			require.Error(t, err)
			assert.Equal(t, tt.authFail, keeper.IsAuthFailure(err))

			var rerr *oauth2.RetrieveError
			require.True(t, errors.As(err, &rerr))
			assert.Equal(t, tt.status, rerr.Response.StatusCode)
			assert.Equal(t, tt.code, rerr.ErrorCode)
		})
	}
}

func TestRefresh_NetworkErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	c, err := New(url)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = c.Refresh(ctx, "rt-1")
	require.Error(t, err)
	assert.False(t, keeper.IsAuthFailure(err))
}

func TestLogout(t *testing.T) {
	var called atomic.Bool
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, LogoutPath, r.URL.Path)
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "rt-1", req["refreshToken"])
		called.Store(true)
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, c.Logout(context.Background(), "rt-1"))
	assert.True(t, called.Load())
}

func TestLogout_Rejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	err := c.Logout(context.Background(), "rt-1")
	require.Error(t, err)
	assert.True(t, keeper.IsAuthFailure(err))
}

func TestLogin(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, LoginPath, r.URL.Path)
		var req map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if req["password"] != "s3cret" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "invalid credentials"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"accessToken":  "at-1",
			"refreshToken": "rt-1",
			"user": map[string]string{
				"id":    "u-1",
				"role":  "candidate",
				"email": req["email"],
				"name":  "Jane Doe",
			},
		})
	})

	s, err := c.Login(context.Background(), "jane@example.com", "s3cret")
	require.NoError(t, err)
	assert.Equal(t, "at-1", s.AccessToken)
	assert.Equal(t, "rt-1", s.RefreshToken)
	require.NotNil(t, s.User)
	assert.Equal(t, "candidate", s.User.Role)
	assert.Equal(t, "jane@example.com", s.User.Email)

	_, err = c.Login(context.Background(), "jane@example.com", "wrong")
	require.Error(t, err)
	assert.True(t, keeper.IsAuthFailure(err))
}

func TestLogin_MissingTokens(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"accessToken": "at-1"})
	})

	_, err := c.Login(context.Background(), "jane@example.com", "pw")
	require.Error(t, err)
}

func TestProfile(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, ProfilePath, r.URL.Path)
		if r.Header.Get("Authorization") != "Bearer at-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		writeJSON(w, http.StatusOK, keeper.UserDetails{ID: "u-1", Role: "employer", Name: "Acme HR"})
	})

	h := keeper.NewHolder(nil, "test")
	h.Establish(keeper.Session{AccessToken: "at-1", RefreshToken: "rt-1"})

	user, err := c.Profile(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, "employer", user.Role)

	h.SetNewAccessToken("at-stale")
	_, err = c.Profile(context.Background(), h)
	require.Error(t, err)
	assert.True(t, keeper.IsAuthFailure(err))

	h.RemoveUser()
	_, err = c.Profile(context.Background(), h)
	require.ErrorIs(t, err, keeper.ErrNoSession)
}
