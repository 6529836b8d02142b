package authz

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/Ilia-Abrosimov/Billing/internal/remote"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// identityService keeps roles in memory and answers like the real service:
// 409 for a role already held, 404 for a role not held.
type identityService struct {
	mu     sync.Mutex
	roles  map[string][]string
	dates  map[string]string
	broken map[string]bool
	calls  int
}

func newIdentityService() *identityService {
	return &identityService{roles: map[string][]string{}, dates: map[string]string{}, broken: map[string]bool{}}
}

func (s *identityService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"access_token":"t"}`))
	})
	mux.HandleFunc("/users/{user}/roles", func(w http.ResponseWriter, r *http.Request) {
		var req roleRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		user := r.PathValue("user")

		s.mu.Lock()
		defer s.mu.Unlock()
		s.calls++
		if s.broken[user] {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		held := indexOf(s.roles[user], req.Name)
		switch r.Method {
		case http.MethodPost:
			if held >= 0 {
				w.WriteHeader(http.StatusConflict)
				return
			}
			s.roles[user] = append(s.roles[user], req.Name)
			s.dates[user+"/"+req.Name] = req.Date
			w.WriteHeader(http.StatusCreated)
		case http.MethodDelete:
			if held < 0 {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			s.roles[user] = append(s.roles[user][:held], s.roles[user][held+1:]...)
			w.WriteHeader(http.StatusNoContent)
		}
	})
	return mux
}

func indexOf(list []string, v string) int {
	for i, item := range list {
		if item == v {
			return i
		}
	}
	return -1
}

func newTestClient(t *testing.T, svc *identityService) *Client {
	t.Helper()
	srv := httptest.NewServer(svc.handler())
	t.Cleanup(srv.Close)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	session := remote.NewSession(srv.Client(), srv.URL+"/login", remote.Credentials{Email: "a", Password: "b"}, logger)
	return NewClient(session, srv.URL+"/users/", logger)
}

func TestGrantSendsOneCallPerPair(t *testing.T) {
	svc := newIdentityService()
	c := newTestClient(t, svc)
	expires := time.Date(2026, 11, 15, 0, 0, 0, 0, time.UTC)

	err := c.Grant(context.Background(), []string{"u1", "u2"}, []string{"premium", "hd"}, expires)

	require.NoError(t, err)
	assert.Equal(t, 4, svc.calls)
	assert.Equal(t, []string{"premium", "hd"}, svc.roles["u1"])
	assert.Equal(t, []string{"premium", "hd"}, svc.roles["u2"])
	assert.Equal(t, "2026-11-15", svc.dates["u1/premium"])
}

func TestGrantTwiceIsIdempotent(t *testing.T) {
	svc := newIdentityService()
	c := newTestClient(t, svc)
	expires := time.Date(2026, 11, 15, 0, 0, 0, 0, time.UTC)

	require.NoError(t, c.Grant(context.Background(), []string{"u1"}, []string{"premium"}, expires))
	require.NoError(t, c.Grant(context.Background(), []string{"u1"}, []string{"premium"}, expires))

	assert.Equal(t, []string{"premium"}, svc.roles["u1"])
}

func TestRevokeMissingRoleIsNotAnError(t *testing.T) {
	svc := newIdentityService()
	c := newTestClient(t, svc)
	svc.roles["u1"] = []string{"premium"}

	require.NoError(t, c.Revoke(context.Background(), []string{"u1"}, []string{"premium"}, time.Now()))
	require.NoError(t, c.Revoke(context.Background(), []string{"u1"}, []string{"premium"}, time.Now()))

	assert.Empty(t, svc.roles["u1"])
}

func TestPartialFailureDoesNotAbortRemainingPairs(t *testing.T) {
	svc := newIdentityService()
	svc.broken["u1"] = true
	c := newTestClient(t, svc)

	err := c.Grant(context.Background(), []string{"u1", "u2"}, []string{"premium"}, time.Now())

	var statusErr *remote.StatusError
	require.ErrorAs(t, err, &statusErr)
	assert.Equal(t, http.StatusInternalServerError, statusErr.StatusCode)
	assert.Contains(t, err.Error(), "u1")
	assert.NotContains(t, err.Error(), "u2")
	assert.Equal(t, []string{"premium"}, svc.roles["u2"])
}
