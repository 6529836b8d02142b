// Package remote calls internal services on behalf of a privileged account.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
)

var ErrLoginFailed = errors.New("remote login failed")

type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d", e.Method, e.URL, e.StatusCode)
}

type Credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type Response struct {
	StatusCode int
	Body       []byte
}

// Session holds a cached bearer token and refreshes it when a call is
// answered with 403. Safe for concurrent use.
type Session struct {
	client   *http.Client
	loginURL string
	creds    Credentials
	logger   *slog.Logger

	mu    sync.Mutex
	token string
}

func NewSession(client *http.Client, loginURL string, creds Credentials, logger *slog.Logger) *Session {
	if client == nil {
		client = http.DefaultClient
	}
	return &Session{
		client:   client,
		loginURL: loginURL,
		creds:    creds,
		logger:   logger,
	}
}

// Do sends body as JSON. A 403 drops the token, logs in again and retries once.
func (s *Session) Do(ctx context.Context, method, url string, body any) (*Response, error) {
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
	}

	token, err := s.currentToken(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := s.send(ctx, method, url, payload, token)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode == http.StatusForbidden {
		s.logger.Info("credential rejected, logging in again", "method", method, "url", url)
		s.invalidate(token)
		if token, err = s.currentToken(ctx); err != nil {
			return nil, err
		}
		if resp, err = s.send(ctx, method, url, payload, token); err != nil {
			return nil, err
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Method: method, URL: url, StatusCode: resp.StatusCode, Body: string(resp.Body)}
	}
	return resp, nil
}

func (s *Session) currentToken(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" {
		return s.token, nil
	}
	token, err := s.login(ctx)
	if err != nil {
		return "", err
	}
	s.token = token
	return token, nil
}

// invalidate drops the token unless another caller already replaced it.
func (s *Session) invalidate(failed string) {
	s.mu.Lock()
	if s.token == failed {
		s.token = ""
	}
	s.mu.Unlock()
}

func (s *Session) login(ctx context.Context) (string, error) {
	payload, err := json.Marshal(s.creds)
	if err != nil {
		return "", fmt.Errorf("marshal credentials: %w", err)
	}
	resp, err := s.send(ctx, http.MethodPost, s.loginURL, payload, "")
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrLoginFailed, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: status %d", ErrLoginFailed, resp.StatusCode)
	}

	var out struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrLoginFailed, err)
	}
	if out.AccessToken == "" {
		return "", fmt.Errorf("%w: empty access token", ErrLoginFailed)
	}
	s.logger.Debug("logged in", "url", s.loginURL)
	return out.AccessToken, nil
}

func (s *Session) send(ctx context.Context, method, url string, payload []byte, token string) (*Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	return &Response{StatusCode: res.StatusCode, Body: data}, nil
}
