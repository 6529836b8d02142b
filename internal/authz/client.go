// Package authz grants and revokes subscription roles on the identity service.
package authz

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Ilia-Abrosimov/Billing/internal/remote"
)

type Doer interface {
	Do(ctx context.Context, method, url string, body any) (*remote.Response, error)
}

type roleRequest struct {
	Name string `json:"name"`
	Date string `json:"date"`
}

type Client struct {
	doer     Doer
	rolesURL string
	logger   *slog.Logger
}

// NewClient targets {rolesURL}/{user_id}/roles.
func NewClient(doer Doer, rolesURL string, logger *slog.Logger) *Client {
	return &Client{
		doer:     doer,
		rolesURL: strings.TrimRight(rolesURL, "/"),
		logger:   logger,
	}
}

// Grant gives every user every role until expiresAt. A role the user
// already holds is not an error.
func (c *Client) Grant(ctx context.Context, users, roles []string, expiresAt time.Time) error {
	return c.apply(ctx, http.MethodPost, users, roles, expiresAt, http.StatusConflict)
}

// Revoke removes every role from every user as of effectiveAt. A role the
// user does not hold is not an error.
func (c *Client) Revoke(ctx context.Context, users, roles []string, effectiveAt time.Time) error {
	return c.apply(ctx, http.MethodDelete, users, roles, effectiveAt, http.StatusNotFound)
}

func (c *Client) apply(ctx context.Context, method string, users, roles []string, at time.Time, benign int) error {
	date := at.Format(time.DateOnly)
	var errs []error
	for _, user := range users {
		target := c.rolesURL + "/" + url.PathEscape(user) + "/roles"
		for _, role := range roles {
			_, err := c.doer.Do(ctx, method, target, roleRequest{Name: role, Date: date})
			if err == nil {
				continue
			}
			var statusErr *remote.StatusError
			if errors.As(err, &statusErr) && statusErr.StatusCode == benign {
				c.logger.Debug("role already in requested state", "method", method, "user_id", user, "role", role)
				continue
			}
			c.logger.Error("update role failed", "method", method, "user_id", user, "role", role, "err", err)
			errs = append(errs, fmt.Errorf("%s role %q for user %s: %w", method, role, user, err))
		}
	}
	return errors.Join(errs...)
}
