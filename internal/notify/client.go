// Package notify fires user notifications through the notification service.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/Ilia-Abrosimov/Billing/internal/remote"
)

type Doer interface {
	Do(ctx context.Context, method, url string, body any) (*remote.Response, error)
}

type request struct {
	Users []string       `json:"users"`
	Event string         `json:"event"`
	Data  map[string]any `json:"data"`
}

type Client struct {
	doer   Doer
	url    string
	logger *slog.Logger
}

func NewClient(doer Doer, url string, logger *slog.Logger) *Client {
	return &Client{doer: doer, url: url, logger: logger}
}

func (c *Client) Notify(ctx context.Context, users []string, eventName string) error {
	if len(users) == 0 {
		return nil
	}
	if _, err := c.doer.Do(ctx, http.MethodPost, c.url, request{Users: users, Event: eventName, Data: map[string]any{}}); err != nil {
		return fmt.Errorf("notify %s: %w", eventName, err)
	}
	c.logger.Debug("notification sent", "event", eventName, "users", len(users))
	return nil
}
