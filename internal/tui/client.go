// Copyright (c) 2026 Keymaster Team
// Poolgate - account pool and API key gateway
// This source code is licensed under the MIT license found in the LICENSE file.

package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/toeirei/poolgate/internal/model"
)

// AccountStatus is one row of GET /api/accounts/status.
type AccountStatus struct {
	Name                string       `json:"name"`
	Username            string       `json:"username,omitempty"`
	Enabled             bool         `json:"enabled"`
	Health              model.Health `json:"health"`
	HasToken            bool         `json:"has_token"`
	LastRefreshedAt     *time.Time   `json:"last_refreshed_at,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	UseCount            uint64       `json:"use_count"`
	LastError           string       `json:"last_error,omitempty"`
}

// Backend is what the dashboard needs from a poolgate server.
type Backend interface {
	Status(ctx context.Context) ([]AccountStatus, error)
	SetEnabled(ctx context.Context, name string, enabled bool) error
	Refresh(ctx context.Context, name string) error
}

// AdminClient talks to the administrative HTTP API.
type AdminClient struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

func (c *AdminClient) do(ctx context.Context, method, path string, out any) error {
	hc := c.HTTP
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimRight(c.BaseURL, "/")+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token)
	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s %s: %s", method, path, e.Error)
		}
		return fmt.Errorf("%s %s: %s", method, path, resp.Status)
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}

// Status fetches the account snapshot.
func (c *AdminClient) Status(ctx context.Context) ([]AccountStatus, error) {
	var out struct {
		Accounts []AccountStatus `json:"accounts"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/accounts/status", &out); err != nil {
		return nil, err
	}
	return out.Accounts, nil
}

// SetEnabled flips an account's operator switch.
func (c *AdminClient) SetEnabled(ctx context.Context, name string, enabled bool) error {
	action := "disable"
	if enabled {
		action = "enable"
	}
	return c.do(ctx, http.MethodPost, "/api/accounts/"+url.PathEscape(name)+"/"+action, nil)
}

// Refresh forces a token refresh.
func (c *AdminClient) Refresh(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/api/accounts/"+url.PathEscape(name)+"/refresh", nil)
}

// ServerHealth is the body of GET /health.
type ServerHealth struct {
	Status    string `json:"status"`
	Accounts  int    `json:"accounts"`
	Available int    `json:"available"`
	Healthy   int    `json:"healthy"`
	Keys      int    `json:"keys"`
}

// Health queries the unauthenticated health endpoint.
func (c *AdminClient) Health(ctx context.Context) (ServerHealth, error) {
	var h ServerHealth
	err := c.do(ctx, http.MethodGet, "/health", &h)
	return h, err
}
