// Package client talks to the vrlink daemon's HTTP API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const DefaultBaseURL = "http://127.0.0.1:8089/api"

// ErrAPI wraps every non-2xx answer from the daemon.
var ErrAPI = errors.New("vrlink API error")

// Client provides HTTP client functionality to communicate with the vrlink daemon
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: DefaultBaseURL,
		Timeout: 70 * time.Second,
	}
}

func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 70 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// IsReachable checks if the daemon is running and reachable
func (c *Client) IsReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/status", nil, &st)
	return st, err
}

// App returns one tracker: "compositor" or "runtime".
func (c *Client) App(ctx context.Context, app string) (AppStatus, error) {
	var st AppStatus
	err := c.do(ctx, http.MethodGet, "/apps/"+url.PathEscape(app), nil, &st)
	return st, err
}

func (c *Client) Service(ctx context.Context, name string) (ServiceStatus, error) {
	var st ServiceStatus
	err := c.do(ctx, http.MethodGet, "/services/"+url.PathEscape(name), nil, &st)
	return st, err
}

func (c *Client) StartService(ctx context.Context, name string) (ServiceStatus, error) {
	var st ServiceStatus
	err := c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(name)+"/start", nil, &st)
	return st, err
}

func (c *Client) StopService(ctx context.Context, name string) (ServiceStatus, error) {
	var st ServiceStatus
	err := c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(name)+"/stop", nil, &st)
	return st, err
}

// SetStartup changes the startup mode ("automatic" or "manual") of name.
func (c *Client) SetStartup(ctx context.Context, name, mode string) (ServiceStatus, error) {
	var st ServiceStatus
	err := c.do(ctx, http.MethodPost, "/services/"+url.PathEscape(name)+"/startup", url.Values{"mode": {mode}}, &st)
	return st, err
}

func (c *Client) link(ctx context.Context, op string) (LinkStatus, error) {
	var st LinkStatus
	err := c.do(ctx, http.MethodPost, "/link/"+op, nil, &st)
	return st, err
}

func (c *Client) StartLink(ctx context.Context) (LinkStatus, error) { return c.link(ctx, "start") }
func (c *Client) StopLink(ctx context.Context) (LinkStatus, error)  { return c.link(ctx, "stop") }
func (c *Client) ResetLink(ctx context.Context) (LinkStatus, error) { return c.link(ctx, "reset") }

// RunRecovery closes the compositor and resets the link.
func (c *Client) RunRecovery(ctx context.Context) (LinkStatus, error) {
	var st LinkStatus
	err := c.do(ctx, http.MethodPost, "/recovery/run", nil, &st)
	return st, err
}

func (c *Client) Timers(ctx context.Context) ([]TimerInfo, error) {
	var out []TimerInfo
	err := c.do(ctx, http.MethodGet, "/timers", nil, &out)
	return out, err
}

func (c *Client) Ignored(ctx context.Context) ([]string, error) {
	var out []string
	err := c.do(ctx, http.MethodGet, "/watcher/ignore", nil, &out)
	return out, err
}

func (c *Client) Ignore(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/watcher/ignore", url.Values{"name": {name}}, nil)
}

func (c *Client) Unignore(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/watcher/ignore", url.Values{"name": {name}}, nil)
}

// History returns the newest events first. limit <= 0 uses the server default.
func (c *Client) History(ctx context.Context, limit int) ([]HistoryEvent, error) {
	var q url.Values
	if limit > 0 {
		q = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	var out []HistoryEvent
	err := c.do(ctx, http.MethodGet, "/history", q, &out)
	return out, err
}

// do sends a request and decodes a 200 answer into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, out any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", u)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) handleErrorResponse(resp *http.Response) error {
	var errorResp ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil || errorResp.Error == "" {
		return fmt.Errorf("%w: HTTP %d", ErrAPI, resp.StatusCode)
	}
	c.logger.Debug("API request failed", "error", errorResp.Error, "status", resp.StatusCode)
	return fmt.Errorf("%w: HTTP %d: %s", ErrAPI, resp.StatusCode, errorResp.Error)
}
