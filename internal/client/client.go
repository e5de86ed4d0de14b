// Package client is the HTTP client the CLI uses to drive a running daemon.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"grimm.is/v6tunnel/internal/announce"
	"grimm.is/v6tunnel/internal/brand"
	"grimm.is/v6tunnel/internal/state"
	"grimm.is/v6tunnel/internal/tunnel"
)

const apiPrefix = "/api/ipv6-proxy"

// APIError is a non-2xx response from the daemon.
type APIError struct {
	StatusCode int
	Message    string `json:"error"`
	Details    string `json:"details,omitempty"`
}

func (e *APIError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("API error (status %d): %s: %s", e.StatusCode, e.Message, e.Details)
	}
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

// HTTPClient talks to the management API.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
}

// ClientOption configures the HTTPClient.
type ClientOption func(*HTTPClient)

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *HTTPClient) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewHTTPClient creates a client for baseURL. A bare host:port is treated
// as http://host:port.
func NewHTTPClient(baseURL string, opts ...ClientOption) *HTTPClient {
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	c := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// doRequest performs an HTTP request and decodes the JSON response.
func (c *HTTPClient) doRequest(ctx context.Context, method, path string, body, result any) error {
	raw, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	if result != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", brand.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return nil, apiErr
	}
	return respBody, nil
}

// GetConfig retrieves the proxy configuration.
func (c *HTTPClient) GetConfig(ctx context.Context) (*state.ProxyConfig, error) {
	var cfg state.ProxyConfig
	if err := c.doRequest(ctx, http.MethodGet, apiPrefix+"/config", nil, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetConfig saves cfg and returns the config as stored.
func (c *HTTPClient) SetConfig(ctx context.Context, cfg state.ProxyConfig) (*state.ProxyConfig, error) {
	var saved state.ProxyConfig
	if err := c.doRequest(ctx, http.MethodPut, apiPrefix+"/config", cfg, &saved); err != nil {
		return nil, err
	}
	return &saved, nil
}

// ListRules returns every forwarding rule.
func (c *HTTPClient) ListRules(ctx context.Context) ([]state.ProxyRule, error) {
	var rules []state.ProxyRule
	if err := c.doRequest(ctx, http.MethodGet, apiPrefix+"/rules", nil, &rules); err != nil {
		return nil, err
	}
	return rules, nil
}

// AddRule creates a rule and returns its id.
func (c *HTTPClient) AddRule(ctx context.Context, localPort, remotePort int) (int64, error) {
	req := map[string]int{"local_port": localPort, "remote_port": remotePort}
	var resp struct {
		ID int64 `json:"id"`
	}
	if err := c.doRequest(ctx, http.MethodPost, apiPrefix+"/rules", req, &resp); err != nil {
		return 0, err
	}
	return resp.ID, nil
}

// UpdateRule replaces the ports and enabled flag of rule.ID.
func (c *HTTPClient) UpdateRule(ctx context.Context, rule state.ProxyRule) error {
	req := map[string]any{
		"local_port":  rule.LocalPort,
		"remote_port": rule.RemotePort,
		"enabled":     rule.Enabled,
	}
	return c.doRequest(ctx, http.MethodPut, apiPrefix+"/rules/"+strconv.FormatInt(rule.ID, 10), req, nil)
}

// DeleteRule removes a rule.
func (c *HTTPClient) DeleteRule(ctx context.Context, id int64) error {
	return c.doRequest(ctx, http.MethodDelete, apiPrefix+"/rules/"+strconv.FormatInt(id, 10), nil, nil)
}

// Start starts the tunnel.
func (c *HTTPClient) Start(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodPost, apiPrefix+"/start", nil, nil)
}

// Stop stops the tunnel.
func (c *HTTPClient) Stop(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodPost, apiPrefix+"/stop", nil, nil)
}

// Restart restarts the tunnel.
func (c *HTTPClient) Restart(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodPost, apiPrefix+"/restart", nil, nil)
}

// Status returns the tunnel status.
func (c *HTTPClient) Status(ctx context.Context) (*tunnel.Status, error) {
	var st tunnel.Status
	if err := c.doRequest(ctx, http.MethodGet, apiPrefix+"/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Send queues a retrying announcement.
func (c *HTTPClient) Send(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodPost, apiPrefix+"/send", nil, nil)
}

// Test makes one announcement attempt and returns its log entry.
func (c *HTTPClient) Test(ctx context.Context) (*announce.SendLogEntry, error) {
	var entry announce.SendLogEntry
	if err := c.doRequest(ctx, http.MethodPost, apiPrefix+"/test", nil, &entry); err != nil {
		return nil, err
	}
	return &entry, nil
}

// Logs returns up to limit recent send attempts, newest first. A limit of
// zero returns all of them.
func (c *HTTPClient) Logs(ctx context.Context, limit int) ([]announce.SendLogEntry, error) {
	path := apiPrefix + "/logs"
	if limit > 0 {
		path += "?" + url.Values{"limit": {strconv.Itoa(limit)}}.Encode()
	}
	var entries []announce.SendLogEntry
	if err := c.doRequest(ctx, http.MethodGet, path, nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Summary returns the plain-text forwarding summary.
func (c *HTTPClient) Summary(ctx context.Context) (string, error) {
	raw, err := c.do(ctx, http.MethodGet, apiPrefix+"/summary", nil)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// Health checks that the daemon is answering.
func (c *HTTPClient) Health(ctx context.Context) error {
	return c.doRequest(ctx, http.MethodGet, "/healthz", nil, nil)
}
