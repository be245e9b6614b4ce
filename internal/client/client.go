// Package client talks to a running engine's operator API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mev-engine/trade-resilience/pkg/interfaces"
)

// ErrOffline is returned when the engine cannot be reached at all
var ErrOffline = errors.New("engine offline")

// Client is an operator API client
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a client for baseURL, e.g. http://localhost:8080
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

// BaseURL derives the API address from the listen host and port
func BaseURL(host string, port int) string {
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "localhost"
	}
	if port == 0 {
		port = 8080
	}
	return fmt.Sprintf("http://%s:%d", host, port)
}

// RestartResult is the outcome of a watcher restart request
type RestartResult struct {
	Message  string                   `json:"message"`
	Watcher  interfaces.WatcherStatus `json:"watcher"`
	Replayed bool                     `json:"-"`
}

// Status fetches /api/v1/status
func (c *Client) Status(ctx context.Context) (*interfaces.SystemStatus, error) {
	var status interfaces.SystemStatus
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Breakers fetches every breaker snapshot
func (c *Client) Breakers(ctx context.Context) ([]interfaces.BreakerSnapshot, error) {
	var body struct {
		Breakers []interfaces.BreakerSnapshot `json:"breakers"`
	}
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/breakers", nil, &body); err != nil {
		return nil, err
	}
	return body.Breakers, nil
}

// Breaker fetches one breaker snapshot
func (c *Client) Breaker(ctx context.Context, key string) (*interfaces.BreakerSnapshot, error) {
	var snap interfaces.BreakerSnapshot
	if _, err := c.do(ctx, http.MethodGet, "/api/v1/breakers/"+url.PathEscape(key), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// RestartWatcher asks the engine to re-establish its pool subscription.
// Requests sharing idempotencyKey are executed at most once per cache TTL.
func (c *Client) RestartWatcher(ctx context.Context, idempotencyKey string) (*RestartResult, error) {
	headers := map[string]string{}
	if idempotencyKey != "" {
		headers["Idempotency-Key"] = idempotencyKey
	}

	var result RestartResult
	resp, err := c.do(ctx, http.MethodPost, "/api/v1/watcher/restart", headers, &result)
	if err != nil {
		return nil, err
	}
	result.Replayed = resp.Header.Get("Idempotent-Replayed") == "true"
	return &result, nil
}

// APIError is a non-2xx response from the engine
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.StatusCode, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, headers map[string]string, out interface{}) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrOffline, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(body))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return resp, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out != nil {
		if err := json.NewDecoder(bytes.NewReader(body)).Decode(out); err != nil {
			return resp, fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return resp, nil
}
