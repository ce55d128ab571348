// Package http provides an HTTP client for the flagtree service.
package http

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	flagtree "github.com/matt-riley/flagtree/clients/go"
)

const overrideNotFound = "override not found"

// Config holds configuration for the HTTP client.
type Config struct {
	// BaseURL is the base URL of the flagtree server, e.g. "http://localhost:8080".
	BaseURL string
	// Token is the bearer token. Leave empty when the server runs without auth.
	Token string
	// HTTPClient is optional; defaults to http.DefaultClient.
	HTTPClient *http.Client
}

// Client implements flagtree.Client over HTTP, plus the scope operations
// only the HTTP API exposes.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewHTTPClient returns a new HTTP client for the flagtree service.
func NewHTTPClient(cfg Config) *Client {
	hc := cfg.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{cfg: cfg, httpClient: hc}
}

// APIError is returned when the server responds with an HTTP error status.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("flagtree: HTTP %d: %s", e.StatusCode, e.Message)
}

// -- helpers -----------------------------------------------------------------

func (c *Client) newRequest(ctx context.Context, method, path string, query url.Values, body any) (*http.Request, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("flagtree: marshal request: %w", err)
		}
		bodyReader = bytes.NewReader(b)
	}

	target := c.cfg.BaseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("flagtree: create request: %w", err)
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	req, err := c.newRequest(ctx, method, path, query, body)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("flagtree: http: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}
	return resp, nil
}

func (c *Client) getJSON(ctx context.Context, path string, query url.Values, out any) error {
	resp, err := c.do(ctx, http.MethodGet, path, query, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeBody(resp.Body, out)
}

func readAPIError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	var body struct {
		Error string `json:"error"`
	}
	msg := strings.TrimSpace(string(raw))
	if err := json.Unmarshal(raw, &body); err == nil && body.Error != "" {
		msg = body.Error
	}
	return &APIError{StatusCode: resp.StatusCode, Message: msg}
}

func decodeBody(r io.Reader, out any) error {
	if err := json.NewDecoder(r).Decode(out); err != nil {
		return fmt.Errorf("flagtree: decode response: %w", err)
	}
	return nil
}

func scopeQuery(scope string) url.Values {
	if scope == "" {
		return nil
	}
	return url.Values{"scope": []string{scope}}
}

func flagPath(flag string) string {
	return "/v1/flags/" + url.PathEscape(flag)
}

func scopePath(scope string) string {
	segments := strings.Split(strings.Trim(scope, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return "/v1/scopes/" + strings.Join(segments, "/")
}

// -- Resolver ----------------------------------------------------------------

func (c *Client) ListFlags(ctx context.Context) ([]flagtree.Definition, error) {
	var defs []flagtree.Definition
	if err := c.getJSON(ctx, "/v1/flags", nil, &defs); err != nil {
		return nil, err
	}
	return defs, nil
}

func (c *Client) Resolve(ctx context.Context, scope, flag string) (flagtree.Resolution, error) {
	var res flagtree.Resolution
	if err := c.getJSON(ctx, flagPath(flag), scopeQuery(scope), &res); err != nil {
		return flagtree.Resolution{}, err
	}
	return res, nil
}

// ResolveAll returns the effective value of every flag in scope.
func (c *Client) ResolveAll(ctx context.Context, scope string) ([]flagtree.Resolution, error) {
	var out []flagtree.Resolution
	if err := c.getJSON(ctx, scopePath(scope), nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Scopes lists every scope the server knows about.
func (c *Client) Scopes(ctx context.Context) ([]string, error) {
	var out []string
	if err := c.getJSON(ctx, "/v1/scopes", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// -- OverrideManager ---------------------------------------------------------

func (c *Client) SetOverride(ctx context.Context, scope, flag, value string) (flagtree.Resolution, error) {
	resp, err := c.do(ctx, http.MethodPut, flagPath(flag), scopeQuery(scope), map[string]string{"value": value})
	if err != nil {
		return flagtree.Resolution{}, err
	}
	defer resp.Body.Close()

	var res flagtree.Resolution
	if err := decodeBody(resp.Body, &res); err != nil {
		return flagtree.Resolution{}, err
	}
	return res, nil
}

func (c *Client) DeleteOverride(ctx context.Context, scope, flag string) (bool, error) {
	resp, err := c.do(ctx, http.MethodDelete, flagPath(flag), scopeQuery(scope), nil)
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound && apiErr.Message == overrideNotFound {
			return false, nil
		}
		return false, err
	}
	resp.Body.Close()
	return true, nil
}

// ClearScope removes every override set directly on scope.
func (c *Client) ClearScope(ctx context.Context, scope string) error {
	resp, err := c.do(ctx, http.MethodDelete, scopePath(scope), nil, nil)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// -- Watcher -----------------------------------------------------------------

// Watch connects to the SSE stream and emits Events on the returned channel.
// The channel is closed when ctx is cancelled or the connection drops.
func (c *Client) Watch(ctx context.Context, scope string) (<-chan flagtree.Event, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/v1/stream", scopeQuery(scope), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("flagtree: stream connect: %w", err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, readAPIError(resp)
	}

	ch := make(chan flagtree.Event, 16)
	go func() {
		defer close(ch)
		defer resp.Body.Close()
		parseSSE(ctx, bufio.NewReaderSize(resp.Body, 1<<20), ch)
	}()
	return ch, nil
}

// parseSSE reads the id, event and data fields the server writes and emits
// one Event per blank-line terminated block. Blocks whose data is not a
// JSON object are dropped.
func parseSSE(ctx context.Context, r *bufio.Reader, ch chan<- flagtree.Event) {
	var (
		eventType string
		dataLines []string
		eventID   int64
	)

	for {
		if ctx.Err() != nil {
			return
		}
		line, err := r.ReadString('\n')
		line = strings.TrimRight(line, "\r\n")

		switch {
		case line == "":
			if len(dataLines) > 0 {
				ev := flagtree.Event{ID: eventID}
				if jsonErr := json.Unmarshal([]byte(strings.Join(dataLines, "\n")), &ev); jsonErr == nil {
					if eventType != "" {
						ev.Update = eventType
					}
					select {
					case ch <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
			eventType = ""
			dataLines = nil
		case strings.HasPrefix(line, "id:"):
			if id, convErr := strconv.ParseInt(strings.TrimSpace(strings.TrimPrefix(line, "id:")), 10, 64); convErr == nil {
				eventID = id
			}
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}

		if err != nil {
			return
		}
	}
}

var _ flagtree.Client = (*Client)(nil)
