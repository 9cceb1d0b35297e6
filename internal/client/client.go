// Package client is a small HTTP client for the activity feed API.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/blackmichael/activity-feeds/internal/domain"
)

// Client calls the feed API on behalf of one bearer token.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a client for the API at baseURL, e.g.
// http://localhost:3000.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is a non-2xx response other than a feed read's 404.
type APIError struct {
	Status  int                 `json:"-"`
	Code    string              `json:"error"`
	Message string              `json:"message"`
	Errors  map[string][]string `json:"errors,omitempty"`

	// Body is the raw response body.
	Body []byte `json:"-"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error (status %d)", e.Status)
	}
	return fmt.Sprintf("API error (status %d): %s: %s", e.Status, e.Code, e.Message)
}

// AddActivity posts body to key's feed and returns the stored activity.
func (c *Client) AddActivity(ctx context.Context, key domain.FeedKey, body domain.Attributes) (*domain.Activity, error) {
	var activity domain.Activity
	if _, err := c.do(ctx, http.MethodPost, feedPath(key, "activities"), body, &activity); err != nil {
		return nil, fmt.Errorf("add activity: %w", err)
	}
	return &activity, nil
}

// Follow makes key's feed follow target ("slug:user_id") and reports
// whether a new edge was created.
func (c *Client) Follow(ctx context.Context, key domain.FeedKey, target string) (bool, error) {
	var resp struct {
		Success bool `json:"success"`
	}
	body := map[string]string{"target": target}
	if _, err := c.do(ctx, http.MethodPost, feedPath(key, "follows"), body, &resp); err != nil {
		return false, fmt.Errorf("follow: %w", err)
	}
	return resp.Success, nil
}

// GetFeed reads one page of key's feed. found is false when the server does
// not know the feed. A nil limit uses the server default.
func (c *Client) GetFeed(ctx context.Context, key domain.FeedKey, limit *int, offset int) (activities []domain.Activity, found bool, err error) {
	q := url.Values{}
	if limit != nil {
		q.Set(domain.ParamLimit, strconv.Itoa(*limit))
	}
	if offset > 0 {
		q.Set(domain.ParamOffset, strconv.Itoa(offset))
	}
	path := feedPath(key, "activities")
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp struct {
		Results []domain.Activity `json:"results"`
	}
	if _, err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound && nullResults(apiErr.Body) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("get feed: %w", err)
	}
	return resp.Results, true, nil
}

// nullResults reports whether body is the feed API's unknown-feed answer,
// {"results":null}, rather than a 404 from a wrong path or proxy.
func nullResults(body []byte) bool {
	var resp map[string]json.RawMessage
	if err := json.Unmarshal(body, &resp); err != nil {
		return false
	}
	results, ok := resp["results"]
	return ok && string(bytes.TrimSpace(results)) == "null"
}

// RealtimeURL returns the websocket URL streaming key's new activities.
func (c *Client) RealtimeURL(key domain.FeedKey) string {
	base := c.baseURL
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + feedPath(key, "realtime")
}

func feedPath(key domain.FeedKey, suffix string) string {
	return "/feed/" + url.PathEscape(key.Slug) + "/" + url.PathEscape(key.UserID) + "/" + suffix
}

// do sends the request and decodes a 2xx body into result. Any other status
// is returned as *APIError carrying the raw body.
func (c *Client) do(ctx context.Context, method, path string, body any, result any) (int, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Body: respBody}
		_ = json.Unmarshal(respBody, apiErr)
		return resp.StatusCode, apiErr
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return resp.StatusCode, fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
