// Package api is the client side of the homestock HTTP protocol: the change
// feed, snapshots, and replay of queued mutations.
package api

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	apperrors "github.com/kimhsiao/homestock/backend/internal/errors"
	"github.com/kimhsiao/homestock/backend/internal/models"
)

// ErrCursorExpired is returned by GetChanges when the server no longer holds
// the entries after the cursor.
var ErrCursorExpired = apperrors.New(apperrors.ErrCursorExpired, "server pruned the change log past the cursor")

// Feed is a page of the household change feed.
type Feed struct {
	Changes    []models.ChangeLogEntry `json:"changes"`
	ServerTime int64                   `json:"serverTime"`
	HasMore    bool                    `json:"hasMore"`
}

// Snapshot is the full entity state of the household.
type Snapshot struct {
	Products       []models.Product       `json:"products"`
	Locations      []models.Location      `json:"locations"`
	InventoryItems []models.InventoryItem `json:"inventoryItems"`
	GroceryItems   []models.GroceryItem   `json:"groceryItems"`
	ServerTime     int64                  `json:"serverTime"`
}

// HTTPError is a non-2xx response.
type HTTPError struct {
	Status  int
	Code    string
	Message string
}

func (e *HTTPError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("server responded %d [%s]: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("server responded %d: %s", e.Status, e.Message)
}

// Config holds connection settings.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// Client talks to the homestock server.
type Client struct {
	baseURL    *url.URL
	token      string
	httpClient *http.Client
}

// NewClient creates a new Client.
func NewClient(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid server url %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: base,
		token:   cfg.Token,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}, nil
}

// GetChanges fetches entries after cursor; a nil cursor fetches the whole log.
func (c *Client) GetChanges(ctx context.Context, cursor *int64) (*Feed, error) {
	endpoint := "/api/sync/changes"
	if cursor != nil {
		endpoint += "?cursor=" + strconv.FormatInt(*cursor, 10)
	}

	var feed Feed
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &feed); err != nil {
		if httpErr, ok := err.(*HTTPError); ok && httpErr.Status == http.StatusGone {
			return nil, ErrCursorExpired
		}
		return nil, err
	}
	return &feed, nil
}

// GetSnapshot fetches the full household state.
func (c *Client) GetSnapshot(ctx context.Context) (*Snapshot, error) {
	var snap Snapshot
	if err := c.do(ctx, http.MethodGet, "/api/sync/snapshot", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Replay sends a queued mutation. A non-2xx response is returned as
// *HTTPError; transport failures are returned as-is.
func (c *Client) Replay(ctx context.Context, m *models.PendingMutation) error {
	var body io.Reader
	if len(m.Payload) > 0 {
		body = bytes.NewReader(m.Payload)
	}
	return c.do(ctx, m.Method, m.Endpoint, body, nil)
}

func (c *Client) createRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	target := *c.baseURL
	target.Path = c.baseURL.Path + ref.Path
	target.RawQuery = ref.RawQuery

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, body io.Reader, out interface{}) error {
	req, err := c.createRequest(ctx, method, endpoint, body)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s request failed: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		httpErr := &HTTPError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var payload struct {
			Error string `json:"error"`
			Code  string `json:"code"`
		}
		if json.Unmarshal(data, &payload) == nil {
			httpErr.Code = payload.Code
			if payload.Error != "" {
				httpErr.Message = payload.Error
			}
		}
		return httpErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return nil
}
