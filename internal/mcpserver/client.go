package mcpserver

import (
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
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/mbd888/chatshield/internal/retry"
)

// Config holds the configuration for connecting to a chatshield server.
type Config struct {
	APIURL      string // Base URL, e.g. "http://localhost:8080"
	AdminSecret string // Sent as X-Admin-Secret for admin routes
	ClientID    string // Sent as X-Client-ID for rate limiting
	Timeout     time.Duration
	Version     string // reported in the MCP handshake

	// Reads that fail with 429, 502, 503 or a transport error are retried
	// up to Retries more times. Screen is never retried.
	Retries    int
	RetryDelay time.Duration
}

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 4 << 20

// Client is a pure HTTP client for the chatshield API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	reads      retry.Policy
}

// NewClient creates a new client for the chatshield API.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 250 * time.Millisecond
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		reads: retry.Policy{
			MaxAttempts: cfg.Retries + 1,
			BaseDelay:   cfg.RetryDelay,
			MaxDelay:    4 * cfg.RetryDelay,
		},
	}
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Code       string // the "error" field, e.g. "store_unavailable"
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

func (e *APIError) retryable() bool {
	switch e.StatusCode {
	case http.StatusTooManyRequests, http.StatusBadGateway, http.StatusServiceUnavailable:
		return true
	}
	return false
}

func (c *Client) get(ctx context.Context, path string, query url.Values) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.reads.Do(ctx, func() error {
		var err error
		out, err = c.do(ctx, http.MethodGet, path, query, nil)
		if err == nil || transient(err) {
			return err
		}
		return retry.Permanent(err)
	})
	return out, err
}

// transient reports whether a failed read is worth repeating: a retryable
// status or a transport failure that was not a cancellation.
func transient(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.retryable()
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr) && urlErr.Op != "parse" && !errors.Is(err, context.Canceled)
}

// do makes one HTTP request and returns the response body.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	u.RawQuery = query.Encode()

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.cfg.AdminSecret != "" {
		req.Header.Set("X-Admin-Secret", c.cfg.AdminSecret)
	}
	if c.cfg.ClientID != "" {
		req.Header.Set("X-Client-ID", c.cfg.ClientID)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var payload struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &payload) == nil && payload.Message != "" {
			apiErr.Code, apiErr.Message = payload.Error, payload.Message
		} else {
			apiErr.Message = strings.TrimSpace(string(respBody))
		}
		return nil, apiErr
	}
	return json.RawMessage(respBody), nil
}

// Screen submits one message to the gate.
func (c *Client) Screen(ctx context.Context, messageID, userID, text string) (json.RawMessage, error) {
	body := map[string]string{
		"messageId": messageID,
		"userId":    userID,
		"text":      text,
	}
	return c.do(ctx, http.MethodPost, "/v1/screen", nil, body)
}

// GetRisk returns a user's current risk status.
func (c *Client) GetRisk(ctx context.Context, userID string) (json.RawMessage, error) {
	return c.get(ctx, "/v1/users/"+url.PathEscape(userID)+"/risk", nil)
}

// ListSignals returns a page of a user's risk signals, newest first.
// cursor is the nextCursor of the previous page, or empty.
func (c *Client) ListSignals(ctx context.Context, userID string, limit int, cursor string) (json.RawMessage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	return c.get(ctx, "/v1/users/"+url.PathEscape(userID)+"/signals", q)
}

// ListRollups returns stored summaries. from and to are RFC 3339 and optional.
func (c *Client) ListRollups(ctx context.Context, granularity, from, to string) (json.RawMessage, error) {
	q := url.Values{}
	if granularity != "" {
		q.Set("granularity", granularity)
	}
	if from != "" {
		q.Set("from", from)
	}
	if to != "" {
		q.Set("to", to)
	}
	return c.get(ctx, "/v1/admin/rollups", q)
}
