// Package remote provides the HTTP client for the authoritative backend.
// Every response uses the {success, data, error} envelope.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/kimhsiao/syncore/internal/errors"
	"github.com/kimhsiao/syncore/internal/models"
)

const (
	// IdempotencyHeader carries a key stable across retries of one action.
	IdempotencyHeader = "Idempotency-Key"
	// HealthPath is probed by Ping.
	HealthPath = "/api/health"

	maxResponseBytes = 8 << 20
)

// Config holds remote API connection configuration.
type Config struct {
	BaseURL string
	// Timeout bounds each request; defaults to 15s.
	Timeout time.Duration
	// Token is sent as a bearer token when set.
	Token     string
	UserAgent string
	// HTTPClient overrides the default client; Timeout is then ignored.
	HTTPClient *http.Client
}

// Envelope is the generic response wrapper of the remote API.
type Envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Client talks to the remote collections of every entity kind.
type Client struct {
	base       *url.URL
	token      string
	userAgent  string
	httpClient *http.Client
}

// NewClient creates a new Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "remote base URL is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "invalid remote base URL %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				Proxy:           http.ProxyFromEnvironment,
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "syncore"
	}
	return &Client{base: base, token: cfg.Token, userAgent: cfg.UserAgent, httpClient: httpClient}, nil
}

// Create POSTs a new record and returns the server's copy, which may carry
// a server-assigned id.
func (c *Client) Create(ctx context.Context, p models.Payload, idempotencyKey string) (models.Payload, error) {
	data, err := c.do(ctx, http.MethodPost, p.Kind().Endpoint(), p, idempotencyKey)
	if err != nil {
		return nil, err
	}
	return decodeRecord(p.Kind(), data, p)
}

// Update PUTs the record and returns the server's copy.
func (c *Client) Update(ctx context.Context, p models.Payload, idempotencyKey string) (models.Payload, error) {
	data, err := c.do(ctx, http.MethodPut, recordPath(p.Kind(), p.RecordID()), p, idempotencyKey)
	if err != nil {
		return nil, err
	}
	return decodeRecord(p.Kind(), data, p)
}

// Get fetches the server's current copy of a record.
func (c *Client) Get(ctx context.Context, kind models.EntityKind, id string) (models.Payload, error) {
	data, err := c.do(ctx, http.MethodGet, recordPath(kind, id), nil, "")
	if err != nil {
		return nil, err
	}
	p, err := models.DecodeRecord(kind, data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncRemote, "invalid record in response", err)
	}
	return p, nil
}

// Delete removes a record. A 404 is returned as NOT_FOUND; callers that
// treat "already gone" as success check for it.
func (c *Client) Delete(ctx context.Context, kind models.EntityKind, id string, idempotencyKey string) error {
	_, err := c.do(ctx, http.MethodDelete, recordPath(kind, id), nil, idempotencyKey)
	return err
}

// List fetches every record of a kind.
func (c *Client) List(ctx context.Context, kind models.EntityKind) ([]models.Payload, error) {
	data, err := c.do(ctx, http.MethodGet, kind.Endpoint(), nil, "")
	if err != nil {
		return nil, err
	}
	var raws []json.RawMessage
	if len(data) > 0 && string(data) != "null" {
		if err := json.Unmarshal(data, &raws); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrSyncRemote, "invalid list in response", err)
		}
	}
	out := make([]models.Payload, 0, len(raws))
	for _, raw := range raws {
		p, err := models.DecodeRecord(kind, raw)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrSyncRemote, "invalid record in response", err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Ping checks that the backend is reachable.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, http.MethodGet, HealthPath, nil, "")
	return err
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, idempotencyKey string) (json.RawMessage, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to encode request body", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, reader)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInvalid, "failed to create request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if idempotencyKey != "" {
		req.Header.Set(IdempotencyHeader, idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, transportError(method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError(method, path, err)
	}

	var env Envelope
	decodeErr := json.Unmarshal(raw, &env)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(env.Error)
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return nil, statusError(resp.StatusCode, fmt.Sprintf("%s %s: %s", method, path, msg))
	}
	if resp.StatusCode == http.StatusNoContent || len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}
	if decodeErr != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncRemote, "invalid response envelope", decodeErr)
	}
	if !env.Success {
		msg := env.Error
		if msg == "" {
			msg = "request was not successful"
		}
		return nil, apperrors.Newf(apperrors.ErrSyncRemote, "%s %s: %s", method, path, msg)
	}
	return env.Data, nil
}

// statusError maps a non-2xx status onto the error taxonomy. Server-side
// and throttling failures are transient.
func statusError(status int, msg string) error {
	switch {
	case status == http.StatusUnauthorized:
		return apperrors.New(apperrors.ErrSyncAuthFailed, msg)
	case status == http.StatusNotFound:
		return apperrors.New(apperrors.ErrNotFound, msg)
	case status == http.StatusRequestTimeout || status == http.StatusTooManyRequests || status >= 500:
		return apperrors.New(apperrors.ErrSyncNetwork, msg)
	default:
		return apperrors.New(apperrors.ErrSyncRemote, msg)
	}
}

func transportError(method, path string, err error) error {
	msg := fmt.Sprintf("%s %s failed", method, path)
	var netErr net.Error
	if stderrors.Is(err, context.DeadlineExceeded) || (stderrors.As(err, &netErr) && netErr.Timeout()) {
		return apperrors.Wrap(apperrors.ErrSyncTimeout, msg, err)
	}
	return apperrors.Wrap(apperrors.ErrSyncNetwork, msg, err)
}

// decodeRecord parses the server copy returned by a mutation. An empty
// body falls back to the sent record.
func decodeRecord(kind models.EntityKind, data json.RawMessage, sent models.Payload) (models.Payload, error) {
	if len(bytes.TrimSpace(data)) == 0 || string(data) == "null" {
		return sent, nil
	}
	p, err := models.DecodeRecord(kind, data)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrSyncRemote, "invalid record in response", err)
	}
	return p, nil
}

func recordPath(kind models.EntityKind, id string) string {
	return kind.Endpoint() + "/" + url.PathEscape(id)
}
