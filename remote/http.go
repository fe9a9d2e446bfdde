// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mobiletoly/go-timesync/models"
)

// DefaultTimeout bounds a single HTTP exchange.
const DefaultTimeout = 60 * time.Second

// TokenFunc returns the bearer token (JWT) for the next request.
type TokenFunc func(ctx context.Context) (string, error)

// HTTPClient talks JSON over HTTP to a timesync server.
type HTTPClient struct {
	BaseURL string
	Token   TokenFunc
	HTTP    *http.Client
	logger  *slog.Logger
}

// HTTPOption customizes an HTTPClient.
type HTTPOption func(*HTTPClient)

// WithHTTPClient replaces the underlying *http.Client.
func WithHTTPClient(hc *http.Client) HTTPOption {
	return func(c *HTTPClient) {
		if hc != nil {
			c.HTTP = hc
		}
	}
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) HTTPOption {
	return func(c *HTTPClient) { c.HTTP.Timeout = d }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) HTTPOption {
	return func(c *HTTPClient) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewHTTPClient creates a client for the server at baseURL.
func NewHTTPClient(baseURL string, token TokenFunc, opts ...HTTPOption) *HTTPClient {
	c := &HTTPClient{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: DefaultTimeout},
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ Client = (*HTTPClient)(nil)
var _ ChangeFeed = (*HTTPClient)(nil)

func (c *HTTPClient) Create(ctx context.Context, r models.Record) (models.Record, error) {
	body, err := models.EncodeRecord(r)
	if err != nil {
		return nil, err
	}
	var out json.RawMessage
	if err := c.do(ctx, "create", http.MethodPost, "/v1/"+string(r.Kind()), body, &out); err != nil {
		return nil, err
	}
	return c.decode("create", r.Kind(), out)
}

func (c *HTTPClient) Update(ctx context.Context, r models.Record) (models.Record, error) {
	path, err := recordPath(r)
	if err != nil {
		return nil, err
	}
	body, err := models.EncodeRecord(r)
	if err != nil {
		return nil, err
	}
	var out json.RawMessage
	if err := c.do(ctx, "update", http.MethodPut, path, body, &out); err != nil {
		return nil, err
	}
	return c.decode("update", r.Kind(), out)
}

func (c *HTTPClient) Delete(ctx context.Context, r models.Record) error {
	path, err := recordPath(r)
	if err != nil {
		return err
	}
	return c.do(ctx, "delete", http.MethodDelete, path, nil, nil)
}

func (c *HTTPClient) List(ctx context.Context, since time.Time, windowDays int) ([]models.Record, error) {
	changes, err := c.ListChanges(ctx, since, windowDays)
	return changes.Records, err
}

// ListChanges is List that also returns the server time reported with the batch.
func (c *HTTPClient) ListChanges(ctx context.Context, since time.Time, windowDays int) (Changes, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if windowDays > 0 {
		q.Set("window_days", strconv.Itoa(windowDays))
	}
	path := "/v1/changes"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var resp ChangesResponse
	if err := c.do(ctx, "list", http.MethodGet, path, nil, &resp); err != nil {
		return Changes{}, err
	}
	records, err := DecodeChanges(resp.Changes)
	if err != nil {
		return Changes{}, &Error{Class: ClassServer, Op: "list", Err: fmt.Errorf("failed to decode changes: %w", err)}
	}
	c.logger.Debug("Listed remote changes", "since", since, "window_days", windowDays, "count", len(records), "server_time", resp.ServerTime)
	return Changes{Records: records, ServerTime: resp.ServerTime.UTC()}, nil
}

func recordPath(r models.Record) (string, error) {
	id := r.Common().RemoteID
	if id == nil {
		return "", &Error{Class: ClassRejected, Op: "path", Err: fmt.Errorf("%s %s has no remote id", r.Kind(), r.Common().ID)}
	}
	return fmt.Sprintf("/v1/%s/%d", r.Kind(), *id), nil
}

func (c *HTTPClient) decode(op string, kind models.Kind, body json.RawMessage) (models.Record, error) {
	rec, err := models.DecodeRecord(kind, body)
	if err != nil {
		return nil, &Error{Class: ClassServer, Op: op, Err: err}
	}
	return rec, nil
}

func (c *HTTPClient) do(ctx context.Context, op, method, path string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return &Error{Class: ClassRejected, Op: op, Err: fmt.Errorf("failed to create HTTP request: %w", err)}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != nil {
		token, err := c.Token(ctx)
		if err != nil {
			return &Error{Class: ClassAuth, Op: op, Err: fmt.Errorf("failed to get token: %w", err)}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return NetworkError(op, fmt.Errorf("failed to send HTTP request: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		msg := strings.TrimSpace(string(data))
		var er ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			msg = er.Error + ": " + er.Message
		}
		return StatusError(op, resp.StatusCode, fmt.Errorf("server returned status %d: %s", resp.StatusCode, msg))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return NetworkError(op, fmt.Errorf("failed to decode %s response: %w", op, err))
	}
	return nil
}
