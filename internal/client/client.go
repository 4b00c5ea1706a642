// Package client talks to the backend notification REST API.
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

	"go.uber.org/zap"

	"smartfarm-notifier/internal/domain/action"
	"smartfarm-notifier/internal/domain/notification"
	xerrors "smartfarm-notifier/internal/pkg/errors"
)

const (
	DefaultTimeout   = 15 * time.Second
	DefaultPollLimit = 10

	maxErrorBody = 4 << 10
)

// APIError is returned for any non-2xx response.
type APIError struct {
	Method string
	Path   string
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Body)
}

// Unwrap maps the status code onto the shared sentinels.
func (e *APIError) Unwrap() error {
	switch e.Status {
	case http.StatusNotFound:
		return xerrors.ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return xerrors.ErrUnauthorized
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return xerrors.ErrInvalidInput
	}
	return xerrors.ErrUpstream
}

// TokenSource returns the bearer token for the next request.
type TokenSource func() string

// StaticToken always returns token.
func StaticToken(token string) TokenSource {
	return func() string { return token }
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithPollLimit sets how many unread records FetchMissed asks for.
func WithPollLimit(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.pollLimit = n
		}
	}
}

// WithClock overrides the time used for records without a creation time.
func WithClock(now func() time.Time) Option {
	return func(c *Client) { c.now = now }
}

type Client struct {
	baseURL   string
	token     TokenSource
	http      *http.Client
	logger    *zap.Logger
	pollLimit int
	now       func() time.Time
}

func New(baseURL string, token TokenSource, opts ...Option) *Client {
	c := &Client{
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		http:      &http.Client{Timeout: DefaultTimeout},
		logger:    zap.NewNop(),
		pollLimit: DefaultPollLimit,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(zap.String("component", "rest_client"))
	return c
}

// ListRecords returns one page of wire records matching params.
func (c *Client) ListRecords(ctx context.Context, params notification.ListParams) (*notification.ListResponse, error) {
	q := url.Values{}
	if params.Limit > 0 {
		q.Set("limit", strconv.Itoa(params.Limit))
	}
	if params.Offset > 0 {
		q.Set("offset", strconv.Itoa(params.Offset))
	}
	if params.IsRead != nil {
		if *params.IsRead {
			q.Set("is_read", "1")
		} else {
			q.Set("is_read", "0")
		}
	}
	if params.Level != "" {
		q.Set("level", string(params.Level))
	}
	if params.Source != "" {
		q.Set("source", string(params.Source))
	}
	if params.From != nil {
		q.Set("from", params.From.UTC().Format(time.RFC3339))
	}
	if params.To != nil {
		q.Set("to", params.To.UTC().Format(time.RFC3339))
	}

	var resp notification.ListResponse
	if err := c.do(ctx, http.MethodGet, "/notifications", q, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// List returns one page as client-side notifications.
func (c *Client) List(ctx context.Context, limit, offset int) (notification.Page, error) {
	resp, err := c.ListRecords(ctx, notification.ListParams{Limit: limit, Offset: offset})
	if err != nil {
		return notification.Page{}, err
	}

	now := c.now()
	page := notification.Page{
		Items: make([]notification.Notification, 0, len(resp.Items)),
		Total: resp.Total,
	}
	for _, rec := range resp.Items {
		page.Items = append(page.Items, rec.ToNotification(now))
	}
	return page, nil
}

// FetchMissed returns the newest unread records. Used by the polling fallback.
func (c *Client) FetchMissed(ctx context.Context) ([]notification.Record, error) {
	unread := false
	resp, err := c.ListRecords(ctx, notification.ListParams{Limit: c.pollLimit, IsRead: &unread})
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var resp notification.UnreadCountResponse
	if err := c.do(ctx, http.MethodGet, "/notifications/unread-count", nil, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Count, nil
}

func (c *Client) MarkRead(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	var resp notification.UpdatedResponse
	body := notification.MarkReadRequest{IDs: ids}
	if err := c.do(ctx, http.MethodPost, "/notifications/mark-read", nil, body, &resp); err != nil {
		return 0, err
	}
	return resp.Updated, nil
}

func (c *Client) MarkAllRead(ctx context.Context) (int64, error) {
	var resp notification.UpdatedResponse
	if err := c.do(ctx, http.MethodPost, "/notifications/mark-all-read", nil, struct{}{}, &resp); err != nil {
		return 0, err
	}
	return resp.Updated, nil
}

func (c *Client) Delete(ctx context.Context, id string) (int64, error) {
	if id == "" {
		return 0, xerrors.Wrap(xerrors.ErrInvalidInput, "notification id is required")
	}
	var resp notification.DeletedResponse
	if err := c.do(ctx, http.MethodDelete, "/notifications/"+url.PathEscape(id), nil, nil, &resp); err != nil {
		return 0, err
	}
	return resp.Deleted, nil
}

// ListActions returns the latest device actions, newest first.
func (c *Client) ListActions(ctx context.Context, limit int) ([]action.Log, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var resp action.ListResponse
	if err := c.do(ctx, http.MethodGet, "/actions", q, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out interface{}) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("build %s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != nil {
		if token := c.token(); token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w: %v", method, path, xerrors.ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		apiErr := &APIError{Method: method, Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
		c.logger.Debug("backend request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("status", resp.StatusCode),
		)
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	return nil
}
