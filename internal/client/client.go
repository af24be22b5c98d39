// Package client talks to the correlation API and waits for results by
// polling at a fixed interval for a bounded number of attempts.
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
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/tidwall/gjson"

	"github.com/alvaroprs8/vitascience/internal/analysis"
	"github.com/alvaroprs8/vitascience/internal/chat"
	"github.com/alvaroprs8/vitascience/internal/conversation"
	"github.com/alvaroprs8/vitascience/internal/correlation"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultMaxAttempts  = 30
)

// ErrStillProcessing means polling gave up while the work was still
// pending. The work itself keeps running server side.
var ErrStillProcessing = errors.New("still processing")

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api returned %d: %s", e.StatusCode, e.Message)
}

type Client struct {
	baseURL     string
	http        *http.Client
	interval    time.Duration
	maxAttempts uint
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithPollInterval(d time.Duration) Option { return func(c *Client) { c.interval = d } }

func WithMaxAttempts(n uint) Option { return func(c *Client) { c.maxAttempts = n } }

func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		http:        &http.Client{Timeout: 15 * time.Second},
		interval:    DefaultPollInterval,
		maxAttempts: DefaultMaxAttempts,
	}
	for _, o := range opts {
		o(c)
	}
	if c.maxAttempts == 0 {
		c.maxAttempts = 1
	}
	return c
}

type SubmitRequest struct {
	Input    string                 `json:"input"`
	Title    string                 `json:"title,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Submit returns the correlation id of the accepted work.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	var out struct {
		CorrelationID string `json:"correlationId"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/analyses", req, &out); err != nil {
		return "", err
	}
	return out.CorrelationID, nil
}

func (c *Client) Status(ctx context.Context, id string) (*analysis.StatusView, error) {
	var out analysis.StatusView
	q := url.Values{"correlationId": {id}}
	if err := c.do(ctx, http.MethodGet, "/v1/analyses/status?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitForResult polls Status until it leaves pending. After the last
// attempt it returns ErrStillProcessing.
func (c *Client) WaitForResult(ctx context.Context, id string) (*analysis.StatusView, error) {
	return poll(ctx, c, func() (*analysis.StatusView, error) {
		s, err := c.Status(ctx, id)
		if err != nil {
			return nil, err
		}
		if s.Status == correlation.StatusPending {
			return nil, ErrStillProcessing
		}
		return s, nil
	})
}

func (c *Client) SendChat(ctx context.Context, conversationID, message string) (*chat.SendResult, error) {
	var out chat.SendResult
	body := map[string]string{"message": message}
	if err := c.do(ctx, http.MethodPost, "/v1/conversations/"+url.PathEscape(conversationID)+"/messages", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) TurnStatus(ctx context.Context, conversationID, turnID string) (*chat.TurnView, error) {
	var out chat.TurnView
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/turns/" + url.PathEscape(turnID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) WaitForReply(ctx context.Context, conversationID, turnID string) (*chat.TurnView, error) {
	return poll(ctx, c, func() (*chat.TurnView, error) {
		v, err := c.TurnStatus(ctx, conversationID, turnID)
		if err != nil {
			return nil, err
		}
		if v.Status == correlation.StatusPending {
			return nil, ErrStillProcessing
		}
		return v, nil
	})
}

func (c *Client) History(ctx context.Context, conversationID string, limit int) ([]conversation.Message, error) {
	var out struct {
		Messages []conversation.Message `json:"messages"`
	}
	path := "/v1/conversations/" + url.PathEscape(conversationID) + "/messages"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

// poll retries while the work is pending, the API is unavailable or the
// poll was throttled. Other client errors stop it at once.
func poll[T any](ctx context.Context, c *Client, check func() (T, error)) (T, error) {
	op := func() (T, error) {
		v, err := check()
		var apiErr *APIError
		if errors.As(err, &apiErr) && !apiErr.retryable() {
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.interval)),
		backoff.WithMaxTries(c.maxAttempts),
		backoff.WithMaxElapsedTime(0),
	)
}

func (e *APIError) retryable() bool {
	switch e.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return true
	}
	return e.StatusCode >= http.StatusInternalServerError
}

func (c *Client) do(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := gjson.GetBytes(raw, "error").String()
		if msg == "" {
			msg = strings.TrimSpace(string(raw))
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
