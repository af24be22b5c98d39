package dispatch

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/alvaroprs8/vitascience/internal/config"
)

const maxErrorBody = 4 << 10

// StatusError is a non-2xx answer from the worker front door.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("worker responded %d", e.Code)
	}
	return fmt.Sprintf("worker responded %d: %s", e.Code, e.Message)
}

// HTTPConfig configures the worker front door.
type HTTPConfig struct {
	URLs    map[Kind]string
	Auth    string // sent verbatim as Authorization
	Secret  string // mirrored as X-Callback-Secret when non-empty
	Timeout time.Duration
}

// WorkerConfig builds the front door settings shared by the API and the relay.
func WorkerConfig(cfg *config.Config) HTTPConfig {
	hc := HTTPConfig{
		URLs: map[Kind]string{
			KindAnalysis: cfg.WorkerURL,
			KindChat:     cfg.WorkerChatURL,
		},
		Auth:    cfg.WorkerAuth,
		Timeout: cfg.DispatchTimeout,
	}
	if cfg.WorkerEchoSecret {
		hc.Secret = cfg.CallbackSecret
	}
	return hc
}

// HTTPDispatcher posts the payload straight to the worker webhook.
type HTTPDispatcher struct {
	client *http.Client
	cfg    HTTPConfig
}

func NewHTTPDispatcher(cfg HTTPConfig) *HTTPDispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &HTTPDispatcher{
		client: &http.Client{Timeout: cfg.Timeout},
		cfg:    cfg,
	}
}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, env Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}
	url := d.cfg.URLs[env.Kind]
	if url == "" {
		return fmt.Errorf("no worker url for %s", env.Kind)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(env.Payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Correlation-Id", env.CorrelationID)
	if d.cfg.Auth != "" {
		req.Header.Set("Authorization", d.cfg.Auth)
	}
	if d.cfg.Secret != "" {
		req.Header.Set("X-Callback-Secret", d.cfg.Secret)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("post to worker: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	return &StatusError{Code: resp.StatusCode, Message: errorMessage(body)}
}

// errorMessage prefers a JSON "error" or "message" field over raw text.
func errorMessage(body []byte) string {
	if gjson.ValidBytes(body) {
		for _, p := range []string{"error", "message", "error.message"} {
			if r := gjson.GetBytes(body, p); r.Type == gjson.String && r.Str != "" {
				return r.Str
			}
		}
	}
	return strings.TrimSpace(string(body))
}
