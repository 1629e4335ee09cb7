// Package notifier implements the delivery collaborators used by notify and
// webhook actions.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gyaneshwarpardhi/ruleflow/internal/action"
)

// HTTP performs webhook calls with a shared client.
type HTTP struct {
	client *http.Client
	logger *slog.Logger
}

// NewHTTP creates an HTTP caller. timeout bounds each request in addition to
// the action's own timeout; zero means no client-level limit.
func NewHTTP(timeout time.Duration, logger *slog.Logger) *HTTP {
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP{client: &http.Client{Timeout: timeout}, logger: logger}
}

// Call sends req.Payload as JSON. 5xx and 429 responses are retryable;
// any other non-2xx response is permanent.
func (h *HTTP) Call(ctx context.Context, req action.WebhookRequest) error {
	body, err := json.Marshal(req.Payload)
	if err != nil {
		return action.Permanent(fmt.Errorf("encode payload: %w", err))
	}
	method := req.Method
	if method == "" {
		method = http.MethodPost
	}
	hreq, err := http.NewRequestWithContext(ctx, method, req.URL, bytes.NewReader(body))
	if err != nil {
		return action.Permanent(fmt.Errorf("failed to create request: %w", err))
	}
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("User-Agent", "ruleflow-webhook/1")
	for k, v := range req.Headers {
		hreq.Header.Set(k, v)
	}

	h.logger.Debug("calling webhook", "method", method, "url", req.URL)
	resp, err := h.client.Do(hreq)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("webhook returned %s: %s", resp.Status, bytes.TrimSpace(snippet))
	default:
		return action.Permanent(fmt.Errorf("webhook returned %s: %s", resp.Status, bytes.TrimSpace(snippet)))
	}
}

// Webhook is a notification channel that posts the notification as JSON to
// a fixed URL.
type Webhook struct {
	URL     string
	Headers map[string]string
	Caller  action.WebhookCaller
}

func (w *Webhook) Notify(ctx context.Context, n action.Notification) error {
	return w.Caller.Call(ctx, action.WebhookRequest{URL: w.URL, Method: http.MethodPost, Headers: w.Headers, Payload: n})
}
