package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"agentgate/internal/metrics"
)

// Dispatcher posts a turn's outcome to the agent's webhook. Attempts are
// immediate, never scheduled, and stop at the first 2xx. Exhausting every
// attempt is logged but does not fail the turn.
type Dispatcher struct {
	client   *http.Client
	attempts int
	logger   *slog.Logger
}

func NewDispatcher(attempts int, timeout time.Duration, logger *slog.Logger) *Dispatcher {
	if attempts <= 0 {
		attempts = 3
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Dispatcher{
		client:   &http.Client{Timeout: timeout},
		attempts: attempts,
		logger:   logger,
	}
}

// Dispatch sends payload as JSON to uri. The token goes into the
// Authorization header verbatim, no scheme prefix. Returns the response body
// of the successful attempt, or nil when every attempt failed.
func (d *Dispatcher) Dispatch(ctx context.Context, uri, token string, payload map[string]any) []byte {
	if uri == "" {
		return nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		d.logger.Error("webhook payload not serializable", "uri", uri, "err", err)
		return nil
	}

	var lastErr error
	for attempt := 1; attempt <= d.attempts; attempt++ {
		metrics.WebhookAttempts.Inc()
		respBody, err := d.post(ctx, uri, token, body)
		if err == nil {
			return respBody
		}
		lastErr = err
		d.logger.Warn("webhook attempt failed", "uri", uri, "attempt", attempt, "err", err)
	}

	d.logger.Error("webhook delivery failed", "uri", uri, "attempts", d.attempts, "err", lastErr)
	return nil
}

func (d *Dispatcher) post(ctx context.Context, uri, token string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uri, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", token)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return respBody, nil
}
