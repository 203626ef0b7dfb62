package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agentgate/internal/domain"
)

const executeTimeout = 30 * time.Second

// Executor runs a single tool call against a configured data source. A failed
// call never aborts the turn: the caller receives the source's configured
// fallback payload so the model can produce a user-facing recovery.
type Executor struct {
	client *http.Client
	logger *slog.Logger
}

func NewExecutor(logger *slog.Logger) *Executor {
	return NewExecutorWithClient(logger, &http.Client{Timeout: executeTimeout})
}

func NewExecutorWithClient(logger *slog.Logger, client *http.Client) *Executor {
	if client == nil {
		client = &http.Client{Timeout: executeTimeout}
	}
	return &Executor{client: client, logger: logger}
}

// Execute invokes the data source with the model's decoded arguments and
// returns a JSON payload. On any failure the returned payload carries the
// source's error fallback and the error is a ToolExecutionError the caller
// may log; the payload is always usable as a tool output.
func (e *Executor) Execute(ctx context.Context, src *domain.DataSource, args map[string]any) (json.RawMessage, error) {
	payload, err := e.request(ctx, src, args)
	if err != nil {
		e.logger.Warn("tool execution failed", "source", src.Name, "err", err)
		return errorPayload(src), &domain.ToolExecutionError{Source: src.Name, Err: err}
	}
	return payload, nil
}

func (e *Executor) request(ctx context.Context, src *domain.DataSource, args map[string]any) (json.RawMessage, error) {
	method := src.HTTPMethod()

	var httpReq *http.Request
	var err error
	if method == http.MethodGet {
		target, perr := urlWithParams(src.URL, args)
		if perr != nil {
			return nil, perr
		}
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	} else {
		body, merr := json.Marshal(args)
		if merr != nil {
			return nil, fmt.Errorf("marshal arguments: %w", merr)
		}
		httpReq, err = http.NewRequestWithContext(ctx, method, src.URL, bytes.NewReader(body))
	}
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range src.Headers {
		httpReq.Header.Set(k, v)
	}
	if src.AuthType != "" && src.AuthToken != "" {
		httpReq.Header.Set("Authorization", src.AuthType+" "+src.AuthToken)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, &domain.TransportError{Op: "tool " + src.Name, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("data source %s returned %d: %s", src.Name, resp.StatusCode, string(body))
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("data source %s returned non-JSON body", src.Name)
	}
	return json.RawMessage(body), nil
}

// ExecuteRequest performs the explicit request descriptor carried by a
// structured "request" reply: method, url, auth fields and body chosen by the
// model from the prompt catalog.
func (e *Executor) ExecuteRequest(ctx context.Context, desc *domain.RequestDescriptor) (json.RawMessage, error) {
	method := strings.ToUpper(desc.Method)
	if method == "" {
		method = http.MethodGet
	}

	var httpReq *http.Request
	var err error
	if method == http.MethodGet {
		httpReq, err = http.NewRequestWithContext(ctx, http.MethodGet, desc.URL, nil)
	} else {
		body, merr := json.Marshal(desc.Body)
		if merr != nil {
			return nil, fmt.Errorf("marshal body: %w", merr)
		}
		httpReq, err = http.NewRequestWithContext(ctx, method, desc.URL, bytes.NewReader(body))
	}
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	switch desc.AuthType {
	case "Bearer", "Basic", "Token":
		if desc.AuthToken != "" {
			httpReq.Header.Set("Authorization", desc.AuthType+" "+desc.AuthToken)
		}
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return nil, &domain.TransportError{Op: "request " + desc.URL, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("request to %s returned %d", desc.URL, resp.StatusCode)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("request to %s returned non-JSON body", desc.URL)
	}
	return json.RawMessage(body), nil
}

// Verify probes a data source URL with its auth headers. Used by operators
// when authoring a source, not during turns.
func (e *Executor) Verify(ctx context.Context, src *domain.DataSource) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return false
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if src.AuthType != "" && src.AuthToken != "" {
		httpReq.Header.Set("Authorization", src.AuthType+" "+src.AuthToken)
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// urlWithParams appends decoded arguments as query parameters.
func urlWithParams(base string, args map[string]any) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	q := u.Query()
	for k, v := range args {
		q.Set(k, fmt.Sprintf("%v", v))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// errorPayload builds the tool output used when execution fails: the
// configured fallback message when present, a generic error member otherwise.
func errorPayload(src *domain.DataSource) json.RawMessage {
	var body map[string]string
	if src.ErrorMessage != "" {
		body = map[string]string{"error_message": src.ErrorMessage}
	} else {
		body = map[string]string{"error": "data source " + src.Name + " is unavailable"}
	}
	raw, _ := json.Marshal(body)
	return raw
}
