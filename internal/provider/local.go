package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"agentgate/internal/domain"
)

const (
	localDefaultBase  = "http://localhost:11434"
	localDefaultModel = "llama3.1:8b"
)

// Local implements domain.Provider for a self-hosted inference server
// (Ollama-style /api/chat). Simple chat completion, no tool calling. Calls
// are not retried: a failed call fails the turn.
type Local struct {
	apiBase      string
	defaultModel string
	client       *http.Client
	logger       *slog.Logger
}

type LocalConfig struct {
	APIBase      string
	DefaultModel string
	Logger       *slog.Logger
}

func NewLocal(cfg LocalConfig) *Local {
	return NewLocalWithClient(cfg, SharedHTTPClient(0))
}

func NewLocalWithClient(cfg LocalConfig, client *http.Client) *Local {
	if cfg.APIBase == "" {
		cfg.APIBase = localDefaultBase
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = localDefaultModel
	}
	if client == nil {
		client = SharedHTTPClient(0)
	}
	return &Local{
		apiBase:      cfg.APIBase,
		defaultModel: cfg.DefaultModel,
		client:       client,
		logger:       cfg.Logger,
	}
}

func (l *Local) Name() string              { return "local" }
func (l *Local) SupportsToolCalling() bool { return false }

// Models lists the models the inference server has pulled.
func (l *Local) Models(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", l.apiBase+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, &domain.TransportError{Op: "local list models", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &domain.BackendError{Backend: "local", Status: resp.StatusCode, Body: string(body)}
	}

	var tags struct {
		Models []struct {
			Model string `json:"model"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decode tags: %w", err)
	}
	models := make([]string, 0, len(tags.Models))
	for _, m := range tags.Models {
		models = append(models, m.Model)
	}
	return models, nil
}

func (l *Local) Healthy(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, "GET", l.apiBase+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("local backend not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("local backend returned status %d", resp.StatusCode)
	}
	return nil
}

// localRequest matches the inference server's /api/chat request body.
type localRequest struct {
	Model    string     `json:"model"`
	Messages []localMsg `json:"messages"`
	Stream   bool       `json:"stream"`
}

type localMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type localResponse struct {
	Message    localMsg `json:"message"`
	Done       bool     `json:"done"`
	DoneReason string   `json:"done_reason"`
}

func (l *Local) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	model := req.Model
	if model == "" {
		model = l.defaultModel
	}

	msgs := make([]localMsg, 0, len(req.Messages))
	for _, m := range req.Messages {
		// This server has no function-call wire shape; tool records are
		// flattened so the exchange still reads coherently.
		switch m.Type {
		case domain.TypeFunctionCall:
			msgs = append(msgs, localMsg{Role: domain.RoleAssistant, Content: fmt.Sprintf("[tool call %s(%s)]", m.Name, m.Arguments)})
		case domain.TypeFunctionCallOutput:
			msgs = append(msgs, localMsg{Role: domain.RoleUser, Content: fmt.Sprintf("[tool output] %s", m.Output)})
		default:
			msgs = append(msgs, localMsg{Role: m.Role, Content: m.Content})
		}
	}

	body := localRequest{Model: model, Messages: msgs, Stream: false}
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", l.apiBase+"/api/chat", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(httpReq)
	if err != nil {
		return nil, &domain.TransportError{Op: "local chat", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &domain.BackendError{Backend: "local", Status: resp.StatusCode, Body: string(respBody)}
	}

	var localResp localResponse
	if err := json.NewDecoder(resp.Body).Decode(&localResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	role := localResp.Message.Role
	if role == "" {
		role = domain.RoleAssistant
	}
	return &domain.ChatResponse{
		Role:         role,
		Content:      localResp.Message.Content,
		FinishReason: localResp.DoneReason,
	}, nil
}
