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

// Tunnel implements domain.Provider for the hosted default provider reached
// through an authenticated tunnel: an OpenAI-compatible /chat/completions
// endpoint behind a bearer-authenticated base URL. No native tool calling;
// calls are not retried.
type Tunnel struct {
	apiKey  string
	apiBase string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

type TunnelConfig struct {
	APIKey  string
	APIBase string
	Model   string
	Logger  *slog.Logger
}

func NewTunnel(cfg TunnelConfig) *Tunnel {
	return NewTunnelWithClient(cfg, SharedHTTPClient(0))
}

func NewTunnelWithClient(cfg TunnelConfig, client *http.Client) *Tunnel {
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if client == nil {
		client = SharedHTTPClient(0)
	}
	return &Tunnel{
		apiKey:  cfg.APIKey,
		apiBase: cfg.APIBase,
		model:   cfg.Model,
		client:  client,
		logger:  cfg.Logger,
	}
}

func (t *Tunnel) Name() string              { return "tunnel" }
func (t *Tunnel) SupportsToolCalling() bool { return false }

func (t *Tunnel) Models(ctx context.Context) ([]string, error) {
	return []string{t.model}, nil
}

func (t *Tunnel) Healthy(ctx context.Context) error {
	if t.apiKey == "" {
		return domain.NewConfigError("tunnel backend: missing credential")
	}
	req, err := http.NewRequestWithContext(ctx, "GET", t.apiBase+"/models", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("tunnel not reachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("tunnel: invalid credential")
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("tunnel returned %d", resp.StatusCode)
	}
	return nil
}

type tunnelRequest struct {
	Model       string          `json:"model"`
	Messages    []tunnelMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	Stream      bool            `json:"stream"`
}

type tunnelMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []tunnelToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Name       string           `json:"name,omitempty"`
}

type tunnelToolCall struct {
	ID       string           `json:"id"`
	Type     string           `json:"type"`
	Function tunnelToolCallFn `json:"function"`
}

type tunnelToolCallFn struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type tunnelResponse struct {
	Choices []tunnelChoice `json:"choices"`
	Usage   tunnelUsage    `json:"usage"`
}

type tunnelChoice struct {
	Message      tunnelMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type tunnelUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func (t *Tunnel) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if t.apiKey == "" {
		return nil, domain.NewConfigError("tunnel backend: missing credential")
	}

	model := req.Model
	if model == "" {
		model = t.model
	}

	// Tool records ride through in the chat-completions wire shape so a
	// prior function-calling exchange stays structurally intact.
	msgs := make([]tunnelMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Type {
		case domain.TypeFunctionCall:
			msgs = append(msgs, tunnelMessage{
				Role: domain.RoleAssistant,
				ToolCalls: []tunnelToolCall{{
					ID:   m.CallID,
					Type: "function",
					Function: tunnelToolCallFn{
						Name:      m.Name,
						Arguments: m.Arguments,
					},
				}},
			})
		case domain.TypeFunctionCallOutput:
			msgs = append(msgs, tunnelMessage{
				Role:       "tool",
				Content:    m.Output,
				ToolCallID: m.CallID,
			})
		default:
			msgs = append(msgs, tunnelMessage{Role: m.Role, Content: m.Content})
		}
	}

	body := tunnelRequest{Model: model, Messages: msgs, Stream: false}
	if req.MaxTokens > 0 {
		body.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		body.Temperature = &req.Temperature
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", t.apiBase+"/chat/completions", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, &domain.TransportError{Op: "tunnel chat", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &domain.BackendError{Backend: "tunnel", Status: resp.StatusCode, Body: string(respBody)}
	}

	var tunnelResp tunnelResponse
	if err := json.NewDecoder(resp.Body).Decode(&tunnelResp); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	if len(tunnelResp.Choices) == 0 {
		return nil, &domain.BackendError{Backend: "tunnel", Status: resp.StatusCode, Body: "no choices returned"}
	}

	choice := tunnelResp.Choices[0]
	role := choice.Message.Role
	if role == "" {
		role = domain.RoleAssistant
	}
	return &domain.ChatResponse{
		Role:         role,
		Content:      choice.Message.Content,
		FinishReason: choice.FinishReason,
		Usage: domain.Usage{
			PromptTokens:     tunnelResp.Usage.PromptTokens,
			CompletionTokens: tunnelResp.Usage.CompletionTokens,
			TotalTokens:      tunnelResp.Usage.TotalTokens,
		},
	}, nil
}
