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

// Responses implements domain.Provider for the hosted override provider with
// native function calling. The wire contract is item-based: the input list
// interleaves role messages with function_call / function_call_output items,
// and the response is a list of output items. Calls are not retried.
type Responses struct {
	apiKey  string
	apiBase string
	model   string
	client  *http.Client
	logger  *slog.Logger
}

type ResponsesConfig struct {
	APIKey  string
	APIBase string
	Model   string
	Logger  *slog.Logger
}

func NewResponses(cfg ResponsesConfig) *Responses {
	return NewResponsesWithClient(cfg, SharedHTTPClient(0))
}

func NewResponsesWithClient(cfg ResponsesConfig, client *http.Client) *Responses {
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}
	if client == nil {
		client = SharedHTTPClient(0)
	}
	return &Responses{
		apiKey:  cfg.APIKey,
		apiBase: cfg.APIBase,
		model:   cfg.Model,
		client:  client,
		logger:  cfg.Logger,
	}
}

func (r *Responses) Name() string              { return "responses" }
func (r *Responses) SupportsToolCalling() bool { return true }

func (r *Responses) Models(ctx context.Context) ([]string, error) {
	if r.apiKey == "" {
		return nil, domain.NewConfigError("responses backend: missing credential")
	}
	req, err := http.NewRequestWithContext(ctx, "GET", r.apiBase+"/models", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, &domain.TransportError{Op: "responses list models", Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, &domain.BackendError{Backend: "responses", Status: resp.StatusCode, Body: string(body)}
	}

	var list struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("decode models: %w", err)
	}
	models := make([]string, 0, len(list.Data))
	for _, m := range list.Data {
		models = append(models, m.ID)
	}
	return models, nil
}

func (r *Responses) Healthy(ctx context.Context) error {
	_, err := r.Models(ctx)
	return err
}

// Wire shapes. Input items reuse one struct: role messages set role/content,
// function_call items set type/id/call_id/name/arguments, function_call_output
// items set type/call_id/output.
type responsesItem struct {
	Role      string `json:"role,omitempty"`
	Type      string `json:"type,omitempty"`
	ID        string `json:"id,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
	Status    string `json:"status,omitempty"`
	Content   any    `json:"content,omitempty"`
}

type responsesTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
	Strict      bool           `json:"strict"`
}

type responsesRequest struct {
	Model string          `json:"model"`
	Input []responsesItem `json:"input"`
	Tools []responsesTool `json:"tools,omitempty"`
	Store bool            `json:"store"`
}

type responsesOutputItem struct {
	Type      string `json:"type"`
	ID        string `json:"id,omitempty"`
	Role      string `json:"role,omitempty"`
	Status    string `json:"status,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Content   []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content,omitempty"`
}

type responsesResponse struct {
	Output []responsesOutputItem `json:"output"`
	Error  *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

func (r *Responses) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if r.apiKey == "" {
		return nil, domain.NewConfigError("responses backend: missing credential")
	}

	model := req.Model
	if model == "" {
		model = r.model
	}

	input := make([]responsesItem, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Type {
		case domain.TypeFunctionCall:
			input = append(input, responsesItem{
				Type:      domain.TypeFunctionCall,
				ID:        m.ItemID,
				CallID:    m.CallID,
				Name:      m.Name,
				Arguments: m.Arguments,
				Status:    m.Status,
			})
		case domain.TypeFunctionCallOutput:
			input = append(input, responsesItem{
				Type:   domain.TypeFunctionCallOutput,
				CallID: m.CallID,
				Output: m.Output,
			})
		default:
			input = append(input, responsesItem{Role: m.Role, Content: m.Content})
		}
	}

	body := responsesRequest{Model: model, Input: input, Store: false}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, responsesTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
			Strict:      t.Strict,
		})
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", r.apiBase+"/responses", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, &domain.TransportError{Op: "responses chat", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, &domain.BackendError{Backend: "responses", Status: resp.StatusCode, Body: string(respBody)}
	}

	var respBody responsesResponse
	if err := json.NewDecoder(resp.Body).Decode(&respBody); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if respBody.Error != nil {
		return nil, &domain.BackendError{Backend: "responses", Status: resp.StatusCode, Body: respBody.Error.Message}
	}

	out := &domain.ChatResponse{
		Role: domain.RoleAssistant,
		Usage: domain.Usage{
			PromptTokens:     respBody.Usage.InputTokens,
			CompletionTokens: respBody.Usage.OutputTokens,
			TotalTokens:      respBody.Usage.TotalTokens,
		},
	}
	for _, item := range respBody.Output {
		switch item.Type {
		case "message":
			if item.Role != "" {
				out.Role = item.Role
			}
			for _, c := range item.Content {
				out.Content += c.Text
			}
		case domain.TypeFunctionCall:
			out.ToolCalls = append(out.ToolCalls, domain.ToolCall{
				ItemID:    item.ID,
				CallID:    item.CallID,
				Name:      item.Name,
				Arguments: item.Arguments,
				Status:    item.Status,
			})
		}
	}
	if out.HasToolCalls() {
		out.FinishReason = "tool_calls"
	} else {
		out.FinishReason = "stop"
	}
	return out, nil
}
