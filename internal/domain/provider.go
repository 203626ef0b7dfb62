package domain

import "context"

// Provider is the interface every model backend implements. One Chat call is
// one request/response exchange; the tool loop lives above this layer.
type Provider interface {
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	Name() string
	SupportsToolCalling() bool
	Models(ctx context.Context) ([]string, error)
	Healthy(ctx context.Context) error
}

// ChatRequest is the normalized model input.
type ChatRequest struct {
	Model       string
	Messages    []Message
	Tools       []ToolDefinition
	MaxTokens   int
	Temperature float64
}

// ChatResponse is the normalized result shape shared by all backends. Either
// Content is the final message or ToolCalls carries the function-call items
// the model wants executed; never a garbled mix of partial failure.
type ChatResponse struct {
	Role         string
	Content      string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// HasToolCalls reports whether the model requested tool execution.
func (r *ChatResponse) HasToolCalls() bool { return len(r.ToolCalls) > 0 }

// ToolCall is a model-initiated request to execute a configured data source.
type ToolCall struct {
	ItemID    string `json:"id,omitempty"`
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"` // JSON object text
	Status    string `json:"status,omitempty"`
}

// ToolDefinition declaratively exposes a callable data source to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"` // JSON Schema object
	Strict      bool           `json:"strict,omitempty"`
}

// Usage captures token accounting reported by a backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
