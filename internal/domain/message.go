package domain

import "time"

// Message roles plus the two structured record types that carry a tool
// exchange through history in provider-native shape.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"

	TypeFunctionCall       = "function_call"
	TypeFunctionCallOutput = "function_call_output"
)

// Message is one entry of the model input list. Plain entries carry Role and
// Content; tool entries carry Type plus the call fields so a function-calling
// exchange can be resumed across invocations.
type Message struct {
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	Type      string `json:"type,omitempty"` // "" | function_call | function_call_output
	ItemID    string `json:"id,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	Output    string `json:"output,omitempty"`
	Status    string `json:"status,omitempty"`
}

// IsToolRecord reports whether the message is a structured tool entry rather
// than a plain role/content pair.
func (m Message) IsToolRecord() bool {
	return m.Type == TypeFunctionCall || m.Type == TypeFunctionCallOutput
}

// Chat binds a conversation to its external messaging channel instance.
// Once IsLive is set a human operator owns the conversation and the
// orchestrator must not auto-respond.
type Chat struct {
	ID              string    `json:"id"`
	Agent           string    `json:"agent"`
	Channel         string    `json:"channel,omitempty"`
	ChannelInstance string    `json:"channel_instance,omitempty"`
	IsLive          bool      `json:"is_live"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// MessageRecord is the durable form of one transcript entry. Seq is assigned
// by the store and matches turn-local causal order.
type MessageRecord struct {
	ID          string    `json:"id"`
	ChatID      string    `json:"chat_id"`
	Role        string    `json:"role,omitempty"`
	Content     string    `json:"content,omitempty"`
	PlainText   string    `json:"plain_text,omitempty"`
	MediaRef    string    `json:"media_ref,omitempty"`
	Type        string    `json:"type,omitempty"`
	CallID      string    `json:"call_id,omitempty"`
	CallName    string    `json:"call_name,omitempty"`
	Arguments   string    `json:"arguments,omitempty"`
	Output      string    `json:"output,omitempty"`
	Status      string    `json:"status,omitempty"`
	RespondedTo bool      `json:"responded_to"`
	Seq         int64     `json:"seq"`
	CreatedAt   time.Time `json:"created_at"`
}

// ToMessage projects a stored record back into model-input shape. Roles
// outside {user, assistant} are coerced to assistant; tool records pass
// through structurally.
func (r MessageRecord) ToMessage() Message {
	switch r.Type {
	case TypeFunctionCall:
		return Message{
			Type:      TypeFunctionCall,
			ItemID:    r.ID,
			CallID:    r.CallID,
			Name:      r.CallName,
			Arguments: r.Arguments,
			Status:    r.Status,
		}
	case TypeFunctionCallOutput:
		return Message{
			Type:   TypeFunctionCallOutput,
			CallID: r.CallID,
			Output: r.Output,
		}
	}
	role := r.Role
	if role != RoleUser && role != RoleAssistant {
		role = RoleAssistant
	}
	return Message{Role: role, Content: r.Content}
}

// Reply types the interpreter recognizes in structured model output.
const (
	ReplyQuestion = "question"
	ReplyRequest  = "request"
	ReplyAnswer   = "answer"
)

// RequestDescriptor is the tool invocation a "request" reply carries.
type RequestDescriptor struct {
	Method    string         `json:"method"`
	URL       string         `json:"url"`
	AuthType  string         `json:"auth_type,omitempty"`
	AuthToken string         `json:"auth_token,omitempty"`
	Body      map[string]any `json:"body,omitempty"`
}

// TurnResult is the orchestrator's working structure for one interpreted
// reply. It is transient and never persisted directly.
type TurnResult struct {
	Type        string             `json:"type"`
	Response    string             `json:"response"`
	Request     *RequestDescriptor `json:"request,omitempty"`
	JSONBody    map[string]any     `json:"json_body,omitempty"`
	MessageType string             `json:"message_type,omitempty"` // text | image | document
	FileLink    string             `json:"file_link,omitempty"`
	Caption     string             `json:"caption,omitempty"`
}
