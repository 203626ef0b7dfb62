package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// BackendKind selects which model backend an agent talks to.
type BackendKind string

const (
	// BackendLocal is a self-hosted inference server (no tool calling).
	BackendLocal BackendKind = "local"
	// BackendTunnel is the hosted default provider reached through an
	// authenticated tunnel (OpenAI-compatible chat completions).
	BackendTunnel BackendKind = "tunnel"
	// BackendResponses is the hosted override provider with native
	// function calling.
	BackendResponses BackendKind = "responses"
)

// ContextKind selects where an agent's static context text comes from.
type ContextKind string

const (
	ContextNone ContextKind = ""
	ContextLink ContextKind = "link"
	ContextFile ContextKind = "file"
	ContextText ContextKind = "text"
)

// ContextSource describes the optional external context injected into the
// system prompt. It is fetched once per turn, never cached across turns.
type ContextSource struct {
	Kind ContextKind `yaml:"kind"`
	Link string      `yaml:"link,omitempty"`
	File string      `yaml:"file,omitempty"`
	Text string      `yaml:"text,omitempty"`
}

// Agent is an operator-authored configuration bundle: prompt template pieces,
// backend selection, optional tool integration and outbound webhook. It is
// read-only during a turn.
type Agent struct {
	Name          string        `yaml:"name"`
	Instructions  string        `yaml:"instructions"`
	OnCompletion  string        `yaml:"onCompletion,omitempty"`
	OnError       string        `yaml:"onError,omitempty"`
	Backend       BackendKind   `yaml:"backend"`
	Model         string        `yaml:"model,omitempty"`
	CredentialRef string        `yaml:"credentialRef,omitempty"`
	Integration   bool          `yaml:"integration"`
	Context       ContextSource `yaml:"context,omitempty"`
	SourceNames   []string      `yaml:"sources,omitempty"` // data sources, declaration order
	WebhookURI    string        `yaml:"webhookUri,omitempty"`
	WebhookToken  string        `yaml:"webhookToken,omitempty"`
	ToolRounds    int           `yaml:"toolRounds,omitempty"` // re-invocation rounds, default 1
}

// Validate checks the agent definition at load time so misconfiguration is a
// ConfigError before the first turn, not a surprise during one.
func (a *Agent) Validate() error {
	if a.Name == "" {
		return NewConfigError("agent name is required")
	}
	switch a.Backend {
	case BackendLocal, BackendTunnel, BackendResponses:
	default:
		return NewConfigError(fmt.Sprintf("agent %s: unknown backend %q", a.Name, a.Backend))
	}
	if a.Integration && len(a.SourceNames) == 0 {
		return NewConfigError(fmt.Sprintf("agent %s: integration enabled without data sources", a.Name))
	}
	switch a.Context.Kind {
	case ContextNone, ContextLink, ContextFile, ContextText:
	default:
		return NewConfigError(fmt.Sprintf("agent %s: unknown context kind %q", a.Name, a.Context.Kind))
	}
	if a.Context.Kind == ContextLink && a.Context.Link == "" {
		return NewConfigError(fmt.Sprintf("agent %s: link context without a link", a.Name))
	}
	return nil
}

// Rounds returns the bounded number of tool re-invocation rounds.
func (a *Agent) Rounds() int {
	if a.ToolRounds <= 0 {
		return 1
	}
	return a.ToolRounds
}

// FilterDef declares a single query/body field of a data source. Every
// declared field becomes a required string property in the tool schema.
type FilterDef struct {
	FieldName   string `yaml:"fieldName"`
	Example     string `yaml:"example,omitempty"`
	Description string `yaml:"description,omitempty"`
	Format      string `yaml:"format,omitempty"`
	Required    bool   `yaml:"required,omitempty"`
}

// DataSource is a configured external HTTP endpoint exposed to the model as a
// callable tool.
type DataSource struct {
	Name         string            `yaml:"name"`
	When         string            `yaml:"when,omitempty"` // natural-language "when to use"
	Method       string            `yaml:"method"`
	URL          string            `yaml:"url"`
	Filters      []FilterDef       `yaml:"filters,omitempty"`
	Headers      map[string]string `yaml:"headers,omitempty"`
	AuthType     string            `yaml:"authType,omitempty"`
	AuthToken    string            `yaml:"authToken,omitempty"`
	ErrorMessage string            `yaml:"errorMessage,omitempty"`
	EntryType    string            `yaml:"entryType,omitempty"` // Table | JSON
	Instructions string            `yaml:"instructions,omitempty"`
}

// Validate checks the source definition at load time.
func (d *DataSource) Validate() error {
	if d.Name == "" {
		return NewConfigError("data source name is required")
	}
	if d.URL == "" {
		return NewConfigError(fmt.Sprintf("data source %s: url is required", d.Name))
	}
	switch strings.ToUpper(d.Method) {
	case "", "GET", "POST":
	default:
		return NewConfigError(fmt.Sprintf("data source %s: unsupported method %q", d.Name, d.Method))
	}
	return nil
}

// HTTPMethod returns the normalized method, defaulting to GET.
func (d *DataSource) HTTPMethod() string {
	if d.Method == "" {
		return "GET"
	}
	return strings.ToUpper(d.Method)
}

// FullURL renders the example URL shown to the model in the request-type
// catalog: url?field={example}&... in filter declaration order.
func (d *DataSource) FullURL() string {
	if len(d.Filters) == 0 {
		return d.URL
	}
	pairs := make([]string, 0, len(d.Filters))
	for _, f := range d.Filters {
		example := f.Example
		if example == "" {
			example = f.FieldName
		}
		pairs = append(pairs, fmt.Sprintf("%s={%s}", f.FieldName, example))
	}
	return d.URL + "?" + strings.Join(pairs, "&")
}

// ExampleBody renders the example JSON body for POST sources.
func (d *DataSource) ExampleBody() string {
	body := make(map[string]string, len(d.Filters))
	for _, f := range d.Filters {
		example := f.Example
		if example == "" {
			example = f.FieldName
		}
		body[f.FieldName] = example
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "{}"
	}
	return string(raw)
}
