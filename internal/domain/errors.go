package domain

import "fmt"

// The failure taxonomy shared across the pipeline. Each type wraps an
// optional cause so callers can branch with errors.As while logs keep the
// full chain.

// ConfigError is a missing credential, template, or definition. Not
// recoverable within a turn.
type ConfigError struct {
	Reason string
}

func NewConfigError(reason string) *ConfigError { return &ConfigError{Reason: reason} }

func (e *ConfigError) Error() string { return "config error: " + e.Reason }

// TransportError is a network or timeout failure talking to a model backend,
// data source, context link, or webhook.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return fmt.Sprintf("transport error: %s: %v", e.Op, e.Err) }
func (e *TransportError) Unwrap() error { return e.Err }

// BackendError is a non-2xx or provider-reported error from a model backend.
type BackendError struct {
	Backend string
	Status  int
	Body    string
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend error: %s returned %d: %s", e.Backend, e.Status, e.Body)
}

// ParseError is a malformed structured reply: invalid JSON or a missing
// required field for the declared type.
type ParseError struct {
	Reason string
	Raw    string
}

func (e *ParseError) Error() string { return "parse error: " + e.Reason }

// ToolExecutionError is a failed tool call. Recoverable: the orchestrator
// surfaces it to the model as an error payload instead of aborting the turn.
type ToolExecutionError struct {
	Source string
	Err    error
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("tool execution error: %s: %v", e.Source, e.Err)
}
func (e *ToolExecutionError) Unwrap() error { return e.Err }
