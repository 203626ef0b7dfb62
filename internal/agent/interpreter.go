package agent

import (
	"encoding/json"
	"strings"

	"agentgate/internal/domain"
)

// Interpret parses the model's textual reply into a structured result. Code
// fences around the JSON body are stripped first; anything that still fails
// to parse, or parses without the fields its type requires, is a ParseError.
func Interpret(raw string) (*domain.TurnResult, error) {
	text := stripFences(raw)
	if text == "" {
		return nil, &domain.ParseError{Reason: "empty reply", Raw: raw}
	}

	var result domain.TurnResult
	if err := json.Unmarshal([]byte(text), &result); err != nil {
		return nil, &domain.ParseError{Reason: "invalid JSON: " + err.Error(), Raw: raw}
	}

	switch result.Type {
	case domain.ReplyQuestion, domain.ReplyAnswer:
		if result.Type == domain.ReplyAnswer && len(result.JSONBody) == 0 {
			return nil, &domain.ParseError{Reason: "answer reply without json_body", Raw: raw}
		}
	case domain.ReplyRequest:
		if result.Request == nil || result.Request.URL == "" {
			return nil, &domain.ParseError{Reason: "request reply without request descriptor", Raw: raw}
		}
		if result.Request.Method == "" {
			result.Request.Method = "GET"
		}
	default:
		reason := "unknown reply type " + result.Type
		if result.Type == "" {
			reason = "reply without a type field"
		}
		return nil, &domain.ParseError{Reason: reason, Raw: raw}
	}

	if result.Response == "" {
		return nil, &domain.ParseError{Reason: result.Type + " reply without response", Raw: raw}
	}
	if result.MessageType == "" {
		result.MessageType = "text"
	}

	return &result, nil
}

// stripFences removes a surrounding markdown code fence, with or without a
// language tag, and any prose before the first brace when the model prefixes
// the JSON with commentary.
func stripFences(raw string) string {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		return strings.TrimSpace(text)
	}
	if start := strings.Index(text, "{"); start > 0 {
		if end := strings.LastIndex(text, "}"); end > start {
			return text[start : end+1]
		}
	}
	return text
}
