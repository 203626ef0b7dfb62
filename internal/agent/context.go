package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"agentgate/internal/domain"
	"agentgate/internal/tool"
)

const (
	contextFetchTimeout = 30 * time.Second
	contextFetchTries   = 3
)

// systemPromptTemplate is the fixed frame every agent's system message is
// rendered from. Placeholder substitution is pure string replacement; absent
// values become empty strings, never unresolved markers.
const systemPromptTemplate = `Today's Date: {DATE}
--------------
Main Mission:
--------------
You are an AI agent that receives messages from users across external
messaging channels. You reply with structured JSON and can answer with
'text', 'image', or 'document' content using the resources you have.

--------------
Context:
--------------
{CONTEXT}
--------------
Request Types:
--------------
{REQUEST_TYPES}
--------------
Instructions:
--------------
{INSTRUCTIONS}
--------------
Completion:
--------------
{COMPLETION}
--------------

Above, the Completion did not satisfy the constraints given in the Instructions.
Error:
--------------
{ERROR}
--------------

Please try again. Please only respond with an answer that satisfies the constraints laid out in the Instructions:
`

// ContextExtractor turns a file reference into context text. Document and
// spreadsheet parsing lives outside this module; the assembler only consumes
// the extracted text.
type ContextExtractor interface {
	Extract(ctx context.Context, fileRef string) (string, error)
}

// Assembler builds the system prompt and full message list for a turn.
type Assembler struct {
	catalog   *tool.Catalog
	extractor ContextExtractor
	client    *http.Client
	logger    *slog.Logger
	now       func() time.Time
}

func NewAssembler(catalog *tool.Catalog, extractor ContextExtractor, logger *slog.Logger) *Assembler {
	return &Assembler{
		catalog:   catalog,
		extractor: extractor,
		client:    &http.Client{Timeout: contextFetchTimeout},
		logger:    logger,
		now:       time.Now,
	}
}

// BuildMessages renders the system message and, when includeHistory is set,
// appends the prior conversation's non-system messages in original order.
// Tool records pass through in provider-native shape.
func (a *Assembler) BuildMessages(ctx context.Context, agent *domain.Agent, history []domain.MessageRecord, includeHistory bool) ([]domain.Message, error) {
	system, err := a.buildSystemMessage(ctx, agent)
	if err != nil {
		return nil, err
	}

	messages := []domain.Message{{Role: domain.RoleSystem, Content: system}}

	if includeHistory {
		for _, rec := range history {
			if rec.Role == domain.RoleSystem {
				continue
			}
			messages = append(messages, rec.ToMessage())
		}
	}

	return messages, nil
}

func (a *Assembler) buildSystemMessage(ctx context.Context, agent *domain.Agent) (string, error) {
	remoteContext, err := a.fetchContext(ctx, agent)
	if err != nil {
		return "", err
	}

	requestTypes := ""
	if agent.Integration {
		requestTypes, err = a.catalog.RequestTypes(agent)
		if err != nil {
			return "", err
		}
	}

	content := systemPromptTemplate
	content = strings.ReplaceAll(content, "{DATE}", a.now().Format("2006-01-02"))
	content = strings.ReplaceAll(content, "{CONTEXT}", remoteContext)
	content = strings.ReplaceAll(content, "{REQUEST_TYPES}", requestTypes)
	content = strings.ReplaceAll(content, "{INSTRUCTIONS}", agent.Instructions)
	content = strings.ReplaceAll(content, "{COMPLETION}", agent.OnCompletion)
	content = strings.ReplaceAll(content, "{ERROR}", agent.OnError)
	return content, nil
}

// fetchContext resolves the agent's context source. Link contexts are fetched
// fresh every turn, never cached across turns.
func (a *Assembler) fetchContext(ctx context.Context, agent *domain.Agent) (string, error) {
	switch agent.Context.Kind {
	case domain.ContextNone:
		return "", nil
	case domain.ContextText:
		return agent.Context.Text, nil
	case domain.ContextLink:
		return a.fetchLink(ctx, agent.Context.Link)
	case domain.ContextFile:
		if a.extractor == nil {
			return "", domain.NewConfigError(fmt.Sprintf("agent %s: file context configured without an extractor", agent.Name))
		}
		text, err := a.extractor.Extract(ctx, agent.Context.File)
		if err != nil {
			return "", &domain.TransportError{Op: "extract context file", Err: err}
		}
		return text, nil
	default:
		return "", nil
	}
}

func (a *Assembler) fetchLink(ctx context.Context, link string) (string, error) {
	var lastErr error
	for try := 0; try < contextFetchTries; try++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
		if err != nil {
			return "", fmt.Errorf("new request: %w", err)
		}
		resp, err := a.client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode == http.StatusOK {
			return string(body), nil
		}
		lastErr = fmt.Errorf("context link returned %d", resp.StatusCode)
	}
	// A dead context link degrades the prompt, it does not abort the turn.
	// The placeholder is substituted with an empty string instead.
	a.logger.Warn("context fetch failed, proceeding without context", "link", link, "err", lastErr)
	return "", nil
}
