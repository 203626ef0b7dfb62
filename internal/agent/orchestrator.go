package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"agentgate/internal/config"
	"agentgate/internal/domain"
	"agentgate/internal/metrics"
	"agentgate/internal/tool"
)

// ProviderSource resolves the model backend an agent is configured for.
// Satisfied by provider.Factory.
type ProviderSource interface {
	ForAgent(agent *domain.Agent) (domain.Provider, error)
}

const historyWindow = 40

// TurnInput is one inbound channel message.
type TurnInput struct {
	ChatID          string `json:"chat_id"`
	Agent           string `json:"agent,omitempty"`
	Channel         string `json:"channel,omitempty"`
	ChannelInstance string `json:"channel_instance,omitempty"`
	Text            string `json:"text"`
	MediaRef        string `json:"media_ref,omitempty"`
}

// TurnOutcome is what the caller gets back after a turn completes.
type TurnOutcome struct {
	Response    string         `json:"response,omitempty"`
	MessageType string         `json:"message_type,omitempty"`
	FileLink    string         `json:"file_link,omitempty"`
	Caption     string         `json:"caption,omitempty"`
	JSONBody    map[string]any `json:"json_body,omitempty"`
	Echoed      bool           `json:"echoed,omitempty"`
	Committed   bool           `json:"committed"`
}

// Orchestrator drives one inbound message through prompt assembly, model
// invocation, the bounded tool loop, webhook dispatch, and transcript commit.
type Orchestrator struct {
	registry     *config.Registry
	providers    ProviderSource
	assembler    *Assembler
	executor     *tool.Executor
	store        domain.TranscriptStore
	dispatcher   *Dispatcher
	logger       *slog.Logger
	defaultAgent string
}

func NewOrchestrator(registry *config.Registry, providers ProviderSource, assembler *Assembler, executor *tool.Executor, store domain.TranscriptStore, dispatcher *Dispatcher, defaultAgent string, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		registry:     registry,
		providers:    providers,
		assembler:    assembler,
		executor:     executor,
		store:        store,
		dispatcher:   dispatcher,
		logger:       logger,
		defaultAgent: defaultAgent,
	}
}

func (o *Orchestrator) resolveAgent(name string) (*domain.Agent, error) {
	if name == "" {
		name = o.defaultAgent
	}
	return o.registry.Agent(name)
}

// RunTurn processes one inbound message end to end. The inbound message is
// persisted before anything can fail so live-handoff and audit both see it;
// everything the turn produced after that commits in one batch, or the turn
// is reported failed and nothing beyond the inbound message lands.
func (o *Orchestrator) RunTurn(ctx context.Context, input TurnInput) (*TurnOutcome, error) {
	metrics.ActiveTurns.Inc()
	defer metrics.ActiveTurns.Dec()

	agent, err := o.resolveAgent(input.Agent)
	if err != nil {
		metrics.TurnsFailed.Inc()
		return nil, err
	}

	chat, err := o.ensureChat(ctx, input, agent)
	if err != nil {
		metrics.TurnsFailed.Inc()
		return nil, err
	}

	userRec, err := o.store.CreateMessage(ctx, chat.ID, domain.MessageRecord{
		Role:     domain.RoleUser,
		Content:  input.Text,
		MediaRef: input.MediaRef,
	})
	if err != nil {
		metrics.TurnsFailed.Inc()
		return nil, err
	}

	// A live chat belongs to a human operator. Record the message and echo
	// it back, never auto-respond.
	if chat.IsLive {
		if err := o.store.MarkResponded(ctx, userRec.ID); err != nil {
			metrics.TurnsFailed.Inc()
			return nil, err
		}
		metrics.TurnsEchoed.Inc()
		return &TurnOutcome{Response: input.Text, Echoed: true}, nil
	}

	outcome, err := o.respond(ctx, agent, chat, userRec)
	if err != nil {
		turnID := uuid.NewString()
		o.logger.Error("turn failed", "turn_id", turnID, "chat_id", chat.ID, "agent", agent.Name, "err", err)
		metrics.TurnsFailed.Inc()
		return nil, fmt.Errorf("turn %s: %w", turnID, err)
	}

	metrics.TurnsCommitted.Inc()
	return outcome, nil
}

func (o *Orchestrator) ensureChat(ctx context.Context, input TurnInput, agent *domain.Agent) (*domain.Chat, error) {
	chat, err := o.store.GetChat(ctx, input.ChatID)
	if err != nil {
		return nil, err
	}
	if chat != nil {
		return chat, nil
	}
	chat = &domain.Chat{
		ID:              input.ChatID,
		Agent:           agent.Name,
		Channel:         input.Channel,
		ChannelInstance: input.ChannelInstance,
	}
	if err := o.store.CreateChat(ctx, *chat); err != nil {
		return nil, err
	}
	return chat, nil
}

// respond runs assembly, the model loop, and the commit. The inbound record
// is already durable when this is called.
func (o *Orchestrator) respond(ctx context.Context, agent *domain.Agent, chat *domain.Chat, userRec *domain.MessageRecord) (*TurnOutcome, error) {
	prov, err := o.providers.ForAgent(agent)
	if err != nil {
		return nil, err
	}

	history, err := o.store.ListMessages(ctx, chat.ID, historyWindow)
	if err != nil {
		return nil, err
	}

	messages, err := o.assembler.BuildMessages(ctx, agent, history, true)
	if err != nil {
		return nil, err
	}

	var tools []domain.ToolDefinition
	if prov.SupportsToolCalling() {
		tools, err = o.assembler.catalog.BuildTools(agent)
		if err != nil {
			return nil, err
		}
	}

	var pending []domain.MessageRecord
	rounds := 0
	budget := agent.Rounds()

	for {
		resp, err := o.invoke(ctx, prov, agent, messages, tools)
		if err != nil {
			return nil, err
		}

		if resp.HasToolCalls() {
			if rounds >= budget {
				return nil, &domain.ToolExecutionError{Source: "loop", Err: fmt.Errorf("tool round budget of %d exhausted", budget)}
			}
			rounds++
			messages, pending = o.runToolCalls(ctx, resp.ToolCalls, messages, pending)
			continue
		}

		result, err := Interpret(resp.Content)
		if err != nil {
			metrics.ParseFailures.Inc()
			o.auditFailedOutput(ctx, chat.ID, resp.Content)
			return nil, err
		}

		// Request replies only earn a tool round when the agent has tool
		// integration enabled; otherwise the reply commits as-is and no
		// model-chosen URL is ever fetched.
		if result.Type == domain.ReplyRequest && agent.Integration {
			if rounds >= budget {
				return nil, &domain.ToolExecutionError{Source: result.Request.URL, Err: fmt.Errorf("tool round budget of %d exhausted", budget)}
			}
			rounds++
			messages, pending = o.runRequest(ctx, result.Request, resp.Content, messages, pending)
			continue
		}

		return o.commit(ctx, agent, chat, userRec, resp.Content, result, pending)
	}
}

func (o *Orchestrator) invoke(ctx context.Context, prov domain.Provider, agent *domain.Agent, messages []domain.Message, tools []domain.ToolDefinition) (*domain.ChatResponse, error) {
	start := time.Now()
	resp, err := prov.Chat(ctx, domain.ChatRequest{
		Model:    agent.Model,
		Messages: messages,
		Tools:    tools,
	})
	metrics.ModelLatency.Observe(time.Since(start).Seconds())
	metrics.ModelCallsTotal.Inc()
	metrics.ModelCalls(prov.Name()).Inc()
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// runToolCalls executes every call of a native function-calling round. A
// failed execution still produces an output item so the model can recover;
// the error payload is what the data source layer reports.
func (o *Orchestrator) runToolCalls(ctx context.Context, calls []domain.ToolCall, messages []domain.Message, pending []domain.MessageRecord) ([]domain.Message, []domain.MessageRecord) {
	for _, call := range calls {
		var args map[string]any
		if call.Arguments != "" {
			if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
				o.logger.Warn("tool call arguments not parseable", "name", call.Name, "err", err)
			}
		}

		var output json.RawMessage
		src, err := o.registry.Source(call.Name)
		if err != nil {
			output = json.RawMessage(`{"error":"unknown data source ` + call.Name + `"}`)
			o.logger.Warn("model called unknown data source", "name", call.Name)
		} else {
			start := time.Now()
			output, err = o.executor.Execute(ctx, src, args)
			metrics.ToolLatency.Observe(time.Since(start).Seconds())
			metrics.ToolExecutions.Inc()
			if err != nil {
				o.logger.Warn("data source execution failed", "name", call.Name, "err", err)
			}
		}

		callMsg := domain.Message{
			Type:      domain.TypeFunctionCall,
			ItemID:    call.ItemID,
			CallID:    call.CallID,
			Name:      call.Name,
			Arguments: call.Arguments,
			Status:    call.Status,
		}
		outMsg := domain.Message{
			Type:   domain.TypeFunctionCallOutput,
			CallID: call.CallID,
			Output: string(output),
		}
		messages = append(messages, callMsg, outMsg)

		pending = append(pending,
			domain.MessageRecord{
				Type:      domain.TypeFunctionCall,
				CallID:    call.CallID,
				CallName:  call.Name,
				Arguments: call.Arguments,
				Status:    call.Status,
			},
			domain.MessageRecord{
				Type:   domain.TypeFunctionCallOutput,
				CallID: call.CallID,
				Output: string(output),
			},
		)
	}
	return messages, pending
}

// runRequest executes one interpreted "request" reply for backends without
// native tool calling. The raw reply and the API result both join the
// conversation so the next invocation sees the full exchange.
func (o *Orchestrator) runRequest(ctx context.Context, desc *domain.RequestDescriptor, rawReply string, messages []domain.Message, pending []domain.MessageRecord) ([]domain.Message, []domain.MessageRecord) {
	start := time.Now()
	output, err := o.executor.ExecuteRequest(ctx, desc)
	metrics.ToolLatency.Observe(time.Since(start).Seconds())
	metrics.ToolExecutions.Inc()
	if err != nil {
		o.logger.Warn("requested API call failed", "url", desc.URL, "err", err)
		if len(output) == 0 {
			output = json.RawMessage(`{"error":"the requested API could not be reached"}`)
		}
	}

	resultText := "API response: " + string(output)
	messages = append(messages,
		domain.Message{Role: domain.RoleAssistant, Content: rawReply},
		domain.Message{Role: domain.RoleUser, Content: resultText},
	)
	pending = append(pending,
		domain.MessageRecord{Role: domain.RoleAssistant, Content: rawReply},
		domain.MessageRecord{Role: domain.RoleUser, Content: resultText},
	)
	return messages, pending
}

// commit dispatches confirmed answers to the agent's webhook, marks the
// inbound message answered, and lands the turn's records in one batch. Only
// answer replies carry a dispatchable payload; questions stay between the
// model and the user.
func (o *Orchestrator) commit(ctx context.Context, agent *domain.Agent, chat *domain.Chat, userRec *domain.MessageRecord, rawReply string, result *domain.TurnResult, pending []domain.MessageRecord) (*TurnOutcome, error) {
	if result.Type == domain.ReplyAnswer && agent.WebhookURI != "" {
		o.dispatcher.Dispatch(ctx, agent.WebhookURI, agent.WebhookToken, result.JSONBody)
	}

	if err := o.store.MarkResponded(ctx, userRec.ID); err != nil {
		return nil, err
	}

	pending = append(pending, domain.MessageRecord{
		Role:      domain.RoleAssistant,
		Content:   rawReply,
		PlainText: result.Response,
	})
	if err := o.store.AppendBatch(ctx, chat.ID, pending); err != nil {
		return nil, err
	}

	return &TurnOutcome{
		Response:    result.Response,
		MessageType: result.MessageType,
		FileLink:    result.FileLink,
		Caption:     result.Caption,
		JSONBody:    result.JSONBody,
		Committed:   true,
	}, nil
}

// auditFailedOutput records raw model output that failed interpretation so
// the transcript shows what the model actually said. Best effort.
func (o *Orchestrator) auditFailedOutput(ctx context.Context, chatID, raw string) {
	_, err := o.store.CreateMessage(ctx, chatID, domain.MessageRecord{
		Role:    domain.RoleAssistant,
		Content: raw,
		Status:  "failed",
	})
	if err != nil {
		o.logger.Warn("failed-output audit record not persisted", "chat_id", chatID, "err", err)
	}
}

// Comment answers a single prompt with no history, no tools, and no
// persistence. Used for one-shot drafting outside any conversation.
func (o *Orchestrator) Comment(ctx context.Context, agentName, text string) (string, error) {
	agent, err := o.resolveAgent(agentName)
	if err != nil {
		return "", err
	}
	prov, err := o.providers.ForAgent(agent)
	if err != nil {
		return "", err
	}

	messages, err := o.assembler.BuildMessages(ctx, agent, nil, false)
	if err != nil {
		return "", err
	}
	messages = append(messages, domain.Message{Role: domain.RoleUser, Content: text})

	resp, err := o.invoke(ctx, prov, agent, messages, nil)
	if err != nil {
		return "", err
	}
	result, err := Interpret(resp.Content)
	if err != nil {
		// One-shot callers want text even when the reply is not structured.
		return resp.Content, nil
	}
	return result.Response, nil
}

// Models lists the model identifiers the agent's backend advertises.
func (o *Orchestrator) Models(ctx context.Context, agentName string) ([]string, error) {
	agent, err := o.resolveAgent(agentName)
	if err != nil {
		return nil, err
	}
	prov, err := o.providers.ForAgent(agent)
	if err != nil {
		return nil, err
	}
	return prov.Models(ctx)
}

// VerifyDataSource probes a configured data source and reports reachability.
func (o *Orchestrator) VerifyDataSource(ctx context.Context, name string) (bool, error) {
	src, err := o.registry.Source(name)
	if err != nil {
		return false, err
	}
	return o.executor.Verify(ctx, src), nil
}

// ClearChat removes every message of a chat and returns how many were erased.
func (o *Orchestrator) ClearChat(ctx context.Context, chatID string) (int, error) {
	return o.store.ClearChat(ctx, chatID)
}

// SetLive hands a chat to or back from a human operator.
func (o *Orchestrator) SetLive(ctx context.Context, chatID string, live bool) error {
	return o.store.SetLive(ctx, chatID, live)
}
