package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"agentgate/internal/config"
	"agentgate/internal/domain"
	"agentgate/internal/tool"
	"agentgate/internal/transcript"
)

// scriptedProvider returns canned responses in order and records requests.
type scriptedProvider struct {
	toolCalling bool
	responses   []*domain.ChatResponse
	calls       int
	lastReq     domain.ChatRequest
}

func (p *scriptedProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	p.lastReq = req
	if p.calls >= len(p.responses) {
		return nil, fmt.Errorf("no scripted response for call %d", p.calls+1)
	}
	resp := p.responses[p.calls]
	p.calls++
	return resp, nil
}

func (p *scriptedProvider) Name() string                                 { return "scripted" }
func (p *scriptedProvider) SupportsToolCalling() bool                    { return p.toolCalling }
func (p *scriptedProvider) Models(ctx context.Context) ([]string, error) { return []string{"m"}, nil }
func (p *scriptedProvider) Healthy(ctx context.Context) error            { return nil }

type fixedProviders struct{ p domain.Provider }

func (f fixedProviders) ForAgent(agent *domain.Agent) (domain.Provider, error) { return f.p, nil }

func newTestOrchestrator(t *testing.T, reg *config.Registry, prov domain.Provider) (*Orchestrator, domain.TranscriptStore) {
	t.Helper()
	store, err := transcript.NewSQLiteStore(filepath.Join(t.TempDir(), "transcripts.db"), testLogger())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	catalog := tool.NewCatalog(reg)
	assembler := NewAssembler(catalog, nil, testLogger())
	executor := tool.NewExecutor(testLogger())
	dispatcher := NewDispatcher(3, time.Second, testLogger())

	return NewOrchestrator(reg, fixedProviders{prov}, assembler, executor, store, dispatcher, "", testLogger()), store
}

func TestOrchestrator_QuestionTurn(t *testing.T) {
	var webhookHits int32
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&webhookHits, 1)
	}))
	defer hook.Close()

	reg := testRegistry(t, `
agent:
  name: support
  backend: local
  instructions: Help.
  webhookUri: `+hook.URL+`
`)
	prov := &scriptedProvider{responses: []*domain.ChatResponse{
		{Role: domain.RoleAssistant, Content: `{"type":"question","response":"Which month do you mean?"}`},
	}}
	orch, store := newTestOrchestrator(t, reg, prov)

	outcome, err := orch.RunTurn(context.Background(), TurnInput{
		ChatID: "chat-1", Agent: "support", Text: "leave report please",
	})
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if !outcome.Committed || outcome.Response != "Which month do you mean?" {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}

	msgs, err := store.ListMessages(context.Background(), "chat-1", 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected [user, assistant] transcript, got %d records", len(msgs))
	}
	if msgs[0].Role != domain.RoleUser || !msgs[0].RespondedTo {
		t.Errorf("inbound record not marked responded: %+v", msgs[0])
	}
	if msgs[1].Role != domain.RoleAssistant || msgs[1].PlainText != "Which month do you mean?" {
		t.Errorf("assistant record wrong: %+v", msgs[1])
	}
	if msgs[0].Seq >= msgs[1].Seq {
		t.Errorf("seq not in causal order: %d then %d", msgs[0].Seq, msgs[1].Seq)
	}
	if atomic.LoadInt32(&webhookHits) != 0 {
		t.Errorf("question turns must not dispatch the webhook, got %d deliveries", webhookHits)
	}
}

func TestOrchestrator_NativeToolTurn(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"remaining_days": 7}`))
	}))
	defer api.Close()

	var webhookHits int32
	var webhookBody []byte
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&webhookHits, 1)
		webhookBody, _ = io.ReadAll(r.Body)
	}))
	defer hook.Close()

	reg := testRegistry(t, `
agent:
  name: hr
  backend: responses
  integration: true
  instructions: Help with HR.
  sources: [leave_report]
  webhookUri: `+hook.URL+`
dataSources:
  - name: leave_report
    when: When asked about leave balance.
    method: GET
    url: `+api.URL+`
    filters:
      - fieldName: month
        example: June
`)
	prov := &scriptedProvider{toolCalling: true, responses: []*domain.ChatResponse{
		{
			Role: domain.RoleAssistant,
			ToolCalls: []domain.ToolCall{
				{ItemID: "fc_1", CallID: "call_1", Name: "leave_report", Arguments: `{"month":"June"}`, Status: "completed"},
			},
			FinishReason: "tool_calls",
		},
		{Role: domain.RoleAssistant, Content: `{"type":"answer","response":"You have 7 days left.","json_body":{"remaining_days":7}}`},
	}}
	orch, store := newTestOrchestrator(t, reg, prov)

	outcome, err := orch.RunTurn(context.Background(), TurnInput{ChatID: "c", Agent: "hr", Text: "leave?"})
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if outcome.Response != "You have 7 days left." {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if prov.calls != 2 {
		t.Fatalf("expected 2 model invocations, got %d", prov.calls)
	}
	if len(prov.lastReq.Messages) < 4 {
		t.Fatalf("second invocation missing tool exchange, got %d messages", len(prov.lastReq.Messages))
	}

	msgs, err := store.ListMessages(context.Background(), "c", 0)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	// user, function_call, function_call_output, assistant
	if len(msgs) != 4 {
		t.Fatalf("expected 4 transcript records, got %d", len(msgs))
	}
	if msgs[1].Type != domain.TypeFunctionCall || msgs[2].Type != domain.TypeFunctionCallOutput {
		t.Errorf("tool exchange not persisted adjacently: %+v %+v", msgs[1], msgs[2])
	}
	if msgs[1].CallID != msgs[2].CallID {
		t.Errorf("call_id not shared between call and output")
	}
	if atomic.LoadInt32(&webhookHits) != 1 {
		t.Errorf("expected exactly one webhook delivery, got %d", webhookHits)
	}
	var delivered map[string]any
	if err := json.Unmarshal(webhookBody, &delivered); err != nil {
		t.Fatalf("webhook body not JSON: %v", err)
	}
	if delivered["remaining_days"] != float64(7) {
		t.Errorf("webhook must receive the answer's json_body, got %s", webhookBody)
	}
}

func TestOrchestrator_InterpretedRequestTurn(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"approved": true}`))
	}))
	defer api.Close()

	reg := testRegistry(t, `
agent:
  name: hr
  backend: local
  integration: true
  instructions: Help with HR.
  sources: [apply_leave]
dataSources:
  - name: apply_leave
    method: POST
    url: `+api.URL+`
`)
	prov := &scriptedProvider{responses: []*domain.ChatResponse{
		{Role: domain.RoleAssistant, Content: `{"type":"request","response":"Applying now.","request":{"method":"GET","url":"` + api.URL + `"}}`},
		{Role: domain.RoleAssistant, Content: `{"type":"answer","response":"Your request was approved.","json_body":{"approved":true}}`},
	}}
	orch, store := newTestOrchestrator(t, reg, prov)

	outcome, err := orch.RunTurn(context.Background(), TurnInput{ChatID: "c", Agent: "hr", Text: "apply leave"})
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if outcome.Response != "Your request was approved." {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if prov.calls != 2 {
		t.Fatalf("expected re-invocation after the request round, got %d calls", prov.calls)
	}

	msgs, _ := store.ListMessages(context.Background(), "c", 0)
	// user, request reply, api result, final assistant
	if len(msgs) != 4 {
		t.Fatalf("expected 4 records, got %d", len(msgs))
	}
}

func TestOrchestrator_RequestWithoutIntegrationCommits(t *testing.T) {
	var fetches int32
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fetches, 1)
		w.Write([]byte(`{}`))
	}))
	defer api.Close()

	reg := testRegistry(t, plainAgentYAML)
	prov := &scriptedProvider{responses: []*domain.ChatResponse{
		{Role: domain.RoleAssistant, Content: `{"type":"request","response":"Let me check.","request":{"method":"GET","url":"` + api.URL + `"}}`},
	}}
	orch, store := newTestOrchestrator(t, reg, prov)

	outcome, err := orch.RunTurn(context.Background(), TurnInput{ChatID: "c", Agent: "support", Text: "check it"})
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if !outcome.Committed || outcome.Response != "Let me check." {
		t.Fatalf("unexpected outcome: %+v", outcome)
	}
	if prov.calls != 1 {
		t.Errorf("non-integrated agent must not re-invoke, got %d calls", prov.calls)
	}
	if atomic.LoadInt32(&fetches) != 0 {
		t.Errorf("non-integrated agent must never fetch a model-chosen URL, got %d fetches", fetches)
	}

	msgs, _ := store.ListMessages(context.Background(), "c", 0)
	if len(msgs) != 2 {
		t.Fatalf("expected [user, assistant] transcript, got %d records", len(msgs))
	}
}

func TestOrchestrator_DeadContextLinkStillCommits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	reg := testRegistry(t, `
agent:
  name: support
  backend: local
  instructions: Help.
  context:
    kind: link
    link: `+srv.URL+`
`)
	prov := &scriptedProvider{responses: []*domain.ChatResponse{
		{Role: domain.RoleAssistant, Content: `{"type":"question","response":"How can I help?"}`},
	}}
	orch, store := newTestOrchestrator(t, reg, prov)

	outcome, err := orch.RunTurn(context.Background(), TurnInput{ChatID: "c", Agent: "support", Text: "hi"})
	if err != nil {
		t.Fatalf("turn with a dead context link must still run: %v", err)
	}
	if !outcome.Committed {
		t.Fatalf("expected a committed turn, got %+v", outcome)
	}

	msgs, _ := store.ListMessages(context.Background(), "c", 0)
	if len(msgs) != 2 {
		t.Fatalf("expected [user, assistant] transcript, got %d records", len(msgs))
	}
}

func TestOrchestrator_ToolBudgetBounds(t *testing.T) {
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer api.Close()

	reg := testRegistry(t, `
agent:
  name: hr
  backend: responses
  integration: true
  instructions: x
  sources: [s]
dataSources:
  - name: s
    method: GET
    url: `+api.URL+`
`)
	// The model keeps asking for tools past the single allowed round.
	loop := &domain.ChatResponse{
		ToolCalls: []domain.ToolCall{{CallID: "c1", Name: "s", Arguments: "{}"}},
	}
	prov := &scriptedProvider{toolCalling: true, responses: []*domain.ChatResponse{loop, loop, loop}}
	orch, _ := newTestOrchestrator(t, reg, prov)

	_, err := orch.RunTurn(context.Background(), TurnInput{ChatID: "c", Agent: "hr", Text: "go"})
	if err == nil {
		t.Fatalf("expected budget exhaustion error")
	}
	if prov.calls != 2 {
		t.Errorf("expected 2 invocations for a 1-round budget, got %d", prov.calls)
	}
}

func TestOrchestrator_MalformedOutputFailsTurn(t *testing.T) {
	var webhookHits int32
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&webhookHits, 1)
	}))
	defer hook.Close()

	reg := testRegistry(t, `
agent:
  name: support
  backend: local
  instructions: Help.
  webhookUri: `+hook.URL+`
`)
	prov := &scriptedProvider{responses: []*domain.ChatResponse{
		{Role: domain.RoleAssistant, Content: `{"type":"answer","resp`},
	}}
	orch, store := newTestOrchestrator(t, reg, prov)

	_, err := orch.RunTurn(context.Background(), TurnInput{ChatID: "c", Agent: "support", Text: "hi"})
	if err == nil {
		t.Fatalf("expected interpretation failure")
	}

	msgs, _ := store.ListMessages(context.Background(), "c", 0)
	// inbound message plus the failed-output audit record
	if len(msgs) != 2 {
		t.Fatalf("expected 2 records, got %d", len(msgs))
	}
	if msgs[0].RespondedTo {
		t.Errorf("failed turn must not mark the inbound message responded")
	}
	if msgs[1].Status != "failed" {
		t.Errorf("raw failed output not audited: %+v", msgs[1])
	}
	if atomic.LoadInt32(&webhookHits) != 0 {
		t.Errorf("failed turn must not dispatch the webhook")
	}
}

func TestOrchestrator_LiveChatEchoes(t *testing.T) {
	reg := testRegistry(t, plainAgentYAML)
	prov := &scriptedProvider{}
	orch, store := newTestOrchestrator(t, reg, prov)

	if _, err := orch.RunTurn(context.Background(), TurnInput{ChatID: "c", Agent: "support", Text: "hello"}); err == nil {
		// first turn has no scripted response; only the chat row matters here
		t.Fatalf("expected scripted provider to run out")
	}
	if err := orch.SetLive(context.Background(), "c", true); err != nil {
		t.Fatalf("set live: %v", err)
	}

	outcome, err := orch.RunTurn(context.Background(), TurnInput{ChatID: "c", Agent: "support", Text: "agent please"})
	if err != nil {
		t.Fatalf("live turn failed: %v", err)
	}
	if !outcome.Echoed || outcome.Committed {
		t.Fatalf("expected echo outcome, got %+v", outcome)
	}
	if outcome.Response != "agent please" {
		t.Errorf("live chat must echo the inbound text, got %q", outcome.Response)
	}

	msgs, _ := store.ListMessages(context.Background(), "c", 0)
	var found bool
	for _, m := range msgs {
		if m.Content == "agent please" {
			found = true
			if !m.RespondedTo {
				t.Errorf("echoed message must be marked responded")
			}
		}
	}
	if !found {
		t.Errorf("live chat message must still be recorded")
	}
}

func TestOrchestrator_Comment(t *testing.T) {
	reg := testRegistry(t, plainAgentYAML)
	prov := &scriptedProvider{responses: []*domain.ChatResponse{
		{Role: domain.RoleAssistant, Content: `{"type":"question","response":"A draft reply."}`},
	}}
	orch, store := newTestOrchestrator(t, reg, prov)

	got, err := orch.Comment(context.Background(), "support", "draft a reply about refunds")
	if err != nil {
		t.Fatalf("comment failed: %v", err)
	}
	if got != "A draft reply." {
		t.Errorf("unexpected comment: %q", got)
	}
	if len(prov.lastReq.Messages) != 2 {
		t.Errorf("one-shot must carry only system and prompt, got %d messages", len(prov.lastReq.Messages))
	}

	msgs, _ := store.ListMessages(context.Background(), "any", 0)
	if len(msgs) != 0 {
		t.Errorf("one-shot must not persist anything")
	}
}

func TestOrchestrator_UnknownAgent(t *testing.T) {
	reg := testRegistry(t, plainAgentYAML)
	orch, _ := newTestOrchestrator(t, reg, &scriptedProvider{})
	if _, err := orch.RunTurn(context.Background(), TurnInput{ChatID: "c", Agent: "ghost", Text: "hi"}); err == nil {
		t.Fatalf("expected unknown agent error")
	}
}
