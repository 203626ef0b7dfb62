package tool

import (
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"agentgate/internal/config"
	"agentgate/internal/domain"
)

func testCatalogLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func loadTestRegistry(t *testing.T, yaml string) *config.Registry {
	t.Helper()
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	reg, err := config.LoadAgents(dir, testCatalogLogger())
	if err != nil {
		t.Fatalf("load agents: %v", err)
	}
	return reg
}

const integratedYAML = `
agent:
  name: hr
  backend: responses
  integration: true
  instructions: Help with HR.
  sources: [leave_report, apply_leave]
dataSources:
  - name: leave_report
    when: When asked about remaining leave.
    method: GET
    url: https://api.example.com/leave
    filters:
      - fieldName: month
        example: June
        description: The month to report on.
        format: full month name
  - name: apply_leave
    when: When the user wants to take leave.
    method: POST
    url: https://api.example.com/apply
    authType: Bearer
    authToken: tok-123
    filters:
      - fieldName: from_date
        example: "2026-06-01"
      - fieldName: to_date
        example: "2026-06-05"
`

func TestCatalog_BuildTools(t *testing.T) {
	reg := loadTestRegistry(t, integratedYAML)
	cat := NewCatalog(reg)
	agent, err := reg.Agent("hr")
	if err != nil {
		t.Fatalf("agent: %v", err)
	}

	defs, err := cat.BuildTools(agent)
	if err != nil {
		t.Fatalf("build tools: %v", err)
	}
	if len(defs) != 2 {
		t.Fatalf("expected 2 tool definitions, got %d", len(defs))
	}
	if defs[0].Name != "leave_report" || defs[1].Name != "apply_leave" {
		t.Errorf("declaration order not preserved: %s, %s", defs[0].Name, defs[1].Name)
	}

	first := defs[0]
	if !first.Strict {
		t.Errorf("definitions must be strict")
	}
	if !strings.Contains(first.Description, "GET https://api.example.com/leave") {
		t.Errorf("description must name method and url: %q", first.Description)
	}
	params := first.Parameters
	if params["additionalProperties"] != false {
		t.Errorf("additionalProperties must be false")
	}
	if !reflect.DeepEqual(params["required"], []string{"month"}) {
		t.Errorf("every filter must be required: %v", params["required"])
	}
	props := params["properties"].(map[string]any)
	month := props["month"].(map[string]any)
	if month["type"] != "string" {
		t.Errorf("filter properties are strings, got %v", month["type"])
	}
	desc := month["description"].(string)
	if !strings.Contains(desc, "full month name") || !strings.Contains(desc, "June") {
		t.Errorf("format and example must enrich the description: %q", desc)
	}
}

func TestCatalog_BuildToolsDeterministic(t *testing.T) {
	reg := loadTestRegistry(t, integratedYAML)
	cat := NewCatalog(reg)
	agent, _ := reg.Agent("hr")

	a, _ := cat.BuildTools(agent)
	b, _ := cat.BuildTools(agent)
	if !reflect.DeepEqual(a, b) {
		t.Errorf("identical configuration must produce identical schemas")
	}
}

func TestCatalog_NoIntegrationNoTools(t *testing.T) {
	reg := loadTestRegistry(t, `
agent:
  name: plain
  backend: local
  instructions: x
`)
	cat := NewCatalog(reg)
	agent, _ := reg.Agent("plain")

	defs, err := cat.BuildTools(agent)
	if err != nil {
		t.Fatalf("build tools: %v", err)
	}
	if len(defs) != 0 {
		t.Errorf("expected no tools, got %d", len(defs))
	}

	types, err := cat.RequestTypes(agent)
	if err != nil {
		t.Fatalf("request types: %v", err)
	}
	if types != "" {
		t.Errorf("expected empty request-type catalog, got %q", types)
	}
}

func TestCatalog_RequestTypes(t *testing.T) {
	reg := loadTestRegistry(t, integratedYAML)
	cat := NewCatalog(reg)
	agent, _ := reg.Agent("hr")

	types, err := cat.RequestTypes(agent)
	if err != nil {
		t.Fatalf("request types: %v", err)
	}
	for _, want := range []string{
		"https://api.example.com/leave?month={June}",
		`"auth_token": "tok-123"`,
		"When the user wants to take leave.",
	} {
		if !strings.Contains(types, want) {
			t.Errorf("catalog missing %q in:\n%s", want, types)
		}
	}
	if strings.Index(types, "leave?month") > strings.Index(types, "apply") {
		t.Errorf("stanzas must follow declaration order")
	}
}

func TestDataSource_FullURLAndBody(t *testing.T) {
	src := &domain.DataSource{
		Name:   "s",
		Method: "post",
		URL:    "https://x.test/api",
		Filters: []domain.FilterDef{
			{FieldName: "a", Example: "1"},
			{FieldName: "b"},
		},
	}
	if got := src.FullURL(); got != "https://x.test/api?a={1}&b={b}" {
		t.Errorf("unexpected full url: %q", got)
	}
	if src.HTTPMethod() != "POST" {
		t.Errorf("method not normalized: %q", src.HTTPMethod())
	}
	body := src.ExampleBody()
	if !strings.Contains(body, `"a":"1"`) || !strings.Contains(body, `"b":"b"`) {
		t.Errorf("unexpected example body: %s", body)
	}
}
