package tool

import (
	"fmt"
	"strings"

	"agentgate/internal/config"
	"agentgate/internal/domain"
)

// Catalog derives callable tool schemas from an agent's data sources. Output
// is deterministic in content and order (source declaration order) because
// some backends validate schema hashes across a multi-round exchange.
type Catalog struct {
	registry *config.Registry
}

func NewCatalog(registry *config.Registry) *Catalog {
	return &Catalog{registry: registry}
}

// BuildTools returns one strict function schema per configured data source,
// or an empty list when the agent has no tool integration.
func (c *Catalog) BuildTools(agent *domain.Agent) ([]domain.ToolDefinition, error) {
	if !agent.Integration || len(agent.SourceNames) == 0 {
		return nil, nil
	}

	sources, err := c.registry.Sources(agent)
	if err != nil {
		return nil, err
	}

	defs := make([]domain.ToolDefinition, 0, len(sources))
	for _, src := range sources {
		defs = append(defs, Definition(src))
	}
	return defs, nil
}

// Definition builds the tool schema for one data source. Every declared
// filter becomes a required string property.
func Definition(src *domain.DataSource) domain.ToolDefinition {
	props := make(map[string]any, len(src.Filters))
	required := make([]string, 0, len(src.Filters))
	for _, f := range src.Filters {
		desc := f.Description
		if f.Format != "" {
			desc = strings.TrimSpace(desc + " Format: " + f.Format + ".")
		}
		if f.Example != "" {
			desc = strings.TrimSpace(desc + " Example: " + f.Example + ".")
		}
		props[f.FieldName] = map[string]any{
			"type":        "string",
			"description": desc,
		}
		required = append(required, f.FieldName)
	}

	return domain.ToolDefinition{
		Name:        src.Name,
		Description: fmt.Sprintf("%s. This function calls the %s %s API.", src.When, src.HTTPMethod(), src.URL),
		Parameters: map[string]any{
			"type":                 "object",
			"properties":           props,
			"required":             required,
			"additionalProperties": false,
		},
		Strict: true,
	}
}

// RequestTypes renders the request-type catalog block injected into the
// system prompt when the agent declares a tool template. One JSON-ish stanza
// per source, declaration order.
func (c *Catalog) RequestTypes(agent *domain.Agent) (string, error) {
	if !agent.Integration || len(agent.SourceNames) == 0 {
		return "", nil
	}

	sources, err := c.registry.Sources(agent)
	if err != nil {
		return "", err
	}

	stanzas := make([]string, 0, len(sources))
	for _, src := range sources {
		stanzas = append(stanzas, fmt.Sprintf(`{
	"when": %q,
	"method": %q,
	"url": %q,
	"body": %s,
	"auth_type": %q,
	"auth_token": %q,
	"instructions": %q
}`,
			strings.TrimSpace(src.When),
			src.HTTPMethod(),
			src.FullURL(),
			src.ExampleBody(),
			strings.TrimSpace(src.AuthType),
			strings.TrimSpace(src.AuthToken),
			strings.TrimSpace(src.Instructions),
		))
	}
	return strings.Join(stanzas, ",\n"), nil
}
