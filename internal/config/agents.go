package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"agentgate/internal/domain"

	"gopkg.in/yaml.v3"
)

// AgentFile is the on-disk YAML schema: one agent definition plus the data
// sources it references, declared inline.
type AgentFile struct {
	Agent   domain.Agent        `yaml:"agent"`
	Sources []domain.DataSource `yaml:"dataSources,omitempty"`
}

// Registry holds validated agent and data-source definitions, read-only after
// load and shared across turns.
type Registry struct {
	agents  map[string]*domain.Agent
	sources map[string]*domain.DataSource
}

// LoadAgents loads agent definitions from YAML files in a directory. Files
// must have a .yaml or .yml extension and conform to the AgentFile schema.
// A file that fails validation fails the whole load: a half-configured agent
// must not serve turns.
func LoadAgents(dir string, logger *slog.Logger) (*Registry, error) {
	reg := &Registry{
		agents:  make(map[string]*domain.Agent),
		sources: make(map[string]*domain.DataSource),
	}

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		logger.Debug("agents directory does not exist, skipping", "dir", dir)
		return reg, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read agents dir: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}

		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("cannot read agent file %s: %w", path, err)
		}

		var file AgentFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("cannot parse agent file %s: %w", path, err)
		}

		if file.Agent.Name == "" {
			file.Agent.Name = strings.TrimSuffix(name, filepath.Ext(name))
		}
		if err := reg.add(file); err != nil {
			return nil, fmt.Errorf("agent file %s: %w", path, err)
		}

		logger.Info("loaded agent", "name", file.Agent.Name, "backend", file.Agent.Backend,
			"sources", len(file.Sources), "path", path)
	}

	return reg, nil
}

func (r *Registry) add(file AgentFile) error {
	agent := file.Agent
	if err := agent.Validate(); err != nil {
		return err
	}
	if _, exists := r.agents[agent.Name]; exists {
		return domain.NewConfigError(fmt.Sprintf("duplicate agent %s", agent.Name))
	}

	for i := range file.Sources {
		src := file.Sources[i]
		if err := src.Validate(); err != nil {
			return err
		}
		if _, exists := r.sources[src.Name]; exists {
			return domain.NewConfigError(fmt.Sprintf("duplicate data source %s", src.Name))
		}
		r.sources[src.Name] = &src
	}

	for _, name := range agent.SourceNames {
		if _, ok := r.sources[name]; !ok {
			return domain.NewConfigError(fmt.Sprintf("agent %s references unknown data source %s", agent.Name, name))
		}
	}

	r.agents[agent.Name] = &agent
	return nil
}

// Agent returns the named agent definition.
func (r *Registry) Agent(name string) (*domain.Agent, error) {
	a, ok := r.agents[name]
	if !ok {
		return nil, domain.NewConfigError(fmt.Sprintf("unknown agent: %s", name))
	}
	return a, nil
}

// Source returns the named data source definition.
func (r *Registry) Source(name string) (*domain.DataSource, error) {
	s, ok := r.sources[name]
	if !ok {
		return nil, domain.NewConfigError(fmt.Sprintf("unknown data source: %s", name))
	}
	return s, nil
}

// Sources resolves an agent's data sources in declaration order.
func (r *Registry) Sources(agent *domain.Agent) ([]*domain.DataSource, error) {
	out := make([]*domain.DataSource, 0, len(agent.SourceNames))
	for _, name := range agent.SourceNames {
		s, err := r.Source(name)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// AgentNames lists loaded agents (no particular order).
func (r *Registry) AgentNames() []string {
	names := make([]string, 0, len(r.agents))
	for n := range r.agents {
		names = append(names, n)
	}
	return names
}
