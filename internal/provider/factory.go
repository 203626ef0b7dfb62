package provider

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"agentgate/internal/config"
	"agentgate/internal/domain"
)

// Factory creates and caches model backends from config. Per-agent credential
// overrides bypass the cache so one agent's key never leaks into another's
// client.
type Factory struct {
	cfg    *config.Config
	logger *slog.Logger
	cache  map[string]domain.Provider
	mu     sync.RWMutex
}

func NewFactory(cfg *config.Config, logger *slog.Logger) *Factory {
	return &Factory{
		cfg:    cfg,
		logger: logger,
		cache:  make(map[string]domain.Provider),
	}
}

// Get returns the backend of the given kind. Created backends are cached so
// the same instance is reused across turns.
func (f *Factory) Get(kind domain.BackendKind) (domain.Provider, error) {
	name := string(kind)

	f.mu.RLock()
	if cached, ok := f.cache[name]; ok {
		f.mu.RUnlock()
		return cached, nil
	}
	f.mu.RUnlock()

	f.mu.Lock()
	defer f.mu.Unlock()

	// Re-check under write lock.
	if cached, ok := f.cache[name]; ok {
		return cached, nil
	}

	p, err := f.build(kind, "")
	if err != nil {
		return nil, err
	}
	f.cache[name] = p
	return p, nil
}

// ForAgent resolves the backend an agent is configured to use, applying its
// credential reference (an environment variable name) when set.
func (f *Factory) ForAgent(agent *domain.Agent) (domain.Provider, error) {
	if agent.CredentialRef == "" {
		return f.Get(agent.Backend)
	}
	key := os.Getenv(agent.CredentialRef)
	if key == "" {
		return nil, domain.NewConfigError(fmt.Sprintf("agent %s: credential %s is not set", agent.Name, agent.CredentialRef))
	}
	return f.build(agent.Backend, key)
}

func (f *Factory) build(kind domain.BackendKind, keyOverride string) (domain.Provider, error) {
	bc, ok := f.cfg.Backends[string(kind)]
	if !ok {
		return nil, domain.NewConfigError(fmt.Sprintf("backend %s is not configured", kind))
	}
	if !bc.Enabled {
		return nil, domain.NewConfigError(fmt.Sprintf("backend %s is disabled", kind))
	}

	key := bc.APIKey
	if keyOverride != "" {
		key = keyOverride
	}

	switch kind {
	case domain.BackendLocal:
		return NewLocal(LocalConfig{APIBase: bc.APIBase, DefaultModel: bc.DefaultModel, Logger: f.logger}), nil
	case domain.BackendTunnel:
		return NewTunnel(TunnelConfig{APIKey: key, APIBase: bc.APIBase, Model: bc.DefaultModel, Logger: f.logger}), nil
	case domain.BackendResponses:
		return NewResponses(ResponsesConfig{APIKey: key, APIBase: bc.APIBase, Model: bc.DefaultModel, Logger: f.logger}), nil
	default:
		return nil, domain.NewConfigError(fmt.Sprintf("unknown backend kind: %s", kind))
	}
}
