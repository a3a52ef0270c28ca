package providers

import (
	"log/slog"
	"strings"
	"sync"
)

// Factory constructs an adapter on first use so that a provider with missing
// credentials only fails when actually requested.
type Factory func() (Adapter, error)

// Registry maps provider names to adapter factories. Registration happens at
// startup; lookups are concurrent. Instances are cached per requested model
// string, write-once: a racing creation may be discarded.
type Registry struct {
	mu        sync.RWMutex
	names     []string
	factories map[string]Factory
	instances map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		instances: make(map[string]Adapter),
	}
}

// Register declares a provider under a lowercase name. Declaration order is
// preserved for Names().
func (r *Registry) Register(name string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name = strings.ToLower(name)
	if _, ok := r.factories[name]; !ok {
		r.names = append(r.names, name)
	}
	r.factories[name] = factory
	slog.Info("providers.registered", "name", name)
}

// Get resolves a model string to an adapter. Matching is case-insensitive
// and containment-based, so variant strings like "deepseek-chat" resolve to
// the "deepseek" adapter. Returns nil when no registered name matches or the
// factory fails.
func (r *Registry) Get(model string) Adapter {
	normalized := strings.ToLower(strings.TrimSpace(model))

	r.mu.RLock()
	if inst, ok := r.instances[normalized]; ok {
		r.mu.RUnlock()
		return inst
	}
	var factory Factory
	for _, name := range r.names {
		if strings.Contains(normalized, name) {
			factory = r.factories[name]
			break
		}
	}
	r.mu.RUnlock()

	if factory == nil {
		slog.Warn("providers.unknown_model", "model", model)
		return nil
	}

	inst, err := factory()
	if err != nil {
		slog.Error("providers.factory_failed", "model", model, "error", err)
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cached, ok := r.instances[normalized]; ok {
		return cached
	}
	r.instances[normalized] = inst
	return inst
}

// Names returns the registered provider names in declaration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.names...)
}
