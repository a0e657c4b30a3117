package broker

import (
	"fmt"
	"sort"
	"strings"

	"brokerd/internal/config"
)

// Factory constructs a provider from configuration.
type Factory func(cfg *config.Config, deps Deps) (Provider, error)

// Registry maps provider names to factories. It is populated once at start-up
// and read-only afterwards.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under name. Registering a name twice panics.
func (r *Registry) Register(name string, f Factory) {
	key := strings.ToLower(name)
	if _, dup := r.factories[key]; dup {
		panic(fmt.Sprintf("broker: provider %q registered twice", name))
	}
	r.factories[key] = f
}

// New constructs the provider registered under name.
func (r *Registry) New(name string, cfg *config.Config, deps Deps) (Provider, error) {
	f, ok := r.factories[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, NewError(CodeInvalidArgs, "unknown provider %q", name).
			WithDetail("available", r.Names()).
			WithSuggestion("Set provider to one of the available names.")
	}
	return f(cfg, deps)
}

// Names returns the registered provider names in sorted order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.factories))
	for n := range r.factories {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
