package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
)

var (
	// ErrConfigRequired is returned by Build without a config.
	ErrConfigRequired = errors.New("transport: config is required")
	// ErrUnknownTransport is returned by Build for a name nothing registered.
	ErrUnknownTransport = errors.New("transport: unknown transport")
	// ErrIncomplete is returned when a builder yields a transport without a
	// publisher or a subscriber. A session needs both sides.
	ErrIncomplete = errors.New("transport: builder returned an incomplete transport")
)

// Registration describes one transport. Capabilities.Name defaults to Name.
type Registration struct {
	Name         string
	Aliases      []string
	Builder      Builder
	Capabilities Capabilities
}

// Registry maps transport names and aliases to registrations. Names are
// matched case-insensitively.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Registration
	// names holds canonical names only, aliases excluded.
	names []string
}

// DefaultRegistry is the registry the transport packages register with.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Registration)}
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Register adds reg under its name and aliases. A name or alias that is
// already taken is an error and leaves the registry unchanged.
func (r *Registry) Register(reg Registration) error {
	name := normalize(reg.Name)
	if name == "" {
		return errors.New("transport: registration needs a name")
	}
	if reg.Builder == nil {
		return fmt.Errorf("transport %q: builder is required", name)
	}
	if reg.Capabilities.Name == "" {
		reg.Capabilities.Name = name
	}
	reg.Name = name

	keys := []string{name}
	for _, alias := range reg.Aliases {
		if alias = normalize(alias); alias != "" && alias != name {
			keys = append(keys, alias)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range keys {
		if _, taken := r.entries[key]; taken {
			return fmt.Errorf("transport %q is already registered", key)
		}
	}
	for _, key := range keys {
		r.entries[key] = &reg
	}
	r.names = append(r.names, name)
	sort.Strings(r.names)
	return nil
}

// Lookup returns the registration for a name or alias.
func (r *Registry) Lookup(name string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.entries[normalize(name)]
	if !ok {
		return Registration{}, false
	}
	return *reg, true
}

// Capabilities returns the registered capabilities of name. An unknown name
// reports no capabilities.
func (r *Registry) Capabilities(name string) Capabilities {
	if reg, ok := r.Lookup(name); ok {
		return reg.Capabilities
	}
	return Capabilities{Name: name}
}

// Build runs the builder registered for cfg.GetTransport() and stamps the
// registered capabilities on the result.
func (r *Registry) Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	if cfg == nil {
		return Transport{}, ErrConfigRequired
	}
	reg, ok := r.Lookup(cfg.GetTransport())
	if !ok {
		return Transport{}, fmt.Errorf("%w %q (registered: %s)", ErrUnknownTransport, cfg.GetTransport(), strings.Join(r.Names(), ", "))
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	t, err := reg.Builder(ctx, cfg, logger)
	if err != nil {
		return Transport{}, err
	}
	if t.Publisher == nil || t.Subscriber == nil {
		closeErr := t.Close()
		return Transport{}, errors.Join(fmt.Errorf("%w: %s", ErrIncomplete, reg.Name), closeErr)
	}
	t.Capabilities = reg.Capabilities
	return t, nil
}

// Names returns the sorted canonical names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.names...)
}

// Has reports whether name or an alias is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Lookup(name)
	return ok
}

// Register adds reg to the default registry. Transport packages call it from
// init, so a conflicting name panics like database/sql.Register.
func Register(reg Registration) {
	if err := DefaultRegistry.Register(reg); err != nil {
		panic(err)
	}
}

// Build creates a transport using the default registry.
func Build(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error) {
	return DefaultRegistry.Build(ctx, cfg, logger)
}
