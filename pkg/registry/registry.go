// Package registry holds the set of controller names allowed to use a
// shared client-side transport surface.
package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/billm/baaaht/ipcflow/internal/logger"
	"github.com/billm/baaaht/ipcflow/pkg/channel"
	"github.com/billm/baaaht/ipcflow/pkg/types"
)

// DefaultOwner prefixes access-control error messages.
const DefaultOwner = "Multiplexer"

// Registry is a concurrency-safe set of controller names. A disabled
// registry accepts every name.
type Registry struct {
	mu       sync.RWMutex
	names    map[string]struct{}
	disabled bool
	owner    string
	logger   *logger.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithDisabled turns off all registry checks when disabled is true.
func WithDisabled(disabled bool) Option {
	return func(r *Registry) { r.disabled = disabled }
}

// WithOwner sets the name used in access-control error messages.
func WithOwner(owner string) Option {
	return func(r *Registry) {
		if owner != "" {
			r.owner = owner
		}
	}
}

// New creates an empty registry. A nil logger falls back to the global one.
func New(log *logger.Logger, opts ...Option) *Registry {
	if log == nil {
		log = logger.Global()
	}
	r := &Registry{
		names:  make(map[string]struct{}),
		owner:  DefaultOwner,
		logger: log.With("component", "registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds name. Registering a name twice is logged and otherwise
// ignored; only invalid names are rejected.
func (r *Registry) Register(name string) error {
	if err := channel.ValidateController(name); err != nil {
		return err
	}

	r.mu.Lock()
	_, exists := r.names[name]
	r.names[name] = struct{}{}
	r.mu.Unlock()

	if exists {
		r.logger.Warn("Controller already registered", "controller", name)
		return nil
	}
	r.logger.Debug("Controller registered", "controller", name)
	return nil
}

// Unregister removes name if present.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	_, existed := r.names[name]
	delete(r.names, name)
	r.mu.Unlock()

	if existed {
		r.logger.Debug("Controller unregistered", "controller", name)
	}
}

// IsRegistered reports whether name may use the shared surface.
func (r *Registry) IsRegistered(name string) bool {
	if r.disabled {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.names[name]
	return ok
}

// Disabled reports whether checks are turned off.
func (r *Registry) Disabled() bool {
	return r.disabled
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.names))
	for n := range r.names {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Check returns a NOT_REGISTERED error naming the controller when name may
// not perform op. It returns nil for a disabled registry.
func (r *Registry) Check(op, name string) error {
	if r.IsRegistered(name) {
		return nil
	}
	return types.NewError(types.ErrCodeNotRegistered,
		fmt.Sprintf("%s.%s: %s: controller not registered", r.owner, op, name))
}
