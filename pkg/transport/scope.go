package transport

import (
	"sync"

	"github.com/billm/baaaht/ipcflow/pkg/types"
)

// Exposer installs a named API into the context client code runs in.
type Exposer interface {
	Expose(key string, api any) error
}

// Globals looks up an API previously exposed.
type Globals interface {
	Lookup(key string) (any, bool)
}

// Scope is an in-memory Exposer and Globals. Each key can be exposed once.
type Scope struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewScope creates an empty scope.
func NewScope() *Scope {
	return &Scope{values: make(map[string]any)}
}

// Expose installs api under key.
func (s *Scope) Expose(key string, api any) error {
	if key == "" {
		return types.NewError(types.ErrCodeInvalidArgument, "expose key cannot be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.values[key]; exists {
		return types.NewError(types.ErrCodeAlreadyExists, "cannot bind an API on top of an existing property: "+key)
	}
	s.values[key] = api
	return nil
}

// Lookup returns the API exposed under key.
func (s *Scope) Lookup(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Len returns the number of exposed keys.
func (s *Scope) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}
