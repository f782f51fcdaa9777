package conflict

import (
	"fmt"
	"sync"
)

// Constructor creates a Resolver instance for a registered policy.
type Constructor func() Resolver

// registry maps policy names to their constructors
var (
	registry      = make(map[string]Constructor)
	registryMutex sync.RWMutex
)

// Register registers a resolution policy constructor under a name.
// Called from init() functions; registering the same name twice or a
// nil constructor is a programming error and panics.
func Register(policy string, constructor Constructor) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if constructor == nil {
		panic(fmt.Sprintf("conflict: Register constructor is nil for policy %s", policy))
	}

	if _, exists := registry[policy]; exists {
		panic(fmt.Sprintf("conflict: Register called twice for policy %s", policy))
	}

	registry[policy] = constructor
}

// New returns a Resolver for the named policy.
func New(policy string) (Resolver, error) {
	registryMutex.RLock()
	constructor := registry[policy]
	registryMutex.RUnlock()

	if constructor == nil {
		return nil, fmt.Errorf("unknown conflict resolution policy %q", policy)
	}
	return constructor(), nil
}

// IsRegistered returns true if a constructor is registered for the
// given policy.
func IsRegistered(policy string) bool {
	registryMutex.RLock()
	defer registryMutex.RUnlock()
	_, exists := registry[policy]
	return exists
}

// Policies returns all registered policy names. Useful for validation
// and CLI help output.
func Policies() []string {
	registryMutex.RLock()
	defer registryMutex.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
