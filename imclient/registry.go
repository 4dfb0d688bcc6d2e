package imclient

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// Factory builds a back-end client instance.
type Factory func() (Client, error)

var (
	factoriesMu sync.RWMutex
	factories   = map[string]Factory{}
)

// Register makes a back-end available under the given key, matching
// the per-network `client` configuration value. Typically called from
// a back-end package's init.
func Register(name string, factory Factory) {
	factoriesMu.Lock()
	defer factoriesMu.Unlock()
	if factory == nil {
		panic("imclient: nil factory for " + name)
	}
	if _, dup := factories[name]; dup {
		panic("imclient: duplicate registration for " + name)
	}
	factories[name] = factory
}

// Open instantiates the back-end registered under name.
func Open(name string) (Client, error) {
	factoriesMu.RLock()
	factory, ok := factories[name]
	factoriesMu.RUnlock()
	if !ok {
		return nil, errors.Errorf("unknown im client %q (registered: %v)", name, Registered())
	}
	return factory()
}

// Registered returns the registered back-end keys, sorted.
func Registered() []string {
	factoriesMu.RLock()
	defer factoriesMu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
