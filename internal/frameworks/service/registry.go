package service

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

// CoreServices lists the services constructed whether or not
// [http.services.<name>] appears in TOML, in mount order.
var CoreServices = []string{"wellknown", "federation", "admin", "api"}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]NewService)
)

// Register adds a constructor under name. Registering a name twice is an
// error.
func Register(name string, newFunc NewService) error {
	registryMu.Lock()
	defer registryMu.Unlock()

	if _, dup := registry[name]; dup {
		return fmt.Errorf("service %q already registered", name)
	}
	registry[name] = newFunc
	return nil
}

// MustRegister is Register for init functions.
func MustRegister(name string, newFunc NewService) {
	if err := Register(name, newFunc); err != nil {
		panic(err)
	}
}

// Get returns the constructor registered under name, or nil.
func Get(name string) NewService {
	registryMu.RLock()
	defer registryMu.RUnlock()
	return registry[name]
}

// RegisteredServices returns the registered names, sorted.
func RegisteredServices() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()

	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// BuildAll constructs each named service with its own config block and a
// logger tagged with the service name. Services built before a failure are
// closed again.
func BuildAll(names []string, confFor func(name string) map[string]any, log *slog.Logger) (map[string]Service, error) {
	built := make(map[string]Service, len(names))
	closeBuilt := func() {
		for _, svc := range built {
			_ = svc.Close()
		}
	}
	for _, name := range names {
		newService := Get(name)
		if newService == nil {
			closeBuilt()
			return nil, fmt.Errorf("service %q not registered", name)
		}
		svc, err := newService(confFor(name), log.With("service", name))
		if err != nil {
			closeBuilt()
			return nil, errors.Join(fmt.Errorf("service %q", name), err)
		}
		built[name] = svc
	}
	return built, nil
}

func resetRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry = make(map[string]NewService)
}
