package interceptors

import (
	"fmt"
	"log/slog"
	"slices"
	"sync"
)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]NewInterceptor)
)

// Register adds an interceptor constructor. Called from init(); a later
// registration under the same name replaces the earlier one.
func Register(name string, fn NewInterceptor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = fn
}

// Get returns the constructor registered under name.
func Get(name string) (NewInterceptor, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	fn, ok := registry[name]
	return fn, ok
}

// Names returns the registered interceptor names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Profile returns [http.interceptors.<interceptor>.profiles.<profile>].
func Profile(cfg map[string]map[string]any, interceptor, profile string) (map[string]any, error) {
	raw, ok := cfg[interceptor]["profiles"]
	if !ok {
		return nil, fmt.Errorf("no %s profiles configured, cannot find profile %q", interceptor, profile)
	}
	profiles, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s profiles is not a map", interceptor)
	}
	entry, ok := profiles[profile]
	if !ok {
		return nil, fmt.Errorf("%s profile %q not found", interceptor, profile)
	}
	conf, ok := entry.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s profile %q is not a map", interceptor, profile)
	}
	return conf, nil
}

// BuildProfile constructs an interceptor from one of its named profiles.
// Services use it to put single routes behind an interceptor such as
// ratelimit.
func BuildProfile(cfg map[string]map[string]any, interceptor, profile string, log *slog.Logger) (Middleware, error) {
	conf, err := Profile(cfg, interceptor, profile)
	if err != nil {
		return nil, err
	}
	newInterceptor, ok := Get(interceptor)
	if !ok {
		return nil, fmt.Errorf("%s interceptor not registered", interceptor)
	}
	mw, err := newInterceptor(conf, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s interceptor: %w", interceptor, err)
	}
	return mw, nil
}
