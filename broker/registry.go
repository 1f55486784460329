package broker

import (
	"fmt"
	"slices"
	"sync"

	"github.com/miladsoleymani/chanmux/core"
)

// Factory creates a Client from the given Config.
type Factory func(cfg Config) (core.Client, error)

// SinkFactory creates a dead-letter sink from the given Config.
type SinkFactory func(cfg Config) (core.DeadLetterSink, error)

var (
	mu        sync.RWMutex
	factories = make(map[string]Factory)
	sinks     = make(map[string]SinkFactory)
)

// Register adds a named client factory. Plugins call this from init().
func Register(name string, factory Factory) {
	mu.Lock()
	defer mu.Unlock()
	factories[name] = factory
}

// RegisterSink adds a named dead-letter sink factory. Plugins call this
// from init().
func RegisterSink(name string, factory SinkFactory) {
	mu.Lock()
	defer mu.Unlock()
	sinks[name] = factory
}

// Create instantiates a client by name using the registered factory.
func Create(name string, cfg Config) (core.Client, error) {
	mu.RLock()
	f, ok := factories[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("chanmux: unknown broker %q", name)
	}
	return f(cfg)
}

// CreateSink instantiates a dead-letter sink by name.
func CreateSink(name string, cfg Config) (core.DeadLetterSink, error) {
	mu.RLock()
	f, ok := sinks[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("chanmux: unknown dead-letter sink %q", name)
	}
	return f(cfg)
}

// Names returns the registered client names, sorted.
func Names() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
