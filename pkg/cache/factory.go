package cache

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/quarryhq/gristmill/pkg/config"
)

// Factory builds a Store for one backend from its resolved configuration.
type Factory func(cfg config.CacheConfig, logger *zap.Logger) (Store, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a backend available under the given name. Called from the
// init functions of the backend files.
func Register(backend string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, exists := registry[backend]; exists {
		panic(fmt.Sprintf("cache backend %q registered twice", backend))
	}
	registry[backend] = factory
}

// New builds the Store for the resolved cache configuration. A cache
// failure must never take queries down with it: when the configured backend
// cannot be opened, New logs the reason and degrades to the in-process
// store instead of returning an error.
func New(cfg config.CacheConfig, logger *zap.Logger) Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.Enabled {
		return Disabled{}
	}

	registryMu.RLock()
	factory, ok := registry[cfg.Backend]
	registryMu.RUnlock()
	if !ok {
		logger.Warn("unknown cache backend, using in-process cache",
			zap.String("backend", cfg.Backend))
		return NewMemory(cfg.MaxEntries)
	}

	store, err := factory(cfg, logger)
	if err != nil {
		logger.Warn("cache backend unavailable, using in-process cache",
			zap.String("backend", cfg.Backend),
			zap.Error(err))
		return NewMemory(cfg.MaxEntries)
	}
	return store
}
