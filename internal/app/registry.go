package app

import (
	"encoding/json"
	"fmt"
	"sync"

	"example.com/onionhttp/internal/logger"
)

// HandlerFactory builds a Middleware from the opaque handler_config of a route.
type HandlerFactory func(handlerConfig json.RawMessage, lg *logger.Logger) (Middleware, error)

// HandlerRegistry maps handler_type names from the configuration to factories.
type HandlerRegistry struct {
	mu        sync.RWMutex
	factories map[string]HandlerFactory
}

// NewHandlerRegistry returns an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{factories: make(map[string]HandlerFactory)}
}

// Register associates handlerType with factory. A type can be registered once.
func (r *HandlerRegistry) Register(handlerType string, factory HandlerFactory) error {
	if factory == nil {
		return fmt.Errorf("handler factory for type '%s' cannot be nil", handlerType)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[handlerType]; exists {
		return fmt.Errorf("handler type '%s' already registered", handlerType)
	}
	r.factories[handlerType] = factory
	return nil
}

// GetFactory returns the factory registered for handlerType.
func (r *HandlerRegistry) GetFactory(handlerType string) (HandlerFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[handlerType]
	return f, ok
}

// CreateHandler instantiates the handler registered for handlerType.
func (r *HandlerRegistry) CreateHandler(handlerType string, handlerConfig json.RawMessage, lg *logger.Logger) (Middleware, error) {
	factory, ok := r.GetFactory(handlerType)
	if !ok {
		return nil, fmt.Errorf("no handler factory registered for type '%s'", handlerType)
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil when creating handler type '%s'", handlerType)
	}
	mw, err := factory(handlerConfig, lg)
	if err != nil {
		return nil, fmt.Errorf("failed to create handler type '%s': %w", handlerType, err)
	}
	if mw == nil {
		return nil, fmt.Errorf("factory for handler type '%s' returned nil", handlerType)
	}
	return mw, nil
}
