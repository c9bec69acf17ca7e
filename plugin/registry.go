package plugin

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/nomis52/goactivate/lifecycle"
)

// Resolver binds an item type and step to at most one handler.
type Resolver interface {
	Resolve(itemType string, step lifecycle.Step) (Handler, error)
}

// Registry holds the registered handlers.
type Registry struct {
	logger *slog.Logger

	mu       sync.RWMutex
	handlers []Handler
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger used for resolution traces.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		r.logger = logger.With("component", "plugin_registry")
	}
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		logger: slog.Default().With("component", "plugin_registry"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds handlers. Handler names must be unique.
func (r *Registry) Register(handlers ...Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, h := range handlers {
		if h == nil {
			return fmt.Errorf("cannot register nil handler")
		}
		for _, existing := range r.handlers {
			if existing.Name() == h.Name() {
				return fmt.Errorf("handler %s already registered", h.Name())
			}
		}
		r.handlers = append(r.handlers, h)
		r.logger.Debug("handler registered", "handler", h.Name())
	}
	return nil
}

// Handlers returns a copy of the registered handlers.
func (r *Registry) Handlers() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]Handler, len(r.handlers))
	copy(result, r.handlers)
	return result
}

// Resolve returns the single handler accepting the pair.
//
// More than one match is a ConfigurationError. No match returns (nil, nil),
// meaning the step is a no-op for the item, except at ACTIVATE when no step
// of the type has a handler: the type is unmanaged and a NoHandlerError is
// returned instead.
func (r *Registry) Resolve(itemType string, step lifecycle.Step) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []Handler
	for _, h := range r.handlers {
		if h.Accepts(itemType, step) {
			matches = append(matches, h)
		}
	}

	switch len(matches) {
	case 1:
		return matches[0], nil
	case 0:
	default:
		names := make([]string, len(matches))
		for i, h := range matches {
			names[i] = h.Name()
		}
		return nil, &ConfigurationError{ItemType: itemType, Step: step, Handlers: names}
	}

	if step == lifecycle.Activate && !r.managesLocked(itemType) {
		return nil, &NoHandlerError{ItemType: itemType}
	}

	if !step.IsTerminal() {
		r.logger.Debug("no handler for step, treating as no-op", "item_type", itemType, "step", step.String())
	}
	return nil, nil
}

// Manages reports whether any handler serves the type at any step.
func (r *Registry) Manages(itemType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.managesLocked(itemType)
}

func (r *Registry) managesLocked(itemType string) bool {
	for _, step := range lifecycle.AllSteps {
		for _, h := range r.handlers {
			if h.Accepts(itemType, step) {
				return true
			}
		}
	}
	return false
}
