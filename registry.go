package jobsched

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// WorkResult carries what a handler produced.
type WorkResult struct {
	Artifacts []byte
	ExitCode  *int
}

// WorkHandler executes the work behind one job type. Params is the job's
// frozen params snapshot. Returning nil finishes the run COMPLETED; returning
// an error wrapping ErrSkipExecution finishes it SKIPPED; any other error
// finishes it FAILED with the error text captured on the run. The scheduler
// treats the call as opaque and blocking; timeouts belong to the handler.
type WorkHandler interface {
	Execute(ctx context.Context, params []byte) (*WorkResult, error)
}

// WorkFunc adapts a function to the WorkHandler interface.
type WorkFunc func(ctx context.Context, params []byte) (*WorkResult, error)

// Execute implements WorkHandler.
func (f WorkFunc) Execute(ctx context.Context, params []byte) (*WorkResult, error) {
	return f(ctx, params)
}

// HandlerRegistry resolves job types to their work handlers. Types are
// registered at startup; dispatch never branches on type names itself.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]WorkHandler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]WorkHandler)}
}

// Register binds a job type to a handler. Registering the same type twice is
// an error: silently replacing a handler hides wiring mistakes.
func (r *HandlerRegistry) Register(jobType string, handler WorkHandler) error {
	if jobType == "" {
		return validationErrorf("type", "job type is required")
	}
	if handler == nil {
		return validationErrorf("handler", "handler is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[jobType]; exists {
		return fmt.Errorf("handler already registered for job type %q", jobType)
	}
	r.handlers[jobType] = handler
	return nil
}

// Resolve returns the handler for a job type.
func (r *HandlerRegistry) Resolve(jobType string) (WorkHandler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	handler, exists := r.handlers[jobType]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJobType, jobType)
	}
	return handler, nil
}

// Has reports whether a job type has a registered handler.
func (r *HandlerRegistry) Has(jobType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.handlers[jobType]
	return exists
}

// Types returns the registered job types, sorted.
func (r *HandlerRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for jobType := range r.handlers {
		types = append(types, jobType)
	}
	sort.Strings(types)
	return types
}
