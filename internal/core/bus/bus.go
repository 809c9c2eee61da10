// Package bus provides command, query, and event dispatch for composing
// applications. Handlers are registered by name; cross-cutting concerns
// (logging, tracing, transaction scoping) attach as middleware. The bus is
// deliberately mechanical: all transactional guarantees come from the unit
// of work it delegates to.
package bus

import (
	"context"
	"fmt"
	"sync"

	"unitflow/internal/core/appctx"
)

// Handler processes one command message.
type Handler func(ctx context.Context, msg any) error

// QueryHandler processes one query and returns its result.
type QueryHandler func(ctx context.Context, query any) (any, error)

// Middleware decorates a command handler. name is the registered command
// name, available for logging and tracing.
type Middleware func(name string, next Handler) Handler

// Dispatcher routes commands, queries, and events to registered handlers.
// Registration is expected at startup; dispatch is safe for concurrent use.
type Dispatcher struct {
	mu         sync.RWMutex
	commands   map[string]Handler
	queries    map[string]QueryHandler
	subs       []*subscription
	middleware []Middleware
}

// NewDispatcher creates a dispatcher with the given command middleware,
// applied outermost-first.
func NewDispatcher(middleware ...Middleware) *Dispatcher {
	return &Dispatcher{
		commands:   make(map[string]Handler),
		queries:    make(map[string]QueryHandler),
		middleware: middleware,
	}
}

// RegisterCommand registers a typed command handler under name.
func RegisterCommand[M any](d *Dispatcher, name string, fn func(ctx context.Context, msg M) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.commands[name]; exists {
		return fmt.Errorf("command %q already registered", name)
	}
	d.commands[name] = func(ctx context.Context, msg any) error {
		typed, ok := msg.(M)
		if !ok {
			return fmt.Errorf("command %q: unexpected message type %T", name, msg)
		}
		return fn(ctx, typed)
	}
	return nil
}

// RegisterQuery registers a typed query handler under name.
func RegisterQuery[Q, R any](d *Dispatcher, name string, fn func(ctx context.Context, query Q) (R, error)) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.queries[name]; exists {
		return fmt.Errorf("query %q already registered", name)
	}
	d.queries[name] = func(ctx context.Context, query any) (any, error) {
		typed, ok := query.(Q)
		if !ok {
			var zero R
			return zero, fmt.Errorf("query %q: unexpected message type %T", name, query)
		}
		return fn(ctx, typed)
	}
	return nil
}

// DispatchCommand routes msg through the middleware chain to the handler
// registered under name.
func (d *Dispatcher) DispatchCommand(ctx context.Context, name string, msg any) error {
	d.mu.RLock()
	handler, ok := d.commands[name]
	middleware := d.middleware
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler registered for command %q", name)
	}

	ctx = ensureTrace(ctx)
	for i := len(middleware) - 1; i >= 0; i-- {
		handler = middleware[i](name, handler)
	}
	return handler(ctx, msg)
}

// DispatchQuery routes query to the handler registered under name. Queries
// bypass command middleware; wrap read paths explicitly where needed.
func (d *Dispatcher) DispatchQuery(ctx context.Context, name string, query any) (any, error) {
	d.mu.RLock()
	handler, ok := d.queries[name]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no handler registered for query %q", name)
	}
	return handler(ensureTrace(ctx), query)
}

// Query dispatches a query and asserts its result type.
func Query[R any](ctx context.Context, d *Dispatcher, name string, query any) (R, error) {
	result, err := d.DispatchQuery(ctx, name, query)
	if err != nil {
		var zero R
		return zero, err
	}
	typed, ok := result.(R)
	if !ok {
		var zero R
		return zero, fmt.Errorf("query %q: unexpected result type %T", name, result)
	}
	return typed, nil
}

// ensureTrace attaches tracing metadata for log enrichment when the caller
// did not provide any.
func ensureTrace(ctx context.Context) context.Context {
	if appctx.GetTrace(ctx) == nil {
		return appctx.WithTrace(ctx, appctx.NewTraceContext())
	}
	return ctx
}
