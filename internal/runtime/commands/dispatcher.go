package commands

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

// Command represents a typed request routed through the dispatcher.
type Command interface {
	Name() string
}

// Response represents a typed response to a command.
type Response interface{}

// Handler processes a specific command type.
type Handler interface {
	Handle(ctx context.Context, cmd Command) (Response, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, cmd Command) (Response, error)

// Handle invokes the underlying function.
func (f HandlerFunc) Handle(ctx context.Context, cmd Command) (Response, error) {
	return f(ctx, cmd)
}

// Middleware is a function that can intercept command handling.
// It receives the next handler in the chain and may short-circuit.
type Middleware func(ctx context.Context, cmd Command, next Handler) (Response, error)

// Dispatcher routes commands to registered handlers.
type Dispatcher struct {
	mu         sync.RWMutex
	handlers   map[string]Handler
	middleware []Middleware
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register associates a handler with a command name. Panics if a handler is
// already registered.
func (d *Dispatcher) Register(name string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, exists := d.handlers[name]; exists {
		panic("commands: handler already registered for " + name)
	}
	d.handlers[name] = h
}

// Use appends a middleware to the dispatcher chain (applies to all commands).
func (d *Dispatcher) Use(m Middleware) {
	d.mu.Lock()
	d.middleware = append(d.middleware, m)
	d.mu.Unlock()
}

// Names lists the registered command names.
func (d *Dispatcher) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Dispatch routes the command to the registered handler.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd Command) (Response, error) {
	d.mu.RLock()
	h, ok := d.handlers[cmd.Name()]
	mws := append([]Middleware(nil), d.middleware...)
	d.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownCommand{name: cmd.Name()}
	}
	// Outermost middleware is the first registered.
	final := h
	for i := len(mws) - 1; i >= 0; i-- {
		mw := mws[i]
		next := final
		final = HandlerFunc(func(ctx context.Context, c Command) (Response, error) {
			return mw(ctx, c, next)
		})
	}
	return final.Handle(ctx, cmd)
}

// LogMiddleware records every dispatched command with its outcome.
func LogMiddleware(logger *log.Logger) Middleware {
	return func(ctx context.Context, cmd Command, next Handler) (Response, error) {
		start := time.Now()
		resp, err := next.Handle(ctx, cmd)
		if err != nil {
			logger.Warn("command failed", "command", cmd.Name(), "took", time.Since(start), "err", err)
		} else {
			logger.Debug("command handled", "command", cmd.Name(), "took", time.Since(start))
		}
		return resp, err
	}
}

// ErrUnknownCommand is returned when no handler exists for a command.
type ErrUnknownCommand struct {
	name string
}

func (e ErrUnknownCommand) Error() string { return "commands: unknown command " + e.name }
