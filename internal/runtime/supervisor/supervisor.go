package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/charmbracelet/log"
)

// Component represents a unit of work managed by the supervisor.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Supervisor coordinates the lifecycle of registered components.
type Supervisor struct {
	mu         sync.Mutex
	components []Component
	started    []Component
	running    bool
	logger     *log.Logger
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger makes the supervisor log component transitions.
func WithLogger(l *log.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// New creates an empty supervisor.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a component to the supervisor. Registration is only allowed
// while the supervisor is not running.
func (s *Supervisor) Register(c Component) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		panic("supervisor: cannot register component after start")
	}
	s.components = append(s.components, c)
}

// Start iterates components in registration order and invokes Start on each.
// If any component fails, previously started components are stopped in reverse
// order and the component's error is returned unchanged.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	comps := append([]Component(nil), s.components...)
	s.mu.Unlock()

	started := make([]Component, 0, len(comps))
	for _, c := range comps {
		if err := c.Start(ctx); err != nil {
			s.debug("component failed to start", "component", c.Name(), "err", err)
			for i := len(started) - 1; i >= 0; i-- {
				if stopErr := started[i].Stop(ctx); stopErr != nil {
					s.debug("rollback stop failed", "component", started[i].Name(), "err", stopErr)
				}
			}
			s.mu.Lock()
			s.running = false
			s.started = nil
			s.mu.Unlock()
			return err
		}
		s.debug("component started", "component", c.Name())
		started = append(started, c)
	}

	s.mu.Lock()
	s.started = started
	s.mu.Unlock()
	return nil
}

// Stop stops the components started by the last successful Start in reverse
// order. Every component is asked to stop even when an earlier one fails; the
// errors are joined. It is safe to call even if Start was never invoked.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	comps := s.started
	s.started = nil
	s.running = false
	s.mu.Unlock()

	var errs []error
	for i := len(comps) - 1; i >= 0; i-- {
		if err := comps[i].Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", comps[i].Name(), err))
			continue
		}
		s.debug("component stopped", "component", comps[i].Name())
	}
	return errors.Join(errs...)
}

// Running reports whether Start has completed without a subsequent Stop.
func (s *Supervisor) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Supervisor) debug(msg string, kv ...any) {
	if s.logger != nil {
		s.logger.Debug(msg, kv...)
	}
}

// Funcs adapts a pair of callbacks into a Component. Nil callbacks are no-ops.
type Funcs struct {
	ComponentName string
	OnStart       func(ctx context.Context) error
	OnStop        func(ctx context.Context) error
}

// NewComponent creates a Component from callbacks.
func NewComponent(name string, start, stop func(ctx context.Context) error) Component {
	return Funcs{ComponentName: name, OnStart: start, OnStop: stop}
}

func (f Funcs) Name() string { return f.ComponentName }

func (f Funcs) Start(ctx context.Context) error {
	if f.OnStart == nil {
		return nil
	}
	return f.OnStart(ctx)
}

func (f Funcs) Stop(ctx context.Context) error {
	if f.OnStop == nil {
		return nil
	}
	return f.OnStop(ctx)
}
