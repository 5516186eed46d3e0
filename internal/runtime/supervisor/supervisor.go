package supervisor

import (
	"context"
	"log"
	"sync"
)

// Component is a unit of daemon infrastructure with a managed lifecycle:
// the socket namespace, the control server, the public listener manager,
// the status server.
type Component interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Supervisor starts registered components in order and stops them in
// reverse order, so the namespace outlives every socket created inside it.
type Supervisor struct {
	mu         sync.Mutex
	components []Component
	started    bool
}

// New creates an empty supervisor.
func New() *Supervisor {
	return &Supervisor{}
}

// Register adds a component. Registration is only allowed before Start.
func (s *Supervisor) Register(c Component) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		panic("supervisor: cannot register component after start")
	}
	s.components = append(s.components, c)
}

// Start invokes Start on each component in registration order. On failure,
// already-started components are stopped in reverse order and the error is
// returned.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	comps := append([]Component(nil), s.components...)
	s.mu.Unlock()

	started := make([]Component, 0, len(comps))
	for _, c := range comps {
		if err := c.Start(ctx); err != nil {
			log.Printf("WARN: Component %s failed to start: %v", c.Name(), err)
			for i := len(started) - 1; i >= 0; i-- {
				_ = started[i].Stop(ctx)
			}
			return err
		}
		started = append(started, c)
	}
	return nil
}

// Stop stops all components in reverse registration order. Safe to call
// even if Start was never invoked; every component gets its Stop even when
// an earlier one fails.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	comps := append([]Component(nil), s.components...)
	s.started = false
	s.mu.Unlock()

	var firstErr error
	for i := len(comps) - 1; i >= 0; i-- {
		if err := comps[i].Stop(ctx); err != nil {
			log.Printf("WARN: Component %s failed to stop cleanly: %v", comps[i].Name(), err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// componentFunc wraps start/stop callbacks into a Component.
type componentFunc struct {
	name  string
	start func(ctx context.Context) error
	stop  func(ctx context.Context) error
}

// NewComponent creates a Component from callbacks. Nil callbacks are no-ops.
func NewComponent(name string, start, stop func(ctx context.Context) error) Component {
	return &componentFunc{name: name, start: start, stop: stop}
}

func (c *componentFunc) Name() string { return c.name }

func (c *componentFunc) Start(ctx context.Context) error {
	if c.start == nil {
		return nil
	}
	return c.start(ctx)
}

func (c *componentFunc) Stop(ctx context.Context) error {
	if c.stop == nil {
		return nil
	}
	return c.stop(ctx)
}
