package webservice

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"

	"shelfd/internal/events"
	"shelfd/internal/netprobe"
)

// StatusPublisher renders controller state for the user and offers the stop
// affordance that ends in a Stop command.
type StatusPublisher interface {
	// Publish is called on every state transition.
	Publish(state RunningState)
	// Failure is called once per failed activation, before the controller
	// returns to Stopped.
	Failure(f Failure)
}

var (
	// ErrLoopRunning is returned by Run when another Run is active.
	ErrLoopRunning = errors.New("webservice: controller loop already running")
	// ErrLoopStopped is returned for commands sent after Run has exited.
	ErrLoopStopped = errors.New("webservice: controller loop stopped")
)

const commandBuffer = 16

// Options wires a Controller.
type Options struct {
	Pair      *ServerPair
	Probe     netprobe.Probe
	Publisher StatusPublisher
	Bus       *events.Bus
	// PreferredPort is read at every activation. Nil means always unset.
	PreferredPort func() *int
	// State defaults to the process-wide state.
	State  *State
	Logger *log.Logger
}

type envelope struct {
	cmd  Command
	seq  uint64
	done chan struct{}
}

// Controller serializes activations and deactivations of a ServerPair.
type Controller struct {
	pair      *ServerPair
	probe     netprobe.Probe
	publisher StatusPublisher
	bus       *events.Bus
	preferred func() *int
	state     *State
	logger    *log.Logger

	cmds    chan *envelope
	looping atomic.Bool
	exited  chan struct{}
	// sendMu is held shared by senders; the loop takes it exclusively to
	// set closed before its final drain.
	sendMu sync.RWMutex
	closed bool

	mu          sync.Mutex
	stopSeq     uint64
	cancelStart context.CancelFunc
	lastFailure *Failure
}

// NewController builds a controller. Run must be started before commands
// are processed.
func NewController(opts Options) *Controller {
	c := &Controller{
		pair:      opts.Pair,
		probe:     opts.Probe,
		publisher: opts.Publisher,
		bus:       opts.Bus,
		preferred: opts.PreferredPort,
		state:     opts.State,
		logger:    opts.Logger,
		cmds:      make(chan *envelope, commandBuffer),
		exited:    make(chan struct{}),
	}
	if c.state == nil {
		c.state = &process
	}
	if c.preferred == nil {
		c.preferred = func() *int { return nil }
	}
	if c.logger == nil {
		c.logger = log.New(io.Discard)
	}
	return c
}

// State returns the controller's current state.
func (c *Controller) State() RunningState { return c.state.Load() }

// LastFailure returns the failure of the most recent failed activation, or
// nil once a later activation succeeded.
func (c *Controller) LastFailure() *Failure {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastFailure
}

// Run drains the command channel until ctx is cancelled, then deactivates.
// A controller runs its loop once.
func (c *Controller) Run(ctx context.Context) error {
	if !c.looping.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			c.deactivate()
			c.drain()
			return nil
		case env := <-c.cmds:
			c.handle(ctx, env)
			close(env.done)
		}
	}
}

// shutdown refuses further commands. Senders blocked on a full channel are
// released by exited; once sendMu is held no sender is between its closed
// check and its send.
func (c *Controller) shutdown() {
	close(c.exited)
	c.sendMu.Lock()
	c.closed = true
	c.sendMu.Unlock()
}

// drain releases callers waiting on commands that will never run.
func (c *Controller) drain() {
	for {
		select {
		case env := <-c.cmds:
			close(env.done)
		default:
			return
		}
	}
}

// Submit enqueues cmd without waiting for it to run. A Stop cancels the
// activation in flight and supersedes Starts queued before it.
func (c *Controller) Submit(ctx context.Context, cmd Command) error {
	_, err := c.enqueue(ctx, cmd)
	return err
}

// Apply enqueues cmd and waits until the controller has processed it.
func (c *Controller) Apply(ctx context.Context, cmd Command) (RunningState, error) {
	env, err := c.enqueue(ctx, cmd)
	if err != nil {
		return c.state.Load(), err
	}
	select {
	case <-env.done:
		return c.state.Load(), nil
	case <-ctx.Done():
		return c.state.Load(), ctx.Err()
	}
}

func (c *Controller) enqueue(ctx context.Context, cmd Command) (*envelope, error) {
	env := &envelope{cmd: cmd, done: make(chan struct{})}

	c.mu.Lock()
	if cmd.Kind == CommandStop {
		c.stopSeq++
		if c.cancelStart != nil {
			c.cancelStart()
		}
	}
	env.seq = c.stopSeq
	c.mu.Unlock()

	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed {
		return nil, ErrLoopStopped
	}
	select {
	case c.cmds <- env:
		return env, nil
	case <-c.exited:
		return nil, ErrLoopStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Controller) handle(ctx context.Context, env *envelope) {
	switch env.cmd.Kind {
	case CommandStop:
		c.deactivate()
	case CommandStart:
		c.mu.Lock()
		if env.seq != c.stopSeq {
			c.mu.Unlock()
			c.logger.Debug("start superseded by a later stop")
			return
		}
		actx, cancel := context.WithCancel(ctx)
		c.cancelStart = cancel
		c.mu.Unlock()

		port := env.cmd.Port
		if port == nil {
			port = c.preferred()
		}
		c.activate(actx, port)

		c.mu.Lock()
		c.cancelStart = nil
		c.mu.Unlock()
		cancel()
	}
}

// activate runs one activation attempt. It never returns an error: every
// outcome ends in Running or back in Stopped.
func (c *Controller) activate(ctx context.Context, raw *int) {
	port := Resolve(raw)
	if raw != nil && *raw != port {
		c.logger.Debug("preferred port out of range, using default", "requested", *raw, "port", port)
	}

	c.set(Starting())
	// A pair whose servers died on their own still holds its supervisor.
	if prev := c.pair.Port(); prev != 0 {
		c.logger.Debug("replacing servers", "port", prev, "alive", c.pair.AnyAlive())
	}
	if err := c.pair.Stop(); err != nil {
		c.logger.Warn("stopping previous servers", "err", err)
	}

	if ctx.Err() != nil {
		c.deactivate()
		return
	}

	addr, ok := c.probe.Current()
	if !ok {
		c.fail(environmentFailure())
		return
	}

	if err := c.pair.Start(ctx, port); err != nil {
		if ctx.Err() != nil {
			c.logger.Info("activation cancelled while binding")
			c.deactivate()
			return
		}
		c.fail(transportFailure(err))
		return
	}
	if ctx.Err() != nil {
		c.logger.Info("activation cancelled after binding")
		c.deactivate()
		return
	}

	c.mu.Lock()
	c.lastFailure = nil
	c.mu.Unlock()
	c.set(Running(addr, port))
	c.logger.Info("serving", "address", addr.String(), "port", port, "push_port", PushPort(port))
}

func (c *Controller) fail(f *Failure) {
	c.logger.Debug("activation failed", "kind", f.Kind, "err", f.Message)
	_ = c.pair.Stop()
	c.mu.Lock()
	c.lastFailure = f
	c.mu.Unlock()

	c.set(Failed(f.Message))
	if c.publisher != nil {
		c.publisher.Failure(*f)
	}
	c.deactivate()
}

// deactivate stops both servers and settles in Stopped. Repeated calls are
// no-ops.
func (c *Controller) deactivate() {
	if c.state.Load().Phase == PhaseStopped {
		_ = c.pair.Stop()
		return
	}

	var stopErr error
	err := c.state.transitionAfter(Stopped(), func() {
		stopErr = c.pair.Stop()
	})
	if err != nil {
		c.logger.Error("state transition", "err", err)
		return
	}
	if stopErr != nil {
		c.logger.Warn("stopping servers", "err", stopErr)
	}
	c.logger.Info("web service stopped")
	c.notify(Stopped())
	if c.bus != nil {
		c.bus.Publish(events.Event{
			Topic:   events.TopicWebServiceStopped,
			Payload: events.WebServiceStopped{Serving: false},
		})
	}
}

func (c *Controller) set(next RunningState) {
	if err := c.state.transition(next); err != nil {
		c.logger.Error("state transition", "err", err)
		return
	}
	c.notify(next)
}

func (c *Controller) notify(s RunningState) {
	if c.publisher != nil {
		c.publisher.Publish(s)
	}
	if c.bus != nil {
		c.bus.Publish(events.Event{Topic: events.TopicWebServiceState, Payload: s})
	}
}
