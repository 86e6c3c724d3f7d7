// Package serverbase holds the lifecycle bookkeeping shared by shelfd's
// listening servers.
//
// A Base is single-use: once stopped or failed, build a new server.
package serverbase

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
)

// State is a server lifecycle state.
type State int32

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateStopping
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrAlreadyStarted is returned by Listen on a Base that has left Created.
var ErrAlreadyStarted = errors.New("server already started")

// Base tracks state, the listener, and the goroutines serving it.
type Base struct {
	state atomic.Int32

	mu      sync.Mutex
	ln      net.Listener
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	lastErr error
}

// New returns a Base in the Created state.
func New() *Base {
	b := &Base{}
	b.state.Store(int32(StateCreated))
	return b
}

// State returns the current state without locking.
func (b *Base) State() State {
	return State(b.state.Load())
}

// Alive reports whether the server is starting or serving.
func (b *Base) Alive() bool {
	s := b.State()
	return s == StateStarting || s == StateRunning
}

// lastError returns the error that moved the server to Failed, if any.
func (b *Base) lastError() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastErr
}

// Context is cancelled when the server begins stopping or fails.
func (b *Base) Context() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ctx
}

// Listen moves Created to Starting and binds a TCP listener. Bind errors are
// returned exactly as net reports them and leave the Base in Failed.
func (b *Base) Listen(ctx context.Context, addr string) (net.Listener, error) {
	if err := ctx.Err(); err != nil {
		b.Fail(err)
		return nil, err
	}
	if !b.state.CompareAndSwap(int32(StateCreated), int32(StateStarting)) {
		return nil, fmt.Errorf("%w (state %s)", ErrAlreadyStarted, b.State())
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		b.Fail(err)
		return nil, err
	}

	b.mu.Lock()
	b.ln = ln
	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.mu.Unlock()
	return ln, nil
}

// Addr returns the bound address, or nil before Listen succeeds.
func (b *Base) Addr() net.Addr {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ln == nil {
		return nil
	}
	return b.ln.Addr()
}

// MarkRunning moves Starting to Running.
func (b *Base) MarkRunning() {
	b.state.CompareAndSwap(int32(StateStarting), int32(StateRunning))
}

// Fail records err and moves the server to Failed. A server that is already
// stopping keeps its state.
func (b *Base) Fail(err error) {
	for {
		cur := b.State()
		if cur == StateStopping || cur == StateStopped {
			return
		}
		if b.state.CompareAndSwap(int32(cur), int32(StateFailed)) {
			break
		}
	}
	b.mu.Lock()
	b.lastErr = err
	cancel := b.cancel
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Go runs fn on a tracked goroutine with the server context.
func (b *Base) Go(fn func(ctx context.Context)) {
	ctx := b.Context()
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		fn(ctx)
	}()
}

// Shutdown stops the server once. It cancels the server context, runs
// drain, closes the listener, waits for tracked goroutines and ends in
// Stopped. It reports false when there was nothing to stop.
func (b *Base) Shutdown(drain func()) bool {
	for {
		cur := b.State()
		switch cur {
		case StateStopping, StateStopped:
			return false
		case StateCreated:
			if b.state.CompareAndSwap(int32(cur), int32(StateStopped)) {
				return false
			}
			continue
		}
		if b.state.CompareAndSwap(int32(cur), int32(StateStopping)) {
			break
		}
	}

	b.mu.Lock()
	cancel, ln := b.cancel, b.ln
	b.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if drain != nil {
		drain()
	}
	if ln != nil {
		_ = ln.Close()
	}
	b.wg.Wait()
	b.state.Store(int32(StateStopped))
	return true
}
