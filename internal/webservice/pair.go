package webservice

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"shelfd/internal/runtime/supervisor"
)

// Server is one of the two listening servers. Implementations are
// single-use: a stopped server is replaced, not restarted. Stop on a server
// that is not alive must be a no-op.
type Server interface {
	Start(ctx context.Context, port int) error
	StartWithTimeout(ctx context.Context, port int, idle time.Duration) error
	Stop() error
	Alive() bool
}

// Factory builds a fresh Server for each activation.
type Factory func() Server

// ServerPair owns at most one request server and one push server. The push
// server always binds the port after the request server's.
type ServerPair struct {
	newRequest Factory
	newPush    Factory
	pushIdle   time.Duration
	logger     *log.Logger

	mu      sync.Mutex
	request Server
	push    Server
	sup     *supervisor.Supervisor
	port    int
}

// NewServerPair wires the factories. pushIdle bounds how long a push client
// may stay silent before it is dropped.
func NewServerPair(request, push Factory, pushIdle time.Duration, logger *log.Logger) *ServerPair {
	return &ServerPair{newRequest: request, newPush: push, pushIdle: pushIdle, logger: logger}
}

// Start binds both servers with the pair's default push idle timeout.
func (p *ServerPair) Start(ctx context.Context, port int) error {
	return p.StartWithTimeout(ctx, port, p.pushIdle)
}

// StartWithTimeout binds the request server on port and the push server on
// port+1. When either fails, whichever started is stopped again and the
// failing server's error is returned unchanged.
func (p *ServerPair) StartWithTimeout(ctx context.Context, port int, idle time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.sup != nil {
		return fmt.Errorf("webservice: server pair already started on %d", p.port)
	}

	request, push := p.newRequest(), p.newPush()
	opts := []supervisor.Option{}
	if p.logger != nil {
		opts = append(opts, supervisor.WithLogger(p.logger))
	}
	sup := supervisor.New(opts...)
	sup.Register(supervisor.NewComponent("request",
		func(ctx context.Context) error { return request.Start(ctx, port) },
		func(context.Context) error { return stopServer(request) },
	))
	sup.Register(supervisor.NewComponent("push",
		func(ctx context.Context) error { return push.StartWithTimeout(ctx, PushPort(port), idle) },
		func(context.Context) error { return stopServer(push) },
	))
	if err := sup.Start(ctx); err != nil {
		return err
	}

	p.request, p.push, p.sup, p.port = request, push, sup, port
	return nil
}

// Stop stops both servers. Servers that are not alive are skipped, so
// calling Stop repeatedly is harmless.
func (p *ServerPair) Stop() error {
	p.mu.Lock()
	sup := p.sup
	p.request, p.push, p.sup, p.port = nil, nil, nil, 0
	p.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Stop(context.Background())
}

// RequestAlive reports whether the current request server is up.
func (p *ServerPair) RequestAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.request != nil && p.request.Alive()
}

// PushAlive reports whether the current push server is up.
func (p *ServerPair) PushAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.push != nil && p.push.Alive()
}

// AnyAlive reports whether either server is up.
func (p *ServerPair) AnyAlive() bool {
	return p.RequestAlive() || p.PushAlive()
}

// Port is the base port of the current pair, 0 when none.
func (p *ServerPair) Port() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port
}

func stopServer(s Server) error {
	if s == nil || !s.Alive() {
		return nil
	}
	err := s.Stop()
	if err != nil && !s.Alive() {
		return nil
	}
	return err
}
