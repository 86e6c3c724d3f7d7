package webservice

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// network simulates the host's port table for fake servers.
type network struct {
	mu      sync.Mutex
	bound   map[int]*fakeServer
	failOn  map[int]error
	created map[string]int
	// gate, when set, blocks Start until closed; entered is signalled first.
	gate    chan struct{}
	entered chan int
}

func newNetwork() *network {
	return &network{
		bound:   map[int]*fakeServer{},
		failOn:  map[int]error{},
		created: map[string]int{},
	}
}

func (n *network) factory(kind string) Factory {
	return func() Server {
		n.mu.Lock()
		n.created[kind]++
		n.mu.Unlock()
		return &fakeServer{kind: kind, net: n}
	}
}

func (n *network) pair(idle time.Duration) *ServerPair {
	return NewServerPair(n.factory("request"), n.factory("push"), idle, nil)
}

func (n *network) ports() []int {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]int, 0, len(n.bound))
	for p := range n.bound {
		out = append(out, p)
	}
	sort.Ints(out)
	return out
}

func (n *network) server(port int) *fakeServer {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.bound[port]
}

func (n *network) createdCount(kind string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.created[kind]
}

type fakeServer struct {
	kind string
	net  *network

	mu    sync.Mutex
	alive bool
	port  int
	idle  time.Duration
	stops int
}

func (s *fakeServer) Start(ctx context.Context, port int) error {
	return s.StartWithTimeout(ctx, port, 0)
}

func (s *fakeServer) StartWithTimeout(ctx context.Context, port int, idle time.Duration) error {
	n := s.net
	if n.gate != nil {
		if n.entered != nil {
			n.entered <- port
		}
		<-n.gate
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if err, ok := n.failOn[port]; ok {
		return err
	}
	if _, taken := n.bound[port]; taken {
		return fmt.Errorf("listen tcp :%d: bind: address already in use", port)
	}
	n.bound[port] = s
	s.mu.Lock()
	s.alive, s.port, s.idle = true, port, idle
	s.mu.Unlock()
	return nil
}

func (s *fakeServer) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.alive {
		return nil
	}
	s.alive = false
	s.stops++
	s.net.mu.Lock()
	delete(s.net.bound, s.port)
	s.net.mu.Unlock()
	return nil
}

// die simulates the server exiting on its own: the port is released and
// Alive turns false without Stop being called.
func (s *fakeServer) die() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alive = false
	s.net.mu.Lock()
	delete(s.net.bound, s.port)
	s.net.mu.Unlock()
}

func (s *fakeServer) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alive
}

type recorder struct {
	mu       sync.Mutex
	states   []RunningState
	failures []Failure
}

func (r *recorder) Publish(s RunningState) {
	r.mu.Lock()
	r.states = append(r.states, s)
	r.mu.Unlock()
}

func (r *recorder) Failure(f Failure) {
	r.mu.Lock()
	r.failures = append(r.failures, f)
	r.mu.Unlock()
}

func (r *recorder) texts() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.states))
	for i, s := range r.states {
		out[i] = s.StatusText()
	}
	return out
}

func (r *recorder) sawPhase(p Phase) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.states {
		if s.Phase == p {
			return true
		}
	}
	return false
}

var errPermission = errors.New("listen tcp :80: bind: permission denied")
