package webservice

import (
	"fmt"
	"net"
	"strconv"
	"sync"
)

// Phase is the controller's lifecycle phase.
type Phase int

const (
	PhaseStopped Phase = iota
	PhaseStarting
	PhaseRunning
	PhaseFailed
)

func (p Phase) String() string {
	switch p {
	case PhaseStopped:
		return "stopped"
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return "running"
	case PhaseFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// RunningState is one value of Stopped, Starting, Running{Address, Port} or
// Failed{Reason}.
type RunningState struct {
	Phase   Phase
	Address string
	Port    int
	Reason  string
}

func Stopped() RunningState  { return RunningState{Phase: PhaseStopped} }
func Starting() RunningState { return RunningState{Phase: PhaseStarting} }

func Running(addr net.IP, port int) RunningState {
	return RunningState{Phase: PhaseRunning, Address: addr.String(), Port: port}
}

func Failed(reason string) RunningState {
	return RunningState{Phase: PhaseFailed, Reason: reason}
}

// IsRunning reports whether the servers are starting or serving.
func (s RunningState) IsRunning() bool {
	return s.Phase == PhaseStarting || s.Phase == PhaseRunning
}

// URL is the request server's base URL while Running, otherwise "".
func (s RunningState) URL() string {
	if s.Phase != PhaseRunning {
		return ""
	}
	return "http://" + net.JoinHostPort(s.Address, strconv.Itoa(s.Port))
}

// StatusText is the line shown to the user for this state.
func (s RunningState) StatusText() string {
	switch s.Phase {
	case PhaseStarting:
		return "starting"
	case PhaseRunning:
		return fmt.Sprintf("serving at %s:%d", s.Address, s.Port)
	case PhaseFailed:
		return s.Reason
	default:
		return "stopped"
	}
}

var transitions = map[Phase][]Phase{
	PhaseStopped:  {PhaseStarting},
	PhaseStarting: {PhaseRunning, PhaseFailed, PhaseStopped},
	PhaseRunning:  {PhaseStarting, PhaseStopped},
	PhaseFailed:   {PhaseStopped},
}

// InvalidTransitionError reports a phase change the state machine forbids.
type InvalidTransitionError struct {
	From, To Phase
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("webservice: invalid transition %s -> %s", e.From, e.To)
}

func allowed(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}

// State holds one RunningState. Reads are cheap; writes happen only through
// the controller. A transition that tears servers down holds readers off
// until the servers are gone, so no reader sees Running after a server
// stopped or Stopped while one is still up.
type State struct {
	mu  sync.RWMutex
	cur RunningState
}

// Load returns the current value.
func (s *State) Load() RunningState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cur
}

func (s *State) transition(next RunningState) error {
	return s.transitionAfter(next, nil)
}

// transitionAfter runs fn and then stores next while holding off readers.
// fn does not run when the transition is not allowed.
func (s *State) transitionAfter(next RunningState, fn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !allowed(s.cur.Phase, next.Phase) {
		return &InvalidTransitionError{From: s.cur.Phase, To: next.Phase}
	}
	if fn != nil {
		fn()
	}
	s.cur = next
	return nil
}

var process State

// Current returns the process-wide running state.
func Current() RunningState { return process.Load() }

// IsRunning reports whether the process-wide web service is starting or
// serving.
func IsRunning() bool { return process.Load().IsRunning() }
