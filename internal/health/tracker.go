// Package health records how each part of shelfd is doing. The library,
// the web service, the control API and the mDNS advertiser each own one
// entry; /health on both HTTP surfaces reports them.
package health

import (
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"
)

type Level int

const (
	LevelOK Level = iota
	LevelWarn
	LevelError
)

// Component names reported by the daemon.
const (
	ComponentLibrary    = "library"
	ComponentWebService = "webservice"
	ComponentControl    = "control"
	ComponentMDNS       = "mdns"
)

func (l Level) String() string {
	switch l {
	case LevelOK:
		return "ok"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

// MarshalText renders the level by name in JSON.
func (l Level) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

type Status struct {
	Level     Level     `json:"level"`
	Message   string    `json:"message"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Component is one named entry of a health report.
type Component struct {
	Name string `json:"name"`
	Status
}

// Tracker holds the latest status per component. It is safe for concurrent
// use.
type Tracker struct {
	mu       sync.RWMutex
	statuses map[string]Status
}

func NewTracker() *Tracker {
	return &Tracker{statuses: make(map[string]Status)}
}

func (t *Tracker) Set(name string, status Status) {
	if status.UpdatedAt.IsZero() {
		status.UpdatedAt = time.Now().UTC()
	}
	t.mu.Lock()
	t.statuses[name] = status
	t.mu.Unlock()
}

// Setf records a status whose message is built from format and args.
func (t *Tracker) Setf(name string, level Level, format string, args ...any) {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	t.Set(name, Status{Level: level, Message: msg})
}

func (t *Tracker) Status(name string) (Status, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.statuses[name]
	return s, ok
}

func (t *Tracker) Snapshot() map[string]Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(t.statuses)
}

// Components lists every entry sorted by name.
func (t *Tracker) Components() []Component {
	snap := t.Snapshot()
	out := make([]Component, 0, len(snap))
	for _, name := range slices.Sorted(maps.Keys(snap)) {
		out = append(out, Component{Name: name, Status: snap[name]})
	}
	return out
}

// Overall is the worst level across all components.
func (t *Tracker) Overall() Level {
	t.mu.RLock()
	defer t.mu.RUnlock()
	worst := LevelOK
	for _, st := range t.statuses {
		worst = max(worst, st.Level)
	}
	return worst
}
