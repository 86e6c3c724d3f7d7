// Package logging hands out prefixed charmbracelet loggers that share one
// output and level.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
)

var (
	mu      sync.Mutex
	out     io.Writer = os.Stderr
	level             = log.InfoLevel
	loggers           = map[string]*log.Logger{}
)

// New returns the logger for a subsystem. Loggers are cached per prefix so
// later level changes reach every caller.
func New(prefix string) *log.Logger {
	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[prefix]; ok {
		return l
	}
	l := log.NewWithOptions(out, log.Options{
		Prefix:          prefix,
		Level:           level,
		ReportTimestamp: true,
		TimeFormat:      time.DateTime,
	})
	loggers[prefix] = l
	return l
}

// SetLevel parses a level name (debug, info, warn, error) and applies it to
// every logger handed out so far and to future ones.
func SetLevel(name string) error {
	lvl, err := log.ParseLevel(strings.TrimSpace(strings.ToLower(name)))
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	level = lvl
	for _, l := range loggers {
		l.SetLevel(lvl)
	}
	return nil
}

// Level reports the current level name.
func Level() string {
	mu.Lock()
	defer mu.Unlock()
	return level.String()
}

// SetOutput redirects all loggers. Tests use it to silence or capture output.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
	for _, l := range loggers {
		l.SetOutput(w)
	}
}
