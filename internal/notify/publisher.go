// Package notify presents web service state to the operator: the log, the
// service manager status line and the health tracker.
package notify

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/coreos/go-systemd/v22/daemon"

	"shelfd/internal/health"
	"shelfd/internal/webservice"
)

// DefaultStopHint is shown next to the serving address.
const DefaultStopHint = "shelfd ctl stop"

// Notifier sends a service manager state string. daemon.SdNotify matches it.
type Notifier func(unsetEnvironment bool, state string) (bool, error)

// Publisher implements webservice.StatusPublisher.
type Publisher struct {
	logger   *log.Logger
	health   *health.Tracker
	notifier Notifier
	stopHint string

	mu          sync.Mutex
	last        string
	lastFailure *webservice.Failure
}

type Option func(*Publisher)

func WithNotifier(n Notifier) Option { return func(p *Publisher) { p.notifier = n } }

func WithStopHint(hint string) Option { return func(p *Publisher) { p.stopHint = hint } }

func New(logger *log.Logger, tracker *health.Tracker, opts ...Option) *Publisher {
	p := &Publisher{
		logger:   logger,
		health:   tracker,
		notifier: daemon.SdNotify,
		stopHint: DefaultStopHint,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = log.New(io.Discard)
	}
	if p.health != nil {
		p.health.Setf(health.ComponentWebService, health.LevelOK, "stopped")
	}
	return p
}

// Publish renders a state transition. Repeats of the same status are
// dropped. Failed is left to Failure so a failure is shown once.
func (p *Publisher) Publish(s webservice.RunningState) {
	if s.Phase == webservice.PhaseFailed {
		return
	}
	text := s.StatusText()

	p.mu.Lock()
	if text == p.last {
		p.mu.Unlock()
		return
	}
	p.last = text
	if s.Phase == webservice.PhaseRunning {
		p.lastFailure = nil
	}
	failure := p.lastFailure
	p.mu.Unlock()

	switch s.Phase {
	case webservice.PhaseRunning:
		p.logger.Info("library available", "url", s.URL(), "stop", p.stopHint)
		p.setHealth(health.LevelOK, text)
	case webservice.PhaseStarting:
		p.logger.Debug("web service starting")
		p.setHealth(health.LevelOK, text)
	case webservice.PhaseStopped:
		if failure != nil {
			p.setHealth(health.LevelWarn, fmt.Sprintf("stopped after failure: %s", failure.Message))
		} else {
			p.setHealth(health.LevelOK, text)
		}
	}
	p.status(text)
}

// Failure reports a failed activation. It is called once per failure.
func (p *Publisher) Failure(f webservice.Failure) {
	text := "failed: " + f.Message
	p.mu.Lock()
	p.lastFailure = &f
	p.last = text
	p.mu.Unlock()

	p.logger.Error("could not share the library", "kind", f.Kind, "reason", f.Message)
	p.setHealth(health.LevelError, f.Message)
	p.status(text)
}

// LastFailure returns the failure shown since the last successful start.
func (p *Publisher) LastFailure() *webservice.Failure {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastFailure
}

// Ready tells the service manager that startup finished.
func (p *Publisher) Ready() {
	p.send(daemon.SdNotifyReady)
}

// Stopping tells the service manager that shutdown began.
func (p *Publisher) Stopping() {
	p.send(daemon.SdNotifyStopping)
}

func (p *Publisher) status(text string) {
	p.send("STATUS=" + text)
}

func (p *Publisher) send(state string) {
	if p.notifier == nil {
		return
	}
	sent, err := p.notifier(false, state)
	if err != nil {
		p.logger.Warn("service manager notify failed", "state", state, "err", err)
		return
	}
	if sent {
		p.logger.Debug("notified service manager", "state", state)
	}
}

func (p *Publisher) setHealth(level health.Level, msg string) {
	if p.health == nil {
		return
	}
	p.health.Set(health.ComponentWebService, health.Status{Level: level, Message: msg})
}

var _ webservice.StatusPublisher = (*Publisher)(nil)
