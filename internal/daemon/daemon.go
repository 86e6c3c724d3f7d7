// Package daemon assembles shelfd: the library index, the web service
// controller with its request and push servers, the control API and the
// mDNS advertiser, all under one supervisor.
package daemon

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"

	"shelfd/internal/config"
	"shelfd/internal/control"
	"shelfd/internal/events"
	"shelfd/internal/health"
	"shelfd/internal/httpserver"
	"shelfd/internal/library"
	"shelfd/internal/logging"
	"shelfd/internal/mdns"
	"shelfd/internal/netprobe"
	"shelfd/internal/notify"
	"shelfd/internal/pushserver"
	"shelfd/internal/runtime/supervisor"
	"shelfd/internal/state/paths"
	"shelfd/internal/webservice"
)

const stopTimeout = 15 * time.Second

// Daemon holds every long-lived component.
type Daemon struct {
	loader  *config.Loader
	version string
	logger  *log.Logger

	bus        *events.Bus
	health     *health.Tracker
	library    *library.Store
	controller *webservice.Controller
	publisher  *notify.Publisher
	control    *control.Server
	mdns       *mdns.Advertiser
	supervisor *supervisor.Supervisor

	probe    netprobe.Probe
	notifier notify.Notifier

	mu           sync.Mutex
	cancelRescan context.CancelFunc
	rescanDone   chan struct{}
	stopped      atomic.Bool
}

// Option configures a Daemon.
type Option func(*Daemon)

func WithVersion(version string) Option {
	return func(d *Daemon) { d.version = version }
}

// WithProbe replaces the interface scan that finds the LAN address.
func WithProbe(p netprobe.Probe) Option {
	return func(d *Daemon) { d.probe = p }
}

// WithNotifier replaces the service manager notifier.
func WithNotifier(n notify.Notifier) Option {
	return func(d *Daemon) { d.notifier = n }
}

// New builds the daemon from the loaded configuration. Nothing listens until
// Start.
func New(loader *config.Loader, opts ...Option) (*Daemon, error) {
	d := &Daemon{loader: loader, version: "dev", logger: logging.New("shelfd")}
	for _, opt := range opts {
		opt(d)
	}
	cfg := loader.Current()
	if err := logging.SetLevel(cfg.Log.Level); err != nil {
		d.logger.Warn("invalid log level, keeping current", "level", cfg.Log.Level, "err", err)
	}
	if d.probe == nil {
		d.probe = netprobe.ForHost(cfg.Web.Host)
	}

	d.bus = events.NewBus()
	d.health = health.NewTracker()

	lib, err := library.Open(library.Options{
		DatabasePath: paths.DatabasePath(cfg.StateDir),
		Dir:          cfg.Library.Dir,
		Bus:          d.bus,
		Logger:       logging.New("library"),
	})
	if err != nil {
		return nil, fmt.Errorf("open library: %w", err)
	}
	d.library = lib

	var notifyOpts []notify.Option
	if d.notifier != nil {
		notifyOpts = append(notifyOpts, notify.WithNotifier(d.notifier))
	}
	d.publisher = notify.New(logging.New("webservice"), d.health, notifyOpts...)

	pair := webservice.NewServerPair(
		httpserver.Factory(httpserver.Deps{
			Library:          lib,
			Health:           d.health,
			Version:          d.version,
			ValidateRequests: cfg.Web.ValidateRequests,
			Logger:           logging.New("http"),
		}),
		pushserver.Factory(pushserver.Deps{
			Bus:     d.bus,
			Library: lib,
			Logger:  logging.New("push"),
		}),
		cfg.Web.PushIdleTimeout,
		logging.New("webservice"),
	)
	d.controller = webservice.NewController(webservice.Options{
		Pair:          pair,
		Probe:         d.probe,
		Publisher:     d.publisher,
		Bus:           d.bus,
		PreferredPort: loader.PreferredPort,
		Logger:        logging.New("webservice"),
	})

	d.control = control.New(control.Options{
		Addr:       cfg.Control.Addr,
		Controller: d.controller,
		Library:    lib,
		Health:     d.health,
		Logger:     logging.New("control"),
	})

	d.supervisor = supervisor.New(supervisor.WithLogger(d.logger))
	d.supervisor.Register(supervisor.NewComponent(health.ComponentLibrary, d.startLibrary, d.stopLibrary))
	d.supervisor.Register(d.control)
	if cfg.MDNS.Enabled {
		d.mdns = mdns.New(mdns.Options{
			Bus:      d.bus,
			Health:   d.health,
			Instance: cfg.MDNS.Instance,
			Version:  d.version,
			Logger:   logging.New("mdns"),
		})
		d.supervisor.Register(d.mdns)
	}
	d.supervisor.Register(webservice.HostComponent(d.controller, cfg.Web.Autostart))
	return d, nil
}

func (d *Daemon) Controller() *webservice.Controller { return d.controller }
func (d *Daemon) Control() *control.Server           { return d.control }
func (d *Daemon) Library() *library.Store            { return d.library }
func (d *Daemon) Health() *health.Tracker            { return d.health }
func (d *Daemon) Bus() *events.Bus                   { return d.bus }

// Start brings every component up in order and tells the service manager
// the daemon is ready.
func (d *Daemon) Start(ctx context.Context) error {
	if err := d.supervisor.Start(ctx); err != nil {
		d.library.Close()
		return err
	}
	d.loader.Watch(d.onConfigChange)
	d.publisher.Ready()
	d.logger.Info("shelfd started", "version", d.version, "config", d.loader.File())
	return nil
}

// Stop deactivates the web service and tears everything down in reverse
// order.
func (d *Daemon) Stop(ctx context.Context) error {
	if !d.stopped.CompareAndSwap(false, true) {
		return nil
	}
	d.publisher.Stopping()
	err := d.supervisor.Stop(ctx)
	if cerr := d.library.Close(); cerr != nil && err == nil {
		err = cerr
	}
	d.bus.Close()
	d.logger.Info("shelfd stopped")
	return err
}

// Run starts the daemon and blocks until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return d.Stop(stopCtx)
}

func (d *Daemon) startLibrary(ctx context.Context) error {
	res, err := d.library.Rescan(ctx)
	if err != nil {
		d.health.Setf(health.ComponentLibrary, health.LevelWarn, "initial scan failed: %v", err)
		d.logger.Warn("initial library scan failed", "err", err)
	} else {
		d.health.Setf(health.ComponentLibrary, health.LevelOK, "%d books", res.Total)
	}

	interval := d.loader.Current().Library.RescanInterval
	wctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.library.Watch(wctx, interval)
	}()
	d.mu.Lock()
	d.cancelRescan, d.rescanDone = cancel, done
	d.mu.Unlock()
	return nil
}

func (d *Daemon) stopLibrary(ctx context.Context) error {
	d.mu.Lock()
	cancel, done := d.cancelRescan, d.rescanDone
	d.cancelRescan, d.rescanDone = nil, nil
	d.mu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}
	return d.library.Close()
}

// onConfigChange applies settings that can change without a restart.
func (d *Daemon) onConfigChange(prev, next *config.Config, changed []string) {
	if d.stopped.Load() {
		return
	}
	d.logger.Info("configuration changed", "keys", changed)

	if slices.Contains(changed, "log.level") {
		if err := logging.SetLevel(next.Log.Level); err != nil {
			d.logger.Warn("invalid log level", "level", next.Log.Level, "err", err)
		}
	}
	if slices.Contains(changed, "web.port") && d.controller.State().IsRunning() {
		// A Start while running restarts on the new port.
		if err := d.controller.Submit(context.Background(), webservice.StartCommand(nil)); err != nil {
			d.logger.Warn("restart on new port", "err", err)
		}
	}
	for _, key := range changed {
		if !liveKeys[key] {
			d.logger.Warn("setting takes effect after restart", "key", key)
		}
	}
	d.bus.Publish(events.Event{
		Topic:   events.TopicConfigChanged,
		Payload: events.ConfigChanged{Keys: changed},
	})
}

var liveKeys = map[string]bool{
	"web.port":  true,
	"log.level": true,
}
