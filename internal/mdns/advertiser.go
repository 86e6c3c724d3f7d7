// Package mdns advertises the library on the local link with DNS-SD while
// the web service is serving.
package mdns

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/miekg/dns"

	"shelfd/internal/events"
	"shelfd/internal/health"
	"shelfd/internal/webservice"
)

const maxPacketSize = 9000

// Options wires an Advertiser.
type Options struct {
	Bus    *events.Bus
	Health *health.Tracker
	// Instance is the advertised instance name; empty derives one from the
	// machine id.
	Instance string
	Version  string
	Logger   *log.Logger
}

// Advertiser follows web service state on the bus: it announces the service
// when serving starts, answers queries while it lasts and says goodbye when
// it stops.
type Advertiser struct {
	bus      *events.Bus
	health   *health.Tracker
	instance string
	host     string
	version  string
	logger   *log.Logger

	listen         func(ctx context.Context) (net.PacketConn, error)
	dest           net.Addr
	announceDelays []time.Duration

	mu             sync.Mutex
	conn           net.PacketConn
	svc            *Service
	sub            <-chan events.Event
	cancel         context.CancelFunc
	cancelAnnounce context.CancelFunc
	wg             sync.WaitGroup
}

func New(opts Options) *Advertiser {
	suffix := machineSuffix()
	a := &Advertiser{
		bus:            opts.Bus,
		health:         opts.Health,
		instance:       opts.Instance,
		host:           "shelfd-" + suffix,
		version:        opts.Version,
		logger:         opts.Logger,
		listen:         listenMulticast,
		dest:           GroupAddr,
		announceDelays: []time.Duration{0, time.Second, 2 * time.Second},
	}
	if a.instance == "" {
		a.instance = "shelfd-" + suffix
	}
	if a.logger == nil {
		a.logger = log.New(io.Discard)
	}
	return a
}

func (a *Advertiser) Name() string { return health.ComponentMDNS }

// Start opens the multicast socket. A host without multicast leaves the
// advertiser disabled rather than failing the daemon.
func (a *Advertiser) Start(ctx context.Context) error {
	conn, err := a.listen(ctx)
	if err != nil {
		a.logger.Warn("mdns disabled", "err", err)
		a.setHealth(health.LevelWarn, "disabled: %v", err)
		return nil
	}

	rctx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.conn = conn
	a.cancel = cancel
	if a.bus != nil {
		a.sub = a.bus.Subscribe(events.TopicWebServiceState, 8)
	}
	sub := a.sub
	a.mu.Unlock()

	a.setHealth(health.LevelOK, "idle")
	a.wg.Add(1)
	go a.respond(conn)
	if sub != nil {
		a.wg.Add(1)
		go a.watch(rctx, sub)
	}
	a.logger.Info("mdns responder listening", "instance", a.instance, "type", ServiceType)
	return nil
}

// Stop withdraws any live advertisement and closes the socket.
func (a *Advertiser) Stop(ctx context.Context) error {
	a.mu.Lock()
	conn, sub, cancel := a.conn, a.sub, a.cancel
	a.conn, a.sub, a.cancel = nil, nil, nil
	a.mu.Unlock()
	if conn == nil {
		return nil
	}

	cancel()
	if sub != nil {
		a.bus.Unsubscribe(events.TopicWebServiceState, sub)
	}
	a.withdraw(conn)
	err := conn.Close()
	a.wg.Wait()
	return err
}

// Current returns the service being advertised, if any.
func (a *Advertiser) Current() (Service, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.svc == nil {
		return Service{}, false
	}
	return *a.svc, true
}

func (a *Advertiser) watch(ctx context.Context, sub <-chan events.Event) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-sub:
			if !ok {
				return
			}
			st, ok := evt.Payload.(webservice.RunningState)
			if !ok {
				continue
			}
			a.mu.Lock()
			conn := a.conn
			a.mu.Unlock()
			if conn == nil {
				return
			}
			switch st.Phase {
			case webservice.PhaseRunning:
				a.announce(ctx, conn, st)
			case webservice.PhaseStopped:
				a.withdraw(conn)
			}
		}
	}
}

func (a *Advertiser) announce(ctx context.Context, conn net.PacketConn, st webservice.RunningState) {
	svc := Service{
		Instance: a.instance,
		Host:     a.host,
		IP:       net.ParseIP(st.Address),
		Port:     st.Port,
		PushPort: webservice.PushPort(st.Port),
		Version:  a.version,
	}
	if svc.IP.To4() == nil {
		a.logger.Warn("not advertising non-IPv4 address", "address", st.Address)
		return
	}

	actx, cancel := context.WithCancel(ctx)
	a.mu.Lock()
	if a.cancelAnnounce != nil {
		a.cancelAnnounce()
	}
	a.svc = &svc
	a.cancelAnnounce = cancel
	a.mu.Unlock()

	a.setHealth(health.LevelOK, "advertising %s on %s:%d", a.instance, st.Address, st.Port)
	msg := Announcement(svc)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for _, delay := range a.announceDelays {
			select {
			case <-actx.Done():
				return
			case <-time.After(delay):
			}
			a.send(conn, msg, a.dest)
		}
		a.logger.Debug("announced service", "instance", svc.Instance, "address", st.Address, "port", svc.Port)
	}()
}

// withdraw sends a goodbye for the current service. It is a no-op when
// nothing is advertised.
func (a *Advertiser) withdraw(conn net.PacketConn) {
	a.mu.Lock()
	svc := a.svc
	a.svc = nil
	if a.cancelAnnounce != nil {
		a.cancelAnnounce()
		a.cancelAnnounce = nil
	}
	a.mu.Unlock()
	if svc == nil {
		return
	}
	a.send(conn, Goodbye(*svc), a.dest)
	a.setHealth(health.LevelOK, "idle")
	a.logger.Debug("withdrew service", "instance", svc.Instance)
}

func (a *Advertiser) respond(conn net.PacketConn) {
	defer a.wg.Done()
	buf := make([]byte, maxPacketSize)
	for {
		n, from, err := conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			a.logger.Debug("mdns read failed", "err", err)
			continue
		}
		a.handle(conn, buf[:n], from)
	}
}

func (a *Advertiser) handle(conn net.PacketConn, data []byte, from net.Addr) {
	var query dns.Msg
	if err := query.Unpack(data); err != nil {
		a.logger.Debug("malformed mdns packet", "from", from, "err", err)
		return
	}
	if query.Response {
		return
	}
	if err := validateQuery(&query); err != nil {
		a.logger.Debug("rejected mdns query", "from", from, "err", err)
		return
	}
	svc, ok := a.Current()
	if !ok {
		return
	}
	resp := Answer(&query, svc)
	if resp == nil {
		return
	}

	dest := a.dest
	if udp, ok := from.(*net.UDPAddr); ok && udp.Port != mdnsPort {
		// One-shot resolvers expect a unicast reply that echoes the question.
		resp.Question = query.Question
		dest = from
	}
	a.send(conn, resp, dest)
}

func (a *Advertiser) send(conn net.PacketConn, msg *dns.Msg, dest net.Addr) {
	data, err := msg.Pack()
	if err != nil {
		a.logger.Warn("pack mdns message", "err", err)
		return
	}
	if _, err := conn.WriteTo(data, dest); err != nil && !errors.Is(err, net.ErrClosed) {
		a.logger.Warn("send mdns message", "dest", dest, "err", err)
	}
}

func (a *Advertiser) setHealth(level health.Level, format string, args ...any) {
	if a.health != nil {
		a.health.Setf(health.ComponentMDNS, level, format, args...)
	}
}

// machineSuffix derives a short stable suffix so several hosts on one link
// advertise distinct names.
func machineSuffix() string {
	sources := []func() string{machineIDFromFile, machineIDFromHostname}
	for _, source := range sources {
		if id := source(); id != "" {
			sum := sha256.Sum256([]byte(id))
			return fmt.Sprintf("%x", sum[:3])
		}
	}
	return "local"
}

var machineIDFiles = []string{"/etc/machine-id", "/var/lib/dbus/machine-id"}

func machineIDFromFile() string {
	for _, path := range machineIDFiles {
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return id
			}
		}
	}
	return ""
}

func machineIDFromHostname() string {
	if hostname, err := os.Hostname(); err == nil {
		return hostname
	}
	return ""
}
