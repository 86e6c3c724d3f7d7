// Package pushserver is the push server: long-lived WebSocket channels that
// carry progress and library updates to every connected reader.
package pushserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"shelfd/internal/events"
	"shelfd/internal/library"
	"shelfd/internal/runtime/serverbase"
	"shelfd/internal/webservice"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 64 * 1024
	sendBuffer     = 32
	busBuffer      = 64
	shutdownWait   = 5 * time.Second
)

// Deps are shared by every push server instance.
type Deps struct {
	Bus *events.Bus
	// Library stores progress sent by clients. Nil makes progress read-only.
	Library *library.Store
	Logger  *log.Logger
}

type subscription struct {
	topic events.Topic
	ch    <-chan events.Event
}

// Server serves one activation. Build a new one per start.
type Server struct {
	base     *serverbase.Base
	deps     Deps
	logger   *log.Logger
	upgrader websocket.Upgrader

	srv  *http.Server
	idle time.Duration
	subs []subscription

	mu      sync.Mutex
	closing bool
	clients map[string]*client
}

// New builds a push server.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Server{
		base:   serverbase.New(),
		deps:   deps,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: map[string]*client{},
	}
}

// Factory adapts New for the web service's server pair.
func Factory(deps Deps) webservice.Factory {
	return func() webservice.Server { return New(deps) }
}

// Start binds port with no idle bound.
func (s *Server) Start(ctx context.Context, port int) error {
	return s.StartWithTimeout(ctx, port, 0)
}

// StartWithTimeout binds port on all interfaces. A client that sends nothing
// for idle is disconnected; zero disables the bound.
func (s *Server) StartWithTimeout(ctx context.Context, port int, idle time.Duration) error {
	ln, err := s.base.Listen(ctx, net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return err
	}
	s.idle = idle

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleUpgrade)
	s.srv = &http.Server{Handler: mux, ReadHeaderTimeout: writeWait}

	if s.deps.Bus != nil {
		for _, topic := range []events.Topic{events.TopicProgressSaved, events.TopicLibraryChanged} {
			s.subs = append(s.subs, subscription{topic: topic, ch: s.deps.Bus.Subscribe(topic, busBuffer)})
		}
		s.base.Go(s.fanout)
	}

	srv := s.srv
	s.base.Go(func(context.Context) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("push server stopped serving", "err", err)
			s.base.Fail(err)
		}
	})
	s.base.MarkRunning()
	s.logger.Info("push server listening", "addr", ln.Addr().String(), "idle_timeout", idle)
	return nil
}

// Stop closes every client with a going-away frame and releases the port.
func (s *Server) Stop() error {
	var err error
	s.base.Shutdown(func() {
		s.mu.Lock()
		s.closing = true
		clients := make([]*client, 0, len(s.clients))
		for _, c := range s.clients {
			clients = append(clients, c)
		}
		s.mu.Unlock()

		for _, c := range clients {
			c.close(websocket.CloseGoingAway, "server stopping")
		}
		if s.deps.Bus != nil {
			for _, sub := range s.subs {
				s.deps.Bus.Unsubscribe(sub.topic, sub.ch)
			}
		}
		if s.srv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
			defer cancel()
			if err = s.srv.Shutdown(ctx); errors.Is(err, context.DeadlineExceeded) {
				err = s.srv.Close()
			}
		}
	})
	return err
}

// Alive reports whether the server is listening.
func (s *Server) Alive() bool { return s.base.Alive() }

// Addr is the bound address, nil before Start.
func (s *Server) Addr() net.Addr { return s.base.Addr() }

// clientCount is the number of connected clients.
func (s *Server) clientCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.clients)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error.
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		server: s,
		remote: r.RemoteAddr,
	}

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		c.close(websocket.CloseGoingAway, "server stopping")
		return
	}
	s.clients[c.id] = c
	s.base.Go(c.writePump)
	s.base.Go(c.readPump)
	s.mu.Unlock()

	s.logger.Debug("push client connected", "client", c.id, "remote", c.remote)
	c.enqueue(Message{Type: TypeHello, ClientID: c.id})
}

func (s *Server) remove(c *client) {
	s.mu.Lock()
	_, ok := s.clients[c.id]
	delete(s.clients, c.id)
	s.mu.Unlock()
	if ok {
		s.logger.Debug("push client disconnected", "client", c.id)
	}
}

// broadcast queues msg for every client.
func (s *Server) broadcast(msg Message) {
	payload, err := json.Marshal(msg)
	if err != nil {
		s.logger.Error("encode push message", "err", err)
		return
	}
	s.mu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.enqueueRaw(payload)
	}
}

// fanout relays bus events to clients until the server stops.
func (s *Server) fanout(ctx context.Context) {
	cases := make(map[events.Topic]<-chan events.Event, len(s.subs))
	for _, sub := range s.subs {
		cases[sub.topic] = sub.ch
	}
	progress, lib := cases[events.TopicProgressSaved], cases[events.TopicLibraryChanged]
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-progress:
			if !ok {
				progress = nil
				continue
			}
			if p, ok := evt.Payload.(events.ProgressSaved); ok {
				s.broadcast(progressMessage(p))
			}
		case evt, ok := <-lib:
			if !ok {
				lib = nil
				continue
			}
			if l, ok := evt.Payload.(events.LibraryChanged); ok {
				s.broadcast(Message{Type: TypeLibrary, Library: &l})
			}
		}
	}
}

func (s *Server) saveProgress(ctx context.Context, c *client, msg Message) {
	if s.deps.Library == nil {
		c.enqueue(Message{Type: TypeError, Error: "progress sync unavailable"})
		return
	}
	_, err := s.deps.Library.SaveProgress(ctx, library.Progress{
		BookID:   msg.BookID,
		Position: msg.Position,
		Percent:  msg.Percent,
		Device:   msg.Device,
	})
	if err != nil {
		c.enqueue(Message{Type: TypeError, BookID: msg.BookID, Error: err.Error()})
	}
}
