// Package control is the loopback-only API that operators and the shelfd
// CLI use to start and stop sharing.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"

	"shelfd/internal/health"
	"shelfd/internal/library"
	"shelfd/internal/runtime/commands"
	"shelfd/internal/webservice"
)

const (
	// RescanCommandName rescans the library directory.
	RescanCommandName = "library.rescan"

	shutdownTimeout = 5 * time.Second
)

// ErrNotLoopback is returned when the control address is reachable from
// the network.
var ErrNotLoopback = errors.New("control: address must be loopback")

// Controller is the part of the web service controller the API drives.
type Controller interface {
	Apply(ctx context.Context, cmd webservice.Command) (webservice.RunningState, error)
	State() webservice.RunningState
	LastFailure() *webservice.Failure
}

type Options struct {
	Addr       string
	Controller Controller
	Library    *library.Store
	Health     *health.Tracker
	Logger     *log.Logger
}

// Server hosts the control API. It is a supervisor component.
type Server struct {
	addr       string
	ctrl       Controller
	lib        *library.Store
	health     *health.Tracker
	logger     *log.Logger
	dispatcher *commands.Dispatcher
	engine     *gin.Engine

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

func New(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	s := &Server{
		addr:   opts.Addr,
		ctrl:   opts.Controller,
		lib:    opts.Library,
		health: opts.Health,
		logger: logger,
	}
	s.dispatcher = s.newDispatcher()
	s.engine = s.setupRoutes()
	return s
}

func (s *Server) Name() string { return health.ComponentControl }

// Dispatcher exposes the command routes for in-process callers.
func (s *Server) Dispatcher() *commands.Dispatcher { return s.dispatcher }

// Handler exposes the routes for tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Addr is the bound address, nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

func (s *Server) Start(ctx context.Context) error {
	if err := checkLoopback(s.addr); err != nil {
		return err
	}
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", s.addr)
	if err != nil {
		s.setHealth(health.LevelError, "listen failed: %v", err)
		return fmt.Errorf("control listen %s: %w", s.addr, err)
	}
	srv := &http.Server{Handler: s.engine, ReadHeaderTimeout: 5 * time.Second}

	s.mu.Lock()
	s.ln, s.srv = ln, srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("control server stopped", "err", err)
			s.setHealth(health.LevelError, "serve failed: %v", err)
		}
	}()
	s.setHealth(health.LevelOK, "listening on %s", ln.Addr())
	s.logger.Info("control API listening", "addr", ln.Addr().String())
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv, s.ln = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	sctx, cancel := context.WithTimeout(ctx, shutdownTimeout)
	defer cancel()
	err := srv.Shutdown(sctx)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Warn("control shutdown failed", "err", err)
		return err
	}
	return nil
}

func (s *Server) setHealth(level health.Level, format string, args ...any) {
	if s.health != nil {
		s.health.Setf(health.ComponentControl, level, format, args...)
	}
}

func checkLoopback(addr string) error {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("control address %q: %w", addr, err)
	}
	if host == "localhost" {
		return nil
	}
	ip := net.ParseIP(host)
	if ip == nil || !ip.IsLoopback() {
		return fmt.Errorf("%w: %q", ErrNotLoopback, addr)
	}
	return nil
}

func (s *Server) setupRoutes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("control request", "method", c.Request.Method, "path", c.FullPath(),
			"status", c.Writer.Status(), "took", time.Since(start))
	})

	r.GET("/health", s.handleHealth)
	r.GET("/webservice", s.handleStatus)
	r.POST("/webservice/start", s.handleStart)
	r.POST("/webservice/stop", s.handleStop)
	r.POST("/library/rescan", s.handleRescan)
	return r
}
