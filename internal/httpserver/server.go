// Package httpserver is the request server: the library API over HTTP.
package httpserver

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"

	apispec "shelfd"
	"shelfd/internal/health"
	"shelfd/internal/library"
	"shelfd/internal/runtime/serverbase"
	"shelfd/internal/webservice"
)

const (
	shutdownTimeout   = 5 * time.Second
	readHeaderTimeout = 10 * time.Second
)

// Deps are shared by every request server instance.
type Deps struct {
	Library *library.Store
	Health  *health.Tracker
	Version string
	// ValidateRequests turns on OpenAPI validation of /api/ requests.
	ValidateRequests bool
	Logger           *log.Logger
}

var loadValidator = sync.OnceValues(func() (*openAPIValidator, error) {
	return newOpenAPIValidator(apispec.OpenAPI)
})

// Server serves one activation. Build a new one per start.
type Server struct {
	base      *serverbase.Base
	deps      Deps
	logger    *log.Logger
	validator *openAPIValidator
	engine    *gin.Engine
	srv       *http.Server
}

// New builds a request server.
func New(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	s := &Server{base: serverbase.New(), deps: deps, logger: logger}
	if deps.ValidateRequests {
		if v, err := loadValidator(); err == nil {
			s.validator = v
		} else {
			logger.Warn("OpenAPI validation disabled", "err", err)
		}
	}
	s.engine = s.setupRoutes()
	return s
}

// Factory adapts New for the web service's server pair.
func Factory(deps Deps) webservice.Factory {
	return func() webservice.Server { return New(deps) }
}

// Handler exposes the routes for in-process tests.
func (s *Server) Handler() http.Handler { return s.engine }

// Start binds port on all interfaces and serves until Stop.
func (s *Server) Start(ctx context.Context, port int) error {
	return s.StartWithTimeout(ctx, port, 0)
}

// StartWithTimeout is Start with a keep-alive idle bound. Zero leaves idle
// connections to the client.
func (s *Server) StartWithTimeout(ctx context.Context, port int, idle time.Duration) error {
	ln, err := s.base.Listen(ctx, net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return err
	}
	s.srv = &http.Server{
		Handler:           s.engine,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       idle,
	}
	srv := s.srv
	s.base.Go(func(context.Context) {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("request server stopped serving", "err", err)
			s.base.Fail(err)
		}
	})
	s.base.MarkRunning()
	s.logger.Info("request server listening", "addr", ln.Addr().String())
	return nil
}

// Stop shuts the server down, letting in-flight requests finish for a
// short grace period. Stopping a server that is not alive does nothing.
func (s *Server) Stop() error {
	var err error
	s.base.Shutdown(func() {
		if s.srv == nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err = s.srv.Shutdown(ctx); errors.Is(err, context.DeadlineExceeded) {
			s.logger.Warn("request server shutdown timed out, closing connections")
			err = s.srv.Close()
		}
	})
	return err
}

// Alive reports whether the server is listening.
func (s *Server) Alive() bool { return s.base.Alive() }

// Addr is the bound address, nil before Start.
func (s *Server) Addr() net.Addr { return s.base.Addr() }

func (s *Server) setupRoutes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLoggingMiddleware(s.logger))
	r.Use(s.securityHeadersMiddleware())
	if s.validator != nil {
		r.Use(s.validator.Middleware())
	}

	r.GET("/health", s.handleHealth)
	r.GET("/version", s.handleVersion)

	// Downloads stay uncompressed so Range requests keep working.
	r.GET("/api/v1/books/:id/download", s.handleDownload)

	v1 := r.Group("/api/v1")
	v1.Use(gzip.Gzip(gzip.DefaultCompression))
	{
		v1.GET("/openapi.yaml", func(c *gin.Context) {
			c.Data(http.StatusOK, "application/yaml; charset=utf-8", apispec.OpenAPI)
		})
		v1.GET("/books", s.handleListBooks)
		v1.GET("/books/:id", s.handleGetBook)
		v1.GET("/books/:id/progress", s.handleGetProgress)
		v1.PUT("/books/:id/progress", s.handlePutProgress)
		v1.POST("/library/rescan", s.handleRescan)
	}
	return r
}
