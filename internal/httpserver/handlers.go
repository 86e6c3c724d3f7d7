package httpserver

import (
	"errors"
	"fmt"
	"math"
	"mime"
	"net/http"
	"path"
	"strconv"

	"github.com/gin-gonic/gin"

	"shelfd/internal/api"
	"shelfd/internal/health"
	"shelfd/internal/library"
)

const maxPageSize = 500

func (s *Server) handleVersion(c *gin.Context) {
	api.WriteSuccess(c, gin.H{"version": s.deps.Version}, "")
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.deps.Health == nil {
		api.WriteSuccess(c, gin.H{"overall": health.LevelOK.String()}, "")
		return
	}
	api.WriteSuccess(c, gin.H{
		"overall":    s.deps.Health.Overall().String(),
		"components": s.deps.Health.Components(),
	}, "")
}

func (s *Server) library(c *gin.Context) (*library.Store, bool) {
	if s.deps.Library == nil {
		api.WriteError(c, http.StatusServiceUnavailable, "library not available")
		return nil, false
	}
	return s.deps.Library, true
}

func queryInt(c *gin.Context, key string, def, lo, hi int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < lo || v > hi {
		return 0, fmt.Errorf("%s must be an integer in [%d, %d]", key, lo, hi)
	}
	return v, nil
}

// handleListBooks handles GET /api/v1/books
func (s *Server) handleListBooks(c *gin.Context) {
	lib, ok := s.library(c)
	if !ok {
		return
	}
	limit, err := queryInt(c, "limit", 0, 1, maxPageSize)
	if err != nil {
		api.WriteError(c, http.StatusBadRequest, err.Error())
		return
	}
	offset, err := queryInt(c, "offset", 0, 0, math.MaxInt32)
	if err != nil {
		api.WriteError(c, http.StatusBadRequest, err.Error())
		return
	}
	books, err := lib.List(c.Request.Context(), library.ListQuery{Search: c.Query("q"), Limit: limit, Offset: offset})
	if err != nil {
		s.internalError(c, err)
		return
	}
	total, err := lib.Count(c.Request.Context())
	if err != nil {
		s.internalError(c, err)
		return
	}
	api.WriteSuccess(c, api.BookList{Books: books, Total: total, Limit: limit, Offset: offset}, "")
}

// handleGetBook handles GET /api/v1/books/:id
func (s *Server) handleGetBook(c *gin.Context) {
	lib, ok := s.library(c)
	if !ok {
		return
	}
	book, err := lib.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.libraryError(c, err)
		return
	}
	api.WriteSuccess(c, book, "")
}

// handleDownload handles GET /api/v1/books/:id/download
func (s *Server) handleDownload(c *gin.Context) {
	lib, ok := s.library(c)
	if !ok {
		return
	}
	f, book, err := lib.OpenFile(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.libraryError(c, err)
		return
	}
	defer f.Close()

	name := path.Base(book.Path)
	c.Header("Content-Type", book.ContentType)
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	http.ServeContent(c.Writer, c.Request, name, book.ModTime, f)
}

// handleGetProgress handles GET /api/v1/books/:id/progress
func (s *Server) handleGetProgress(c *gin.Context) {
	lib, ok := s.library(c)
	if !ok {
		return
	}
	p, err := lib.Progress(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.libraryError(c, err)
		return
	}
	api.WriteSuccess(c, p, "")
}

// handlePutProgress handles PUT /api/v1/books/:id/progress
func (s *Server) handlePutProgress(c *gin.Context) {
	lib, ok := s.library(c)
	if !ok {
		return
	}
	var req api.ProgressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		api.WriteError(c, http.StatusBadRequest, "invalid progress: "+err.Error())
		return
	}
	p, err := lib.SaveProgress(c.Request.Context(), library.Progress{
		BookID:   c.Param("id"),
		Position: req.Position,
		Percent:  req.Percent,
		Device:   req.Device,
	})
	if err != nil {
		s.libraryError(c, err)
		return
	}
	api.WriteSuccess(c, p, "progress saved")
}

// handleRescan handles POST /api/v1/library/rescan
func (s *Server) handleRescan(c *gin.Context) {
	lib, ok := s.library(c)
	if !ok {
		return
	}
	res, err := lib.Rescan(c.Request.Context())
	if err != nil {
		s.internalError(c, err)
		return
	}
	api.WriteSuccess(c, res, "library rescanned")
}

func (s *Server) libraryError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, library.ErrNotFound):
		api.WriteError(c, http.StatusNotFound, "book not found")
	case errors.Is(err, library.ErrInvalidProgress):
		api.WriteError(c, http.StatusBadRequest, err.Error())
	default:
		s.internalError(c, err)
	}
}

func (s *Server) internalError(c *gin.Context, err error) {
	_ = c.Error(err)
	api.WriteError(c, http.StatusInternalServerError, "internal error")
}
