// Package api holds the JSON shapes shared by shelfd's HTTP surfaces.
package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"shelfd/internal/library"
)

// APIError represents a structured API error response
type APIError struct {
	Error   string `json:"error"`
	Code    int    `json:"code"`
	Message string `json:"message,omitempty"`
}

// Response is the envelope every JSON endpoint answers with.
type Response struct {
	Data    any       `json:"data,omitempty"`
	Message string    `json:"message,omitempty"`
	Error   *APIError `json:"error,omitempty"`
}

// WriteError aborts the request with a structured error.
func WriteError(c *gin.Context, statusCode int, message string) {
	c.AbortWithStatusJSON(statusCode, Response{
		Error: &APIError{
			Error:   http.StatusText(statusCode),
			Code:    statusCode,
			Message: message,
		},
	})
}

// WriteSuccess writes a 200 response.
func WriteSuccess(c *gin.Context, data any, message string) {
	c.JSON(http.StatusOK, Response{Data: data, Message: message})
}

// BookList is the body of GET /api/v1/books.
type BookList struct {
	Books  []library.Book `json:"books"`
	Total  int            `json:"total"`
	Limit  int            `json:"limit,omitempty"`
	Offset int            `json:"offset,omitempty"`
}

// ProgressRequest is the body of PUT /api/v1/books/:id/progress.
type ProgressRequest struct {
	Position string  `json:"position" binding:"required"`
	Percent  float64 `json:"percent"`
	Device   string  `json:"device,omitempty"`
}

// FailureInfo describes the last failed activation.
type FailureInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// WebServiceStatus is the control API's view of the web service.
type WebServiceStatus struct {
	Phase       string       `json:"phase"`
	Running     bool         `json:"running"`
	Status      string       `json:"status"`
	Address     string       `json:"address,omitempty"`
	Port        int          `json:"port,omitempty"`
	PushPort    int          `json:"push_port,omitempty"`
	URL         string       `json:"url,omitempty"`
	LastFailure *FailureInfo `json:"last_failure,omitempty"`
}

// StartRequest is the optional body of POST /webservice/start.
type StartRequest struct {
	Port *int `json:"port,omitempty"`
}
