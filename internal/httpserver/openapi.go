package httpserver

import (
	"context"
	"net/http"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	legacyrouter "github.com/getkin/kin-openapi/routers/legacy"
	"github.com/gin-gonic/gin"

	"shelfd/internal/api"
)

// openAPIValidator validates incoming API requests against the embedded OpenAPI spec.
type openAPIValidator struct {
	router routers.Router
}

// newOpenAPIValidator parses spec and prepares a router for validation.
func newOpenAPIValidator(spec []byte) (*openAPIValidator, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(spec)
	if err != nil {
		return nil, err
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, err
	}
	r, err := legacyrouter.NewRouter(doc)
	if err != nil {
		return nil, err
	}
	return &openAPIValidator{router: r}, nil
}

// Middleware validates requests under /api/ against the spec.
func (v *openAPIValidator) Middleware() gin.HandlerFunc {
	opts := &openapi3filter.Options{
		AuthenticationFunc: func(context.Context, *openapi3filter.AuthenticationInput) error { return nil },
	}
	return func(c *gin.Context) {
		if !strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.Next()
			return
		}
		route, pathParams, err := v.router.FindRoute(c.Request)
		if err != nil {
			api.WriteError(c, http.StatusBadRequest, "request not in API spec: "+err.Error())
			return
		}
		input := &openapi3filter.RequestValidationInput{
			Request:    c.Request,
			PathParams: pathParams,
			Route:      route,
			Options:    opts,
		}
		if err := openapi3filter.ValidateRequest(c.Request.Context(), input); err != nil {
			api.WriteError(c, http.StatusBadRequest, "request failed validation: "+err.Error())
			return
		}
		c.Next()
	}
}
