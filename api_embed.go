package apispec

import (
	_ "embed"
)

// OpenAPI is the library API description served and validated against by
// the request server.
//
//go:embed docs/api/openapi.yaml
var OpenAPI []byte
