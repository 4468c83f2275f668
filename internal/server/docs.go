package server

import (
	"fmt"
	"net/http"
	"os"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
)

const (
	docsSpecRoute = "/api/docs/openapi.yaml"
	docsPageRoute = "/api/docs"
)

// registerDocs serves the chat API's OpenAPI document and a ReDoc page
// rendering it. The document is read once; a missing file leaves the
// docs routes unregistered.
func registerDocs(e *echo.Echo, specPath string, logger *zap.Logger) {
	if specPath == "" {
		specPath = "docs/openapi.yaml"
	}
	spec, err := os.ReadFile(specPath)
	if err != nil {
		logger.Warn("api docs disabled", zap.String("path", specPath), zap.Error(err))
		return
	}

	e.GET(docsSpecRoute, func(c echo.Context) error {
		return c.Blob(http.StatusOK, "application/yaml", spec)
	})
	e.GET(docsPageRoute, func(c echo.Context) error {
		return c.HTML(http.StatusOK, docsPage)
	})
}

var docsPage = fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8" />
<title>Vooli shopping assistant API</title>
<meta name="viewport" content="width=device-width, initial-scale=1" />
<style>body{margin:0}</style>
</head>
<body>
<redoc spec-url="%s" hide-download-button></redoc>
<script src="https://cdn.jsdelivr.net/npm/redoc/bundles/redoc.standalone.js"></script>
</body>
</html>`, docsSpecRoute)
