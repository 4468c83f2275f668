package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/vooli/internal/runtime"
)

type ProductsHandler struct {
	svc ChatService
}

func (h *ProductsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(runtime.EchoAuthMiddleware(secret))
	g.GET("/search", h.search)
}

// search queries the catalog of products enriched by this instance.
func (h *ProductsHandler) search(c echo.Context) error {
	q := strings.TrimSpace(c.QueryParam("q"))
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q required")
	}
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	hits, err := h.svc.SearchProducts(q, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, hits)
}
