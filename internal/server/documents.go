package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/Pedrovinicius123/api-ollama-reasoning/models"
)

// DocumentsHandler exposes the persistence query surface: exact reads for
// the core's documents and contains-match listing for browsing.
type DocumentsHandler struct {
	Docs docStore
}

func (h *DocumentsHandler) Register(g *echo.Group) {
	g.GET("", h.search)
	g.GET("/:owner/*", h.read)
}

func (h *DocumentsHandler) search(c echo.Context) error {
	owner := strings.TrimSpace(c.QueryParam("owner"))
	if owner == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "owner required")
	}
	docs, err := h.Docs.SearchDocuments(c.Request().Context(), owner, c.QueryParam("q"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if docs == nil {
		docs = []models.DocumentInfo{}
	}
	return c.JSON(http.StatusOK, docs)
}

func (h *DocumentsHandler) read(c echo.Context) error {
	owner := c.Param("owner")
	path := c.Param("*")
	content, revision, err := h.Docs.ReadDocument(c.Request().Context(), owner, path)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	c.Response().Header().Set("X-Document-Revision", strconv.FormatInt(revision, 10))
	return c.Blob(http.StatusOK, "text/markdown; charset=utf-8", content)
}
