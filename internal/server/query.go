package server

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/fandrade/parlatrack/internal/index"
	"github.com/fandrade/parlatrack/internal/pipeline"
	"github.com/fandrade/parlatrack/models"
)

// Answerer runs one retrieval query.
type Answerer interface {
	Answer(ctx context.Context, query string, topK int, filters index.Filters) (models.QueryResult, error)
}

// QueryHandler serves POST /api/query.
type QueryHandler struct {
	Engine Answerer
}

func (h *QueryHandler) Register(g *echo.Group) {
	g.POST("/query", h.query)
}

type queryRequest struct {
	Query   string `json:"query"`
	TopK    int    `json:"top_k"`
	Chamber string `json:"chamber"`
	From    string `json:"from"`
	To      string `json:"to"`
}

func (h *QueryHandler) query(c echo.Context) error {
	var req queryRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Query == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "query required")
	}

	filters := index.Filters{Chamber: req.Chamber}
	if req.From != "" {
		from, err := time.Parse("2006-01-02", req.From)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "from must be YYYY-MM-DD")
		}
		filters.From = from
	}
	if req.To != "" {
		to, err := time.Parse("2006-01-02", req.To)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "to must be YYYY-MM-DD")
		}
		filters.To = to
	}

	result, err := h.Engine.Answer(c.Request().Context(), req.Query, req.TopK, filters)
	if err != nil {
		if pipeline.IsConfiguration(err) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}
