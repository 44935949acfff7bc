package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/fandrade/parlatrack/internal/discovery"
	"github.com/fandrade/parlatrack/internal/queue/streams"
	"github.com/fandrade/parlatrack/internal/store"
	"github.com/fandrade/parlatrack/models"
)

// Resetter returns a session to discovered and clears its artifacts.
type Resetter interface {
	Reset(ctx context.Context, id string) error
}

// DiscoveryRunner triggers one discovery sweep.
type DiscoveryRunner interface {
	RunOnce(ctx context.Context) (int, error)
}

// SessionsHandler serves the session registry endpoints.
type SessionsHandler struct {
	Store     *store.Store
	Resetter  Resetter
	Discovery DiscoveryRunner
	Publisher discovery.Publisher
}

func (h *SessionsHandler) Register(g *echo.Group) {
	g.GET("/sessions", h.list)
	g.GET("/sessions/:id", h.get)
	g.GET("/sessions/:id/report", h.report)
	g.POST("/sessions/:id/reset", h.reset)
	g.POST("/discovery/run", h.runDiscovery)
}

// sessionSummary is the list view: registry fields without the artifacts.
type sessionSummary struct {
	ID          string               `json:"session_id"`
	Status      models.SessionStatus `json:"status"`
	FailedStage models.Stage         `json:"failed_stage,omitempty"`
	LastError   string               `json:"last_error,omitempty"`
	Chamber     string               `json:"chamber"`
	Committee   string               `json:"committee"`
	Title       string               `json:"title"`
	Date        string               `json:"date"`
}

func (h *SessionsHandler) list(c echo.Context) error {
	limit, _ := strconv.Atoi(c.QueryParam("limit"))
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	offset, _ := strconv.Atoi(c.QueryParam("offset"))

	var (
		sessions []models.Session
		err      error
	)
	if status := c.QueryParam("status"); status != "" {
		sessions, err = h.Store.ListSessionsByStatus(c.Request().Context(), models.SessionStatus(status))
	} else {
		sessions, err = h.Store.ListSessions(c.Request().Context(), limit, offset)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	out := make([]sessionSummary, len(sessions))
	for i, s := range sessions {
		out[i] = sessionSummary{
			ID:          s.ID,
			Status:      s.Status,
			FailedStage: s.FailedStage,
			LastError:   s.LastError,
			Chamber:     s.Metadata.Chamber,
			Committee:   s.Metadata.Committee,
			Title:       s.Metadata.Title,
			Date:        s.Metadata.Date.Format("2006-01-02"),
		}
	}
	return c.JSON(http.StatusOK, out)
}

func (h *SessionsHandler) get(c echo.Context) error {
	sess, err := h.Store.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, sess)
}

func (h *SessionsHandler) report(c echo.Context) error {
	sess, err := h.Store.GetSession(c.Request().Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if sess.Report == nil {
		return echo.NewHTTPError(http.StatusNotFound, "session has no report yet")
	}
	return c.JSON(http.StatusOK, sess.Report)
}

func (h *SessionsHandler) reset(c echo.Context) error {
	id := c.Param("id")
	if _, err := h.Store.GetSession(c.Request().Context(), id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if err := h.Resetter.Reset(c.Request().Context(), id); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	// Workers only pick up what is on the stream, so a reset session must be
	// queued again or it would sit in discovered forever.
	if _, err := h.Publisher.PublishRaw(c.Request().Context(), streams.StreamSessionAdvance, "session.reset", 0,
		discovery.AdvancePayload{SessionID: id}); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]string{"session_id": id, "status": string(models.StatusDiscovered)})
}

func (h *SessionsHandler) runDiscovery(c echo.Context) error {
	queued, err := h.Discovery.RunOnce(c.Request().Context())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int{"queued": queued})
}
