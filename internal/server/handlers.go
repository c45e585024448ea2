package server

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/xtxerr/possync/internal/errors"
	possync "github.com/xtxerr/possync/internal/sync"
)

// TriggerAPI is the trigger recorded on runs started over HTTP.
const TriggerAPI = "api"

// syncRequest is the body of POST /sync.
type syncRequest struct {
	SyncType string   `json:"syncType"`
	Tables   []string `json:"tables"`
	Sources  []string `json:"sources"`
}

// triggerSync runs one invocation and returns its report. Table and source
// failures are part of the report; only a rejected request is an error.
func (s *Server) triggerSync(c echo.Context) error {
	var body syncRequest
	if err := c.Bind(&body); err != nil {
		return errors.NewInvalidRequest("malformed body: " + err.Error())
	}

	ctx, cancel := s.runContext(c.Request().Context())
	defer cancel()

	report, err := s.cfg.Syncer.Run(ctx, possync.Request{
		SyncType: possync.SyncType(body.SyncType),
		Tables:   body.Tables,
		Sources:  body.Sources,
		Trigger:  TriggerAPI,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, report)
}

// syncStatus probes every source.
func (s *Server) syncStatus(c echo.Context) error {
	statuses := s.cfg.Prober.Status(c.Request().Context())

	ok := true
	for _, st := range statuses {
		ok = ok && st.Success
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success": ok,
		"sources": statuses,
	})
}

// listHistory returns recent runs, newest first.
// Query: databaseId (alias source), limit.
func (s *Server) listHistory(c echo.Context) error {
	databaseID := c.QueryParam("databaseId")
	if databaseID == "" {
		databaseID = c.QueryParam("source")
	}

	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return errors.NewInvalidRequest("limit must be a positive integer")
		}
		limit = n
	}

	runs, err := s.cfg.History.List(c.Request().Context(), databaseID, limit)
	if err != nil {
		return err
	}
	if runs == nil {
		runs = []*possync.SyncRun{}
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"runs":    runs,
	})
}

func (s *Server) getHistory(c echo.Context) error {
	run, err := s.cfg.History.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, echo.Map{
		"success": true,
		"run":     run,
	})
}

func (s *Server) healthz(c echo.Context) error {
	if s.cfg.Health != nil {
		if err := s.cfg.Health.Health(c.Request().Context()); err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "destination unavailable: "+err.Error())
		}
	}
	return c.JSON(http.StatusOK, echo.Map{"success": true})
}
