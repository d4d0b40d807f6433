package api

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/afristrup/chronicler-agentic-audit/internal/audit"
)

func (s *Server) handleGetAction(c echo.Context) error {
	rec, err := s.audit.GetAction(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rec)
}

// handleListActions 支持 agent_id、tool_id、limit、offset 查询参数。
func (s *Server) handleListActions(c echo.Context) error {
	q := audit.Query{
		AgentID: c.QueryParam("agent_id"),
		ToolID:  c.QueryParam("tool_id"),
		Limit:   queryInt(c, "limit", 100),
		Offset:  queryInt(c, "offset", 0),
	}
	if q.Limit > 1000 {
		q.Limit = 1000
	}
	records, err := s.audit.List(c.Request().Context(), q)
	if err != nil {
		return err
	}
	if records == nil {
		records = []audit.Record{}
	}
	return c.JSON(http.StatusOK, map[string]any{"actions": records, "limit": q.Limit, "offset": q.Offset})
}

func (s *Server) handleAuditStatistics(c echo.Context) error {
	ctx := c.Request().Context()
	stats, err := s.audit.Statistics(ctx)
	if err != nil {
		return err
	}
	out := map[string]any{"statistics": stats}
	if snap, ok, err := s.audit.Snapshot(ctx); err == nil && ok {
		out["chain"] = snap
	}
	return c.JSON(http.StatusOK, out)
}

func queryInt(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
