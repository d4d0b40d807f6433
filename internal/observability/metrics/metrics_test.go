package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/afristrup/chronicler-agentic-audit/internal/agent"
)

func TestObserverCollectors(t *testing.T) {
	m := New()
	m.ObserveExecution("a1", agent.TypeAudit, agent.ResponseSuccess, 120*time.Millisecond)
	m.ObserveExecution("a1", agent.TypeAudit, agent.ResponseError, 10*time.Millisecond)
	m.ObserveExecution("a1", agent.TypeAudit, agent.ResponseSuccess, 30*time.Millisecond)
	m.ObserveRegistry(3)
	m.ObserveHealth(agent.HealthStatus{AgentID: "a1", ErrorRate: 0.25, CacheHitRate: 0.5})

	if got := testutil.ToFloat64(m.executions.WithLabelValues("a1", string(agent.TypeAudit), "success")); got != 2 {
		t.Fatalf("expected 2 successful executions, got %v", got)
	}
	if got := testutil.ToFloat64(m.registeredAgents); got != 3 {
		t.Fatalf("expected registry gauge 3, got %v", got)
	}
	if got := testutil.ToFloat64(m.agentErrorRate.WithLabelValues("a1")); got != 0.25 {
		t.Fatalf("unexpected error rate gauge: %v", got)
	}
}

func TestMiddlewareAndHandler(t *testing.T) {
	m := New()
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/agents/:id", func(c echo.Context) error { return c.String(http.StatusOK, c.Param("id")) })
	e.GET("/boom", func(c echo.Context) error { return echo.NewHTTPError(http.StatusBadGateway, "down") })
	e.GET("/metrics", echo.WrapHandler(m.Handler()))

	for _, path := range []string{"/agents/a1", "/agents/a2", "/boom"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(m.httpRequests.WithLabelValues("/agents/:id", http.MethodGet, "200")); got != 2 {
		t.Fatalf("expected requests grouped by route, got %v", got)
	}
	if got := testutil.ToFloat64(m.httpErrors.WithLabelValues("/boom", http.MethodGet)); got != 1 {
		t.Fatalf("expected one 5xx, got %v", got)
	}

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "chronicler_http_requests_total") {
		t.Fatalf("exposition missing http counter:\n%s", body)
	}
}
