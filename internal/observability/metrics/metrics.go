// Package metrics exposes Prometheus collectors for the agent manager and the
// HTTP API.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/afristrup/chronicler-agentic-audit/internal/agent"
)

const namespace = "chronicler"

// Metrics owns a dedicated registry so tests and embedded servers do not
// collide on the global default registerer.
type Metrics struct {
	registry *prometheus.Registry

	executions       *prometheus.CounterVec
	executionLatency *prometheus.HistogramVec
	registeredAgents prometheus.Gauge
	agentErrorRate   *prometheus.GaugeVec
	agentCacheHit    *prometheus.GaugeVec

	httpRequests *prometheus.CounterVec
	httpErrors   *prometheus.CounterVec
	httpLatency  *prometheus.HistogramVec
}

// New creates the collectors and registers them together with the Go runtime
// and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "executions_total",
			Help:      "Agent executions by agent, type and outcome.",
		}, []string{"agent_id", "type", "status"}),
		executionLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "execution_seconds",
			Help:      "Agent execution latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"type"}),
		registeredAgents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "registered",
			Help:      "Number of agents held by the manager.",
		}),
		agentErrorRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "error_rate",
			Help:      "Error rate reported by the last health check.",
		}, []string{"agent_id"}),
		agentCacheHit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "cache_hit_rate",
			Help:      "Cache hit rate reported by the last health check.",
		}, []string{"agent_id"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route, method and status code.",
		}, []string{"handler", "method", "code"}),
		httpErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "errors_total",
			Help:      "HTTP requests answered with a 5xx status.",
		}, []string{"handler", "method"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"handler", "method"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.executions,
		m.executionLatency,
		m.registeredAgents,
		m.agentErrorRate,
		m.agentCacheHit,
		m.httpRequests,
		m.httpErrors,
		m.httpLatency,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveExecution implements agent.Observer.
func (m *Metrics) ObserveExecution(agentID string, typ agent.Type, status agent.ResponseStatus, elapsed time.Duration) {
	m.executions.WithLabelValues(agentID, string(typ), string(status)).Inc()
	m.executionLatency.WithLabelValues(string(typ)).Observe(elapsed.Seconds())
}

// ObserveRegistry implements agent.Observer.
func (m *Metrics) ObserveRegistry(total int) {
	m.registeredAgents.Set(float64(total))
}

// ObserveHealth implements agent.Observer.
func (m *Metrics) ObserveHealth(h agent.HealthStatus) {
	m.agentErrorRate.WithLabelValues(h.AgentID).Set(h.ErrorRate)
	m.agentCacheHit.WithLabelValues(h.AgentID).Set(h.CacheHitRate)
}

// ObserveHTTPRequest records one HTTP request lifecycle.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	if status >= http.StatusInternalServerError {
		m.httpErrors.WithLabelValues(handler, method).Inc()
	}
	m.httpLatency.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// Middleware records request metrics keyed by the matched echo route.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			status := c.Response().Status
			var httpErr *echo.HTTPError
			if errors.As(err, &httpErr) {
				status = httpErr.Code
			} else if err != nil {
				status = http.StatusInternalServerError
			}
			handler := c.Path()
			if handler == "" {
				handler = "unmatched"
			}
			m.ObserveHTTPRequest(handler, c.Request().Method, status, time.Since(start))
			return err
		}
	}
}

// Handler exposes the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// StartServer serves /metrics on a dedicated listener until ctx is cancelled.
func (m *Metrics) StartServer(ctx context.Context, addr string) error {
	if addr == "" {
		return errors.New("metrics address is empty")
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return err
	}
}

var _ agent.Observer = (*Metrics)(nil)
