package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/afristrup/chronicler-agentic-audit/internal/agent"
	"github.com/afristrup/chronicler-agentic-audit/internal/agent/factory"
	"github.com/afristrup/chronicler-agentic-audit/internal/audit"
	"github.com/afristrup/chronicler-agentic-audit/internal/auth"
	xerrors "github.com/afristrup/chronicler-agentic-audit/internal/errors"
	"github.com/afristrup/chronicler-agentic-audit/internal/events"
	"github.com/afristrup/chronicler-agentic-audit/internal/observability/metrics"
	"github.com/afristrup/chronicler-agentic-audit/pkg/logger"
)

// Version 是 /、/mcp initialize 返回的服务版本。
const Version = "1.0.0"

// Server 暴露 agent 管理、审计查询、MCP 工具调用与事件流接口。
type Server struct {
	addr            string
	manager         *agent.Manager
	factory         *factory.Factory
	audit           *audit.Service
	auth            *auth.Service
	metrics         *metrics.Metrics
	hub             *events.Hub
	shutdownTimeout time.Duration
	logger          *slog.Logger

	echo *echo.Echo
}

// Option 定义可选配置。
type Option func(*Server)

// WithFactory 开启 POST /agents/register。
func WithFactory(f *factory.Factory) Option { return func(s *Server) { s.factory = f } }

// WithAudit 开启 /audit 查询接口。
func WithAudit(a *audit.Service) Option { return func(s *Server) { s.audit = a } }

// WithAuth 为受保护的路由开启 JWT 鉴权，并暴露 POST /auth/token。
func WithAuth(a *auth.Service) Option { return func(s *Server) { s.auth = a } }

// WithMetrics 记录请求指标并暴露 GET /metrics。
func WithMetrics(m *metrics.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithHub 暴露 GET /events/stream。
func WithHub(h *events.Hub) Option { return func(s *Server) { s.hub = h } }

// WithShutdownTimeout 设置优雅关闭的等待时间。
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		if d > 0 {
			s.shutdownTimeout = d
		}
	}
}

// WithLogger 替换默认 logger。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 构造 API 服务并注册路由。
func NewServer(addr string, manager *agent.Manager, opts ...Option) *Server {
	s := &Server{
		addr:            addr,
		manager:         manager,
		shutdownTimeout: 5 * time.Second,
		logger:          logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	e.Use(middleware.Recover())
	if s.metrics != nil {
		e.Use(s.metrics.Middleware())
	}
	s.echo = e
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	read := s.auth.Middleware(auth.PermAgentsRead)
	write := s.auth.Middleware(auth.PermAgentsWrite)

	e.GET("/", s.handleRoot)
	e.GET("/health", s.handleHealth)
	e.GET("/stats", s.handleStats, read)

	e.GET("/agents", s.handleListAgents, read)
	e.GET("/agents/:id", s.handleGetAgent, read)
	e.GET("/agents/:id/status", s.handleAgentStatus, read)
	e.POST("/agents/register", s.handleRegisterAgent, write)
	e.DELETE("/agents/:id", s.handleUnregisterAgent, write)
	e.POST("/agents/execute", s.handleExecute, write)
	e.POST("/agents/execute/capability", s.handleExecuteCapability, write)

	e.POST("/mcp", s.handleMCP, s.auth.Middleware(auth.PermMCPCall))

	if s.audit != nil {
		auditRead := s.auth.Middleware(auth.PermAuditRead)
		e.GET("/audit/actions", s.handleListActions, auditRead)
		e.GET("/audit/actions/:id", s.handleGetAction, auditRead)
		e.GET("/audit/statistics", s.handleAuditStatistics, auditRead)
	}
	if s.auth != nil {
		e.POST("/auth/token", s.handleToken)
	}
	if s.hub != nil {
		e.GET("/events/stream", echo.WrapHandler(s.hub), read)
	}
	if s.metrics != nil {
		e.GET("/metrics", echo.WrapHandler(s.metrics.Handler()))
	}
}

// Handler 返回路由后的 http.Handler。
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.echo),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("API 服务已启动", slog.String("addr", s.addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("API 服务关闭超时", slog.Any("error", err))
		}
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

func (s *Server) handleRoot(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"message": "Chronicler MCP Server", "version": Version})
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"status": "healthy", "stats": s.manager.Stats()})
}

func (s *Server) handleStats(c echo.Context) error {
	return c.JSON(http.StatusOK, s.manager.Stats())
}

func (s *Server) handleToken(c echo.Context) error {
	var req auth.TokenRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	pair, err := s.auth.Authenticate(c.Request().Context(), req)
	if err != nil {
		return echo.NewHTTPError(auth.StatusFor(err), agent.ErrorMessage(err))
	}
	return c.JSON(http.StatusOK, pair)
}

// errorBody 是所有错误响应的统一格式。
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// handleError 把 echo.HTTPError 与 xerrors 错误统一渲染为 JSON。
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status := http.StatusInternalServerError
	body := errorBody{Error: http.StatusText(status)}

	var httpErr *echo.HTTPError
	switch {
	case errors.As(err, &httpErr):
		status = httpErr.Code
		if msg, ok := httpErr.Message.(string); ok {
			body.Error = msg
		} else {
			body.Error = http.StatusText(status)
		}
	default:
		if e, ok := xerrors.From(err); ok {
			status = statusForCode(e.Code())
			body.Error = agent.ErrorMessage(err)
			body.Code = string(e.Code())
		}
		if status >= http.StatusInternalServerError {
			s.logger.Error("请求处理失败",
				slog.String("path", c.Path()),
				slog.String("method", c.Request().Method),
				slog.Any("error", err))
		}
	}

	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, body)
}

func statusForCode(code xerrors.Code) int {
	switch code {
	case xerrors.CodeInvalidArgument, agent.CodeInvalidConfig, factory.CodeUnsupportedType:
		return http.StatusBadRequest
	case xerrors.CodeNotFound, agent.CodeAgentNotFound, audit.CodeActionNotFound:
		return http.StatusNotFound
	case xerrors.CodeConflict, agent.CodeAgentConflict:
		return http.StatusConflict
	case xerrors.CodeAccessDenied:
		return http.StatusForbidden
	case xerrors.CodeTimeout:
		return http.StatusGatewayTimeout
	case xerrors.CodeCollaboratorFailure, xerrors.CodeChainFailure, xerrors.CodeProtocolFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
