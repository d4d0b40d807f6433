package api

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/afristrup/chronicler-agentic-audit/internal/agent"
	"github.com/afristrup/chronicler-agentic-audit/internal/config"
	xerrors "github.com/afristrup/chronicler-agentic-audit/internal/errors"
)

// ExecuteRequest 是 POST /agents/execute 的请求体。
type ExecuteRequest struct {
	AgentID  string         `json:"agent_id"`
	Input    map[string]any `json:"input_data"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// CapabilityRequest 是 POST /agents/execute/capability 的请求体。
type CapabilityRequest struct {
	Capability string         `json:"capability"`
	Input      map[string]any `json:"input_data"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// RegisterRequest 是 POST /agents/register 的请求体。config 中的字段覆盖默认配置。
type RegisterRequest struct {
	AgentID      string         `json:"agent_id"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	AgentType    string         `json:"agent_type"`
	Capabilities []string       `json:"capabilities"`
	Config       RegisterConfig `json:"config"`
}

// RegisterConfig 是注册时可以覆盖的配置项。
type RegisterConfig struct {
	ModelName     string          `json:"model_name"`
	MaxTokens     int             `json:"max_tokens"`
	Temperature   *float64        `json:"temperature"`
	AuditEnabled  *bool           `json:"audit_enabled"`
	LogInput      *bool           `json:"log_input"`
	LogOutput     *bool           `json:"log_output"`
	RiskLevel     int             `json:"risk_level"`
	Timeout       config.Duration `json:"timeout"`
	RetryAttempts int             `json:"retry_attempts"`
	CacheEnabled  bool            `json:"cache_enabled"`
	Tags          []string        `json:"tags"`
	MCPServerURL  string          `json:"mcp_server_url"`
	MCPAPIKey     string          `json:"mcp_api_key"`
	MCPTools      []string        `json:"mcp_tools"`
	Settings      map[string]any  `json:"settings"`
}

// ExecuteResponse 是执行接口的响应体。
type ExecuteResponse struct {
	RequestID     string               `json:"request_id"`
	AgentID       string               `json:"agent_id"`
	Output        map[string]any       `json:"output_data"`
	Status        agent.ResponseStatus `json:"status"`
	ExecutionTime float64              `json:"execution_time"`
	Metadata      map[string]any       `json:"metadata,omitempty"`
	AuditResult   any                  `json:"audit_result,omitempty"`
}

func toExecuteResponse(resp *agent.Response) ExecuteResponse {
	out := ExecuteResponse{
		RequestID:     resp.RequestID,
		AgentID:       resp.AgentID,
		Output:        resp.Output,
		Status:        resp.Status,
		ExecutionTime: resp.ExecutionTime.Std().Seconds(),
		Metadata:      resp.Metadata,
	}
	if resp.Audit != nil {
		out.AuditResult = resp.Audit
	}
	return out
}

func (s *Server) handleExecute(c echo.Context) error {
	var req ExecuteRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if strings.TrimSpace(req.AgentID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "agent_id is required")
	}
	resp := s.manager.ExecuteRequest(c.Request().Context(), req.AgentID, req.Input, req.Metadata)
	if resp == nil {
		return echo.NewHTTPError(http.StatusNotFound, "Agent "+req.AgentID+" not found")
	}
	return c.JSON(http.StatusOK, toExecuteResponse(resp))
}

func (s *Server) handleExecuteCapability(c echo.Context) error {
	var req CapabilityRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	capability := agent.Capability(req.Capability)
	if !capability.Valid() {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown capability: "+req.Capability)
	}
	resp := s.manager.ExecuteWithCapability(c.Request().Context(), capability, req.Input, req.Metadata)
	if resp == nil {
		return echo.NewHTTPError(http.StatusNotFound, "No agent found with capability "+req.Capability)
	}
	return c.JSON(http.StatusOK, toExecuteResponse(resp))
}

func (s *Server) handleListAgents(c echo.Context) error {
	type entry struct {
		AgentID  string         `json:"agent_id"`
		Metadata agent.Metadata `json:"metadata"`
	}
	list := s.manager.ListMetadata()
	agents := make([]entry, 0, len(list))
	for _, md := range list {
		agents = append(agents, entry{AgentID: md.AgentID, Metadata: md})
	}
	return c.JSON(http.StatusOK, map[string]any{"agents": agents})
}

func (s *Server) handleGetAgent(c echo.Context) error {
	id := c.Param("id")
	md, ok := s.manager.AgentMetadata(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "Agent "+id+" not found")
	}
	return c.JSON(http.StatusOK, map[string]any{"agent_id": id, "metadata": md})
}

func (s *Server) handleAgentStatus(c echo.Context) error {
	id := c.Param("id")
	status, ok := s.manager.AgentStatus(id)
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "Agent "+id+" not found")
	}
	return c.JSON(http.StatusOK, map[string]any{"agent_id": id, "status": status})
}

func (s *Server) handleRegisterAgent(c echo.Context) error {
	if s.factory == nil {
		return echo.NewHTTPError(http.StatusNotImplemented, "agent registration is not enabled")
	}
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	def, err := req.definition()
	if err != nil {
		return err
	}
	if _, err := s.factory.CreateAndRegister(c.Request().Context(), s.manager, def); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Agent " + req.AgentID + " registered successfully"})
}

func (s *Server) handleUnregisterAgent(c echo.Context) error {
	id := c.Param("id")
	if !s.manager.Unregister(c.Request().Context(), id) {
		return echo.NewHTTPError(http.StatusNotFound, "Agent "+id+" not found")
	}
	return c.JSON(http.StatusOK, map[string]string{"message": "Agent " + id + " unregistered successfully"})
}

// definition 校验注册请求并转换为 agent 定义。
func (r RegisterRequest) definition() (config.AgentDefinition, error) {
	if strings.TrimSpace(r.AgentID) == "" || strings.TrimSpace(r.Name) == "" {
		return config.AgentDefinition{}, xerrors.New(xerrors.CodeInvalidArgument, "agent_id and name are required")
	}
	if strings.TrimSpace(r.AgentType) == "" {
		return config.AgentDefinition{}, xerrors.New(xerrors.CodeInvalidArgument, "agent_type is required")
	}
	def := config.AgentDefinition{
		ID:            r.AgentID,
		Name:          r.Name,
		Description:   r.Description,
		Type:          r.AgentType,
		Capabilities:  r.Capabilities,
		ModelName:     r.Config.ModelName,
		MaxTokens:     r.Config.MaxTokens,
		Temperature:   r.Config.Temperature,
		AuditEnabled:  r.Config.AuditEnabled,
		LogInput:      r.Config.LogInput,
		LogOutput:     r.Config.LogOutput,
		RiskLevel:     r.Config.RiskLevel,
		Timeout:       r.Config.Timeout,
		RetryAttempts: r.Config.RetryAttempts,
		CacheEnabled:  r.Config.CacheEnabled,
		Tags:          r.Config.Tags,
		Settings:      r.Config.Settings,
	}
	if agent.Type(r.AgentType) == agent.TypeMCP {
		def.MCP = &config.AgentMCP{
			Enabled:   true,
			ServerURL: r.Config.MCPServerURL,
			APIKey:    r.Config.MCPAPIKey,
			Tools:     r.Config.MCPTools,
		}
	}
	return def, nil
}
