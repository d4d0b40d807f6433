package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/afristrup/chronicler-agentic-audit/internal/agent"
	"github.com/afristrup/chronicler-agentic-audit/internal/mcp"
)

// mcpTools 是 /mcp 暴露的工具。
var mcpTools = []mcp.Tool{
	{
		Name:        "execute_agent",
		Description: "Execute a request on a specific agent",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"agent_id":{"type":"string","description":"ID of the agent to execute"},"input_data":{"type":"object","description":"Input data for the agent"},"metadata":{"type":"object","description":"Optional metadata"}},"required":["agent_id","input_data"]}`),
	},
	{
		Name:        "list_agents",
		Description: "List all registered agents",
		InputSchema: json.RawMessage(`{"type":"object","properties":{},"required":[]}`),
	},
	{
		Name:        "get_agent_status",
		Description: "Get status of a specific agent",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"agent_id":{"type":"string","description":"ID of the agent"}},"required":["agent_id"]}`),
	},
	{
		Name:        "register_agent",
		Description: "Register a new agent",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"agent_id":{"type":"string"},"name":{"type":"string"},"description":{"type":"string"},"agent_type":{"type":"string","enum":["mcp","audit"]},"capabilities":{"type":"array","items":{"type":"string"}},"config":{"type":"object"}},"required":["agent_id","name","description","agent_type"]}`),
	},
	{
		Name:        "execute_with_capability",
		Description: "Execute a request using an agent with specific capability",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"capability":{"type":"string","description":"Required capability"},"input_data":{"type":"object","description":"Input data for the agent"},"metadata":{"type":"object","description":"Optional metadata"}},"required":["capability","input_data"]}`),
	},
}

// handleMCP 处理单条 JSON-RPC 2.0 消息。通知返回 202 且没有响应体。
func (s *Server) handleMCP(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, 4<<20))
	if err != nil {
		return c.JSON(http.StatusOK, mcp.NewError(nil, mcp.ParseError, "read body: "+err.Error()))
	}
	var req mcp.Request
	if err := json.Unmarshal(body, &req); err != nil {
		return c.JSON(http.StatusOK, mcp.NewError(nil, mcp.ParseError, "invalid JSON"))
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		return c.JSON(http.StatusOK, mcp.NewError(req.ID, mcp.InvalidRequest, "invalid JSON-RPC request"))
	}
	if req.IsNotification() {
		return c.NoContent(http.StatusAccepted)
	}

	resp := s.dispatchMCP(c.Request().Context(), req)
	if req.Method == mcp.MethodInitialize && resp.Error == nil {
		c.Response().Header().Set(mcp.HeaderSessionID, uuid.NewString())
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) dispatchMCP(ctx context.Context, req mcp.Request) mcp.Response {
	switch req.Method {
	case mcp.MethodInitialize:
		var params mcp.InitializeParams
		if len(req.Params) > 0 {
			if err := json.Unmarshal(req.Params, &params); err != nil {
				return mcp.NewError(req.ID, mcp.InvalidParams, "invalid initialize params")
			}
		}
		version := params.ProtocolVersion
		if version == "" {
			version = mcp.DefaultProtocolVersion
		}
		return mcp.NewResult(req.ID, mcp.InitializeResult{
			ProtocolVersion: version,
			Capabilities:    map[string]any{"tools": map[string]any{}},
			ServerInfo:      mcp.Implementation{Name: "chroniclerd", Version: Version},
		})
	case mcp.MethodPing:
		return mcp.NewResult(req.ID, struct{}{})
	case mcp.MethodToolsList:
		return mcp.NewResult(req.ID, mcp.ListToolsResult{Tools: mcpTools})
	case mcp.MethodToolsCall:
		var params mcp.CallToolParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			return mcp.NewError(req.ID, mcp.InvalidParams, "tools/call requires a tool name")
		}
		result, rpcErr := s.callTool(ctx, params)
		if rpcErr != nil {
			return mcp.Response{JSONRPC: "2.0", ID: req.ID, Error: rpcErr}
		}
		return mcp.NewResult(req.ID, result)
	default:
		return mcp.NewError(req.ID, mcp.MethodNotFound, "method not found: "+req.Method)
	}
}

// callTool 执行一个工具。工具自身的失败通过 IsError 返回，参数错误返回 JSON-RPC 错误。
func (s *Server) callTool(ctx context.Context, params mcp.CallToolParams) (*mcp.CallToolResult, *mcp.Error) {
	args := params.Arguments
	switch params.Name {
	case "execute_agent":
		id, _ := args["agent_id"].(string)
		input, ok := args["input_data"].(map[string]any)
		if id == "" || !ok {
			return nil, &mcp.Error{Code: mcp.InvalidParams, Message: "agent_id and input_data are required"}
		}
		metadata, _ := args["metadata"].(map[string]any)
		resp := s.manager.ExecuteRequest(ctx, id, input, metadata)
		if resp == nil {
			return toolError("Agent " + id + " not found"), nil
		}
		return toolResult(map[string]any{
			"request_id":     resp.RequestID,
			"status":         resp.Status,
			"output_data":    resp.Output,
			"execution_time": resp.ExecutionTime,
		}), nil

	case "list_agents":
		list := s.manager.ListMetadata()
		agents := make([]map[string]any, 0, len(list))
		for _, md := range list {
			agents = append(agents, map[string]any{
				"agent_id":     md.AgentID,
				"name":         md.Name,
				"type":         md.Type,
				"capabilities": md.Capabilities,
			})
		}
		return toolResult(map[string]any{"agents": agents}), nil

	case "get_agent_status":
		id, _ := args["agent_id"].(string)
		if id == "" {
			return nil, &mcp.Error{Code: mcp.InvalidParams, Message: "agent_id is required"}
		}
		status, ok := s.manager.AgentStatus(id)
		if !ok {
			return toolError("Agent " + id + " not found"), nil
		}
		return toolResult(status), nil

	case "register_agent":
		if s.factory == nil {
			return toolError("agent registration is not enabled"), nil
		}
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, &mcp.Error{Code: mcp.InvalidParams, Message: "invalid arguments"}
		}
		var req RegisterRequest
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, &mcp.Error{Code: mcp.InvalidParams, Message: "invalid register_agent arguments"}
		}
		def, err := req.definition()
		if err != nil {
			return nil, &mcp.Error{Code: mcp.InvalidParams, Message: agent.ErrorMessage(err)}
		}
		if _, err := s.factory.CreateAndRegister(ctx, s.manager, def); err != nil {
			s.logger.Warn("MCP 注册 agent 失败", slog.String("agent_id", req.AgentID), slog.Any("error", err))
			return toolError(agent.ErrorMessage(err)), nil
		}
		return toolResult(map[string]string{"message": "Agent " + req.AgentID + " registered successfully"}), nil

	case "execute_with_capability":
		capName, _ := args["capability"].(string)
		input, ok := args["input_data"].(map[string]any)
		capability := agent.Capability(capName)
		if !capability.Valid() || !ok {
			return nil, &mcp.Error{Code: mcp.InvalidParams, Message: "a known capability and input_data are required"}
		}
		metadata, _ := args["metadata"].(map[string]any)
		resp := s.manager.ExecuteWithCapability(ctx, capability, input, metadata)
		if resp == nil {
			return toolError("No agent found with capability " + capName), nil
		}
		return toolResult(map[string]any{
			"request_id":     resp.RequestID,
			"agent_id":       resp.AgentID,
			"status":         resp.Status,
			"output_data":    resp.Output,
			"execution_time": resp.ExecutionTime,
		}), nil

	default:
		return nil, &mcp.Error{Code: mcp.InvalidParams, Message: "unknown tool: " + params.Name}
	}
}

func toolResult(v any) *mcp.CallToolResult {
	raw, err := json.Marshal(v)
	if err != nil {
		return toolError("encode result: " + err.Error())
	}
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent(string(raw))}}
}

func toolError(msg string) *mcp.CallToolResult {
	raw, _ := json.Marshal(map[string]string{"error": msg})
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent(string(raw))}, IsError: true}
}
