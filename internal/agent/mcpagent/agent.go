// Package mcpagent 实现通过 MCP 服务端调用工具、并可借助大模型选择工具的 agent。
package mcpagent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/afristrup/chronicler-agentic-audit/internal/agent"
	"github.com/afristrup/chronicler-agentic-audit/internal/audit"
	xerrors "github.com/afristrup/chronicler-agentic-audit/internal/errors"
	"github.com/afristrup/chronicler-agentic-audit/internal/llm"
	"github.com/afristrup/chronicler-agentic-audit/internal/mcp"
)

const retryBackoff = 200 * time.Millisecond

// ToolClient 是 agent 使用的 MCP 能力，*mcp.Client 实现了它。
type ToolClient interface {
	Initialize(ctx context.Context) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
	SessionID() string
	Close(ctx context.Context) error
}

var _ ToolClient = (*mcp.Client)(nil)

// ToolResult 是一次工具调用的结果。调用失败时 IsError 为真，Content 携带错误描述。
type ToolResult struct {
	ToolCallID string        `json:"tool_call_id"`
	Name       string        `json:"name"`
	Content    []mcp.Content `json:"content"`
	IsError    bool          `json:"is_error"`
	Audit      *audit.Result `json:"audit_result,omitempty"`
}

// DefaultCapabilities 是未显式声明能力时使用的能力集合。
func DefaultCapabilities() []agent.Capability {
	return []agent.Capability{agent.CapMCPProtocol, agent.CapTextGeneration, agent.CapCodeGeneration}
}

// Agent 是协议集成型 agent。
type Agent struct {
	*agent.Base
	client    ToolClient
	completer llm.Client

	mu      sync.RWMutex
	tools   []mcp.Tool
	schemas map[string]mcp.Tool
}

var (
	_ agent.Agent       = (*Agent)(nil)
	_ agent.Initializer = (*Agent)(nil)
	_ agent.Finalizer   = (*Agent)(nil)
)

// New 构造 agent。配置必须启用 MCP 并提供服务端地址；client 为空时按配置创建 HTTP 客户端，
// completer 为空时只能执行输入中显式给出的 tool_calls。
func New(cfg agent.Config, client ToolClient, completer llm.Client, opts ...agent.Option) (*Agent, error) {
	if !cfg.MCP.Enabled {
		return nil, xerrors.New(agent.CodeInvalidConfig, "MCP agent 必须启用 MCP", xerrors.WithMetadata("agent_id", cfg.ID))
	}
	if strings.TrimSpace(cfg.MCP.ServerURL) == "" {
		return nil, xerrors.New(agent.CodeInvalidConfig, "MCP agent 需要 server_url", xerrors.WithMetadata("agent_id", cfg.ID))
	}
	if len(cfg.Capabilities) == 0 {
		cfg.Capabilities = DefaultCapabilities()
	}
	if client == nil {
		c, err := mcp.NewClient(mcp.ClientConfig{
			ServerURL:  cfg.MCP.ServerURL,
			APIKey:     cfg.MCP.APIKey,
			Timeout:    cfg.Timeout,
			ClientName: cfg.ID,
		})
		if err != nil {
			return nil, err
		}
		client = c
	}

	a := &Agent{client: client, completer: completer, schemas: make(map[string]mcp.Tool)}
	b, err := agent.NewBase(cfg, a, opts...)
	if err != nil {
		return nil, err
	}
	a.Base = b
	return a, nil
}

// Setup 建立 MCP 会话并缓存工具定义。配置了工具白名单时只保留白名单中的工具。
func (a *Agent) Setup(ctx context.Context) error {
	if _, err := a.client.Initialize(ctx); err != nil {
		return err
	}
	return a.refreshTools(ctx)
}

func (a *Agent) refreshTools(ctx context.Context) error {
	tools, err := a.client.ListTools(ctx)
	if err != nil {
		return err
	}
	allowed := a.Config().MCP.Tools
	kept := make([]mcp.Tool, 0, len(tools))
	schemas := make(map[string]mcp.Tool, len(tools))
	for _, t := range tools {
		if len(allowed) > 0 && !contains(allowed, t.Name) {
			continue
		}
		kept = append(kept, t)
		schemas[t.Name] = t
	}

	a.mu.Lock()
	a.tools = kept
	a.schemas = schemas
	a.mu.Unlock()
	a.Logger().Info("MCP 工具已加载", slog.Int("tools", len(kept)), slog.String("session_id", a.client.SessionID()))
	return nil
}

// Teardown 关闭 MCP 会话。
func (a *Agent) Teardown(ctx context.Context) error {
	return a.client.Close(ctx)
}

// ListTools 返回缓存的工具定义。
func (a *Agent) ListTools() []mcp.Tool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]mcp.Tool(nil), a.tools...)
}

// ToolSchema 查询单个工具的定义，并计入缓存命中统计。
func (a *Agent) ToolSchema(name string) (mcp.Tool, bool) {
	a.mu.RLock()
	t, ok := a.schemas[name]
	a.mu.RUnlock()
	if ok {
		a.RecordCacheHit()
	} else {
		a.RecordCacheMiss()
	}
	return t, ok
}

// CallTool 直接调用一次工具，不经过大模型。失败体现在结果中。
func (a *Agent) CallTool(ctx context.Context, name string, args map[string]any) ToolResult {
	return a.runToolCall(ctx, llm.ToolCall{ID: uuid.NewString(), Name: name}, args)
}

type mcpRequest struct {
	Prompt    string         `json:"prompt"`
	Tools     []string       `json:"tools"`
	Model     string         `json:"model"`
	ToolCalls []explicitCall `json:"tool_calls"`
}

type explicitCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// arguments 接受对象或 JSON 字符串两种写法。
func (c explicitCall) arguments() (map[string]any, error) {
	raw := c.Arguments
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		raw = json.RawMessage(s)
	}
	args := map[string]any{}
	if len(raw) == 0 || string(raw) == "null" {
		return args, nil
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	return args, nil
}

// Process 校验请求中的工具，执行一轮补全或显式工具调用，并逐个执行工具调用。
func (a *Agent) Process(ctx context.Context, req agent.Request) (*agent.Response, error) {
	output, model, err := a.process(ctx, req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		resp := agent.FailureResponse(req, err)
		resp.Audit = a.Audit(ctx, "mcp_request", req.Input, map[string]any{"error": agent.ErrorMessage(err)}, audit.StatusFailed)
		return resp, nil
	}

	results, _ := output["tool_results"].([]ToolResult)
	resp := agent.SuccessResponse(req, output)
	resp.Metadata = map[string]any{
		"model":          model,
		"tools_used":     len(results),
		"mcp_session_id": a.client.SessionID(),
	}
	resp.Audit = a.Audit(ctx, "mcp_request", req.Input, output, audit.StatusSuccess)
	return resp, nil
}

func (a *Agent) process(ctx context.Context, req agent.Request) (map[string]any, string, error) {
	var in mcpRequest
	raw, err := json.Marshal(req.Input)
	if err == nil {
		err = json.Unmarshal(raw, &in)
	}
	if err != nil {
		return nil, "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "MCP 请求格式不正确")
	}

	cfg := a.Config()
	model := strings.TrimSpace(in.Model)
	if model == "" {
		model = cfg.ModelName
	}

	selected := make([]mcp.Tool, 0, len(in.Tools))
	for _, name := range in.Tools {
		t, ok := a.ToolSchema(name)
		if !ok {
			return nil, model, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("Tool '%s' not available", name))
		}
		selected = append(selected, t)
	}

	var (
		content string
		calls   []llm.ToolCall
		usage   *llm.Usage
		// args 与 calls 按下标对应；调用方给出的 id 可能重复，不能作为键。
		args []map[string]any
	)
	if len(in.ToolCalls) > 0 {
		for _, c := range in.ToolCalls {
			if c.ID == "" {
				c.ID = uuid.NewString()
			}
			decoded, err := c.arguments()
			if err != nil {
				return nil, model, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "tool_calls 参数格式不正确",
					xerrors.WithMetadata("tool", c.Name))
			}
			args = append(args, decoded)
			calls = append(calls, llm.ToolCall{ID: c.ID, Name: c.Name, Arguments: string(mustJSON(decoded))})
		}
	} else {
		if a.completer == nil {
			return nil, model, xerrors.New(xerrors.CodeCollaboratorFailure, "未配置大模型，只能执行显式 tool_calls")
		}
		if strings.TrimSpace(in.Prompt) == "" {
			return nil, model, xerrors.New(xerrors.CodeInvalidArgument, "prompt 不能为空")
		}
		llmTools := make([]llm.Tool, 0, len(selected))
		for _, t := range selected {
			llmTools = append(llmTools, llm.Tool{Name: t.Name, Description: t.Description, Parameters: t.InputSchema})
		}
		completion, err := a.completer.Complete(ctx, llm.Request{
			Model:       model,
			Messages:    []llm.Message{{Role: llm.RoleUser, Content: in.Prompt}},
			Tools:       llmTools,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
		})
		if err != nil {
			return nil, model, err
		}
		content, calls, usage = completion.Content, completion.ToolCalls, completion.Usage
		if completion.Model != "" {
			model = completion.Model
		}
	}

	results := make([]ToolResult, 0, len(calls))
	for i, call := range calls {
		if err := ctx.Err(); err != nil {
			return nil, model, err
		}
		var callArgs map[string]any
		if i < len(args) {
			callArgs = args[i]
		} else {
			decoded, err := call.DecodeArguments()
			if err != nil {
				results = append(results, errorResult(call, fmt.Errorf("参数不是合法 JSON: %w", err), nil))
				continue
			}
			callArgs = decoded
		}
		results = append(results, a.runToolCall(ctx, call, callArgs))
	}
	if calls == nil {
		calls = []llm.ToolCall{}
	}

	output := map[string]any{
		"content":      content,
		"tool_calls":   calls,
		"tool_results": results,
		"model":        model,
	}
	if usage != nil {
		output["usage"] = usage
	}
	return output, model, nil
}

// runToolCall 执行一次工具调用。访问被拒绝、调用失败与工具自身报错都只影响本次结果。
func (a *Agent) runToolCall(ctx context.Context, call llm.ToolCall, args map[string]any) ToolResult {
	if allowed, reason := a.CheckAccess(ctx, call.Name); !allowed {
		err := xerrors.New(xerrors.CodeAccessDenied, "Access denied: "+reason)
		return errorResult(call, err, a.Audit(ctx, call.Name, args, map[string]any{"error": agent.ErrorMessage(err)}, audit.StatusFailed))
	}

	var result *mcp.CallToolResult
	_, receipt, err := audit.Track(ctx, a.Recorder(), a.TrackOptions(call.Name), args, func(ctx context.Context) (map[string]any, error) {
		var err error
		result, err = a.callWithRetry(ctx, call.Name, args)
		if err != nil {
			return nil, err
		}
		out := map[string]any{"content": result.Content, "is_error": result.IsError}
		if result.IsError {
			return out, xerrors.New(xerrors.CodeExecutionFailure, "工具返回错误: "+result.Text())
		}
		return out, nil
	})
	if err != nil && result == nil {
		a.Logger().Warn("MCP 工具调用失败", slog.String("tool", call.Name), slog.Any("error", err))
		return errorResult(call, err, receipt)
	}
	return ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    result.Content,
		IsError:    result.IsError,
		Audit:      receipt,
	}
}

func errorResult(call llm.ToolCall, err error, receipt *audit.Result) ToolResult {
	return ToolResult{
		ToolCallID: call.ID,
		Name:       call.Name,
		Content:    []mcp.Content{mcp.TextContent("Error: " + agent.ErrorMessage(err))},
		IsError:    true,
		Audit:      receipt,
	}
}

// callWithRetry 对可重试错误按配置的次数重试，会话失效时先重新握手。
func (a *Agent) callWithRetry(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	attempts := a.Config().RetryAttempts + 1
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		result, err := a.client.CallTool(ctx, name, args)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !xerrors.RetryableError(err) || attempt == attempts {
			break
		}
		if xerrors.HasCode(err, mcp.CodeSessionExpired) {
			if _, initErr := a.client.Initialize(ctx); initErr != nil {
				return nil, initErr
			}
		}
		a.Logger().Info("重试 MCP 工具调用", slog.String("tool", name), slog.Int("attempt", attempt), slog.Any("error", err))
		timer := time.NewTimer(time.Duration(attempt) * retryBackoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, lastErr
}

func contains(values []string, v string) bool {
	for _, s := range values {
		if s == v {
			return true
		}
	}
	return false
}

func mustJSON(v any) []byte {
	raw, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return raw
}
