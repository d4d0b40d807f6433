package mcpagent

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/afristrup/chronicler-agentic-audit/internal/agent"
	"github.com/afristrup/chronicler-agentic-audit/internal/audit"
	xerrors "github.com/afristrup/chronicler-agentic-audit/internal/errors"
	"github.com/afristrup/chronicler-agentic-audit/internal/llm"
	"github.com/afristrup/chronicler-agentic-audit/internal/mcp"
)

type stubClient struct {
	mu        sync.Mutex
	tools     []mcp.Tool
	failures  map[string][]error
	calls     []string
	inits     int
	closed    bool
	isErrorOf map[string]bool
}

func newStubClient() *stubClient {
	return &stubClient{
		tools: []mcp.Tool{
			{Name: "calculator", Description: "math", InputSchema: json.RawMessage(`{"type":"object"}`)},
			{Name: "search", InputSchema: json.RawMessage(`{"type":"object"}`)},
			{Name: "shell", InputSchema: json.RawMessage(`{"type":"object"}`)},
		},
		failures:  map[string][]error{},
		isErrorOf: map[string]bool{},
	}
}

func (s *stubClient) Initialize(context.Context) (*mcp.InitializeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inits++
	return &mcp.InitializeResult{ProtocolVersion: mcp.DefaultProtocolVersion}, nil
}

func (s *stubClient) ListTools(context.Context) ([]mcp.Tool, error) {
	return s.tools, nil
}

func (s *stubClient) CallTool(_ context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, name)
	if queue := s.failures[name]; len(queue) > 0 {
		err := queue[0]
		s.failures[name] = queue[1:]
		return nil, err
	}
	raw, _ := json.Marshal(args)
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent(name + ":" + string(raw))}, IsError: s.isErrorOf[name]}, nil
}

func (s *stubClient) SessionID() string { return "session-1" }

func (s *stubClient) Close(context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}

type stubLLM struct {
	last llm.Request
	resp *llm.Response
}

func (s *stubLLM) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	s.last = req
	return s.resp, nil
}

type recorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recorder) Record(_ context.Context, e audit.Entry) (*audit.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return &audit.Result{ActionID: e.ActionID, Status: e.Status}, nil
}

func (r *recorder) byTool(tool string) []audit.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Entry
	for _, e := range r.entries {
		if e.ToolID == tool {
			out = append(out, e)
		}
	}
	return out
}

type denyTool string

func (d denyTool) IsAllowed(_ context.Context, _ string, toolID string) (bool, string, error) {
	if toolID == string(d) {
		return false, "tool access revoked", nil
	}
	return true, "", nil
}

func mcpConfig() agent.Config {
	cfg := agent.DefaultConfig("m1", "mcp", agent.TypeMCP)
	cfg.MCP = agent.MCPConfig{Enabled: true, ServerURL: "http://mcp.local"}
	cfg.RetryAttempts = 1
	return cfg
}

func newAgent(t *testing.T, client *stubClient, completer llm.Client, opts ...agent.Option) *Agent {
	t.Helper()
	a, err := New(mcpConfig(), client, completer, opts...)
	if err != nil {
		t.Fatalf("构造 agent 失败: %v", err)
	}
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("初始化失败: %v", err)
	}
	return a
}

func TestRequiresMCPConfig(t *testing.T) {
	cfg := agent.DefaultConfig("m1", "mcp", agent.TypeMCP)
	if _, err := New(cfg, newStubClient(), nil); !xerrors.HasCode(err, agent.CodeInvalidConfig) {
		t.Fatalf("未启用 MCP 时应返回配置错误: %v", err)
	}
}

func TestSetupCachesToolsAndSchemaLookups(t *testing.T) {
	client := newStubClient()
	a := newAgent(t, client, nil)

	if got := len(a.ListTools()); got != 3 {
		t.Fatalf("期望缓存 3 个工具，得到 %d", got)
	}
	if _, ok := a.ToolSchema("calculator"); !ok {
		t.Fatalf("calculator 应在缓存中")
	}
	if _, ok := a.ToolSchema("ghost"); ok {
		t.Fatalf("ghost 不应在缓存中")
	}
	if rate := a.HealthStatus().CacheHitRate; rate != 0.5 {
		t.Fatalf("期望命中率 0.5，得到 %v", rate)
	}
	if a.Capabilities()[0] != agent.CapMCPProtocol {
		t.Fatalf("应使用默认能力: %v", a.Capabilities())
	}
}

func TestToolAllowListFiltersCache(t *testing.T) {
	cfg := mcpConfig()
	cfg.MCP.Tools = []string{"search"}
	a, err := New(cfg, newStubClient(), nil)
	if err != nil {
		t.Fatalf("构造 agent 失败: %v", err)
	}
	if err := a.Initialize(context.Background()); err != nil {
		t.Fatalf("初始化失败: %v", err)
	}
	if tools := a.ListTools(); len(tools) != 1 || tools[0].Name != "search" {
		t.Fatalf("白名单过滤不正确: %+v", tools)
	}
}

func TestCompletionToolCallsRunSequentiallyWithIsolatedFailures(t *testing.T) {
	client := newStubClient()
	client.failures["search"] = []error{xerrors.New(xerrors.CodeInvalidArgument, "bad query")}
	completer := &stubLLM{resp: &llm.Response{
		Content: "done",
		ToolCalls: []llm.ToolCall{
			{ID: "c1", Name: "calculator", Arguments: `{"expr":"1+1"}`},
			{ID: "c2", Name: "search", Arguments: `{"q":"x"}`},
			{ID: "c3", Name: "calculator", Arguments: `not json`},
			{ID: "c4", Name: "calculator", Arguments: `{"expr":"2+2"}`},
		},
	}}
	rec := &recorder{}
	a := newAgent(t, client, completer, agent.WithAuditRecorder(rec))

	resp := a.Execute(context.Background(), map[string]any{"prompt": "compute", "tools": []string{"calculator", "search"}}, nil)
	if resp.Failed() {
		t.Fatalf("期望成功响应，得到 %+v", resp.Output)
	}
	if len(completer.last.Tools) != 2 || completer.last.Model != "gpt-4" {
		t.Fatalf("补全请求不符合预期: %+v", completer.last)
	}

	results := resp.Output["tool_results"].([]ToolResult)
	if len(results) != 4 {
		t.Fatalf("期望 4 个结果，得到 %d", len(results))
	}
	wantError := []bool{false, true, true, false}
	for i, r := range results {
		if r.IsError != wantError[i] {
			t.Fatalf("结果 %d 的 IsError 期望 %v: %+v", i, wantError[i], r)
		}
	}
	if results[3].Content[0].Text != `calculator:{"expr":"2+2"}` {
		t.Fatalf("失败之后的调用仍应执行: %+v", results[3])
	}
	if client.calls[0] != "calculator" || client.calls[1] != "search" || client.calls[2] != "calculator" {
		t.Fatalf("调用顺序不正确: %v", client.calls)
	}
	if resp.Metadata["tools_used"] != 4 || resp.Metadata["mcp_session_id"] != "session-1" {
		t.Fatalf("元数据不符合预期: %+v", resp.Metadata)
	}

	if n := len(rec.byTool("calculator")); n != 2 {
		t.Fatalf("每次实际调用都应被审计，calculator 得到 %d", n)
	}
	if failed := rec.byTool("search"); len(failed) != 1 || failed[0].Status != audit.StatusFailed {
		t.Fatalf("失败调用应记录为 failed: %+v", failed)
	}
	if n := len(rec.byTool("mcp_request")); n != 1 {
		t.Fatalf("请求本身应审计一次，得到 %d", n)
	}
}

func TestExplicitToolCallsSkipCompletion(t *testing.T) {
	client := newStubClient()
	completer := &stubLLM{}
	a := newAgent(t, client, completer)

	resp := a.Execute(context.Background(), map[string]any{
		"tool_calls": []any{
			map[string]any{"id": "x1", "name": "calculator", "arguments": map[string]any{"expr": "3*3"}},
			map[string]any{"name": "search", "arguments": `{"q":"go"}`},
		},
	}, nil)
	if resp.Failed() {
		t.Fatalf("期望成功响应，得到 %+v", resp.Output)
	}
	if completer.last.Messages != nil {
		t.Fatalf("显式 tool_calls 不应触发补全")
	}
	results := resp.Output["tool_results"].([]ToolResult)
	if len(results) != 2 || results[0].ToolCallID != "x1" || results[1].ToolCallID == "" {
		t.Fatalf("结果不符合预期: %+v", results)
	}
	if results[1].Content[0].Text != `search:{"q":"go"}` {
		t.Fatalf("字符串参数应被解析: %+v", results[1])
	}
}

func TestExplicitToolCallsWithSharedIDKeepOwnArguments(t *testing.T) {
	client := newStubClient()
	a := newAgent(t, client, &stubLLM{})

	resp := a.Execute(context.Background(), map[string]any{
		"tool_calls": []any{
			map[string]any{"id": "x", "name": "calculator", "arguments": map[string]any{"n": 1}},
			map[string]any{"id": "x", "name": "search", "arguments": map[string]any{"q": "hello"}},
		},
	}, nil)
	if resp.Failed() {
		t.Fatalf("期望成功响应，得到 %+v", resp.Output)
	}
	results := resp.Output["tool_results"].([]ToolResult)
	if len(results) != 2 {
		t.Fatalf("期望两个结果，得到 %+v", results)
	}
	if got := results[0].Content[0].Text; got != `calculator:{"n":1}` {
		t.Fatalf("第一个调用使用了错误的参数: %s", got)
	}
	if got := results[1].Content[0].Text; got != `search:{"q":"hello"}` {
		t.Fatalf("第二个调用使用了错误的参数: %s", got)
	}
}

func TestUnknownToolAndMissingCompleter(t *testing.T) {
	a := newAgent(t, newStubClient(), nil)
	ctx := context.Background()

	resp := a.Execute(ctx, map[string]any{"prompt": "x", "tools": []string{"ghost"}}, nil)
	if !resp.Failed() || resp.Output["error"] != "Tool 'ghost' not available" {
		t.Fatalf("未知工具应被拒绝: %+v", resp.Output)
	}
	resp = a.Execute(ctx, map[string]any{"prompt": "x"}, nil)
	if resp.Metadata["error_type"] != string(xerrors.CodeCollaboratorFailure) {
		t.Fatalf("缺少大模型时应返回协作方错误: %+v", resp.Metadata)
	}
	if a.Status() != agent.StatusIdle {
		t.Fatalf("已处理的错误不应改变状态: %s", a.Status())
	}
}

func TestCallToolRetriesAndReinitialises(t *testing.T) {
	client := newStubClient()
	client.failures["calculator"] = []error{xerrors.New(mcp.CodeSessionExpired, "expired")}
	a := newAgent(t, client, nil)

	res := a.CallTool(context.Background(), "calculator", map[string]any{"expr": "1"})
	if res.IsError {
		t.Fatalf("重试后应成功: %+v", res)
	}
	if client.inits != 2 {
		t.Fatalf("会话失效后应重新握手，握手次数 %d", client.inits)
	}
	if len(client.calls) != 2 {
		t.Fatalf("期望两次调用，得到 %v", client.calls)
	}
}

func TestCallToolReportsToolErrorsAndDenials(t *testing.T) {
	client := newStubClient()
	client.isErrorOf["search"] = true
	a := newAgent(t, client, nil, agent.WithAccessChecker(denyTool("shell")))
	ctx := context.Background()

	if res := a.CallTool(ctx, "search", nil); !res.IsError || len(res.Content) == 0 {
		t.Fatalf("工具自身报错应体现在结果中: %+v", res)
	}
	res := a.CallTool(ctx, "shell", nil)
	if !res.IsError || res.Content[0].Text != "Error: Access denied: tool access revoked" {
		t.Fatalf("被拒绝的调用应返回错误结果: %+v", res)
	}
	for _, name := range client.calls {
		if name == "shell" {
			t.Fatalf("被拒绝的工具不应被调用")
		}
	}
}

func TestShutdownClosesSession(t *testing.T) {
	client := newStubClient()
	a := newAgent(t, client, nil)
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("关闭失败: %v", err)
	}
	if !client.closed || a.Status() != agent.StatusDisabled {
		t.Fatalf("关闭后会话应结束且状态为 disabled")
	}
}
