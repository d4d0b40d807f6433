package chronicler

import (
	"context"
	"strings"
	"testing"

	"github.com/afristrup/chronicler-agentic-audit/internal/agent"
	"github.com/afristrup/chronicler-agentic-audit/internal/audit"
	xerrors "github.com/afristrup/chronicler-agentic-audit/internal/errors"
	"github.com/afristrup/chronicler-agentic-audit/internal/policy"
	"github.com/afristrup/chronicler-agentic-audit/internal/registry"
	"github.com/afristrup/chronicler-agentic-audit/internal/web3"
)

type fixture struct {
	agent    *Agent
	audit    *audit.Service
	registry *registry.Service
	policy   *policy.Service
	anchor   *web3.LocalAnchor
}

func newFixture(t *testing.T, caps ...agent.Capability) fixture {
	t.Helper()
	ctx := context.Background()
	engine, err := policy.NewEngine(ctx, "")
	if err != nil {
		t.Fatalf("构造策略引擎失败: %v", err)
	}
	pol, err := policy.NewService(engine)
	if err != nil {
		t.Fatalf("构造策略服务失败: %v", err)
	}
	anchor := web3.NewLocalAnchor("local", 1337)
	f := fixture{
		audit:    audit.NewService(nil, audit.WithAnchor(anchor), audit.WithPolicy(pol)),
		registry: registry.NewService(nil),
		policy:   pol,
		anchor:   anchor,
	}
	cfg := agent.DefaultConfig("a1", "chronicler", agent.TypeAudit)
	cfg.Capabilities = caps
	f.agent, err = New(cfg, Deps{Audit: f.audit, Registry: f.registry, Policy: pol, Anchor: anchor})
	if err != nil {
		t.Fatalf("构造 agent 失败: %v", err)
	}
	if err := f.agent.Initialize(ctx); err != nil {
		t.Fatalf("初始化失败: %v", err)
	}
	return f
}

func TestManagerAuditScenario(t *testing.T) {
	f := newFixture(t, agent.CapAuditLogging)
	m := agent.NewManager()
	ctx := context.Background()

	if !m.Register(ctx, f.agent) {
		t.Fatalf("注册失败")
	}
	id, ok := m.FindByCapability(agent.CapAuditLogging)
	if !ok || id != "a1" {
		t.Fatalf("按能力查找失败: %q %v", id, ok)
	}
	resp := m.ExecuteRequest(ctx, "a1", map[string]any{
		"action_type": "audit",
		"action_data": map[string]any{"tool_id": "search", "query": "weather"},
	}, nil)
	if resp == nil || resp.Status != agent.ResponseSuccess {
		t.Fatalf("期望成功响应，得到 %+v", resp)
	}
	if got := m.Stats().TotalRequests; got != 1 {
		t.Fatalf("期望 total_requests 为 1，得到 %d", got)
	}
	if resp.Output["tx_hash"] == "" || resp.Output["data_hash"] == "" {
		t.Fatalf("审计输出缺少摘要: %+v", resp.Output)
	}
	if resp.Audit == nil || resp.Audit.Status != audit.StatusSuccess {
		t.Fatalf("响应应携带自身的审计回执: %+v", resp.Audit)
	}

	rec, err := f.audit.GetAction(ctx, resp.RequestID)
	if err != nil {
		t.Fatalf("查询审计记录失败: %v", err)
	}
	if rec.ToolID != "search" || rec.AgentID != "a1" {
		t.Fatalf("记录内容不符合预期: %+v", rec)
	}
}

func TestDefaultsToAuditAndKeepsProvidedHash(t *testing.T) {
	f := newFixture(t)
	hash := "0x" + strings.Repeat("ab", 32)
	resp := f.agent.Execute(context.Background(), map[string]any{
		"action_data": map[string]any{"data_hash": hash, "agent_id": "external"},
	}, nil)
	if resp.Failed() {
		t.Fatalf("期望成功，得到 %+v", resp.Output)
	}
	if resp.Output["data_hash"] != hash {
		t.Fatalf("应保留调用方提供的摘要: %v", resp.Output["data_hash"])
	}
	if resp.Metadata["action_type"] != ActionAudit {
		t.Fatalf("缺省动作应为 audit: %v", resp.Metadata)
	}
	details, ok := resp.Output["action_details"].(*audit.Record)
	if !ok || details.AgentID != "external" || details.ToolID != defaultAuditToolID {
		t.Fatalf("动作详情不符合预期: %+v", resp.Output["action_details"])
	}
}

func TestUnknownActionType(t *testing.T) {
	f := newFixture(t)
	resp := f.agent.Execute(context.Background(), map[string]any{"action_type": "teleport"}, nil)
	if !resp.Failed() || resp.Metadata["error_type"] != string(agent.CodeUnknownAction) {
		t.Fatalf("期望 UNKNOWN_ACTION，得到 %+v", resp)
	}
	if resp.Audit == nil {
		t.Fatalf("错误也应被审计")
	}
	if f.agent.Status() != agent.StatusIdle {
		t.Fatalf("已处理的错误不应使 agent 进入 Error: %s", f.agent.Status())
	}
	if h := f.agent.HealthStatus(); h.ErrorCount != 1 {
		t.Fatalf("错误计数应为 1: %+v", h)
	}
}

func TestSetupRegistersItselfOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ok, err := f.registry.IsValidAgent(ctx, "a1")
	if err != nil || !ok {
		t.Fatalf("初始化后应已登记: %v %v", ok, err)
	}
	if err := f.agent.Initialize(ctx); err != nil {
		t.Fatalf("重复初始化失败: %v", err)
	}
	agents, _ := f.registry.ListAgents(ctx)
	if len(agents) != 1 {
		t.Fatalf("不应重复登记: %d", len(agents))
	}
}

func TestRegistryOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := []struct {
		name  string
		input map[string]any
		check func(t *testing.T, result any)
	}{
		{
			name: "register_tool",
			input: map[string]any{"operation": "register_tool",
				"tool_data": map[string]any{"tool_id": "calc", "agent_id": "a1", "risk_level": 2}},
			check: func(t *testing.T, result any) {
				if tool, ok := result.(*registry.Tool); !ok || tool.RiskLevel != 2 {
					t.Fatalf("unexpected tool: %+v", result)
				}
			},
		},
		{
			name:  "is_valid_tool",
			input: map[string]any{"operation": "is_valid_tool", "tool_id": "calc"},
			check: func(t *testing.T, result any) {
				if result != true {
					t.Fatalf("tool should be valid: %v", result)
				}
			},
		},
		{
			name:  "update_agent_metadata",
			input: map[string]any{"operation": "update_agent_metadata", "agent_id": "a1", "metadata_uri": "ipfs://v2"},
			check: func(t *testing.T, result any) {
				if a, ok := result.(*registry.Agent); !ok || a.MetadataURI != "ipfs://v2" {
					t.Fatalf("unexpected agent: %+v", result)
				}
			},
		},
		{
			name:  "deactivate_agent",
			input: map[string]any{"operation": "deactivate_agent", "agent_id": "a1"},
			check: func(t *testing.T, result any) {
				if a, ok := result.(*registry.Agent); !ok || a.Active {
					t.Fatalf("agent should be inactive: %+v", result)
				}
			},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tc.input["action_type"] = ActionRegistry
			resp := f.agent.Execute(ctx, tc.input, nil)
			if resp.Failed() {
				t.Fatalf("操作失败: %+v", resp.Output)
			}
			tc.check(t, resp.Output["result"])
		})
	}

	resp := f.agent.Execute(ctx, map[string]any{"action_type": ActionRegistry, "operation": "get_agent", "agent_id": "ghost"}, nil)
	if resp.Metadata["error_type"] != string(registry.CodeAgentNotFound) {
		t.Fatalf("期望 agent 不存在，得到 %+v", resp.Metadata)
	}
	resp = f.agent.Execute(ctx, map[string]any{"action_type": ActionRegistry, "operation": "explode"}, nil)
	if resp.Metadata["error_type"] != string(agent.CodeUnknownAction) {
		t.Fatalf("未知操作应返回 UNKNOWN_ACTION: %+v", resp.Metadata)
	}
}

func TestAccessControlOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	exec := func(input map[string]any) *agent.Response {
		input["action_type"] = ActionAccessControl
		return f.agent.Execute(ctx, input, nil)
	}

	resp := exec(map[string]any{"operation": "set_agent_policy",
		"policy_data": map[string]any{"agent_id": "bot", "allowed_tools": []string{"calc"}, "max_actions_per_hour": 1}})
	if resp.Failed() {
		t.Fatalf("设置策略失败: %+v", resp.Output)
	}

	resp = exec(map[string]any{"operation": "check_access", "agent_id": "bot", "tool_id": "shell"})
	result := resp.Output["result"].(map[string]any)
	if result["is_allowed"] != false || result["reason"] == "" {
		t.Fatalf("不在白名单的工具应被拒绝: %+v", result)
	}

	for i, want := range []bool{true, false} {
		resp = exec(map[string]any{"operation": "check_rate_limit", "agent_id": "bot", "tool_id": "calc"})
		result = resp.Output["result"].(map[string]any)
		if result["is_within_limit"] != want {
			t.Fatalf("第 %d 次限流检查期望 %v，得到 %+v", i+1, want, result)
		}
	}

	resp = exec(map[string]any{"operation": "revoke_agent_access", "agent_id": "bot"})
	if p, ok := resp.Output["result"].(policy.AgentPolicy); !ok || p.Active {
		t.Fatalf("撤销后策略应为停用: %+v", resp.Output["result"])
	}

	resp = exec(map[string]any{"operation": "usage_statistics", "agent_id": "bot"})
	if stats, ok := resp.Output["result"].(policy.UsageStatistics); !ok || stats.DeniedActions != 1 {
		t.Fatalf("统计不符合预期: %+v", resp.Output["result"])
	}

	resp = exec(map[string]any{"operation": "set_tool_policy"})
	if resp.Metadata["error_type"] != string(xerrors.CodeInvalidArgument) {
		t.Fatalf("缺少策略数据应返回参数错误: %+v", resp.Metadata)
	}
}

func TestBlockchainActionAndStats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp := f.agent.Execute(ctx, map[string]any{
		"action_type": ActionBlockchain,
		"action": map[string]any{
			"contract_address": "0x0000000000000000000000000000000000000001",
			"function_name":    "logAction",
			"parameters":       map[string]any{"id": 1},
		},
	}, nil)
	if resp.Failed() {
		t.Fatalf("上链动作失败: %+v", resp.Output)
	}
	result := resp.Output["result"].(BlockchainResult)
	if result.TxHash == "" || result.Status != "success" || result.ActionID != resp.RequestID {
		t.Fatalf("上链结果不符合预期: %+v", result)
	}
	if act := resp.Output["action"].(BlockchainAction); act.Priority != "normal" {
		t.Fatalf("缺省优先级应为 normal: %+v", act)
	}

	missing := f.agent.Execute(ctx, map[string]any{"action_type": ActionBlockchain, "action": map[string]any{}}, nil)
	if missing.Metadata["error_type"] != string(xerrors.CodeInvalidArgument) {
		t.Fatalf("缺少函数名应返回参数错误: %+v", missing.Metadata)
	}

	stats, err := f.agent.BlockchainStats(ctx)
	if err != nil {
		t.Fatalf("统计失败: %v", err)
	}
	if stats.CompletedActions != 1 || stats.PendingActions != 0 || stats.RegisteredAgents != 1 {
		t.Fatalf("统计不符合预期: %+v", stats)
	}
	if stats.AuditStatistics.TotalActions == 0 || stats.AccessControlStatistics == nil {
		t.Fatalf("统计应包含审计与访问控制信息: %+v", stats)
	}

	history, err := f.agent.ActionHistory(ctx, 10)
	if err != nil {
		t.Fatalf("查询历史失败: %v", err)
	}
	if len(history) == 0 {
		t.Fatalf("历史记录不应为空")
	}
	for _, rec := range history {
		if rec.AgentID != "a1" {
			t.Fatalf("历史记录应只包含本 agent: %+v", rec)
		}
	}
}

func TestRequiresAuditService(t *testing.T) {
	cfg := agent.DefaultConfig("a1", "chronicler", agent.TypeAudit)
	if _, err := New(cfg, Deps{}); !xerrors.HasCode(err, agent.CodeInvalidConfig) {
		t.Fatalf("缺少审计服务应返回配置错误: %v", err)
	}
}
