// Package chronicler 实现负责审计、注册表、访问控制与上链动作的 agent。
package chronicler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/afristrup/chronicler-agentic-audit/internal/agent"
	"github.com/afristrup/chronicler-agentic-audit/internal/audit"
	xerrors "github.com/afristrup/chronicler-agentic-audit/internal/errors"
	"github.com/afristrup/chronicler-agentic-audit/internal/policy"
	"github.com/afristrup/chronicler-agentic-audit/internal/registry"
	"github.com/afristrup/chronicler-agentic-audit/internal/web3"
)

const (
	defaultAuditToolID = "audit_agent"
	completedLimit     = 1000
)

// DefaultCapabilities 是未显式声明能力时使用的能力集合。
func DefaultCapabilities() []agent.Capability {
	return []agent.Capability{
		agent.CapBlockchainInteraction,
		agent.CapAuditLogging,
		agent.CapAccessControl,
		agent.CapRegistryManagement,
	}
}

// Deps 是 chronicler agent 的协作方。Audit 必填，其余缺失时对应操作返回错误。
type Deps struct {
	Audit    *audit.Service
	Registry *registry.Service
	Policy   *policy.Service
	Anchor   web3.Anchor
}

// BlockchainResult 是一次上链动作的结果。
type BlockchainResult struct {
	ActionID     string    `json:"action_id"`
	TxHash       string    `json:"tx_hash,omitempty"`
	GasUsed      uint64    `json:"gas_used,omitempty"`
	Status       string    `json:"status"`
	BlockNumber  uint64    `json:"block_number,omitempty"`
	ErrorMessage string    `json:"error_message,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// BlockchainStats 汇总 agent 的上链与治理情况。
type BlockchainStats struct {
	AuditStatistics         audit.Statistics        `json:"audit_statistics"`
	AccessControlStatistics *policy.UsageStatistics `json:"access_control_statistics,omitempty"`
	PendingActions          int                     `json:"pending_actions"`
	CompletedActions        int                     `json:"completed_actions"`
	RegisteredAgents        int                     `json:"registered_agents"`
	RegisteredTools         int                     `json:"registered_tools"`
}

// Agent 是 chronicler 变体。
type Agent struct {
	*agent.Base
	deps Deps

	mu        sync.Mutex
	pending   map[string]BlockchainAction
	completed []BlockchainResult
}

var (
	_ agent.Agent       = (*Agent)(nil)
	_ agent.Initializer = (*Agent)(nil)
)

// New 构造 chronicler agent。审计服务同时作为 Base 的审计协作方，策略服务作为访问控制协作方。
func New(cfg agent.Config, deps Deps, opts ...agent.Option) (*Agent, error) {
	if deps.Audit == nil {
		return nil, xerrors.New(agent.CodeInvalidConfig, "chronicler agent 需要审计服务", xerrors.WithMetadata("agent_id", cfg.ID))
	}
	if len(cfg.Capabilities) == 0 {
		cfg.Capabilities = DefaultCapabilities()
	}
	if deps.Anchor == nil {
		deps.Anchor = web3.NewLocalAnchor("local", 1337)
	}
	a := &Agent{deps: deps, pending: make(map[string]BlockchainAction)}

	base := []agent.Option{agent.WithAuditRecorder(deps.Audit)}
	if deps.Policy != nil {
		base = append(base, agent.WithAccessChecker(deps.Policy))
	}
	b, err := agent.NewBase(cfg, a, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	a.Base = b
	return a, nil
}

// Setup 在注册表中登记自身，已登记时跳过。
func (a *Agent) Setup(ctx context.Context) error {
	if a.deps.Registry == nil {
		return nil
	}
	valid, err := a.deps.Registry.IsValidAgent(ctx, a.ID())
	if err != nil {
		return err
	}
	if valid {
		return nil
	}
	cfg := a.Config()
	_, err = a.deps.Registry.RegisterAgent(ctx, registry.RegisterAgentInput{
		ID:          cfg.ID,
		Operator:    "chronicler",
		MetadataURI: "agent://" + cfg.ID,
		RiskLevel:   cfg.RiskLevel,
		Description: cfg.Description,
	})
	if xerrors.HasCode(err, registry.CodeDuplicate) {
		a.Logger().Warn("agent 已登记但处于停用状态")
		return nil
	}
	if err != nil {
		return err
	}
	a.Logger().Info("agent 已登记到注册表")
	return nil
}

// Process 解析动作并分派，处理失败时返回带审计回执的错误响应。
func (a *Agent) Process(ctx context.Context, req agent.Request) (*agent.Response, error) {
	kind := ActionAudit
	output, err := func() (map[string]any, error) {
		action, err := ParseAction(req.Input)
		if err != nil {
			return nil, err
		}
		kind = action.Kind()
		switch act := action.(type) {
		case AuditAction:
			return a.handleAudit(ctx, req, act)
		case RegistryAction:
			return a.handleRegistry(ctx, act)
		case AccessControlAction:
			return a.handleAccessControl(ctx, act)
		case BlockchainAction:
			return a.handleBlockchain(ctx, req, act)
		}
		return nil, xerrors.New(agent.CodeUnknownAction, "未处理的动作类型")
	}()

	toolID := "chronicler_" + kind
	if err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		resp := agent.FailureResponse(req, err)
		resp.Audit = a.Audit(ctx, toolID, req.Input, map[string]any{"error": agent.ErrorMessage(err)}, audit.StatusFailed)
		return resp, nil
	}

	resp := agent.SuccessResponse(req, output)
	resp.Metadata = map[string]any{"action_type": kind}
	resp.Audit = a.Audit(ctx, toolID, req.Input, output, audit.StatusSuccess)
	return resp, nil
}

func (a *Agent) handleAudit(ctx context.Context, req agent.Request, act AuditAction) (map[string]any, error) {
	dataHash := act.DataHash
	if dataHash == "" {
		raw, err := json.Marshal(act.Data)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "action_data 无法编码")
		}
		dataHash = crypto.Keccak256Hash(raw).Hex()
	}
	agentID := act.AgentID
	if agentID == "" {
		agentID = a.ID()
	}
	toolID := act.ToolID
	if toolID == "" {
		toolID = defaultAuditToolID
	}

	result, err := a.deps.Audit.LogAction(ctx, audit.Entry{
		ActionID: req.ID,
		AgentID:  agentID,
		ToolID:   toolID,
		DataHash: dataHash,
		Status:   audit.StatusSuccess,
		Input:    act.Data,
	})
	if err != nil {
		return nil, err
	}
	details, err := a.deps.Audit.GetAction(ctx, result.ActionID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"action_id":      result.ActionID,
		"tx_hash":        result.TxHash,
		"data_hash":      dataHash,
		"action_details": details,
		"status":         "success",
	}, nil
}

func (a *Agent) handleRegistry(ctx context.Context, act RegistryAction) (map[string]any, error) {
	reg := a.deps.Registry
	if reg == nil {
		return nil, xerrors.New(xerrors.CodeCollaboratorFailure, "未配置注册表服务")
	}
	var (
		result any
		err    error
	)
	switch act.Operation {
	case "register_agent":
		result, err = reg.RegisterAgent(ctx, act.AgentData)
	case "register_tool":
		result, err = reg.RegisterTool(ctx, act.ToolData)
	case "get_agent":
		result, err = reg.GetAgent(ctx, act.AgentID)
	case "get_tool":
		result, err = reg.GetTool(ctx, act.ToolID)
	case "is_valid_agent":
		result, err = reg.IsValidAgent(ctx, act.AgentID)
	case "is_valid_tool":
		result, err = reg.IsValidTool(ctx, act.ToolID)
	case "update_agent_metadata":
		result, err = reg.UpdateAgentMetadata(ctx, act.AgentID, act.MetadataURI, act.Description)
	case "deactivate_agent":
		result, err = reg.DeactivateAgent(ctx, act.AgentID)
	default:
		return nil, unknownOperation(ActionRegistry, act.Operation)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"operation": act.Operation, "result": result, "status": "success"}, nil
}

func (a *Agent) handleAccessControl(ctx context.Context, act AccessControlAction) (map[string]any, error) {
	svc := a.deps.Policy
	if svc == nil {
		return nil, xerrors.New(xerrors.CodeCollaboratorFailure, "未配置访问控制服务")
	}
	var (
		result any
		err    error
	)
	switch act.Operation {
	case "check_access":
		var d policy.Decision
		if d, err = svc.CheckAccess(ctx, act.AgentID, act.ToolID, act.GasUsed); err == nil {
			result = map[string]any{"is_allowed": d.Allowed, "reason": d.Reason()}
		}
	case "get_agent_policy":
		result, err = svc.GetAgentPolicy(ctx, act.AgentID)
	case "get_tool_policy":
		result, err = svc.GetToolPolicy(ctx, act.ToolID)
	case "set_agent_policy":
		var p policy.AgentPolicy
		if p, err = act.AgentPolicy(); err == nil {
			result, err = svc.SetAgentPolicy(ctx, p)
		}
	case "set_tool_policy":
		var p policy.ToolPolicy
		if p, err = act.ToolPolicy(); err == nil {
			result, err = svc.SetToolPolicy(ctx, p)
		}
	case "check_rate_limit":
		var r policy.RateLimitResult
		if r, err = svc.CheckRateLimit(ctx, act.AgentID, act.ToolID); err == nil {
			result = map[string]any{"is_within_limit": r.Allowed, "reason": r.Reason, "details": r}
		}
	case "revoke_agent_access":
		result, err = svc.RevokeAgentAccess(ctx, act.AgentID)
	case "revoke_tool_access":
		result, err = svc.RevokeToolAccess(ctx, act.ToolID)
	case "usage_statistics":
		result = svc.UsageStatistics(ctx, act.AgentID, act.ToolID)
	default:
		return nil, unknownOperation(ActionAccessControl, act.Operation)
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"operation": act.Operation, "result": result, "status": "success"}, nil
}

func (a *Agent) handleBlockchain(ctx context.Context, req agent.Request, act BlockchainAction) (map[string]any, error) {
	payload, err := json.Marshal(map[string]any{"request_id": req.ID, "agent_id": a.ID(), "action": act})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "动作参数无法编码")
	}

	a.mu.Lock()
	a.pending[req.ID] = act
	a.mu.Unlock()

	receipt, anchorErr := a.deps.Anchor.Anchor(ctx, crypto.Keccak256Hash(payload))
	result := BlockchainResult{ActionID: req.ID, Status: "success", Timestamp: time.Now().UTC()}
	if anchorErr != nil {
		result.Status = "failed"
		result.ErrorMessage = anchorErr.Error()
	} else {
		result.TxHash = receipt.TxHash
		result.GasUsed = receipt.GasUsed
		result.BlockNumber = receipt.BlockNumber
		if receipt.Status == web3.ReceiptFailed {
			result.Status = "failed"
		}
	}

	a.mu.Lock()
	delete(a.pending, req.ID)
	a.completed = append(a.completed, result)
	if len(a.completed) > completedLimit {
		a.completed = append([]BlockchainResult(nil), a.completed[len(a.completed)-completedLimit:]...)
	}
	a.mu.Unlock()

	if anchorErr != nil {
		a.Logger().Warn("上链动作失败", slog.String("function", act.FunctionName), slog.Any("error", anchorErr))
		return nil, xerrors.Wrap(xerrors.CodeChainFailure, anchorErr, "上链动作失败")
	}
	return map[string]any{"action": act, "result": result, "status": result.Status}, nil
}

// CompletedActions 返回已完成的上链动作，按完成顺序排列。
func (a *Agent) CompletedActions() []BlockchainResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]BlockchainResult(nil), a.completed...)
}

// BlockchainStats 汇总审计统计、访问控制统计与本地动作计数。
func (a *Agent) BlockchainStats(ctx context.Context) (BlockchainStats, error) {
	var stats BlockchainStats
	auditStats, err := a.deps.Audit.Statistics(ctx)
	if err != nil {
		return stats, err
	}
	stats.AuditStatistics = auditStats
	if a.deps.Policy != nil {
		usage := a.deps.Policy.UsageStatistics(ctx, "", "")
		stats.AccessControlStatistics = &usage
	}
	if a.deps.Registry != nil {
		agents, err := a.deps.Registry.ListAgents(ctx)
		if err != nil {
			return stats, err
		}
		tools, err := a.deps.Registry.ListTools(ctx)
		if err != nil {
			return stats, err
		}
		stats.RegisteredAgents = len(agents)
		stats.RegisteredTools = len(tools)
	}

	a.mu.Lock()
	stats.PendingActions = len(a.pending)
	stats.CompletedActions = len(a.completed)
	a.mu.Unlock()
	return stats, nil
}

// ActionHistory 返回本 agent 最近的审计记录，limit 非正时取 100。
func (a *Agent) ActionHistory(ctx context.Context, limit int) ([]audit.Record, error) {
	if limit <= 0 {
		limit = 100
	}
	return a.deps.Audit.ListByAgent(ctx, a.ID(), limit, 0)
}
