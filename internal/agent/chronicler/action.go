package chronicler

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/afristrup/chronicler-agentic-audit/internal/agent"
	xerrors "github.com/afristrup/chronicler-agentic-audit/internal/errors"
	"github.com/afristrup/chronicler-agentic-audit/internal/policy"
	"github.com/afristrup/chronicler-agentic-audit/internal/registry"
)

// 输入中的 action_type 取值。
const (
	ActionAudit         = "audit"
	ActionRegistry      = "registry"
	ActionAccessControl = "access_control"
	ActionBlockchain    = "blockchain"
)

// Action 是 chronicler agent 能处理的请求，只有本包内的类型实现它。
type Action interface {
	Kind() string
	action()
}

// AuditAction 记录一次外部动作。DataHash 为空时按 Data 计算。
type AuditAction struct {
	AgentID  string         `json:"agent_id"`
	ToolID   string         `json:"tool_id"`
	DataHash string         `json:"data_hash"`
	Data     map[string]any `json:"-"`
}

// RegistryAction 对注册表执行一次操作。
type RegistryAction struct {
	Operation   string                      `json:"operation"`
	AgentID     string                      `json:"agent_id"`
	ToolID      string                      `json:"tool_id"`
	MetadataURI string                      `json:"metadata_uri"`
	Description string                      `json:"description"`
	AgentData   registry.RegisterAgentInput `json:"agent_data"`
	ToolData    registry.RegisterToolInput  `json:"tool_data"`
}

// AccessControlAction 对访问控制执行一次操作。PolicyData 按操作解析为 agent 或工具策略。
type AccessControlAction struct {
	Operation  string          `json:"operation"`
	AgentID    string          `json:"agent_id"`
	ToolID     string          `json:"tool_id"`
	GasUsed    uint64          `json:"gas_used"`
	PolicyData json.RawMessage `json:"policy_data"`
}

// BlockchainAction 描述一次合约调用请求。
type BlockchainAction struct {
	ContractAddress string         `json:"contract_address,omitempty"`
	FunctionName    string         `json:"function_name"`
	Parameters      map[string]any `json:"parameters"`
	GasLimit        uint64         `json:"gas_limit,omitempty"`
	Priority        string         `json:"priority"`
}

func (AuditAction) Kind() string         { return ActionAudit }
func (RegistryAction) Kind() string      { return ActionRegistry }
func (AccessControlAction) Kind() string { return ActionAccessControl }
func (BlockchainAction) Kind() string    { return ActionBlockchain }

func (AuditAction) action()         {}
func (RegistryAction) action()      {}
func (AccessControlAction) action() {}
func (BlockchainAction) action()    {}

// AgentPolicy 解析 set_agent_policy 的策略数据。
func (a AccessControlAction) AgentPolicy() (policy.AgentPolicy, error) {
	var p policy.AgentPolicy
	if err := decodePolicy(a.PolicyData, &p); err != nil {
		return p, err
	}
	return p, nil
}

// ToolPolicy 解析 set_tool_policy 的策略数据。
func (a AccessControlAction) ToolPolicy() (policy.ToolPolicy, error) {
	var p policy.ToolPolicy
	if err := decodePolicy(a.PolicyData, &p); err != nil {
		return p, err
	}
	return p, nil
}

func decodePolicy(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "缺少 policy_data")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "policy_data 格式不正确")
	}
	return nil
}

// ParseAction 根据 action_type 解析输入，缺省为 audit。未知类型返回 UNKNOWN_ACTION。
func ParseAction(input map[string]any) (Action, error) {
	kind := ActionAudit
	if raw, ok := input["action_type"]; ok && raw != nil {
		s, ok := raw.(string)
		if !ok {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "action_type 必须是字符串")
		}
		if s = strings.TrimSpace(s); s != "" {
			kind = s
		}
	}

	switch kind {
	case ActionAudit:
		data, _ := input["action_data"].(map[string]any)
		if data == nil {
			data = map[string]any{}
		}
		var a AuditAction
		if err := remarshal(data, &a); err != nil {
			return nil, err
		}
		a.Data = data
		return a, nil
	case ActionRegistry:
		var a RegistryAction
		if err := remarshal(input, &a); err != nil {
			return nil, err
		}
		if a.Operation == "" {
			a.Operation = "get_agent"
		}
		return a, nil
	case ActionAccessControl:
		var a AccessControlAction
		if err := remarshal(input, &a); err != nil {
			return nil, err
		}
		if a.Operation == "" {
			a.Operation = "check_access"
		}
		return a, nil
	case ActionBlockchain:
		body, _ := input["action"].(map[string]any)
		var a BlockchainAction
		if err := remarshal(body, &a); err != nil {
			return nil, err
		}
		if strings.TrimSpace(a.FunctionName) == "" {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "blockchain 动作缺少 function_name")
		}
		if a.Priority == "" {
			a.Priority = "normal"
		}
		return a, nil
	}
	return nil, xerrors.New(agent.CodeUnknownAction, fmt.Sprintf("Unknown action type: %s", kind),
		xerrors.WithMetadata("action_type", kind))
}

func remarshal(in any, out any) error {
	raw, err := json.Marshal(in)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "输入无法编码")
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "输入格式不正确")
	}
	return nil
}

func unknownOperation(kind, op string) error {
	return xerrors.New(agent.CodeUnknownAction, fmt.Sprintf("Unknown %s operation: %s", kind, op),
		xerrors.WithMetadata("action_type", kind),
		xerrors.WithMetadata("operation", op))
}
