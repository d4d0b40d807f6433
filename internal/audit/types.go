package audit

import (
	"time"

	xerrors "github.com/afristrup/chronicler-agentic-audit/internal/errors"
)

// Status 描述一条审计记录的结果。
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusPending Status = "pending"
)

// 审计模块的错误码。
const (
	CodeActionNotFound xerrors.Code = "AUDIT_ACTION_NOT_FOUND"
	CodeDuplicate      xerrors.Code = "AUDIT_DUPLICATE_ACTION"
	CodeAccessDenied   xerrors.Code = "AUDIT_ACCESS_DENIED"
)

func init() {
	xerrors.Register(CodeActionNotFound, xerrors.Attributes{Message: "audit action not found", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeDuplicate, xerrors.Attributes{Message: "audit action already recorded", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeAccessDenied, xerrors.Attributes{Message: "action denied by policy", Severity: xerrors.SeverityWarning})
}

// Entry 是请求记录的一次动作。Input/Output 为 nil 时不参与持久化，但仍参与摘要计算。
type Entry struct {
	ActionID string         `json:"action_id"`
	AgentID  string         `json:"agent_id"`
	ToolID   string         `json:"tool_id"`
	Input    map[string]any `json:"input,omitempty"`
	Output   map[string]any `json:"output,omitempty"`
	Status   Status         `json:"status"`
	DataHash string         `json:"data_hash,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Result 是记录动作后返回给调用方的回执。
type Result struct {
	ActionID    string    `json:"action_id"`
	TxHash      string    `json:"tx_hash,omitempty"`
	Chain       string    `json:"chain,omitempty"`
	BlockNumber uint64    `json:"block_number,omitempty"`
	GasUsed     uint64    `json:"gas_used"`
	Status      Status    `json:"status"`
	DataHash    string    `json:"data_hash,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Error       string    `json:"error,omitempty"`
}

// Record 是持久化的审计记录。
type Record struct {
	ActionID    string         `json:"action_id"`
	AgentID     string         `json:"agent_id"`
	ToolID      string         `json:"tool_id"`
	DataHash    string         `json:"data_hash"`
	TxHash      string         `json:"tx_hash"`
	Chain       string         `json:"chain"`
	BlockNumber uint64         `json:"block_number"`
	GasUsed     uint64         `json:"gas_used"`
	Status      Status         `json:"status"`
	Input       map[string]any `json:"input,omitempty"`
	Output      map[string]any `json:"output,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

// Result 把记录转换为回执。
func (r Record) Result() *Result {
	return &Result{
		ActionID:    r.ActionID,
		TxHash:      r.TxHash,
		Chain:       r.Chain,
		BlockNumber: r.BlockNumber,
		GasUsed:     r.GasUsed,
		Status:      r.Status,
		DataHash:    r.DataHash,
		Timestamp:   r.CreatedAt,
	}
}

// Query 描述列表查询条件。
type Query struct {
	AgentID string
	ToolID  string
	Limit   int
	Offset  int
}

// Statistics 汇总审计存储中的记录。
type Statistics struct {
	TotalActions      int64     `json:"total_actions"`
	SuccessfulActions int64     `json:"successful_actions"`
	FailedActions     int64     `json:"failed_actions"`
	UniqueAgents      int64     `json:"unique_agents"`
	UniqueTools       int64     `json:"unique_tools"`
	TotalGasUsed      uint64    `json:"total_gas_used"`
	LastActionAt      time.Time `json:"last_action_at,omitempty"`
}
