package registry

import (
	"time"

	xerrors "github.com/afristrup/chronicler-agentic-audit/internal/errors"
)

const (
	CodeAgentNotFound xerrors.Code = "REGISTRY_AGENT_NOT_FOUND"
	CodeToolNotFound  xerrors.Code = "REGISTRY_TOOL_NOT_FOUND"
	CodeDuplicate     xerrors.Code = "REGISTRY_DUPLICATE"
)

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{Message: "agent not registered", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeToolNotFound, xerrors.Attributes{Message: "tool not registered", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeDuplicate, xerrors.Attributes{Message: "registry entry already exists", Severity: xerrors.SeverityWarning})
}

// Agent 是注册表中的 agent 记录。
type Agent struct {
	ID          string    `json:"id"`
	Operator    string    `json:"operator"`
	MetadataURI string    `json:"metadata_uri"`
	RiskLevel   int       `json:"risk_level"`
	Description string    `json:"description"`
	Active      bool      `json:"is_active"`
	TxHash      string    `json:"tx_hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Tool 是注册表中的工具记录，AgentID 指向提供该工具的 agent。
type Tool struct {
	ID          string    `json:"id"`
	AgentID     string    `json:"agent_id"`
	MetadataURI string    `json:"metadata_uri"`
	RiskLevel   int       `json:"risk_level"`
	Description string    `json:"description"`
	Active      bool      `json:"is_active"`
	TxHash      string    `json:"tx_hash,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
