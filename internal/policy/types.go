package policy

import (
	"time"

	xerrors "github.com/afristrup/chronicler-agentic-audit/internal/errors"
)

const (
	CodePolicyNotFound    xerrors.Code = "POLICY_NOT_FOUND"
	CodeRateLimitExceeded xerrors.Code = "RATE_LIMIT_EXCEEDED"
)

func init() {
	xerrors.Register(CodePolicyNotFound, xerrors.Attributes{Message: "policy not found", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeRateLimitExceeded, xerrors.Attributes{Message: "rate limit exceeded", Severity: xerrors.SeverityWarning, Retryable: true})
}

// AgentPolicy 约束单个 agent 的行为。AllowedTools 为空表示不限制工具。
type AgentPolicy struct {
	AgentID           string    `json:"agent_id"`
	MaxGasPerAction   uint64    `json:"max_gas_per_action"`
	MaxActionsPerHour int       `json:"max_actions_per_hour"`
	MaxActionsPerDay  int       `json:"max_actions_per_day"`
	AllowedTools      []string  `json:"allowed_tools"`
	RiskLevel         int       `json:"risk_level"`
	Active            bool      `json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// ToolPolicy 约束单个工具的使用。AllowedAgents 为空表示不限制调用方。
type ToolPolicy struct {
	ToolID            string    `json:"tool_id"`
	MaxGasPerAction   uint64    `json:"max_gas_per_action"`
	MaxActionsPerHour int       `json:"max_actions_per_hour"`
	MaxActionsPerDay  int       `json:"max_actions_per_day"`
	AllowedAgents     []string  `json:"allowed_agents"`
	RiskLevel         int       `json:"risk_level"`
	Active            bool      `json:"is_active"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// Limits 是未配置策略时使用的全局上限。
type Limits struct {
	MaxGasPerAction   uint64
	MaxActionsPerHour int
	MaxActionsPerDay  int
}

// Decision 是一次访问检查的结果。
type Decision struct {
	Allowed bool     `json:"allowed"`
	Reasons []string `json:"reasons,omitempty"`
}

// Reason 把全部拒绝原因合并为一行。
func (d Decision) Reason() string {
	switch len(d.Reasons) {
	case 0:
		return ""
	case 1:
		return d.Reasons[0]
	}
	out := d.Reasons[0]
	for _, r := range d.Reasons[1:] {
		out += "; " + r
	}
	return out
}

// RateLimitResult 是一次限流检查的结果。
type RateLimitResult struct {
	Allowed     bool   `json:"allowed"`
	Reason      string `json:"reason,omitempty"`
	HourlyCount int64  `json:"hourly_count"`
	HourlyLimit int    `json:"hourly_limit"`
	DailyCount  int64  `json:"daily_count"`
	DailyLimit  int    `json:"daily_limit"`
}

// UsageStatistics 汇总访问检查的结果。
type UsageStatistics struct {
	AgentID             string    `json:"agent_id,omitempty"`
	ToolID              string    `json:"tool_id,omitempty"`
	TotalChecks         int64     `json:"total_checks"`
	AllowedActions      int64     `json:"allowed_actions"`
	DeniedActions       int64     `json:"denied_actions"`
	RateLimited         int64     `json:"rate_limited"`
	TotalGasUsed        uint64    `json:"total_gas_used"`
	AverageGasPerAction uint64    `json:"average_gas_per_action"`
	LastCheckAt         time.Time `json:"last_check_at"`
}
