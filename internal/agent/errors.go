package agent

import xerrors "github.com/afristrup/chronicler-agentic-audit/internal/errors"

const (
	CodeAgentNotFound xerrors.Code = "AGENT_NOT_FOUND"
	CodeAgentConflict xerrors.Code = "AGENT_CONFLICT"
	CodeAgentDisabled xerrors.Code = "AGENT_DISABLED"
	CodeAgentPanic    xerrors.Code = "AGENT_PANIC"
	CodeUnknownAction xerrors.Code = "UNKNOWN_ACTION"
	CodeInvalidConfig xerrors.Code = "INVALID_CONFIG"
)

func init() {
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{Message: "agent not found", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeAgentConflict, xerrors.Attributes{Message: "agent already registered", Severity: xerrors.SeverityWarning})
	xerrors.Register(CodeAgentDisabled, xerrors.Attributes{Message: "agent is not accepting requests", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeAgentPanic, xerrors.Attributes{Message: "agent processor panicked", Severity: xerrors.SeverityCritical, Alert: true})
	xerrors.Register(CodeUnknownAction, xerrors.Attributes{Message: "unknown action type", Severity: xerrors.SeverityInfo})
	xerrors.Register(CodeInvalidConfig, xerrors.Attributes{Message: "invalid agent configuration", Severity: xerrors.SeverityWarning})
}
