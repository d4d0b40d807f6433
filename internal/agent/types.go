package agent

import (
	"context"
	"encoding/json"
	"maps"
	"time"

	"github.com/afristrup/chronicler-agentic-audit/internal/audit"
)

// Type 是 agent 的声明类型。
type Type string

const (
	TypeGeneral       Type = "general"
	TypeSpecialized   Type = "specialized"
	TypeMCP           Type = "mcp"
	TypeAudit         Type = "audit"
	TypeRegistry      Type = "registry"
	TypeAccessControl Type = "access_control"
)

// Types 返回全部已知类型。
func Types() []Type {
	return []Type{TypeGeneral, TypeSpecialized, TypeMCP, TypeAudit, TypeRegistry, TypeAccessControl}
}

// Valid 判断类型是否已知。
func (t Type) Valid() bool {
	for _, known := range Types() {
		if t == known {
			return true
		}
	}
	return false
}

// Capability 是用于路由的能力标签。
type Capability string

const (
	CapTextGeneration        Capability = "text_generation"
	CapCodeGeneration        Capability = "code_generation"
	CapDataAnalysis          Capability = "data_analysis"
	CapFileOperations        Capability = "file_operations"
	CapWebSearch             Capability = "web_search"
	CapBlockchainInteraction Capability = "blockchain_interaction"
	CapAuditLogging          Capability = "audit_logging"
	CapAccessControl         Capability = "access_control"
	CapRegistryManagement    Capability = "registry_management"
	CapMCPProtocol           Capability = "mcp_protocol"
)

// Capabilities 返回全部已知能力。
func Capabilities() []Capability {
	return []Capability{
		CapTextGeneration, CapCodeGeneration, CapDataAnalysis, CapFileOperations, CapWebSearch,
		CapBlockchainInteraction, CapAuditLogging, CapAccessControl, CapRegistryManagement, CapMCPProtocol,
	}
}

// Valid 判断能力是否已知。
func (c Capability) Valid() bool {
	for _, known := range Capabilities() {
		if c == known {
			return true
		}
	}
	return false
}

// Status 是 agent 状态机的状态。
type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusError    Status = "error"
	StatusDisabled Status = "disabled"
)

// ResponseStatus 标记一次执行的结果。
type ResponseStatus string

const (
	ResponseSuccess ResponseStatus = "success"
	ResponseError   ResponseStatus = "error"
)

// Duration 在 JSON 中以秒（浮点数）表示。
type Duration time.Duration

// Std 转换为标准库类型。
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).Seconds())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var seconds float64
	if err := json.Unmarshal(data, &seconds); err != nil {
		return err
	}
	*d = Duration(seconds * float64(time.Second))
	return nil
}

// Request 是一次调用的不可变描述。
type Request struct {
	ID       string         `json:"request_id"`
	AgentID  string         `json:"agent_id"`
	Input    map[string]any `json:"input"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Timeout  time.Duration  `json:"-"`
}

// Response 是一次调用的结果。
type Response struct {
	RequestID     string         `json:"request_id"`
	AgentID       string         `json:"agent_id"`
	Output        map[string]any `json:"output"`
	Status        ResponseStatus `json:"status"`
	ExecutionTime Duration       `json:"execution_time"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Audit         *audit.Result  `json:"audit_result,omitempty"`
}

// clone 复制响应及其顶层 map，历史记录与调用方互不影响。
func (r *Response) clone() *Response {
	c := *r
	c.Output = maps.Clone(r.Output)
	c.Metadata = maps.Clone(r.Metadata)
	return &c
}

// Failed 判断响应是否为错误响应。
func (r *Response) Failed() bool {
	return r != nil && r.Status == ResponseError
}

// HealthStatus 是 agent 计数与状态的只读快照。
type HealthStatus struct {
	AgentID          string    `json:"agent_id"`
	Status           Status    `json:"status"`
	RequestCount     int64     `json:"request_count"`
	ErrorCount       int64     `json:"error_count"`
	ErrorRate        float64   `json:"error_rate"`
	LastActivity     time.Time `json:"last_activity"`
	Uptime           Duration  `json:"uptime"`
	AvgExecutionTime Duration  `json:"avg_execution_time"`
	CacheHitRate     float64   `json:"cache_hit_rate"`
}

// Counters 是元数据里携带的实时计数。
type Counters struct {
	RequestCount     int64     `json:"request_count"`
	ErrorCount       int64     `json:"error_count"`
	Status           Status    `json:"status"`
	LastActivity     time.Time `json:"last_activity"`
	AvgExecutionTime Duration  `json:"avg_execution_time"`
	CacheHits        int64     `json:"cache_hits"`
	CacheMisses      int64     `json:"cache_misses"`
}

// Metadata 是 agent 身份、声明配置与实时计数的快照。
type Metadata struct {
	AgentID      string       `json:"agent_id"`
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	Version      string       `json:"version"`
	Type         Type         `json:"agent_type"`
	Capabilities []Capability `json:"capabilities"`
	ModelName    string       `json:"model_name,omitempty"`
	MaxTokens    int          `json:"max_tokens,omitempty"`
	Temperature  float64      `json:"temperature,omitempty"`
	RiskLevel    int          `json:"risk_level"`
	Tags         []string     `json:"tags,omitempty"`
	Counters     Counters     `json:"metadata"`
}

// Agent 是 Manager 管理的有状态 worker。
type Agent interface {
	ID() string
	Type() Type
	Capabilities() []Capability
	Status() Status
	Initialize(ctx context.Context) error
	Execute(ctx context.Context, input, metadata map[string]any) *Response
	HealthStatus() HealthStatus
	Metadata() Metadata
	Shutdown(ctx context.Context) error
}

// Processor 由具体 agent 实现，完成类型相关的处理。返回的 error 会被转换为错误响应。
type Processor interface {
	Process(ctx context.Context, req Request) (*Response, error)
}

// Initializer 可选，由 Base.Initialize 在审计注册之后调用。
type Initializer interface {
	Setup(ctx context.Context) error
}

// Finalizer 可选，由 Base.Shutdown 在在途请求全部退出后调用。
type Finalizer interface {
	Teardown(ctx context.Context) error
}

// AuditRecorder 是 agent 使用的审计协作方。
type AuditRecorder interface {
	Record(ctx context.Context, entry audit.Entry) (*audit.Result, error)
}

// AccessChecker 是 agent 使用的访问控制协作方。
type AccessChecker interface {
	IsAllowed(ctx context.Context, agentID, toolID string) (bool, string, error)
}
