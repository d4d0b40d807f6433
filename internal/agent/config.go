package agent

import (
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "github.com/afristrup/chronicler-agentic-audit/internal/errors"
)

// Version 写入每个 agent 的元数据。
const Version = "1.0.0"

// MCPConfig 描述协议集成型 agent 连接的 MCP 服务。
type MCPConfig struct {
	Enabled   bool
	ServerURL string
	APIKey    string
	Tools     []string
}

// Config 是单个 agent 的声明配置。
type Config struct {
	ID            string
	Name          string
	Description   string
	Type          Type
	Capabilities  []Capability
	ModelName     string
	MaxTokens     int
	Temperature   float64
	AuditEnabled  bool
	LogInput      bool
	LogOutput     bool
	RiskLevel     int
	Timeout       time.Duration
	RetryAttempts int
	CacheEnabled  bool
	CacheTTL      time.Duration
	Tags          []string
	MCP           MCPConfig
	Settings      map[string]any
}

// DefaultConfig 返回带默认值的配置。
func DefaultConfig(id, name string, typ Type) Config {
	return Config{
		ID:            id,
		Name:          name,
		Type:          typ,
		ModelName:     "gpt-4",
		MaxTokens:     4096,
		Temperature:   0.7,
		AuditEnabled:  true,
		LogInput:      true,
		LogOutput:     true,
		RiskLevel:     1,
		Timeout:       300 * time.Second,
		RetryAttempts: 3,
		CacheEnabled:  true,
		CacheTTL:      time.Hour,
	}
}

// HasCapability 判断配置是否声明了指定能力。
func (c Config) HasCapability(capability Capability) bool {
	for _, have := range c.Capabilities {
		if have == capability {
			return true
		}
	}
	return false
}

// Validate 校验配置，返回的错误汇总全部问题。
func (c Config) Validate() error {
	var problems []error
	if strings.TrimSpace(c.ID) == "" {
		problems = append(problems, fmt.Errorf("agent id 不能为空"))
	}
	if strings.TrimSpace(c.Name) == "" {
		problems = append(problems, fmt.Errorf("agent name 不能为空"))
	}
	if !c.Type.Valid() {
		problems = append(problems, fmt.Errorf("未知的 agent 类型 %q", c.Type))
	}
	for _, capability := range c.Capabilities {
		if !capability.Valid() {
			problems = append(problems, fmt.Errorf("未知的能力 %q", capability))
		}
	}
	if c.RiskLevel < 1 || c.RiskLevel > 5 {
		problems = append(problems, fmt.Errorf("risk_level 必须在 1 到 5 之间"))
	}
	if c.MaxTokens < 0 {
		problems = append(problems, fmt.Errorf("max_tokens 不能为负数"))
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		problems = append(problems, fmt.Errorf("temperature 必须在 0 到 2 之间"))
	}
	if c.Timeout < 0 {
		problems = append(problems, fmt.Errorf("timeout 不能为负数"))
	}
	if c.RetryAttempts < 0 {
		problems = append(problems, fmt.Errorf("retry_attempts 不能为负数"))
	}
	if c.MCP.Enabled && strings.TrimSpace(c.MCP.ServerURL) == "" {
		problems = append(problems, fmt.Errorf("启用 MCP 时必须提供 server_url"))
	}
	if len(problems) == 0 {
		return nil
	}
	return xerrors.Wrap(CodeInvalidConfig, stdErrors.Join(problems...), "agent 配置无效",
		xerrors.WithMetadata("agent_id", c.ID))
}
