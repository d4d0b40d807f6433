package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// AgentDefinitions 对应 agents.yaml 文件。
type AgentDefinitions struct {
	Agents []AgentDefinition `yaml:"agents"`
}

// AgentDefinition 描述启动时需要构造并注册的一个 agent。
type AgentDefinition struct {
	ID            string         `yaml:"id"`
	Name          string         `yaml:"name"`
	Description   string         `yaml:"description"`
	Type          string         `yaml:"type"`
	Capabilities  []string       `yaml:"capabilities"`
	ModelName     string         `yaml:"model_name"`
	MaxTokens     int            `yaml:"max_tokens"`
	Temperature   *float64       `yaml:"temperature"`
	AuditEnabled  *bool          `yaml:"audit_enabled"`
	LogInput      *bool          `yaml:"log_input"`
	LogOutput     *bool          `yaml:"log_output"`
	RiskLevel     int            `yaml:"risk_level"`
	Timeout       Duration       `yaml:"timeout"`
	RetryAttempts int            `yaml:"retry_attempts"`
	CacheEnabled  bool           `yaml:"cache_enabled"`
	Tags          []string       `yaml:"tags"`
	MCP           *AgentMCP      `yaml:"mcp"`
	Settings      map[string]any `yaml:"settings"`
}

// AgentMCP 是协议集成 agent 的专属配置。
type AgentMCP struct {
	Enabled   bool     `yaml:"enabled"`
	ServerURL string   `yaml:"server_url"`
	APIKey    string   `yaml:"api_key"`
	Tools     []string `yaml:"tools"`
}

// LoadAgentDefinitions 读取 YAML 格式的 agent 定义，路径为空时返回空列表。
func LoadAgentDefinitions(path string) ([]AgentDefinition, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取 agent 定义失败: %w", err)
	}
	var defs AgentDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return nil, fmt.Errorf("解析 agent 定义失败: %w", err)
	}

	seen := make(map[string]struct{}, len(defs.Agents))
	for i, def := range defs.Agents {
		if strings.TrimSpace(def.ID) == "" {
			return nil, fmt.Errorf("第 %d 个 agent 缺少 id", i+1)
		}
		if _, dup := seen[def.ID]; dup {
			return nil, fmt.Errorf("agent id 重复: %s", def.ID)
		}
		seen[def.ID] = struct{}{}
	}
	return defs.Agents, nil
}
