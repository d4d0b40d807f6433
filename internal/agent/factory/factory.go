// Package factory 根据声明式定义构造并注册 agent。
package factory

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/afristrup/chronicler-agentic-audit/internal/agent"
	"github.com/afristrup/chronicler-agentic-audit/internal/agent/chronicler"
	"github.com/afristrup/chronicler-agentic-audit/internal/agent/mcpagent"
	"github.com/afristrup/chronicler-agentic-audit/internal/config"
	xerrors "github.com/afristrup/chronicler-agentic-audit/internal/errors"
	"github.com/afristrup/chronicler-agentic-audit/internal/llm"
	"github.com/afristrup/chronicler-agentic-audit/internal/mcp"
	"github.com/afristrup/chronicler-agentic-audit/pkg/logger"
)

// CodeUnsupportedType 表示没有可构造的实现。
const CodeUnsupportedType xerrors.Code = "AGENT_TYPE_UNSUPPORTED"

func init() {
	xerrors.Register(CodeUnsupportedType, xerrors.Attributes{Message: "agent type has no implementation", Severity: xerrors.SeverityInfo})
}

// MCPDefaults 在定义未给出时补齐 MCP 连接参数。
type MCPDefaults struct {
	ServerURL       string
	APIKey          string
	ProtocolVersion string
	Timeout         time.Duration
}

// Factory 持有构造 agent 所需的共享协作方。
type Factory struct {
	deps      chronicler.Deps
	completer llm.Client
	mcp       MCPDefaults
	dial      func(cfg agent.Config) (mcpagent.ToolClient, error)
	agentOpts []agent.Option
	logger    *slog.Logger
}

// Option 定义可选配置。
type Option func(*Factory)

// WithCompleter 指定 MCP agent 使用的大模型。
func WithCompleter(c llm.Client) Option {
	return func(f *Factory) { f.completer = c }
}

// WithMCPDefaults 指定默认的 MCP 服务端。
func WithMCPDefaults(d MCPDefaults) Option {
	return func(f *Factory) { f.mcp = d }
}

// WithToolClientDialer 替换 MCP 客户端的创建方式。
func WithToolClientDialer(dial func(cfg agent.Config) (mcpagent.ToolClient, error)) Option {
	return func(f *Factory) {
		if dial != nil {
			f.dial = dial
		}
	}
}

// WithAgentOptions 附加到每个 agent 的 Base 选项。
func WithAgentOptions(opts ...agent.Option) Option {
	return func(f *Factory) { f.agentOpts = append(f.agentOpts, opts...) }
}

// New 创建工厂。deps 同时用于 chronicler agent 与其他 agent 的审计、访问控制。
func New(deps chronicler.Deps, opts ...Option) *Factory {
	f := &Factory{deps: deps, logger: logger.Named("factory")}
	f.dial = f.dialMCP
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	return f
}

// DefaultCapabilities 返回各类型未声明能力时使用的能力集合。
func DefaultCapabilities(t agent.Type) []agent.Capability {
	switch t {
	case agent.TypeAudit:
		return chronicler.DefaultCapabilities()
	case agent.TypeMCP:
		return mcpagent.DefaultCapabilities()
	case agent.TypeRegistry:
		return []agent.Capability{agent.CapRegistryManagement}
	case agent.TypeAccessControl:
		return []agent.Capability{agent.CapAccessControl}
	}
	return []agent.Capability{agent.CapTextGeneration}
}

// ConfigFromDefinition 把 YAML 定义转换为 agent 配置，未给出的字段取默认值。
func ConfigFromDefinition(def config.AgentDefinition) agent.Config {
	typ := agent.Type(strings.TrimSpace(def.Type))
	if typ == "" {
		typ = agent.TypeAudit
	}
	name := def.Name
	if name == "" {
		name = def.ID
	}
	cfg := agent.DefaultConfig(def.ID, name, typ)
	cfg.Description = def.Description
	for _, c := range def.Capabilities {
		cfg.Capabilities = append(cfg.Capabilities, agent.Capability(c))
	}
	if len(cfg.Capabilities) == 0 {
		cfg.Capabilities = DefaultCapabilities(typ)
	}
	if def.ModelName != "" {
		cfg.ModelName = def.ModelName
	}
	if def.MaxTokens > 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if def.Temperature != nil {
		cfg.Temperature = *def.Temperature
	}
	if def.AuditEnabled != nil {
		cfg.AuditEnabled = *def.AuditEnabled
	}
	if def.LogInput != nil {
		cfg.LogInput = *def.LogInput
	}
	if def.LogOutput != nil {
		cfg.LogOutput = *def.LogOutput
	}
	if def.RiskLevel != 0 {
		cfg.RiskLevel = def.RiskLevel
	}
	if def.Timeout > 0 {
		cfg.Timeout = def.Timeout.Std()
	}
	if def.RetryAttempts > 0 {
		cfg.RetryAttempts = def.RetryAttempts
	}
	cfg.CacheEnabled = cfg.CacheEnabled || def.CacheEnabled
	cfg.Tags = def.Tags
	cfg.Settings = def.Settings
	if def.MCP != nil {
		cfg.MCP = agent.MCPConfig{
			Enabled:   def.MCP.Enabled,
			ServerURL: def.MCP.ServerURL,
			APIKey:    def.MCP.APIKey,
			Tools:     def.MCP.Tools,
		}
	}
	return cfg
}

// Build 按定义构造 agent，不做初始化。
func (f *Factory) Build(def config.AgentDefinition) (agent.Agent, error) {
	return f.BuildConfig(ConfigFromDefinition(def))
}

// BuildConfig 按配置构造 agent。general、specialized、registry、access_control 类型没有实现。
func (f *Factory) BuildConfig(cfg agent.Config) (agent.Agent, error) {
	switch cfg.Type {
	case agent.TypeAudit:
		return chronicler.New(cfg, f.deps, f.agentOpts...)
	case agent.TypeMCP:
		cfg.MCP.Enabled = true
		if cfg.MCP.ServerURL == "" {
			cfg.MCP.ServerURL = f.mcp.ServerURL
		}
		if cfg.MCP.APIKey == "" {
			cfg.MCP.APIKey = f.mcp.APIKey
		}
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
		client, err := f.dial(cfg)
		if err != nil {
			return nil, err
		}
		opts := f.agentOpts
		if f.deps.Audit != nil {
			opts = append([]agent.Option{agent.WithAuditRecorder(f.deps.Audit)}, opts...)
		}
		if f.deps.Policy != nil {
			opts = append([]agent.Option{agent.WithAccessChecker(f.deps.Policy)}, opts...)
		}
		return mcpagent.New(cfg, client, f.completer, opts...)
	}
	return nil, xerrors.New(CodeUnsupportedType, fmt.Sprintf("Unsupported agent type: %s", cfg.Type),
		xerrors.WithMetadata("agent_id", cfg.ID))
}

func (f *Factory) dialMCP(cfg agent.Config) (mcpagent.ToolClient, error) {
	timeout := f.mcp.Timeout
	if timeout <= 0 {
		timeout = cfg.Timeout
	}
	return mcp.NewClient(mcp.ClientConfig{
		ServerURL:       cfg.MCP.ServerURL,
		APIKey:          cfg.MCP.APIKey,
		ProtocolVersion: f.mcp.ProtocolVersion,
		Timeout:         timeout,
		ClientName:      cfg.ID,
		ClientVersion:   agent.Version,
	})
}

// CreateAndRegister 构造、初始化并注册 agent。注册失败时关闭已初始化的 agent 并返回冲突错误。
func (f *Factory) CreateAndRegister(ctx context.Context, m *agent.Manager, def config.AgentDefinition) (agent.Agent, error) {
	return f.register(ctx, m, ConfigFromDefinition(def))
}

// RegisterDefault 注册默认的 chronicler agent。
func (f *Factory) RegisterDefault(ctx context.Context, m *agent.Manager, id string) (agent.Agent, error) {
	cfg := agent.DefaultConfig(id, "Default Chronicler Agent", agent.TypeAudit)
	cfg.Description = "Default agent for blockchain audit logging"
	cfg.Capabilities = chronicler.DefaultCapabilities()
	return f.register(ctx, m, cfg)
}

func (f *Factory) register(ctx context.Context, m *agent.Manager, cfg agent.Config) (agent.Agent, error) {
	a, err := f.BuildConfig(cfg)
	if err != nil {
		return nil, err
	}
	if err := a.Initialize(ctx); err != nil {
		return nil, err
	}
	if !m.Register(ctx, a) {
		if shutdownErr := a.Shutdown(ctx); shutdownErr != nil {
			f.logger.Warn("关闭未注册的 agent 失败", slog.String("agent_id", cfg.ID), slog.Any("error", shutdownErr))
		}
		return nil, xerrors.New(agent.CodeAgentConflict, "agent 注册失败: "+cfg.ID, xerrors.WithMetadata("agent_id", cfg.ID))
	}
	f.logger.Info("agent 已创建并注册", slog.String("agent_id", cfg.ID), slog.String("agent_type", string(cfg.Type)))
	return a, nil
}
