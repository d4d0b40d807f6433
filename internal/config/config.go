package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/afristrup/chronicler-agentic-audit/pkg/logger"
)

// 环境变量名，用于覆盖配置文件中的敏感字段。
const (
	EnvConfigPath = "CHRONICLER_CONFIG"
	EnvLLMAPIKey  = "CHRONICLER_LLM_API_KEY"
	EnvMCPAPIKey  = "CHRONICLER_MCP_API_KEY"
	EnvJWTSecret  = "CHRONICLER_JWT_SECRET"
	EnvAnchorKey  = "CHRONICLER_ANCHOR_KEY"

	// DefaultPath 是未设置 CHRONICLER_CONFIG 时的配置文件位置。
	DefaultPath = "configs/chronicler.json"
)

// Config 描述 chroniclerd 启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `json:"server"`
	Auth     AuthConfig     `json:"auth"`
	Logging  logger.Config  `json:"logging"`
	Manager  ManagerConfig  `json:"manager"`
	Audit    AuditConfig    `json:"audit"`
	Storage  StorageConfig  `json:"storage"`
	Events   EventsConfig   `json:"events"`
	Policy   PolicyConfig   `json:"policy"`
	Web3     Web3Config     `json:"web3"`
	LLM      LLMConfig      `json:"llm"`
	MCP      MCPConfig      `json:"mcp"`
	Agents   AgentsConfig   `json:"agents"`
	Metrics  MetricsConfig  `json:"metrics"`
	Alerting AlertingConfig `json:"alerting"`
}

// ServerConfig 控制 HTTP 服务的监听参数。
type ServerConfig struct {
	Address         string   `json:"address"`
	ShutdownTimeout Duration `json:"shutdown_timeout"`
}

// AuthConfig 控制 JWT 鉴权。
type AuthConfig struct {
	Enabled    bool       `json:"enabled"`
	JWTSecret  string     `json:"jwt_secret"`
	Issuer     string     `json:"issuer"`
	Audience   []string   `json:"audience"`
	TokenTTL   Duration   `json:"token_ttl"`
	RefreshTTL Duration   `json:"refresh_ttl"`
	Users      []AuthUser `json:"users"`
}

// AuthUser 是启动时写入内存用户表的账号。
type AuthUser struct {
	Username    string   `json:"username"`
	Password    string   `json:"password"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

// ManagerConfig 对应 Agent Manager 的运行参数。
type ManagerConfig struct {
	MaxConcurrentAgents  int      `json:"max_concurrent_agents"`
	HealthChecksEnabled  *bool    `json:"health_checks_enabled"`
	HealthCheckInterval  Duration `json:"health_check_interval"`
	ErrorRateThreshold   float64  `json:"error_rate_threshold"`
	AutoRegisterDefault  bool     `json:"auto_register_default"`
	DefaultAgentID       string   `json:"default_agent_id"`
	AgentShutdownTimeout Duration `json:"agent_shutdown_timeout"`
}

// HealthChecks 返回健康检查是否开启，未配置时默认开启。
func (m ManagerConfig) HealthChecks() bool {
	return m.HealthChecksEnabled == nil || *m.HealthChecksEnabled
}

// AuditConfig 控制审计记录的默认行为。开关为空时沿用 agent 自身的配置。
type AuditConfig struct {
	Enabled    *bool  `json:"enabled"`
	LogInputs  *bool  `json:"log_inputs"`
	LogOutputs *bool  `json:"log_outputs"`
	GasPerLog  uint64 `json:"gas_per_log"`
}

// Apply 把全局审计开关填入未显式设置的 agent 定义。
func (a AuditConfig) Apply(def AgentDefinition) AgentDefinition {
	if def.AuditEnabled == nil {
		def.AuditEnabled = a.Enabled
	}
	if def.LogInput == nil {
		def.LogInput = a.LogInputs
	}
	if def.LogOutput == nil {
		def.LogOutput = a.LogOutputs
	}
	return def
}

// StorageConfig 选择审计与注册表的存储后端。
type StorageConfig struct {
	Driver string      `json:"driver"`
	MySQL  MySQLConfig `json:"mysql"`
}

// MySQLConfig 描述 MySQL 连接池参数。
type MySQLConfig struct {
	DSN             string   `json:"dsn"`
	MaxOpenConns    int      `json:"max_open_conns"`
	MaxIdleConns    int      `json:"max_idle_conns"`
	ConnMaxLifetime Duration `json:"conn_max_lifetime"`
	ConnMaxIdleTime Duration `json:"conn_max_idle_time"`
}

// EventsConfig 选择事件总线实现。
type EventsConfig struct {
	Driver   string         `json:"driver"`
	Buffer   int            `json:"buffer"`
	Workers  int            `json:"workers"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 连接信息，事件队列与分布式限流共用。
type RedisConfig struct {
	Address   string   `json:"address"`
	Password  string   `json:"password"`
	DB        int      `json:"db"`
	Queue     string   `json:"queue"`
	BlockWait Duration `json:"block_wait"`
}

// RabbitMQConfig 描述 AMQP 连接信息。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Queue    string `json:"queue"`
	Prefetch int    `json:"prefetch"`
}

// PolicyConfig 控制访问控制与限流。
type PolicyConfig struct {
	Module            string          `json:"module"`
	MaxGasPerAction   uint64          `json:"max_gas_per_action"`
	MaxActionsPerHour int             `json:"max_actions_per_hour"`
	MaxActionsPerDay  int             `json:"max_actions_per_day"`
	RateLimit         RateLimitConfig `json:"rate_limit"`
}

// RateLimitConfig 选择限流计数的存放位置。
type RateLimitConfig struct {
	Driver    string      `json:"driver"`
	PerSecond float64     `json:"per_second"`
	Burst     int         `json:"burst"`
	Redis     RedisConfig `json:"redis"`
}

// Web3Config 描述审计摘要上链的方式。
type Web3Config struct {
	Mode         string `json:"mode"`
	ChainConfig  string `json:"chain_config"`
	DefaultChain string `json:"default_chain"`
	AnchorKey    string `json:"anchor_key"`
	ChainID      int64  `json:"chain_id"`
}

// LLMConfig 用于配置大模型推理。
type LLMConfig struct {
	Provider string       `json:"provider"`
	OpenAI   OpenAIConfig `json:"openai"`
}

// OpenAIConfig 描述兼容 OpenAI 的推理接口。
type OpenAIConfig struct {
	APIKey  string   `json:"api_key"`
	BaseURL string   `json:"base_url"`
	Model   string   `json:"model"`
	Timeout Duration `json:"timeout"`
}

// MCPConfig 描述默认的 MCP 服务端。
type MCPConfig struct {
	ServerURL       string   `json:"server_url"`
	APIKey          string   `json:"api_key"`
	ProtocolVersion string   `json:"protocol_version"`
	Timeout         Duration `json:"timeout"`
}

// MetricsConfig 控制 Prometheus 指标。Address 为空时指标挂在 API 服务的 /metrics 上。
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
}

// AlertingConfig 配置 agent 不健康时的告警渠道，均为空时不发送。
type AlertingConfig struct {
	WebhookURL     string            `json:"webhook_url"`
	WebhookHeaders map[string]string `json:"webhook_headers"`
	SlackWebhook   string            `json:"slack_webhook"`
	SlackChannel   string            `json:"slack_channel"`
}

// AgentsConfig 指向 agent 定义文件。
type AgentsConfig struct {
	Definitions string `json:"definitions"`
}

// Load 解析指定路径的 JSON 配置文件，并应用默认值与环境变量覆盖。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// PathFromEnv 返回配置文件路径。
func PathFromEnv() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultPath
}

// applyDefaults 为未填写的字段设置默认值，并把相对路径解析到配置文件所在目录。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = Duration(5 * time.Second)
	}
	if c.Auth.Issuer == "" {
		c.Auth.Issuer = "chroniclerd"
	}
	if c.Auth.TokenTTL <= 0 {
		c.Auth.TokenTTL = Duration(time.Hour)
	}
	if c.Auth.RefreshTTL <= 0 {
		c.Auth.RefreshTTL = Duration(24 * time.Hour)
	}

	if c.Manager.MaxConcurrentAgents <= 0 {
		c.Manager.MaxConcurrentAgents = 10
	}
	if c.Manager.HealthCheckInterval <= 0 {
		c.Manager.HealthCheckInterval = Duration(30 * time.Second)
	}
	if c.Manager.ErrorRateThreshold <= 0 {
		c.Manager.ErrorRateThreshold = 0.5
	}
	if c.Manager.DefaultAgentID == "" {
		c.Manager.DefaultAgentID = "default_chronicler"
	}
	if c.Manager.AgentShutdownTimeout <= 0 {
		c.Manager.AgentShutdownTimeout = Duration(10 * time.Second)
	}
	if c.Audit.GasPerLog == 0 {
		c.Audit.GasPerLog = 21000
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.MySQL.MaxOpenConns <= 0 {
		c.Storage.MySQL.MaxOpenConns = 10
	}
	if c.Storage.MySQL.MaxIdleConns <= 0 {
		c.Storage.MySQL.MaxIdleConns = 5
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "memory"
	}
	if c.Events.Buffer <= 0 {
		c.Events.Buffer = 256
	}
	if c.Events.Workers <= 0 {
		c.Events.Workers = 1
	}
	if c.Events.Redis.Queue == "" {
		c.Events.Redis.Queue = "chronicler:events"
	}
	if c.Events.RabbitMQ.Queue == "" {
		c.Events.RabbitMQ.Queue = "chronicler.events"
	}

	if c.Policy.MaxGasPerAction == 0 {
		c.Policy.MaxGasPerAction = 1_000_000
	}
	if c.Policy.MaxActionsPerHour <= 0 {
		c.Policy.MaxActionsPerHour = 1000
	}
	if c.Policy.MaxActionsPerDay <= 0 {
		c.Policy.MaxActionsPerDay = 10000
	}
	if c.Policy.RateLimit.Driver == "" {
		c.Policy.RateLimit.Driver = "memory"
	}
	if c.Policy.RateLimit.PerSecond <= 0 {
		c.Policy.RateLimit.PerSecond = 50
	}
	if c.Policy.RateLimit.Burst <= 0 {
		c.Policy.RateLimit.Burst = 100
	}
	c.Policy.Module = resolve(baseDir, c.Policy.Module)

	if c.Web3.Mode == "" {
		c.Web3.Mode = "local"
	}
	if c.Web3.ChainID == 0 {
		c.Web3.ChainID = 1337
	}
	c.Web3.ChainConfig = resolve(baseDir, c.Web3.ChainConfig)

	if c.LLM.Provider == "" {
		c.LLM.Provider = "none"
	}
	if c.LLM.OpenAI.Model == "" {
		c.LLM.OpenAI.Model = "gpt-4o-mini"
	}
	if c.LLM.OpenAI.Timeout <= 0 {
		c.LLM.OpenAI.Timeout = Duration(30 * time.Second)
	}

	if c.MCP.ProtocolVersion == "" {
		c.MCP.ProtocolVersion = "2024-11-05"
	}
	if c.MCP.Timeout <= 0 {
		c.MCP.Timeout = Duration(30 * time.Second)
	}

	c.Agents.Definitions = resolve(baseDir, c.Agents.Definitions)
	for i, out := range c.Logging.OutputPaths {
		if !isStream(out) {
			c.Logging.OutputPaths[i] = resolve(baseDir, out)
		}
	}
	c.Logging.Audit.Path = resolve(baseDir, c.Logging.Audit.Path)
}

// applyEnv 用环境变量覆盖敏感字段。
func (c *Config) applyEnv(getenv func(string) string) {
	if v := getenv(EnvLLMAPIKey); v != "" {
		c.LLM.OpenAI.APIKey = v
	}
	if v := getenv(EnvMCPAPIKey); v != "" {
		c.MCP.APIKey = v
	}
	if v := getenv(EnvJWTSecret); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := getenv(EnvAnchorKey); v != "" {
		c.Web3.AnchorKey = v
	}
}

// Validate 拒绝构造期无法修正的配置错误。
func (c *Config) Validate() error {
	var errs []error
	if !oneOf(c.Storage.Driver, "memory", "mysql") {
		errs = append(errs, fmt.Errorf("未知的存储驱动: %s", c.Storage.Driver))
	}
	if c.Storage.Driver == "mysql" && c.Storage.MySQL.DSN == "" {
		errs = append(errs, errors.New("mysql 存储需要配置 dsn"))
	}
	if !oneOf(c.Events.Driver, "memory", "redis", "rabbitmq") {
		errs = append(errs, fmt.Errorf("未知的事件驱动: %s", c.Events.Driver))
	}
	if c.Events.Driver == "redis" && c.Events.Redis.Address == "" {
		errs = append(errs, errors.New("redis 事件队列需要配置 address"))
	}
	if c.Events.Driver == "rabbitmq" && c.Events.RabbitMQ.URL == "" {
		errs = append(errs, errors.New("rabbitmq 事件队列需要配置 url"))
	}
	if !oneOf(c.Policy.RateLimit.Driver, "memory", "redis") {
		errs = append(errs, fmt.Errorf("未知的限流驱动: %s", c.Policy.RateLimit.Driver))
	}
	if c.Policy.RateLimit.Driver == "redis" && c.Policy.RateLimit.Redis.Address == "" {
		errs = append(errs, errors.New("redis 限流需要配置 address"))
	}
	if !oneOf(c.Web3.Mode, "local", "ethereum") {
		errs = append(errs, fmt.Errorf("未知的上链模式: %s", c.Web3.Mode))
	}
	if c.Web3.Mode == "ethereum" && c.Web3.ChainConfig == "" {
		errs = append(errs, errors.New("ethereum 模式需要配置 chain_config"))
	}
	if !oneOf(c.LLM.Provider, "none", "openai") {
		errs = append(errs, fmt.Errorf("未知的 LLM 提供方: %s", c.LLM.Provider))
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("开启鉴权时必须提供 jwt_secret"))
	}
	if c.Manager.ErrorRateThreshold > 1 {
		errs = append(errs, fmt.Errorf("error_rate_threshold 必须位于 (0,1]: %v", c.Manager.ErrorRateThreshold))
	}
	return errors.Join(errs...)
}

func resolve(baseDir, path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(baseDir, path)
}

func isStream(path string) bool {
	return strings.EqualFold(path, "stdout") || strings.EqualFold(path, "stderr")
}

func oneOf(value string, options ...string) bool {
	for _, opt := range options {
		if value == opt {
			return true
		}
	}
	return false
}
