package policy

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	xerrors "github.com/afristrup/chronicler-agentic-audit/internal/errors"
	"github.com/afristrup/chronicler-agentic-audit/pkg/logger"
)

type usage struct {
	checks      int64
	allowed     int64
	denied      int64
	rateLimited int64
	gas         uint64
	lastCheck   time.Time
}

type usageKey struct {
	agentID string
	toolID  string
}

// Service 保存 agent 与工具策略，并基于它们做访问检查与限流。
type Service struct {
	engine  *Engine
	limiter *RateLimiter
	limits  Limits
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	agents map[string]AgentPolicy
	tools  map[string]ToolPolicy
	usage  map[usageKey]*usage
}

// Option 定义可选配置。
type Option func(*Service)

// WithLimiter 指定限流器。
func WithLimiter(l *RateLimiter) Option {
	return func(s *Service) {
		if l != nil {
			s.limiter = l
		}
	}
}

// WithLimits 设置全局上限。
func WithLimits(l Limits) Option {
	return func(s *Service) { s.limits = l }
}

// WithLogger 指定日志器。
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewService 使用编译好的策略构造服务。
func NewService(engine *Engine, opts ...Option) (*Service, error) {
	if engine == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "访问控制策略未初始化")
	}
	s := &Service{
		engine:  engine,
		limiter: NewRateLimiter(nil, 0, 1),
		limits:  Limits{MaxGasPerAction: 1_000_000, MaxActionsPerHour: 1000, MaxActionsPerDay: 10000},
		logger:  logger.Named("policy"),
		now:     time.Now,
		agents:  make(map[string]AgentPolicy),
		tools:   make(map[string]ToolPolicy),
		usage:   make(map[usageKey]*usage),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s, nil
}

// IsAllowed 实现审计服务与 agent 使用的访问检查接口。
func (s *Service) IsAllowed(ctx context.Context, agentID, toolID string) (bool, string, error) {
	d, err := s.CheckAccess(ctx, agentID, toolID, 0)
	if err != nil {
		return false, "", err
	}
	return d.Allowed, d.Reason(), nil
}

// CheckAccess 对 agent、工具与本次 gas 求值策略。
func (s *Service) CheckAccess(ctx context.Context, agentID, toolID string, gas uint64) (Decision, error) {
	if strings.TrimSpace(agentID) == "" {
		return Decision{}, xerrors.New(xerrors.CodeInvalidArgument, "agent_id 不能为空")
	}

	s.mu.RLock()
	agentPolicy, hasAgent := s.agents[agentID]
	toolPolicy, hasTool := s.tools[toolID]
	s.mu.RUnlock()

	input := map[string]any{
		"agent_id": agentID,
		"tool_id":  toolID,
		"gas":      gas,
		"limits":   map[string]any{"max_gas_per_action": s.limits.MaxGasPerAction},
	}
	if hasAgent {
		input["agent_policy"] = map[string]any{
			"is_active":          agentPolicy.Active,
			"allowed_tools":      nonNil(agentPolicy.AllowedTools),
			"max_gas_per_action": agentPolicy.MaxGasPerAction,
		}
	}
	if hasTool {
		input["tool_policy"] = map[string]any{
			"is_active":          toolPolicy.Active,
			"allowed_agents":     nonNil(toolPolicy.AllowedAgents),
			"max_gas_per_action": toolPolicy.MaxGasPerAction,
		}
	}

	reasons, err := s.engine.Deny(ctx, input)
	if err != nil {
		return Decision{}, err
	}
	d := Decision{Allowed: len(reasons) == 0, Reasons: reasons}

	s.track(agentID, toolID, func(u *usage) {
		u.checks++
		if d.Allowed {
			u.allowed++
			u.gas += gas
		} else {
			u.denied++
		}
	})
	if !d.Allowed {
		s.logger.Info("访问被拒绝",
			slog.String("agent_id", agentID),
			slog.String("tool_id", toolID),
			slog.String("reason", d.Reason()))
	}
	return d, nil
}

// CheckRateLimit 计一次调用并检查小时与日限额。限额取 agent 策略、工具策略中较小的非零值，
// 都未设置时使用全局上限。
func (s *Service) CheckRateLimit(ctx context.Context, agentID, toolID string) (RateLimitResult, error) {
	s.mu.RLock()
	agentPolicy, hasAgent := s.agents[agentID]
	toolPolicy, hasTool := s.tools[toolID]
	s.mu.RUnlock()

	hourly, daily := s.limits.MaxActionsPerHour, s.limits.MaxActionsPerDay
	if hasAgent || hasTool {
		hourly, daily = 0, 0
		if hasAgent {
			hourly = tighter(hourly, agentPolicy.MaxActionsPerHour)
			daily = tighter(daily, agentPolicy.MaxActionsPerDay)
		}
		if hasTool {
			hourly = tighter(hourly, toolPolicy.MaxActionsPerHour)
			daily = tighter(daily, toolPolicy.MaxActionsPerDay)
		}
		if hourly == 0 {
			hourly = s.limits.MaxActionsPerHour
		}
		if daily == 0 {
			daily = s.limits.MaxActionsPerDay
		}
	}

	res, err := s.limiter.Check(ctx, agentID, toolID, hourly, daily)
	if err != nil {
		return res, err
	}
	if !res.Allowed {
		s.track(agentID, toolID, func(u *usage) { u.rateLimited++ })
		s.logger.Info("触发限流",
			slog.String("agent_id", agentID),
			slog.String("tool_id", toolID),
			slog.String("reason", res.Reason))
	}
	return res, nil
}

func tighter(current, candidate int) int {
	if candidate <= 0 {
		return current
	}
	if current <= 0 || candidate < current {
		return candidate
	}
	return current
}

func (s *Service) track(agentID, toolID string, fn func(*usage)) {
	key := usageKey{agentID: agentID, toolID: toolID}
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.usage[key]
	if !ok {
		u = &usage{}
		s.usage[key] = u
	}
	fn(u)
	u.lastCheck = s.now().UTC()
}

// GetAgentPolicy 返回 agent 策略。
func (s *Service) GetAgentPolicy(_ context.Context, agentID string) (AgentPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.agents[agentID]
	if !ok {
		return AgentPolicy{}, xerrors.New(CodePolicyNotFound, "未找到 agent 策略: "+agentID)
	}
	p.AllowedTools = append([]string(nil), p.AllowedTools...)
	return p, nil
}

// GetToolPolicy 返回工具策略。
func (s *Service) GetToolPolicy(_ context.Context, toolID string) (ToolPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.tools[toolID]
	if !ok {
		return ToolPolicy{}, xerrors.New(CodePolicyNotFound, "未找到工具策略: "+toolID)
	}
	p.AllowedAgents = append([]string(nil), p.AllowedAgents...)
	return p, nil
}

// SetAgentPolicy 创建或覆盖 agent 策略，写入后策略处于启用状态。
func (s *Service) SetAgentPolicy(_ context.Context, p AgentPolicy) (AgentPolicy, error) {
	if strings.TrimSpace(p.AgentID) == "" {
		return AgentPolicy{}, xerrors.New(xerrors.CodeInvalidArgument, "agent_id 不能为空")
	}
	if err := validateLimits(p.MaxActionsPerHour, p.MaxActionsPerDay, p.RiskLevel); err != nil {
		return AgentPolicy{}, err
	}
	now := s.now().UTC()
	p.AllowedTools = append([]string(nil), p.AllowedTools...)
	p.Active = true
	p.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.agents[p.AgentID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else {
		p.CreatedAt = now
	}
	s.agents[p.AgentID] = p
	return p, nil
}

// SetToolPolicy 创建或覆盖工具策略，写入后策略处于启用状态。
func (s *Service) SetToolPolicy(_ context.Context, p ToolPolicy) (ToolPolicy, error) {
	if strings.TrimSpace(p.ToolID) == "" {
		return ToolPolicy{}, xerrors.New(xerrors.CodeInvalidArgument, "tool_id 不能为空")
	}
	if err := validateLimits(p.MaxActionsPerHour, p.MaxActionsPerDay, p.RiskLevel); err != nil {
		return ToolPolicy{}, err
	}
	now := s.now().UTC()
	p.AllowedAgents = append([]string(nil), p.AllowedAgents...)
	p.Active = true
	p.UpdatedAt = now

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tools[p.ToolID]; ok {
		p.CreatedAt = existing.CreatedAt
	} else {
		p.CreatedAt = now
	}
	s.tools[p.ToolID] = p
	return p, nil
}

func validateLimits(hourly, daily, risk int) error {
	if hourly < 0 || daily < 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "限额不能为负数")
	}
	if risk != 0 && (risk < 1 || risk > 5) {
		return xerrors.New(xerrors.CodeInvalidArgument, "risk_level 必须在 1 到 5 之间")
	}
	return nil
}

// RevokeAgentAccess 停用 agent 策略，没有策略时创建一条停用的策略。
func (s *Service) RevokeAgentAccess(_ context.Context, agentID string) (AgentPolicy, error) {
	if strings.TrimSpace(agentID) == "" {
		return AgentPolicy{}, xerrors.New(xerrors.CodeInvalidArgument, "agent_id 不能为空")
	}
	now := s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.agents[agentID]
	if !ok {
		p = AgentPolicy{AgentID: agentID, CreatedAt: now}
	}
	p.Active = false
	p.UpdatedAt = now
	s.agents[agentID] = p
	s.logger.Warn("agent 访问已撤销", slog.String("agent_id", agentID))
	return p, nil
}

// RevokeToolAccess 停用工具策略，没有策略时创建一条停用的策略。
func (s *Service) RevokeToolAccess(_ context.Context, toolID string) (ToolPolicy, error) {
	if strings.TrimSpace(toolID) == "" {
		return ToolPolicy{}, xerrors.New(xerrors.CodeInvalidArgument, "tool_id 不能为空")
	}
	now := s.now().UTC()
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.tools[toolID]
	if !ok {
		p = ToolPolicy{ToolID: toolID, CreatedAt: now}
	}
	p.Active = false
	p.UpdatedAt = now
	s.tools[toolID] = p
	s.logger.Warn("工具访问已撤销", slog.String("tool_id", toolID))
	return p, nil
}

// UsageStatistics 按 agent 与工具过滤汇总访问统计，空字符串表示不过滤。
func (s *Service) UsageStatistics(_ context.Context, agentID, toolID string) UsageStatistics {
	out := UsageStatistics{AgentID: agentID, ToolID: toolID}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for key, u := range s.usage {
		if agentID != "" && key.agentID != agentID {
			continue
		}
		if toolID != "" && key.toolID != toolID {
			continue
		}
		out.TotalChecks += u.checks
		out.AllowedActions += u.allowed
		out.DeniedActions += u.denied
		out.RateLimited += u.rateLimited
		out.TotalGasUsed += u.gas
		if u.lastCheck.After(out.LastCheckAt) {
			out.LastCheckAt = u.lastCheck
		}
	}
	if out.AllowedActions > 0 {
		out.AverageGasPerAction = out.TotalGasUsed / uint64(out.AllowedActions)
	}
	return out
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
