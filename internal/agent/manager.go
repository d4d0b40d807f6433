package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/afristrup/chronicler-agentic-audit/internal/events"
	"github.com/afristrup/chronicler-agentic-audit/internal/observability/alerting"
	"github.com/afristrup/chronicler-agentic-audit/pkg/logger"
)

const (
	historyLimit = 1000

	defaultCapacity             = 10
	defaultHealthInterval       = 30 * time.Second
	defaultErrorRateThreshold   = 0.5
	defaultAgentShutdownTimeout = 10 * time.Second
)

// Observer 接收 Manager 的运行指标。
type Observer interface {
	ObserveExecution(agentID string, typ Type, status ResponseStatus, elapsed time.Duration)
	ObserveRegistry(total int)
	ObserveHealth(h HealthStatus)
}

// Manager 是 agent 集合的唯一持有者。
type Manager struct {
	logger               *slog.Logger
	observer             Observer
	publisher            events.Publisher
	alerts               alerting.Dispatcher
	capacity             int
	healthInterval       time.Duration
	errorRateThreshold   float64
	agentShutdownTimeout time.Duration
	startedAt            time.Time

	mu      sync.RWMutex
	agents  map[string]Agent
	order   []string
	byType  map[Type][]string
	byCap   map[Capability][]string
	pending map[string]struct{}
	closed  bool

	statsMu   sync.Mutex
	history   []*Response
	durations *window
	requests  map[string]int64
	errors    map[string]int64

	superMu     sync.Mutex
	superCancel context.CancelFunc
	superDone   chan struct{}

	healthMu  sync.Mutex
	unhealthy map[string]bool
}

// ManagerOption 定义 Manager 的可选配置。
type ManagerOption func(*Manager)

// WithManagerLogger 指定 Manager 的日志器。
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithObserver 注册指标观察者。
func WithObserver(o Observer) ManagerOption {
	return func(m *Manager) { m.observer = o }
}

// WithPublisher 配置生命周期事件的发布。
func WithPublisher(p events.Publisher) ManagerOption {
	return func(m *Manager) { m.publisher = p }
}

// WithAlerts 配置不健康 agent 的告警投递。
func WithAlerts(d alerting.Dispatcher) ManagerOption {
	return func(m *Manager) { m.alerts = d }
}

// WithCapacity 限制可注册的 agent 数量，非正数表示不限制。
func WithCapacity(n int) ManagerOption {
	return func(m *Manager) { m.capacity = n }
}

// WithHealthInterval 设置健康检查周期，非正数表示关闭健康检查。
func WithHealthInterval(d time.Duration) ManagerOption {
	return func(m *Manager) { m.healthInterval = d }
}

// WithErrorRateThreshold 设置判定不健康的错误率阈值。
func WithErrorRateThreshold(v float64) ManagerOption {
	return func(m *Manager) {
		if v > 0 {
			m.errorRateThreshold = v
		}
	}
}

// WithAgentShutdownTimeout 设置单个 agent 关闭的最长等待时间。
func WithAgentShutdownTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.agentShutdownTimeout = d
		}
	}
}

// NewManager 构造 Manager。构造是同步且廉价的，健康检查需要调用 Start 启动。
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		logger:               logger.Named("agent_manager"),
		capacity:             defaultCapacity,
		healthInterval:       defaultHealthInterval,
		errorRateThreshold:   defaultErrorRateThreshold,
		agentShutdownTimeout: defaultAgentShutdownTimeout,
		startedAt:            time.Now(),
		agents:               make(map[string]Agent),
		byType:               make(map[Type][]string),
		byCap:                make(map[Capability][]string),
		pending:              make(map[string]struct{}),
		durations:            newWindow(historyLimit),
		requests:             make(map[string]int64),
		errors:               make(map[string]int64),
		unhealthy:            make(map[string]bool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Register 加入一个 agent。ID 已存在、容量已满或 Manager 已关闭时返回 false。
func (m *Manager) Register(ctx context.Context, a Agent) bool {
	if a == nil {
		return false
	}
	id := a.ID()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.logger.Warn("Manager 已关闭，拒绝注册", slog.String("agent_id", id))
		return false
	}
	if _, exists := m.agents[id]; exists {
		m.mu.Unlock()
		m.logger.Warn("agent 已注册", slog.String("agent_id", id))
		return false
	}
	if _, removing := m.pending[id]; removing {
		m.mu.Unlock()
		m.logger.Warn("agent 正在注销，拒绝注册", slog.String("agent_id", id))
		return false
	}
	if m.capacity > 0 && len(m.agents) >= m.capacity {
		m.mu.Unlock()
		m.logger.Warn("agent 数量已达上限", slog.String("agent_id", id), slog.Int("capacity", m.capacity))
		return false
	}
	m.agents[id] = a
	m.order = append(m.order, id)
	m.byType[a.Type()] = append(m.byType[a.Type()], id)
	for _, c := range a.Capabilities() {
		m.byCap[c] = append(m.byCap[c], id)
	}
	total := len(m.agents)
	m.mu.Unlock()

	m.logger.Info("agent 已注册", slog.String("agent_id", id), slog.String("agent_type", string(a.Type())))
	if m.observer != nil {
		m.observer.ObserveRegistry(total)
	}
	m.publish(ctx, events.New(events.KindAgentRegistered, id, map[string]any{
		"agent_type":   string(a.Type()),
		"capabilities": capabilityStrings(a.Capabilities()),
	}))
	return true
}

// Unregister 关闭并移除 agent。agent 关闭完成之前不会从任何索引中移除；
// 关闭期间该 ID 不可路由也不可重新注册。
func (m *Manager) Unregister(ctx context.Context, id string) bool {
	m.mu.Lock()
	a, exists := m.agents[id]
	if !exists {
		m.mu.Unlock()
		return false
	}
	if _, removing := m.pending[id]; removing {
		m.mu.Unlock()
		return false
	}
	m.pending[id] = struct{}{}
	m.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, m.agentShutdownTimeout)
	if err := safeShutdown(shutdownCtx, a); err != nil {
		m.logger.Warn("agent 关闭失败，仍然移除", slog.String("agent_id", id), slog.Any("error", err))
	}
	cancel()

	m.mu.Lock()
	delete(m.agents, id)
	delete(m.pending, id)
	m.order = removeID(m.order, id)
	typ := a.Type()
	if ids := removeID(m.byType[typ], id); len(ids) > 0 {
		m.byType[typ] = ids
	} else {
		delete(m.byType, typ)
	}
	for _, c := range a.Capabilities() {
		if ids := removeID(m.byCap[c], id); len(ids) > 0 {
			m.byCap[c] = ids
		} else {
			delete(m.byCap, c)
		}
	}
	total := len(m.agents)
	m.mu.Unlock()

	m.healthMu.Lock()
	delete(m.unhealthy, id)
	m.healthMu.Unlock()

	m.logger.Info("agent 已注销", slog.String("agent_id", id))
	if m.observer != nil {
		m.observer.ObserveRegistry(total)
	}
	m.publish(ctx, events.New(events.KindAgentUnregistered, id, nil))
	return true
}

// lookup 返回可路由的 agent：存在、未在注销中且不处于 Error 状态。
func (m *Manager) lookup(id string) (Agent, bool) {
	m.mu.RLock()
	a, ok := m.agents[id]
	_, removing := m.pending[id]
	m.mu.RUnlock()
	if !ok || removing {
		return nil, false
	}
	if a.Status() == StatusError {
		return nil, false
	}
	return a, true
}

// ExecuteRequest 把请求交给指定 agent。agent 不存在、正在注销或处于 Error 状态时返回 nil，
// 且不改变任何统计。响应的执行耗时以 Manager 测得的墙钟时间为准。
func (m *Manager) ExecuteRequest(ctx context.Context, agentID string, input, metadata map[string]any) *Response {
	a, ok := m.lookup(agentID)
	if !ok {
		m.logger.Debug("agent 不可用", slog.String("agent_id", agentID))
		return nil
	}

	start := time.Now()
	resp := a.Execute(ctx, input, metadata)
	elapsed := time.Since(start)
	if resp == nil {
		resp = newErrorResponse(Request{AgentID: agentID}, CodeAgentNotFound, "agent 未返回响应", elapsed)
	}
	resp.ExecutionTime = Duration(elapsed)

	m.statsMu.Lock()
	if len(m.history) == historyLimit {
		copy(m.history, m.history[1:])
		m.history = m.history[:historyLimit-1]
	}
	m.history = append(m.history, resp.clone())
	m.durations.push(elapsed)
	m.requests[agentID]++
	if resp.Failed() {
		m.errors[agentID]++
	}
	m.statsMu.Unlock()

	if m.observer != nil {
		m.observer.ObserveExecution(agentID, a.Type(), resp.Status, elapsed)
	}
	m.publish(ctx, events.New(events.KindRequestCompleted, agentID, map[string]any{
		"request_id":     resp.RequestID,
		"status":         string(resp.Status),
		"execution_time": elapsed.Seconds(),
	}))
	return resp
}

// FindByCapability 返回第一个（按注册顺序）具备该能力且可路由的 agent。
func (m *Manager) FindByCapability(c Capability) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.firstEligible(m.byCap[c])
}

// FindByType 返回第一个（按注册顺序）指定类型且可路由的 agent。
func (m *Manager) FindByType(t Type) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.firstEligible(m.byType[t])
}

// firstEligible 需要持有读锁。Disabled 的 agent 同样跳过。
func (m *Manager) firstEligible(ids []string) (string, bool) {
	for _, id := range ids {
		if _, removing := m.pending[id]; removing {
			continue
		}
		a, ok := m.agents[id]
		if !ok {
			continue
		}
		switch a.Status() {
		case StatusError, StatusDisabled:
			continue
		}
		return id, true
	}
	return "", false
}

// ExecuteWithCapability 组合 FindByCapability 与 ExecuteRequest，没有合适 agent 时返回 nil。
func (m *Manager) ExecuteWithCapability(ctx context.Context, c Capability, input, metadata map[string]any) *Response {
	id, ok := m.FindByCapability(c)
	if !ok {
		m.logger.Debug("没有具备该能力的 agent", slog.String("capability", string(c)))
		return nil
	}
	return m.ExecuteRequest(ctx, id, input, metadata)
}

// Get 返回已注册的 agent。
func (m *Manager) Get(id string) (Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.agents[id]
	return a, ok
}

// IDs 按注册顺序返回全部 agent ID。
func (m *Manager) IDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// Len 返回已注册 agent 的数量。
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

func (m *Manager) snapshot() []Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Agent, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.agents[id])
	}
	return out
}

// AgentStatus 返回单个 agent 的健康快照。
func (m *Manager) AgentStatus(id string) (HealthStatus, bool) {
	a, ok := m.Get(id)
	if !ok {
		return HealthStatus{}, false
	}
	return a.HealthStatus(), true
}

// AgentStatuses 按注册顺序返回全部 agent 的健康快照。
func (m *Manager) AgentStatuses() []HealthStatus {
	agents := m.snapshot()
	out := make([]HealthStatus, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.HealthStatus())
	}
	return out
}

// AgentMetadata 返回单个 agent 的元数据。
func (m *Manager) AgentMetadata(id string) (Metadata, bool) {
	a, ok := m.Get(id)
	if !ok {
		return Metadata{}, false
	}
	return a.Metadata(), true
}

// ListMetadata 按注册顺序返回全部 agent 的元数据。
func (m *Manager) ListMetadata() []Metadata {
	agents := m.snapshot()
	out := make([]Metadata, 0, len(agents))
	for _, a := range agents {
		out = append(out, a.Metadata())
	}
	return out
}

// RecentResponses 按时间顺序返回最近 limit 条响应，limit 非正时返回全部。
func (m *Manager) RecentResponses(limit int) []*Response {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	start := 0
	if limit > 0 && limit < len(m.history) {
		start = len(m.history) - limit
	}
	out := make([]*Response, 0, len(m.history)-start)
	for _, r := range m.history[start:] {
		out = append(out, r.clone())
	}
	return out
}

// Shutdown 先停止健康检查并等待其退出，再并发关闭全部 agent。单个 agent 关闭失败不影响其余 agent，
// 返回的错误汇总所有失败。重复调用返回 nil。
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	if err := m.stopSupervisor(ctx); err != nil {
		m.logger.Warn("等待健康检查退出失败", slog.Any("error", err))
	}

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, a := range m.snapshot() {
		g.Go(func() error {
			shutdownCtx, cancel := context.WithTimeout(ctx, m.agentShutdownTimeout)
			defer cancel()
			if err := safeShutdown(shutdownCtx, a); err != nil {
				m.logger.Warn("agent 关闭失败", slog.String("agent_id", a.ID()), slog.Any("error", err))
				mu.Lock()
				errs = append(errs, fmt.Errorf("agent %s: %w", a.ID(), err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	m.logger.Info("agent manager 已关闭")
	return stdErrors.Join(errs...)
}

func safeShutdown(ctx context.Context, a Agent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("shutdown panic: %v", r)
		}
	}()
	return a.Shutdown(ctx)
}

func (m *Manager) publish(ctx context.Context, evt events.Event) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, evt); err != nil {
		m.logger.Warn("发布 agent 事件失败", slog.String("kind", string(evt.Kind)), slog.Any("error", err))
	}
}

func removeID(ids []string, id string) []string {
	out := ids[:0:0]
	for _, existing := range ids {
		if existing != id {
			out = append(out, existing)
		}
	}
	return out
}

func capabilityStrings(caps []Capability) []string {
	out := make([]string, 0, len(caps))
	for _, c := range caps {
		out = append(out, string(c))
	}
	return out
}
