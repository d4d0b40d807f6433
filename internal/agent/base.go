package agent

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/afristrup/chronicler-agentic-audit/internal/audit"
	xerrors "github.com/afristrup/chronicler-agentic-audit/internal/errors"
	"github.com/afristrup/chronicler-agentic-audit/pkg/logger"
)

const durationWindow = 100

// Base 实现所有 agent 共享的状态机与执行上下文，具体变体嵌入它并提供 Processor。
type Base struct {
	cfg       Config
	processor Processor
	logger    *slog.Logger
	recorder  AuditRecorder
	access    AccessChecker
	createdAt time.Time
	now       func() time.Time

	mu           sync.Mutex
	status       Status
	active       int
	requestCount int64
	errorCount   int64
	lastActivity time.Time
	durations    *window
	cacheHits    int64
	cacheMisses  int64
	inflight     map[string]context.CancelFunc
	closed       bool
	wg           sync.WaitGroup

	// stopMu 串行化 Shutdown；stopped 表示 Teardown 已经执行过。
	stopMu  sync.Mutex
	stopped bool
}

// Option 定义 Base 的可选配置。
type Option func(*Base)

// WithLogger 指定 agent 的运行日志。
func WithLogger(l *slog.Logger) Option {
	return func(b *Base) {
		if l != nil {
			b.logger = l
		}
	}
}

// WithAuditRecorder 指定审计协作方。
func WithAuditRecorder(r AuditRecorder) Option {
	return func(b *Base) { b.recorder = r }
}

// WithAccessChecker 指定访问控制协作方。
func WithAccessChecker(c AccessChecker) Option {
	return func(b *Base) { b.access = c }
}

// NewBase 校验配置并构造 Base。配置无效时返回 INVALID_CONFIG 错误。
func NewBase(cfg Config, processor Processor, opts ...Option) (*Base, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if processor == nil {
		return nil, xerrors.New(CodeInvalidConfig, "agent 缺少 processor", xerrors.WithMetadata("agent_id", cfg.ID))
	}
	cfg.Capabilities = append([]Capability(nil), cfg.Capabilities...)
	cfg.Tags = append([]string(nil), cfg.Tags...)

	b := &Base{
		cfg:       cfg,
		processor: processor,
		logger:    logger.Named("agent").With(slog.String("agent_id", cfg.ID)),
		createdAt: time.Now(),
		now:       time.Now,
		status:    StatusIdle,
		durations: newWindow(durationWindow),
		inflight:  make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b, nil
}

func (b *Base) ID() string   { return b.cfg.ID }
func (b *Base) Name() string { return b.cfg.Name }
func (b *Base) Type() Type   { return b.cfg.Type }

// Capabilities 返回声明能力的副本。
func (b *Base) Capabilities() []Capability {
	return append([]Capability(nil), b.cfg.Capabilities...)
}

// HasCapability 判断 agent 是否声明了指定能力。
func (b *Base) HasCapability(c Capability) bool { return b.cfg.HasCapability(c) }

// Config 返回声明配置。
func (b *Base) Config() Config { return b.cfg }

// Logger 返回带 agent_id 属性的日志器。
func (b *Base) Logger() *slog.Logger { return b.logger }

// Status 返回当前状态。
func (b *Base) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.status
}

// Initialize 是两阶段生命周期的第二步：Error 状态重置为 Idle，记录注册审计，
// 然后调用变体的 Setup。Setup 失败时 agent 进入 Error 状态并返回错误。
func (b *Base) Initialize(ctx context.Context) error {
	b.mu.Lock()
	switch b.status {
	case StatusDisabled:
		b.mu.Unlock()
		return xerrors.New(CodeAgentDisabled, "agent 已关闭，无法初始化", xerrors.WithMetadata("agent_id", b.cfg.ID))
	case StatusError:
		b.status = StatusIdle
	}
	b.mu.Unlock()

	if b.cfg.AuditEnabled {
		caps := make([]string, 0, len(b.cfg.Capabilities))
		for _, c := range b.cfg.Capabilities {
			caps = append(caps, string(c))
		}
		b.Audit(ctx, "agent_registration",
			map[string]any{"name": b.cfg.Name, "agent_type": string(b.cfg.Type), "capabilities": caps},
			map[string]any{"status": "registered"},
			audit.StatusSuccess)
	}

	if init, ok := b.processor.(Initializer); ok {
		if err := init.Setup(ctx); err != nil {
			b.mu.Lock()
			if b.status != StatusDisabled {
				b.status = StatusError
			}
			b.mu.Unlock()
			b.logger.Error("agent 初始化失败", slog.Any("error", err))
			if _, ok := xerrors.From(err); ok {
				return err
			}
			return xerrors.Wrap(xerrors.CodeInitializationFailure, err, "agent 初始化失败",
				xerrors.WithMetadata("agent_id", b.cfg.ID))
		}
	}
	b.logger.Info("agent 初始化完成", slog.String("agent_type", string(b.cfg.Type)))
	return nil
}

// Execute 生成新的请求 ID 并执行一次请求。它不会 panic 也不会返回 nil：
// 所有故障都被转换为错误响应。
func (b *Base) Execute(ctx context.Context, input, metadata map[string]any) *Response {
	if input == nil {
		input = map[string]any{}
	}
	req := Request{
		ID:       uuid.NewString(),
		AgentID:  b.cfg.ID,
		Input:    input,
		Metadata: metadata,
		Timeout:  b.cfg.Timeout,
	}
	return b.run(ctx, req)
}

func (b *Base) run(ctx context.Context, req Request) *Response {
	b.mu.Lock()
	if b.status == StatusDisabled || b.status == StatusError {
		status := b.status
		b.mu.Unlock()
		return newErrorResponse(req, CodeAgentDisabled, fmt.Sprintf("agent %s 处于 %s 状态，拒绝请求", b.cfg.ID, status), 0)
	}
	b.status = StatusRunning
	b.active++
	b.requestCount++
	b.lastActivity = b.now()

	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if req.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, req.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	b.inflight[req.ID] = cancel
	b.wg.Add(1)
	b.mu.Unlock()

	start := time.Now()
	resp, panicked, err := b.invoke(runCtx, req)
	elapsed := time.Since(start)
	cancelled := runCtx.Err()
	cancel()

	switch {
	case panicked:
		resp = newErrorResponse(req, CodeAgentPanic, err.Error(), elapsed)
	case err != nil:
		resp = newErrorResponse(req, codeFor(err, cancelled), ErrorMessage(err), elapsed)
	case resp == nil:
		resp = &Response{Output: map[string]any{}, Status: ResponseSuccess}
	}
	resp.RequestID = req.ID
	resp.AgentID = b.cfg.ID
	resp.ExecutionTime = Duration(elapsed)
	if resp.Status == "" {
		resp.Status = ResponseSuccess
	}

	b.finish(req.ID, elapsed, resp.Failed(), panicked)
	if resp.Failed() {
		b.logger.Warn("请求执行失败",
			slog.String("request_id", req.ID),
			slog.Any("error_type", resp.Metadata["error_type"]),
			slog.Duration("elapsed", elapsed))
	}
	return resp
}

func (b *Base) invoke(ctx context.Context, req Request) (resp *Response, panicked bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("processor panic",
				slog.String("request_id", req.ID),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			resp, panicked, err = nil, true, fmt.Errorf("processor panic: %v", r)
		}
	}()
	resp, err = b.processor.Process(ctx, req)
	return resp, false, err
}

func (b *Base) finish(reqID string, elapsed time.Duration, failed, panicked bool) {
	b.mu.Lock()
	delete(b.inflight, reqID)
	b.active--
	b.durations.push(elapsed)
	if failed {
		b.errorCount++
	}
	switch {
	case panicked && b.status != StatusDisabled:
		b.status = StatusError
	case b.status == StatusRunning && b.active == 0:
		b.status = StatusIdle
	}
	b.mu.Unlock()
	b.wg.Done()
}

func codeFor(err, ctxErr error) xerrors.Code {
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded) || stdErrors.Is(ctxErr, context.DeadlineExceeded):
		return xerrors.CodeTimeout
	case stdErrors.Is(err, context.Canceled) || stdErrors.Is(ctxErr, context.Canceled):
		return xerrors.CodeCancelled
	}
	if code := xerrors.CodeOf(err); code != xerrors.CodeUnknown {
		return code
	}
	return xerrors.CodeExecutionFailure
}

// ErrorResponse 构造变体使用的错误响应。
func ErrorResponse(req Request, code xerrors.Code, message string) *Response {
	return newErrorResponse(req, code, message, 0)
}

// FailureResponse 把变体处理中的错误转换为错误响应，错误没有错误码时记为 EXECUTION_FAILURE。
func FailureResponse(req Request, err error) *Response {
	code := xerrors.CodeOf(err)
	if code == xerrors.CodeUnknown {
		code = xerrors.CodeExecutionFailure
	}
	return newErrorResponse(req, code, ErrorMessage(err), 0)
}

// ErrorMessage 返回去掉错误码前缀的错误描述，错误码另由 error_type 携带。
func ErrorMessage(err error) string {
	e, ok := xerrors.From(err)
	if !ok {
		return err.Error()
	}
	if cause := e.Unwrap(); cause != nil {
		return e.Message() + ": " + cause.Error()
	}
	return e.Message()
}

// SuccessResponse 构造成功响应。
func SuccessResponse(req Request, output map[string]any) *Response {
	if output == nil {
		output = map[string]any{}
	}
	return &Response{RequestID: req.ID, AgentID: req.AgentID, Output: output, Status: ResponseSuccess}
}

func newErrorResponse(req Request, code xerrors.Code, message string, elapsed time.Duration) *Response {
	return &Response{
		RequestID:     req.ID,
		AgentID:       req.AgentID,
		Output:        map[string]any{"error": message},
		Status:        ResponseError,
		ExecutionTime: Duration(elapsed),
		Metadata:      map[string]any{"error_type": string(code)},
	}
}

// HealthStatus 返回计数快照，不修改任何状态。
func (b *Base) HealthStatus() HealthStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	return HealthStatus{
		AgentID:          b.cfg.ID,
		Status:           b.status,
		RequestCount:     b.requestCount,
		ErrorCount:       b.errorCount,
		ErrorRate:        float64(b.errorCount) / float64(max(b.requestCount, 1)),
		LastActivity:     b.lastActivity,
		Uptime:           Duration(b.now().Sub(b.createdAt)),
		AvgExecutionTime: Duration(b.durations.mean()),
		CacheHitRate:     b.cacheHitRateLocked(),
	}
}

func (b *Base) cacheHitRateLocked() float64 {
	total := b.cacheHits + b.cacheMisses
	if total == 0 {
		return 0
	}
	return float64(b.cacheHits) / float64(total)
}

// Metadata 返回身份、声明配置与实时计数的快照。
func (b *Base) Metadata() Metadata {
	b.mu.Lock()
	counters := Counters{
		RequestCount:     b.requestCount,
		ErrorCount:       b.errorCount,
		Status:           b.status,
		LastActivity:     b.lastActivity,
		AvgExecutionTime: Duration(b.durations.mean()),
		CacheHits:        b.cacheHits,
		CacheMisses:      b.cacheMisses,
	}
	b.mu.Unlock()

	return Metadata{
		AgentID:      b.cfg.ID,
		Name:         b.cfg.Name,
		Description:  b.cfg.Description,
		Version:      Version,
		Type:         b.cfg.Type,
		Capabilities: b.Capabilities(),
		ModelName:    b.cfg.ModelName,
		MaxTokens:    b.cfg.MaxTokens,
		Temperature:  b.cfg.Temperature,
		RiskLevel:    b.cfg.RiskLevel,
		Tags:         append([]string(nil), b.cfg.Tags...),
		Counters:     counters,
	}
}

// Durations 返回最近执行耗时的副本，按时间先后排列。
func (b *Base) Durations() []time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.durations.snapshot()
}

// RecordCacheHit 记录一次缓存命中。
func (b *Base) RecordCacheHit() {
	b.mu.Lock()
	b.cacheHits++
	b.mu.Unlock()
}

// RecordCacheMiss 记录一次缓存未命中。
func (b *Base) RecordCacheMiss() {
	b.mu.Lock()
	b.cacheMisses++
	b.mu.Unlock()
}

// Audit 按 agent 的审计开关记录一次动作。协作方失败只写日志并返回 nil。
func (b *Base) Audit(ctx context.Context, toolID string, input, output map[string]any, status audit.Status) *audit.Result {
	if !b.cfg.AuditEnabled || b.recorder == nil {
		return nil
	}
	entry := audit.Entry{
		ActionID: uuid.NewString(),
		AgentID:  b.cfg.ID,
		ToolID:   toolID,
		Status:   status,
	}
	if b.cfg.LogInput {
		entry.Input = input
	}
	if b.cfg.LogOutput {
		entry.Output = output
	}
	result, err := b.recorder.Record(ctx, entry)
	if err != nil {
		b.logger.Warn("审计记录失败", slog.String("tool_id", toolID), slog.Any("error", err))
		return nil
	}
	return result
}

// TrackOptions 返回与 agent 审计开关一致的 audit.Track 选项。
func (b *Base) TrackOptions(toolID string) audit.TrackOptions {
	return audit.TrackOptions{
		AgentID:   b.cfg.ID,
		ToolID:    toolID,
		Enabled:   b.cfg.AuditEnabled && b.recorder != nil,
		LogInput:  b.cfg.LogInput,
		LogOutput: b.cfg.LogOutput,
	}
}

// Recorder 返回审计协作方，未配置时为 nil。
func (b *Base) Recorder() AuditRecorder { return b.recorder }

// CheckAccess 询问访问控制协作方。协作方不可用时放行并记录日志。
func (b *Base) CheckAccess(ctx context.Context, toolID string) (bool, string) {
	if b.access == nil {
		return true, ""
	}
	allowed, reason, err := b.access.IsAllowed(ctx, b.cfg.ID, toolID)
	if err != nil {
		b.logger.Warn("访问控制检查失败，按放行处理", slog.String("tool_id", toolID), slog.Any("error", err))
		return true, ""
	}
	return allowed, reason
}

// Shutdown 进入 Disabled 状态，取消全部在途请求并等待它们退出，然后调用变体的 Teardown。
// 等待超时会返回错误且不执行 Teardown，之后再次调用可以完成清理；清理完成后重复调用直接返回 nil。
func (b *Base) Shutdown(ctx context.Context) error {
	b.stopMu.Lock()
	defer b.stopMu.Unlock()
	if b.stopped {
		return nil
	}

	b.mu.Lock()
	if !b.closed {
		b.closed = true
		b.status = StatusDisabled
		for _, cancel := range b.inflight {
			cancel()
		}
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待在途请求退出超时",
			xerrors.WithMetadata("agent_id", b.cfg.ID))
	}

	b.stopped = true
	if fin, ok := b.processor.(Finalizer); ok {
		if err := fin.Teardown(ctx); err != nil {
			b.logger.Warn("agent 清理失败", slog.Any("error", err))
			return err
		}
	}
	b.logger.Info("agent 已关闭")
	return nil
}

var _ Agent = (*Base)(nil)
