package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	xerrors "github.com/afristrup/chronicler-agentic-audit/internal/errors"
	"github.com/afristrup/chronicler-agentic-audit/internal/events"
	"github.com/afristrup/chronicler-agentic-audit/internal/observability/alerting"
)

// Start 启动后台健康检查。健康检查被关闭、已在运行时直接返回；Manager 关闭后返回错误。
func (m *Manager) Start(ctx context.Context) error {
	m.superMu.Lock()
	defer m.superMu.Unlock()

	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return xerrors.New(CodeAgentDisabled, "agent manager 已关闭")
	}
	if m.healthInterval <= 0 {
		m.logger.Info("健康检查已关闭")
		return nil
	}
	if m.superCancel != nil {
		return nil
	}
	superCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	m.superCancel = cancel
	m.superDone = done
	go m.supervise(superCtx, done)
	m.logger.Info("健康检查已启动", slog.Duration("interval", m.healthInterval))
	return nil
}

func (m *Manager) supervise(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(m.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckHealth(ctx)
		}
	}
}

func (m *Manager) stopSupervisor(ctx context.Context) error {
	m.superMu.Lock()
	cancel, done := m.superCancel, m.superDone
	m.superCancel, m.superDone = nil, nil
	m.superMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CheckHealth 读取每个 agent 的健康快照，返回错误率超过阈值的 agent。
// 只记录日志并在 agent 刚变为不健康时发送事件与告警，不会改变 agent 状态。
// 单个 agent 检查失败不影响其余 agent。
func (m *Manager) CheckHealth(ctx context.Context) []HealthStatus {
	var unhealthy []HealthStatus
	for _, a := range m.snapshot() {
		h, err := inspect(a)
		if err != nil {
			m.logger.Error("agent 健康检查失败", slog.String("agent_id", a.ID()), slog.Any("error", err))
			continue
		}
		if m.observer != nil {
			m.observer.ObserveHealth(h)
		}

		bad := h.ErrorRate > m.errorRateThreshold
		m.healthMu.Lock()
		was := m.unhealthy[h.AgentID]
		if bad {
			m.unhealthy[h.AgentID] = true
		} else {
			delete(m.unhealthy, h.AgentID)
		}
		m.healthMu.Unlock()

		if !bad {
			if was {
				m.logger.Info("agent 错误率恢复正常", slog.String("agent_id", h.AgentID), slog.Float64("error_rate", h.ErrorRate))
			}
			continue
		}
		unhealthy = append(unhealthy, h)
		m.logger.Warn("agent 错误率过高",
			slog.String("agent_id", h.AgentID),
			slog.Float64("error_rate", h.ErrorRate),
			slog.Int64("request_count", h.RequestCount),
			slog.Int64("error_count", h.ErrorCount))
		if !was {
			m.reportUnhealthy(ctx, h)
		}
	}
	return unhealthy
}

func inspect(a Agent) (h HealthStatus, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("health snapshot panic: %v", r)
		}
	}()
	return a.HealthStatus(), nil
}

func (m *Manager) reportUnhealthy(ctx context.Context, h HealthStatus) {
	m.publish(ctx, events.New(events.KindAgentUnhealthy, h.AgentID, map[string]any{
		"error_rate":    h.ErrorRate,
		"request_count": h.RequestCount,
		"error_count":   h.ErrorCount,
	}))
	if m.alerts == nil {
		return
	}
	err := m.alerts.Notify(ctx, alerting.Event{
		Code:     alerting.CodeAgentUnhealthy,
		Message:  fmt.Sprintf("agent %s 错误率 %.2f 超过阈值 %.2f", h.AgentID, h.ErrorRate, m.errorRateThreshold),
		Severity: xerrors.SeverityWarning,
		AgentID:  h.AgentID,
		Metadata: map[string]string{
			"error_rate":    strconv.FormatFloat(h.ErrorRate, 'f', 4, 64),
			"request_count": strconv.FormatInt(h.RequestCount, 10),
			"error_count":   strconv.FormatInt(h.ErrorCount, 10),
		},
	})
	if err != nil {
		m.logger.Warn("发送健康告警失败", slog.String("agent_id", h.AgentID), slog.Any("error", err))
	}
}
