package agent

import "time"

// Stats 是按需从 agent 集合与历史窗口重新计算的 Manager 统计。
type Stats struct {
	TotalAgents         int      `json:"total_agents"`
	ActiveAgents        int      `json:"active_agents"`
	IdleAgents          int      `json:"idle_agents"`
	ErrorAgents         int      `json:"error_agents"`
	DisabledAgents      int      `json:"disabled_agents"`
	TotalRequests       int64    `json:"total_requests"`
	TotalErrors         int64    `json:"total_errors"`
	AverageResponseTime Duration `json:"average_response_time"`
	Uptime              Duration `json:"uptime"`
}

// Stats 汇总当前统计。请求与错误总数来自 Manager 自己的按 agent 计数，
// 已注销 agent 的历史计数保留在内。
func (m *Manager) Stats() Stats {
	var s Stats
	for _, a := range m.snapshot() {
		s.TotalAgents++
		switch a.Status() {
		case StatusRunning:
			s.ActiveAgents++
		case StatusIdle:
			s.IdleAgents++
		case StatusError:
			s.ErrorAgents++
		case StatusDisabled:
			s.DisabledAgents++
		}
	}

	m.statsMu.Lock()
	for _, n := range m.requests {
		s.TotalRequests += n
	}
	for _, n := range m.errors {
		s.TotalErrors += n
	}
	s.AverageResponseTime = Duration(m.durations.mean())
	m.statsMu.Unlock()

	s.Uptime = Duration(time.Since(m.startedAt))
	return s
}

// ResponseDurations 返回 Manager 侧耗时窗口的副本。
func (m *Manager) ResponseDurations() []time.Duration {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	return m.durations.snapshot()
}
