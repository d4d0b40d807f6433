// Package policy 提供访问控制与限流。
//
// 访问决策由 OPA rego 策略对 agent/工具策略求值得出，限流使用按小时与按天对齐的固定窗口计数，
// 计数可以放在进程内或 Redis 中，另有按秒的令牌桶防止突发流量。
package policy
