// Package api 提供 chroniclerd 的 HTTP 接口：agent 管理与执行、审计查询、
// 单端点的 MCP JSON-RPC 服务、事件流与 Prometheus 指标。
package api
