// Package agent 实现 agent 的执行生命周期与 Manager。
//
// 每个 agent 持有自己的状态机（idle/running/error/disabled）、请求与错误计数以及
// 最近 100 次执行耗时；Manager 负责注册、按类型或能力路由、统计汇总与周期性健康检查。
// 具体的 agent 变体嵌入 Base 并提供 Processor。
package agent
