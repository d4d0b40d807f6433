// Package config 负责加载 chroniclerd 的 JSON 主配置与 YAML agent 定义，
// 并应用默认值、环境变量覆盖和构造期校验。
package config
