// Package migrations 嵌入审计记录与注册表的 MySQL schema，按文件名前缀的版本号依次执行。
package migrations

import "embed"

// Files 包含本目录下全部 *.sql 迁移文件。
//
//go:embed *.sql
var Files embed.FS
