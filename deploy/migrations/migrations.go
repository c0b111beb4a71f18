package migrations

import "embed"

// Files 内嵌雇佣日志的建表脚本，按文件名前缀的版本号顺序执行。
//
//go:embed *.sql
var Files embed.FS
