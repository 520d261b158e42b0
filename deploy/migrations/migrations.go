// Package migrations embeds the MySQL schema for the chat transcript store.
package migrations

import "embed"

// Files 暴露按文件名排序执行的 SQL 迁移。
//
//go:embed *.sql
var Files embed.FS
