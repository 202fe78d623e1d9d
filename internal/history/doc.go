// Package history 把工作流运行记录持久化到 workflow_runs 表。
//
// Store 实现 workflow.Observer：开始时插入一行 running 记录，结束时写入
// 终态、事件数与错误信息。表结构由 internal/migration 管理，开发环境
// 可通过 AutoMigrate 直接建表。
package history
