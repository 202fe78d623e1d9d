// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package migration 管理运行历史库（workflow_runs 表）的 Schema 迁移。

迁移 SQL 按方言内嵌在 migrations/{postgres,mysql,sqlite} 目录，由
golang-migrate 执行。DefaultMigrator 实现 Migrator 接口，CLI 为
teamflow migrate 子命令提供文本输出。
*/
package migration
