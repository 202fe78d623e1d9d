// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package database 管理运行历史库的 GORM 连接。

Open 按 config.DatabaseConfig 的驱动选择方言（postgres、mysql、
sqlite、sqlite3），PoolManager 负责连接池参数、后台健康检查与
事务重试，健康检查时把连接数上报给 StatsRecorder。
*/
package database
