// Package config 提供 teamflow 的配置管理功能。
//
// 包含默认值、YAML + 环境变量加载、配置校验，
// 以及基于轮询的配置文件热重载（用于运行时调整日志级别）。
package config
