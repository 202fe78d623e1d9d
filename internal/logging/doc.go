// Package logging 提供按命名空间分级的 zap 日志。
//
// Levels 持有一组按点号分层的动态级别（例如 teamflow、teamflow.graph），
// 通过它创建的 logger 在每次写日志时解析当前级别，因此运行中调整级别
// （debug 开关、配置热重载）会立即作用于已经创建的 logger。
//
// Levels 以显式参数传递给需要它的组件，包内没有全局状态。
package logging
