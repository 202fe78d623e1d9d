// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package server 管理 HTTP 服务器的生命周期。

Manager 封装 net/http.Server：Start 非阻塞启动，Run 阻塞到 ctx 结束后
优雅关闭，Errors 暴露异步服务错误。开启 EnableH2C 后以明文 HTTP/2
提供服务。teamflow serve 为 API 与 metrics 各创建一个 Manager。
*/
package server
