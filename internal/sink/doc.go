// Package sink 把每次运行的输出事件追加到 Redis Stream，供断线重放与离线排查。
//
// 每个运行对应一个 teamflow:events:<workflow_id> 流，字段为 event 与 data
// （JSON）。运行结束后流按配置的 TTL 过期；teamflow:runs 有序集合记录
// 最近的运行 ID。
package sink
