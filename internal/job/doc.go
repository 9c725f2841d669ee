// Package job 负责自动化任务的提交、排队与执行。
//
// Service 校验请求并把运行记录写入 Store，然后只把运行 ID 投递到队列；
// 私钥等凭据只保存在进程内存中的运行记录上，不会进入消息队列。
// Processor 从队列消费运行 ID，交给 automation.Runner 执行，并把结果写回 Store。
package job
