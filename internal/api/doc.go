// Package api 暴露自动化任务的 HTTP 接口：提交运行、查询状态，以及通过 SSE 订阅任务日志。
package api
