package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/0xrifai/pharos-network/internal/auth"
	xerrors "github.com/0xrifai/pharos-network/internal/errors"
	"github.com/0xrifai/pharos-network/internal/job"
	"github.com/0xrifai/pharos-network/internal/observability/metrics"
	"github.com/0xrifai/pharos-network/internal/stream"
	"github.com/0xrifai/pharos-network/internal/tasklog"
)

// maxBodyBytes 限制提交请求体大小。
const maxBodyBytes = 1 << 20

// Server 负责暴露 REST 与 SSE 接口。
type Server struct {
	addr        string
	jobs        *job.Service
	logs        *tasklog.Registry
	hub         *stream.Hub
	metrics     *metrics.Collector
	metricsPath string
	auth        *auth.Service
	logger      *slog.Logger
}

// Option 定义 Server 的可选配置。
type Option func(*Server)

// WithMetrics 为每个路由记录请求指标，并在 path 上暴露 Prometheus 指标。
func WithMetrics(collector *metrics.Collector, path string) Option {
	return func(s *Server) {
		s.metrics = collector
		if path != "" {
			s.metricsPath = path
		}
	}
}

// WithAuth 要求业务路由携带 bearer token，/healthz 与指标路由不受影响。
func WithAuth(service *auth.Service) Option {
	return func(s *Server) {
		s.auth = service
	}
}

// WithLogger 指定服务日志。
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, jobs *job.Service, logs *tasklog.Registry, hub *stream.Hub, opts ...Option) *Server {
	s := &Server{
		addr:        addr,
		jobs:        jobs,
		logs:        logs,
		hub:         hub,
		metricsPath: "/metrics",
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的 http.Handler。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.route(mux, "POST /api/v1/automations", "submit", auth.PermAutomationsWrite, http.HandlerFunc(s.handleSubmit))
	s.route(mux, "GET /api/v1/tasks", "list_tasks", auth.PermTasksRead, http.HandlerFunc(s.handleListTasks))
	s.route(mux, "GET /api/v1/tasks/{id}", "task_detail", auth.PermTasksRead, http.HandlerFunc(s.handleTaskDetail))
	s.route(mux, "GET /api/v1/stats", "stats", auth.PermTasksRead, http.HandlerFunc(s.handleStats))
	s.route(mux, "GET /api/logs/{"+stream.TaskIDParam+"}", "log_stream", auth.PermLogsRead, s.hub)
	s.route(mux, "DELETE /api/logs/{"+stream.TaskIDParam+"}", "log_remove", auth.PermLogsDelete, http.HandlerFunc(s.handleRemoveLog))
	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET "+s.metricsPath, s.metrics.Handler())
	}
	return mux
}

func (s *Server) route(mux *http.ServeMux, pattern, name, permission string, handler http.Handler) {
	if s.auth.Enabled() {
		handler = s.auth.Middleware(auth.MiddlewareConfig{
			RequiredPermissions: map[string][]string{"*": {permission}},
			AuditEvent:          name,
			Deny: func(w http.ResponseWriter, _ *http.Request, err error) {
				writeError(w, err)
			},
		})(handler)
	}
	if s.metrics != nil {
		handler = s.metrics.Middleware(name, handler)
	}
	mux.Handle(pattern, handler)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		// 先结束所有日志流，否则 Shutdown 会等待长连接。
		s.hub.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

// handleSubmit 处理 POST /api/v1/automations。
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req job.SubmitRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&req); err != nil {
		writeError(w, xerrors.Wrap(job.CodeTaskValidation, err, "请求体解析失败"))
		return
	}

	created, err := s.jobs.Submit(r.Context(), req)
	if err != nil {
		s.logger.Warn("提交运行失败", slog.String("task_id", req.TaskID), slog.Any("error", err))
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": created.TaskID,
		"run_id":  created.ID,
		"status":  string(created.Status),
	})
}

// handleTaskDetail 返回运行状态，id 可以是运行 ID 或任务 ID。
func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少任务 ID"))
		return
	}
	found, err := s.jobs.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	results, err := s.jobs.List(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	opts, err := listOptionsFromQuery(r)
	if err != nil {
		writeError(w, err)
		return
	}
	stats, err := s.jobs.Stats(r.Context(), opts...)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// handleRemoveLog 丢弃任务日志，已连接的观察者会收到流结束。
func (s *Server) handleRemoveLog(w http.ResponseWriter, r *http.Request) {
	taskID := strings.TrimSpace(r.PathValue(stream.TaskIDParam))
	if _, ok := s.logs.Get(taskID); !ok {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "任务日志不存在"))
		return
	}
	s.logs.Remove(taskID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"logs":   s.logs.Len(),
	})
}

func listOptionsFromQuery(r *http.Request) ([]job.ListOption, error) {
	query := r.URL.Query()
	var opts []job.ListOption
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			return nil, xerrors.New(xerrors.CodeInvalidArgument, "limit 必须是正整数")
		}
		opts = append(opts, job.WithLimit(limit))
	}
	if raw := query.Get("status"); raw != "" {
		var statuses []job.Status
		for _, part := range strings.Split(raw, ",") {
			status := job.Status(strings.TrimSpace(part))
			if !job.IsValidStatus(status) {
				return nil, xerrors.New(xerrors.CodeInvalidArgument, "未知的状态: "+part)
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, job.WithStatuses(statuses...))
	}
	if taskID := strings.TrimSpace(query.Get("task_id")); taskID != "" {
		opts = append(opts, job.WithTaskID(taskID))
	}
	if query.Get("order") == "asc" {
		opts = append(opts, job.WithSortOrder(job.SortByUpdatedAsc))
	}
	return opts, nil
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case job.CodeTaskValidation, xerrors.CodeInvalidArgument:
		status = http.StatusBadRequest
	case job.CodeJobNotFound, xerrors.CodeNotFound:
		status = http.StatusNotFound
	case job.CodeJobConflict:
		status = http.StatusConflict
	case xerrors.CodeInitializationFailure:
		status = http.StatusServiceUnavailable
	case auth.CodeUnauthorized:
		status = http.StatusUnauthorized
		w.Header().Set("WWW-Authenticate", `Bearer realm="pharos"`)
	case auth.CodePermissionDenied:
		status = http.StatusForbidden
	}
	message := "Internal server error"
	if status != http.StatusInternalServerError {
		message = err.Error()
	}
	writeJSON(w, status, errorBody{Error: message, Code: string(code)})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
