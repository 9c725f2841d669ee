package job

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/0xrifai/pharos-network/internal/automation"
	xerrors "github.com/0xrifai/pharos-network/internal/errors"
	"github.com/0xrifai/pharos-network/internal/tasklog"
	"github.com/0xrifai/pharos-network/pkg/logger"
)

// Service 负责运行的创建与查询。
type Service struct {
	store    Store
	producer Producer
	logs     *tasklog.Registry
	delay    automation.DelayRange
	newID    func() string
	metrics  Metrics
}

// ServiceOption 定义 Service 的可选配置。
type ServiceOption func(*Service)

// WithDefaultDelay 设置请求未指定时使用的迭代间隔。
func WithDefaultDelay(delay automation.DelayRange) ServiceOption {
	return func(s *Service) { s.delay = delay }
}

// WithIDGenerator 替换运行 ID 生成器，主要用于测试。
func WithIDGenerator(fn func() string) ServiceOption {
	return func(s *Service) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithServiceMetrics 配置指标采集。
func WithServiceMetrics(m Metrics) ServiceOption {
	return func(s *Service) { s.metrics = m }
}

// NewService 构造运行服务。
func NewService(store Store, producer Producer, logs *tasklog.Registry, opts ...ServiceOption) *Service {
	s := &Service{
		store:    store,
		producer: producer,
		logs:     logs,
		delay:    automation.DelayRangeMillis(1000, 3000),
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Submit 校验请求，清空任务日志，然后把新运行投递到队列。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Job, error) {
	if s.store == nil || s.producer == nil || s.logs == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行服务未初始化")
	}
	plan, err := BuildPlan(req, s.delay)
	if err != nil {
		return nil, err
	}

	job := &Job{
		ID:         s.newID(),
		TaskID:     strings.TrimSpace(req.TaskID),
		Name:       plan.Name,
		Kind:       plan.Kind,
		Chain:      plan.Chain,
		Wallet:     plan.Signer.Address().Hex(),
		Iterations: plan.Spec.Iterations,
		Status:     StatusPending,
		plan:       plan,
	}
	if err := s.store.Create(ctx, job); err != nil {
		return nil, err
	}

	// 同一任务 ID 重新运行时从空日志开始，已连接的观察者保持订阅。
	log := s.logs.GetOrCreate(job.TaskID)
	log.Clear()
	log.Infof("Starting %s automation", plan.Name)

	if err := s.producer.Publish(ctx, job.ID); err != nil {
		logger.L().Error("运行入队失败", slog.Any("error", err), slog.String("task_id", job.TaskID), slog.String("run_id", job.ID))
		wrapped := xerrors.Wrap(CodeJobPublish, err, "发布运行到队列失败")
		_ = s.store.MarkFailed(ctx, job.ID, CodeJobPublish, wrapped.Error(), nil)
		log.Error("Internal server error")
		return nil, wrapped
	}
	if s.metrics != nil {
		s.metrics.JobSubmitted(string(plan.Kind))
	}
	logger.Audit().Info("运行入队成功",
		slog.String("task_id", job.TaskID),
		slog.String("run_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.String("wallet", job.Wallet),
		slog.Int("iterations", job.Iterations),
	)
	return cloneJob(job), nil
}

// Get 按运行 ID 或任务 ID 返回状态；任务 ID 返回最近一次运行。
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	job, err := s.store.Get(ctx, id)
	if err == nil {
		return job, nil
	}
	if !stdErrors.Is(err, ErrJobNotFound) {
		return nil, err
	}
	return s.store.Latest(ctx, id)
}

// List 返回符合过滤条件的运行列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Job, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.List(ctx, buildListOptions(opts))
}

// Stats 返回符合过滤条件的运行统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (Stats, error) {
	if s.store == nil {
		return Stats{}, xerrors.New(xerrors.CodeInitializationFailure, "运行存储未初始化")
	}
	return s.store.Stats(ctx, buildListOptions(opts))
}

// Close 释放资源。
func (s *Service) Close() error {
	var errs []error
	if s.store != nil {
		errs = append(errs, s.store.Close())
	}
	if s.producer != nil {
		errs = append(errs, s.producer.Close())
	}
	return stdErrors.Join(errs...)
}

// WaitUntilCompleted 轮询直到运行结束或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Job, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if job.Finished() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
