package job

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"github.com/0xrifai/pharos-network/internal/automation"
	xerrors "github.com/0xrifai/pharos-network/internal/errors"
	"github.com/0xrifai/pharos-network/internal/observability/alerting"
	"github.com/0xrifai/pharos-network/internal/tasklog"
	"github.com/0xrifai/pharos-network/pkg/logger"
)

// Runner 定义了处理器所需的自动化执行能力。
type Runner interface {
	Run(ctx context.Context, log *tasklog.Log, plan automation.Plan) (automation.Summary, error)
}

// Metrics 采集运行级别的指标。
type Metrics interface {
	JobSubmitted(kind string)
	JobFinished(kind string, status Status, elapsed time.Duration)
}

// Processor 负责从队列消费运行并交给 Runner 执行。
type Processor struct {
	runner      Runner
	store       Store
	consumer    Consumer
	logs        *tasklog.Registry
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	metrics     Metrics
	restart     time.Duration
	now         func() time.Time
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithProcessorMetrics 配置指标采集。
func WithProcessorMetrics(m Metrics) ProcessorOption {
	return func(p *Processor) {
		p.metrics = m
	}
}

// WithRestartBackoff 设置队列临时故障后重新消费前的等待时间。
func WithRestartBackoff(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.restart = d
		}
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(runner Runner, store Store, consumer Consumer, logs *tasklog.Registry, opts ...ProcessorOption) *Processor {
	p := &Processor{
		runner:      runner,
		store:       store,
		consumer:    consumer,
		logs:        logs,
		workerCount: 1,
		restart:     time.Second,
		now:         time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动运行处理循环，阻塞直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置运行消费者")
	}
	for {
		err := p.consumer.Consume(ctx, p.workerCount, p.handle)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		// 队列临时故障时重新消费，否则已接受的运行会一直停留在 pending。
		if err == nil || !xerrors.RetryableError(err) {
			return err
		}
		logger.L().Warn("运行队列消费中断，稍后重试",
			slog.Any("error", err),
			slog.Duration("backoff", p.restart),
		)
		if err := sleepContext(ctx, p.restart); err != nil {
			return err
		}
	}
}

// handle 只在领取失败时返回错误；执行失败写回 Store，不重新入队。
func (p *Processor) handle(ctx context.Context, runID string) error {
	if p.store == nil || p.runner == nil || p.logs == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	job, err := p.store.Claim(ctx, runID)
	if err != nil {
		if stdErrors.Is(err, ErrJobNotFound) || stdErrors.Is(err, ErrJobCompleted) || stdErrors.Is(err, ErrJobConflict) {
			p.logDebug("跳过运行", slog.String("run_id", runID), slog.String("reason", err.Error()))
			return nil
		}
		logger.L().Error("领取运行失败", slog.Any("error", err), slog.String("run_id", runID))
		p.emitAlert(ctx, &Job{ID: runID}, CodeJobProcessing, err, "claim")
		return err
	}

	log := p.logs.GetOrCreate(job.TaskID)
	started := p.now()
	summary, runErr := p.runner.Run(ctx, log, job.Plan())
	elapsed := p.now().Sub(started)
	if runErr != nil {
		return p.handleRunFailure(ctx, job, log, summary, runErr, elapsed)
	}

	if err := p.store.MarkSucceeded(ctx, job.ID, summary); err != nil {
		logger.L().Error("标记运行成功状态失败", slog.Any("error", err), slog.String("run_id", job.ID))
		return err
	}
	p.observe(job, StatusSucceeded, elapsed)
	logger.Audit().Info("运行执行完成",
		slog.String("task_id", job.TaskID),
		slog.String("run_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.Int("iterations", summary.Iterations),
		slog.Int("succeeded", summary.Succeeded),
		slog.Int("failed", summary.Failed),
		slog.Duration("elapsed", elapsed),
	)
	if summary.Failed > 0 && summary.Failed == summary.Iterations {
		p.emitAlert(ctx, job, xerrors.CodeRetriesExhausted, nil, "all_iterations_failed")
	}
	return nil
}

func (p *Processor) handleRunFailure(ctx context.Context, job *Job, log *tasklog.Log, summary automation.Summary, runErr error, elapsed time.Duration) error {
	code := xerrors.CodeOf(runErr)
	canceled := xerrors.KindOf(runErr) == xerrors.KindAbortRun
	switch {
	case canceled:
		code = xerrors.CodeCanceled
	case code == xerrors.CodeUnknown:
		code = CodeJobProcessing
	}
	if !canceled && summary.Iterations == 0 {
		log.Errorf("Internal server error: %v", runErr)
	}

	if storeErr := p.store.MarkFailed(ctx, job.ID, code, runErr.Error(), &summary); storeErr != nil {
		logger.L().Error("标记运行失败状态出错", slog.Any("error", storeErr), slog.String("run_id", job.ID))
		return storeErr
	}
	p.observe(job, StatusFailed, elapsed)
	logger.Audit().Warn("运行执行失败",
		slog.String("task_id", job.TaskID),
		slog.String("run_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.String("error", runErr.Error()),
		slog.String("error_code", string(code)),
		slog.Int("iterations", summary.Iterations),
	)
	if !canceled {
		p.emitAlert(ctx, job, code, runErr, "terminal")
	}
	return nil
}

func (p *Processor) observe(job *Job, status Status, elapsed time.Duration) {
	if p.metrics != nil {
		p.metrics.JobFinished(string(job.Kind), status, elapsed)
	}
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, job *Job, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil || job == nil {
		return
	}
	if cause != nil && !xerrors.ShouldAlert(cause) && !xerrors.AttributesOf(code).Alert {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{
		"stage": stage,
	}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
	}
	if job.Kind != "" {
		metadata["kind"] = string(job.Kind)
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   attrs.Severity,
		TaskID:     job.TaskID,
		RunID:      job.ID,
		Attempts:   job.Attempts,
		Metadata:   metadata,
		OccurredAt: p.now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("run_id", job.ID),
			slog.String("stage", stage),
		)
	}
}
