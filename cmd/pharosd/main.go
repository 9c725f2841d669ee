package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/0xrifai/pharos-network/internal/api"
	"github.com/0xrifai/pharos-network/internal/auth"
	"github.com/0xrifai/pharos-network/internal/automation"
	"github.com/0xrifai/pharos-network/internal/config"
	"github.com/0xrifai/pharos-network/internal/job"
	"github.com/0xrifai/pharos-network/internal/observability/alerting"
	"github.com/0xrifai/pharos-network/internal/observability/metrics"
	"github.com/0xrifai/pharos-network/internal/stream"
	"github.com/0xrifai/pharos-network/internal/tasklog"
	"github.com/0xrifai/pharos-network/internal/tasklog/redismirror"
	"github.com/0xrifai/pharos-network/internal/txexec"
	"github.com/0xrifai/pharos-network/internal/web3"
	"github.com/0xrifai/pharos-network/internal/web3/provider"
	"github.com/0xrifai/pharos-network/pkg/logger"
)

// main 是 pharosd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("pharosd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := loadConfig(config.PathFromEnv())
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.New(cfg.Metrics.Namespace)
	}

	registryOpts := []tasklog.Option{tasklog.WithLogger(logger.Named("tasklog"))}
	if cfg.RedisMirror.Enabled {
		mirror, err := redismirror.New(redismirror.Config{
			Address:  cfg.RedisMirror.Address,
			Password: cfg.RedisMirror.Password,
			DB:       cfg.RedisMirror.DB,
			Prefix:   cfg.RedisMirror.Prefix,
		}, logger.Named("redismirror"))
		if err != nil {
			return err
		}
		defer mirror.Close()
		registryOpts = append(registryOpts, tasklog.WithSink(mirror))
	}
	logs := tasklog.NewRegistry(registryOpts...)
	defer logs.Close()

	chains, err := provider.NewRegistry(ctx, cfg.Web3)
	if err != nil {
		return err
	}
	defer chains.Close()

	queue, err := newQueue(cfg.Queue)
	if err != nil {
		return err
	}

	runnerOpts := []automation.RunnerOption{
		automation.WithSettings(settingsFromConfig(cfg.Automation)),
		automation.WithAuditLogger(logger.Audit()),
	}
	serviceOpts := []job.ServiceOption{
		job.WithDefaultDelay(automation.DelayRangeMillis(int64(cfg.Automation.DelayMinMs), int64(cfg.Automation.DelayMaxMs))),
	}
	processorOpts := []job.ProcessorOption{
		job.WithWorkerCount(cfg.Queue.Workers),
		job.WithProcessorLogger(logger.Named("processor")),
		job.WithAlertDispatcher(newAlerts(cfg.Alerting)),
	}
	hubOpts := stream.Options{
		KeepAlive:            cfg.Server.KeepAlive(),
		RemoveOnLastObserver: cfg.Server.RemoveOnLastObserver,
		Buffer:               cfg.Server.StreamBuffer,
		Logger:               logger.Named("stream"),
	}
	var apiOpts []api.Option
	if collector != nil {
		runnerOpts = append(runnerOpts, automation.WithMetrics(collector))
		serviceOpts = append(serviceOpts, job.WithServiceMetrics(collector))
		processorOpts = append(processorOpts, job.WithProcessorMetrics(collector))
		hubOpts.Metrics = collector
		apiOpts = append(apiOpts, api.WithMetrics(collector, cfg.Metrics.Path))
	}
	apiOpts = append(apiOpts, api.WithLogger(logger.Named("api")))
	guard, err := newAuth(cfg.Auth)
	if err != nil {
		return fmt.Errorf("初始化认证失败: %w", err)
	}
	apiOpts = append(apiOpts, api.WithAuth(guard))

	runner := automation.NewRunner(chains, runnerOpts...)
	store := job.NewMemoryStore()
	service := job.NewService(store, queue, logs, serviceOpts...)
	defer func() {
		if err := service.Close(); err != nil {
			logger.L().Warn("关闭运行服务失败", slog.Any("error", err))
		}
	}()
	processor := job.NewProcessor(runner, store, queue, logs, processorOpts...)

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("运行处理器异常退出", slog.Any("error", err))
		}
	}()

	hub := stream.NewHub(logs, hubOpts)
	server := api.NewServer(cfg.Server.Address, service, logs, hub, apiOpts...)
	logger.L().Info("pharosd 启动",
		slog.String("addr", cfg.Server.Address),
		slog.String("queue", cfg.Queue.Driver),
		slog.String("default_chain", chains.DefaultChain()),
		slog.String("auth", string(guard.Mode())),
	)
	if err := server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// loadConfig 在默认配置文件缺失时使用内置默认值。
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && path == config.DefaultPath {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newQueue(cfg config.QueueConfig) (job.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return job.NewMemoryQueue(cfg.Size), nil
	case "redis":
		return job.NewRedisQueue(job.RedisQueueConfig{
			Address:   cfg.Redis.Address,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			Queue:     cfg.Redis.Queue,
			BlockWait: time.Duration(cfg.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return job.NewRabbitMQQueue(job.RabbitMQConfig{
			URL:        cfg.RabbitMQ.URL,
			Queue:      cfg.RabbitMQ.Queue,
			Prefetch:   cfg.RabbitMQ.Prefetch,
			Durable:    cfg.RabbitMQ.Durable,
			AutoDelete: cfg.RabbitMQ.AutoDelete,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

func newAuth(cfg config.AuthConfig) (*auth.Service, error) {
	tokens := make([]auth.Token, 0, len(cfg.Tokens))
	for _, token := range cfg.Tokens {
		tokens = append(tokens, auth.Token{
			Name:        token.Name,
			Secret:      token.Secret(),
			Permissions: token.Permissions,
			Disabled:    token.Disabled,
		})
	}
	return auth.NewService(auth.Config{Mode: auth.Mode(cfg.Mode), Tokens: tokens}, auth.WithAuditLogger(logger.Audit()))
}

func newAlerts(cfg config.AlertingConfig) alerting.Dispatcher {
	var notifiers []alerting.Notifier
	if cfg.Log {
		notifiers = append(notifiers, &alerting.LogNotifier{})
	}
	for _, hook := range cfg.Webhooks {
		notifiers = append(notifiers, &alerting.WebhookNotifier{Kind: alerting.Channel(hook.Channel), URL: hook.URL})
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewFanout(notifiers...)
}

func settingsFromConfig(cfg config.AutomationConfig) automation.Settings {
	return automation.Settings{
		Policy:         policyFromConfig(cfg.Executor),
		Fees:           feesFromConfig(cfg.Executor.Fees),
		ApprovalPolicy: policyFromConfig(cfg.Approval),
		ApprovalFees:   feesFromConfig(cfg.Approval.Fees),
	}
}

func policyFromConfig(cfg config.ExecutorConfig) txexec.Policy {
	return txexec.Policy{
		MaxAttempts:    cfg.MaxAttempts,
		ConfirmTimeout: cfg.ConfirmTimeout(),
		Backoff:        cfg.Backoff(),
	}
}

func feesFromConfig(cfg config.FeeConfig) web3.FeeParams {
	return web3.FeeParams{
		GasLimit:             cfg.GasLimit,
		MaxFeePerGas:         web3.Gwei(cfg.MaxFeeGwei),
		MaxPriorityFeePerGas: web3.Gwei(cfg.PriorityFeeGwei),
	}
}
