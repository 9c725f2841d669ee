package job

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	xerrors "github.com/0xrifai/pharos-network/internal/errors"
	"github.com/0xrifai/pharos-network/internal/tasklog"
)

// scriptedRedis 按顺序返回 BRPop 结果，脚本耗尽后阻塞到 ctx 结束。
type scriptedRedis struct {
	mu     sync.Mutex
	script []*redis.StringSliceCmd
	pops   atomic.Int32
	pushed []string
}

func (r *scriptedRedis) LPush(_ context.Context, _ string, values ...interface{}) *redis.IntCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range values {
		r.pushed = append(r.pushed, v.(string))
	}
	return redis.NewIntResult(int64(len(r.pushed)), nil)
}

func (r *scriptedRedis) RPush(ctx context.Context, key string, values ...interface{}) *redis.IntCmd {
	return r.LPush(ctx, key, values...)
}

func (r *scriptedRedis) BRPop(ctx context.Context, _ time.Duration, _ ...string) *redis.StringSliceCmd {
	r.pops.Add(1)
	r.mu.Lock()
	if len(r.script) > 0 {
		next := r.script[0]
		r.script = r.script[1:]
		r.mu.Unlock()
		return next
	}
	r.mu.Unlock()
	<-ctx.Done()
	return redis.NewStringSliceResult(nil, ctx.Err())
}

func (r *scriptedRedis) Close() error { return nil }

func TestRedisQueueSurvivesTransientPopError(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client := &scriptedRedis{script: []*redis.StringSliceCmd{
		redis.NewStringSliceResult(nil, errors.New("dial tcp 127.0.0.1:6379: connection refused")),
		redis.NewStringSliceResult(nil, redis.Nil),
		redis.NewStringSliceResult([]string{"pharos:jobs", "run-1"}, nil),
	}}
	queue := NewRedisQueueWithClient(client, "", time.Second).WithRetryDelay(time.Millisecond)

	handled := make(chan string, 1)
	done := make(chan error, 1)
	go func() {
		done <- queue.Consume(ctx, 1, func(_ context.Context, runID string) error {
			handled <- runID
			return nil
		})
	}()

	select {
	case runID := <-handled:
		if runID != "run-1" {
			t.Fatalf("unexpected run id %s", runID)
		}
	case err := <-done:
		t.Fatalf("consume returned before handling the run: %v", err)
	case <-ctx.Done():
		t.Fatal("run was never handled")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled after shutdown, got %v", err)
	}
	if client.pops.Load() < 3 {
		t.Fatalf("expected the worker to keep popping, got %d pops", client.pops.Load())
	}
}

func TestRabbitMQDeliveriesClosedIsRetryable(t *testing.T) {
	msgs := make(chan amqp.Delivery, 1)
	msgs <- amqp.Delivery{Body: []byte("run-1")}
	close(msgs)

	var handled []string
	var mu sync.Mutex
	err := consumeDeliveries(context.Background(), 2, msgs, func(_ context.Context, runID string) error {
		mu.Lock()
		handled = append(handled, runID)
		mu.Unlock()
		return nil
	})
	if xerrors.CodeOf(err) != xerrors.CodeQueueFailure || !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable queue failure, got %v", err)
	}
	if len(handled) != 1 || handled[0] != "run-1" {
		t.Fatalf("unexpected handled runs %v", handled)
	}
}

type recordingAck struct {
	acked, nacked, requeued bool
}

func (a *recordingAck) Ack(bool) error { a.acked = true; return nil }

func (a *recordingAck) Nack(_ bool, requeue bool) error {
	a.nacked, a.requeued = true, requeue
	return nil
}

func TestSettleRequeuesOnlyRetryableFailures(t *testing.T) {
	ok := &recordingAck{}
	settle(context.Background(), ok, "r", func(context.Context, string) error { return nil })
	if !ok.acked || ok.nacked {
		t.Fatalf("expected ack, got %+v", ok)
	}

	fatal := &recordingAck{}
	settle(context.Background(), fatal, "r", func(context.Context, string) error {
		return xerrors.New(CodeJobProcessing, "boom")
	})
	if !fatal.nacked || fatal.requeued {
		t.Fatalf("expected nack without requeue, got %+v", fatal)
	}

	transient := &recordingAck{}
	settle(context.Background(), transient, "r", func(context.Context, string) error {
		return xerrors.New(xerrors.CodeQueueFailure, "store unavailable")
	})
	if !transient.nacked || !transient.requeued {
		t.Fatalf("expected requeue, got %+v", transient)
	}
}

// flakyConsumer 第一次消费立即以队列故障返回，之后委托给内存队列。
type flakyConsumer struct {
	calls atomic.Int32
	queue *MemoryQueue
}

func (c *flakyConsumer) Consume(ctx context.Context, workers int, handler Handler) error {
	if c.calls.Add(1) == 1 {
		return xerrors.New(xerrors.CodeQueueFailure, "connection reset by peer")
	}
	return c.queue.Consume(ctx, workers, handler)
}

func (c *flakyConsumer) Close() error { return nil }

func TestProcessorRestartsAfterQueueFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	store := NewMemoryStore()
	queue := NewMemoryQueue(16)
	logs := tasklog.NewRegistry()
	consumer := &flakyConsumer{queue: queue}

	service := NewService(store, queue, logs)
	processor := NewProcessor(&fakeRunner{}, store, consumer, logs, WithRestartBackoff(time.Millisecond))
	startProcessor(t, ctx, processor)

	if _, err := service.Submit(ctx, transferRequest("t1")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, err := service.WaitUntilCompleted(ctx, "t1", 10*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if job.Status != StatusSucceeded {
		t.Fatalf("expected run to succeed after restart, got %s", job.Status)
	}
	if consumer.calls.Load() < 2 {
		t.Fatalf("expected consumption to restart, got %d calls", consumer.calls.Load())
	}

	// 同一任务在上次运行结束后可以再次提交。
	if _, err := service.Submit(ctx, transferRequest("t1")); err != nil {
		t.Fatalf("resubmit: %v", err)
	}
}

func TestProcessorStopsOnNonRetryableConsumerError(t *testing.T) {
	consumer := consumerFunc(func(context.Context, int, Handler) error {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	})
	processor := NewProcessor(&fakeRunner{}, NewMemoryStore(), consumer, tasklog.NewRegistry())
	err := processor.Start(context.Background())
	if xerrors.CodeOf(err) != xerrors.CodeInitializationFailure {
		t.Fatalf("expected initialization failure, got %v", err)
	}
}

type consumerFunc func(ctx context.Context, workers int, handler Handler) error

func (f consumerFunc) Consume(ctx context.Context, workers int, handler Handler) error {
	return f(ctx, workers, handler)
}

func (consumerFunc) Close() error { return nil }
