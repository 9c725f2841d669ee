package job

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	xerrors "github.com/0xrifai/pharos-network/internal/errors"
)

// RabbitMQConfig 描述 RabbitMQ 队列的连接参数。
type RabbitMQConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	Durable    bool
	AutoDelete bool
}

// RabbitMQQueue 使用 RabbitMQ 实现运行队列。连接断开后下一次 Consume 或
// Publish 会重新建立连接。
type RabbitMQQueue struct {
	cfg   RabbitMQConfig
	queue string

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewRabbitMQQueue 创建 RabbitMQ 队列实例。
func NewRabbitMQQueue(cfg RabbitMQConfig) (*RabbitMQQueue, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "RabbitMQ URL 不能为空")
	}
	if cfg.Queue == "" {
		cfg.Queue = "pharos.jobs"
	}
	q := &RabbitMQQueue{cfg: cfg, queue: cfg.Queue}
	if _, err := q.channel(); err != nil {
		return nil, err
	}
	return q, nil
}

// channel 返回可用的 channel，连接或 channel 已关闭时重新拨号。
func (q *RabbitMQQueue) channel() (*amqp.Channel, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.ch != nil && !q.ch.IsClosed() && q.conn != nil && !q.conn.IsClosed() {
		return q.ch, nil
	}
	q.closeLocked()

	conn, err := amqp.Dial(q.cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "创建 RabbitMQ channel 失败")
	}
	if q.cfg.Prefetch > 0 {
		if err := ch.Qos(q.cfg.Prefetch, 0, false); err != nil {
			ch.Close()
			conn.Close()
			return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "设置 RabbitMQ QOS 失败")
		}
	}
	if _, err := ch.QueueDeclare(q.queue, q.cfg.Durable, q.cfg.AutoDelete, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeQueueFailure, err, "声明 RabbitMQ 队列失败")
	}
	q.conn, q.ch = conn, ch
	return ch, nil
}

// Publish 将运行投递到 RabbitMQ。
func (q *RabbitMQQueue) Publish(ctx context.Context, runID string) error {
	if q == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	ch, err := q.channel()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx, "", q.queue, false, false, amqp.Publishing{
		ContentType: "text/plain",
		Body:        []byte(runID),
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "RabbitMQ 发布运行失败")
	}
	return nil
}

// Consume 使用手动确认模式消费 RabbitMQ 队列。投递通道在 ctx 结束前关闭时
// 返回可重试的 CodeQueueFailure，由调用方决定何时重新消费。
func (q *RabbitMQQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if q == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "RabbitMQ 队列未初始化")
	}
	if workerCount <= 0 {
		workerCount = 1
	}
	ch, err := q.channel()
	if err != nil {
		return err
	}
	msgs, err := ch.Consume(q.queue, "", false, false, false, false, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "订阅 RabbitMQ 队列失败")
	}
	return consumeDeliveries(ctx, workerCount, msgs, handler)
}

// acknowledger 是 amqp.Delivery 的确认方法子集。
type acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func consumeDeliveries(ctx context.Context, workerCount int, msgs <-chan amqp.Delivery, handler Handler) error {
	var (
		wg     sync.WaitGroup
		closed = make(chan struct{})
		once   sync.Once
	)
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						once.Do(func() { close(closed) })
						return
					}
					settle(ctx, msg, string(msg.Body), handler)
				}
			}
		}()
	}

	select {
	case <-ctx.Done():
		wg.Wait()
		return ctx.Err()
	case <-closed:
		wg.Wait()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return xerrors.New(xerrors.CodeQueueFailure, "RabbitMQ 投递通道已关闭")
	}
}

func settle(ctx context.Context, ack acknowledger, runID string, handler Handler) {
	if err := handler(ctx, runID); err != nil {
		_ = ack.Nack(false, xerrors.RetryableError(err))
		return
	}
	_ = ack.Ack(false)
}

// Close 关闭 RabbitMQ 连接。
func (q *RabbitMQQueue) Close() error {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closeLocked()
}

func (q *RabbitMQQueue) closeLocked() error {
	if q.ch != nil {
		_ = q.ch.Close()
		q.ch = nil
	}
	var err error
	if q.conn != nil {
		if !q.conn.IsClosed() {
			err = q.conn.Close()
		}
		q.conn = nil
	}
	return err
}

var _ Queue = (*RabbitMQQueue)(nil)
