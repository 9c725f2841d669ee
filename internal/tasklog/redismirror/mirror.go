// Package redismirror republishes task log entries on Redis pub/sub channels
// so that processes other than the daemon can follow a task.
package redismirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/0xrifai/pharos-network/internal/tasklog"
)

// Publisher is the subset of the Redis client the mirror needs.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Config describes the Redis connection and channel naming.
type Config struct {
	Address        string
	Password       string
	DB             int
	Prefix         string
	Buffer         int
	PublishTimeout time.Duration
}

// Message is the payload published for each entry.
type Message struct {
	TaskID string        `json:"task_id"`
	Entry  tasklog.Entry `json:"entry"`
}

// Sink implements tasklog.Sink.
type Sink struct {
	pub     Publisher
	prefix  string
	buffer  int
	timeout time.Duration
	logger  *slog.Logger
	closer  func() error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type clientPublisher struct {
	client *redis.Client
}

func (p clientPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.client.Publish(ctx, channel, payload).Err()
}

// New dials Redis and returns a sink publishing on "<prefix>:<taskId>".
func New(cfg Config, logger *slog.Logger) (*Sink, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis mirror address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis mirror: %w", err)
	}
	sink := NewWithPublisher(clientPublisher{client: client}, cfg, logger)
	sink.closer = client.Close
	return sink, nil
}

// NewWithPublisher builds a sink over an arbitrary publisher.
func NewWithPublisher(pub Publisher, cfg Config, logger *slog.Logger) *Sink {
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "pharos:logs"
	}
	buffer := cfg.Buffer
	if buffer <= 0 {
		buffer = tasklog.DefaultSubscriptionBuffer
	}
	timeout := cfg.PublishTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sink{
		pub:     pub,
		prefix:  prefix,
		buffer:  buffer,
		timeout: timeout,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Channel returns the pub/sub channel used for taskID.
func (s *Sink) Channel(taskID string) string {
	return s.prefix + ":" + taskID
}

// Attach subscribes to log and forwards entries from a dedicated goroutine,
// so a slow Redis never stalls the producer. The goroutine exits when the log
// is closed, when the sink is closed, or after the first publish error.
func (s *Sink) Attach(taskID string, log *tasklog.Log) {
	sub := log.Subscribe(s.buffer)
	channel := s.Channel(taskID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer sub.Cancel()
		for {
			select {
			case <-s.ctx.Done():
				return
			case entry, ok := <-sub.C():
				if !ok {
					return
				}
				if err := s.publish(channel, Message{TaskID: taskID, Entry: entry}); err != nil {
					s.logger.Warn("redis mirror detached",
						slog.String("task_id", taskID),
						slog.String("error", err.Error()),
					)
					return
				}
			}
		}
	}()
}

func (s *Sink) publish(channel string, msg Message) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
	defer cancel()
	return s.pub.Publish(ctx, channel, payload)
}

// Close stops every forwarder and releases the Redis connection.
func (s *Sink) Close() error {
	if s == nil {
		return nil
	}
	s.cancel()
	s.wg.Wait()
	if s.closer != nil {
		return s.closer()
	}
	return nil
}
