package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/0xrifai/pharos-network/pkg/logger"
)

// EnvPath 指定配置文件路径的环境变量。
const EnvPath = "PHAROS_CONFIG"

// DefaultPath 是未设置环境变量时使用的配置文件。
var DefaultPath = filepath.Join("configs", "pharos.json")

// Config 描述了 pharosd 在启动阶段需要加载的核心配置。
type Config struct {
	Server      ServerConfig      `json:"server"`
	Web3        Web3Config        `json:"web3"`
	Queue       QueueConfig       `json:"queue"`
	Automation  AutomationConfig  `json:"automation"`
	Logging     logger.Config     `json:"logging"`
	Metrics     MetricsConfig     `json:"metrics"`
	RedisMirror RedisMirrorConfig `json:"redis_mirror"`
	Alerting    AlertingConfig    `json:"alerting"`
	Auth        AuthConfig        `json:"auth"`
}

// ServerConfig 控制 API 服务与日志流的参数。
type ServerConfig struct {
	Address string `json:"address"`
	// KeepAliveSeconds 为 0 时不发送心跳帧。
	KeepAliveSeconds     int  `json:"keep_alive_seconds"`
	RemoveOnLastObserver bool `json:"remove_on_last_observer"`
	StreamBuffer         int  `json:"stream_buffer"`
}

// KeepAlive 返回心跳间隔。
func (s ServerConfig) KeepAlive() time.Duration {
	return time.Duration(s.KeepAliveSeconds) * time.Second
}

// Web3Config 包含访问区块链节点所需的信息。
type Web3Config struct {
	RPCURL         string `json:"rpc_url"`
	ChainID        uint64 `json:"chain_id"`
	ChainConfig    string `json:"chain_config"`
	DefaultChain   string `json:"default_chain"`
	PollIntervalMs int    `json:"poll_interval_ms"`
}

// PollInterval 返回回执轮询间隔。
func (w Web3Config) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalMs) * time.Millisecond
}

// QueueConfig 描述任务队列驱动。
type QueueConfig struct {
	Driver   string         `json:"driver"`
	Workers  int            `json:"workers"`
	Size     int            `json:"size"`
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RedisConfig 描述 Redis 队列连接。
type RedisConfig struct {
	Address          string `json:"address"`
	Password         string `json:"password"`
	DB               int    `json:"db"`
	Queue            string `json:"queue"`
	BlockWaitSeconds int    `json:"block_wait_seconds"`
}

// RabbitMQConfig 描述 RabbitMQ 队列连接。
type RabbitMQConfig struct {
	URL        string `json:"url"`
	Queue      string `json:"queue"`
	Prefetch   int    `json:"prefetch"`
	Durable    bool   `json:"durable"`
	AutoDelete bool   `json:"auto_delete"`
}

// FeeConfig 以 gwei 表示手续费参数。
type FeeConfig struct {
	GasLimit        uint64 `json:"gas_limit"`
	MaxFeeGwei      int64  `json:"max_fee_gwei"`
	PriorityFeeGwei int64  `json:"priority_fee_gwei"`
}

// ExecutorConfig 描述交易重试策略。
type ExecutorConfig struct {
	MaxAttempts           int       `json:"max_attempts"`
	ConfirmTimeoutSeconds int       `json:"confirm_timeout_seconds"`
	BackoffSeconds        int       `json:"backoff_seconds"`
	Fees                  FeeConfig `json:"fees"`
}

// ConfirmTimeout 返回确认超时。
func (e ExecutorConfig) ConfirmTimeout() time.Duration {
	return time.Duration(e.ConfirmTimeoutSeconds) * time.Second
}

// Backoff 返回重试间隔。
func (e ExecutorConfig) Backoff() time.Duration {
	return time.Duration(e.BackoffSeconds) * time.Second
}

// AutomationConfig 汇总自动化循环的默认参数。
type AutomationConfig struct {
	Executor   ExecutorConfig `json:"executor"`
	Approval   ExecutorConfig `json:"approval"`
	DelayMinMs int            `json:"delay_min_ms"`
	DelayMaxMs int            `json:"delay_max_ms"`
}

// MetricsConfig 控制 Prometheus 指标。
type MetricsConfig struct {
	Enabled   bool   `json:"enabled"`
	Path      string `json:"path"`
	Namespace string `json:"namespace"`
}

// RedisMirrorConfig 控制日志镜像到 Redis 发布订阅。
type RedisMirrorConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Prefix   string `json:"prefix"`
}

// AlertingConfig 控制运行失败时的告警渠道。
type AlertingConfig struct {
	// Log 为 true 时告警写入审计日志。
	Log      bool            `json:"log"`
	Webhooks []WebhookConfig `json:"webhooks"`
}

// WebhookConfig 描述一个机器人 webhook，channel 取值 slack 或 dingtalk。
type WebhookConfig struct {
	Channel string `json:"channel"`
	URL     string `json:"url"`
}

// AuthConfig 控制 API 的 bearer token 认证，mode 取值 disabled 或 token。
type AuthConfig struct {
	Mode   string        `json:"mode"`
	Tokens []TokenConfig `json:"tokens"`
}

// TokenConfig 描述一个静态令牌。Token 为空时从 TokenEnv 指定的环境变量读取。
type TokenConfig struct {
	Name        string   `json:"name"`
	Token       string   `json:"token"`
	TokenEnv    string   `json:"token_env"`
	Permissions []string `json:"permissions"`
	Disabled    bool     `json:"disabled"`
}

// Secret 返回令牌明文。
func (t TokenConfig) Secret() string {
	if t.Token != "" {
		return t.Token
	}
	if t.TokenEnv == "" {
		return ""
	}
	return strings.TrimSpace(os.Getenv(t.TokenEnv))
}

// PathFromEnv 返回环境变量指定的配置路径或默认路径。
func PathFromEnv() string {
	if path := strings.TrimSpace(os.Getenv(EnvPath)); path != "" {
		return path
	}
	return DefaultPath
}

// Load 负责解析指定路径的 JSON 配置文件。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("打开配置文件失败: %w", err)
	}
	defer file.Close()

	content, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default 返回全部使用默认值的配置，配置文件缺失时使用。
func Default() *Config {
	var cfg Config
	cfg.applyDefaults(".")
	return &cfg
}

// Validate 检查相互矛盾的配置。
func (c *Config) Validate() error {
	if c.Automation.DelayMinMs < 0 || c.Automation.DelayMaxMs < c.Automation.DelayMinMs {
		return fmt.Errorf("延迟范围无效: [%d, %d]", c.Automation.DelayMinMs, c.Automation.DelayMaxMs)
	}
	switch c.Queue.Driver {
	case "memory", "redis", "rabbitmq":
	default:
		return fmt.Errorf("未知的队列驱动: %s", c.Queue.Driver)
	}
	if c.RedisMirror.Enabled && c.RedisMirror.Address == "" {
		return errors.New("redis_mirror 启用时必须配置 address")
	}
	for _, hook := range c.Alerting.Webhooks {
		switch hook.Channel {
		case "slack", "dingtalk":
		default:
			return fmt.Errorf("未知的告警渠道: %s", hook.Channel)
		}
		if hook.URL == "" {
			return fmt.Errorf("告警渠道 %s 缺少 url", hook.Channel)
		}
	}
	switch c.Auth.Mode {
	case "disabled":
	case "token":
		if len(c.Auth.Tokens) == 0 {
			return errors.New("auth.mode 为 token 时必须配置 tokens")
		}
		for _, token := range c.Auth.Tokens {
			if token.Token == "" && token.TokenEnv == "" {
				return fmt.Errorf("令牌 %s 缺少 token 或 token_env", token.Name)
			}
		}
	default:
		return fmt.Errorf("未知的认证模式: %s", c.Auth.Mode)
	}
	return nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.KeepAliveSeconds == 0 {
		c.Server.KeepAliveSeconds = 15
	}

	if c.Web3.ChainConfig != "" && !filepath.IsAbs(c.Web3.ChainConfig) {
		c.Web3.ChainConfig = filepath.Join(baseDir, c.Web3.ChainConfig)
	}
	if c.Web3.PollIntervalMs <= 0 {
		c.Web3.PollIntervalMs = 1000
	}

	c.Queue.Driver = strings.ToLower(strings.TrimSpace(c.Queue.Driver))
	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.Size <= 0 {
		c.Queue.Size = 1024
	}

	// 默认值与链上脚本保持一致：3 次尝试、2 分钟确认、10 秒退避。
	exec := &c.Automation.Executor
	if exec.MaxAttempts <= 0 {
		exec.MaxAttempts = 3
	}
	if exec.ConfirmTimeoutSeconds <= 0 {
		exec.ConfirmTimeoutSeconds = 120
	}
	if exec.BackoffSeconds <= 0 {
		exec.BackoffSeconds = 10
	}
	applyFeeDefaults(&exec.Fees, 500000)

	// 授权交易只尝试一次，确认超时 60 秒。
	approval := &c.Automation.Approval
	if approval.MaxAttempts <= 0 {
		approval.MaxAttempts = 1
	}
	if approval.ConfirmTimeoutSeconds <= 0 {
		approval.ConfirmTimeoutSeconds = 60
	}
	if approval.BackoffSeconds <= 0 {
		approval.BackoffSeconds = exec.BackoffSeconds
	}
	applyFeeDefaults(&approval.Fees, 100000)

	if c.Automation.DelayMinMs == 0 && c.Automation.DelayMaxMs == 0 {
		c.Automation.DelayMinMs = 1000
		c.Automation.DelayMaxMs = 3000
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "pharos"
	}

	if c.RedisMirror.Prefix == "" {
		c.RedisMirror.Prefix = "pharos:logs"
	}

	c.Auth.Mode = strings.ToLower(strings.TrimSpace(c.Auth.Mode))
	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
}

func applyFeeDefaults(fees *FeeConfig, gasLimit uint64) {
	if fees.GasLimit == 0 {
		fees.GasLimit = gasLimit
	}
	if fees.MaxFeeGwei <= 0 {
		fees.MaxFeeGwei = 20
	}
	if fees.PriorityFeeGwei <= 0 {
		fees.PriorityFeeGwei = 2
	}
}
