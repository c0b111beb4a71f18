package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"AgentEscrow-Chain/pkg/logger"
)

// 环境变量名称。
const (
	EnvConfigPath     = "ESCROW_CONFIG"
	EnvNetwork        = "ESCROW_NETWORK"
	EnvExecutionURL   = "ESCROW_EXECUTION_URL"
	EnvJournalDSN     = "ESCROW_JOURNAL_DSN"
	EnvSignerEndpoint = "ESCROW_SIGNER_ENDPOINT"
	EnvServerAddress  = "ESCROW_SERVER_ADDRESS"

	DefaultConfigPath = "configs/escrowd.json"
)

// 确认等待时长的上下限（秒）。
const (
	MinConfirmTimeoutSeconds = 30
	MaxConfirmTimeoutSeconds = 180
)

// Config 描述了 escrowd 在启动阶段需要加载的核心配置。
type Config struct {
	Server    ServerConfig    `json:"server"`
	Log       logger.Config   `json:"log"`
	Ledger    LedgerConfig    `json:"ledger"`
	Signer    SignerConfig    `json:"signer"`
	Execution ExecutionConfig `json:"execution"`
	Hire      HireConfig      `json:"hire"`
	Journal   JournalConfig   `json:"journal"`
	Progress  ProgressConfig  `json:"progress"`
	Alerting  AlertingConfig  `json:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address        string   `json:"address"`
	AllowedOrigins []string `json:"allowed_origins"`
	// MetricsAddress 非空时额外启动独立的 /metrics 监听。
	MetricsAddress string `json:"metrics_address"`
}

// LedgerConfig 选择网络并控制确认等待行为。网络名称由环境变量决定，而非运行时参数。
type LedgerConfig struct {
	Network               string       `json:"network"`
	NetworksFile          string       `json:"networks_file"`
	ConfirmTimeoutSeconds int          `json:"confirm_timeout_seconds"`
	PollIntervalMillis    int          `json:"poll_interval_millis"`
	Stream                StreamConfig `json:"stream"`
}

// StreamConfig 配置交易推送通道：none、head（websocket 新区块）或 redis（索引服务发布）。
type StreamConfig struct {
	Driver string      `json:"driver"`
	Redis  RedisConfig `json:"redis"`
}

// RedisConfig 为 Redis 连接参数。
type RedisConfig struct {
	Address       string `json:"address"`
	Password      string `json:"password"`
	DB            int    `json:"db"`
	ChannelPrefix string `json:"channel_prefix"`
}

// SignerConfig 描述外部签名器。external 使用 clef，keystore 仅用于开发网络。
type SignerConfig struct {
	Driver        string `json:"driver"`
	Endpoint      string `json:"endpoint"`
	KeystoreDir   string `json:"keystore_dir"`
	Account       string `json:"account"`
	PassphraseEnv string `json:"passphrase_env"`
}

// ExecutionConfig 指向远程代理执行服务。
type ExecutionConfig struct {
	BaseURL        string `json:"base_url"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// HireConfig 控制雇佣流程的费用与单位显示。
type HireConfig struct {
	FeeReserve string `json:"fee_reserve"`
	UnitSymbol string `json:"unit_symbol"`
}

// JournalConfig 选择流程结果的持久化方式。
type JournalConfig struct {
	Driver          string `json:"driver"`
	DSN             string `json:"dsn"`
	MaxOpenConns    int    `json:"max_open_conns"`
	MaxIdleConns    int    `json:"max_idle_conns"`
	ConnMaxLifetime int    `json:"conn_max_lifetime_seconds"`
}

// ProgressConfig 配置进度事件的投递目标，均为可选。
type ProgressConfig struct {
	Redis    RedisConfig    `json:"redis"`
	RabbitMQ RabbitMQConfig `json:"rabbitmq"`
}

// RabbitMQConfig 描述进度事件使用的交换机。
type RabbitMQConfig struct {
	URL      string `json:"url"`
	Exchange string `json:"exchange"`
}

// AlertingConfig 配置托管资金卡住时的通知方式。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url"`
}

// ConfirmTimeout 返回确认等待时长。
func (l LedgerConfig) ConfirmTimeout() time.Duration {
	return time.Duration(l.ConfirmTimeoutSeconds) * time.Second
}

// PollInterval 返回轮询间隔。
func (l LedgerConfig) PollInterval() time.Duration {
	return time.Duration(l.PollIntervalMillis) * time.Millisecond
}

// Timeout 返回执行服务的 HTTP 超时。
func (e ExecutionConfig) Timeout() time.Duration {
	return time.Duration(e.TimeoutSeconds) * time.Second
}

// LoadDotEnv 加载 .env 文件，文件不存在时仅记录日志。
func LoadDotEnv(paths ...string) {
	if err := godotenv.Load(paths...); err != nil {
		slog.Debug("未加载 .env 文件", slog.String("error", err.Error()))
	}
}

// PathFromEnv 返回配置文件路径。
func PathFromEnv() string {
	if p := strings.TrimSpace(os.Getenv(EnvConfigPath)); p != "" {
		return p
	}
	return DefaultConfigPath
}

// Load 负责解析指定路径的 JSON 配置文件，并叠加环境变量覆盖。
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

	cfg.applyEnv()
	cfg.applyDefaults(filepath.Dir(path))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	override(&c.Ledger.Network, EnvNetwork)
	override(&c.Execution.BaseURL, EnvExecutionURL)
	override(&c.Journal.DSN, EnvJournalDSN)
	override(&c.Signer.Endpoint, EnvSignerEndpoint)
	override(&c.Server.Address, EnvServerAddress)
	if c.Journal.DSN != "" && c.Journal.Driver == "" {
		c.Journal.Driver = "mysql"
	}
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}

	if c.Ledger.Network == "" {
		c.Ledger.Network = "testnet"
	}
	if c.Ledger.NetworksFile == "" {
		c.Ledger.NetworksFile = filepath.Join(baseDir, "networks.yaml")
	} else if !filepath.IsAbs(c.Ledger.NetworksFile) {
		c.Ledger.NetworksFile = filepath.Join(baseDir, c.Ledger.NetworksFile)
	}
	if c.Ledger.ConfirmTimeoutSeconds == 0 {
		c.Ledger.ConfirmTimeoutSeconds = 60
	}
	if c.Ledger.ConfirmTimeoutSeconds < MinConfirmTimeoutSeconds {
		c.Ledger.ConfirmTimeoutSeconds = MinConfirmTimeoutSeconds
	}
	if c.Ledger.ConfirmTimeoutSeconds > MaxConfirmTimeoutSeconds {
		c.Ledger.ConfirmTimeoutSeconds = MaxConfirmTimeoutSeconds
	}
	if c.Ledger.PollIntervalMillis <= 0 {
		c.Ledger.PollIntervalMillis = 2000
	}
	if c.Ledger.Stream.Driver == "" {
		c.Ledger.Stream.Driver = "none"
	}
	if c.Ledger.Stream.Redis.ChannelPrefix == "" {
		c.Ledger.Stream.Redis.ChannelPrefix = "escrow:tx"
	}

	if c.Signer.Driver == "" {
		c.Signer.Driver = "external"
	}
	if c.Signer.Endpoint == "" && c.Signer.Driver == "external" {
		c.Signer.Endpoint = "http://127.0.0.1:8550"
	}
	if c.Signer.KeystoreDir != "" && !filepath.IsAbs(c.Signer.KeystoreDir) {
		c.Signer.KeystoreDir = filepath.Join(baseDir, c.Signer.KeystoreDir)
	}
	if c.Signer.PassphraseEnv == "" {
		c.Signer.PassphraseEnv = "ESCROW_KEYSTORE_PASSPHRASE"
	}

	if c.Execution.TimeoutSeconds <= 0 {
		c.Execution.TimeoutSeconds = 120
	}

	if c.Hire.FeeReserve == "" {
		c.Hire.FeeReserve = "1"
	}
	if c.Hire.UnitSymbol == "" {
		c.Hire.UnitSymbol = "XLM"
	}

	if c.Journal.Driver == "" {
		c.Journal.Driver = "memory"
	}

	if c.Progress.Redis.ChannelPrefix == "" {
		c.Progress.Redis.ChannelPrefix = "escrow:hire"
	}
	if c.Progress.RabbitMQ.Exchange == "" {
		c.Progress.RabbitMQ.Exchange = "escrow.hire"
	}
}

// Validate 检查驱动取值与必填字段。
func (c *Config) Validate() error {
	switch c.Ledger.Stream.Driver {
	case "none", "head":
	case "redis":
		if c.Ledger.Stream.Redis.Address == "" {
			return errors.New("stream.driver=redis 需要配置 redis.address")
		}
	default:
		return fmt.Errorf("未知的 stream 驱动: %s", c.Ledger.Stream.Driver)
	}
	switch c.Signer.Driver {
	case "external":
	case "keystore":
		if c.Signer.KeystoreDir == "" || c.Signer.Account == "" {
			return errors.New("signer.driver=keystore 需要 keystore_dir 与 account")
		}
	default:
		return fmt.Errorf("未知的 signer 驱动: %s", c.Signer.Driver)
	}
	switch c.Journal.Driver {
	case "memory":
	case "mysql":
		if c.Journal.DSN == "" {
			return errors.New("journal.driver=mysql 需要配置 dsn")
		}
	default:
		return fmt.Errorf("未知的 journal 驱动: %s", c.Journal.Driver)
	}
	if strings.TrimSpace(c.Execution.BaseURL) == "" {
		return errors.New("execution.base_url 不能为空")
	}
	return nil
}
