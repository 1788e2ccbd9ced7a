package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"AgentEscrow/internal/dispute"
	"AgentEscrow/internal/storage/mysql"
	redislock "AgentEscrow/internal/storage/redis"
	"AgentEscrow/internal/web3"
	"AgentEscrow/pkg/logger"
)

// EnvPrefix 是环境变量覆盖的前缀，例如 ESCROW_SERVER_ADDRESS。
const EnvPrefix = "escrow"

// Config 描述了 escrowd 在启动阶段需要加载的全部配置。
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Notify   NotifyConfig   `yaml:"notify"`
	Lock     LockConfig     `yaml:"lock"`
	Identity IdentityConfig `yaml:"identity"`
	Beacon   BeaconConfig   `yaml:"beacon"`
	Policy   PolicyConfig   `yaml:"policy"`
	Logging  logger.Config  `yaml:"logging"`
	Alerting AlertingConfig `yaml:"alerting"`
}

// ServerConfig 控制 API 与指标服务的监听地址。
type ServerConfig struct {
	Address string `yaml:"address"`
	// MetricsAddress 非空时在独立端口暴露 /metrics，否则挂在 API 端口上。
	MetricsAddress  string        `yaml:"metrics_address" split_words:"true"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" split_words:"true"`
}

// StorageConfig 选择托管与争议的持久化后端。
type StorageConfig struct {
	Driver string       `yaml:"driver"`
	MySQL  mysql.Config `yaml:"mysql" envconfig:"mysql"`
}

// LedgerConfig 控制账本调用内的快速重试。
type LedgerConfig struct {
	Retry RetryConfig `yaml:"retry"`
}

// NotifyConfig 选择通知总线的发布器。PollInterval 是扫描待投递事件的周期。
type NotifyConfig struct {
	Driver       string         `yaml:"driver"`
	Encoding     string         `yaml:"encoding"`
	PollInterval time.Duration  `yaml:"poll_interval" split_words:"true"`
	Redis        RedisConfig    `yaml:"redis"`
	RabbitMQ     RabbitMQConfig `yaml:"rabbitmq" envconfig:"rabbitmq"`
	Retry        RetryConfig    `yaml:"retry"`
}

// RedisConfig 是 Redis 发布器的连接参数。
type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	List     string `yaml:"list"`
	Channel  string `yaml:"channel"`
}

// RabbitMQConfig 是 RabbitMQ 发布器的连接参数。
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
	Queue    string `yaml:"queue"`
	Durable  bool   `yaml:"durable"`
}

// LockConfig 选择按托管互斥的实现。多实例部署必须使用 redis。
type LockConfig struct {
	Driver string           `yaml:"driver"`
	Redis  redislock.Config `yaml:"redis"`
}

// IdentityConfig 描述身份目录与等级缓存。
type IdentityConfig struct {
	DirectoryFile string        `yaml:"directory_file" split_words:"true"`
	CacheBytes    int           `yaml:"cache_bytes" split_words:"true"`
	CacheTTL      time.Duration `yaml:"cache_ttl" envconfig:"cache_ttl"`
}

// BeaconConfig 选择遴选种子的熵来源。
type BeaconConfig struct {
	Driver   string      `yaml:"driver"`
	Ethereum web3.Config `yaml:"ethereum"`
}

// RetryConfig 描述一组退避参数。
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts" split_words:"true"`
	Initial     time.Duration `yaml:"initial"`
	Max         time.Duration `yaml:"max"`
}

// PolicyConfig 汇总业务策略开关。
type PolicyConfig struct {
	AppealWindow               time.Duration        `yaml:"appeal_window" split_words:"true"`
	ResolutionWindow           time.Duration        `yaml:"resolution_window" split_words:"true"`
	FeeBounds                  dispute.FeeBounds    `yaml:"fee_bounds" split_words:"true"`
	PlatformFeeBps             int                  `yaml:"platform_fee_bps" envconfig:"platform_fee_bps"`
	PlatformAccount            string               `yaml:"platform_account" split_words:"true"`
	AllowRequesterDisputes     bool                 `yaml:"allow_requester_disputes" split_words:"true"`
	DefaultDecision            dispute.Decision     `yaml:"default_decision" split_words:"true"`
	EarlyTermination           *bool                `yaml:"early_termination" split_words:"true"`
	MaxConcurrentVerifications int                  `yaml:"max_concurrent_verifications" split_words:"true"`
	SelectionRetry             RetryConfig          `yaml:"selection_retry" split_words:"true"`
	SettlementRetry            RetryConfig          `yaml:"settlement_retry" split_words:"true"`
	Tiers                      []dispute.TierPolicy `yaml:"tiers" ignored:"true"`
}

// AlertingConfig 选择运维告警渠道，可选 audit 与 bus。
type AlertingConfig struct {
	Channels []string `yaml:"channels"`
}

// EarlyTerminationEnabled 返回提前终止开关，未配置时默认开启。
func (p PolicyConfig) EarlyTerminationEnabled() bool {
	return p.EarlyTermination == nil || *p.EarlyTermination
}

// Load 解析指定路径的 YAML 配置文件，再用 ESCROW_* 环境变量覆盖。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("解析环境变量失败: %w", err)
	}

	cfg.applyDefaults(filepath.Dir(path))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 5 * time.Second
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}

	if c.Notify.Driver == "" {
		c.Notify.Driver = "memory"
	}
	if c.Notify.Encoding == "" {
		c.Notify.Encoding = "json"
	}
	if c.Notify.PollInterval <= 0 {
		c.Notify.PollInterval = time.Second
	}

	if c.Lock.Driver == "" {
		c.Lock.Driver = "memory"
	}

	if c.Identity.DirectoryFile != "" && !filepath.IsAbs(c.Identity.DirectoryFile) {
		c.Identity.DirectoryFile = filepath.Join(baseDir, c.Identity.DirectoryFile)
	}
	if c.Identity.CacheBytes <= 0 {
		c.Identity.CacheBytes = 4 << 20
	}
	if c.Identity.CacheTTL <= 0 {
		c.Identity.CacheTTL = 30 * time.Second
	}

	if c.Beacon.Driver == "" {
		c.Beacon.Driver = "random"
	}

	p := &c.Policy
	if p.AppealWindow <= 0 {
		p.AppealWindow = 72 * time.Hour
	}
	if p.ResolutionWindow <= 0 {
		p.ResolutionWindow = 48 * time.Hour
	}
	if p.FeeBounds == (dispute.FeeBounds{}) {
		p.FeeBounds = dispute.DefaultFeeBounds()
	}
	if p.PlatformAccount == "" {
		p.PlatformAccount = "platform"
	}
	if p.DefaultDecision == "" {
		p.DefaultDecision = dispute.DecisionRefundRequester
	}
	if len(p.Tiers) == 0 {
		p.Tiers = dispute.DefaultTierPolicies()
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Audit.Enabled && c.Logging.Audit.Path != "" && !filepath.IsAbs(c.Logging.Audit.Path) {
		c.Logging.Audit.Path = filepath.Join(baseDir, c.Logging.Audit.Path)
	}

	if len(c.Alerting.Channels) == 0 {
		c.Alerting.Channels = []string{"audit", "bus"}
	}
}

// Validate 检查取值组合是否可用。
func (c *Config) Validate() error {
	var errs []error
	check := func(field, value string, allowed ...string) {
		for _, a := range allowed {
			if value == a {
				return
			}
		}
		errs = append(errs, fmt.Errorf("%s 取值 %q 不受支持，可选 %s", field, value, strings.Join(allowed, "|")))
	}

	check("storage.driver", c.Storage.Driver, "memory", "mysql")
	check("notify.driver", c.Notify.Driver, "memory", "redis", "rabbitmq", "none")
	check("notify.encoding", c.Notify.Encoding, "json", "msgpack")
	check("lock.driver", c.Lock.Driver, "memory", "redis")
	check("beacon.driver", c.Beacon.Driver, "random", "ethereum")
	for _, ch := range c.Alerting.Channels {
		check("alerting.channels", ch, "audit", "bus")
	}

	if c.Storage.Driver == "mysql" && c.Storage.MySQL.DSN == "" {
		errs = append(errs, errors.New("storage.mysql.dsn 不能为空"))
	}
	if c.Notify.Driver == "redis" && c.Notify.Redis.Address == "" {
		errs = append(errs, errors.New("notify.redis.address 不能为空"))
	}
	if c.Notify.Driver == "rabbitmq" && c.Notify.RabbitMQ.URL == "" {
		errs = append(errs, errors.New("notify.rabbitmq.url 不能为空"))
	}
	if c.Lock.Driver == "redis" && c.Lock.Redis.Address == "" {
		errs = append(errs, errors.New("lock.redis.address 不能为空"))
	}
	if c.Beacon.Driver == "ethereum" && c.Beacon.Ethereum.RPCURL == "" {
		errs = append(errs, errors.New("beacon.ethereum.rpc_url 不能为空"))
	}

	p := c.Policy
	if !p.DefaultDecision.Valid() {
		errs = append(errs, fmt.Errorf("policy.default_decision 取值 %q 不受支持", p.DefaultDecision))
	}
	if p.FeeBounds.Min < 0 || p.FeeBounds.Max > 100 || p.FeeBounds.Min > p.FeeBounds.Max {
		errs = append(errs, fmt.Errorf("policy.fee_bounds [%d,%d] 不合法", p.FeeBounds.Min, p.FeeBounds.Max))
	}
	if p.PlatformFeeBps < 0 || p.PlatformFeeBps >= 10000 {
		errs = append(errs, fmt.Errorf("policy.platform_fee_bps %d 不合法", p.PlatformFeeBps))
	}
	if _, err := dispute.NewPolicyTable(p.Tiers); err != nil {
		errs = append(errs, fmt.Errorf("policy.tiers: %w", err))
	}
	return errors.Join(errs...)
}
