// Package config loads the indexer configuration from YAML and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/84hero/escrow-indexer/internal/api"
	"github.com/84hero/escrow-indexer/pkg/chain"
	"github.com/84hero/escrow-indexer/pkg/ledger"
	"github.com/84hero/escrow-indexer/pkg/lock"
	"github.com/84hero/escrow-indexer/pkg/notify"
	"github.com/84hero/escrow-indexer/pkg/rpc"
	"github.com/84hero/escrow-indexer/pkg/syncer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid config")

const EnvPrefix = "ESCROW"

type Config struct {
	Project string `mapstructure:"project"`
	// Fixtures serves built-in sample escrows instead of indexing a chain.
	Fixtures bool               `mapstructure:"fixtures"`
	Log      LogConfig          `mapstructure:"log"`
	Chain    ChainConfig        `mapstructure:"chain"`
	Sync     SyncConfig         `mapstructure:"sync"`
	Retry    syncer.RetryConfig `mapstructure:"retry"`
	Store    ledger.Config      `mapstructure:"store"`
	API      api.Config         `mapstructure:"api"`
	Lock     lock.Config        `mapstructure:"lock"`
	Outputs  OutputsConfig      `mapstructure:"outputs"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // text, json
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type ChainConfig struct {
	// Preset names a built-in chain whose values fill unset fields.
	Preset     string           `mapstructure:"preset"`
	Contract   string           `mapstructure:"contract"`
	StartBlock uint64           `mapstructure:"start_block"`
	RPC        []rpc.NodeConfig `mapstructure:"rpc_nodes"`

	CallTimeout time.Duration `mapstructure:"call_timeout"`
	// Per-node defaults for nodes that leave rate_limit / max_concurrent unset
	NodeQPS         float64 `mapstructure:"node_qps"`
	NodeConcurrency int     `mapstructure:"node_concurrency"`
	UseBloom        bool    `mapstructure:"use_bloom"`
}

type SyncConfig struct {
	BatchSize     uint64        `mapstructure:"batch_size"`
	Interval      time.Duration `mapstructure:"interval"`
	Confirmations uint64        `mapstructure:"confirmations"`
	Lag           uint64        `mapstructure:"lag"`
	// CheckpointDepth bounds the checkpoint walk during reorg recovery.
	CheckpointDepth int `mapstructure:"checkpoint_depth"`
}

type OutputsConfig struct {
	Console  ConsoleOutputConfig  `mapstructure:"console"`
	File     FileOutputConfig     `mapstructure:"file"`
	Webhook  WebhookOutputConfig  `mapstructure:"webhook"`
	Redis    RedisOutputConfig    `mapstructure:"redis"`
	Kafka    KafkaOutputConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQOutputConfig `mapstructure:"rabbitmq"`
}

type ConsoleOutputConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type FileOutputConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type WebhookOutputConfig struct {
	Enabled              bool `mapstructure:"enabled"`
	notify.WebhookConfig `mapstructure:",squash"`
}

type RedisOutputConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	notify.RedisConfig `mapstructure:",squash"`
}

type KafkaOutputConfig struct {
	Enabled            bool `mapstructure:"enabled"`
	notify.KafkaConfig `mapstructure:",squash"`
}

type RabbitMQOutputConfig struct {
	Enabled               bool `mapstructure:"enabled"`
	notify.RabbitMQConfig `mapstructure:",squash"`
}

// Keys that are commonly supplied only through the environment. Viper's
// AutomaticEnv only resolves keys it already knows about.
var envKeys = []string{
	"fixtures",
	"chain.preset",
	"chain.contract",
	"chain.start_block",
	"store.driver",
	"store.dsn",
	"api.listen",
	"lock.enabled",
	"lock.addr",
	"lock.password",
	"outputs.webhook.url",
	"outputs.webhook.secret",
	"outputs.redis.password",
	"outputs.kafka.password",
	"outputs.rabbitmq.url",
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if err := cfg.applyPreset(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// applyPreset fills unset chain and sync values from the named preset.
func (c *Config) applyPreset() error {
	if c.Chain.Preset == "" {
		return nil
	}
	p, ok := chain.Get(c.Chain.Preset)
	if !ok {
		return fmt.Errorf("%w: unknown chain preset %q (known: %s)", ErrInvalid, c.Chain.Preset, strings.Join(chain.Names(), ", "))
	}
	if c.Chain.Contract == "" {
		c.Chain.Contract = p.Contract
	}
	if c.Chain.StartBlock == 0 {
		c.Chain.StartBlock = p.StartBlock
	}
	if len(c.Chain.RPC) == 0 && p.Endpoint != "" {
		c.Chain.RPC = []rpc.NodeConfig{{URL: p.Endpoint, Priority: 1}}
	}
	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = p.BatchSize
	}
	if c.Sync.Confirmations == 0 {
		c.Sync.Confirmations = p.Confirmations
	}
	if c.Sync.Interval == 0 {
		c.Sync.Interval = p.BlockTime
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 100
	}

	if c.Chain.CallTimeout == 0 {
		c.Chain.CallTimeout = 10 * time.Second
	}
	for i := range c.Chain.RPC {
		n := &c.Chain.RPC[i]
		if n.RateLimit == 0 {
			n.RateLimit = c.Chain.NodeQPS
		}
		if n.MaxConcurrent == 0 {
			n.MaxConcurrent = c.Chain.NodeConcurrency
		}
		if n.Priority == 0 {
			n.Priority = 1
		}
	}

	if c.Sync.BatchSize == 0 {
		c.Sync.BatchSize = 100
	}
	if c.Sync.Interval == 0 {
		c.Sync.Interval = 3 * time.Second
	}
	if c.Sync.Confirmations == 0 {
		c.Sync.Confirmations = 12
	}

	if c.Store.Driver == "" {
		c.Store.Driver = string(ledger.DialectSQLite)
	}
	if c.Store.Driver == string(ledger.DialectSQLite) && c.Store.DSN == "" {
		c.Store.DSN = "escrow.db"
	}
	if c.API.Listen == "" {
		c.API.Listen = ":8080"
	}
	if c.Lock.Key == "" {
		c.Lock.Key = lock.DefaultKey
	}
	if c.Lock.TTL == 0 {
		c.Lock.TTL = lock.DefaultTTL
	}
	if c.Outputs.File.Enabled && c.Outputs.File.Path == "" {
		c.Outputs.File.Path = "changes.jsonl"
	}
}

// Validate reports configuration that would make startup fail.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	switch c.Log.Format {
	case "text", "json":
	default:
		add("log.format must be text or json, got %q", c.Log.Format)
	}

	switch c.Store.Driver {
	case "memory", string(ledger.DialectSQLite), string(ledger.DialectPostgres):
	default:
		add("store.driver must be memory, sqlite or postgres, got %q", c.Store.Driver)
	}
	if c.Store.Driver == string(ledger.DialectPostgres) && c.Store.DSN == "" {
		add("store.dsn is required for postgres")
	}

	if !c.Fixtures {
		if _, err := c.ContractAddress(); err != nil {
			errs = append(errs, err)
		}
		if len(c.Chain.RPC) == 0 {
			add("chain.rpc_nodes must list at least one node")
		}
		for i, n := range c.Chain.RPC {
			if strings.TrimSpace(n.URL) == "" {
				add("chain.rpc_nodes[%d].url is empty", i)
			}
		}
	}

	if c.Lock.Enabled && c.Lock.Addr == "" {
		add("lock.addr is required when the lock is enabled")
	}

	o := c.Outputs
	if o.Webhook.Enabled && o.Webhook.URL == "" {
		add("outputs.webhook.url is required")
	}
	if o.Redis.Enabled && o.Redis.Addr == "" {
		add("outputs.redis.addr is required")
	}
	if o.Kafka.Enabled && (len(o.Kafka.Brokers) == 0 || o.Kafka.Topic == "") {
		add("outputs.kafka needs brokers and a topic")
	}
	if o.RabbitMQ.Enabled && o.RabbitMQ.URL == "" {
		add("outputs.rabbitmq.url is required")
	}

	return errors.Join(errs...)
}

// ContractAddress parses the configured contract address.
func (c *Config) ContractAddress() (common.Address, error) {
	if !common.IsHexAddress(c.Chain.Contract) {
		return common.Address{}, fmt.Errorf("%w: chain.contract %q is not a hex address", ErrInvalid, c.Chain.Contract)
	}
	addr := common.HexToAddress(c.Chain.Contract)
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("%w: chain.contract is the zero address", ErrInvalid)
	}
	return addr, nil
}

// SyncerConfig maps the sync, retry and chain sections onto the engine's config.
func (c *Config) SyncerConfig() syncer.Config {
	return syncer.Config{
		StartBlock:      c.Chain.StartBlock,
		BatchSize:       c.Sync.BatchSize,
		Interval:        c.Sync.Interval,
		Confirmations:   c.Sync.Confirmations,
		Lag:             c.Sync.Lag,
		CheckpointDepth: c.Sync.CheckpointDepth,
		Retry:           c.Retry,
	}
}

// ChainClientConfig maps the chain section onto chain.Config.
func (c *Config) ChainClientConfig() chain.Config {
	return chain.Config{
		CallTimeout: c.Chain.CallTimeout,
		UseBloom:    c.Chain.UseBloom,
	}
}
