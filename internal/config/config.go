package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"phonemarket/internal/errors"
	"phonemarket/internal/logging"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

// 环境变量
const (
	EnvChainID         = "MARKET_CHAIN_ID"
	EnvRPCURL          = "MARKET_RPC_URL"
	EnvExplorerURL     = "MARKET_EXPLORER_URL"
	EnvCurrencySymbol  = "MARKET_CURRENCY_SYMBOL"
	EnvContractAddress = "MARKET_CONTRACT_ADDRESS"
	EnvDatabaseDSN     = "MARKET_DB_DSN"
	EnvPassphrase      = "MARKET_WALLET_PASSPHRASE"
)

// Config 主配置，进程启动时读取一次
type Config struct {
	Chain   *ChainConfig       `mapstructure:"chain"`
	Wallet  *WalletConfig      `mapstructure:"wallet"`
	Cache   *CacheConfig       `mapstructure:"cache"`
	Journal *JournalConfig     `mapstructure:"journal"`
	Notify  *NotifyConfig      `mapstructure:"notify"`
	API     *APIConfig         `mapstructure:"api"`
	Logging *logging.LogConfig `mapstructure:"logging"`
}

// ChainConfig 目标网络与合约
type ChainConfig struct {
	NetworkID       uint64 `mapstructure:"network_id"`
	NetworkName     string `mapstructure:"network_name"`
	RPCURL          string `mapstructure:"rpc_url"`
	ExplorerURL     string `mapstructure:"explorer_url"`
	CurrencyName    string `mapstructure:"currency_name"`
	CurrencySymbol  string `mapstructure:"currency_symbol"`
	ContractAddress string `mapstructure:"contract_address"`

	RateLimit          float64       `mapstructure:"rate_limit"` // 每秒读请求数，0 表示不限
	RateBurst          int           `mapstructure:"rate_burst"`
	DialTimeout        time.Duration `mapstructure:"dial_timeout"`
	ReceiptPoll        time.Duration `mapstructure:"receipt_poll_interval"`
	EventPoll          time.Duration `mapstructure:"event_poll_interval"`
	ResubscribeBackoff time.Duration `mapstructure:"resubscribe_backoff"`
}

// WalletConfig keystore 钱包配置
type WalletConfig struct {
	KeystoreDir   string        `mapstructure:"keystore_dir"`
	Account       string        `mapstructure:"account"` // 为空时使用第一个账户
	PassphraseEnv string        `mapstructure:"passphrase_env"`
	Interactive   bool          `mapstructure:"interactive"` // 允许终端输入口令
	NetworkPoll   time.Duration `mapstructure:"network_poll_interval"`
}

// CacheConfig 实体缓存配置
type CacheConfig struct {
	ReadConcurrency int `mapstructure:"read_concurrency"`
}

// JournalConfig 本地日志库配置
type JournalConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// KafkaConfig Kafka配置
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
}

// NotifyConfig 通知配置
type NotifyConfig struct {
	RingSize int          `mapstructure:"ring_size"`
	Kafka    *KafkaConfig `mapstructure:"kafka"`
}

// APIConfig HTTP 观察接口配置
type APIConfig struct {
	Listen  string `mapstructure:"listen"`
	GinMode string `mapstructure:"gin_mode"`
}

// GetDefaultConfig 获取默认配置
func GetDefaultConfig() *Config {
	return &Config{
		Chain: &ChainConfig{
			NetworkID:          420420421,
			NetworkName:        "Westend Asset Hub",
			RPCURL:             "https://westend-asset-hub-eth-rpc.polkadot.io",
			ExplorerURL:        "https://assethub-westend.subscan.io",
			CurrencyName:       "Westend",
			CurrencySymbol:     "WND",
			ContractAddress:    "0x04099c92D8AeccE0094F66836Fcb144De0e139Ec",
			RateLimit:          20,
			RateBurst:          10,
			DialTimeout:        15 * time.Second,
			ReceiptPoll:        2 * time.Second,
			EventPoll:          6 * time.Second,
			ResubscribeBackoff: 5 * time.Second,
		},
		Wallet: &WalletConfig{
			KeystoreDir:   "./keystore",
			PassphraseEnv: EnvPassphrase,
			Interactive:   true,
			NetworkPoll:   10 * time.Second,
		},
		Cache: &CacheConfig{
			ReadConcurrency: 8,
		},
		Journal: &JournalConfig{
			Enabled: true,
			Path:    "./data/market.db",
		},
		Notify: &NotifyConfig{
			RingSize: 500,
			Kafka: &KafkaConfig{
				Enabled: false,
				Brokers: []string{"localhost:9092"},
				Topic:   "phonemarket_notifications",
			},
		},
		API: &APIConfig{
			Listen:  ":8080",
			GinMode: "release",
		},
		Logging: logging.DefaultLogConfig(),
	}
}

// setDefaults 将默认配置注册到 viper，使环境变量与部分 YAML 能够覆盖
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("chain.network_id", d.Chain.NetworkID)
	v.SetDefault("chain.network_name", d.Chain.NetworkName)
	v.SetDefault("chain.rpc_url", d.Chain.RPCURL)
	v.SetDefault("chain.explorer_url", d.Chain.ExplorerURL)
	v.SetDefault("chain.currency_name", d.Chain.CurrencyName)
	v.SetDefault("chain.currency_symbol", d.Chain.CurrencySymbol)
	v.SetDefault("chain.contract_address", d.Chain.ContractAddress)
	v.SetDefault("chain.rate_limit", d.Chain.RateLimit)
	v.SetDefault("chain.rate_burst", d.Chain.RateBurst)
	v.SetDefault("chain.dial_timeout", d.Chain.DialTimeout)
	v.SetDefault("chain.receipt_poll_interval", d.Chain.ReceiptPoll)
	v.SetDefault("chain.event_poll_interval", d.Chain.EventPoll)
	v.SetDefault("chain.resubscribe_backoff", d.Chain.ResubscribeBackoff)

	v.SetDefault("wallet.keystore_dir", d.Wallet.KeystoreDir)
	v.SetDefault("wallet.account", d.Wallet.Account)
	v.SetDefault("wallet.passphrase_env", d.Wallet.PassphraseEnv)
	v.SetDefault("wallet.interactive", d.Wallet.Interactive)
	v.SetDefault("wallet.network_poll_interval", d.Wallet.NetworkPoll)

	v.SetDefault("cache.read_concurrency", d.Cache.ReadConcurrency)

	v.SetDefault("journal.enabled", d.Journal.Enabled)
	v.SetDefault("journal.path", d.Journal.Path)

	v.SetDefault("notify.ring_size", d.Notify.RingSize)
	v.SetDefault("notify.kafka.enabled", d.Notify.Kafka.Enabled)
	v.SetDefault("notify.kafka.brokers", d.Notify.Kafka.Brokers)
	v.SetDefault("notify.kafka.topic", d.Notify.Kafka.Topic)

	v.SetDefault("api.listen", d.API.Listen)
	v.SetDefault("api.gin_mode", d.API.GinMode)

	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
	v.SetDefault("logging.output", d.Logging.Output)
	v.SetDefault("logging.add_source", d.Logging.AddSource)
}

// LoadConfig 加载配置：默认值 < YAML 文件 < 环境变量 < 数据库设置表
func LoadConfig(configPath string, logger *logrus.Logger) (*Config, error) {
	config, err := LoadConfigFromFile(configPath)
	if err != nil {
		return nil, err
	}

	if dsn := os.Getenv(EnvDatabaseDSN); dsn != "" {
		dbConfig, err := NewDatabaseConfig(dsn, logger)
		if err != nil {
			return nil, fmt.Errorf("连接数据库失败: %w", err)
		}
		defer dbConfig.Close()

		applied, err := dbConfig.ApplyOverrides(config)
		if err != nil {
			return nil, fmt.Errorf("从数据库加载配置失败: %w", err)
		}
		logger.Infof("已从数据库加载 %d 项配置", applied)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// LoadConfigFromFile 从文件加载配置，文件不存在时使用默认值
func LoadConfigFromFile(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v, GetDefaultConfig())

	bindings := map[string]string{
		"chain.network_id":       EnvChainID,
		"chain.rpc_url":          EnvRPCURL,
		"chain.explorer_url":     EnvExplorerURL,
		"chain.currency_symbol":  EnvCurrencySymbol,
		"chain.contract_address": EnvContractAddress,
	}
	for key, env := range bindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("绑定环境变量 %s 失败: %w", env, err)
		}
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("读取配置文件失败: %w", err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("解析配置文件失败: %w", err)
	}

	return &config, nil
}

// Validate 校验配置
func (c *Config) Validate() error {
	var problems []string

	if c.Chain == nil {
		problems = append(problems, "缺少 chain 配置")
	} else {
		if c.Chain.NetworkID == 0 {
			problems = append(problems, "chain.network_id 不能为 0")
		}
		if c.Chain.RPCURL == "" {
			problems = append(problems, "chain.rpc_url 不能为空")
		}
		if !common.IsHexAddress(c.Chain.ContractAddress) {
			problems = append(problems, fmt.Sprintf("chain.contract_address 无效: %q", c.Chain.ContractAddress))
		}
		if c.Chain.RateLimit < 0 {
			problems = append(problems, "chain.rate_limit 不能为负数")
		}
		if c.Chain.ReceiptPoll <= 0 || c.Chain.EventPoll <= 0 {
			problems = append(problems, "轮询间隔必须大于 0")
		}
	}
	if c.Cache == nil || c.Cache.ReadConcurrency <= 0 {
		problems = append(problems, "cache.read_concurrency 必须大于 0")
	}
	if c.Journal != nil && c.Journal.Enabled && c.Journal.Path == "" {
		problems = append(problems, "journal.path 不能为空")
	}
	if c.Notify != nil && c.Notify.Kafka != nil && c.Notify.Kafka.Enabled && len(c.Notify.Kafka.Brokers) == 0 {
		problems = append(problems, "启用 Kafka 时必须配置 brokers")
	}

	if len(problems) > 0 {
		return errors.New(errors.KindConfig, "INVALID_CONFIG", "配置无效").
			WithReason(strings.Join(problems, "; "))
	}
	return nil
}
