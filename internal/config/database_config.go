package config

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// DatabaseConfig 数据库配置管理器，读取 market_settings 表覆盖链配置
type DatabaseConfig struct {
	DB     *sql.DB
	logger *logrus.Logger
}

// NewDatabaseConfig 创建数据库配置管理器
func NewDatabaseConfig(dsn string, logger *logrus.Logger) (*DatabaseConfig, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("连接数据库失败: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("数据库连接测试失败: %w", err)
	}

	return &DatabaseConfig{
		DB:     db,
		logger: logger,
	}, nil
}

// ApplyOverrides 将设置表中的值写入配置，返回生效的条目数
func (dc *DatabaseConfig) ApplyOverrides(config *Config) (int, error) {
	settings, err := dc.ListSettings()
	if err != nil {
		return 0, err
	}

	applied := 0
	for key, value := range settings {
		ok, err := applySetting(config, key, value)
		if err != nil {
			return applied, fmt.Errorf("设置 %s 无效: %w", key, err)
		}
		if !ok {
			dc.logger.Warnf("忽略未知的设置项: %s", key)
			continue
		}
		applied++
	}
	return applied, nil
}

// applySetting 应用单个设置项
func applySetting(config *Config, key, value string) (bool, error) {
	chain := config.Chain
	switch key {
	case "chain.network_id":
		v, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return false, err
		}
		chain.NetworkID = v
	case "chain.rpc_url":
		chain.RPCURL = value
	case "chain.explorer_url":
		chain.ExplorerURL = value
	case "chain.currency_symbol":
		chain.CurrencySymbol = value
	case "chain.contract_address":
		chain.ContractAddress = value
	case "chain.rate_limit":
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return false, err
		}
		chain.RateLimit = v
	case "chain.receipt_poll_interval":
		d, err := time.ParseDuration(value)
		if err != nil {
			return false, err
		}
		chain.ReceiptPoll = d
	case "cache.read_concurrency":
		v, err := strconv.Atoi(value)
		if err != nil {
			return false, err
		}
		config.Cache.ReadConcurrency = v
	case "notify.kafka.enabled":
		config.Notify.Kafka.Enabled = strings.ToLower(value) == "true"
	case "notify.kafka.brokers":
		config.Notify.Kafka.Brokers = strings.Split(value, ",")
	default:
		return false, nil
	}
	return true, nil
}

// UpdateSetting 更新设置
func (dc *DatabaseConfig) UpdateSetting(key, value string) error {
	if _, err := applySetting(GetDefaultConfig(), key, value); err != nil {
		return fmt.Errorf("设置 %s 无效: %w", key, err)
	}

	query := `
		INSERT INTO market_settings (setting_key, setting_value, is_active, updated_at)
		VALUES ($1, $2, true, CURRENT_TIMESTAMP)
		ON CONFLICT (setting_key)
		DO UPDATE SET setting_value = $2, is_active = true, updated_at = CURRENT_TIMESTAMP
	`
	_, err := dc.DB.Exec(query, key, value)
	return err
}

// ListSettings 列出所有生效的设置
func (dc *DatabaseConfig) ListSettings() (map[string]string, error) {
	rows, err := dc.DB.Query(`SELECT setting_key, setting_value FROM market_settings WHERE is_active = true`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, err
		}
		settings[key] = value
	}
	return settings, rows.Err()
}

// Close 关闭数据库连接
func (dc *DatabaseConfig) Close() error {
	if dc.DB != nil {
		return dc.DB.Close()
	}
	return nil
}
