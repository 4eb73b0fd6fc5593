package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LogConfig 日志配置
type LogConfig struct {
	Level     string `mapstructure:"level" json:"level"`           // debug, info, warn, error
	Format    string `mapstructure:"format" json:"format"`         // json, text
	Output    string `mapstructure:"output" json:"output"`         // stdout, stderr 或文件路径
	AddSource bool   `mapstructure:"add_source" json:"add_source"` // 结构化日志附带源码位置
}

// DefaultLogConfig 默认日志配置
func DefaultLogConfig() *LogConfig {
	return &LogConfig{
		Level:  "info",
		Format: "text",
		Output: "stderr",
	}
}

// NewLogger 按配置创建 logrus 日志器，各组件共用
func NewLogger(config *LogConfig) (*logrus.Logger, error) {
	if config == nil {
		config = DefaultLogConfig()
	}

	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("无效的日志级别 '%s': %w", config.Level, err)
	}

	writer, err := openWriter(config.Output)
	if err != nil {
		return nil, fmt.Errorf("创建日志输出失败: %w", err)
	}

	logger := logrus.New()
	logger.SetLevel(level)
	logger.SetOutput(writer)

	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05"})
	default:
		return nil, fmt.Errorf("不支持的日志格式: %s", config.Format)
	}

	return logger, nil
}

// StructuredLogger slog 结构化日志器，用于 API 访问日志
type StructuredLogger struct {
	slogger *slog.Logger
	writer  io.Writer
}

// NewStructuredLogger 创建结构化日志器
func NewStructuredLogger(config *LogConfig) (*StructuredLogger, error) {
	if config == nil {
		config = DefaultLogConfig()
	}

	level, err := parseLogLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("无效的日志级别 '%s': %w", config.Level, err)
	}

	writer, err := openWriter(config.Output)
	if err != nil {
		return nil, fmt.Errorf("创建日志输出失败: %w", err)
	}

	return newStructuredLogger(writer, level, config.Format, config.AddSource)
}

func newStructuredLogger(writer io.Writer, level slog.Level, format string, addSource bool) (*StructuredLogger, error) {
	opts := &slog.HandlerOptions{
		Level:       level,
		AddSource:   addSource,
		ReplaceAttr: replaceAttr,
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(writer, opts)
	case "text", "":
		handler = slog.NewTextHandler(writer, opts)
	default:
		return nil, fmt.Errorf("不支持的日志格式: %s", format)
	}

	return &StructuredLogger{slogger: slog.New(handler), writer: writer}, nil
}

// parseLogLevel 解析日志级别
func parseLogLevel(levelStr string) (slog.Level, error) {
	switch strings.ToLower(levelStr) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("未知的日志级别: %s", levelStr)
	}
}

// openWriter 获取日志输出
func openWriter(output string) (io.Writer, error) {
	switch output {
	case "stdout":
		return os.Stdout, nil
	case "stderr", "":
		return os.Stderr, nil
	default:
		if err := os.MkdirAll(filepath.Dir(output), 0755); err != nil {
			return nil, fmt.Errorf("创建日志目录失败: %w", err)
		}
		file, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("打开日志文件失败: %w", err)
		}
		return file, nil
	}
}

func replaceAttr(groups []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		return slog.String(a.Key, a.Value.Time().Format(time.RFC3339))
	}
	if a.Key == slog.SourceKey {
		if source, ok := a.Value.Any().(*slog.Source); ok {
			source.File = filepath.Base(source.File)
		}
	}
	return a
}

// WithFields 带字段的日志器
func (sl *StructuredLogger) WithFields(fields map[string]any) *FieldLogger {
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	return &FieldLogger{logger: sl.slogger.With(args...)}
}

// FieldLogger 带字段的日志器
type FieldLogger struct {
	logger *slog.Logger
}

func (fl *FieldLogger) Info(msg string, args ...any)  { fl.logger.Info(msg, args...) }
func (fl *FieldLogger) Warn(msg string, args ...any)  { fl.logger.Warn(msg, args...) }
func (fl *FieldLogger) Error(msg string, args ...any) { fl.logger.Error(msg, args...) }

// NewDeviceLogger 设备相关日志字段
func NewDeviceLogger(base *logrus.Logger, deviceID uint64) *logrus.Entry {
	return base.WithFields(logrus.Fields{
		"component": "cache",
		"device_id": deviceID,
	})
}

// NewTxLogger 交易生命周期日志字段
func NewTxLogger(base *logrus.Logger, txID, kind string) *logrus.Entry {
	return base.WithFields(logrus.Fields{
		"component": "txn",
		"tx_id":     txID,
		"tx_kind":   kind,
	})
}

// NewRPCLogger RPC调用专用日志字段
func NewRPCLogger(base *logrus.Logger, method, nodeURL string) *logrus.Entry {
	return base.WithFields(logrus.Fields{
		"component": "chain",
		"method":    method,
		"node_url":  nodeURL,
	})
}
