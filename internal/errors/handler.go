package errors

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrorHandler 错误处理器：统计、回调与按级别记录日志，不做自动重试
type ErrorHandler struct {
	logger *logrus.Logger
	stats  *ErrorStats
	mu     sync.RWMutex

	// 错误回调
	callbacks []ErrorCallback

	// 阈值设置
	thresholds map[ErrorSeverity]ThresholdConfig
}

// ErrorCallback 错误回调函数
type ErrorCallback func(err *MarketError)

// ThresholdConfig 阈值配置
type ThresholdConfig struct {
	MaxErrorsPerHour int `json:"max_errors_per_hour"`
}

// NewErrorHandler 创建错误处理器
func NewErrorHandler(logger *logrus.Logger) *ErrorHandler {
	eh := &ErrorHandler{
		logger:     logger,
		stats:      NewErrorStats(),
		callbacks:  make([]ErrorCallback, 0),
		thresholds: make(map[ErrorSeverity]ThresholdConfig),
	}

	eh.thresholds[SeverityLow] = ThresholdConfig{MaxErrorsPerHour: 200}
	eh.thresholds[SeverityMedium] = ThresholdConfig{MaxErrorsPerHour: 50}
	eh.thresholds[SeverityHigh] = ThresholdConfig{MaxErrorsPerHour: 20}
	eh.thresholds[SeverityCritical] = ThresholdConfig{MaxErrorsPerHour: 5}

	return eh
}

// HandleError 处理错误，返回规范化后的 MarketError
func (eh *ErrorHandler) HandleError(ctx context.Context, err error) *MarketError {
	if err == nil {
		return nil
	}

	var me *MarketError
	if !stderrors.As(err, &me) {
		me = Wrap(err, KindRPC, "UNKNOWN_ERROR", "未知错误")
	}

	eh.mu.Lock()
	eh.stats.RecordError(me)
	exceeded := eh.checkThresholdsLocked(me)
	callbacks := make([]ErrorCallback, len(eh.callbacks))
	copy(callbacks, eh.callbacks)
	eh.mu.Unlock()

	if exceeded {
		eh.logger.Warnf("错误达到阈值限制: %s", me.Error())
	}

	eh.log(me)

	for _, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					eh.logger.Errorf("错误回调执行时发生panic: %v", r)
				}
			}()
			cb(me)
		}()
	}

	return me
}

// checkThresholdsLocked 检查阈值，调用方持锁
func (eh *ErrorHandler) checkThresholdsLocked(err *MarketError) bool {
	threshold, exists := eh.thresholds[err.Severity]
	if !exists {
		return false
	}
	return eh.stats.GetErrorRate(time.Hour) > float64(threshold.MaxErrorsPerHour)
}

// log 根据严重级别选择日志级别
func (eh *ErrorHandler) log(err *MarketError) {
	entry := eh.logger.WithFields(logrus.Fields{
		"error_kind": err.Kind.String(),
		"error_code": err.Code,
		"component":  err.Component,
		"reason":     err.Reason,
		"device_id":  err.DeviceID,
		"tx_hash":    err.TxHash,
		"context":    err.Context,
	})

	switch err.Severity {
	case SeverityLow:
		entry.Debug(err.Error())
	case SeverityMedium:
		entry.Warn(err.Error())
	default:
		entry.Error(err.Error())
	}
}

// AddCallback 添加错误回调
func (eh *ErrorHandler) AddCallback(callback ErrorCallback) {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.callbacks = append(eh.callbacks, callback)
}

// GetStats 获取错误统计信息副本
func (eh *ErrorHandler) GetStats() ErrorStats {
	eh.mu.RLock()
	defer eh.mu.RUnlock()

	stats := *eh.stats
	stats.ErrorsByKind = copyMap(eh.stats.ErrorsByKind)
	stats.ErrorsBySeverity = copyMap(eh.stats.ErrorsBySeverity)
	stats.ErrorsByComponent = copyMap(eh.stats.ErrorsByComponent)
	stats.RecentErrors = append([]*MarketError(nil), eh.stats.RecentErrors...)
	return stats
}

// ClearStats 清除统计信息
func (eh *ErrorHandler) ClearStats() {
	eh.mu.Lock()
	defer eh.mu.Unlock()
	eh.stats = NewErrorStats()
}

func copyMap[K comparable](m map[K]int) map[K]int {
	out := make(map[K]int, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
