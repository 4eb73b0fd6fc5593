package errors

import (
	stderrors "errors"
	"fmt"
	"time"
)

// ErrorKind 错误类型
type ErrorKind int

const (
	// 远端相关错误
	KindRPC ErrorKind = iota
	KindRemoteRevert
	KindNotFound
	KindInsufficientFunds
	KindVerificationMismatch

	// 会话与钱包错误
	KindNoSession
	KindWrongNetwork
	KindUserRejected
	KindWalletUnavailable

	// 本地错误
	KindValidation
	KindConfig
)

// ErrorSeverity 错误严重级别
type ErrorSeverity int

const (
	SeverityLow ErrorSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

// MarketError 自定义错误类型
type MarketError struct {
	Kind      ErrorKind              `json:"kind"`
	Severity  ErrorSeverity          `json:"severity"`
	Code      string                 `json:"code"`
	Message   string                 `json:"message"`
	Reason    string                 `json:"reason,omitempty"` // 远端给出的原因
	Timestamp time.Time              `json:"timestamp"`
	Context   map[string]interface{} `json:"context,omitempty"`
	Cause     error                  `json:"-"`
	Component string                 `json:"component,omitempty"`
	DeviceID  *uint64                `json:"device_id,omitempty"`
	TxHash    *string                `json:"tx_hash,omitempty"`
}

// Error 实现error接口
func (e *MarketError) Error() string {
	switch {
	case e.Reason != "":
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Reason)
	case e.Cause != nil:
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

// Unwrap 支持errors.Unwrap
func (e *MarketError) Unwrap() error {
	return e.Cause
}

// IsRetryable 判断是否可重试，仅用于后台订阅与拨号，用户写操作从不自动重试
func (e *MarketError) IsRetryable() bool {
	return e.Kind == KindRPC
}

// WithContext 添加上下文信息
func (e *MarketError) WithContext(key string, value interface{}) *MarketError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value
	return e
}

// WithReason 设置远端原因
func (e *MarketError) WithReason(reason string) *MarketError {
	e.Reason = reason
	return e
}

// WithComponent 设置组件名
func (e *MarketError) WithComponent(component string) *MarketError {
	e.Component = component
	return e
}

// WithDeviceID 添加设备ID
func (e *MarketError) WithDeviceID(id uint64) *MarketError {
	e.DeviceID = &id
	return e
}

// WithTxHash 添加交易哈希
func (e *MarketError) WithTxHash(txHash string) *MarketError {
	e.TxHash = &txHash
	return e
}

// New 创建新的错误
func New(kind ErrorKind, code, message string) *MarketError {
	return &MarketError{
		Kind:      kind,
		Severity:  defaultSeverity(kind),
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// Wrap 包装现有错误
func Wrap(err error, kind ErrorKind, code, message string) *MarketError {
	e := New(kind, code, message)
	e.Cause = err
	return e
}

// defaultSeverity 根据错误类型确定默认严重级别
func defaultSeverity(kind ErrorKind) ErrorSeverity {
	switch kind {
	case KindUserRejected, KindNoSession, KindValidation, KindNotFound, KindInsufficientFunds, KindVerificationMismatch:
		return SeverityLow
	case KindRPC, KindRemoteRevert, KindWrongNetwork:
		return SeverityMedium
	case KindWalletUnavailable:
		return SeverityHigh
	case KindConfig:
		return SeverityCritical
	default:
		return SeverityMedium
	}
}

// 常用错误构造
func NoSession() *MarketError {
	return New(KindNoSession, "NO_SESSION", "请先连接钱包")
}

func WrongNetwork(got, want uint64) *MarketError {
	return New(KindWrongNetwork, "WRONG_NETWORK", "钱包网络不匹配").
		WithReason(fmt.Sprintf("当前网络 %d，目标网络 %d", got, want))
}

// ReloadRequired 钱包切换过网络后会话不再可用，只能重启
func ReloadRequired() *MarketError {
	return New(KindWrongNetwork, "RELOAD_REQUIRED", "钱包网络已变化").
		WithReason("钱包切换过网络，需要重新启动后再连接")
}

func UserRejected(cause error) *MarketError {
	return Wrap(cause, KindUserRejected, "USER_REJECTED", "用户拒绝了钱包请求")
}

func WalletUnavailable(reason string) *MarketError {
	return New(KindWalletUnavailable, "WALLET_UNAVAILABLE", "未找到可用钱包").WithReason(reason)
}

func RPC(cause error, message string) *MarketError {
	return Wrap(cause, KindRPC, "RPC_ERROR", message)
}

func RemoteRevert(reason string) *MarketError {
	return New(KindRemoteRevert, "REMOTE_REVERT", "合约拒绝了操作").WithReason(reason)
}

func NotFound(id uint64) *MarketError {
	return New(KindNotFound, "NOT_FOUND", "设备不存在").WithDeviceID(id)
}

func Validation(message string) *MarketError {
	return New(KindValidation, "VALIDATION_FAILED", message)
}

// KindOf 取错误类型，非 MarketError 视为 RPC 错误
func KindOf(err error) ErrorKind {
	var me *MarketError
	if stderrors.As(err, &me) {
		return me.Kind
	}
	return KindRPC
}

// Is 判断错误是否为指定类型
func Is(err error, kind ErrorKind) bool {
	if err == nil {
		return false
	}
	return KindOf(err) == kind
}

// ReasonOf 提取可读原因
func ReasonOf(err error) string {
	if err == nil {
		return ""
	}
	var me *MarketError
	if stderrors.As(err, &me) {
		if me.Reason != "" {
			return me.Reason
		}
		if me.Cause != nil {
			return me.Message + ": " + me.Cause.Error()
		}
		return me.Message
	}
	return err.Error()
}

// 错误类型字符串映射
var errorKindNames = map[ErrorKind]string{
	KindRPC:                  "RpcError",
	KindRemoteRevert:         "RemoteRevert",
	KindNotFound:             "NotFound",
	KindInsufficientFunds:    "InsufficientFunds",
	KindVerificationMismatch: "VerificationMismatch",
	KindNoSession:            "NoSession",
	KindWrongNetwork:         "WrongNetwork",
	KindUserRejected:         "UserRejected",
	KindWalletUnavailable:    "WalletUnavailable",
	KindValidation:           "Validation",
	KindConfig:               "Config",
}

// String 返回错误类型的字符串表示
func (k ErrorKind) String() string {
	if name, exists := errorKindNames[k]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", k)
}

// 严重级别字符串映射
var severityNames = map[ErrorSeverity]string{
	SeverityLow:      "Low",
	SeverityMedium:   "Medium",
	SeverityHigh:     "High",
	SeverityCritical: "Critical",
}

// String 返回严重级别的字符串表示
func (es ErrorSeverity) String() string {
	if name, exists := severityNames[es]; exists {
		return name
	}
	return fmt.Sprintf("Unknown(%d)", es)
}

// ErrorStats 错误统计
type ErrorStats struct {
	TotalErrors       int                   `json:"total_errors"`
	ErrorsByKind      map[ErrorKind]int     `json:"errors_by_kind"`
	ErrorsBySeverity  map[ErrorSeverity]int `json:"errors_by_severity"`
	ErrorsByComponent map[string]int        `json:"errors_by_component"`
	RecentErrors      []*MarketError        `json:"recent_errors"`
	LastError         *MarketError          `json:"last_error"`
	LastErrorTime     time.Time             `json:"last_error_time"`
}

// NewErrorStats 创建错误统计
func NewErrorStats() *ErrorStats {
	return &ErrorStats{
		ErrorsByKind:      make(map[ErrorKind]int),
		ErrorsBySeverity:  make(map[ErrorSeverity]int),
		ErrorsByComponent: make(map[string]int),
		RecentErrors:      make([]*MarketError, 0),
	}
}

// RecordError 记录错误
func (es *ErrorStats) RecordError(err *MarketError) {
	es.TotalErrors++
	es.ErrorsByKind[err.Kind]++
	es.ErrorsBySeverity[err.Severity]++
	if err.Component != "" {
		es.ErrorsByComponent[err.Component]++
	}

	es.LastError = err
	es.LastErrorTime = err.Timestamp

	// 保留最近100个错误
	es.RecentErrors = append(es.RecentErrors, err)
	if len(es.RecentErrors) > 100 {
		es.RecentErrors = es.RecentErrors[1:]
	}
}

// GetErrorRate 获取错误率（错误/小时）
func (es *ErrorStats) GetErrorRate(duration time.Duration) float64 {
	if duration <= 0 {
		return 0
	}

	cutoff := time.Now().Add(-duration)
	recentCount := 0
	for _, err := range es.RecentErrors {
		if err.Timestamp.After(cutoff) {
			recentCount++
		}
	}

	return float64(recentCount) / duration.Hours()
}
