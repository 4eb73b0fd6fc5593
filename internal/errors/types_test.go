package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	err := New(KindRemoteRevert, "TEST_ERROR", "测试错误")

	assert.NotNil(t, err)
	assert.Equal(t, KindRemoteRevert, err.Kind)
	assert.Equal(t, SeverityMedium, err.Severity)
	assert.Equal(t, "TEST_ERROR", err.Code)
	assert.Equal(t, "测试错误", err.Message)
	assert.False(t, err.Timestamp.IsZero())
}

func TestWrap(t *testing.T) {
	originalErr := errors.New("原始错误")
	wrappedErr := Wrap(originalErr, KindRPC, "WRAPPED_ERROR", "包装错误")

	assert.Equal(t, KindRPC, wrappedErr.Kind)
	assert.Equal(t, originalErr, wrappedErr.Cause)
	assert.Equal(t, originalErr, wrappedErr.Unwrap())
	assert.True(t, errors.Is(wrappedErr, originalErr))
	assert.Contains(t, wrappedErr.Error(), "原始错误")
}

func TestMarketError_Error(t *testing.T) {
	err := New(KindValidation, "TEST_CODE", "测试消息")
	assert.Equal(t, "[TEST_CODE] 测试消息", err.Error())

	wrapped := Wrap(errors.New("原始错误"), KindRPC, "TEST_CODE", "测试消息")
	assert.Equal(t, "[TEST_CODE] 测试消息: 原始错误", wrapped.Error())

	// 远端原因优先
	reverted := RemoteRevert("already sold")
	assert.Equal(t, "[REMOTE_REVERT] 合约拒绝了操作: already sold", reverted.Error())
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind ErrorKind
	}{
		{"no session", NoSession(), KindNoSession},
		{"user rejected", UserRejected(errors.New("denied")), KindUserRejected},
		{"wrapped", fmt.Errorf("外层: %w", NotFound(3)), KindNotFound},
		{"plain error", errors.New("connection refused"), KindRPC},
		{"wrong network", WrongNetwork(1, 420420421), KindWrongNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.kind, KindOf(tt.err))
			assert.True(t, Is(tt.err, tt.kind))
		})
	}

	assert.False(t, Is(nil, KindRPC))
}

func TestReasonOf(t *testing.T) {
	assert.Equal(t, "", ReasonOf(nil))
	assert.Equal(t, "already sold", ReasonOf(RemoteRevert("already sold")))
	assert.Equal(t, "请先连接钱包", ReasonOf(NoSession()))
	assert.Equal(t, "节点错误: timeout", ReasonOf(RPC(errors.New("timeout"), "节点错误")))
	assert.Equal(t, "boom", ReasonOf(errors.New("boom")))
	assert.Equal(t, "当前网络 1，目标网络 420420421", ReasonOf(WrongNetwork(1, 420420421)))
}

func TestMarketError_IsRetryable(t *testing.T) {
	assert.True(t, RPC(errors.New("x"), "rpc").IsRetryable())
	assert.False(t, RemoteRevert("nope").IsRetryable())
	assert.False(t, UserRejected(nil).IsRetryable())
}

func TestMarketError_WithHelpers(t *testing.T) {
	err := New(KindRemoteRevert, "TX_ERROR", "交易错误").
		WithContext("attempt", 3).
		WithComponent("txn").
		WithDeviceID(42).
		WithTxHash("0x1234")

	assert.Equal(t, 3, err.Context["attempt"])
	assert.Equal(t, "txn", err.Component)
	assert.Equal(t, uint64(42), *err.DeviceID)
	assert.Equal(t, "0x1234", *err.TxHash)
}

func TestErrorKind_String(t *testing.T) {
	tests := []struct {
		kind     ErrorKind
		expected string
	}{
		{KindNoSession, "NoSession"},
		{KindWrongNetwork, "WrongNetwork"},
		{KindUserRejected, "UserRejected"},
		{KindRPC, "RpcError"},
		{KindRemoteRevert, "RemoteRevert"},
		{ErrorKind(999), "Unknown(999)"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, tt.kind.String())
	}
}

func TestErrorSeverity_String(t *testing.T) {
	assert.Equal(t, "Low", SeverityLow.String())
	assert.Equal(t, "Critical", SeverityCritical.String())
	assert.Equal(t, "Unknown(999)", ErrorSeverity(999).String())
}

func TestErrorStats_RecordError(t *testing.T) {
	stats := NewErrorStats()

	err1 := RPC(errors.New("x"), "网络错误").WithComponent("cache")
	err2 := RemoteRevert("already sold").WithComponent("txn")
	err3 := RPC(errors.New("y"), "网络超时").WithComponent("cache")

	stats.RecordError(err1)
	stats.RecordError(err2)
	stats.RecordError(err3)

	assert.Equal(t, 3, stats.TotalErrors)
	assert.Equal(t, 2, stats.ErrorsByKind[KindRPC])
	assert.Equal(t, 1, stats.ErrorsByKind[KindRemoteRevert])
	assert.Equal(t, 3, stats.ErrorsBySeverity[SeverityMedium])
	assert.Equal(t, 2, stats.ErrorsByComponent["cache"])
	assert.Equal(t, err3, stats.LastError)
}

func TestErrorStats_RecentErrorsLimit(t *testing.T) {
	stats := NewErrorStats()
	for i := 0; i < 150; i++ {
		stats.RecordError(New(KindRPC, "TEST_ERROR", "测试错误"))
	}

	assert.Equal(t, 150, stats.TotalErrors)
	assert.Len(t, stats.RecentErrors, 100)
}

func TestErrorStats_GetErrorRate(t *testing.T) {
	stats := NewErrorStats()
	now := time.Now()

	for i := 0; i < 10; i++ {
		err := New(KindRPC, "TEST_ERROR", "测试错误")
		err.Timestamp = now.Add(-time.Duration(i*5) * time.Minute)
		stats.RecentErrors = append(stats.RecentErrors, err)
	}
	for i := 0; i < 5; i++ {
		err := New(KindRPC, "OLD_ERROR", "旧错误")
		err.Timestamp = now.Add(-time.Duration(70+i*10) * time.Minute)
		stats.RecentErrors = append(stats.RecentErrors, err)
	}

	assert.Equal(t, 10.0, stats.GetErrorRate(time.Hour))
	assert.Equal(t, 0.0, stats.GetErrorRate(0))
	assert.Equal(t, 12.0, stats.GetErrorRate(30*time.Minute))
}

func TestErrorHandler_HandleError(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	handler := NewErrorHandler(logger)

	received := make(chan *MarketError, 2)
	handler.AddCallback(func(err *MarketError) { received <- err })

	assert.Nil(t, handler.HandleError(context.Background(), nil))

	me := handler.HandleError(context.Background(), fmt.Errorf("提交: %w", UserRejected(errors.New("denied"))))
	assert.Equal(t, KindUserRejected, me.Kind)

	plain := handler.HandleError(context.Background(), errors.New("boom"))
	assert.Equal(t, "UNKNOWN_ERROR", plain.Code)

	assert.Equal(t, KindUserRejected, (<-received).Kind)
	assert.Equal(t, KindRPC, (<-received).Kind)

	stats := handler.GetStats()
	assert.Equal(t, 2, stats.TotalErrors)
	assert.Equal(t, 1, stats.ErrorsByKind[KindUserRejected])

	handler.ClearStats()
	assert.Equal(t, 0, handler.GetStats().TotalErrors)
}

func BenchmarkErrorStats_RecordError(b *testing.B) {
	stats := NewErrorStats()
	err := New(KindRPC, "BENCH_ERROR", "基准测试错误")

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		stats.RecordError(err)
	}
}
