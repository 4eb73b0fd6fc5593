package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	merrors "phonemarket/internal/errors"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastConfig(attempts int) *RetryConfig {
	return &RetryConfig{
		MaxAttempts:     attempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		BackoffFactor:   2,
	}
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
		{"rate limited", errors.New("429 Too Many Requests"), true},
		{"revert", errors.New("execution reverted: sold"), false},
		{"rpc market error", merrors.RPC(errors.New("x"), "读取失败"), true},
		{"wrapped user rejection", fmt.Errorf("submit: %w", merrors.UserRejected(nil)), false},
		{"canceled", context.Canceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

func TestDo_SucceedsAfterTransientFailures(t *testing.T) {
	r := NewRetrier(fastConfig(5), quietLogger())

	calls := 0
	got, err := Do(context.Background(), r, "chain_id", func(ctx context.Context) (uint64, error) {
		calls++
		if calls < 3 {
			return 0, errors.New("connection reset by peer")
		}
		return 420420421, nil
	})

	require.NoError(t, err)
	assert.Equal(t, uint64(420420421), got)
	assert.Equal(t, 3, calls)
}

func TestDo_StopsOnPermanentError(t *testing.T) {
	r := NewRetrier(fastConfig(5), quietLogger())

	calls := 0
	_, err := Do(context.Background(), r, "op", func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("invalid argument")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestDo_GivesUpAfterMaxAttempts(t *testing.T) {
	r := NewRetrier(fastConfig(3), quietLogger())

	calls := 0
	_, err := Do(context.Background(), r, "op", func(ctx context.Context) (int, error) {
		calls++
		return 0, errors.New("timeout")
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "重试 3 次后失败")
	assert.Equal(t, 3, calls)
}

func TestDo_ContextCanceled(t *testing.T) {
	r := NewRetrier(&RetryConfig{InitialInterval: time.Hour, MaxInterval: time.Hour, BackoffFactor: 1}, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := Do(ctx, r, "op", func(ctx context.Context) (int, error) { return 0, errors.New("timeout") })
		done <- err
	}()
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("取消后未返回")
	}
}

func TestDelay_Capped(t *testing.T) {
	r := NewRetrier(&RetryConfig{InitialInterval: time.Second, MaxInterval: 4 * time.Second, BackoffFactor: 2}, quietLogger())

	assert.Equal(t, time.Second, r.Delay(1))
	assert.Equal(t, 2*time.Second, r.Delay(2))
	assert.Equal(t, 4*time.Second, r.Delay(10))
}

func TestBackoff_ResetsAfterHealthyRun(t *testing.T) {
	r := NewRetrier(&RetryConfig{InitialInterval: time.Second, MaxInterval: time.Minute, BackoffFactor: 2}, quietLogger())
	b := r.Backoff()

	assert.Equal(t, time.Second, b.Next(false))
	assert.Equal(t, 2*time.Second, b.Next(false))
	assert.Equal(t, 4*time.Second, b.Next(false))

	// 订阅正常运行过一段后断开，从初始间隔重新开始
	assert.Equal(t, time.Second, b.Next(true))
	assert.Equal(t, 2*time.Second, b.Next(false))

	b.Reset()
	assert.Equal(t, time.Second, b.Next(false))
}

func TestResubscribeRetryConfig_Unbounded(t *testing.T) {
	assert.Zero(t, ResubscribeRetryConfig.MaxAttempts)
	assert.Equal(t, time.Minute, ResubscribeRetryConfig.MaxInterval)
}
