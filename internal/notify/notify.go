package notify

import (
	"fmt"
	"sync"

	"phonemarket/pkg/models"

	"github.com/sirupsen/logrus"
)

// Sink 通知输出接口
type Sink interface {
	Publish(n models.Notification) error
	Close() error
}

// Fanout 将通知依次发送到多个输出，单个输出失败不影响其他输出
type Fanout struct {
	logger *logrus.Logger
	mu     sync.RWMutex
	sinks  []Sink
}

// NewFanout 创建通知分发器
func NewFanout(logger *logrus.Logger, sinks ...Sink) *Fanout {
	return &Fanout{logger: logger, sinks: sinks}
}

// Add 添加输出
func (f *Fanout) Add(s Sink) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sinks = append(f.sinks, s)
}

// Publish 发送通知
func (f *Fanout) Publish(n models.Notification) error {
	f.mu.RLock()
	sinks := make([]Sink, len(f.sinks))
	copy(sinks, f.sinks)
	f.mu.RUnlock()

	var failed int
	for _, s := range sinks {
		if err := s.Publish(n); err != nil {
			failed++
			f.logger.Warnf("发送通知失败 (%T): %v", s, err)
		}
	}

	f.logEntry(n)

	if failed > 0 {
		return fmt.Errorf("%d 个通知输出发送失败", failed)
	}
	return nil
}

func (f *Fanout) logEntry(n models.Notification) {
	entry := f.logger.WithFields(logrus.Fields{
		"source": n.Source,
		"kind":   n.Kind,
		"state":  n.State,
		"tx_id":  n.TxID,
	})
	msg := fmt.Sprintf("通知: %s %s", n.Kind, n.State)
	if n.Reason != "" {
		msg += ": " + n.Reason
	}
	switch n.Level {
	case models.LevelError:
		entry.Error(msg)
	case models.LevelWarn:
		entry.Warn(msg)
	default:
		entry.Info(msg)
	}
}

// Close 关闭所有输出
func (f *Fanout) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var firstErr error
	for _, s := range f.sinks {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	f.sinks = nil
	return firstErr
}
