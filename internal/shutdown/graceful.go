package shutdown

import (
	"context"
	stderrors "errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
)

// 停机顺序，数字越小越早执行
const (
	OrderStopServer        = 10 // 停止 HTTP 观察接口
	OrderDrainTransactions = 20 // 等待已提交交易结算
	OrderStopCache         = 30 // 停止缓存刷新与事件订阅
	OrderCloseSession      = 40 // 释放会话与钱包
	OrderCloseChain        = 50 // 关闭链连接
	OrderFlushNotify       = 60 // 刷新通知渠道
	OrderCloseJournal      = 70 // 关闭本地日志库
)

// Step 停机步骤
type Step struct {
	Name  string
	Order int
	Func  func(ctx context.Context) error
}

// GracefulShutdown 优雅停机管理器
type GracefulShutdown struct {
	logger  *logrus.Logger
	timeout time.Duration
	signals chan os.Signal

	mu       sync.Mutex
	steps    []Step
	started  bool
	stopping bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// NewGracefulShutdown 创建优雅停机管理器，timeout<=0 时使用 30 秒
func NewGracefulShutdown(timeout time.Duration, logger *logrus.Logger) *GracefulShutdown {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GracefulShutdown{
		logger:  logger,
		timeout: timeout,
		signals: make(chan os.Signal, 1),
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}
}

// Register 注册停机步骤
func (gs *GracefulShutdown) Register(name string, order int, fn func(ctx context.Context) error) {
	gs.mu.Lock()
	defer gs.mu.Unlock()

	gs.steps = append(gs.steps, Step{Name: name, Order: order, Func: fn})
	gs.logger.Debugf("注册停机步骤: %s (order: %d)", name, order)
}

// Listen 开始监听 SIGINT/SIGTERM/SIGQUIT
func (gs *GracefulShutdown) Listen() {
	gs.mu.Lock()
	if gs.started {
		gs.mu.Unlock()
		return
	}
	gs.started = true
	gs.mu.Unlock()

	signal.Notify(gs.signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		select {
		case sig := <-gs.signals:
			gs.logger.Infof("收到停机信号: %v", sig)
			gs.Shutdown()
		case <-gs.done:
		}
	}()
}

// Context 停机开始时取消
func (gs *GracefulShutdown) Context() context.Context {
	return gs.ctx
}

// Shutdown 执行停机，重复调用只执行一次
func (gs *GracefulShutdown) Shutdown() {
	gs.mu.Lock()
	if gs.stopping {
		gs.mu.Unlock()
		gs.logger.Debug("停机已在进行中")
		return
	}
	gs.stopping = true
	steps := append([]Step(nil), gs.steps...)
	gs.mu.Unlock()

	signal.Stop(gs.signals)
	gs.cancel()
	gs.err = gs.run(steps)
	close(gs.done)
}

// Wait 等待停机结束，返回各步骤的错误
func (gs *GracefulShutdown) Wait() error {
	<-gs.done
	return gs.err
}

// Done 停机完成后关闭
func (gs *GracefulShutdown) Done() <-chan struct{} {
	return gs.done
}

// IsShuttingDown 是否正在停机
func (gs *GracefulShutdown) IsShuttingDown() bool {
	gs.mu.Lock()
	defer gs.mu.Unlock()
	return gs.stopping
}

func (gs *GracefulShutdown) run(steps []Step) error {
	gs.logger.Info("开始优雅停机流程...")

	ctx, cancel := context.WithTimeout(context.Background(), gs.timeout)
	defer cancel()

	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	var errs []error
	for i, step := range steps {
		if ctx.Err() != nil {
			skipped := make([]string, 0, len(steps)-i)
			for _, s := range steps[i:] {
				skipped = append(skipped, s.Name)
			}
			gs.logger.Warnf("停机超时，跳过: %v", skipped)
			errs = append(errs, fmt.Errorf("停机超时: %w", ctx.Err()))
			break
		}

		start := time.Now()
		err := step.Func(ctx)
		elapsed := time.Since(start)
		if err != nil {
			gs.logger.Errorf("停机步骤 '%s' 失败 (耗时: %v): %v", step.Name, elapsed, err)
			errs = append(errs, fmt.Errorf("%s: %w", step.Name, err))
			continue
		}
		gs.logger.Infof("停机步骤 '%s' 完成 (耗时: %v)", step.Name, elapsed)
	}

	if len(errs) > 0 {
		gs.logger.Errorf("停机过程中发生 %d 个错误", len(errs))
	} else {
		gs.logger.Info("优雅停机流程完成")
	}
	return stderrors.Join(errs...)
}
