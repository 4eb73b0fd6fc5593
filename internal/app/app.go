// Package app 按配置组装各组件，供 cmd 下的进程共用
package app

import (
	"context"
	"fmt"
	"time"

	"phonemarket/internal/cache"
	"phonemarket/internal/chain"
	"phonemarket/internal/config"
	"phonemarket/internal/errors"
	"phonemarket/internal/journal"
	"phonemarket/internal/metrics"
	"phonemarket/internal/notify"
	"phonemarket/internal/session"
	"phonemarket/internal/shutdown"
	"phonemarket/internal/txn"
	"phonemarket/internal/validation"
	"phonemarket/internal/wallet"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// App 一个进程内的全部组件
type App struct {
	Config  *config.Config
	Logger  *logrus.Logger
	Metrics *metrics.Metrics
	Errors  *errors.ErrorHandler

	Node     *ethclient.Client
	Chain    *chain.ContractClient
	Keystore *wallet.KeystoreWallet // 未配置 keystore 时为 nil
	Session  *session.Manager
	Cache    *cache.Cache
	Tx       *txn.Coordinator
	Journal  *journal.Journal // journal.enabled=false 时为 nil
	Notify   *notify.Fanout
	Ring     *notify.Ring

	cancel context.CancelFunc
	group  *errgroup.Group
}

// New 连接节点并创建组件，不启动后台任务
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*App, error) {
	a := &App{
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics.New(nil),
		Errors:  errors.NewErrorHandler(logger),
		Ring:    notify.NewRing(cfg.Notify.RingSize),
	}
	a.Notify = notify.NewFanout(logger, a.Ring)

	if k := cfg.Notify.Kafka; k != nil && k.Enabled {
		sink, err := notify.NewKafkaSink(k.Brokers, k.Topic, logger)
		if err != nil {
			return nil, err
		}
		a.Notify.Add(sink)
	}

	var err error
	a.Node, err = chain.Dial(ctx, cfg.Chain, logger)
	if err != nil {
		_ = a.Notify.Close()
		return nil, err
	}

	a.Chain, err = chain.NewContractClient(a.Node, cfg.Chain, a.Metrics, logger)
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.Journal != nil && cfg.Journal.Enabled {
		a.Journal, err = journal.Open(cfg.Journal.Path, cfg.Chain.NetworkID, cfg.Chain.ContractAddress, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	// 接口变量只在成功时赋值，避免携带 nil 指针的非空接口
	var w wallet.Wallet
	a.Keystore, err = wallet.NewKeystoreWallet(ctx, cfg.Wallet, cfg.Chain.RPCURL, logger)
	if err != nil {
		logger.Warnf("钱包不可用，只能浏览: %s", errors.ReasonOf(err))
	} else {
		w = a.Keystore
	}

	a.Session = session.NewManager(w, TargetNetwork(cfg.Chain), a.Metrics, a.Notify, logger)

	validator := validation.NewValidator(logger, false)
	cacheOpts := cache.Options{
		ReadConcurrency: cfg.Cache.ReadConcurrency,
		Validator:       validator,
		Sink:            a.Notify,
		Metrics:         a.Metrics,
	}
	txOpts := txn.Options{
		Validator: validator,
		Sink:      a.Notify,
		Errors:    a.Errors,
		Metrics:   a.Metrics,
	}
	if a.Journal != nil {
		cacheOpts.Store = a.Journal
		txOpts.Store = a.Journal
	}

	a.Cache = cache.New(a.Chain, a.Session, cacheOpts, logger)
	a.Tx = txn.New(a.Chain, a.Session, a.Cache, txOpts, logger)
	return a, nil
}

// TargetNetwork 钱包添加网络时使用的参数
func TargetNetwork(cfg *config.ChainConfig) wallet.NetworkParams {
	return wallet.NetworkParams{
		ChainID:        cfg.NetworkID,
		ChainName:      cfg.NetworkName,
		RPCURL:         cfg.RPCURL,
		ExplorerURL:    cfg.ExplorerURL,
		CurrencyName:   cfg.CurrencyName,
		CurrencySymbol: cfg.CurrencySymbol,
		Decimals:       18,
	}
}

// Start 静默恢复会话，启动所属任务，恢复上次未结算的交易
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if a.Keystore != nil {
		a.Keystore.Start(ctx)
	}
	if err := a.Session.Initialize(ctx); err != nil {
		a.Logger.Warnf("恢复会话失败: %s", errors.ReasonOf(err))
	}

	a.group, ctx = errgroup.WithContext(ctx)
	a.group.Go(func() error { return a.Session.Run(ctx) })
	a.group.Go(func() error { return a.Cache.Run(ctx) })

	n, err := a.Tx.Resume(ctx)
	if err != nil {
		return fmt.Errorf("恢复未结算交易失败: %w", err)
	}
	if n > 0 {
		a.Logger.Infof("继续等待 %d 笔上次提交的交易", n)
	}
	return nil
}

// Stop 停止所属任务
func (a *App) Stop() error {
	if a.cancel == nil {
		return nil
	}
	a.cancel()
	err := a.group.Wait()
	a.Tx.Wait()
	return err
}

// Close 释放全部资源，可在 Start 之前调用
func (a *App) Close() {
	if err := a.Stop(); err != nil {
		a.Logger.Warnf("后台任务异常退出: %v", err)
	}
	if a.Cache != nil {
		a.Cache.Close()
	}
	if a.Keystore != nil {
		_ = a.Keystore.Close()
	}
	if a.Chain != nil {
		a.Chain.Close()
	}
	if a.Node != nil {
		a.Node.Close()
	}
	if a.Notify != nil {
		_ = a.Notify.Close()
	}
	if a.Journal != nil {
		_ = a.Journal.Close()
	}
}

// RegisterShutdown 按顺序注册停机步骤
func (a *App) RegisterShutdown(gs *shutdown.GracefulShutdown) {
	// Resume 中的交易在取消后保留在日志库，下次启动继续等待
	gs.Register("停止后台任务", shutdown.OrderStopCache, func(ctx context.Context) error {
		err := a.Stop()
		a.Cache.Close()
		return err
	})
	gs.Register("关闭钱包", shutdown.OrderCloseSession, func(ctx context.Context) error {
		if a.Keystore == nil {
			return nil
		}
		return a.Keystore.Close()
	})
	gs.Register("关闭链连接", shutdown.OrderCloseChain, func(ctx context.Context) error {
		a.Chain.Close()
		a.Node.Close()
		return nil
	})
	gs.Register("关闭通知输出", shutdown.OrderFlushNotify, func(ctx context.Context) error {
		return a.Notify.Close()
	})
	gs.Register("关闭日志库", shutdown.OrderCloseJournal, func(ctx context.Context) error {
		if a.Journal == nil {
			return nil
		}
		return a.Journal.Close()
	})
}

// AwaitRefresh 在 timeout 内完成一次刷新
func (a *App) AwaitRefresh(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return a.Cache.Refresh(ctx)
}
