package main

import (
	"context"
	"flag"
	"os"
	"sync/atomic"

	"phonemarket/internal/api"
	"phonemarket/internal/app"
	"phonemarket/internal/config"
	"phonemarket/internal/logging"
	"phonemarket/internal/shutdown"
	"phonemarket/pkg/models"

	"github.com/sirupsen/logrus"
)

// 钱包切换网络后以该退出码结束，由进程管理器重新启动
const exitReload = 3

var (
	configPath = flag.String("config", "configs/config.yaml", "配置文件路径")
	listen     = flag.String("listen", "", "监听地址，覆盖 api.listen")
	verbose    = flag.Bool("verbose", false, "详细输出")
)

func main() {
	flag.Parse()

	bootstrap := logrus.New()
	bootstrap.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.LoadConfig(*configPath, bootstrap)
	if err != nil {
		bootstrap.Fatalf("加载配置失败: %v", err)
	}
	if *verbose {
		cfg.Logging.Level = "debug"
	}
	if *listen != "" {
		cfg.API.Listen = *listen
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		bootstrap.Fatalf("创建日志器失败: %v", err)
	}
	access, err := logging.NewStructuredLogger(cfg.Logging)
	if err != nil {
		logger.Fatalf("创建访问日志失败: %v", err)
	}

	gs := shutdown.NewGracefulShutdown(0, logger)
	gs.Listen()

	a, err := app.New(gs.Context(), cfg, logger)
	if err != nil {
		logger.Fatalf("初始化失败: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		a.Close()
		logger.Fatalf("启动失败: %v", err)
	}

	deps := api.Deps{
		Session:       a.Session,
		Devices:       a.Cache,
		Transactions:  a.Tx,
		Notifications: a.Ring,
		Errors:        a.Errors,
		Access:        access,
		Chain:         cfg.Chain,
	}
	if dsn := os.Getenv(config.EnvDatabaseDSN); dsn != "" {
		settings, err := config.NewDatabaseConfig(dsn, logger)
		if err != nil {
			logger.Warnf("设置表不可用: %v", err)
		} else {
			deps.Settings = settings
			gs.Register("关闭设置库", shutdown.OrderCloseJournal, func(context.Context) error {
				return settings.Close()
			})
		}
	}

	server := api.NewServer(cfg.API, deps, logger)
	gs.Register("停止 HTTP 服务", shutdown.OrderStopServer, server.Stop)
	gs.Register("等待受理的写操作", shutdown.OrderDrainTransactions, server.Drain)
	a.RegisterShutdown(gs)

	changes := make(chan models.SessionChange, 8)
	sessSub := a.Session.Subscribe(changes)
	var reload atomic.Bool
	go func() {
		for {
			select {
			case change := <-changes:
				if change.New.NeedsReload && !reload.Swap(true) {
					logger.Warn("钱包网络已变化，停止服务等待重启")
					go gs.Shutdown()
				}
			case <-sessSub.Err():
				return
			}
		}
	}()

	go func() {
		if err := server.Start(); err != nil {
			logger.Errorf("HTTP 服务异常退出: %v", err)
			gs.Shutdown()
		}
	}()

	err = gs.Wait()
	sessSub.Unsubscribe()
	if err != nil {
		logger.Errorf("停机出错: %v", err)
		os.Exit(1)
	}
	logger.Info("服务器已关闭")
	if reload.Load() {
		os.Exit(exitReload)
	}
}
