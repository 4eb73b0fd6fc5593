package main

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"phonemarket/internal/app"
	"phonemarket/internal/config"
	"phonemarket/internal/logging"
	"phonemarket/internal/shutdown"
)

// 退出码
const (
	exitError  = 1
	exitReload = 3 // 钱包切换了网络，需要重新启动
)

var errReload = stderrors.New("钱包网络已变化，需要重新启动")

var (
	configFile string
	verbose    bool
	jsonOutput bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "market",
		Short:         "二手手机交易市场客户端",
		Long:          `同步 PhoneMarketplace 合约上的设备记录，管理钱包会话，提交挂单、购买与验证交易`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "configs/config.yaml", "配置文件路径")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "详细输出")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "以 JSON 输出")

	rootCmd.AddCommand(
		newDevicesCmd(),
		newMineCmd(),
		newListCmd(),
		newBuyCmd(),
		newVerifyCmd(),
		newWatchCmd(),
		newSessionCmd(),
		newJournalCmd(),
		newSettingsCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		if stderrors.Is(err, errReload) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(exitReload)
		}
		fmt.Fprintf(os.Stderr, "执行失败: %v\n", err)
		os.Exit(exitError)
	}
}

// loadConfig 加载配置并创建日志器
func loadConfig() (*config.Config, *logrus.Logger, error) {
	bootstrap := logrus.New()
	bootstrap.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.LoadConfig(configFile, bootstrap)
	if err != nil {
		return nil, nil, fmt.Errorf("加载配置失败: %w", err)
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}

	logger, err := logging.NewLogger(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// startApp 组装并启动全部组件，返回的 ctx 在收到停机信号时取消
func startApp() (context.Context, *app.App, *shutdown.GracefulShutdown, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, nil, nil, err
	}

	gs := shutdown.NewGracefulShutdown(0, logger)
	gs.Listen()

	a, err := app.New(gs.Context(), cfg, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := a.Start(context.Background()); err != nil {
		a.Close()
		return nil, nil, nil, err
	}
	a.RegisterShutdown(gs)
	return gs.Context(), a, gs, nil
}

// finish 执行停机步骤，返回命令本身的错误
func finish(gs *shutdown.GracefulShutdown, runErr error) error {
	gs.Shutdown()
	if err := gs.Wait(); err != nil && runErr == nil {
		return err
	}
	return runErr
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
