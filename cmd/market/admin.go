package main

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"phonemarket/internal/config"
	"phonemarket/internal/errors"
	"phonemarket/internal/journal"
)

func newSessionCmd() *cobra.Command {
	var connect bool
	cmd := &cobra.Command{
		Use:   "session",
		Short: "查看钱包会话，--connect 时请求授权",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, gs, err := startApp()
			if err != nil {
				return err
			}

			var runErr error
			if connect && !a.Session.Snapshot().Connected() {
				if err := a.Session.Connect(ctx); err != nil {
					runErr = fmt.Errorf("连接钱包失败: %s", errors.ReasonOf(err))
				}
			}
			printSession(a.Session.Snapshot())
			return finish(gs, runErr)
		},
	}
	cmd.Flags().BoolVar(&connect, "connect", false, "请求钱包授权")
	return cmd
}

func newJournalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "journal",
		Short: "查看本地日志库",
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := openJournal()
			if err != nil {
				return err
			}
			defer j.Close()

			stats := j.GetStats()
			if jsonOutput {
				return printJSON(stats)
			}
			fmt.Println("📦 本地日志库")
			fmt.Println(strings.Repeat("=", 50))
			keys := make([]string, 0, len(stats))
			for k := range stats {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%-24s: %v\n", k, stats[k])
			}

			pending, err := j.ListPending()
			if err != nil {
				return err
			}
			for _, ptx := range pending {
				fmt.Printf("  待确认 %s %s %s\n", ptx.ID, ptx.Kind, ptx.Handle)
			}
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "清空当前网络与合约下的快照和交易记录",
		RunE: func(cmd *cobra.Command, args []string) error {
			j, err := openJournal()
			if err != nil {
				return err
			}
			defer j.Close()
			if err := j.Reset(); err != nil {
				return fmt.Errorf("清空日志库失败: %w", err)
			}
			fmt.Println("日志库已清空")
			return nil
		},
	})
	return cmd
}

func openJournal() (*journal.Journal, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Journal == nil || !cfg.Journal.Enabled {
		return nil, fmt.Errorf("未启用本地日志库")
	}
	return journal.Open(cfg.Journal.Path, cfg.Chain.NetworkID, cfg.Chain.ContractAddress, logger)
}

func newSettingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "查看数据库设置表",
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openSettings()
			if err != nil {
				return err
			}
			defer db.Close()

			settings, err := db.ListSettings()
			if err != nil {
				return err
			}
			if jsonOutput {
				return printJSON(settings)
			}
			keys := make([]string, 0, len(settings))
			for k := range settings {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%-28s = %s\n", k, settings[k])
			}
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <key> <value>",
		Short: "写入设置，下次启动生效",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openSettings()
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.UpdateSetting(args[0], args[1]); err != nil {
				return err
			}
			fmt.Printf("%s 已更新\n", args[0])
			return nil
		},
	})
	return cmd
}

func openSettings() (*config.DatabaseConfig, error) {
	dsn := os.Getenv(config.EnvDatabaseDSN)
	if dsn == "" {
		return nil, fmt.Errorf("未设置 %s", config.EnvDatabaseDSN)
	}
	_, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return config.NewDatabaseConfig(dsn, logger)
}
