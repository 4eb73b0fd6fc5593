package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"phonemarket/internal/errors"
	"phonemarket/pkg/models"
)

func newWatchCmd() *cobra.Command {
	var connect bool
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "持续同步并打印快照、会话与交易状态",
		Long:  `持续运行直到收到停机信号。钱包切换网络后以退出码 3 结束，需要重新启动`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, a, gs, err := startApp()
			if err != nil {
				return err
			}

			snapshots := make(chan *models.Snapshot, 8)
			snapSub := a.Cache.Subscribe(snapshots)
			changes := make(chan models.SessionChange, 8)
			sessSub := a.Session.Subscribe(changes)
			statuses := make(chan models.StatusEvent, 16)
			txSub := a.Tx.Subscribe(statuses)

			if connect && !a.Session.Snapshot().Connected() {
				if err := a.Session.Connect(ctx); err != nil {
					a.Logger.Warnf("连接钱包失败: %s", errors.ReasonOf(err))
				}
			}
			printSession(a.Session.Snapshot())

			var runErr error
		loop:
			for {
				select {
				case <-ctx.Done():
					break loop
				case snap := <-snapshots:
					printSnapshot(snap, a.Config.Chain.CurrencySymbol)
				case change := <-changes:
					printSession(change.New)
					if change.New.NeedsReload {
						runErr = errReload
						break loop
					}
				case ev := <-statuses:
					printStatus(ev)
				}
			}
			snapSub.Unsubscribe()
			sessSub.Unsubscribe()
			txSub.Unsubscribe()
			return finish(gs, runErr)
		},
	}
	cmd.Flags().BoolVar(&connect, "connect", false, "启动时请求钱包授权")
	return cmd
}

func printSnapshot(snap *models.Snapshot, symbol string) {
	if jsonOutput {
		_ = printJSON(snap)
		return
	}
	fmt.Printf("[%s] 快照 #%d: %d 台设备, %d 台在售, 我的 %d 台\n",
		snap.RefreshedAt.Format("15:04:05"), snap.Seq, len(snap.All),
		len(models.Available(snap.All)), len(snap.Mine()))
	if verbose {
		printDevices(snap.All, symbol)
	}
}

func printSession(s models.Session) {
	if jsonOutput {
		_ = printJSON(s)
		return
	}
	line := "会话: " + string(s.Status)
	if s.Account != "" {
		line += " " + s.Account
	}
	if s.NetworkID != 0 {
		line += fmt.Sprintf(" (网络 %d)", s.NetworkID)
	}
	if s.Reason != "" {
		line += ": " + s.Reason
	}
	fmt.Println(line)
}
