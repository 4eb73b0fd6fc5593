package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"phonemarket/internal/app"
	"phonemarket/pkg/models"
)

func newDevicesCmd() *cobra.Command {
	var view string
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "列出链上登记的设备",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showDevices(view)
		},
	}
	cmd.Flags().StringVar(&view, "view", "all", "视图 (all, available, mine, pending)")
	return cmd
}

func newMineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mine",
		Short: "列出当前账户卖出或买入的设备",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showDevices("mine")
		},
	}
}

func showDevices(view string) error {
	ctx, a, gs, err := startApp()
	if err != nil {
		return err
	}

	runErr := func() error {
		if err := a.AwaitRefresh(ctx, time.Minute); err != nil {
			return fmt.Errorf("读取设备失败: %w", err)
		}
		devices, err := selectView(a, view)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(devices)
		}
		printDevices(devices, a.Config.Chain.CurrencySymbol)
		return nil
	}()
	return finish(gs, runErr)
}

func selectView(a *app.App, view string) ([]*models.DeviceRecord, error) {
	switch view {
	case "all":
		return a.Cache.All(), nil
	case "available":
		return a.Cache.Available(), nil
	case "mine":
		if !a.Session.Snapshot().Connected() {
			fmt.Fprintln(os.Stderr, "未连接钱包，个人视图为空")
		}
		return a.Cache.Mine(), nil
	case "pending":
		return a.Cache.PendingVerification(), nil
	default:
		return nil, fmt.Errorf("未知的视图: %s", view)
	}
}

func printDevices(devices []*models.DeviceRecord, symbol string) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\t设备\tIMEI\t价格\t状态\t卖家")
	for _, d := range devices {
		fmt.Fprintf(w, "%d\t%s %s (%s)\t%s\t%s %s\t%s\t%s\n",
			d.ID, d.Manufacturer, d.ModelName, d.ModelCode, d.IMEI,
			models.FormatEther(d.Price), symbol, deviceState(d), shortAddress(d.Seller))
	}
	w.Flush()
	fmt.Printf("共 %d 台\n", len(devices))
}

func deviceState(d *models.DeviceRecord) string {
	var parts []string
	switch {
	case !d.IsSold:
		parts = append(parts, "在售")
	case d.IsVerified:
		parts = append(parts, "已验证")
	default:
		parts = append(parts, "待验证")
	}
	if d.IsDispatched {
		parts = append(parts, "已发货")
	}
	if d.IsReceived {
		parts = append(parts, "已收货")
	}
	return strings.Join(parts, ",")
}

func shortAddress(addr string) string {
	if len(addr) <= 12 {
		return addr
	}
	return addr[:6] + "…" + addr[len(addr)-4:]
}
