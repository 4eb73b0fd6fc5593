package main

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"phonemarket/internal/app"
	"phonemarket/internal/errors"
	"phonemarket/pkg/models"
)

func newListCmd() *cobra.Command {
	var fields models.ListingFields
	cmd := &cobra.Command{
		Use:   "list",
		Short: "登记一台待售设备",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWrite(func(ctx context.Context, a *app.App) (bool, error) {
				return a.Tx.List(ctx, fields)
			})
		},
	}
	cmd.Flags().StringVar(&fields.Manufacturer, "manufacturer", "", "厂商")
	cmd.Flags().StringVar(&fields.ModelName, "model", "", "型号名称")
	cmd.Flags().StringVar(&fields.ModelCode, "code", "", "型号代码")
	cmd.Flags().StringVar(&fields.IMEI, "imei", "", "IMEI")
	cmd.Flags().StringVar(&fields.Price, "price", "", "价格，以太单位")
	return cmd
}

func newBuyCmd() *cobra.Command {
	var price string
	cmd := &cobra.Command{
		Use:   "buy <id>",
		Short: "购买设备，默认按挂单价格支付",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return runWrite(func(ctx context.Context, a *app.App) (bool, error) {
				amount := price
				if amount == "" {
					d, ok := a.Cache.Device(id)
					if !ok {
						return false, errors.NotFound(id)
					}
					amount = models.FormatEther(d.Price)
				}
				return a.Tx.Buy(ctx, id, amount)
			})
		},
	}
	cmd.Flags().StringVar(&price, "price", "", "支付金额，以太单位")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	var imei string
	cmd := &cobra.Command{
		Use:   "verify <id>",
		Short: "以 IMEI 验证已购买的设备",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return runWrite(func(ctx context.Context, a *app.App) (bool, error) {
				return a.Tx.Verify(ctx, id, imei)
			})
		},
	}
	cmd.Flags().StringVar(&imei, "imei", "", "设备 IMEI")
	_ = cmd.MarkFlagRequired("imei")
	return cmd
}

func parseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("设备 ID 无效: %s", s)
	}
	return id, nil
}

// runWrite 连接钱包后执行一次写操作，并打印状态变化
func runWrite(op func(ctx context.Context, a *app.App) (bool, error)) error {
	ctx, a, gs, err := startApp()
	if err != nil {
		return err
	}

	runErr := func() error {
		if !a.Session.Snapshot().Connected() {
			if err := a.Session.Connect(ctx); err != nil {
				return fmt.Errorf("连接钱包失败: %s", errors.ReasonOf(err))
			}
		}
		if err := a.AwaitRefresh(ctx, time.Minute); err != nil {
			a.Logger.Warnf("刷新设备失败: %s", errors.ReasonOf(err))
		}

		events := make(chan models.StatusEvent, 16)
		sub := a.Tx.Subscribe(events)
		defer sub.Unsubscribe()
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				select {
				case ev := <-events:
					printStatus(ev)
				case <-sub.Err():
					for {
						select {
						case ev := <-events:
							printStatus(ev)
						default:
							return
						}
					}
				}
			}
		}()

		ok, err := op(ctx, a)
		sub.Unsubscribe()
		<-done
		if err != nil {
			return fmt.Errorf("%s", errors.ReasonOf(err))
		}
		if ok {
			fmt.Println("交易已确认")
		}
		return nil
	}()
	return finish(gs, runErr)
}

func printStatus(ev models.StatusEvent) {
	if jsonOutput {
		_ = printJSON(ev)
		return
	}
	line := fmt.Sprintf("[%s] %s %s", ev.Time.Format("15:04:05"), ev.Kind, ev.State)
	if ev.Handle != "" {
		line += " " + ev.Handle
	}
	if ev.Reason != "" {
		line += ": " + ev.Reason
	}
	if ev.State.Terminal() {
		line += " (结束)"
	}
	fmt.Println(line)
}
