package chain

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"phonemarket/internal/retry"
	"phonemarket/pkg/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

type watch struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// watchKind 订阅单类事件；节点不支持推送时退化为轮询，断开后退避重连
func (c *ContractClient) watchKind(ctx context.Context, wg *sync.WaitGroup, kind models.EventKind, cb EventCallback) {
	defer wg.Done()

	backoff := retry.NewRetrier(c.resubscribe, c.logger).Backoff()
	polling := false
	for {
		var (
			healthy bool
			err     error
		)
		if polling {
			healthy, err = c.poll(ctx, kind, cb)
		} else {
			healthy, err = c.stream(ctx, kind, cb)
			if stderrors.Is(err, rpc.ErrNotificationsUnsupported) {
				c.logger.Infof("节点不支持事件推送，%s 改为每 %v 轮询", kind.ContractEventName(), c.eventPoll)
				polling = true
				backoff.Reset()
				continue
			}
		}
		if ctx.Err() != nil {
			return
		}

		delay := backoff.Next(healthy)
		c.logger.Warnf("%s 事件订阅中断: %v，%v 后重新订阅", kind.ContractEventName(), err, delay)
		if retry.Sleep(ctx, delay) != nil {
			return
		}
	}
}

// stream 通过 eth_subscribe 接收日志，返回时订阅已结束；healthy 表示订阅曾经建立
func (c *ContractClient) stream(ctx context.Context, kind models.EventKind, cb EventCallback) (bool, error) {
	logs, sub, err := c.contract.WatchLogs(&bind.WatchOpts{Context: ctx}, kind.ContractEventName())
	if err != nil {
		return false, err
	}
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case err := <-sub.Err():
			if err == nil {
				err = fmt.Errorf("订阅被节点关闭")
			}
			return true, err
		case l := <-logs:
			c.deliver(kind, l, cb)
		}
	}
}

// poll 按区块区间拉取日志，从订阅时的最新区块开始；healthy 表示至少完成过一轮
func (c *ContractClient) poll(ctx context.Context, kind models.EventKind, cb EventCallback) (bool, error) {
	from, err := c.backend.BlockNumber(ctx)
	if err != nil {
		return false, err
	}
	from++

	healthy := false
	event := c.abi.Events[kind.ContractEventName()]
	ticker := time.NewTicker(c.eventPoll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return healthy, ctx.Err()
		case <-ticker.C:
		}

		head, err := c.backend.BlockNumber(ctx)
		if err != nil {
			return healthy, err
		}
		if head < from {
			healthy = true
			continue
		}

		query := ethereum.FilterQuery{
			FromBlock: new(big.Int).SetUint64(from),
			ToBlock:   new(big.Int).SetUint64(head),
			Addresses: []common.Address{c.address},
			Topics:    [][]common.Hash{{event.ID}},
		}
		logs, err := c.backend.FilterLogs(ctx, query)
		if err != nil {
			return healthy, err
		}
		for _, l := range logs {
			c.deliver(kind, l, cb)
		}
		from = head + 1
		healthy = true
	}
}

func (c *ContractClient) deliver(kind models.EventKind, l types.Log, cb EventCallback) {
	ev, err := c.parseLog(kind, l)
	if err != nil {
		c.logger.Warnf("解析 %s 日志失败: %v", kind.ContractEventName(), err)
		return
	}
	c.metrics.ChainEvent(string(kind))
	c.logger.WithFields(logrus.Fields{
		"event":  kind,
		"device": ev.DeviceID,
		"block":  ev.BlockNumber,
	}).Debug("收到合约事件")
	cb(ev)
}

func (c *ContractClient) parseLog(kind models.EventKind, l types.Log) (models.ChainEvent, error) {
	fields := make(map[string]interface{})
	if err := c.contract.UnpackLogIntoMap(fields, kind.ContractEventName(), l); err != nil {
		return models.ChainEvent{}, err
	}
	id, ok := fields["phoneId"].(*big.Int)
	if !ok || !id.IsUint64() {
		return models.ChainEvent{}, fmt.Errorf("日志缺少 phoneId")
	}
	return models.ChainEvent{
		Kind:        kind,
		DeviceID:    id.Uint64(),
		BlockNumber: l.BlockNumber,
		TxHash:      l.TxHash.Hex(),
		Removed:     l.Removed,
	}, nil
}
