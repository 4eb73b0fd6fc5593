// Package wallettest 提供测试用的内存钱包
package wallettest

import (
	"context"
	"sync"

	"phonemarket/internal/errors"
	"phonemarket/internal/wallet"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
)

// Wallet 可编程的内存钱包
type Wallet struct {
	mu sync.Mutex

	Authorized  []common.Address // 静默可见的账户
	Grant       []common.Address // RequestAuthorization 授予的账户
	Deny        bool             // RequestAuthorization 是否拒绝
	Network     uint64
	SwitchTo    uint64 // 切换请求成功后所在的网络，0 表示切换失败
	SwitchCalls []wallet.NetworkParams

	accountFeed event.FeedOf[[]common.Address]
	networkFeed event.FeedOf[uint64]
}

// New 创建位于 network 的钱包
func New(network uint64) *Wallet {
	return &Wallet{Network: network}
}

func (w *Wallet) AuthorizedAccounts(ctx context.Context) ([]common.Address, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]common.Address(nil), w.Authorized...), nil
}

func (w *Wallet) RequestAuthorization(ctx context.Context) ([]common.Address, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Deny {
		return nil, errors.UserRejected(nil)
	}
	w.Authorized = append([]common.Address(nil), w.Grant...)
	return append([]common.Address(nil), w.Grant...), nil
}

func (w *Wallet) NetworkID(ctx context.Context) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.Network, nil
}

func (w *Wallet) RequestAddOrSwitchNetwork(ctx context.Context, params wallet.NetworkParams) error {
	w.mu.Lock()
	w.SwitchCalls = append(w.SwitchCalls, params)
	target := w.SwitchTo
	w.mu.Unlock()

	if target == 0 {
		return errors.UserRejected(nil)
	}
	w.SetNetwork(target)
	return nil
}

func (w *Wallet) SubscribeAccounts(ch chan<- []common.Address) event.Subscription {
	return w.accountFeed.Subscribe(ch)
}

func (w *Wallet) SubscribeNetwork(ch chan<- uint64) event.Subscription {
	return w.networkFeed.Subscribe(ch)
}

func (w *Wallet) TransactOpts(ctx context.Context, account common.Address) (*bind.TransactOpts, error) {
	return &bind.TransactOpts{From: account, Context: ctx}, nil
}

// SetAccounts 模拟钱包中的账户切换
func (w *Wallet) SetAccounts(accts ...common.Address) {
	w.mu.Lock()
	w.Authorized = append([]common.Address(nil), accts...)
	w.mu.Unlock()
	w.accountFeed.Send(accts)
}

// SetNetwork 模拟钱包中的网络切换
func (w *Wallet) SetNetwork(id uint64) {
	w.mu.Lock()
	w.Network = id
	w.mu.Unlock()
	w.networkFeed.Send(id)
}

// Switches 切换请求次数
func (w *Wallet) Switches() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.SwitchCalls)
}
