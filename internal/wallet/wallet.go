package wallet

import (
	"context"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
)

// NetworkParams 添加或切换网络时提交给钱包的参数
type NetworkParams struct {
	ChainID        uint64
	ChainName      string
	RPCURL         string
	ExplorerURL    string
	CurrencyName   string
	CurrencySymbol string
	Decimals       uint8
}

// Wallet 钱包能力，由会话管理器独占使用
type Wallet interface {
	// AuthorizedAccounts 已授权账户，不弹出任何提示
	AuthorizedAccounts(ctx context.Context) ([]common.Address, error)
	// RequestAuthorization 请求授权，可能需要用户确认；拒绝时返回 UserRejected
	RequestAuthorization(ctx context.Context) ([]common.Address, error)
	// NetworkID 钱包当前所在网络
	NetworkID(ctx context.Context) (uint64, error)
	// RequestAddOrSwitchNetwork 请求钱包切换到目标网络，必要时先添加
	RequestAddOrSwitchNetwork(ctx context.Context, params NetworkParams) error
	// SubscribeAccounts 账户变更通知，空列表表示全部断开
	SubscribeAccounts(ch chan<- []common.Address) event.Subscription
	// SubscribeNetwork 网络变更通知
	SubscribeNetwork(ch chan<- uint64) event.Subscription
	// TransactOpts 为指定账户构造签名参数
	TransactOpts(ctx context.Context, account common.Address) (*bind.TransactOpts, error)
}
