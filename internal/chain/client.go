// Package chain 合约读写与事件订阅
package chain

import (
	"context"
	_ "embed"
	"math/big"
	"strings"
	"sync"

	"phonemarket/pkg/models"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
)

//go:embed phonemarket.abi.json
var phoneMarketABIJSON string

var (
	parsedABI     abi.ABI
	parsedABIErr  error
	parsedABIOnce sync.Once
)

// ParsedABI PhoneMarketplace 合约 ABI
func ParsedABI() (*abi.ABI, error) {
	parsedABIOnce.Do(func() {
		parsedABI, parsedABIErr = abi.JSON(strings.NewReader(phoneMarketABIJSON))
	})
	if parsedABIErr != nil {
		return nil, parsedABIErr
	}
	return &parsedABI, nil
}

// Handle 已提交交易的哈希
type Handle string

// SubscriptionID 事件订阅标识
type SubscriptionID uint64

// EventCallback 事件回调，在订阅的 goroutine 上调用，不能阻塞
type EventCallback func(models.ChainEvent)

// Confirmation 交易回执摘要
type Confirmation struct {
	Handle      Handle `json:"handle"`
	BlockNumber uint64 `json:"block_number"`
	GasUsed     uint64 `json:"gas_used"`
}

// Client 合约读写接口
type Client interface {
	DeviceCount(ctx context.Context) (uint64, error)
	Device(ctx context.Context, id uint64) (*models.DeviceRecord, error)
	OwnedDeviceIDs(ctx context.Context, account string) ([]uint64, error)

	SubmitList(ctx context.Context, opts *bind.TransactOpts, fields models.ListingFields) (Handle, error)
	SubmitBuy(ctx context.Context, opts *bind.TransactOpts, id uint64, price *big.Int) (Handle, error)
	SubmitVerify(ctx context.Context, opts *bind.TransactOpts, id uint64, imei string) (Handle, error)
	AwaitConfirmation(ctx context.Context, handle Handle) (*Confirmation, error)

	Subscribe(kinds []models.EventKind, cb EventCallback) (SubscriptionID, error)
	Unsubscribe(id SubscriptionID)
}
