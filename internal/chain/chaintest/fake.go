// Package chaintest 提供测试用的内存合约
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"phonemarket/internal/chain"
	"phonemarket/internal/errors"
	"phonemarket/pkg/models"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
)

// Submission 一次写操作的参数
type Submission struct {
	Kind     models.TxKind
	Handle   chain.Handle
	From     string
	DeviceID uint64
	Value    *big.Int
	Fields   models.ListingFields
	IMEI     string
}

type subscriber struct {
	kinds map[models.EventKind]bool
	cb    chain.EventCallback
}

// Chain 内存合约，实现 chain.Client
type Chain struct {
	mu      sync.Mutex
	devices []*models.DeviceRecord
	owned   map[string][]uint64

	countErr   error
	deviceErr  map[uint64]error
	ownedErr   error
	submitErr  error
	confirmErr error

	readGates    []chan struct{}
	confirmGates []chan struct{}

	countCalls  int
	ownedCalls  int
	submissions []Submission
	pending     map[chain.Handle]Submission
	nextTx      uint64

	subs   map[chain.SubscriptionID]subscriber
	nextID chain.SubscriptionID

	// OnConfirm 在确认成功前调用，用于模拟链上状态变化
	OnConfirm func(c *Chain, s Submission)
}

// New 创建空合约
func New() *Chain {
	return &Chain{
		owned:     make(map[string][]uint64),
		deviceErr: make(map[uint64]error),
		pending:   make(map[chain.Handle]Submission),
		subs:      make(map[chain.SubscriptionID]subscriber),
	}
}

// Put 写入或替换设备记录，ID 必须连续
func (c *Chain) Put(rec *models.DeviceRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for uint64(len(c.devices)) <= rec.ID {
		c.devices = append(c.devices, nil)
	}
	c.devices[rec.ID] = rec.Clone()
}

// Update 修改已有记录
func (c *Chain) Update(id uint64, fn func(*models.DeviceRecord)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id < uint64(len(c.devices)) && c.devices[id] != nil {
		fn(c.devices[id])
	}
}

// SetOwned 设置账户的设备索引
func (c *Chain) SetOwned(account string, ids ...uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.owned[models.NormalizeAddress(account)] = append([]uint64(nil), ids...)
}

// FailCount 之后的 DeviceCount 返回 err，nil 表示恢复
func (c *Chain) FailCount(err error) {
	c.mu.Lock()
	c.countErr = err
	c.mu.Unlock()
}

// FailDevice 读取指定设备时返回 err
func (c *Chain) FailDevice(id uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.deviceErr, id)
		return
	}
	c.deviceErr[id] = err
}

// FailOwned 之后的 OwnedDeviceIDs 返回 err
func (c *Chain) FailOwned(err error) {
	c.mu.Lock()
	c.ownedErr = err
	c.mu.Unlock()
}

// FailSubmit 之后的提交返回 err
func (c *Chain) FailSubmit(err error) {
	c.mu.Lock()
	c.submitErr = err
	c.mu.Unlock()
}

// FailConfirm 之后的确认返回 err
func (c *Chain) FailConfirm(err error) {
	c.mu.Lock()
	c.confirmErr = err
	c.mu.Unlock()
}

// HoldNextRead 阻塞下一次 DeviceCount，直到调用返回的函数
func (c *Chain) HoldNextRead() (release func()) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.readGates = append(c.readGates, gate)
	c.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// HoldNextConfirmation 阻塞下一次 AwaitConfirmation
func (c *Chain) HoldNextConfirmation() (release func()) {
	gate := make(chan struct{})
	c.mu.Lock()
	c.confirmGates = append(c.confirmGates, gate)
	c.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(gate) }) }
}

// CountCalls DeviceCount 被调用的次数
func (c *Chain) CountCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.countCalls
}

// OwnedCalls OwnedDeviceIDs 被调用的次数
func (c *Chain) OwnedCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ownedCalls
}

// Submissions 已提交的写操作
func (c *Chain) Submissions() []Submission {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Submission(nil), c.submissions...)
}

// Subscribers 当前订阅数
func (c *Chain) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

func wait(ctx context.Context, gate chan struct{}) error {
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return errors.RPC(ctx.Err(), "请求被取消")
	}
}

func (c *Chain) DeviceCount(ctx context.Context) (uint64, error) {
	c.mu.Lock()
	c.countCalls++
	var gate chan struct{}
	if len(c.readGates) > 0 {
		gate = c.readGates[0]
		c.readGates = c.readGates[1:]
	}
	c.mu.Unlock()

	if err := wait(ctx, gate); err != nil {
		return 0, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.countErr != nil {
		return 0, c.countErr
	}
	return uint64(len(c.devices)), nil
}

func (c *Chain) Device(ctx context.Context, id uint64) (*models.DeviceRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.deviceErr[id]; err != nil {
		return nil, err
	}
	if id >= uint64(len(c.devices)) || c.devices[id] == nil {
		return nil, errors.NotFound(id)
	}
	return c.devices[id].Clone(), nil
}

func (c *Chain) OwnedDeviceIDs(ctx context.Context, account string) ([]uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ownedCalls++
	if account == "" {
		return nil, errors.NoSession()
	}
	if c.ownedErr != nil {
		return nil, c.ownedErr
	}
	return append([]uint64(nil), c.owned[models.NormalizeAddress(account)]...), nil
}

func (c *Chain) submit(opts *bind.TransactOpts, s Submission) (chain.Handle, error) {
	if opts == nil {
		return "", errors.NoSession()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.submitErr != nil {
		return "", c.submitErr
	}
	c.nextTx++
	s.Handle = chain.Handle(fmt.Sprintf("0x%064x", c.nextTx))
	s.From = models.NormalizeAddress(opts.From.Hex())
	c.submissions = append(c.submissions, s)
	c.pending[s.Handle] = s
	return s.Handle, nil
}

func (c *Chain) SubmitList(ctx context.Context, opts *bind.TransactOpts, fields models.ListingFields) (chain.Handle, error) {
	return c.submit(opts, Submission{Kind: models.TxList, Fields: fields})
}

func (c *Chain) SubmitBuy(ctx context.Context, opts *bind.TransactOpts, id uint64, price *big.Int) (chain.Handle, error) {
	return c.submit(opts, Submission{Kind: models.TxBuy, DeviceID: id, Value: new(big.Int).Set(price)})
}

func (c *Chain) SubmitVerify(ctx context.Context, opts *bind.TransactOpts, id uint64, imei string) (chain.Handle, error) {
	return c.submit(opts, Submission{Kind: models.TxVerify, DeviceID: id, IMEI: imei})
}

func (c *Chain) AwaitConfirmation(ctx context.Context, handle chain.Handle) (*chain.Confirmation, error) {
	c.mu.Lock()
	var gate chan struct{}
	if len(c.confirmGates) > 0 {
		gate = c.confirmGates[0]
		c.confirmGates = c.confirmGates[1:]
	}
	c.mu.Unlock()

	if err := wait(ctx, gate); err != nil {
		return nil, err
	}

	c.mu.Lock()
	s, known := c.pending[handle]
	delete(c.pending, handle)
	confirmErr := c.confirmErr
	onConfirm := c.OnConfirm
	c.mu.Unlock()

	if confirmErr != nil {
		return nil, confirmErr
	}
	if known && onConfirm != nil {
		onConfirm(c, s)
	}
	return &chain.Confirmation{Handle: handle, BlockNumber: 1}, nil
}

func (c *Chain) Subscribe(kinds []models.EventKind, cb chain.EventCallback) (chain.SubscriptionID, error) {
	set := make(map[models.EventKind]bool, len(kinds))
	for _, k := range kinds {
		set[k] = true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	c.subs[c.nextID] = subscriber{kinds: set, cb: cb}
	return c.nextID, nil
}

func (c *Chain) Unsubscribe(id chain.SubscriptionID) {
	c.mu.Lock()
	delete(c.subs, id)
	c.mu.Unlock()
}

// Emit 向订阅了该类事件的回调投递事件
func (c *Chain) Emit(ev models.ChainEvent) {
	c.mu.Lock()
	var targets []chain.EventCallback
	for _, s := range c.subs {
		if s.kinds[ev.Kind] {
			targets = append(targets, s.cb)
		}
	}
	c.mu.Unlock()

	for _, cb := range targets {
		cb(ev)
	}
}

var _ chain.Client = (*Chain)(nil)
