// Package txn 写操作的提交、等待确认与结算
package txn

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"phonemarket/internal/chain"
	"phonemarket/internal/errors"
	"phonemarket/internal/logging"
	"phonemarket/internal/metrics"
	"phonemarket/internal/notify"
	"phonemarket/internal/validation"
	"phonemarket/pkg/models"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/event"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Session 协调器需要的会话视图
type Session interface {
	Snapshot() models.Session
	TransactOpts(ctx context.Context) (*bind.TransactOpts, error)
}

// Refresher 确认后触发的缓存刷新
type Refresher interface {
	Refresh(ctx context.Context) error
}

// PendingStore 已提交交易的持久化
type PendingStore interface {
	PutPending(ptx *models.PendingTransaction) error
	DeletePending(id string) error
	ListPending() ([]*models.PendingTransaction, error)
}

// Options 可选依赖
type Options struct {
	Store     PendingStore
	Validator *validation.Validator
	Sink      notify.Sink
	Errors    *errors.ErrorHandler
	Metrics   *metrics.Metrics
}

type idKey struct{}

// WithID 指定下一次调用使用的交易 ID，调用方可以在结算前拿到 ID
func WithID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, idKey{}, id)
}

type submitFunc func(ctx context.Context, opts *bind.TransactOpts) (chain.Handle, error)

// Coordinator 交易协调器，每次调用对应一个 PendingTransaction
type Coordinator struct {
	chain     chain.Client
	session   Session
	cache     Refresher
	store     PendingStore
	validator *validation.Validator
	sink      notify.Sink
	errors    *errors.ErrorHandler
	metrics   *metrics.Metrics
	logger    *logrus.Logger

	mu      sync.Mutex
	pending map[string]*models.PendingTransaction
	wg      sync.WaitGroup

	feed event.FeedOf[models.StatusEvent]
}

// New 创建交易协调器
func New(client chain.Client, session Session, cache Refresher, opts Options, logger *logrus.Logger) *Coordinator {
	validator := opts.Validator
	if validator == nil {
		validator = validation.NewValidator(logger, false)
	}
	return &Coordinator{
		chain:     client,
		session:   session,
		cache:     cache,
		store:     opts.Store,
		validator: validator,
		sink:      opts.Sink,
		errors:    opts.Errors,
		metrics:   opts.Metrics,
		logger:    logger,
		pending:   make(map[string]*models.PendingTransaction),
	}
}

// Subscribe 订阅交易状态
func (c *Coordinator) Subscribe(ch chan<- models.StatusEvent) event.Subscription {
	return c.feed.Subscribe(ch)
}

// Pending 未结算的交易，按创建时间排序
func (c *Coordinator) Pending() []models.PendingTransaction {
	c.mu.Lock()
	out := make([]models.PendingTransaction, 0, len(c.pending))
	for _, ptx := range c.pending {
		out = append(out, *ptx)
	}
	c.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// List 登记设备
func (c *Coordinator) List(ctx context.Context, fields models.ListingFields) (bool, error) {
	ptx := c.newTransaction(ctx, models.TxList, nil)
	c.logger.Infof("登记设备: %s", fields)

	return c.execute(ctx, ptx,
		func() error { return c.validator.ValidateListing(fields).Err() },
		func(ctx context.Context, opts *bind.TransactOpts) (chain.Handle, error) {
			return c.chain.SubmitList(ctx, opts, fields)
		})
}

// Buy 按以太单位的价格购买设备
func (c *Coordinator) Buy(ctx context.Context, id uint64, price string) (bool, error) {
	ptx := c.newTransaction(ctx, models.TxBuy, &id)

	var wei *big.Int
	return c.execute(ctx, ptx,
		func() error {
			parsed, err := models.ParseEther(price)
			if err != nil {
				return errors.Validation(err.Error())
			}
			wei = parsed
			return c.validator.ValidateBuy(id, wei).Err()
		},
		func(ctx context.Context, opts *bind.TransactOpts) (chain.Handle, error) {
			return c.chain.SubmitBuy(ctx, opts, id, wei)
		})
}

// Verify 以 IMEI 验证设备，是否匹配由合约判断
func (c *Coordinator) Verify(ctx context.Context, id uint64, imei string) (bool, error) {
	ptx := c.newTransaction(ctx, models.TxVerify, &id)

	return c.execute(ctx, ptx,
		func() error { return c.validator.ValidateVerify(id, imei).Err() },
		func(ctx context.Context, opts *bind.TransactOpts) (chain.Handle, error) {
			return c.chain.SubmitVerify(ctx, opts, id, imei)
		})
}

func (c *Coordinator) newTransaction(ctx context.Context, kind models.TxKind, deviceID *uint64) *models.PendingTransaction {
	id, _ := ctx.Value(idKey{}).(string)
	if id == "" {
		id = uuid.NewString()
	}
	return &models.PendingTransaction{
		ID:        id,
		Kind:      kind,
		DeviceID:  deviceID,
		CreatedAt: time.Now(),
	}
}

func (c *Coordinator) execute(ctx context.Context, ptx *models.PendingTransaction, validate func() error, submit submitFunc) (bool, error) {
	logger := logging.NewTxLogger(c.logger, ptx.ID, string(ptx.Kind))

	c.track(ptx)
	c.transition(ptx, models.TxSubmitting)

	// 前置条件失败时不发起任何远端调用
	sess := c.session.Snapshot()
	if !sess.Connected() {
		return false, c.settle(ctx, ptx, models.TxRejected, errors.NoSession())
	}
	c.mu.Lock()
	ptx.Account = sess.Account
	c.mu.Unlock()

	if err := validate(); err != nil {
		return false, c.settle(ctx, ptx, models.TxRejected, err)
	}

	opts, err := c.session.TransactOpts(ctx)
	if err != nil {
		return false, c.settle(ctx, ptx, submitFailureState(err), err)
	}

	handle, err := submit(ctx, opts)
	if err != nil {
		return false, c.settle(ctx, ptx, submitFailureState(err), err)
	}

	c.mu.Lock()
	ptx.Handle = string(handle)
	ptx.SubmittedAt = time.Now()
	ptx.State = models.TxSubmitted
	c.mu.Unlock()
	if c.store != nil {
		if err := c.store.PutPending(ptx); err != nil {
			logger.Warnf("记录已提交交易失败: %v", err)
		}
	}
	c.transition(ptx, models.TxSubmitted)
	logger.Infof("交易已提交 %s，等待确认", handle)

	// 调用方取消后仍需把交易推进到终态
	return c.confirm(context.WithoutCancel(ctx), ptx)
}

func submitFailureState(err error) models.TxState {
	switch errors.KindOf(err) {
	case errors.KindUserRejected, errors.KindNoSession, errors.KindValidation:
		return models.TxRejected
	default:
		return models.TxFailed
	}
}

func (c *Coordinator) confirm(ctx context.Context, ptx *models.PendingTransaction) (bool, error) {
	conf, err := c.chain.AwaitConfirmation(ctx, chain.Handle(ptx.Handle))
	if err != nil && ctx.Err() != nil {
		// 只是停止等待，交易记录保留到下次 Resume
		c.mu.Lock()
		delete(c.pending, ptx.ID)
		c.mu.Unlock()
		c.logger.Infof("停止等待交易 %s，下次启动时恢复", ptx.Handle)
		return false, err
	}
	if err != nil {
		// 失败不刷新缓存，其他参与者的事件仍会触发刷新
		return false, c.settle(ctx, ptx, models.TxFailed, err)
	}

	logging.NewTxLogger(c.logger, ptx.ID, string(ptx.Kind)).
		Infof("交易已确认，区块 %d", conf.BlockNumber)
	c.settle(ctx, ptx, models.TxConfirmed, nil)

	if err := c.cache.Refresh(ctx); err != nil {
		c.logger.Warnf("确认后刷新缓存失败: %v", err)
	}
	return true, nil
}

func (c *Coordinator) track(ptx *models.PendingTransaction) {
	c.mu.Lock()
	c.pending[ptx.ID] = ptx
	c.mu.Unlock()
}

func (c *Coordinator) transition(ptx *models.PendingTransaction, state models.TxState) {
	c.mu.Lock()
	ptx.State = state
	count := len(c.pending)
	c.mu.Unlock()

	c.metrics.TxTransition(string(ptx.Kind), string(state), count)
	c.feed.Send(c.statusEvent(ptx))
}

// settle 进入终态：通知订阅者与通知渠道，失败时计入错误统计
func (c *Coordinator) settle(ctx context.Context, ptx *models.PendingTransaction, state models.TxState, err error) error {
	c.mu.Lock()
	ptx.State = state
	ptx.Reason = errors.ReasonOf(err)
	delete(c.pending, ptx.ID)
	count := len(c.pending)
	c.mu.Unlock()

	if c.store != nil && ptx.Handle != "" {
		if delErr := c.store.DeletePending(ptx.ID); delErr != nil {
			c.logger.Warnf("删除交易记录失败: %v", delErr)
		}
	}

	ev := c.statusEvent(ptx)
	c.metrics.TxTransition(string(ptx.Kind), string(state), count)
	c.feed.Send(ev)

	if c.sink != nil {
		if pubErr := c.sink.Publish(models.NotificationFromStatus(ev)); pubErr != nil {
			c.logger.Warnf("发送交易通知失败: %v", pubErr)
		}
	}

	logger := logging.NewTxLogger(c.logger, ptx.ID, string(ptx.Kind))
	if err == nil {
		logger.Infof("交易结束: %s", state)
		return nil
	}

	logger.Warnf("交易结束: %s (%s)", state, ptx.Reason)
	if c.errors != nil {
		me := c.errors.HandleError(ctx, err)
		if ptx.DeviceID != nil {
			me.WithDeviceID(*ptx.DeviceID)
		}
		if ptx.Handle != "" {
			me.WithTxHash(ptx.Handle)
		}
		return me
	}
	return err
}

func (c *Coordinator) statusEvent(ptx *models.PendingTransaction) models.StatusEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return models.StatusEvent{
		TxID:     ptx.ID,
		Kind:     ptx.Kind,
		State:    ptx.State,
		Handle:   ptx.Handle,
		DeviceID: ptx.DeviceID,
		Reason:   ptx.Reason,
		Time:     time.Now(),
	}
}

// Resume 重新等待上次运行中已提交但未结算的交易，返回恢复的数量
func (c *Coordinator) Resume(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	stored, err := c.store.ListPending()
	if err != nil {
		return 0, err
	}

	resumed := 0
	for _, ptx := range stored {
		if ptx.Handle == "" {
			_ = c.store.DeletePending(ptx.ID)
			continue
		}

		c.mu.Lock()
		_, known := c.pending[ptx.ID]
		if !known {
			ptx.State = models.TxSubmitted
			c.pending[ptx.ID] = ptx
		}
		c.mu.Unlock()
		if known {
			continue
		}

		resumed++
		c.logger.Infof("恢复等待交易 %s (%s %s)", ptx.ID, ptx.Kind, ptx.Handle)
		c.wg.Add(1)
		go func(ptx *models.PendingTransaction) {
			defer c.wg.Done()
			_, _ = c.confirm(ctx, ptx)
		}(ptx)
	}
	return resumed, nil
}

// Wait 等待 Resume 启动的任务结束
func (c *Coordinator) Wait() {
	c.wg.Wait()
}
