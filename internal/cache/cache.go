// Package cache 维护链上设备记录的本地视图
package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"phonemarket/internal/chain"
	"phonemarket/internal/errors"
	"phonemarket/internal/logging"
	"phonemarket/internal/metrics"
	"phonemarket/internal/notify"
	"phonemarket/internal/validation"
	"phonemarket/pkg/models"

	"github.com/ethereum/go-ethereum/event"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Session 缓存需要的会话视图
type Session interface {
	Snapshot() models.Session
	Subscribe(ch chan<- models.SessionChange) event.Subscription
}

// SnapshotStore 快照持久化，nil 表示不持久化
type SnapshotStore interface {
	SaveSnapshot(snap *models.Snapshot) error
	LoadSnapshot() (*models.Snapshot, error)
}

// Options 可选依赖
type Options struct {
	ReadConcurrency int
	Store           SnapshotStore
	Validator       *validation.Validator
	Sink            notify.Sink
	Metrics         *metrics.Metrics
}

type cycle struct {
	seq     uint64
	session models.Session
	started time.Time
	reason  string

	done chan struct{}
	err  error
}

// Cache 设备记录缓存，任一时刻对外只暴露一次完整刷新的结果
type Cache struct {
	client      chain.Client
	session     Session
	store       SnapshotStore
	validator   *validation.Validator
	sink        notify.Sink
	metrics     *metrics.Metrics
	logger      *logrus.Logger
	concurrency int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// publishMu 保证快照按应用顺序通知
	publishMu sync.Mutex

	mu         sync.RWMutex
	snapshot   *models.Snapshot
	appliedSeq uint64
	minSeq     uint64
	nextSeq    uint64
	inflight   *cycle // 最近启动的周期
	running    int
	trailing   bool
	lastErr    error

	feed event.FeedOf[*models.Snapshot]
}

// New 创建缓存，Store 中的上次快照作为初始视图
func New(client chain.Client, session Session, opts Options, logger *logrus.Logger) *Cache {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		client:      client,
		session:     session,
		store:       opts.Store,
		validator:   opts.Validator,
		sink:        opts.Sink,
		metrics:     opts.Metrics,
		logger:      logger,
		concurrency: opts.ReadConcurrency,
		ctx:         ctx,
		cancel:      cancel,
		snapshot:    models.NewSnapshot(0, nil, "", nil),
	}
	if c.concurrency <= 0 {
		c.concurrency = 8
	}

	if c.store != nil {
		restored, err := c.store.LoadSnapshot()
		switch {
		case err != nil:
			logger.Warnf("加载本地快照失败: %v", err)
		case restored != nil:
			c.snapshot = restored
			logger.Infof("已从本地日志恢复 %d 条设备记录 (%s)", len(restored.All), restored.RefreshedAt.Format(time.RFC3339))
		}
	}
	return c
}

// Snapshot 当前快照，调用方不得修改
func (c *Cache) Snapshot() *models.Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.snapshot
}

// All 全部设备，按 ID 升序
func (c *Cache) All() []*models.DeviceRecord {
	snap := c.Snapshot()
	return append([]*models.DeviceRecord(nil), snap.All...)
}

// Available 未售出的设备
func (c *Cache) Available() []*models.DeviceRecord {
	return models.Available(c.Snapshot().All)
}

// Mine 当前账户的设备；快照绑定的账户与当前会话不一致时为空
func (c *Cache) Mine() []*models.DeviceRecord {
	snap := c.Snapshot()
	sess := c.session.Snapshot()
	if !sess.Connected() || !models.SameAddress(sess.Account, snap.Account) {
		return []*models.DeviceRecord{}
	}
	return snap.Mine()
}

// PendingVerification 当前账户已购买但尚未验证的设备
func (c *Cache) PendingVerification() []*models.DeviceRecord {
	snap := c.Snapshot()
	sess := c.session.Snapshot()
	if !sess.Connected() {
		return []*models.DeviceRecord{}
	}
	return models.PendingVerification(snap.All, sess.Account)
}

// Device 按 ID 查找
func (c *Cache) Device(id uint64) (*models.DeviceRecord, bool) {
	return c.Snapshot().Find(id)
}

// Loading 是否有刷新周期在执行
func (c *Cache) Loading() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.running > 0
}

// LastError 最近一次失败，成功刷新后清空
func (c *Cache) LastError() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// Subscribe 订阅已应用的快照
func (c *Cache) Subscribe(ch chan<- *models.Snapshot) event.Subscription {
	return c.feed.Subscribe(ch)
}

// Refresh 刷新并等待结果；已有周期在执行时等待该周期
func (c *Cache) Refresh(ctx context.Context) error {
	c.mu.Lock()
	cy := c.inflight
	if cy != nil {
		c.metrics.RefreshCoalesced()
	} else {
		cy = c.startLocked("手动刷新")
	}
	c.mu.Unlock()

	select {
	case <-cy.done:
		return cy.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RequestRefresh 非阻塞地请求刷新；执行中时只记一次后续刷新
func (c *Cache) RequestRefresh(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.inflight != nil {
		if !c.trailing {
			c.logger.Debugf("刷新进行中，%s 合并为一次后续刷新", reason)
		}
		c.trailing = true
		c.metrics.RefreshCoalesced()
		return
	}
	c.startLocked(reason)
}

// Invalidate 丢弃所有已启动周期的结果并立即开始新周期
func (c *Cache) Invalidate(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.minSeq = c.nextSeq + 1
	c.trailing = false
	c.startLocked(reason)
}

func (c *Cache) startLocked(reason string) *cycle {
	c.nextSeq++
	cy := &cycle{
		seq:     c.nextSeq,
		session: c.session.Snapshot(),
		started: time.Now(),
		reason:  reason,
		done:    make(chan struct{}),
	}
	c.inflight = cy
	c.running++

	c.wg.Add(1)
	go c.execute(cy)
	return cy
}

func (c *Cache) execute(cy *cycle) {
	defer c.wg.Done()

	logger := c.logger.WithFields(logrus.Fields{"seq": cy.seq, "reason": cy.reason})
	logger.Debug("开始刷新")

	snap, err := c.fetch(c.ctx, cy)
	c.complete(cy, snap, err, logger)
}

// fetch 读取完整快照，任一读取失败则整个周期失败
func (c *Cache) fetch(ctx context.Context, cy *cycle) (*models.Snapshot, error) {
	count, err := c.client.DeviceCount(ctx)
	if err != nil {
		return nil, err
	}

	records := make([]*models.DeviceRecord, count)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i := uint64(0); i < count; i++ {
		id := i
		g.Go(func() error {
			rec, err := c.client.Device(gctx, id)
			if err != nil {
				return err
			}
			records[id] = rec
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	var owned []uint64
	if cy.session.Connected() {
		owned, err = c.client.OwnedDeviceIDs(ctx, cy.session.Account)
		if err != nil {
			return nil, err
		}
	}

	return models.NewSnapshot(cy.seq, records, cy.session.Account, owned), nil
}

func (c *Cache) complete(cy *cycle, snap *models.Snapshot, err error, logger *logrus.Entry) {
	c.publishMu.Lock()
	defer c.publishMu.Unlock()

	elapsed := time.Since(cy.started).Seconds()

	c.mu.Lock()
	c.running--
	if c.inflight == cy {
		c.inflight = nil
	}

	outcome := metrics.RefreshStale
	superseded := cy.seq < c.minSeq
	switch {
	case err != nil && !superseded:
		outcome = metrics.RefreshFailed
		c.lastErr = err
	case err != nil:
	case !superseded && cy.seq > c.appliedSeq:
		outcome = metrics.RefreshApplied
		c.snapshot = snap
		c.appliedSeq = cy.seq
		c.lastErr = nil
	}

	if c.trailing && c.inflight == nil {
		c.trailing = false
		c.startLocked("合并的后续刷新")
	}
	c.mu.Unlock()

	if outcome == metrics.RefreshStale {
		cy.err = nil
	} else {
		cy.err = err
	}
	close(cy.done)

	switch outcome {
	case metrics.RefreshApplied:
		c.metrics.ObserveRefresh(outcome, elapsed, len(snap.All))
		logger.Infof("刷新完成，%d 条设备记录，耗时 %.2fs", len(snap.All), elapsed)
		c.audit(snap)
		c.persist(snap)
		c.feed.Send(snap)
	case metrics.RefreshFailed:
		c.metrics.ObserveRefresh(outcome, elapsed, 0)
		logger.Warnf("刷新失败，保留之前的快照: %v", err)
		c.notifyFailure(err)
	default:
		c.metrics.ObserveRefresh(outcome, elapsed, 0)
		logger.Debug("周期已被取代，丢弃结果")
	}
}

// audit 记录违反不变量的设备，不丢弃
func (c *Cache) audit(snap *models.Snapshot) {
	if c.validator == nil {
		return
	}
	for _, rec := range snap.All {
		result := c.validator.ValidateRecord(rec)
		if len(result.Warnings) == 0 && result.Valid {
			continue
		}
		dl := logging.NewDeviceLogger(c.logger, rec.ID)
		for _, w := range result.Warnings {
			dl.Warnf("设备记录异常: %s", w)
		}
		for _, e := range result.Errors {
			dl.Warnf("设备记录异常: %s", e)
		}
	}
}

func (c *Cache) persist(snap *models.Snapshot) {
	if c.store == nil {
		return
	}
	if err := c.store.SaveSnapshot(snap); err != nil {
		c.logger.Warnf("保存快照失败: %v", err)
	}
}

func (c *Cache) notifyFailure(err error) {
	if c.sink == nil {
		return
	}
	n := models.Notification{
		Time:   time.Now(),
		Source: models.SourceCache,
		Kind:   "refresh",
		State:  metrics.RefreshFailed,
		Level:  models.LevelWarn,
		Reason: errors.ReasonOf(err),
	}
	if pubErr := c.sink.Publish(n); pubErr != nil {
		c.logger.Warnf("发送刷新失败通知失败: %v", pubErr)
	}
}

// Run 缓存的所属任务：把会话变更与链上事件转换为刷新请求
func (c *Cache) Run(ctx context.Context) error {
	changes := make(chan models.SessionChange, 16)
	sessionSub := c.session.Subscribe(changes)
	defer sessionSub.Unsubscribe()

	events := make(chan models.ChainEvent, 64)
	subID, err := c.client.Subscribe(models.AllEventKinds, func(ev models.ChainEvent) {
		select {
		case events <- ev:
		default:
			// 队列已满时必然已有待处理的刷新
		}
	})
	if err != nil {
		c.logger.Errorf("订阅合约事件失败，只能手动刷新: %v", err)
	} else {
		defer c.client.Unsubscribe(subID)
	}

	c.RequestRefresh("启动")

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sessionSub.Err():
			return fmt.Errorf("会话订阅中断: %w", err)
		case change := <-changes:
			c.onSessionChange(change)
		case ev := <-events:
			c.RequestRefresh(fmt.Sprintf("%s #%d", ev.Kind, ev.DeviceID))
		}
	}
}

func (c *Cache) onSessionChange(change models.SessionChange) {
	switch {
	case change.AccountChanged() && change.Old.Account != "":
		// 切换账户或断开，旧账户的结果不能再出现
		c.Invalidate("账户变更")
	case change.BecameConnected():
		c.RequestRefresh("已连接")
	}
}

// Close 取消执行中的周期并等待退出
func (c *Cache) Close() {
	c.cancel()
	c.wg.Wait()
}
