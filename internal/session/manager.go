package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"phonemarket/internal/errors"
	"phonemarket/internal/metrics"
	"phonemarket/internal/notify"
	"phonemarket/internal/wallet"
	"phonemarket/pkg/models"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/sirupsen/logrus"
)

var allStatuses = []string{
	string(models.StatusDisconnected),
	string(models.StatusConnecting),
	string(models.StatusConnected),
	string(models.StatusWrongNetwork),
	string(models.StatusError),
}

// Manager 钱包会话管理器，会话状态只在这里修改
type Manager struct {
	wallet  wallet.Wallet // nil 表示没有可用钱包
	target  wallet.NetworkParams
	logger  *logrus.Logger
	metrics *metrics.Metrics
	sink    notify.Sink

	// updateMu 串行化“读取-计算-替换-通知”，保证通知顺序与替换顺序一致
	updateMu sync.Mutex
	mu       sync.RWMutex
	current  models.Session

	feed event.FeedOf[models.SessionChange]
}

// NewManager 创建会话管理器，m 与 sink 可为 nil
func NewManager(w wallet.Wallet, target wallet.NetworkParams, m *metrics.Metrics, sink notify.Sink, logger *logrus.Logger) *Manager {
	mgr := &Manager{
		wallet:  w,
		target:  target,
		logger:  logger,
		metrics: m,
		sink:    sink,
		current: models.Session{Status: models.StatusDisconnected},
	}
	m.SessionStatus(string(models.StatusDisconnected), allStatuses)
	return mgr
}

// Snapshot 当前会话
func (m *Manager) Snapshot() models.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Target 目标网络
func (m *Manager) Target() wallet.NetworkParams {
	return m.target
}

// Subscribe 订阅会话变更，每次替换恰好一条通知
func (m *Manager) Subscribe(ch chan<- models.SessionChange) event.Subscription {
	return m.feed.Subscribe(ch)
}

// update 原子地替换会话并通知；fn 返回 false 表示不变更
func (m *Manager) update(fn func(cur models.Session) (models.Session, bool)) models.Session {
	m.updateMu.Lock()
	defer m.updateMu.Unlock()

	m.mu.Lock()
	old := m.current
	next, ok := fn(old)
	if old.NeedsReload {
		// 网络变更后一直保持，直到进程重启
		next.NeedsReload = true
		if next.Status == models.StatusConnected {
			m.logger.Warn("会话需要重启，拒绝恢复连接")
			m.mu.Unlock()
			return old
		}
	}
	if !ok || next == old {
		m.mu.Unlock()
		return old
	}
	if !next.Consistent() {
		// 账户只在 Connected 时存在
		m.logger.Errorf("拒绝不一致的会话状态: %+v", next)
		m.mu.Unlock()
		return old
	}
	m.current = next
	m.mu.Unlock()

	m.logger.WithFields(logrus.Fields{
		"status":  next.Status,
		"account": next.Account,
		"network": next.NetworkID,
	}).Infof("会话状态: %s -> %s", old.Status, next.Status)

	m.metrics.SessionStatus(string(next.Status), allStatuses)
	m.feed.Send(models.SessionChange{Old: old, New: next})
	m.publish(next)
	return next
}

func (m *Manager) set(next models.Session) models.Session {
	return m.update(func(models.Session) (models.Session, bool) { return next, true })
}

func (m *Manager) publish(s models.Session) {
	if m.sink == nil {
		return
	}
	level := ""
	switch s.Status {
	case models.StatusError:
		level = models.LevelError
	case models.StatusWrongNetwork:
		level = models.LevelWarn
	default:
		return
	}
	n := models.Notification{
		Time:   time.Now(),
		Source: models.SourceSession,
		Kind:   "session",
		State:  string(s.Status),
		Level:  level,
		Reason: s.Reason,
	}
	if err := m.sink.Publish(n); err != nil {
		m.logger.Warnf("发送会话通知失败: %v", err)
	}
}

func (m *Manager) failed(err error, networkID uint64) error {
	m.set(models.Session{Status: models.StatusError, NetworkID: networkID, Reason: errors.ReasonOf(err)})
	return err
}

// Initialize 静默检查已授权账户，不弹出任何提示
func (m *Manager) Initialize(ctx context.Context) error {
	if m.Snapshot().NeedsReload {
		return errors.ReloadRequired()
	}
	if m.wallet == nil {
		// 静默检查不报错，Connect 时才进入 Error
		m.set(models.Session{Status: models.StatusDisconnected, Reason: "未检测到钱包"})
		return nil
	}

	accts, err := m.wallet.AuthorizedAccounts(ctx)
	if err != nil {
		return m.failed(err, 0)
	}
	if len(accts) == 0 {
		m.set(models.Session{Status: models.StatusDisconnected})
		return nil
	}

	return m.bind(ctx, accts[0], false)
}

// Connect 请求钱包授权并校验网络
func (m *Manager) Connect(ctx context.Context) error {
	if m.wallet == nil {
		return m.failed(errors.WalletUnavailable("未检测到钱包，请先配置 keystore"), 0)
	}
	if m.Snapshot().NeedsReload {
		return errors.ReloadRequired()
	}

	m.update(func(cur models.Session) (models.Session, bool) {
		if cur.Connected() {
			// 已连接时保留账户，只在结果变化时替换
			return cur, false
		}
		return models.Session{Status: models.StatusConnecting, NetworkID: cur.NetworkID}, true
	})

	accts, err := m.wallet.RequestAuthorization(ctx)
	if err != nil {
		if errors.Is(err, errors.KindUserRejected) {
			m.logger.Info("用户拒绝了钱包授权")
			m.set(models.Session{Status: models.StatusDisconnected})
			return err
		}
		return m.failed(err, 0)
	}
	if len(accts) == 0 {
		m.set(models.Session{Status: models.StatusDisconnected})
		return errors.UserRejected(fmt.Errorf("钱包没有返回账户"))
	}

	return m.bind(ctx, accts[0], true)
}

// bind 读取网络ID，匹配则进入 Connected，否则 WrongNetwork
func (m *Manager) bind(ctx context.Context, account common.Address, requestSwitch bool) error {
	networkID, err := m.wallet.NetworkID(ctx)
	if err != nil {
		return m.failed(err, 0)
	}

	if networkID != m.target.ChainID {
		wrong := errors.WrongNetwork(networkID, m.target.ChainID)
		m.set(models.Session{
			Status:    models.StatusWrongNetwork,
			NetworkID: networkID,
			Reason:    wrong.Reason,
		})
		if requestSwitch {
			// 无论切换结果如何都停留在 WrongNetwork，由调用方再次 Connect
			if err := m.wallet.RequestAddOrSwitchNetwork(ctx, m.target); err != nil {
				m.logger.Warnf("请求切换网络失败: %v", err)
				wrong.WithContext("switch_error", errors.ReasonOf(err))
			} else {
				m.logger.Infof("已请求钱包切换到 %s (%d)，请重新连接", m.target.ChainName, m.target.ChainID)
			}
		}
		return wrong
	}

	cur := m.set(models.Session{
		Status:    models.StatusConnected,
		Account:   models.NormalizeAddress(account.Hex()),
		NetworkID: networkID,
	})
	if !cur.Connected() {
		return errors.ReloadRequired()
	}
	return nil
}

// Disconnect 本地断开，不通知钱包
func (m *Manager) Disconnect() {
	m.update(func(cur models.Session) (models.Session, bool) {
		return models.Session{Status: models.StatusDisconnected, NetworkID: cur.NetworkID}, true
	})
}

// TransactOpts 当前连接账户的签名参数
func (m *Manager) TransactOpts(ctx context.Context) (*bind.TransactOpts, error) {
	cur := m.Snapshot()
	if !cur.Connected() || m.wallet == nil {
		return nil, errors.NoSession()
	}
	return m.wallet.TransactOpts(ctx, common.HexToAddress(cur.Account))
}

// Run 在单个 goroutine 中处理钱包发出的账户与网络变更
func (m *Manager) Run(ctx context.Context) error {
	if m.wallet == nil {
		<-ctx.Done()
		return nil
	}

	accountsCh := make(chan []common.Address, 8)
	networkCh := make(chan uint64, 8)
	accountsSub := m.wallet.SubscribeAccounts(accountsCh)
	defer accountsSub.Unsubscribe()
	networkSub := m.wallet.SubscribeNetwork(networkCh)
	defer networkSub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil
		case accts := <-accountsCh:
			m.handleAccounts(accts)
		case id := <-networkCh:
			m.handleNetwork(id)
		case err := <-accountsSub.Err():
			return fmt.Errorf("账户订阅中断: %w", err)
		case err := <-networkSub.Err():
			return fmt.Errorf("网络订阅中断: %w", err)
		}
	}
}

func (m *Manager) handleAccounts(accts []common.Address) {
	m.update(func(cur models.Session) (models.Session, bool) {
		if cur.Status != models.StatusConnected {
			m.logger.Debugf("未连接，忽略账户变更")
			return cur, false
		}
		if len(accts) == 0 {
			return models.Session{Status: models.StatusDisconnected, NetworkID: cur.NetworkID}, true
		}
		next := cur
		next.Account = models.NormalizeAddress(accts[0].Hex())
		return next, true
	})
}

func (m *Manager) handleNetwork(id uint64) {
	m.update(func(cur models.Session) (models.Session, bool) {
		next := models.Session{
			Status:      models.StatusDisconnected,
			NetworkID:   id,
			NeedsReload: true,
		}
		if id != m.target.ChainID {
			next.Status = models.StatusWrongNetwork
			next.Reason = errors.WrongNetwork(id, m.target.ChainID).Reason
		}
		return next, true
	})
}
