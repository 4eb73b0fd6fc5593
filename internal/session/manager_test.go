package session

import (
	"context"
	"testing"
	"time"

	"phonemarket/internal/errors"
	"phonemarket/internal/notify"
	"phonemarket/internal/wallet"
	"phonemarket/internal/wallet/wallettest"
	"phonemarket/pkg/models"

	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const targetNetwork = 420420421

var (
	alice = common.HexToAddress("0xAbCdEf0000000000000000000000000000000001")
	bob   = common.HexToAddress("0xAbCdEf0000000000000000000000000000000002")
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func newTestManager(w wallet.Wallet) (*Manager, *notify.Ring) {
	ring := notify.NewRing(16)
	target := wallet.NetworkParams{ChainID: targetNetwork, ChainName: "Westend Asset Hub", RPCURL: "http://westend"}
	return NewManager(w, target, nil, ring, testLogger()), ring
}

func collect(m *Manager) (chan models.SessionChange, func()) {
	ch := make(chan models.SessionChange, 64)
	sub := m.Subscribe(ch)
	return ch, sub.Unsubscribe
}

func waitStatus(t *testing.T, m *Manager, want models.SessionStatus) models.Session {
	t.Helper()
	var cur models.Session
	require.Eventually(t, func() bool {
		cur = m.Snapshot()
		return cur.Status == want
	}, 2*time.Second, 5*time.Millisecond)
	return cur
}

func TestNewManager_StartsDisconnected(t *testing.T) {
	m, _ := newTestManager(wallettest.New(targetNetwork))
	assert.Equal(t, models.StatusDisconnected, m.Snapshot().Status)
	assert.Empty(t, m.Snapshot().Account)
}

func TestInitialize_NoWallet(t *testing.T) {
	m, ring := newTestManager(nil)

	require.NoError(t, m.Initialize(context.Background()))
	cur := m.Snapshot()
	assert.Equal(t, models.StatusDisconnected, cur.Status)
	assert.NotEmpty(t, cur.Reason)

	_, total := ring.List("", 1, 10)
	assert.Zero(t, total)
}

func TestInitialize_NoAuthorizedAccounts(t *testing.T) {
	w := wallettest.New(targetNetwork)
	m, _ := newTestManager(w)

	require.NoError(t, m.Initialize(context.Background()))
	assert.Equal(t, models.StatusDisconnected, m.Snapshot().Status)
}

func TestInitialize_SilentReconnect(t *testing.T) {
	w := wallettest.New(targetNetwork)
	w.Authorized = []common.Address{alice}
	m, _ := newTestManager(w)

	require.NoError(t, m.Initialize(context.Background()))
	cur := m.Snapshot()
	assert.Equal(t, models.StatusConnected, cur.Status)
	assert.Equal(t, "0xabcdef0000000000000000000000000000000001", cur.Account)
	assert.Equal(t, uint64(targetNetwork), cur.NetworkID)
	assert.Zero(t, w.Switches(), "静默恢复不应请求切换网络")
}

func TestConnect_Success(t *testing.T) {
	w := wallettest.New(targetNetwork)
	w.Grant = []common.Address{alice}
	m, _ := newTestManager(w)
	ch, stop := collect(m)
	defer stop()

	require.NoError(t, m.Connect(context.Background()))

	first := <-ch
	assert.Equal(t, models.StatusConnecting, first.New.Status)
	second := <-ch
	assert.True(t, second.BecameConnected())
	assert.Equal(t, models.NormalizeAddress(alice.Hex()), second.New.Account)
}

func TestConnect_WrongNetworkRequestsSwitch(t *testing.T) {
	w := wallettest.New(1)
	w.Grant = []common.Address{alice}
	w.SwitchTo = targetNetwork
	m, _ := newTestManager(w)

	err := m.Connect(context.Background())
	assert.True(t, errors.Is(err, errors.KindWrongNetwork))

	cur := m.Snapshot()
	assert.Equal(t, models.StatusWrongNetwork, cur.Status)
	assert.Empty(t, cur.Account)
	assert.Equal(t, uint64(1), cur.NetworkID)
	require.Equal(t, 1, w.Switches())
	assert.Equal(t, uint64(targetNetwork), w.SwitchCalls[0].ChainID)

	// 切换后重新连接
	require.NoError(t, m.Connect(context.Background()))
	assert.Equal(t, models.StatusConnected, m.Snapshot().Status)
}

func TestConnect_SwitchRefused(t *testing.T) {
	w := wallettest.New(1)
	w.Grant = []common.Address{alice}
	m, ring := newTestManager(w)

	err := m.Connect(context.Background())
	assert.True(t, errors.Is(err, errors.KindWrongNetwork))
	assert.Equal(t, models.StatusWrongNetwork, m.Snapshot().Status)

	items, _ := ring.List(models.LevelWarn, 1, 10)
	require.NotEmpty(t, items)
	assert.Equal(t, string(models.StatusWrongNetwork), items[0].State)
}

func TestConnect_UserDenied(t *testing.T) {
	w := wallettest.New(targetNetwork)
	w.Deny = true
	m, _ := newTestManager(w)

	err := m.Connect(context.Background())
	assert.True(t, errors.Is(err, errors.KindUserRejected))
	assert.Equal(t, models.StatusDisconnected, m.Snapshot().Status)
}

func TestConnect_NoWallet(t *testing.T) {
	m, ring := newTestManager(nil)
	err := m.Connect(context.Background())
	assert.True(t, errors.Is(err, errors.KindWalletUnavailable))
	assert.Equal(t, models.StatusError, m.Snapshot().Status)
	assert.NotEmpty(t, m.Snapshot().Reason)

	items, total := ring.List(models.LevelError, 1, 10)
	require.Equal(t, 1, total)
	assert.Equal(t, models.SourceSession, items[0].Source)
}

func TestDisconnect(t *testing.T) {
	w := wallettest.New(targetNetwork)
	w.Grant = []common.Address{alice}
	m, _ := newTestManager(w)
	require.NoError(t, m.Connect(context.Background()))

	m.Disconnect()
	cur := m.Snapshot()
	assert.Equal(t, models.StatusDisconnected, cur.Status)
	assert.Empty(t, cur.Account)
	assert.Equal(t, uint64(targetNetwork), cur.NetworkID)

	_, err := m.TransactOpts(context.Background())
	assert.True(t, errors.Is(err, errors.KindNoSession))
}

func TestTransactOpts(t *testing.T) {
	w := wallettest.New(targetNetwork)
	w.Grant = []common.Address{alice}
	m, _ := newTestManager(w)

	_, err := m.TransactOpts(context.Background())
	assert.True(t, errors.Is(err, errors.KindNoSession))

	require.NoError(t, m.Connect(context.Background()))
	opts, err := m.TransactOpts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, alice, opts.From)
}

func runManager(t *testing.T, m *Manager) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = m.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	// Run 订阅完成前发出的事件会丢失
	time.Sleep(20 * time.Millisecond)
}

func TestRun_AccountSwitch(t *testing.T) {
	w := wallettest.New(targetNetwork)
	w.Grant = []common.Address{alice}
	m, _ := newTestManager(w)
	require.NoError(t, m.Connect(context.Background()))
	runManager(t, m)

	ch, stop := collect(m)
	defer stop()

	w.SetAccounts(bob)
	change := <-ch
	assert.True(t, change.AccountChanged())
	assert.Equal(t, models.StatusConnected, change.New.Status)
	assert.Equal(t, models.NormalizeAddress(bob.Hex()), change.New.Account)
}

func TestRun_EmptyAccountsDisconnects(t *testing.T) {
	w := wallettest.New(targetNetwork)
	w.Grant = []common.Address{alice}
	m, _ := newTestManager(w)
	require.NoError(t, m.Connect(context.Background()))
	runManager(t, m)

	w.SetAccounts()
	cur := waitStatus(t, m, models.StatusDisconnected)
	assert.Empty(t, cur.Account)
}

func TestRun_AccountEventIgnoredWhenNotConnected(t *testing.T) {
	w := wallettest.New(targetNetwork)
	m, _ := newTestManager(w)
	runManager(t, m)

	ch, stop := collect(m)
	defer stop()

	w.SetAccounts(alice)
	select {
	case change := <-ch:
		t.Fatalf("未连接时不应产生会话变更: %+v", change)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, models.StatusDisconnected, m.Snapshot().Status)
}

func TestRun_NetworkChange(t *testing.T) {
	w := wallettest.New(targetNetwork)
	w.Grant = []common.Address{alice}
	m, _ := newTestManager(w)
	require.NoError(t, m.Connect(context.Background()))
	runManager(t, m)

	w.SetNetwork(1)
	cur := waitStatus(t, m, models.StatusWrongNetwork)
	assert.Empty(t, cur.Account)
	assert.True(t, cur.NeedsReload)
	assert.Equal(t, uint64(1), cur.NetworkID)

	// 切回目标网络后仍需用户重新连接
	w.SetNetwork(targetNetwork)
	cur = waitStatus(t, m, models.StatusDisconnected)
	assert.True(t, cur.NeedsReload)
	assert.Equal(t, uint64(targetNetwork), cur.NetworkID)
}

func TestSessionAlwaysConsistent(t *testing.T) {
	w := wallettest.New(1)
	w.Grant = []common.Address{alice}
	w.SwitchTo = targetNetwork
	m, _ := newTestManager(w)
	ch, stop := collect(m)
	defer stop()
	runManager(t, m)

	_ = m.Connect(context.Background())
	_ = m.Connect(context.Background())
	w.SetAccounts(bob)
	w.SetNetwork(1)
	m.Disconnect()

	time.Sleep(50 * time.Millisecond)
	n := len(ch)
	require.NotZero(t, n)
	for i := 0; i < n; i++ {
		change := <-ch
		assert.True(t, change.Old.Consistent(), "%+v", change.Old)
		assert.True(t, change.New.Consistent(), "%+v", change.New)
		assert.NotEqual(t, change.Old, change.New)
	}
}

func TestConnect_RefusedAfterNetworkChange(t *testing.T) {
	w := wallettest.New(targetNetwork)
	w.Grant = []common.Address{alice}
	m, _ := newTestManager(w)
	require.NoError(t, m.Connect(context.Background()))
	runManager(t, m)

	w.SetNetwork(1)
	waitStatus(t, m, models.StatusWrongNetwork)
	w.SetNetwork(targetNetwork)
	waitStatus(t, m, models.StatusDisconnected)

	err := m.Connect(context.Background())
	require.Error(t, err)
	me, ok := err.(*errors.MarketError)
	require.True(t, ok)
	assert.Equal(t, errors.KindWrongNetwork, me.Kind)
	assert.Equal(t, "RELOAD_REQUIRED", me.Code)

	cur := m.Snapshot()
	assert.Equal(t, models.StatusDisconnected, cur.Status)
	assert.True(t, cur.NeedsReload)
	_, err = m.TransactOpts(context.Background())
	assert.True(t, errors.Is(err, errors.KindNoSession))

	assert.Error(t, m.Initialize(context.Background()))
	m.Disconnect()
	assert.True(t, m.Snapshot().NeedsReload)
}

func TestConnect_WhenConnectedKeepsSession(t *testing.T) {
	w := wallettest.New(targetNetwork)
	w.Grant = []common.Address{alice}
	m, _ := newTestManager(w)
	require.NoError(t, m.Connect(context.Background()))

	ch, stop := collect(m)
	defer stop()
	require.NoError(t, m.Connect(context.Background()))

	assert.Empty(t, ch)
	cur := m.Snapshot()
	assert.True(t, cur.Connected())
	assert.Equal(t, models.NormalizeAddress(alice.Hex()), cur.Account)
}
