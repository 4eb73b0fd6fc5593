package cache

import (
	"context"
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"phonemarket/internal/chain/chaintest"
	"phonemarket/internal/errors"
	"phonemarket/internal/journal"
	"phonemarket/internal/notify"
	"phonemarket/internal/session"
	"phonemarket/internal/validation"
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
	alice = common.HexToAddress("0xABC0000000000000000000000000000000000001")
	bob   = common.HexToAddress("0xB0B0000000000000000000000000000000000002")
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func device(id uint64, seller common.Address, priceWei int64) *models.DeviceRecord {
	price := big.NewInt(priceWei)
	return &models.DeviceRecord{
		ID:           id,
		Seller:       models.NormalizeAddress(seller.Hex()),
		Manufacturer: "Samsung",
		ModelName:    "Galaxy S21",
		ModelCode:    "SM-G991B",
		IMEI:         "356938035643809",
		Price:        price,
		PriceEther:   models.FormatEther(price),
	}
}

type env struct {
	chain   *chaintest.Chain
	wallet  *wallettest.Wallet
	session *session.Manager
	ring    *notify.Ring
	cache   *Cache
}

func newEnv(t *testing.T, store SnapshotStore) *env {
	t.Helper()
	logger := testLogger()

	e := &env{
		chain:  chaintest.New(),
		wallet: wallettest.New(targetNetwork),
		ring:   notify.NewRing(32),
	}
	e.session = session.NewManager(e.wallet, wallet.NetworkParams{ChainID: targetNetwork}, nil, nil, logger)
	e.cache = New(e.chain, e.session, Options{
		ReadConcurrency: 4,
		Store:           store,
		Validator:       validation.NewValidator(logger, false),
		Sink:            e.ring,
	}, logger)
	t.Cleanup(e.cache.Close)
	return e
}

func (e *env) connect(t *testing.T, account common.Address) {
	t.Helper()
	e.wallet.Grant = []common.Address{account}
	require.NoError(t, e.session.Connect(context.Background()))
}

func (e *env) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.cache.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	require.Eventually(t, func() bool { return e.chain.Subscribers() == 1 }, time.Second, 5*time.Millisecond)
}

func (e *env) idle(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool { return !e.cache.Loading() }, 2*time.Second, 5*time.Millisecond)
}

func TestRefresh_PublicReadsWithoutWallet(t *testing.T) {
	e := newEnv(t, nil)
	e.chain.Put(device(0, alice, 1e18))
	e.chain.Put(device(1, bob, 2e18))

	require.NoError(t, e.cache.Refresh(context.Background()))

	all := e.cache.All()
	require.Len(t, all, 2)
	assert.Equal(t, uint64(0), all[0].ID)
	assert.Equal(t, uint64(1), all[1].ID)
	assert.Empty(t, e.cache.Mine())
	assert.Len(t, e.cache.Available(), 2)
	assert.Zero(t, e.chain.OwnedCalls(), "未连接时不读取账户索引")
	assert.False(t, e.cache.Loading())
	assert.NoError(t, e.cache.LastError())
}

func TestRefresh_ConnectedPopulatesMine(t *testing.T) {
	e := newEnv(t, nil)
	e.chain.Put(device(0, alice, 1e18))
	e.chain.Put(device(1, bob, 2e18))
	e.chain.Put(device(2, bob, 3e18))
	e.chain.SetOwned(alice.Hex(), 2)
	e.connect(t, alice)

	require.NoError(t, e.cache.Refresh(context.Background()))

	mine := e.cache.Mine()
	require.Len(t, mine, 2)
	assert.Equal(t, uint64(0), mine[0].ID)
	assert.Equal(t, uint64(2), mine[1].ID)
	assert.Equal(t, "0xabc0000000000000000000000000000000000001", e.cache.Snapshot().Account)
}

func TestRefresh_Coalesced(t *testing.T) {
	e := newEnv(t, nil)
	e.chain.Put(device(0, alice, 1e18))

	release := e.chain.HoldNextRead()
	results := make(chan error, 2)
	go func() { results <- e.cache.Refresh(context.Background()) }()
	require.Eventually(t, func() bool { return e.chain.CountCalls() == 1 }, time.Second, 5*time.Millisecond)
	go func() { results <- e.cache.Refresh(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	release()

	require.NoError(t, <-results)
	require.NoError(t, <-results)
	assert.Equal(t, 1, e.chain.CountCalls())
	assert.Len(t, e.cache.All(), 1)
}

func TestRefresh_FailureKeepsPreviousSnapshot(t *testing.T) {
	e := newEnv(t, nil)
	e.chain.Put(device(0, alice, 1e18))
	e.chain.Put(device(1, bob, 2e18))
	require.NoError(t, e.cache.Refresh(context.Background()))
	before := e.cache.Snapshot()

	e.chain.Update(0, func(d *models.DeviceRecord) { d.Price = big.NewInt(5e18) })
	e.chain.FailDevice(1, errors.RPC(assert.AnError, "读取设备失败"))

	err := e.cache.Refresh(context.Background())
	require.Error(t, err)
	assert.Same(t, before, e.cache.Snapshot())
	assert.Equal(t, int64(1e18), e.cache.All()[0].Price.Int64())
	assert.Error(t, e.cache.LastError())

	items, total := e.ring.List(models.LevelWarn, 1, 10)
	require.Equal(t, 1, total)
	assert.Equal(t, models.SourceCache, items[0].Source)
	assert.NotEmpty(t, items[0].Reason)

	e.chain.FailDevice(1, nil)
	require.NoError(t, e.cache.Refresh(context.Background()))
	assert.NoError(t, e.cache.LastError())
	assert.Equal(t, int64(5e18), e.cache.All()[0].Price.Int64())
}

func TestRefresh_CountFailure(t *testing.T) {
	e := newEnv(t, nil)
	e.chain.FailCount(errors.RPC(assert.AnError, "读取设备数量失败"))

	err := e.cache.Refresh(context.Background())
	assert.True(t, errors.Is(err, errors.KindRPC))
	assert.Empty(t, e.cache.All())
}

func TestInvalidate_DiscardsSupersededCycle(t *testing.T) {
	e := newEnv(t, nil)
	e.chain.Put(device(0, alice, 1e18))

	releaseA := e.chain.HoldNextRead()
	e.cache.RequestRefresh("A")
	require.Eventually(t, func() bool { return e.chain.CountCalls() == 1 }, time.Second, 5*time.Millisecond)

	e.cache.Invalidate("B")
	require.Eventually(t, func() bool { return e.cache.Snapshot().Seq == 2 }, time.Second, 5*time.Millisecond)

	// A 读取到的数据更新，但完成得更晚
	e.chain.Update(0, func(d *models.DeviceRecord) { d.Price = big.NewInt(9e18) })
	releaseA()
	e.idle(t)

	snap := e.cache.Snapshot()
	assert.Equal(t, uint64(2), snap.Seq)
	assert.Equal(t, int64(1e18), snap.All[0].Price.Int64())
}

func TestRequestRefresh_TrailingCollapsed(t *testing.T) {
	e := newEnv(t, nil)
	e.chain.Put(device(0, alice, 1e18))

	release := e.chain.HoldNextRead()
	e.cache.RequestRefresh("导航")
	require.Eventually(t, func() bool { return e.chain.CountCalls() == 1 }, time.Second, 5*time.Millisecond)

	for i := 0; i < 5; i++ {
		e.cache.RequestRefresh("事件")
	}
	release()

	require.Eventually(t, func() bool { return e.chain.CountCalls() == 2 }, time.Second, 5*time.Millisecond)
	e.idle(t)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, e.chain.CountCalls())
}

func TestRun_EventDuringRefreshTriggersOneMoreSweep(t *testing.T) {
	e := newEnv(t, nil)
	e.chain.Put(device(0, alice, 1e18))
	e.chain.Put(device(3, bob, 1e18))
	e.run(t)

	// 启动时的刷新
	require.Eventually(t, func() bool { return e.cache.Snapshot().Seq == 1 }, time.Second, 5*time.Millisecond)
	e.idle(t)

	release := e.chain.HoldNextRead()
	go func() { _ = e.cache.Refresh(context.Background()) }()
	require.Eventually(t, func() bool { return e.chain.CountCalls() == 2 }, time.Second, 5*time.Millisecond)

	e.chain.Emit(models.ChainEvent{Kind: models.EventVerified, DeviceID: 3})
	e.chain.Emit(models.ChainEvent{Kind: models.EventVerified, DeviceID: 3})
	time.Sleep(20 * time.Millisecond)
	release()

	require.Eventually(t, func() bool { return e.chain.CountCalls() == 3 }, time.Second, 5*time.Millisecond)
	e.idle(t)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 3, e.chain.CountCalls())
}

func TestRun_SessionChanges(t *testing.T) {
	e := newEnv(t, nil)
	e.chain.Put(device(0, alice, 1e18))
	e.chain.Put(device(1, bob, 1e18))
	e.run(t)
	e.idle(t)
	assert.Empty(t, e.cache.Mine())

	e.connect(t, alice)
	require.Eventually(t, func() bool { return len(e.cache.Mine()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, uint64(0), e.cache.Mine()[0].ID)

	e.session.Disconnect()
	assert.Empty(t, e.cache.Mine(), "断开后立即不再显示旧账户的设备")
	require.Eventually(t, func() bool {
		snap := e.cache.Snapshot()
		return snap.Account == "" && !e.cache.Loading()
	}, time.Second, 5*time.Millisecond)

	e.connect(t, bob)
	require.Eventually(t, func() bool {
		mine := e.cache.Mine()
		return len(mine) == 1 && mine[0].ID == 1
	}, time.Second, 5*time.Millisecond)
}

func TestWarmStartFromJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "market.db")
	j, err := journal.Open(path, targetNetwork, "0x04099c92d8aecce0094f66836fcb144de0e139ec", testLogger())
	require.NoError(t, err)
	defer j.Close()

	first := newEnv(t, j)
	first.chain.Put(device(0, alice, 1e18))
	first.chain.Put(device(1, bob, 2e18))
	require.NoError(t, first.cache.Refresh(context.Background()))

	second := newEnv(t, j)
	snap := second.cache.Snapshot()
	assert.True(t, snap.Restored)
	assert.Len(t, snap.All, 2)
	assert.Zero(t, second.chain.CountCalls())

	require.NoError(t, second.cache.Refresh(context.Background()))
	assert.False(t, second.cache.Snapshot().Restored)
	assert.Empty(t, second.cache.All())
}

func TestSubscribe_AppliedSnapshots(t *testing.T) {
	e := newEnv(t, nil)
	e.chain.Put(device(0, alice, 1e18))

	ch := make(chan *models.Snapshot, 4)
	sub := e.cache.Subscribe(ch)
	defer sub.Unsubscribe()

	require.NoError(t, e.cache.Refresh(context.Background()))
	select {
	case snap := <-ch:
		assert.Equal(t, uint64(1), snap.Seq)
		assert.Len(t, snap.All, 1)
	case <-time.After(time.Second):
		t.Fatal("未收到快照")
	}
}

func TestRefresh_KeepsInvariantViolations(t *testing.T) {
	e := newEnv(t, nil)
	broken := device(0, alice, 1e18)
	broken.IsSold = true
	e.chain.Put(broken)

	require.NoError(t, e.cache.Refresh(context.Background()))
	require.Len(t, e.cache.All(), 1)
	assert.NotEmpty(t, models.CheckInvariants(e.cache.All()[0]))
}
