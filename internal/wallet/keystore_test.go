package wallet

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"phonemarket/internal/config"
	merrors "phonemarket/internal/errors"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testPassphrase = "correct horse"

type fakeNode struct {
	mu      sync.Mutex
	chainID uint64
	closed  bool
}

func (n *fakeNode) ChainID(ctx context.Context) (*big.Int, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return new(big.Int).SetUint64(n.chainID), nil
}

func (n *fakeNode) Close() {
	n.mu.Lock()
	n.closed = true
	n.mu.Unlock()
}

func (n *fakeNode) set(id uint64) {
	n.mu.Lock()
	n.chainID = id
	n.mu.Unlock()
}

type testEnv struct {
	wallet  *KeystoreWallet
	account accounts.Account
	nodes   map[string]*fakeNode
	answer  string
}

func newTestWallet(t *testing.T, envVar string) *testEnv {
	t.Helper()

	ks := keystore.NewKeyStore(t.TempDir(), keystore.LightScryptN, keystore.LightScryptP)
	account, err := ks.NewAccount(testPassphrase)
	require.NoError(t, err)

	env := &testEnv{
		account: account,
		nodes: map[string]*fakeNode{
			"http://wallet":  {chainID: 1},
			"http://westend": {chainID: 420420421},
		},
	}
	dial := func(ctx context.Context, url string) (chainIDClient, error) {
		node, ok := env.nodes[url]
		if !ok {
			return nil, errors.New("connection refused")
		}
		return node, nil
	}

	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	secret := NewPassphraseSource(envVar, true)
	secret.prompt = func(common.Address) (string, error) { return env.answer, nil }

	cfg := &config.WalletConfig{NetworkPoll: 10 * time.Millisecond}
	w, err := newKeystoreWallet(context.Background(), ks, cfg, "http://wallet", logger, secret, dial)
	require.NoError(t, err)
	env.wallet = w
	return env
}

func TestAuthorizedAccounts_SilentOnly(t *testing.T) {
	env := newTestWallet(t, "TEST_WALLET_PASSPHRASE_UNSET")

	accts, err := env.wallet.AuthorizedAccounts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, accts)
}

func TestAuthorizedAccounts_FromEnv(t *testing.T) {
	t.Setenv("TEST_WALLET_PASSPHRASE", testPassphrase)
	env := newTestWallet(t, "TEST_WALLET_PASSPHRASE")

	accts, err := env.wallet.AuthorizedAccounts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []common.Address{env.account.Address}, accts)
}

func TestRequestAuthorization(t *testing.T) {
	env := newTestWallet(t, "")

	env.answer = ""
	_, err := env.wallet.RequestAuthorization(context.Background())
	assert.True(t, merrors.Is(err, merrors.KindUserRejected))

	env.answer = "wrong"
	_, err = env.wallet.RequestAuthorization(context.Background())
	assert.True(t, merrors.Is(err, merrors.KindUserRejected))

	env.answer = testPassphrase
	accts, err := env.wallet.RequestAuthorization(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []common.Address{env.account.Address}, accts)

	// 已解锁后不再询问
	env.answer = ""
	accts, err = env.wallet.AuthorizedAccounts(context.Background())
	require.NoError(t, err)
	assert.Len(t, accts, 1)
}

func TestTransactOpts(t *testing.T) {
	env := newTestWallet(t, "")

	_, err := env.wallet.TransactOpts(context.Background(), env.account.Address)
	assert.True(t, merrors.Is(err, merrors.KindNoSession))

	env.answer = testPassphrase
	_, err = env.wallet.RequestAuthorization(context.Background())
	require.NoError(t, err)

	opts, err := env.wallet.TransactOpts(context.Background(), env.account.Address)
	require.NoError(t, err)
	assert.Equal(t, env.account.Address, opts.From)
	assert.NotNil(t, opts.Signer)

	_, err = env.wallet.TransactOpts(context.Background(), common.HexToAddress("0x01"))
	assert.Error(t, err)
}

func TestLock_EmitsEmptyAccounts(t *testing.T) {
	env := newTestWallet(t, "")
	env.answer = testPassphrase
	_, err := env.wallet.RequestAuthorization(context.Background())
	require.NoError(t, err)

	ch := make(chan []common.Address, 1)
	sub := env.wallet.SubscribeAccounts(ch)
	defer sub.Unsubscribe()

	require.NoError(t, env.wallet.Lock())
	select {
	case accts := <-ch:
		assert.Empty(t, accts)
	case <-time.After(time.Second):
		t.Fatal("未收到账户变更")
	}
}

func TestRequestAddOrSwitchNetwork(t *testing.T) {
	env := newTestWallet(t, "")
	ch := make(chan uint64, 1)
	sub := env.wallet.SubscribeNetwork(ch)
	defer sub.Unsubscribe()

	err := env.wallet.RequestAddOrSwitchNetwork(context.Background(), NetworkParams{ChainID: 420420421, RPCURL: "http://unknown"})
	assert.True(t, merrors.Is(err, merrors.KindRPC))

	err = env.wallet.RequestAddOrSwitchNetwork(context.Background(), NetworkParams{ChainID: 5, RPCURL: "http://westend"})
	assert.True(t, merrors.Is(err, merrors.KindWrongNetwork))

	require.NoError(t, env.wallet.RequestAddOrSwitchNetwork(context.Background(), NetworkParams{ChainID: 420420421, RPCURL: "http://westend"}))
	assert.Equal(t, uint64(420420421), <-ch)
	assert.True(t, env.nodes["http://wallet"].closed)

	id, err := env.wallet.NetworkID(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(420420421), id)
}

func TestPollNetwork_DetectsChange(t *testing.T) {
	env := newTestWallet(t, "")
	ch := make(chan uint64, 1)
	sub := env.wallet.SubscribeNetwork(ch)
	defer sub.Unsubscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.wallet.Start(ctx)
	defer env.wallet.Close()

	env.nodes["http://wallet"].set(1337)

	select {
	case id := <-ch:
		assert.Equal(t, uint64(1337), id)
	case <-time.After(2 * time.Second):
		t.Fatal("未检测到网络变更")
	}
}

func TestNewKeystoreWallet_EmptyKeystore(t *testing.T) {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)

	_, err := NewKeystoreWallet(context.Background(), &config.WalletConfig{KeystoreDir: t.TempDir()}, "http://unused", logger)
	assert.True(t, merrors.Is(err, merrors.KindWalletUnavailable))
}
