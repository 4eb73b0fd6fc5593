package wallet

import (
	"context"
	stderrors "errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"phonemarket/internal/config"
	"phonemarket/internal/errors"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/event"
	"github.com/sirupsen/logrus"
)

// chainIDClient 钱包连接的节点
type chainIDClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

type dialFunc func(ctx context.Context, url string) (chainIDClient, error)

func ethDial(ctx context.Context, url string) (chainIDClient, error) {
	return ethclient.DialContext(ctx, url)
}

// KeystoreWallet 基于本地 keystore 目录的钱包
type KeystoreWallet struct {
	ks           *keystore.KeyStore
	account      accounts.Account
	secret       *PassphraseSource
	logger       *logrus.Logger
	pollInterval time.Duration
	dial         dialFunc

	mu       sync.Mutex
	client   chainIDClient
	rpcURL   string
	chainID  uint64
	unlocked bool

	accountFeed event.FeedOf[[]common.Address]
	networkFeed event.FeedOf[uint64]

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewKeystoreWallet 打开 keystore 并连接钱包节点
func NewKeystoreWallet(ctx context.Context, cfg *config.WalletConfig, rpcURL string, logger *logrus.Logger) (*KeystoreWallet, error) {
	ks := keystore.NewKeyStore(cfg.KeystoreDir, keystore.StandardScryptN, keystore.StandardScryptP)
	return newKeystoreWallet(ctx, ks, cfg, rpcURL, logger, NewPassphraseSource(cfg.PassphraseEnv, cfg.Interactive), ethDial)
}

func newKeystoreWallet(ctx context.Context, ks *keystore.KeyStore, cfg *config.WalletConfig, rpcURL string,
	logger *logrus.Logger, secret *PassphraseSource, dial dialFunc) (*KeystoreWallet, error) {

	account, err := selectAccount(ks, cfg.Account)
	if err != nil {
		return nil, err
	}

	client, err := dial(ctx, rpcURL)
	if err != nil {
		return nil, errors.RPC(err, "连接钱包节点失败")
	}

	w := &KeystoreWallet{
		ks:           ks,
		account:      account,
		secret:       secret,
		logger:       logger,
		pollInterval: cfg.NetworkPoll,
		dial:         dial,
		client:       client,
		rpcURL:       rpcURL,
		quit:         make(chan struct{}),
	}
	if w.pollInterval <= 0 {
		w.pollInterval = 10 * time.Second
	}

	logger.Infof("钱包已加载账户 %s", account.Address.Hex())
	return w, nil
}

func selectAccount(ks *keystore.KeyStore, want string) (accounts.Account, error) {
	all := ks.Accounts()
	if len(all) == 0 {
		return accounts.Account{}, errors.WalletUnavailable("keystore 中没有账户")
	}
	if want == "" {
		return all[0], nil
	}
	if !common.IsHexAddress(want) {
		return accounts.Account{}, errors.WalletUnavailable(fmt.Sprintf("无效的账户地址: %s", want))
	}
	account, err := ks.Find(accounts.Account{Address: common.HexToAddress(want)})
	if err != nil {
		return accounts.Account{}, errors.WalletUnavailable(fmt.Sprintf("keystore 中找不到账户 %s", want))
	}
	return account, nil
}

// Start 启动网络轮询与 keystore 事件监听
func (w *KeystoreWallet) Start(ctx context.Context) {
	w.mu.Lock()
	if id, err := w.client.ChainID(ctx); err == nil {
		w.chainID = id.Uint64()
	}
	w.mu.Unlock()

	events := make(chan accounts.WalletEvent, 16)
	sub := w.ks.Subscribe(events)

	w.wg.Add(2)
	go w.pollNetwork(ctx)
	go w.watchKeystore(ctx, events, sub)
}

func (w *KeystoreWallet) pollNetwork(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.quit:
			return
		case <-ticker.C:
			w.checkNetwork(ctx)
		}
	}
}

// checkNetwork 读取节点网络ID，变化时发出通知
func (w *KeystoreWallet) checkNetwork(ctx context.Context) {
	w.mu.Lock()
	client := w.client
	w.mu.Unlock()

	id, err := client.ChainID(ctx)
	if err != nil {
		w.logger.Debugf("读取钱包网络失败: %v", err)
		return
	}

	w.mu.Lock()
	previous := w.chainID
	w.chainID = id.Uint64()
	w.mu.Unlock()

	if previous != 0 && previous != id.Uint64() {
		w.logger.Warnf("钱包网络已变更: %d -> %d", previous, id.Uint64())
		w.networkFeed.Send(id.Uint64())
	}
}

func (w *KeystoreWallet) watchKeystore(ctx context.Context, events chan accounts.WalletEvent, sub event.Subscription) {
	defer w.wg.Done()
	defer sub.Unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.quit:
			return
		case err := <-sub.Err():
			if err != nil {
				w.logger.Warnf("keystore 事件订阅中断: %v", err)
			}
			return
		case ev := <-events:
			if ev.Kind != accounts.WalletDropped || !ev.Wallet.Contains(w.account) {
				continue
			}
			w.mu.Lock()
			wasUnlocked := w.unlocked
			w.unlocked = false
			w.mu.Unlock()
			if wasUnlocked {
				w.logger.Warnf("账户 %s 的 keystore 文件已移除", w.account.Address.Hex())
				w.accountFeed.Send([]common.Address{})
			}
		}
	}
}

// AuthorizedAccounts 已解锁的账户，或能用静默口令解锁的账户
func (w *KeystoreWallet) AuthorizedAccounts(ctx context.Context) ([]common.Address, error) {
	w.mu.Lock()
	unlocked := w.unlocked
	w.mu.Unlock()
	if unlocked {
		return []common.Address{w.account.Address}, nil
	}

	passphrase, ok := w.secret.Silent()
	if !ok {
		return []common.Address{}, nil
	}
	if err := w.unlock(passphrase); err != nil {
		w.logger.Warnf("使用环境变量口令解锁失败: %v", err)
		return []common.Address{}, nil
	}
	return []common.Address{w.account.Address}, nil
}

// RequestAuthorization 需要时询问口令
func (w *KeystoreWallet) RequestAuthorization(ctx context.Context) ([]common.Address, error) {
	if accts, err := w.AuthorizedAccounts(ctx); err == nil && len(accts) > 0 {
		return accts, nil
	}

	passphrase, err := w.secret.Ask(w.account.Address)
	if err != nil {
		return nil, errors.UserRejected(err)
	}
	if strings.TrimSpace(passphrase) == "" {
		return nil, errors.UserRejected(fmt.Errorf("用户取消了授权"))
	}
	if err := w.unlock(passphrase); err != nil {
		return nil, errors.UserRejected(err)
	}
	return []common.Address{w.account.Address}, nil
}

func (w *KeystoreWallet) unlock(passphrase string) error {
	if err := w.ks.Unlock(w.account, passphrase); err != nil {
		if stderrors.Is(err, keystore.ErrDecrypt) {
			return fmt.Errorf("口令错误")
		}
		return err
	}
	w.mu.Lock()
	w.unlocked = true
	w.mu.Unlock()
	return nil
}

// Lock 锁定账户，相当于在钱包中断开
func (w *KeystoreWallet) Lock() error {
	if err := w.ks.Lock(w.account.Address); err != nil {
		return err
	}
	w.mu.Lock()
	w.unlocked = false
	w.mu.Unlock()
	w.accountFeed.Send([]common.Address{})
	return nil
}

// NetworkID 钱包节点的网络ID
func (w *KeystoreWallet) NetworkID(ctx context.Context) (uint64, error) {
	w.mu.Lock()
	client := w.client
	w.mu.Unlock()

	id, err := client.ChainID(ctx)
	if err != nil {
		return 0, errors.RPC(err, "读取钱包网络失败")
	}
	return id.Uint64(), nil
}

// RequestAddOrSwitchNetwork 切换到目标网络的节点
func (w *KeystoreWallet) RequestAddOrSwitchNetwork(ctx context.Context, params NetworkParams) error {
	w.logger.Infof("请求钱包切换网络: %s (%d) %s", params.ChainName, params.ChainID, params.RPCURL)

	client, err := w.dial(ctx, params.RPCURL)
	if err != nil {
		return errors.RPC(err, "连接目标网络失败")
	}
	id, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return errors.RPC(err, "读取目标网络ID失败")
	}
	if id.Uint64() != params.ChainID {
		client.Close()
		return errors.WrongNetwork(id.Uint64(), params.ChainID)
	}

	w.mu.Lock()
	old := w.client
	previous := w.chainID
	w.client = client
	w.rpcURL = params.RPCURL
	w.chainID = id.Uint64()
	w.mu.Unlock()
	old.Close()

	if previous != id.Uint64() {
		w.networkFeed.Send(id.Uint64())
	}
	return nil
}

// SubscribeAccounts 账户变更通知
func (w *KeystoreWallet) SubscribeAccounts(ch chan<- []common.Address) event.Subscription {
	return w.accountFeed.Subscribe(ch)
}

// SubscribeNetwork 网络变更通知
func (w *KeystoreWallet) SubscribeNetwork(ch chan<- uint64) event.Subscription {
	return w.networkFeed.Subscribe(ch)
}

// TransactOpts 已解锁账户的签名参数
func (w *KeystoreWallet) TransactOpts(ctx context.Context, account common.Address) (*bind.TransactOpts, error) {
	w.mu.Lock()
	unlocked := w.unlocked
	chainID := w.chainID
	w.mu.Unlock()

	if account != w.account.Address || !unlocked {
		return nil, errors.NoSession()
	}
	if chainID == 0 {
		id, err := w.NetworkID(ctx)
		if err != nil {
			return nil, err
		}
		chainID = id
	}

	opts, err := bind.NewKeyStoreTransactorWithChainID(w.ks, w.account, new(big.Int).SetUint64(chainID))
	if err != nil {
		return nil, errors.Wrap(err, errors.KindWalletUnavailable, "SIGNER_ERROR", "创建签名器失败")
	}
	opts.Context = ctx
	return opts, nil
}

// Close 停止后台任务并锁定账户
func (w *KeystoreWallet) Close() error {
	select {
	case <-w.quit:
	default:
		close(w.quit)
	}
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.unlocked {
		_ = w.ks.Lock(w.account.Address)
		w.unlocked = false
	}
	w.client.Close()
	return nil
}
