package chain

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"phonemarket/internal/config"
	"phonemarket/internal/decoder"
	"phonemarket/internal/errors"
	"phonemarket/internal/logging"
	"phonemarket/internal/metrics"
	"phonemarket/internal/retry"
	"phonemarket/pkg/models"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Backend 合约客户端依赖的节点接口，*ethclient.Client 满足该接口
type Backend interface {
	bind.ContractBackend
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// ContractClient 基于 BoundContract 的合约客户端
type ContractClient struct {
	backend  Backend
	address  common.Address
	abi      *abi.ABI
	contract *bind.BoundContract
	decoder  *decoder.RevertDecoder
	limiter  *rate.Limiter
	metrics  *metrics.Metrics
	logger   *logrus.Logger
	nodeURL  string

	receiptPoll time.Duration
	eventPoll   time.Duration
	resubscribe *retry.RetryConfig

	mu      sync.Mutex
	nextID  SubscriptionID
	watches map[SubscriptionID]*watch
}

// NewContractClient 创建合约客户端
func NewContractClient(backend Backend, cfg *config.ChainConfig, m *metrics.Metrics, logger *logrus.Logger) (*ContractClient, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, errors.New(errors.KindConfig, "INVALID_CONTRACT", "合约地址无效").WithReason(cfg.ContractAddress)
	}
	parsed, err := ParsedABI()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindConfig, "INVALID_ABI", "解析合约 ABI 失败")
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}

	address := common.HexToAddress(cfg.ContractAddress)
	c := &ContractClient{
		backend:     backend,
		address:     address,
		abi:         parsed,
		contract:    bind.NewBoundContract(address, *parsed, backend, backend, backend),
		decoder:     decoder.NewRevertDecoder(logger, parsed),
		limiter:     rate.NewLimiter(limit, burst),
		metrics:     m,
		logger:      logger,
		nodeURL:     cfg.RPCURL,
		receiptPoll: cfg.ReceiptPoll,
		eventPoll:   cfg.EventPoll,
		watches:     make(map[SubscriptionID]*watch),
	}
	resubscribe := *retry.ResubscribeRetryConfig
	if cfg.ResubscribeBackoff > 0 {
		resubscribe.InitialInterval = cfg.ResubscribeBackoff
	}
	c.resubscribe = &resubscribe
	if c.receiptPoll <= 0 {
		c.receiptPoll = 2 * time.Second
	}
	if c.eventPoll <= 0 {
		c.eventPoll = 6 * time.Second
	}
	return c, nil
}

// Address 合约地址
func (c *ContractClient) Address() common.Address {
	return c.address
}

func (c *ContractClient) call(ctx context.Context, from common.Address, method string, params ...interface{}) ([]interface{}, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.RPC(err, "读请求被取消")
	}

	var out []interface{}
	opts := &bind.CallOpts{Context: ctx, From: from}
	if err := c.contract.Call(opts, &out, method, params...); err != nil {
		c.metrics.RPCError(method)
		logging.NewRPCLogger(c.logger, method, c.nodeURL).Debugf("调用失败: %v", err)
		return nil, err
	}
	return out, nil
}

// DeviceCount 设备总数
func (c *ContractClient) DeviceCount(ctx context.Context) (uint64, error) {
	out, err := c.call(ctx, common.Address{}, "getPhoneCount")
	if err != nil {
		return 0, errors.RPC(err, "读取设备数量失败")
	}
	count := *abi.ConvertType(out[0], new(*big.Int)).(**big.Int)
	if !count.IsUint64() {
		return 0, errors.RPC(fmt.Errorf("设备数量溢出: %s", count), "读取设备数量失败")
	}
	return count.Uint64(), nil
}

// Device 读取单条设备记录
func (c *ContractClient) Device(ctx context.Context, id uint64) (*models.DeviceRecord, error) {
	out, err := c.call(ctx, common.Address{}, "getPhone", new(big.Int).SetUint64(id))
	if err != nil {
		// 越界读取在合约中表现为回滚
		if _, reverted := c.decoder.FromError(err); reverted {
			return nil, errors.NotFound(id)
		}
		return nil, errors.RPC(err, "读取设备失败").WithDeviceID(id)
	}
	if len(out) != 11 {
		return nil, errors.RPC(fmt.Errorf("getPhone 返回 %d 个值", len(out)), "读取设备失败").WithDeviceID(id)
	}

	phone := &models.ContractPhone{
		Seller:       *abi.ConvertType(out[0], new(common.Address)).(*common.Address),
		Manufacturer: *abi.ConvertType(out[1], new(string)).(*string),
		ModelName:    *abi.ConvertType(out[2], new(string)).(*string),
		ModelCode:    *abi.ConvertType(out[3], new(string)).(*string),
		IMEI:         *abi.ConvertType(out[4], new(string)).(*string),
		Price:        *abi.ConvertType(out[5], new(*big.Int)).(**big.Int),
		IsSold:       *abi.ConvertType(out[6], new(bool)).(*bool),
		IsVerified:   *abi.ConvertType(out[7], new(bool)).(*bool),
		IsDispatched: *abi.ConvertType(out[8], new(bool)).(*bool),
		IsReceived:   *abi.ConvertType(out[9], new(bool)).(*bool),
		Buyer:        *abi.ConvertType(out[10], new(common.Address)).(*common.Address),
	}

	record := &models.DeviceRecord{}
	record.FromContract(id, phone)
	return record, nil
}

// OwnedDeviceIDs 合约按调用方维护的设备索引
func (c *ContractClient) OwnedDeviceIDs(ctx context.Context, account string) ([]uint64, error) {
	if !common.IsHexAddress(account) {
		return nil, errors.NoSession()
	}

	out, err := c.call(ctx, common.HexToAddress(account), "getMyPhones")
	if err != nil {
		return nil, errors.RPC(err, "读取我的设备失败")
	}
	raw := *abi.ConvertType(out[0], new([]*big.Int)).(*[]*big.Int)

	ids := make([]uint64, 0, len(raw))
	for _, v := range raw {
		if v == nil || !v.IsUint64() {
			continue
		}
		ids = append(ids, v.Uint64())
	}
	return ids, nil
}

func (c *ContractClient) transact(ctx context.Context, opts *bind.TransactOpts, kind, method string, params ...interface{}) (Handle, error) {
	if opts == nil {
		return "", errors.NoSession()
	}
	signed := *opts
	signed.Context = ctx

	tx, err := c.contract.Transact(&signed, method, params...)
	if err != nil {
		c.metrics.RPCError(method)
		classified := classify(c.decoder, err, kind, "提交交易失败")
		logging.NewRPCLogger(c.logger, method, c.nodeURL).Warnf("提交交易失败: %v", classified)
		return "", classified
	}

	handle := Handle(tx.Hash().Hex())
	c.logger.WithFields(logrus.Fields{
		"method": method,
		"tx":     handle,
		"from":   signed.From.Hex(),
	}).Info("交易已提交")
	return handle, nil
}

// SubmitList 登记设备
func (c *ContractClient) SubmitList(ctx context.Context, opts *bind.TransactOpts, fields models.ListingFields) (Handle, error) {
	price, err := models.ParseEther(fields.Price)
	if err != nil {
		return "", errors.Validation(err.Error())
	}
	return c.transact(ctx, opts, string(models.TxList), "listPhone",
		fields.Manufacturer, fields.ModelName, fields.ModelCode, fields.IMEI, price)
}

// SubmitBuy 购买设备，附带价格作为转账金额
func (c *ContractClient) SubmitBuy(ctx context.Context, opts *bind.TransactOpts, id uint64, price *big.Int) (Handle, error) {
	if opts == nil {
		return "", errors.NoSession()
	}
	paying := *opts
	paying.Value = new(big.Int).Set(price)
	return c.transact(ctx, &paying, string(models.TxBuy), "buyPhone", new(big.Int).SetUint64(id))
}

// SubmitVerify 以 IMEI 验证设备
func (c *ContractClient) SubmitVerify(ctx context.Context, opts *bind.TransactOpts, id uint64, imei string) (Handle, error) {
	return c.transact(ctx, opts, string(models.TxVerify), "verifyPhone", new(big.Int).SetUint64(id), imei)
}

// AwaitConfirmation 轮询回执直到交易上链，不设超时
func (c *ContractClient) AwaitConfirmation(ctx context.Context, handle Handle) (*Confirmation, error) {
	hash := common.HexToHash(string(handle))
	ticker := time.NewTicker(c.receiptPoll)
	defer ticker.Stop()

	for {
		receipt, err := c.backend.TransactionReceipt(ctx, hash)
		switch {
		case err == nil:
			return c.settle(ctx, handle, receipt)
		case stderrors.Is(err, ethereum.NotFound):
		case retry.IsRetryableError(err):
			c.logger.Debugf("查询回执 %s 失败，稍后重试: %v", handle, err)
		default:
			c.metrics.RPCError("eth_getTransactionReceipt")
			return nil, errors.RPC(err, "查询交易回执失败").WithTxHash(string(handle))
		}

		select {
		case <-ctx.Done():
			return nil, errors.RPC(ctx.Err(), "等待交易确认被取消").WithTxHash(string(handle))
		case <-ticker.C:
		}
	}
}

func (c *ContractClient) settle(ctx context.Context, handle Handle, receipt *types.Receipt) (*Confirmation, error) {
	conf := &Confirmation{Handle: handle, GasUsed: receipt.GasUsed}
	if receipt.BlockNumber != nil {
		conf.BlockNumber = receipt.BlockNumber.Uint64()
	}
	if receipt.Status == types.ReceiptStatusSuccessful {
		return conf, nil
	}

	reason := c.replay(ctx, handle, receipt)
	return conf, errors.RemoteRevert(reason).WithTxHash(string(handle))
}

// replay 在回执所在区块重放调用以取得回滚原因
func (c *ContractClient) replay(ctx context.Context, handle Handle, receipt *types.Receipt) string {
	const fallback = "交易执行失败"

	tx, _, err := c.backend.TransactionByHash(ctx, common.HexToHash(string(handle)))
	if err != nil {
		c.logger.Debugf("读取交易 %s 失败: %v", handle, err)
		return fallback
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		c.logger.Debugf("恢复交易 %s 发送方失败: %v", handle, err)
		return fallback
	}

	msg := ethereum.CallMsg{
		From:  from,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}
	_, err = c.backend.CallContract(ctx, msg, receipt.BlockNumber)
	if err == nil {
		return fallback
	}
	if reason, ok := c.decoder.FromError(err); ok {
		return reason
	}
	return fallback
}

// Subscribe 订阅合约事件，返回的 ID 用于取消
func (c *ContractClient) Subscribe(kinds []models.EventKind, cb EventCallback) (SubscriptionID, error) {
	if len(kinds) == 0 {
		return 0, errors.Validation("至少订阅一种事件")
	}
	for _, k := range kinds {
		if _, ok := c.abi.Events[k.ContractEventName()]; !ok {
			return 0, errors.Validation(fmt.Sprintf("合约没有事件 %s", k.ContractEventName()))
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &watch{cancel: cancel}

	c.mu.Lock()
	if c.nextID == math.MaxUint64 {
		c.nextID = 0
	}
	c.nextID++
	id := c.nextID
	c.watches[id] = w
	c.mu.Unlock()

	for _, k := range kinds {
		w.wg.Add(1)
		go c.watchKind(ctx, &w.wg, k, cb)
	}
	return id, nil
}

// Unsubscribe 取消订阅并等待后台任务退出
func (c *ContractClient) Unsubscribe(id SubscriptionID) {
	c.mu.Lock()
	w, ok := c.watches[id]
	delete(c.watches, id)
	c.mu.Unlock()

	if ok {
		w.cancel()
		w.wg.Wait()
	}
}

// Close 取消所有订阅
func (c *ContractClient) Close() {
	c.mu.Lock()
	ids := make([]SubscriptionID, 0, len(c.watches))
	for id := range c.watches {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	for _, id := range ids {
		c.Unsubscribe(id)
	}
}
