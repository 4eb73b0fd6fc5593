package chain

import (
	"context"

	"phonemarket/internal/config"
	"phonemarket/internal/errors"
	"phonemarket/internal/retry"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sirupsen/logrus"
)

// Dial 连接只读节点并确认网络ID，瞬时错误按退避重试
func Dial(ctx context.Context, cfg *config.ChainConfig, logger *logrus.Logger) (*ethclient.Client, error) {
	retrier := retry.NewRetrier(retry.DialRetryConfig, logger)

	return retry.Do(ctx, retrier, "dial "+cfg.RPCURL, func(ctx context.Context) (*ethclient.Client, error) {
		dialCtx := ctx
		if cfg.DialTimeout > 0 {
			var cancel context.CancelFunc
			dialCtx, cancel = context.WithTimeout(ctx, cfg.DialTimeout)
			defer cancel()
		}

		client, err := ethclient.DialContext(dialCtx, cfg.RPCURL)
		if err != nil {
			return nil, errors.RPC(err, "连接节点失败")
		}

		// 测试连接
		id, err := client.ChainID(dialCtx)
		if err != nil {
			client.Close()
			return nil, errors.RPC(err, "测试连接失败")
		}
		if id.Uint64() != cfg.NetworkID {
			client.Close()
			return nil, errors.New(errors.KindConfig, "CHAIN_MISMATCH", "节点网络与配置不一致").
				WithReason(errors.WrongNetwork(id.Uint64(), cfg.NetworkID).Reason)
		}

		logger.Infof("已连接节点 %s (network %d)", cfg.RPCURL, id.Uint64())
		return client, nil
	})
}
