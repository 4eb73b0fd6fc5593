package decoder

import (
	stderrors "errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/sirupsen/logrus"
)

const revertPrefix = "execution reverted"

// RevertDecoder 回滚原因解码器
type RevertDecoder struct {
	logger *logrus.Logger
	abi    *abi.ABI

	mu    sync.RWMutex
	cache map[string]string // 回滚数据 -> 原因
}

// NewRevertDecoder 创建回滚原因解码器，contractABI 用于解析自定义错误，可为 nil
func NewRevertDecoder(logger *logrus.Logger, contractABI *abi.ABI) *RevertDecoder {
	return &RevertDecoder{
		logger: logger,
		abi:    contractABI,
		cache:  make(map[string]string),
	}
}

// Decode 解码回滚数据
func (d *RevertDecoder) Decode(data []byte) string {
	if len(data) < 4 {
		return ""
	}

	key := string(data)
	d.mu.RLock()
	reason, ok := d.cache[key]
	d.mu.RUnlock()
	if ok {
		return reason
	}

	reason = d.decode(data)

	d.mu.Lock()
	if len(d.cache) >= 1024 {
		d.cache = make(map[string]string)
	}
	d.cache[key] = reason
	d.mu.Unlock()

	return reason
}

func (d *RevertDecoder) decode(data []byte) string {
	// Error(string) 与 Panic(uint256)
	if reason, err := abi.UnpackRevert(data); err == nil {
		return reason
	}

	if d.abi != nil {
		var selector [4]byte
		copy(selector[:], data[:4])
		if abiErr, err := d.abi.ErrorByID(selector); err == nil {
			values, err := abiErr.Unpack(data)
			if err != nil {
				d.logger.Debugf("解码自定义错误 %s 失败: %v", abiErr.Name, err)
				return abiErr.Name
			}
			return formatCustomError(abiErr.Name, values)
		}
	}

	return fmt.Sprintf("未知的回滚数据 %s", hexutil.Encode(data))
}

func formatCustomError(name string, values interface{}) string {
	args, ok := values.([]interface{})
	if !ok || len(args) == 0 {
		return name
	}
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprint(a)
	}
	return fmt.Sprintf("%s(%s)", name, strings.Join(parts, ", "))
}

// FromError 从 RPC 错误中提取回滚原因
func (d *RevertDecoder) FromError(err error) (string, bool) {
	if err == nil {
		return "", false
	}

	var dataErr rpc.DataError
	if stderrors.As(err, &dataErr) {
		if raw, ok := dataErr.ErrorData().(string); ok {
			if data, decErr := hexutil.Decode(raw); decErr == nil && len(data) >= 4 {
				return d.Decode(data), true
			}
		}
	}

	msg := err.Error()
	idx := strings.Index(msg, revertPrefix)
	if idx < 0 {
		return "", false
	}
	rest := strings.TrimSpace(msg[idx+len(revertPrefix):])
	rest = strings.TrimSpace(strings.TrimPrefix(rest, ":"))
	if rest == "" {
		return revertPrefix, true
	}
	return rest, true
}
