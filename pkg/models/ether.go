package models

import (
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/ethereum/go-ethereum/params"
)

var (
	weiPerEther = big.NewInt(params.Ether)

	// 只接受普通十进制写法
	decimalAmount = regexp.MustCompile(`^\d+(\.\d{1,18})?$`)
)

// ParseEther 将十进制以太数量转换为 wei，最多 18 位小数
func ParseEther(amount string) (*big.Int, error) {
	amount = strings.TrimSpace(amount)
	if amount == "" {
		return nil, fmt.Errorf("金额不能为空")
	}

	if strings.HasPrefix(amount, "-") {
		return nil, fmt.Errorf("金额不能为负: %s", amount)
	}
	if !decimalAmount.MatchString(amount) {
		if whole, frac, ok := strings.Cut(amount, "."); ok && len(frac) > 18 && decimalAmount.MatchString(whole+"."+frac[:18]) {
			return nil, fmt.Errorf("金额精度超过18位小数: %s", amount)
		}
		return nil, fmt.Errorf("无效的金额: %s", amount)
	}

	r, ok := new(big.Rat).SetString(amount)
	if !ok {
		return nil, fmt.Errorf("无效的金额: %s", amount)
	}
	r.Mul(r, new(big.Rat).SetInt(weiPerEther))
	return new(big.Int).Set(r.Num()), nil
}

// FormatEther 将 wei 格式化为以太单位，去掉多余的尾零
func FormatEther(wei *big.Int) string {
	if wei == nil {
		return "0"
	}

	neg := wei.Sign() < 0
	abs := new(big.Int).Abs(wei)
	whole, frac := new(big.Int).QuoRem(abs, weiPerEther, new(big.Int))

	s := whole.String()
	if frac.Sign() != 0 {
		fs := frac.String()
		fs = strings.Repeat("0", 18-len(fs)) + fs
		s += "." + strings.TrimRight(fs, "0")
	}
	if neg {
		s = "-" + s
	}
	return s
}
