package chain

import (
	stderrors "errors"
	"strings"

	"phonemarket/internal/decoder"
	"phonemarket/internal/errors"

	"github.com/ethereum/go-ethereum/accounts/keystore"
)

var userRejectedMarkers = []string{
	"user denied",
	"user rejected",
	"rejected by user",
	"request rejected",
	"authentication needed",
}

var verifyMismatchMarkers = []string{
	"imei",
	"mismatch",
	"verification failed",
}

// classify 把节点与钱包返回的错误归类
func classify(dec *decoder.RevertDecoder, err error, kindHint string, message string) error {
	if err == nil {
		return nil
	}

	var me *errors.MarketError
	if stderrors.As(err, &me) {
		return me
	}
	if stderrors.Is(err, keystore.ErrLocked) {
		return errors.UserRejected(err)
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range userRejectedMarkers {
		if strings.Contains(msg, marker) {
			return errors.UserRejected(err)
		}
	}

	if strings.Contains(msg, "insufficient funds") {
		return errors.Wrap(err, errors.KindInsufficientFunds, "INSUFFICIENT_FUNDS", "余额不足").
			WithReason("账户余额不足以支付价格与手续费")
	}

	if reason, ok := dec.FromError(err); ok {
		if kindHint == "verify" && containsAny(strings.ToLower(reason), verifyMismatchMarkers) {
			return errors.Wrap(err, errors.KindVerificationMismatch, "VERIFICATION_MISMATCH", "IMEI 验证失败").
				WithReason(reason)
		}
		return errors.RemoteRevert(reason)
	}

	return errors.RPC(err, message)
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
