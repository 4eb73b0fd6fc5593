package validation

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"phonemarket/internal/errors"
	"phonemarket/pkg/models"

	"github.com/sirupsen/logrus"
)

// Validator 提交前校验与记录不变量检查
type Validator struct {
	logger     *logrus.Logger
	strictMode bool // 严格模式下警告也视为失败
	rules      map[string]ValidationRule

	mu    sync.Mutex
	stats map[string]int
}

// ValidationRule 验证规则接口
type ValidationRule interface {
	Validate(data interface{}) (warnings []string, err error)
	Name() string
	Description() string
}

// ValidationResult 验证结果
type ValidationResult struct {
	Valid    bool                  `json:"valid"`
	Errors   []*errors.MarketError `json:"errors,omitempty"`
	Warnings []string              `json:"warnings,omitempty"`
	DataType string                `json:"data_type"`
}

// Err 将结果转为错误，通过时返回 nil
func (r *ValidationResult) Err() error {
	if r.Valid {
		return nil
	}
	reasons := make([]string, 0, len(r.Errors)+len(r.Warnings))
	for _, e := range r.Errors {
		reasons = append(reasons, e.Message)
	}
	reasons = append(reasons, r.Warnings...)
	return errors.Validation(fmt.Sprintf("%s 校验失败", r.DataType)).
		WithReason(strings.Join(reasons, "; "))
}

// BuyInput 购买参数
type BuyInput struct {
	DeviceID uint64
	Price    *big.Int
}

// VerifyInput 验证参数
type VerifyInput struct {
	DeviceID uint64
	IMEI     string
}

// NewValidator 创建验证器
func NewValidator(logger *logrus.Logger, strictMode bool) *Validator {
	v := &Validator{
		logger:     logger,
		strictMode: strictMode,
		rules:      make(map[string]ValidationRule),
		stats:      make(map[string]int),
	}

	v.AddRule(&ListingRule{})
	v.AddRule(&BuyRule{})
	v.AddRule(&VerifyRule{})
	v.AddRule(&RecordRule{})

	return v
}

// AddRule 添加验证规则
func (v *Validator) AddRule(rule ValidationRule) {
	v.rules[rule.Name()] = rule
	v.logger.Debugf("已注册验证规则: %s", rule.Name())
}

// ValidateListing 校验挂单参数
func (v *Validator) ValidateListing(fields models.ListingFields) *ValidationResult {
	return v.run("listing", fields)
}

// ValidateBuy 校验购买参数
func (v *Validator) ValidateBuy(id uint64, price *big.Int) *ValidationResult {
	return v.run("buy", BuyInput{DeviceID: id, Price: price})
}

// ValidateVerify 校验验证参数，IMEI 是否匹配只由合约判定
func (v *Validator) ValidateVerify(id uint64, imei string) *ValidationResult {
	return v.run("verify", VerifyInput{DeviceID: id, IMEI: imei})
}

// ValidateRecord 检查链上记录不变量
func (v *Validator) ValidateRecord(record *models.DeviceRecord) *ValidationResult {
	return v.run("record", record)
}

func (v *Validator) run(name string, data interface{}) *ValidationResult {
	result := &ValidationResult{Valid: true, DataType: name}

	rule, ok := v.rules[name]
	if !ok {
		result.Valid = false
		result.Errors = append(result.Errors, errors.Validation("未注册的验证规则: "+name))
		return result
	}

	warnings, err := rule.Validate(data)
	result.Warnings = warnings
	if err != nil {
		result.Valid = false
		result.Errors = append(result.Errors, errors.Validation(err.Error()))
	}
	if v.strictMode && len(warnings) > 0 {
		result.Valid = false
	}

	v.mu.Lock()
	v.stats[name+"_total"]++
	if !result.Valid {
		v.stats[name+"_invalid"]++
	}
	v.mu.Unlock()

	if !result.Valid {
		v.logger.WithField("rule", name).Debugf("校验未通过: %v", result.Err())
	}
	return result
}

// GetValidationStats 获取验证统计
func (v *Validator) GetValidationStats() map[string]interface{} {
	v.mu.Lock()
	defer v.mu.Unlock()

	counts := make(map[string]int, len(v.stats))
	for k, c := range v.stats {
		counts[k] = c
	}
	return map[string]interface{}{
		"strict_mode": v.strictMode,
		"rules_count": len(v.rules),
		"counts":      counts,
	}
}

// ListingRule 挂单规则
type ListingRule struct{}

func (r *ListingRule) Name() string        { return "listing" }
func (r *ListingRule) Description() string { return "挂单字段非空，价格为正的十进制金额" }

func (r *ListingRule) Validate(data interface{}) ([]string, error) {
	fields, ok := data.(models.ListingFields)
	if !ok {
		return nil, fmt.Errorf("数据类型错误，期望ListingFields")
	}

	var missing []string
	for name, value := range map[string]string{
		"manufacturer": fields.Manufacturer,
		"model_name":   fields.ModelName,
		"model_code":   fields.ModelCode,
		"imei":         fields.IMEI,
	} {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return nil, fmt.Errorf("缺少字段: %s", strings.Join(missing, ", "))
	}

	price, err := models.ParseEther(fields.Price)
	if err != nil {
		return nil, err
	}
	if price.Sign() <= 0 {
		return nil, fmt.Errorf("价格必须大于0")
	}

	var warnings []string
	if !isIMEI(fields.IMEI) {
		warnings = append(warnings, "IMEI 不是15位数字或校验位不正确")
	}
	return warnings, nil
}

// BuyRule 购买规则
type BuyRule struct{}

func (r *BuyRule) Name() string        { return "buy" }
func (r *BuyRule) Description() string { return "支付金额非负" }

func (r *BuyRule) Validate(data interface{}) ([]string, error) {
	in, ok := data.(BuyInput)
	if !ok {
		return nil, fmt.Errorf("数据类型错误，期望BuyInput")
	}
	if in.Price == nil {
		return nil, fmt.Errorf("缺少支付金额")
	}
	if in.Price.Sign() < 0 {
		return nil, fmt.Errorf("支付金额不能为负")
	}
	return nil, nil
}

// VerifyRule 验证规则
type VerifyRule struct{}

func (r *VerifyRule) Name() string        { return "verify" }
func (r *VerifyRule) Description() string { return "IMEI 非空" }

func (r *VerifyRule) Validate(data interface{}) ([]string, error) {
	in, ok := data.(VerifyInput)
	if !ok {
		return nil, fmt.Errorf("数据类型错误，期望VerifyInput")
	}
	if strings.TrimSpace(in.IMEI) == "" {
		return nil, fmt.Errorf("IMEI 不能为空")
	}
	return nil, nil
}

// RecordRule 记录不变量规则，违反项只作为警告
type RecordRule struct{}

func (r *RecordRule) Name() string        { return "record" }
func (r *RecordRule) Description() string { return "设备记录不变量" }

func (r *RecordRule) Validate(data interface{}) ([]string, error) {
	record, ok := data.(*models.DeviceRecord)
	if !ok || record == nil {
		return nil, fmt.Errorf("数据类型错误，期望*DeviceRecord")
	}
	return models.CheckInvariants(record), nil
}

// isIMEI 15位数字且满足 Luhn 校验
func isIMEI(s string) bool {
	if len(s) != 15 {
		return false
	}
	sum := 0
	for i, c := range s {
		if c < '0' || c > '9' {
			return false
		}
		d := int(c - '0')
		if i%2 == 1 {
			d *= 2
			if d > 9 {
				d -= 9
			}
		}
		sum += d
	}
	return sum%10 == 0
}
