package validation

import (
	"math/big"
	"testing"

	"phonemarket/internal/errors"
	"phonemarket/pkg/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestValidator(strict bool) *Validator {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return NewValidator(logger, strict)
}

func validListing() models.ListingFields {
	return models.ListingFields{
		Manufacturer: "Apple",
		ModelName:    "iPhone 15 Pro",
		ModelCode:    "A2650",
		IMEI:         "490154203237518",
		Price:        "1.5",
	}
}

func TestNewValidator(t *testing.T) {
	v := newTestValidator(false)

	assert.NotNil(t, v)
	assert.Len(t, v.rules, 4)
	assert.False(t, v.strictMode)
}

func TestValidateListing(t *testing.T) {
	tests := []struct {
		name     string
		modify   func(f *models.ListingFields)
		valid    bool
		warnings int
	}{
		{"合法挂单", func(f *models.ListingFields) {}, true, 0},
		{"缺少厂商", func(f *models.ListingFields) { f.Manufacturer = " " }, false, 0},
		{"价格为0", func(f *models.ListingFields) { f.Price = "0" }, false, 0},
		{"价格非数字", func(f *models.ListingFields) { f.Price = "cheap" }, false, 0},
		{"价格精度过高", func(f *models.ListingFields) { f.Price = "0.0000000000000000001" }, false, 0},
		{"IMEI校验位错误只告警", func(f *models.ListingFields) { f.IMEI = "490154203237519" }, true, 1},
		{"IMEI非数字只告警", func(f *models.ListingFields) { f.IMEI = "IMEI-123" }, true, 1},
	}

	v := newTestValidator(false)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fields := validListing()
			tt.modify(&fields)

			result := v.ValidateListing(fields)
			assert.Equal(t, tt.valid, result.Valid)
			assert.Len(t, result.Warnings, tt.warnings)
			if !tt.valid {
				err := result.Err()
				require.Error(t, err)
				assert.True(t, errors.Is(err, errors.KindValidation))
			}
		})
	}
}

func TestValidateListing_MissingFieldsSorted(t *testing.T) {
	v := newTestValidator(false)
	result := v.ValidateListing(models.ListingFields{Price: "1"})

	require.False(t, result.Valid)
	assert.Equal(t, "缺少字段: imei, manufacturer, model_code, model_name", result.Errors[0].Message)
}

func TestValidatorStrictMode(t *testing.T) {
	fields := validListing()
	fields.IMEI = "123"

	assert.True(t, newTestValidator(false).ValidateListing(fields).Valid)

	result := newTestValidator(true).ValidateListing(fields)
	assert.False(t, result.Valid)
	assert.Contains(t, errors.ReasonOf(result.Err()), "IMEI")
}

func TestValidateBuy(t *testing.T) {
	v := newTestValidator(false)

	assert.True(t, v.ValidateBuy(1, big.NewInt(0)).Valid)
	assert.True(t, v.ValidateBuy(1, big.NewInt(1000)).Valid)
	assert.False(t, v.ValidateBuy(1, nil).Valid)
	assert.False(t, v.ValidateBuy(1, big.NewInt(-1)).Valid)
}

func TestValidateVerify(t *testing.T) {
	v := newTestValidator(false)

	// 不做本地匹配，任意非空 IMEI 都可提交
	assert.True(t, v.ValidateVerify(3, "not-the-real-imei").Valid)
	assert.False(t, v.ValidateVerify(3, "  ").Valid)
}

func TestValidateRecord(t *testing.T) {
	v := newTestValidator(false)

	ok := v.ValidateRecord(&models.DeviceRecord{ID: 1, IsSold: true, Buyer: "0xabc"})
	assert.True(t, ok.Valid)
	assert.Empty(t, ok.Warnings)

	broken := v.ValidateRecord(&models.DeviceRecord{ID: 2, IsVerified: true})
	assert.True(t, broken.Valid)
	assert.Len(t, broken.Warnings, 1)

	assert.False(t, v.ValidateRecord(nil).Valid)
}

func TestIsIMEI(t *testing.T) {
	assert.True(t, isIMEI("490154203237518"))
	assert.False(t, isIMEI("490154203237519"))
	assert.False(t, isIMEI("49015420323751"))
	assert.False(t, isIMEI("49015420323751a"))
}

func TestGetValidationStats(t *testing.T) {
	v := newTestValidator(false)
	v.ValidateVerify(1, "x")
	v.ValidateVerify(1, "")

	stats := v.GetValidationStats()
	assert.Equal(t, false, stats["strict_mode"])
	assert.Equal(t, 4, stats["rules_count"])

	counts := stats["counts"].(map[string]int)
	assert.Equal(t, 2, counts["verify_total"])
	assert.Equal(t, 1, counts["verify_invalid"])
}

func BenchmarkValidateListing(b *testing.B) {
	v := newTestValidator(false)
	fields := validListing()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		v.ValidateListing(fields)
	}
}
