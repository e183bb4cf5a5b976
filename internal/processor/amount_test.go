package processor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCurrencyPrecision(t *testing.T) {
	assert.Equal(t, 2, CurrencyPrecision("USD"))
	assert.Equal(t, 2, CurrencyPrecision("aud"))
	assert.Equal(t, 0, CurrencyPrecision("JPY"))
	assert.Equal(t, 0, CurrencyPrecision("krw"))
	assert.Equal(t, 3, CurrencyPrecision("BHD"))
	assert.Equal(t, 2, CurrencyPrecision("XYZ"))
}

func TestAmountMinorUnits(t *testing.T) {
	tests := []struct {
		name     string
		amount   float64
		currency string
		want     int64
	}{
		{"two decimal exact", 19.99, "USD", 1999},
		{"two decimal rounds up", 19.999, "USD", 2000},
		{"zero decimal rounds whole", 19.99, "JPY", 20},
		{"zero decimal exact", 500, "JPY", 500},
		{"three decimal", 1.999, "KWD", 1999},
		{"whole amount", 10, "USD", 1000},
		{"zero", 0, "USD", 0},
		{"sub minor unit", 0.004, "USD", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, AmountMinorUnits(tt.amount, tt.currency))
		})
	}
}

func TestMinorToMajor(t *testing.T) {
	assert.Equal(t, 19.99, MinorToMajor(1999, "USD"))
	assert.Equal(t, float64(500), MinorToMajor(500, "JPY"))
	assert.Equal(t, 1.235, MinorToMajor(1235, "KWD"))
}

func TestConvertedFee(t *testing.T) {
	// 185 minor units of the settlement currency at a rate of 1.387695
	// converts back to 1.33 in the charge currency.
	assert.Equal(t, 1.33, ConvertedFee(185, 1.387695, "USD"))
	// Zero-decimal charge currency keeps whole units.
	assert.Equal(t, float64(133), ConvertedFee(185, 1.387695, "JPY"))
}
