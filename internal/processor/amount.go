package processor

import (
	"math"
	"strconv"
	"strings"
)

// Currencies the processor treats as zero-decimal: amounts are already in
// the smallest unit and carry no fractional part.
var zeroDecimalCurrencies = map[string]struct{}{
	"BIF": {}, "CLP": {}, "DJF": {}, "GNF": {}, "JPY": {}, "KMF": {},
	"KRW": {}, "MGA": {}, "PYG": {}, "RWF": {}, "UGX": {}, "VND": {},
	"VUV": {}, "XAF": {}, "XOF": {}, "XPF": {},
}

// Currencies with three decimal places.
var threeDecimalCurrencies = map[string]struct{}{
	"BHD": {}, "JOD": {}, "KWD": {}, "OMR": {}, "TND": {},
}

// CurrencyPrecision returns the number of decimal places the currency
// carries; most currencies use two.
func CurrencyPrecision(currency string) int {
	c := strings.ToUpper(currency)
	if _, ok := zeroDecimalCurrencies[c]; ok {
		return 0
	}
	if _, ok := threeDecimalCurrencies[c]; ok {
		return 3
	}
	return 2
}

// AmountMinorUnits converts a decimal amount into the integer minor-unit
// representation the processor expects. The amount is first formatted to the
// currency's precision (rounding) and then stripped of everything but
// digits, so 19.999 USD becomes "20.00" becomes 2000, and 19.99 JPY becomes
// "20" becomes 20.
func AmountMinorUnits(amount float64, currency string) int64 {
	formatted := strconv.FormatFloat(amount, 'f', CurrencyPrecision(currency), 64)

	var digits strings.Builder
	for _, r := range formatted {
		if r >= '0' && r <= '9' {
			digits.WriteRune(r)
		}
	}
	if digits.Len() == 0 {
		return 0
	}
	minor, err := strconv.ParseInt(digits.String(), 10, 64)
	if err != nil {
		return 0
	}
	return minor
}

// MinorToMajor converts a minor-unit amount back to a decimal in the given
// currency, rounded to the currency's precision.
func MinorToMajor(minor int64, currency string) float64 {
	precision := CurrencyPrecision(currency)
	return roundTo(float64(minor)/math.Pow10(precision), precision)
}

// ConvertedFee converts a settlement-currency fee into the charge currency
// using the settlement exchange rate, rounded to the charge currency's
// precision. Used when the processor settles in a different currency than
// the one the customer was charged in.
func ConvertedFee(feeMinor int64, exchangeRate float64, chargeCurrency string) float64 {
	precision := CurrencyPrecision(chargeCurrency)
	return roundTo(float64(feeMinor)/exchangeRate/math.Pow10(precision), precision)
}

func roundTo(v float64, places int) float64 {
	factor := math.Pow10(places)
	return math.Round(v*factor) / factor
}
