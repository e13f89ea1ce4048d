// Package money converts between the integer minor units used by the
// ledger and the decimal major-unit strings payment providers speak.
// The ledger itself never sees a float or a decimal.
package money

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// exponent is the number of minor-unit digits. GHS, like most supported
// currencies, uses 2 (1 cedi = 100 pesewas).
const exponent = 2

// ToMinor parses a provider amount string ("12.50") into minor units.
// Amounts with sub-minor precision are rejected, never rounded.
func ToMinor(s string) (int64, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return decimalToMinor(d)
}

// FromMinor renders minor units as a major-unit string for provider APIs.
func FromMinor(minor int64) string {
	return decimal.New(minor, -exponent).StringFixed(exponent)
}

func decimalToMinor(d decimal.Decimal) (int64, error) {
	shifted := d.Shift(exponent)
	if !shifted.IsInteger() {
		return 0, fmt.Errorf("amount %s has sub-minor precision", d.String())
	}
	if !shifted.BigInt().IsInt64() {
		return 0, fmt.Errorf("amount %s out of range", d.String())
	}
	return shifted.IntPart(), nil
}

// ParseJSONNumber handles providers that send amounts as JSON numbers
// rather than strings.
func ParseJSONNumber(v interface{}) (int64, error) {
	switch n := v.(type) {
	case string:
		return ToMinor(n)
	case float64:
		return decimalToMinor(decimal.NewFromFloat(n))
	default:
		return 0, fmt.Errorf("unsupported amount type %T", v)
	}
}
