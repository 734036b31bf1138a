package domain

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// Quantization exponents and tolerances for monetary arithmetic. All
// rounding uses banker's rounding.
var (
	// ZeroTolerance bounds the allowed residual of a journal's signed sum.
	ZeroTolerance = decimal.New(1, -6)
	// LotTolerance bounds rounding slop in lot quantity arithmetic.
	LotTolerance = decimal.New(1, -10)
)

// QuantizeMoney rounds a monetary amount to cents.
func QuantizeMoney(d decimal.Decimal) decimal.Decimal { return d.RoundBank(2) }

// QuantizePrice rounds a per-unit price to 1e-6.
func QuantizePrice(d decimal.Decimal) decimal.Decimal { return d.RoundBank(6) }

// QuantizeQty rounds a quantity to 1e-8.
func QuantizeQty(d decimal.Decimal) decimal.Decimal { return d.RoundBank(8) }

// QuantizeBalance rounds a computed balance to 1e-4.
func QuantizeBalance(d decimal.Decimal) decimal.Decimal { return d.RoundBank(4) }

// ParseDecimal converts loosely typed broker values into a Decimal.
// Accepts decimals, json.Number, strings (currency symbols and thousands
// separators stripped), floats, and integers. NaN and infinities are
// rejected rather than silently coerced.
func ParseDecimal(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case nil:
		return decimal.Zero, fmt.Errorf("%w: nil amount", ErrValidation)
	case decimal.Decimal:
		return x, nil
	case json.Number:
		if x.String() == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(x.String())
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: bad number %q", ErrValidation, x.String())
		}
		return d, nil
	case string:
		s := strings.TrimSpace(x)
		s = strings.ReplaceAll(s, ",", "")
		s = strings.TrimPrefix(s, "$")
		s = strings.TrimPrefix(s, "€")
		if s == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(s)
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: bad amount %q", ErrValidation, x)
		}
		return d, nil
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return decimal.Zero, fmt.Errorf("%w: non-finite amount", ErrValidation)
		}
		return decimal.NewFromFloat(x), nil
	case float32:
		return ParseDecimal(float64(x))
	case int:
		return decimal.NewFromInt(int64(x)), nil
	case int64:
		return decimal.NewFromInt(x), nil
	default:
		return decimal.Zero, fmt.Errorf("%w: unsupported amount type %T", ErrValidation, v)
	}
}

// IsZeroSum reports whether the signed sum is zero within ZeroTolerance.
func IsZeroSum(sum decimal.Decimal) bool {
	return sum.Abs().LessThanOrEqual(ZeroTolerance)
}
