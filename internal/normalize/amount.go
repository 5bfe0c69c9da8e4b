package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/transfa/deposit-relay/internal/domain"
)

var maxMinorUnits = decimal.NewFromInt(math.MaxInt64)

// toDecimal accepts the numeric shapes found in provider payloads.
func toDecimal(v any) (decimal.Decimal, bool) {
	switch typed := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(typed.String())
		return d, err == nil
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(typed))
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(typed), true
	case int:
		return decimal.NewFromInt(int64(typed)), true
	case int64:
		return decimal.NewFromInt(typed), true
	case uint64:
		d, err := decimal.NewFromString(strconv.FormatUint(typed, 10))
		return d, err == nil
	}
	return decimal.Zero, false
}

func toInt(v any) (int, bool) {
	d, ok := toDecimal(v)
	if !ok || !d.IsInteger() {
		return 0, false
	}
	return int(d.IntPart()), true
}

// addMinorUnits sums two non-negative amounts and rejects a total that no
// longer fits in int64.
func addMinorUnits(total, amount int64) (int64, error) {
	if amount > math.MaxInt64-total {
		return 0, fmt.Errorf("%w: total of %d and %d overflows int64", domain.ErrMalformedEvent, total, amount)
	}
	return total + amount, nil
}

// minorUnits converts an amount to integer minor units. When scale is positive
// the amount is a UI amount and is shifted left by scale digits first. A value
// that still carries a fraction is rejected rather than rounded.
func minorUnits(d decimal.Decimal, scale int) (int64, error) {
	if scale > 0 {
		d = d.Shift(int32(scale))
	}
	if !d.IsInteger() {
		return 0, fmt.Errorf("%w: amount %s is not an integer number of minor units", domain.ErrMalformedEvent, d.String())
	}
	if d.Cmp(maxMinorUnits) > 0 || d.Cmp(maxMinorUnits.Neg()) < 0 {
		return 0, fmt.Errorf("%w: amount %s overflows int64", domain.ErrMalformedEvent, d.String())
	}
	return d.IntPart(), nil
}

// transferAmount applies TransferAmountRule. A fractional amount is accepted
// only with a sibling decimals field.
func transferAmount(transfer map[string]any) (int64, error) {
	raw, _, ok := TransferAmountRule.First(transfer)
	if !ok {
		return 0, nil
	}
	d, ok := toDecimal(raw)
	if !ok {
		return 0, fmt.Errorf("%w: transfer amount %v is not numeric", domain.ErrMalformedEvent, raw)
	}
	if !d.IsInteger() {
		scale, hasScale := decimalsOf(transfer)
		if !hasScale {
			return 0, fmt.Errorf("%w: fractional transfer amount %s without decimals", domain.ErrMalformedEvent, d.String())
		}
		return minorUnits(d, scale)
	}
	return minorUnits(d, 0)
}

// tokenAmount applies TokenRawAmountRule, then TokenUIAmountRule scaled by decimals.
func tokenAmount(balance map[string]any) (int64, bool, error) {
	if raw, _, ok := TokenRawAmountRule.First(balance); ok {
		d, ok := toDecimal(raw)
		if !ok {
			return 0, false, fmt.Errorf("%w: token amount %v is not numeric", domain.ErrMalformedEvent, raw)
		}
		if !d.IsInteger() {
			scale, hasScale := decimalsOf(balance)
			if !hasScale {
				return 0, false, fmt.Errorf("%w: fractional token amount %s without decimals", domain.ErrMalformedEvent, d.String())
			}
			v, err := minorUnits(d, scale)
			return v, err == nil, err
		}
		v, err := minorUnits(d, 0)
		return v, err == nil, err
	}
	if raw, _, ok := TokenUIAmountRule.First(balance); ok {
		d, ok := toDecimal(raw)
		if !ok {
			return 0, false, fmt.Errorf("%w: token ui amount %v is not numeric", domain.ErrMalformedEvent, raw)
		}
		scale, _ := decimalsOf(balance)
		v, err := minorUnits(d, scale)
		return v, err == nil, err
	}
	return 0, false, nil
}

func decimalsOf(obj map[string]any) (int, bool) {
	for _, path := range TokenDecimalsRule {
		v, ok := lookup(obj, path)
		if !ok {
			continue
		}
		if n, ok := toInt(v); ok && n >= 0 {
			return n, true
		}
	}
	return 0, false
}
