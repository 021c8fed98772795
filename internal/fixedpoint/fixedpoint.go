package fixedpoint

import (
	"math/big"
	"sync"
)

// DecimalConfig defines fixed-point precision
type DecimalConfig struct {
	DecimalPrecision int   // Number of decimal places
	Scale            int64 // 10^DecimalPrecision
}

var (
	// Standard configs
	AmountConfig = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001 token
	PriceConfig  = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // 0.000001 USD per token
	RateConfig   = DecimalConfig{DecimalPrecision: 6, Scale: 1_000_000} // parts-per-million rates and factors
)

// RatePPM is the scale for rates, factors and health values.
const RatePPM int64 = 1_000_000

// Int128 is a pooled big.Int for intermediate calculations
var int128Pool = &sync.Pool{
	New: func() interface{} {
		return new(big.Int)
	},
}

func getInt128() *big.Int {
	return int128Pool.Get().(*big.Int)
}

func putInt128(v *big.Int) {
	v.SetInt64(0) // Clear before returning to pool
	int128Pool.Put(v)
}

// MultiplyInt128 performs a * b using int128 to prevent overflow
func MultiplyInt128(a, b int64) *big.Int {
	result := getInt128()
	result.Mul(big.NewInt(a), big.NewInt(b))
	return result
}

// DivideInt128 performs numerator / denominator with rounding
func DivideInt128(numerator *big.Int, denominator int64, roundingMode RoundingMode) int64 {
	denom := big.NewInt(denominator)
	quotient := getInt128()
	remainder := getInt128()

	negative := numerator.Sign() < 0
	abs := getInt128()
	abs.Abs(numerator)

	quotient.DivMod(abs, denom, remainder)

	result := quotient.Int64()

	switch roundingMode {
	case RoundHalfEven:
		// Banker's rounding: if remainder == denominator/2, round to even
		half := big.NewInt(denominator / 2)
		cmp := remainder.Cmp(half)

		if cmp > 0 {
			// remainder > half: round up
			result++
		} else if cmp == 0 && denominator%2 == 0 {
			// remainder == half and even denominator: round to even
			if result%2 != 0 {
				result++
			}
		}
	case RoundUp:
		if remainder.Sign() != 0 {
			result++
		}
	case RoundDown:
		// truncation, nothing to do
	}

	putInt128(quotient)
	putInt128(remainder)
	putInt128(abs)

	if negative {
		result = -result
	}
	return result
}

type RoundingMode int

const (
	RoundHalfEven RoundingMode = iota // Banker's rounding (default)
	RoundDown
	RoundUp
)

// MulDiv computes a * b / denominator through an int128 intermediate.
func MulDiv(a, b, denominator int64, mode RoundingMode) int64 {
	num := MultiplyInt128(a, b)
	result := DivideInt128(num, denominator, mode)
	putInt128(num)
	return result
}

// Value converts a token amount at a price into quote units:
// amount * price / priceScale.
func Value(amount, price int64) int64 {
	return MulDiv(amount, price, PriceConfig.Scale, RoundHalfEven)
}

// AmountForValue converts a quote value at a price back into token units:
// value * priceScale / price. Rounds down so the protocol never releases
// more tokens than the value covers.
func AmountForValue(value, price int64) int64 {
	return MulDiv(value, PriceConfig.Scale, price, RoundDown)
}

// ApplyRate scales an amount by a ppm rate: amount * ratePPM / 1e6.
func ApplyRate(amount, ratePPM int64) int64 {
	return MulDiv(amount, ratePPM, RatePPM, RoundHalfEven)
}

// ApplyRateUp is ApplyRate rounding up. Used where rounding in the
// protocol's favor is required (interest owed, fees charged).
func ApplyRateUp(amount, ratePPM int64) int64 {
	return MulDiv(amount, ratePPM, RatePPM, RoundUp)
}

// Ratio returns numerator / denominator as a ppm value.
// Returns 0 when denominator is 0.
func Ratio(numerator, denominator int64) int64 {
	if denominator == 0 {
		return 0
	}
	return MulDiv(numerator, RatePPM, denominator, RoundHalfEven)
}
