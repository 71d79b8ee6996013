package loop

import (
	"math"
	"math/big"

	"github.com/shopspring/decimal"
)

// ApyToApr converts a simple-compounding APY into a continuously-compounded
// APR: ln(1+apy).
func ApyToApr(apy float64) float64 {
	return math.Log1p(apy)
}

// CombineApr compounds a protocol rate with an underlying token rate.
func CombineApr(base, token float64) float64 {
	return (1+base)*(1+token) - 1
}

// Leverage returns 1/(1-ltv). ltv must be < 1.
func Leverage(ltv float64) float64 {
	return 1 / (1 - ltv)
}

// LoopYield is leverage × (supply − ltv × borrow).
func LoopYield(supplyApr, borrowApr, ltv float64) float64 {
	return Leverage(ltv) * (supplyApr - ltv*borrowApr)
}

// ValidDepeg reports whether depeg is a usable haircut in (0, 1].
func ValidDepeg(depeg float64) bool {
	return depeg > 0 && depeg <= 1
}

// EffectiveLTV caps maxLTV by the depeg-adjusted liquidation threshold. A
// depeg outside (0, 1] applies no haircut.
func EffectiveLTV(maxLTV, liquidationThreshold, depeg float64) float64 {
	if !ValidDepeg(depeg) {
		depeg = 1
	}
	return math.Min(maxLTV, liquidationThreshold*depeg)
}

// TrailingAverage averages the last n values, or all of them when fewer
// than n exist. An empty slice averages to zero.
func TrailingAverage(values []float64, n int) float64 {
	if len(values) == 0 || n <= 0 {
		return 0
	}
	if n < len(values) {
		values = values[len(values)-n:]
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// DecimalShift scales an on-chain integer down by 10^decimals without
// going through float64.
func DecimalShift(v *big.Int, decimals int32) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(v, -decimals)
}

// Float converts a decimal for display math.
func Float(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
