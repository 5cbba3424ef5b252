package exchange

import (
	"github.com/shopspring/decimal"
)

// AlignPrice rounds a price to the nearest tick. Decimal arithmetic avoids
// the float drift that makes 0.1-tick venues reject orders.
func AlignPrice(price, tickSize float64) float64 {
	if tickSize <= 0 {
		return price
	}
	p := decimal.NewFromFloat(price)
	tick := decimal.NewFromFloat(tickSize)
	ticks := p.Div(tick).Round(0)
	out, _ := ticks.Mul(tick).Float64()
	return out
}

// AlignQty floors a quantity to the step size. Flooring, not rounding:
// rounding up can exceed balance or position limits.
func AlignQty(qty, stepSize float64) float64 {
	if stepSize <= 0 {
		return qty
	}
	q := decimal.NewFromFloat(qty)
	step := decimal.NewFromFloat(stepSize)
	steps := q.Div(step).Floor()
	out, _ := steps.Mul(step).Float64()
	return out
}

// MeetsMinNotional reports whether qty*price clears the venue floor.
func MeetsMinNotional(qty, price, minNotional float64) bool {
	if minNotional <= 0 {
		return true
	}
	notional := decimal.NewFromFloat(qty).Mul(decimal.NewFromFloat(price))
	return notional.GreaterThanOrEqual(decimal.NewFromFloat(minNotional))
}

// SuggestQty returns the smallest step-aligned quantity that clears the
// min-notional floor at the given price. Used in rejection events so the
// operator sees what would have passed.
func SuggestQty(price, stepSize, minNotional float64) float64 {
	if price <= 0 || stepSize <= 0 {
		return 0
	}
	need := decimal.NewFromFloat(minNotional).Div(decimal.NewFromFloat(price))
	step := decimal.NewFromFloat(stepSize)
	steps := need.Div(step).Ceil()
	out, _ := steps.Mul(step).Float64()
	return out
}
