package feature

import (
	"github.com/v13quant/orderflow/internal/schema"
)

// CVDCalculator cumulates tick-rule classified signed volume and maintains
// its rolling z-score.
//
// Tick rule: a trade above the previous price is buyer-initiated (+qty),
// below is seller-initiated (-qty). At an unchanged price the prior
// direction propagates, but the propagation run is bounded both in tick
// count and in elapsed time so a stale direction cannot carry indefinitely.
type CVDCalculator struct {
	window *RollingWindow

	maxRunLen int
	maxRunMs  int64

	prevPrice  float64
	lastDir    float64
	runLen     int
	runStartMs int64
	cum        float64
	primed     bool
}

// NewCVDCalculator creates a calculator with the given z-score window and
// tick-rule propagation caps.
func NewCVDCalculator(window, maxRunLen int, maxRunMs int64) *CVDCalculator {
	return &CVDCalculator{
		window:    NewRollingWindow(window),
		maxRunLen: maxRunLen,
		maxRunMs:  maxRunMs,
	}
}

// Update consumes one trade and returns the cumulative delta after it.
func (c *CVDCalculator) Update(tsMs int64, price, qty float64, side schema.Side) float64 {
	dir := c.classify(tsMs, price, side)
	c.cum += dir * qty
	c.prevPrice = price
	c.primed = true
	c.window.Push(c.cum)
	return c.cum
}

// classify resolves the signed direction of one trade under the tick rule
// with bounded propagation.
func (c *CVDCalculator) classify(tsMs int64, price float64, side schema.Side) float64 {
	if !c.primed {
		// No prior price: fall back to the exchange-reported taker side.
		c.startRun(tsMs, side.Sign())
		return c.lastDir
	}
	switch {
	case price > c.prevPrice:
		c.startRun(tsMs, 1)
	case price < c.prevPrice:
		c.startRun(tsMs, -1)
	default:
		// Unchanged price: propagate within caps, else fall back to the
		// reported side and start a fresh run.
		c.runLen++
		expired := c.runLen > c.maxRunLen || tsMs-c.runStartMs > c.maxRunMs
		if expired || c.lastDir == 0 {
			c.startRun(tsMs, side.Sign())
		}
	}
	return c.lastDir
}

func (c *CVDCalculator) startRun(tsMs int64, dir float64) {
	c.lastDir = dir
	c.runLen = 0
	c.runStartMs = tsMs
}

// Cum returns the current cumulative volume delta.
func (c *CVDCalculator) Cum() float64 { return c.cum }

// Z returns the z-score of the current CVD against the rolling window.
func (c *CVDCalculator) Z() float64 {
	return c.window.ZScore(c.cum)
}

// Warm reports whether the z-score window has enough history.
func (c *CVDCalculator) Warm() bool {
	return c.window.Full()
}
