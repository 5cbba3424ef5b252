package feature

import (
	"github.com/v13quant/orderflow/internal/schema"
)

// OFICalculator computes per-level signed Order Flow Imbalance from depth
// deltas and maintains its rolling z-score.
//
// Per level, following the standard OFI construction: bid contributions are
// positive when the bid price rises or quantity grows at an unchanged price;
// ask contributions mirror with opposite sign.
type OFICalculator struct {
	depth  int
	window *RollingWindow

	prevBids []schema.BookLevel
	prevAsks []schema.BookLevel
	primed   bool
}

// NewOFICalculator creates a calculator over the configured depth and
// z-score window.
func NewOFICalculator(depth, window int) *OFICalculator {
	return &OFICalculator{depth: depth, window: NewRollingWindow(window)}
}

// Update consumes one depth snapshot and returns the raw OFI for the delta
// against the previous snapshot. The first snapshot only primes state.
func (c *OFICalculator) Update(bids, asks []schema.BookLevel) (raw float64, ok bool) {
	bids = truncate(bids, c.depth)
	asks = truncate(asks, c.depth)
	if !c.primed {
		c.prevBids, c.prevAsks = cloneLevels(bids), cloneLevels(asks)
		c.primed = true
		return 0, false
	}

	ofi := 0.0
	for i := 0; i < min(len(bids), len(c.prevBids)); i++ {
		ofi += bidContribution(c.prevBids[i], bids[i])
	}
	for i := 0; i < min(len(asks), len(c.prevAsks)); i++ {
		ofi -= askContribution(c.prevAsks[i], asks[i])
	}

	c.prevBids, c.prevAsks = cloneLevels(bids), cloneLevels(asks)
	c.window.Push(ofi)
	return ofi, true
}

// bidContribution implements the signed bid-side delta for one level.
func bidContribution(prev, cur schema.BookLevel) float64 {
	switch {
	case cur.Price > prev.Price:
		return cur.Qty
	case cur.Price < prev.Price:
		return -prev.Qty
	default:
		return cur.Qty - prev.Qty
	}
}

// askContribution implements the unsigned ask-side delta; the caller negates.
func askContribution(prev, cur schema.BookLevel) float64 {
	switch {
	case cur.Price < prev.Price:
		return cur.Qty
	case cur.Price > prev.Price:
		return -prev.Qty
	default:
		return cur.Qty - prev.Qty
	}
}

// Z returns the z-score of the given raw OFI against the rolling window.
func (c *OFICalculator) Z(raw float64) float64 {
	return c.window.ZScore(raw)
}

// Warm reports whether the z-score window has enough history.
func (c *OFICalculator) Warm() bool {
	return c.window.Full()
}

func truncate(levels []schema.BookLevel, depth int) []schema.BookLevel {
	if len(levels) > depth {
		return levels[:depth]
	}
	return levels
}

func cloneLevels(levels []schema.BookLevel) []schema.BookLevel {
	out := make([]schema.BookLevel, len(levels))
	copy(out, levels)
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
