package feature

import (
	"github.com/v13quant/orderflow/internal/schema"
)

// DivergenceDetector compares price slope against CVD and OFI slopes over
// rolling windows. Price rising while flow falls is bearish divergence;
// price falling while flow rises is bullish.
type DivergenceDetector struct {
	price *RollingWindow
	cvd   *RollingWindow
	ofi   *RollingWindow

	// minSlope filters numeric noise around zero.
	minSlope float64
}

// NewDivergenceDetector creates a detector with the given slope window.
func NewDivergenceDetector(window int) *DivergenceDetector {
	return &DivergenceDetector{
		price:    NewRollingWindow(window),
		cvd:      NewRollingWindow(window),
		ofi:      NewRollingWindow(window),
		minSlope: 1e-9,
	}
}

// Update records one observation of mid price, cumulative CVD and raw OFI.
func (d *DivergenceDetector) Update(mid, cvd, ofi float64) {
	d.price.Push(mid)
	d.cvd.Push(cvd)
	d.ofi.Push(ofi)
}

// Classify returns the current divergence state. Flow direction is taken
// from CVD slope with OFI slope as a confirmation; both must disagree with
// price for a divergence call.
func (d *DivergenceDetector) Classify() schema.Divergence {
	if !d.price.Full() {
		return schema.DivergenceNone
	}
	ps := d.price.Slope()
	cs := d.cvd.Slope()
	os := d.ofi.Slope()

	switch {
	case ps > d.minSlope && cs < -d.minSlope && os <= 0:
		return schema.DivergenceBearish
	case ps < -d.minSlope && cs > d.minSlope && os >= 0:
		return schema.DivergenceBullish
	default:
		return schema.DivergenceNone
	}
}
