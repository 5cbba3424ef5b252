package feature

import "math"

// Fusion combines z-scored OFI and CVD into one score with configured
// weights (w_ofi + w_cvd = 1.0, enforced at config load).
type Fusion struct {
	wOFI float64
	wCVD float64
}

// NewFusion creates the combiner.
func NewFusion(wOFI, wCVD float64) *Fusion {
	return &Fusion{wOFI: wOFI, wCVD: wCVD}
}

// Score returns the weighted sum of the two z-scores.
func (f *Fusion) Score(zOFI, zCVD float64) float64 {
	return f.wOFI*zOFI + f.wCVD*zCVD
}

// Consistency returns the [0,1] agreement between the two inputs: 1 when
// signs match and magnitudes are equal, decaying toward 0 as they diverge.
// Opposite signs score below 0.5 scaled by relative magnitude.
func (f *Fusion) Consistency(zOFI, zCVD float64) float64 {
	aOFI, aCVD := math.Abs(zOFI), math.Abs(zCVD)
	larger := math.Max(aOFI, aCVD)
	if larger == 0 {
		return 1 // both flat: trivially consistent
	}
	magnitude := math.Min(aOFI, aCVD) / larger
	if sameSign(zOFI, zCVD) {
		return 0.5 + 0.5*magnitude
	}
	return 0.5 - 0.5*magnitude
}

func sameSign(a, b float64) bool {
	return (a >= 0 && b >= 0) || (a <= 0 && b <= 0)
}
