package feature

import "math"

// RollingWindow is a fixed-capacity ring of float64 samples with running
// sums for O(1) mean/std. It backs every z-score in the feature pipe.
type RollingWindow struct {
	buf   []float64
	size  int
	head  int
	count int
	sum   float64
	sumSq float64
}

// NewRollingWindow creates a window of the given capacity.
func NewRollingWindow(size int) *RollingWindow {
	if size < 2 {
		size = 2
	}
	return &RollingWindow{buf: make([]float64, size), size: size}
}

// Push adds a sample, evicting the oldest once full.
func (w *RollingWindow) Push(v float64) {
	if w.count == w.size {
		old := w.buf[w.head]
		w.sum -= old
		w.sumSq -= old * old
	} else {
		w.count++
	}
	w.buf[w.head] = v
	w.sum += v
	w.sumSq += v * v
	w.head = (w.head + 1) % w.size
}

// Count returns the number of samples currently held.
func (w *RollingWindow) Count() int { return w.count }

// Full reports whether the warmup window is satisfied.
func (w *RollingWindow) Full() bool { return w.count == w.size }

// Mean returns the window mean, 0 when empty.
func (w *RollingWindow) Mean() float64 {
	if w.count == 0 {
		return 0
	}
	return w.sum / float64(w.count)
}

// Std returns the population standard deviation.
func (w *RollingWindow) Std() float64 {
	if w.count < 2 {
		return 0
	}
	mean := w.Mean()
	variance := w.sumSq/float64(w.count) - mean*mean
	if variance <= 0 {
		return 0
	}
	return math.Sqrt(variance)
}

// ZScore returns (v - mean) / std for the current window; 0 when the window
// is degenerate so a flat series never explodes.
func (w *RollingWindow) ZScore(v float64) float64 {
	std := w.Std()
	if std == 0 {
		return 0
	}
	return (v - w.Mean()) / std
}

// Slope returns the least-squares slope over the window in insertion order.
// Used by the divergence classifier.
func (w *RollingWindow) Slope() float64 {
	n := w.count
	if n < 2 {
		return 0
	}
	// Walk from oldest to newest.
	start := w.head - n
	if start < 0 {
		start += w.size
	}
	var sumX, sumY, sumXY, sumXX float64
	for i := 0; i < n; i++ {
		x := float64(i)
		y := w.buf[(start+i)%w.size]
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	fn := float64(n)
	denom := fn*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (fn*sumXY - sumX*sumY) / denom
}

// RateWindow counts events over a sliding time horizon, for trades/min and
// quote updates/sec.
type RateWindow struct {
	horizonMs int64
	stamps    []int64
}

// NewRateWindow creates a counter over the given horizon.
func NewRateWindow(horizonMs int64) *RateWindow {
	return &RateWindow{horizonMs: horizonMs}
}

// Observe records one event at tsMs and drops expired entries.
func (r *RateWindow) Observe(tsMs int64) {
	r.stamps = append(r.stamps, tsMs)
	r.trim(tsMs)
}

func (r *RateWindow) trim(nowMs int64) {
	cutoff := nowMs - r.horizonMs
	i := 0
	for i < len(r.stamps) && r.stamps[i] < cutoff {
		i++
	}
	if i > 0 {
		r.stamps = r.stamps[i:]
	}
}

// PerMinute returns the event rate normalized to one minute.
func (r *RateWindow) PerMinute(nowMs int64) float64 {
	r.trim(nowMs)
	if r.horizonMs == 0 {
		return 0
	}
	return float64(len(r.stamps)) * 60000.0 / float64(r.horizonMs)
}

// PerSecond returns the event rate normalized to one second.
func (r *RateWindow) PerSecond(nowMs int64) float64 {
	r.trim(nowMs)
	if r.horizonMs == 0 {
		return 0
	}
	return float64(len(r.stamps)) * 1000.0 / float64(r.horizonMs)
}
