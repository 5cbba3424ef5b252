package risk

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/v13quant/orderflow/internal/config"
	"github.com/v13quant/orderflow/internal/metrics"
	"github.com/v13quant/orderflow/internal/schema"
)

// retuneEvery is how many observed decisions it takes to re-evaluate the
// dispatch rate.
const retuneEvery = 50

// Throttler is the adaptive dispatch limiter in front of the executor. The
// base rate shrinks while the precheck denies most orders and recovers when
// the deny rate falls, always inside [min_rate_limit, max_rate_limit], with
// a regime factor on top: quiet halves the effective rate, active raises it
// by half.
type Throttler struct {
	cfg     config.RiskConfig
	limiter *rate.Limiter

	mu       sync.Mutex
	base     float64
	factor   float64
	observed int
	denied   int
}

// NewThrottler starts at the configured base rate in the quiet regime.
func NewThrottler(cfg config.RiskConfig) *Throttler {
	t := &Throttler{
		cfg:    cfg,
		base:   cfg.BaseRateLimit,
		factor: 0.5,
	}
	t.limiter = rate.NewLimiter(rate.Limit(t.effective()), burstFor(cfg.BaseRateLimit))
	t.publish()
	return t
}

func burstFor(rps float64) int {
	b := int(rps)
	if b < 1 {
		b = 1
	}
	return b
}

// Allow reports whether one order may be dispatched now.
func (t *Throttler) Allow() bool {
	return t.limiter.Allow()
}

// Observe feeds one precheck outcome into the adaptation window.
func (t *Throttler) Observe(d Decision) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observed++
	if !d.Allow {
		t.denied++
	}
	if t.observed < retuneEvery {
		return
	}
	denyRate := float64(t.denied) / float64(t.observed)
	t.observed, t.denied = 0, 0
	switch {
	case denyRate > 0.5:
		t.base = clamp(t.base*0.5, t.cfg.MinRateLimit, t.cfg.MaxRateLimit)
	case denyRate < 0.1:
		t.base = clamp(t.base*1.5, t.cfg.MinRateLimit, t.cfg.MaxRateLimit)
	}
	t.apply()
}

// SetRegime switches the activity factor.
func (t *Throttler) SetRegime(r schema.Regime) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if r == schema.RegimeActive {
		t.factor = 1.5
	} else {
		t.factor = 0.5
	}
	t.apply()
}

// Rate reports the current effective rate in req/s.
func (t *Throttler) Rate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.effective()
}

func (t *Throttler) effective() float64 {
	return clamp(t.base*t.factor, t.cfg.MinRateLimit, t.cfg.MaxRateLimit)
}

func (t *Throttler) apply() {
	t.limiter.SetLimit(rate.Limit(t.effective()))
	t.publish()
}

func (t *Throttler) publish() {
	metrics.Default().ThrottleRate.Set(t.effective())
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
