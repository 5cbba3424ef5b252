package risk

import (
	"sync"

	"github.com/v13quant/orderflow/internal/config"
	"github.com/v13quant/orderflow/internal/exchange"
	"github.com/v13quant/orderflow/internal/metrics"
	"github.com/v13quant/orderflow/internal/schema"
)

// Decision is the outcome of one precheck pass. Qty and Price carry the
// filter-aligned values the executor must send.
type Decision struct {
	Allow           bool
	Reason          schema.Reason
	Throttled       bool
	Qty             float64
	Price           float64
	SuggestedQty    float64
	RoundingApplied bool
}

// Prechecker runs the ordered risk gate over each order context. Check is a
// pure read: running it twice over the same context and book state yields
// identical decisions. Exposure advances only through OnFill.
type Prechecker struct {
	cfg config.RiskConfig

	mu        sync.Mutex
	notionals map[string]float64 // open notional per symbol
	total     float64
}

// NewPrechecker creates the gate with zero open exposure.
func NewPrechecker(cfg config.RiskConfig) *Prechecker {
	return &Prechecker{cfg: cfg, notionals: make(map[string]float64)}
}

// Check runs the ordered gate: schema, baseline guards, consistency,
// weak-signal throttle, position limits, exchange filters, price alignment.
func (p *Prechecker) Check(octx *schema.OrderCtx) Decision {
	d := Decision{Qty: octx.Qty, Price: octx.Price, Reason: schema.ReasonOK}

	if reason := validate(octx); reason != schema.ReasonOK {
		return p.reject(octx, d, reason)
	}

	// Baseline guards from the upstream signal are absolute.
	if octx.Warmup {
		return p.reject(octx, d, schema.ReasonWarmup)
	}
	if r := schema.Reason(octx.GuardReason); octx.GuardReason != "" && schema.GuardReasons[r] {
		return p.reject(octx, d, r)
	}

	if octx.Consistency < p.cfg.ConsistencyMin {
		return p.reject(octx, d, schema.ReasonLowConsistency)
	}
	if octx.Consistency < p.cfg.ThrottleThreshold {
		d.Throttled = true
	}
	if octx.WeakSignalThrottle {
		d.Throttled = true
	}

	// Price cap: reject when the intent price sits further from the mark
	// than the configured slippage bound.
	if p.cfg.SlippageCapBps > 0 && octx.MarkPx > 0 {
		devBps := octx.Price - octx.MarkPx
		if devBps < 0 {
			devBps = -devBps
		}
		devBps = devBps / octx.MarkPx * 1e4
		if devBps > p.cfg.SlippageCapBps {
			return p.reject(octx, d, schema.ReasonSlippageCap)
		}
	}

	// Position limits over the currently open exposure.
	refPrice := octx.Price
	orderNotional := octx.Qty * refPrice
	if orderNotional > p.cfg.MaxOrderNotional {
		return p.reject(octx, d, schema.ReasonPositionLimit)
	}
	p.mu.Lock()
	symbolOpen := p.notionals[octx.Symbol]
	totalOpen := p.total
	p.mu.Unlock()
	if symbolOpen+orderNotional > p.cfg.MaxSymbolNotional {
		return p.reject(octx, d, schema.ReasonPositionLimit)
	}
	if totalOpen+orderNotional > p.cfg.MaxTotalNotional {
		return p.reject(octx, d, schema.ReasonPositionLimit)
	}

	// Exchange filters: floor qty to step, then check the notional floor.
	aligned := exchange.AlignQty(octx.Qty, octx.StepSize)
	if aligned != octx.Qty {
		d.RoundingApplied = true
	}
	if aligned <= 0 {
		d.SuggestedQty = exchange.SuggestQty(refPrice, octx.StepSize, octx.MinNotional)
		return p.reject(octx, d, schema.ReasonStepSize)
	}
	if !exchange.MeetsMinNotional(aligned, refPrice, octx.MinNotional) {
		d.SuggestedQty = exchange.SuggestQty(refPrice, octx.StepSize, octx.MinNotional)
		return p.reject(octx, d, schema.ReasonMinNotional)
	}
	d.Qty = aligned

	if octx.OrderType == schema.OrderLimit {
		alignedPx := exchange.AlignPrice(octx.Price, octx.TickSize)
		if alignedPx != octx.Price {
			d.RoundingApplied = true
		}
		d.Price = alignedPx
	}

	d.Allow = true
	metrics.Default().PrecheckDecisions.WithLabelValues(octx.Symbol, "allow").Inc()
	return d
}

func (p *Prechecker) reject(octx *schema.OrderCtx, d Decision, reason schema.Reason) Decision {
	d.Allow = false
	d.Reason = reason
	metrics.Default().PrecheckDecisions.WithLabelValues(octx.Symbol, string(reason)).Inc()
	return d
}

// validate checks structural invariants of the order context. Reasons are
// drawn from the closed taxonomy so downstream labels stay bounded.
func validate(octx *schema.OrderCtx) schema.Reason {
	switch {
	case octx.Symbol == "" || octx.SignalRowID == "" || octx.ClientOrderID == "":
		return schema.ReasonSchemaInvalid
	case octx.Side != schema.SideBuy && octx.Side != schema.SideSell:
		return schema.ReasonSchemaInvalid
	case octx.Qty <= 0 || octx.Price <= 0:
		return schema.ReasonSchemaInvalid
	case octx.OrderType != schema.OrderMarket && octx.OrderType != schema.OrderLimit:
		return schema.ReasonSchemaInvalid
	}
	return schema.ReasonOK
}

// OnFill advances open exposure by the signed notional delta of a fill.
func (p *Prechecker) OnFill(symbol string, notionalDelta float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.notionals[symbol] += notionalDelta
	if p.notionals[symbol] < 0 {
		p.notionals[symbol] = 0
	}
	p.total = 0
	for _, n := range p.notionals {
		p.total += n
	}
}

// OpenNotional reports exposure for manifests and tests.
func (p *Prechecker) OpenNotional(symbol string) float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.notionals[symbol]
}
