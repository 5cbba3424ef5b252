package risk

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/v13quant/orderflow/internal/config"
	"github.com/v13quant/orderflow/internal/metrics"
	"github.com/v13quant/orderflow/internal/schema"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		ConsistencyMin:    0.3,
		ThrottleThreshold: 0.5,
		MaxSymbolNotional: 10000,
		MaxTotalNotional:  50000,
		MaxOrderNotional:  2000,
		BaseRateLimit:     5,
		MinRateLimit:      0.5,
		MaxRateLimit:      20,
	}
}

func validOrderCtx() *schema.OrderCtx {
	return &schema.OrderCtx{
		ClientOrderID: "abc123",
		Symbol:        "BTCUSDT",
		Side:          schema.SideBuy,
		Qty:           0.1,
		OrderType:     schema.OrderMarket,
		Price:         100,
		SignalRowID:   "BTCUSDT-1000-000001",
		Regime:        schema.RegimeActive,
		Scenario:      schema.ScenarioActiveHigh,
		Consistency:   0.9,
		TickSize:      0.01,
		StepSize:      0.001,
		MinNotional:   5,
		EventTsMs:     1000,
	}
}

func TestPrecheck_AllowsValidOrder(t *testing.T) {
	p := NewPrechecker(testRiskConfig())
	d := p.Check(validOrderCtx())
	require.True(t, d.Allow)
	assert.Equal(t, schema.ReasonOK, d.Reason)
	assert.Equal(t, 0.1, d.Qty)
	assert.False(t, d.Throttled)
}

func TestPrecheck_SchemaInvalid(t *testing.T) {
	p := NewPrechecker(testRiskConfig())

	noSide := validOrderCtx()
	noSide.Side = schema.SideNone
	assert.Equal(t, schema.ReasonSchemaInvalid, p.Check(noSide).Reason)

	noQty := validOrderCtx()
	noQty.Qty = 0
	assert.Equal(t, schema.ReasonSchemaInvalid, p.Check(noQty).Reason)

	noID := validOrderCtx()
	noID.ClientOrderID = ""
	assert.Equal(t, schema.ReasonSchemaInvalid, p.Check(noID).Reason)
}

func TestPrecheck_GuardBeatsEverything(t *testing.T) {
	p := NewPrechecker(testRiskConfig())
	octx := validOrderCtx()
	octx.GuardReason = string(schema.ReasonSpreadTooWide)
	octx.Qty = 1000 // would also trip the position limit

	d := p.Check(octx)
	assert.False(t, d.Allow)
	assert.Equal(t, schema.ReasonSpreadTooWide, d.Reason)

	warm := validOrderCtx()
	warm.Warmup = true
	assert.Equal(t, schema.ReasonWarmup, p.Check(warm).Reason)
}

func TestPrecheck_ConsistencyRejectAndThrottle(t *testing.T) {
	p := NewPrechecker(testRiskConfig())

	low := validOrderCtx()
	low.Consistency = 0.2
	d := p.Check(low)
	assert.False(t, d.Allow)
	assert.Equal(t, schema.ReasonLowConsistency, d.Reason)

	mid := validOrderCtx()
	mid.Consistency = 0.4
	d = p.Check(mid)
	assert.True(t, d.Allow)
	assert.True(t, d.Throttled)

	weak := validOrderCtx()
	weak.WeakSignalThrottle = true
	d = p.Check(weak)
	assert.True(t, d.Allow)
	assert.True(t, d.Throttled)
}

func TestPrecheck_PositionLimits(t *testing.T) {
	p := NewPrechecker(testRiskConfig())

	big := validOrderCtx()
	big.Qty = 25 // 2500 notional > 2000 per-order cap
	assert.Equal(t, schema.ReasonPositionLimit, p.Check(big).Reason)

	// Fill up the symbol, then the next order breaches the symbol cap.
	p.OnFill("BTCUSDT", 9500)
	next := validOrderCtx()
	next.Qty = 10 // 1000 notional on top of 9500 open
	assert.Equal(t, schema.ReasonPositionLimit, p.Check(next).Reason)

	small := validOrderCtx()
	small.Qty = 1 // 100 notional still fits
	assert.True(t, p.Check(small).Allow)
}

func TestPrecheck_ExchangeFilters(t *testing.T) {
	p := NewPrechecker(testRiskConfig())

	tiny := validOrderCtx()
	tiny.Qty = 0.0004 // below one step
	d := p.Check(tiny)
	assert.Equal(t, schema.ReasonStepSize, d.Reason)
	assert.InDelta(t, 0.05, d.SuggestedQty, 1e-12)

	thin := validOrderCtx()
	thin.Qty = 0.01 // 1.0 notional < 5 floor
	d = p.Check(thin)
	assert.Equal(t, schema.ReasonMinNotional, d.Reason)
	assert.InDelta(t, 0.05, d.SuggestedQty, 1e-12)

	ragged := validOrderCtx()
	ragged.Qty = 0.1015
	d = p.Check(ragged)
	require.True(t, d.Allow)
	assert.True(t, d.RoundingApplied)
	assert.InDelta(t, 0.101, d.Qty, 1e-12)
}

func TestPrecheck_SlippageCap(t *testing.T) {
	cfg := testRiskConfig()
	cfg.SlippageCapBps = 50
	p := NewPrechecker(cfg)

	far := validOrderCtx()
	far.OrderType = schema.OrderLimit
	far.MarkPx = 100
	far.Price = 101 // 100 bps off the mark
	d := p.Check(far)
	assert.False(t, d.Allow)
	assert.Equal(t, schema.ReasonSlippageCap, d.Reason)

	near := validOrderCtx()
	near.OrderType = schema.OrderLimit
	near.MarkPx = 100
	near.Price = 100.04 // 4 bps
	assert.True(t, p.Check(near).Allow)

	// No mark price means nothing to judge against.
	unmarked := validOrderCtx()
	unmarked.Price = 101
	assert.True(t, p.Check(unmarked).Allow)
}

func TestPrecheck_LimitPriceAlignment(t *testing.T) {
	p := NewPrechecker(testRiskConfig())
	octx := validOrderCtx()
	octx.OrderType = schema.OrderLimit
	octx.Price = 100.007

	d := p.Check(octx)
	require.True(t, d.Allow)
	assert.True(t, d.RoundingApplied)
	assert.InDelta(t, 100.01, d.Price, 1e-9)
}

func TestPrecheck_Idempotent(t *testing.T) {
	p := NewPrechecker(testRiskConfig())
	cases := []*schema.OrderCtx{
		validOrderCtx(),
		func() *schema.OrderCtx { o := validOrderCtx(); o.Consistency = 0.1; return o }(),
		func() *schema.OrderCtx { o := validOrderCtx(); o.Qty = 25; return o }(),
		func() *schema.OrderCtx { o := validOrderCtx(); o.Qty = 0.01; return o }(),
	}
	for _, octx := range cases {
		first := p.Check(octx)
		second := p.Check(octx)
		assert.Equal(t, first, second)
	}
}

func TestThrottler_AdaptsToDenyRate(t *testing.T) {
	th := NewThrottler(testRiskConfig())
	// Quiet regime: 5 * 0.5.
	assert.InDelta(t, 2.5, th.Rate(), 1e-9)

	for i := 0; i < 50; i++ {
		th.Observe(Decision{Allow: false})
	}
	assert.InDelta(t, 1.25, th.Rate(), 1e-9, "deny rate over 50% halves the base")

	for i := 0; i < 50; i++ {
		th.Observe(Decision{Allow: true})
	}
	assert.InDelta(t, 1.875, th.Rate(), 1e-9, "deny rate under 10% recovers by half")
}

func TestThrottler_BoundsAndRegime(t *testing.T) {
	th := NewThrottler(testRiskConfig())
	for round := 0; round < 5; round++ {
		for i := 0; i < 50; i++ {
			th.Observe(Decision{Allow: false})
		}
	}
	assert.InDelta(t, 0.5, th.Rate(), 1e-9, "never below min_rate_limit")

	th.SetRegime(schema.RegimeActive)
	assert.Greater(t, th.Rate(), 0.5)
}

func TestThrottler_PublishesRateGauge(t *testing.T) {
	th := NewThrottler(testRiskConfig())
	assert.InDelta(t, th.Rate(), testutil.ToFloat64(metrics.Default().ThrottleRate), 1e-9)

	th.SetRegime(schema.RegimeActive)
	assert.InDelta(t, th.Rate(), testutil.ToFloat64(metrics.Default().ThrottleRate), 1e-9)
}
