package feature

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/v13quant/orderflow/internal/config"
	"github.com/v13quant/orderflow/internal/schema"
)

func TestRollingWindow_MeanStdEviction(t *testing.T) {
	w := NewRollingWindow(3)
	w.Push(1)
	w.Push(2)
	w.Push(3)
	assert.True(t, w.Full())
	assert.InDelta(t, 2.0, w.Mean(), 1e-12)

	w.Push(6) // evicts 1 -> window {2,3,6}
	assert.InDelta(t, 11.0/3.0, w.Mean(), 1e-12)
	assert.Equal(t, 3, w.Count())
}

func TestRollingWindow_ZScoreFlatSeriesIsZero(t *testing.T) {
	w := NewRollingWindow(5)
	for i := 0; i < 5; i++ {
		w.Push(4.2)
	}
	assert.Equal(t, 0.0, w.ZScore(4.2))
	assert.Equal(t, 0.0, w.ZScore(9.9))
}

func TestRollingWindow_Slope(t *testing.T) {
	w := NewRollingWindow(4)
	for _, v := range []float64{1, 2, 3, 4} {
		w.Push(v)
	}
	assert.InDelta(t, 1.0, w.Slope(), 1e-12)

	down := NewRollingWindow(4)
	for _, v := range []float64{4, 3, 2, 1} {
		down.Push(v)
	}
	assert.InDelta(t, -1.0, down.Slope(), 1e-12)
}

func TestOFI_BidUpIsPositive(t *testing.T) {
	c := NewOFICalculator(2, 10)
	_, ok := c.Update(
		[]schema.BookLevel{{Price: 100, Qty: 5}, {Price: 99, Qty: 5}},
		[]schema.BookLevel{{Price: 101, Qty: 5}, {Price: 102, Qty: 5}},
	)
	assert.False(t, ok, "first snapshot only primes")

	// Bid qty grows at unchanged price: positive OFI.
	raw, ok := c.Update(
		[]schema.BookLevel{{Price: 100, Qty: 8}, {Price: 99, Qty: 5}},
		[]schema.BookLevel{{Price: 101, Qty: 5}, {Price: 102, Qty: 5}},
	)
	require.True(t, ok)
	assert.InDelta(t, 3.0, raw, 1e-12)

	// Ask qty grows at unchanged price: negative OFI.
	raw, ok = c.Update(
		[]schema.BookLevel{{Price: 100, Qty: 8}, {Price: 99, Qty: 5}},
		[]schema.BookLevel{{Price: 101, Qty: 9}, {Price: 102, Qty: 5}},
	)
	require.True(t, ok)
	assert.InDelta(t, -4.0, raw, 1e-12)
}

func TestCVD_TickRuleClassification(t *testing.T) {
	c := NewCVDCalculator(10, 20, 5000)

	// First trade uses the reported side.
	cum := c.Update(1000, 100.0, 1.0, schema.SideBuy)
	assert.InDelta(t, 1.0, cum, 1e-12)

	// Uptick is a buy regardless of reported side.
	cum = c.Update(1100, 100.5, 2.0, schema.SideSell)
	assert.InDelta(t, 3.0, cum, 1e-12)

	// Downtick is a sell.
	cum = c.Update(1200, 100.2, 1.0, schema.SideBuy)
	assert.InDelta(t, 2.0, cum, 1e-12)

	// Unchanged price propagates the prior (sell) direction.
	cum = c.Update(1300, 100.2, 0.5, schema.SideBuy)
	assert.InDelta(t, 1.5, cum, 1e-12)
}

func TestCVD_PropagationTimeCap(t *testing.T) {
	c := NewCVDCalculator(10, 100, 1000)
	c.Update(0, 100.0, 1.0, schema.SideSell)  // dir = -1
	c.Update(100, 100.0, 1.0, schema.SideBuy) // unchanged, propagates -1
	assert.InDelta(t, -2.0, c.Cum(), 1e-12)

	// 2s later the run expired; fall back to the reported side.
	c.Update(2100, 100.0, 1.0, schema.SideBuy)
	assert.InDelta(t, -1.0, c.Cum(), 1e-12)
}

func TestCVD_PropagationLengthCap(t *testing.T) {
	c := NewCVDCalculator(10, 2, 1_000_000)
	c.Update(0, 100.0, 1.0, schema.SideSell)
	// Two propagations allowed, the third falls back to the reported side.
	c.Update(1, 100.0, 1.0, schema.SideBuy)
	c.Update(2, 100.0, 1.0, schema.SideBuy)
	assert.InDelta(t, -3.0, c.Cum(), 1e-12)
	c.Update(3, 100.0, 1.0, schema.SideBuy)
	assert.InDelta(t, -2.0, c.Cum(), 1e-12)
}

func TestFusion_ScoreAndConsistency(t *testing.T) {
	f := NewFusion(0.6, 0.4)
	assert.InDelta(t, 0.6*2.0+0.4*1.0, f.Score(2.0, 1.0), 1e-12)

	// Perfect agreement.
	assert.InDelta(t, 1.0, f.Consistency(1.5, 1.5), 1e-12)
	// Same sign, half magnitude.
	assert.InDelta(t, 0.75, f.Consistency(2.0, 1.0), 1e-12)
	// Opposite signs, equal magnitude: full disagreement.
	assert.InDelta(t, 0.0, f.Consistency(2.0, -2.0), 1e-12)
	// Bounded in [0,1].
	for _, pair := range [][2]float64{{3, -1}, {-0.2, 4}, {0, 0}, {1e-9, -5}} {
		c := f.Consistency(pair[0], pair[1])
		assert.GreaterOrEqual(t, c, 0.0)
		assert.LessOrEqual(t, c, 1.0)
	}
}

func TestDivergence_Classification(t *testing.T) {
	d := NewDivergenceDetector(4)
	// Price rising, flow falling: bearish divergence.
	for i := 0; i < 4; i++ {
		d.Update(100+float64(i), 10-float64(i), -0.5)
	}
	assert.Equal(t, schema.DivergenceBearish, d.Classify())

	d2 := NewDivergenceDetector(4)
	// Price falling, flow rising: bullish divergence.
	for i := 0; i < 4; i++ {
		d2.Update(100-float64(i), float64(i), 0.5)
	}
	assert.Equal(t, schema.DivergenceBullish, d2.Classify())

	d3 := NewDivergenceDetector(4)
	// Agreement: none.
	for i := 0; i < 4; i++ {
		d3.Update(100+float64(i), float64(i), 0.5)
	}
	assert.Equal(t, schema.DivergenceNone, d3.Classify())
}

func featureCfg() config.FeatureConfig {
	cfg := config.FeatureConfig{
		OFIWindow:    4,
		CVDWindow:    4,
		SpreadWindow: 4,
		SlopeWindow:  4,
		WOFI:         0.5,
		WCVD:         0.5,
	}
	cfg.CVD.MaxRunLen = 20
	cfg.CVD.MaxRunMs = 5000
	cfg.Activity.TradesPerMinMin = 10
	cfg.Activity.QuoteUpdatesPerSecMin = 1
	cfg.Activity.HighVolSpreadBps = 3.0
	return cfg
}

func TestScenario_Grid(t *testing.T) {
	s := NewScenarioClassifier(featureCfg())
	for i := 0; i < 4; i++ {
		s.ObserveSpread(5.0) // high vol
	}
	assert.Equal(t, schema.ScenarioActiveHigh, s.Classify(20, 2))
	assert.Equal(t, schema.ScenarioQuietHigh, s.Classify(2, 2))

	low := NewScenarioClassifier(featureCfg())
	for i := 0; i < 4; i++ {
		low.ObserveSpread(1.0)
	}
	assert.Equal(t, schema.ScenarioActiveLow, low.Classify(20, 2))
	assert.Equal(t, schema.ScenarioQuietLow, low.Classify(2, 0.5))
}

func TestPipe_EmitsFeatureRowsAndWarmup(t *testing.T) {
	p := NewPipe("BTCUSDT", 5, featureCfg())

	book := func(ts int64, bid, ask float64) *schema.CanonicalRow {
		return &schema.CanonicalRow{
			TsMs: ts, Symbol: "BTCUSDT", Kind: schema.KindOrderbook,
			Bids: []schema.BookLevel{{Price: bid, Qty: 5}},
			Asks: []schema.BookLevel{{Price: ask, Qty: 5}},
		}
	}
	trade := func(ts int64, px float64) *schema.CanonicalRow {
		return &schema.CanonicalRow{
			TsMs: ts, Symbol: "BTCUSDT", Kind: schema.KindTrade,
			Price: px, Qty: 1, Side: schema.SideBuy,
		}
	}

	assert.Nil(t, p.OnRow(trade(1000, 100)))
	assert.Nil(t, p.OnRow(book(1100, 99.9, 100.1)), "first book primes OFI")

	var last *schema.FeatureRow
	ts := int64(1200)
	for i := 0; i < 10; i++ {
		p.OnRow(trade(ts, 100+float64(i)*0.01))
		fr := p.OnRow(book(ts+50, 99.9+float64(i)*0.01, 100.1+float64(i)*0.01))
		require.NotNil(t, fr)
		last = fr
		ts += 200
	}

	assert.Equal(t, "BTCUSDT", last.Symbol)
	assert.False(t, last.Warmup, "all windows full after 10 updates with window 4")
	assert.InDelta(t, 50, float64(last.LagMsToTrade), 1e-9)
	assert.Greater(t, last.Mid, 0.0)
	assert.False(t, math.IsNaN(last.FusionScore))
	assert.NotEmpty(t, last.InputFingerprint)
	assert.GreaterOrEqual(t, last.Consistency, 0.0)
	assert.LessOrEqual(t, last.Consistency, 1.0)
}
