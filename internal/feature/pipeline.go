package feature

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/v13quant/orderflow/internal/config"
	"github.com/v13quant/orderflow/internal/schema"
)

// Pipe turns the canonical row stream of one symbol into feature rows. A
// feature row is produced per orderbook update once at least one trade has
// been seen; warmup is flagged until every rolling window is full.
type Pipe struct {
	symbol string
	cfg    config.FeatureConfig

	ofi        *OFICalculator
	cvd        *CVDCalculator
	fusion     *Fusion
	divergence *DivergenceDetector
	scenario   *ScenarioClassifier

	tradeRate *RateWindow
	quoteRate *RateWindow

	lastTradeTsMs  int64
	lastOFIRaw     float64
	lastBookRowID  int64
	lastTradeRowID int64
	seenTrade      bool
}

// NewPipe creates the feature pipe for one symbol.
func NewPipe(symbol string, depth int, cfg config.FeatureConfig) *Pipe {
	return &Pipe{
		symbol:     symbol,
		cfg:        cfg,
		ofi:        NewOFICalculator(depth, cfg.OFIWindow),
		cvd:        NewCVDCalculator(cfg.CVDWindow, cfg.CVD.MaxRunLen, cfg.CVD.MaxRunMs),
		fusion:     NewFusion(cfg.WOFI, cfg.WCVD),
		divergence: NewDivergenceDetector(cfg.SlopeWindow),
		scenario:   NewScenarioClassifier(cfg),
		tradeRate:  NewRateWindow(60000),
		quoteRate:  NewRateWindow(10000),
	}
}

// OnRow consumes one canonical row and returns a feature row when the row
// completes one, else nil.
func (p *Pipe) OnRow(row *schema.CanonicalRow) *schema.FeatureRow {
	switch row.Kind {
	case schema.KindTrade:
		p.cvd.Update(row.TsMs, row.Price, row.Qty, row.Side)
		p.tradeRate.Observe(row.TsMs)
		p.lastTradeTsMs = row.TsMs
		p.lastTradeRowID = row.RowID
		p.seenTrade = true
		return nil
	case schema.KindOrderbook:
		return p.onBook(row)
	default:
		return nil
	}
}

func (p *Pipe) onBook(row *schema.CanonicalRow) *schema.FeatureRow {
	if len(row.Bids) == 0 || len(row.Asks) == 0 {
		return nil
	}
	p.quoteRate.Observe(row.TsMs)
	p.lastBookRowID = row.RowID

	bestBid := row.Bids[0].Price
	bestAsk := row.Asks[0].Price
	mid := (bestBid + bestAsk) / 2
	spreadBps := 0.0
	if mid > 0 {
		spreadBps = (bestAsk - bestBid) / mid * 10000
	}

	rawOFI, ok := p.ofi.Update(row.Bids, row.Asks)
	if !ok {
		return nil
	}
	p.lastOFIRaw = rawOFI
	p.scenario.ObserveSpread(spreadBps)
	p.divergence.Update(mid, p.cvd.Cum(), rawOFI)

	zOFI := p.ofi.Z(rawOFI)
	zCVD := p.cvd.Z()
	score := p.fusion.Score(zOFI, zCVD)
	consistency := p.fusion.Consistency(zOFI, zCVD)

	tradesPerMin := p.tradeRate.PerMinute(row.TsMs)
	quotesPerSec := p.quoteRate.PerSecond(row.TsMs)

	lag := int64(0)
	if p.seenTrade {
		lag = row.TsMs - p.lastTradeTsMs
	}

	warmup := !p.seenTrade || !p.ofi.Warm() || !p.cvd.Warm()

	return &schema.FeatureRow{
		TsMs:               row.TsMs,
		Symbol:             p.symbol,
		Mid:                mid,
		BestBid:            bestBid,
		BestAsk:            bestAsk,
		SpreadBps:          spreadBps,
		ZOFI:               zOFI,
		ZCVD:               zCVD,
		FusionScore:        score,
		Consistency:        consistency,
		Scenario:           p.scenario.Classify(tradesPerMin, quotesPerSec),
		Divergence:         p.divergence.Classify(),
		LagMsToTrade:       lag,
		TradesPerMin:       tradesPerMin,
		QuoteUpdatesPerSec: quotesPerSec,
		Warmup:             warmup,
		InputFingerprint:   p.fingerprint(row),
	}
}

// fingerprint binds a feature row to the exact input rows it was computed
// from, per the canonical-row invariant that features always carry their
// input fingerprint.
func (p *Pipe) fingerprint(row *schema.CanonicalRow) string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|book:%d|trade:%d",
		p.symbol, row.TsMs, p.lastBookRowID, p.lastTradeRowID)))
	return hex.EncodeToString(h[:])[:16]
}
