package feature

import (
	"github.com/v13quant/orderflow/internal/config"
	"github.com/v13quant/orderflow/internal/schema"
)

// ScenarioClassifier buckets the market into the 2x2 grid: activity
// (trades/min and quote updates/sec against thresholds) by volatility
// regime (rolling spread_bps against a high-vol threshold).
type ScenarioClassifier struct {
	cfg    config.FeatureConfig
	spread *RollingWindow
}

// NewScenarioClassifier creates a classifier over the configured spread window.
func NewScenarioClassifier(cfg config.FeatureConfig) *ScenarioClassifier {
	return &ScenarioClassifier{cfg: cfg, spread: NewRollingWindow(cfg.SpreadWindow)}
}

// ObserveSpread records one spread sample for the volatility regime.
func (s *ScenarioClassifier) ObserveSpread(spreadBps float64) {
	s.spread.Push(spreadBps)
}

// Classify returns the bucket for the current activity readings.
func (s *ScenarioClassifier) Classify(tradesPerMin, quoteUpdatesPerSec float64) schema.Scenario {
	active := tradesPerMin >= s.cfg.Activity.TradesPerMinMin &&
		quoteUpdatesPerSec >= s.cfg.Activity.QuoteUpdatesPerSecMin
	highVol := s.spread.Mean() >= s.cfg.Activity.HighVolSpreadBps

	switch {
	case active && highVol:
		return schema.ScenarioActiveHigh
	case active:
		return schema.ScenarioActiveLow
	case highVol:
		return schema.ScenarioQuietHigh
	default:
		return schema.ScenarioQuietLow
	}
}
