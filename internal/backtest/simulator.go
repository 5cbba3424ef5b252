package backtest

import (
	"github.com/v13quant/orderflow/internal/clock"
	"github.com/v13quant/orderflow/internal/config"
	"github.com/v13quant/orderflow/internal/schema"
)

// FillModel prices simulated executions. Market orders pay half the
// configured slippage against the mid; fees follow the flat schedule with a
// per-scenario maker probability, drawn from the run's seeded RNG so every
// replay of the same seed reproduces the same fills.
type FillModel struct {
	cfg config.BacktestConfig
	rng *clock.RNG
}

// NewFillModel builds the model over the run RNG.
func NewFillModel(cfg config.BacktestConfig, rng *clock.RNG) *FillModel {
	return &FillModel{cfg: cfg, rng: rng}
}

// Fill returns the execution price and fee for qty at the given mid.
func (f *FillModel) Fill(side schema.Side, qty, mid float64, scenario schema.Scenario) (px, fee float64, maker bool) {
	half := f.cfg.SlippageBps / 2 / 1e4
	px = mid * (1 + side.Sign()*half)

	maker = f.rng.Float64() < f.cfg.MakerFeeRatio[string(scenario)]
	feeBps := f.cfg.TakerFeeBps
	if maker {
		feeBps = f.cfg.MakerFeeBps
	}
	fee = qty * px * feeBps / 1e4
	return px, fee, maker
}

// FillLimit prices a resting limit order: it executes at the limit when the
// mid crosses it, paying maker fees.
func (f *FillModel) FillLimit(side schema.Side, qty, limit, mid float64) (px, fee float64, crossed bool) {
	switch side {
	case schema.SideBuy:
		crossed = mid <= limit
	case schema.SideSell:
		crossed = mid >= limit
	}
	if !crossed {
		return 0, 0, false
	}
	fee = qty * limit * f.cfg.MakerFeeBps / 1e4
	return limit, fee, true
}
