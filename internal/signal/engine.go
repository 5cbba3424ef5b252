package signal

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/v13quant/orderflow/internal/config"
	"github.com/v13quant/orderflow/internal/schema"
)

// Engine is the deterministic decision core: a pure function of
// (feature row, per-symbol state, config) plus monotone counters. Given
// identical inputs it emits bit-identical records, which is what the
// backtest/live equivalence gate asserts.
type Engine struct {
	cfg        config.SignalConfig
	configHash string

	mu    sync.Mutex
	state map[string]*symbolState
}

type symbolState struct {
	seq int64

	// Consecutive-direction confirmation.
	lastCrossSide schema.Side
	crossStreak   int

	// Dedupe: last emission ts per (signal_type), event-time based.
	lastEmit map[schema.SignalType]int64

	// Post-exit cooldown and flip rearm.
	lastExitTsMs    int64
	lastExitSide    schema.Side
	scoreExtremum   float64 // extremum since last confirmed signal
	lastConfirmSide schema.Side
}

// NewEngine creates the decision engine. configHash is stamped into every
// record for reproducibility.
func NewEngine(cfg config.SignalConfig, configHash string) *Engine {
	return &Engine{
		cfg:        cfg,
		configHash: configHash,
		state:      make(map[string]*symbolState),
	}
}

// NotifyExit records a position exit so the post-exit cooldown and reverse
// rearm guards apply to subsequent rows. Called by the strategy loop and by
// the backtest simulator.
func (e *Engine) NotifyExit(symbol string, side schema.Side, tsMs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.stateFor(symbol)
	st.lastExitTsMs = tsMs
	st.lastExitSide = side
}

func (e *Engine) stateFor(symbol string) *symbolState {
	st := e.state[symbol]
	if st == nil {
		st = &symbolState{lastEmit: make(map[schema.SignalType]int64)}
		e.state[symbol] = st
	}
	return st
}

// Decide transforms one feature row into exactly one signal record.
func (e *Engine) Decide(fr *schema.FeatureRow) *schema.SignalRecord {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := e.stateFor(fr.Symbol)
	st.seq++

	rec := &schema.SignalRecord{
		TsMs:          fr.TsMs,
		Symbol:        fr.Symbol,
		SignalRowID:   fmt.Sprintf("%s-%d-%06d", fr.Symbol, fr.TsMs, st.seq),
		ConfigHash:    e.configHash,
		RulesVer:      e.cfg.RulesVer,
		FeaturesVer:   e.cfg.FeaturesVer,
		Score:         fr.FusionScore,
		Side:          schema.SideNone,
		Strength:      schema.StrengthNone,
		SignalType:    schema.SignalNone,
		Regime:        fr.Regime(),
		Scenario:      fr.Scenario,
		Consistency:   fr.Consistency,
		Warmup:        fr.Warmup,
		SchemaVersion: schema.SignalSchemaVersion,
	}

	// 1. Warmup.
	if fr.Warmup {
		rec.DecisionCode = schema.ReasonWarmup
		return rec
	}

	// 2. Baseline guards.
	if reason := e.guard(fr); reason != "" {
		rec.Gating = true
		rec.GuardReason = string(reason)
		rec.DecisionCode = reason
		return rec
	}

	// Track the score extremum for the flip-rearm check.
	if math.Abs(fr.FusionScore) > math.Abs(st.scoreExtremum) {
		st.scoreExtremum = fr.FusionScore
	}

	// 3. Scenario thresholds.
	buyThr, sellThr := e.thresholds(fr.Scenario)
	side := schema.SideNone
	switch {
	case fr.FusionScore >= buyThr:
		side = schema.SideBuy
	case fr.FusionScore <= -sellThr:
		side = schema.SideSell
	}

	// 4. Weak-signal throttle: marks the record but does not block it.
	if math.Abs(fr.FusionScore) < e.cfg.WeakSignalThreshold {
		rec.WeakSignalThrottle = true
	}

	if side == schema.SideNone {
		st.lastCrossSide = schema.SideNone
		st.crossStreak = 0
		rec.DecisionCode = schema.ReasonOK
		return rec
	}
	rec.Side = side

	// 6. Consecutive-direction confirmation state advances on every
	// crossing, whether or not later gates pass.
	if side == st.lastCrossSide {
		st.crossStreak++
	} else {
		st.lastCrossSide = side
		st.crossStreak = 1
	}

	// 5. Consistency gate.
	if fr.Consistency < e.cfg.ConsistencyMin {
		rec.DecisionCode = schema.ReasonLowConsistency
		return rec
	}

	if st.crossStreak < e.cfg.MinConsecutiveSameDir {
		rec.DecisionCode = schema.ReasonUnconfirmedDir
		return rec
	}

	// 7. Post-exit cooldown and reverse rearm.
	if st.lastExitSide != "" && side == st.lastExitSide.Opposite() {
		if fr.TsMs-st.lastExitTsMs < e.cfg.CooldownAfterExitSec*1000 {
			rec.DecisionCode = schema.ReasonCooldown
			return rec
		}
	}
	if st.lastConfirmSide != "" && side == st.lastConfirmSide.Opposite() {
		if math.Abs(fr.FusionScore) < math.Abs(st.scoreExtremum)*e.cfg.FlipRearmMargin {
			rec.DecisionCode = schema.ReasonFlipRearm
			return rec
		}
	}

	// Strength buckets from |score| against the crossed threshold.
	thr := buyThr
	if side == schema.SideSell {
		thr = sellThr
	}
	rec.Strength = schema.StrengthNormal
	if math.Abs(fr.FusionScore) >= thr*e.cfg.StrongMultiple {
		rec.Strength = schema.StrengthStrong
	}
	rec.SignalType = schema.MakeSignalType(side, rec.Strength)

	// 8. Dedupe on (symbol, signal_type) within the event-time window.
	if last, ok := st.lastEmit[rec.SignalType]; ok && fr.TsMs-last < e.cfg.DedupeMs {
		rec.DecisionCode = schema.ReasonDeduped
		rec.Strength = schema.StrengthNone
		rec.SignalType = schema.SignalNone
		return rec
	}

	rec.Confirm = true
	rec.DecisionCode = schema.ReasonOK
	st.lastEmit[rec.SignalType] = fr.TsMs
	st.lastConfirmSide = side
	st.scoreExtremum = fr.FusionScore
	return rec
}

func (e *Engine) guard(fr *schema.FeatureRow) schema.Reason {
	switch {
	case fr.LagMsToTrade > e.cfg.LagCapMs:
		return schema.ReasonLagExceedsCap
	case fr.SpreadBps > e.cfg.SpreadCapBps:
		return schema.ReasonSpreadTooWide
	case fr.TradesPerMin < e.cfg.ActivityMin:
		return schema.ReasonMarketInactive
	}
	return ""
}

// thresholds resolves the buy/sell thresholds for the active scenario
// bucket, with per-bucket offsets from scenario_overrides.
func (e *Engine) thresholds(scenario schema.Scenario) (buy, sell float64) {
	buy, sell = e.cfg.BuyThreshold, e.cfg.SellThreshold
	if ov, ok := e.cfg.ScenarioOverrides[string(scenario)]; ok {
		buy += ov.BuyOffset
		sell += ov.SellOffset
	}
	return buy, sell
}

// SeedDedupe preloads the dedupe set, used to rebuild state from
// signals.db after a restart so the daily window survives.
func (e *Engine) SeedDedupe(entries map[string]int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for key, tsMs := range entries {
		// Key format: symbol|signal_type.
		symbol, sigType, ok := strings.Cut(key, "|")
		if !ok || sigType == "" {
			continue
		}
		st := e.stateFor(symbol)
		st.lastEmit[schema.SignalType(sigType)] = tsMs
	}
}
