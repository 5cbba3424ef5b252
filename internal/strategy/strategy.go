package strategy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/v13quant/orderflow/internal/clock"
	"github.com/v13quant/orderflow/internal/config"
	"github.com/v13quant/orderflow/internal/exchange"
	"github.com/v13quant/orderflow/internal/exec"
	"github.com/v13quant/orderflow/internal/metrics"
	"github.com/v13quant/orderflow/internal/risk"
	"github.com/v13quant/orderflow/internal/schema"
	"github.com/v13quant/orderflow/internal/sink"
)

const pollInterval = 200 * time.Millisecond

// passSampleEvery controls exec-event logging for passing prechecks: every
// rejection is logged, passing decisions are sampled 1-in-100.
const passSampleEvery = 100

// Strategy consumes confirmed signals, runs the risk precheck, and
// dispatches orders through the executor. Reference prices come from the
// published feature stream, so the loop needs no market-data connection of
// its own.
type Strategy struct {
	cfg        *config.Config
	layout     sink.Layout
	prechecker *risk.Prechecker
	throttler  *risk.Throttler
	executor   exec.Executor
	adapter    exchange.Adapter
	execLog    sink.ExecWriter
	tp         clock.TimeProvider

	mu        sync.Mutex
	marks     map[string]float64
	posSide   map[string]schema.Side
	processed map[string]bool
	passes    int64
	ready     bool
}

// New wires the strategy loop. The exec writer is shared with the
// executor's outbox; precheck decisions that never become orders are logged
// through it directly.
func New(cfg *config.Config, adapter exchange.Adapter, executor exec.Executor, execLog sink.ExecWriter, tp clock.TimeProvider) *Strategy {
	return &Strategy{
		cfg:        cfg,
		layout:     sink.Layout{Root: cfg.Root},
		prechecker: risk.NewPrechecker(cfg.Risk),
		throttler:  risk.NewThrottler(cfg.Risk),
		executor:   executor,
		adapter:    adapter,
		execLog:    execLog,
		tp:         tp,
		marks:      make(map[string]float64),
		posSide:    make(map[string]schema.Side),
		processed:  make(map[string]bool),
	}
}

// Run polls for published signal files until ctx is cancelled.
func (s *Strategy) Run(ctx context.Context) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if err := s.scanOnce(ctx); err != nil {
			return err
		}
		s.markReady()
		select {
		case <-ctx.Done():
			return s.executor.Flush()
		case <-ticker.C:
		}
	}
}

// Drain processes everything currently published. Used by tests and by
// bounded runs.
func (s *Strategy) Drain(ctx context.Context) error {
	if err := s.scanOnce(ctx); err != nil {
		return err
	}
	return s.executor.Flush()
}

func (s *Strategy) scanOnce(ctx context.Context) error {
	// Feature files first so marks are current before orders price off them.
	if err := s.consumeNew(filepath.Join(s.layout.Root, "ready", "feature", "*", "*.jsonl"), s.onFeatureLine); err != nil {
		return err
	}
	return s.consumeNew(filepath.Join(s.layout.Root, "ready", "signal", "*", "*.jsonl"), func(line []byte) error {
		return s.onSignalLine(ctx, line)
	})
}

func (s *Strategy) consumeNew(pattern string, fn func(line []byte) error) error {
	files, err := filepath.Glob(pattern)
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, path := range files {
		s.mu.Lock()
		done := s.processed[path]
		s.mu.Unlock()
		if done {
			continue
		}
		if err := s.consumeFile(path, fn); err != nil {
			return fmt.Errorf("consume %s: %w", filepath.Base(path), err)
		}
		s.mu.Lock()
		s.processed[path] = true
		s.mu.Unlock()
	}
	return nil
}

func (s *Strategy) consumeFile(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for sc.Scan() {
		if err := fn(sc.Bytes()); err != nil {
			return err
		}
	}
	return sc.Err()
}

func (s *Strategy) onFeatureLine(line []byte) error {
	var fr schema.FeatureRow
	if err := json.Unmarshal(line, &fr); err != nil {
		return nil
	}
	if fr.Mid > 0 {
		s.mu.Lock()
		s.marks[fr.Symbol] = fr.Mid
		s.mu.Unlock()
	}
	s.throttler.SetRegime(fr.Regime())
	return nil
}

func (s *Strategy) onSignalLine(ctx context.Context, line []byte) error {
	var rec schema.SignalRecord
	if err := json.Unmarshal(line, &rec); err != nil {
		log.Warn().Err(err).Msg("malformed signal record skipped")
		return nil
	}
	if !rec.Confirm {
		return nil
	}
	return s.dispatch(ctx, &rec)
}

func (s *Strategy) dispatch(ctx context.Context, rec *schema.SignalRecord) error {
	s.mu.Lock()
	mark := s.marks[rec.Symbol]
	s.mu.Unlock()
	if mark <= 0 {
		log.Warn().Str("symbol", rec.Symbol).Msg("no reference price yet, signal skipped")
		return nil
	}

	octx := s.buildOrderCtx(rec, mark)
	if !s.throttler.Allow() {
		return s.logDecision(octx, schema.ReasonRateLimited)
	}

	d := s.prechecker.Check(octx)
	s.throttler.Observe(d)
	if !d.Allow {
		return s.logDecision(octx, d.Reason)
	}
	s.samplePass(octx)

	octx.Qty = d.Qty
	octx.Price = d.Price
	res, err := s.executor.Submit(ctx, octx)
	if err != nil {
		return fmt.Errorf("submit %s: %w", octx.ClientOrderID, err)
	}
	if res.Status == schema.StatusFilled || res.Status == schema.StatusPartial {
		s.applyFill(octx, res)
	}
	return nil
}

func (s *Strategy) buildOrderCtx(rec *schema.SignalRecord, mark float64) *schema.OrderCtx {
	filters := s.adapter.Filters(rec.Symbol)
	qty := s.cfg.Exec.DefaultQty
	orderType := schema.OrderMarket
	if s.cfg.Exec.OrderType == "limit" {
		orderType = schema.OrderLimit
	}
	octx := &schema.OrderCtx{
		Symbol:             rec.Symbol,
		Side:               rec.Side,
		Qty:                qty,
		OrderType:          orderType,
		Price:              mark,
		MarkPx:             mark,
		TimeInForce:        s.cfg.Exec.TimeInForce,
		SignalRowID:        rec.SignalRowID,
		Regime:             rec.Regime,
		Scenario:           rec.Scenario,
		Warmup:             rec.Warmup,
		GuardReason:        rec.GuardReason,
		Consistency:        rec.Consistency,
		WeakSignalThrottle: rec.WeakSignalThrottle,
		TickSize:           filters.TickSize,
		StepSize:           filters.StepSize,
		MinNotional:        filters.MinNotional,
		EventTsMs:          rec.TsMs,
	}
	octx.ClientOrderID = schema.ClientOrderID(rec.SignalRowID, rec.TsMs, rec.Side, qty, mark)
	return octx
}

// applyFill advances exposure, flipping the tracked side on reversals.
func (s *Strategy) applyFill(octx *schema.OrderCtx, res *schema.ExecResult) {
	notional := res.FilledQty * res.AvgPrice
	s.mu.Lock()
	prev := s.posSide[octx.Symbol]
	s.mu.Unlock()

	delta := notional
	if prev != "" && prev != octx.Side {
		delta = -notional
	}
	s.prechecker.OnFill(octx.Symbol, delta)

	s.mu.Lock()
	if delta < 0 && s.prechecker.OpenNotional(octx.Symbol) == 0 {
		delete(s.posSide, octx.Symbol)
	} else {
		s.posSide[octx.Symbol] = octx.Side
	}
	s.mu.Unlock()
}

// logDecision writes a precheck rejection (always) to the exec log.
func (s *Strategy) logDecision(octx *schema.OrderCtx, reason schema.Reason) error {
	metrics.Default().PrecheckDecisions.WithLabelValues(octx.Symbol, string(reason)).Inc()
	return s.execLog.WriteExecEvent(&schema.ExecLogEvent{
		TsMs:          s.tp.NowMs(),
		Symbol:        octx.Symbol,
		Event:         schema.EventRejected,
		Status:        schema.StatusRejected,
		ClientOrderID: octx.ClientOrderID,
		RejectReason:  reason,
		Side:          octx.Side,
		Qty:           octx.Qty,
		PxIntent:      octx.Price,
	})
}

// samplePass logs 1-in-100 passing decisions so the exec log shows the
// healthy path without drowning in it.
func (s *Strategy) samplePass(octx *schema.OrderCtx) {
	s.mu.Lock()
	s.passes++
	sampled := s.passes%passSampleEvery == 1
	s.mu.Unlock()
	if !sampled {
		return
	}
	log.Debug().Str("symbol", octx.Symbol).Str("client_order_id", octx.ClientOrderID).
		Msg("precheck pass sample")
}

// markReady writes the sentinel after the first complete scan.
func (s *Strategy) markReady() {
	s.mu.Lock()
	if s.ready {
		s.mu.Unlock()
		return
	}
	s.ready = true
	s.mu.Unlock()

	path := filepath.Join(s.layout.ArtifactsDir(), "strategy.ready")
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		log.Error().Err(err).Msg("ready sentinel mkdir failed")
		return
	}
	if err := os.WriteFile(path, []byte(fmt.Sprintf("%d\n", s.tp.NowMs())), 0644); err != nil {
		log.Error().Err(err).Msg("ready sentinel write failed")
	}
}

// Close flushes and releases the executor.
func (s *Strategy) Close() error {
	return s.executor.Close()
}
